// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 The SAFi Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command safi is the CLI for the SAFi governed-response orchestrator.
//
// Usage:
//
//	safi chat --config safi.yaml
//	safi chat --config safi.yaml --agent fiduciary --watch
//	safi audit <message-id> --config safi.yaml
//	safi validate safi.yaml
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/jnamaya/SAFi-sub000/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Start an interactive governed chat session."`
	Audit    AuditCmd    `cmd:"" help:"Poll the audit result for a message id."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"safi.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("SAFi version %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("safi"),
		kong.Description("Governed AI-response orchestrator."),
		kong.UsageOnError(),
	)

	if err := initLogging(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func initLogging(cli *CLI) error {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return err
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, _, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	}
	logger.Init(level, output, cli.LogFormat)
	return nil
}
