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

package main

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
)

// ValidateCmd validates a configuration file, including a dry-run compile of
// every persona under the default governance policy.
type ValidateCmd struct {
	Config      string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	config.LoadDotEnv()
	cfg, err := config.LoadFile(ctx, c.Config)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Config, err)
	}

	// Compile each persona so weight and duplicate-name problems surface
	// here instead of on the first turn.
	var policy *ethics.GovernancePolicy
	if cfg.Org.DefaultPolicy != "" {
		p, ok := cfg.Policies[cfg.Org.DefaultPolicy]
		if !ok {
			return fmt.Errorf("default policy %q is not configured", cfg.Org.DefaultPolicy)
		}
		policy = &p
	}
	names := make([]string, 0, len(cfg.Personas))
	for name := range cfg.Personas {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		agent, err := ethics.Compile(cfg.Personas[name], policy, *cfg.Org.GovernanceWeight)
		if err != nil {
			return fmt.Errorf("persona %q: %w", name, err)
		}
		fmt.Printf("✓ persona %-20s %d values, %d rules\n", name, len(agent.Values), len(agent.WillRules))
	}

	if c.PrintConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s", out)
		return nil
	}

	fmt.Printf("✓ %s is valid (%d providers, %d routes, %d personas)\n",
		c.Config, len(cfg.LLMs), len(cfg.Routes), len(cfg.Personas))
	return nil
}
