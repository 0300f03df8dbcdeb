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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/store"
)

// AuditCmd polls the audit result for a message id directly against storage,
// so it works from a separate process against the same database.
type AuditCmd struct {
	MessageID string        `arg:"" name:"message-id" help:"Message id returned by a chat turn."`
	Wait      time.Duration `help:"Keep polling this long while the audit is pending. 0 checks once." default:"0"`
}

func (c *AuditCmd) Run(cli *CLI) error {
	ctx := context.Background()

	config.LoadDotEnv()
	cfg, err := config.LoadFile(ctx, cli.Config)
	if err != nil {
		return err
	}
	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	deadline := time.Now().Add(c.Wait)
	for {
		status, result, err := st.GetAuditResult(ctx, c.MessageID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("message %q not found", c.MessageID)
		}
		if err != nil {
			return err
		}
		if status == store.StatusComplete {
			return printAuditResult(result)
		}
		if !time.Now().Before(deadline) {
			fmt.Println(`{"status": "pending"}`)
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func printAuditResult(result *store.AuditResult) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
