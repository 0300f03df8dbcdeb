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
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jnamaya/SAFi-sub000/pkg/orchestrator"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
)

// ChatCmd starts an interactive governed chat session.
type ChatCmd struct {
	Agent     string        `help:"Agent (persona) key. Defaults to the configured default agent."`
	User      string        `help:"User id for quota and profile tracking." default:"local"`
	ShowAudit bool          `name:"show-audit" default:"true" negatable:"" help:"Wait for and print the audit verdict after each answer."`
	AuditWait time.Duration `name:"audit-wait" default:"15s" help:"How long to wait for an audit before giving up."`
	Watch     bool          `help:"Watch the config file and recompile agents on change."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := buildRuntime(ctx, cli.Config, c.Watch)
	if err != nil {
		return err
	}
	defer rt.teardown()

	conversationID := uuid.NewString()
	reader := bufio.NewReader(os.Stdin)

	agentName := c.Agent
	if agentName == "" {
		agentName = rt.cfg.Orchestrator.DefaultAgent
	}
	fmt.Printf("\nChatting with %s. Commands:\n", agentName)
	fmt.Println("  /quit or /exit - end the session")
	fmt.Println("  /new           - start a new conversation")
	fmt.Println("  /audit <id>    - poll the audit result for a message id")
	fmt.Println()

	for {
		fmt.Print("You: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return nil // EOF ends the session
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if done := c.handleCommand(ctx, rt, input, &conversationID); done {
				return nil
			}
			continue
		}

		resp, err := rt.service.ProcessPrompt(ctx, orchestrator.Request{
			UserID:         c.User,
			ConversationID: conversationID,
			UserPrompt:     input,
			Agent:          orchestrator.AgentSelector{AgentKey: c.Agent},
		})
		if errors.Is(err, orchestrator.ErrQuotaExceeded) {
			fmt.Println("Daily prompt limit reached. Try again tomorrow.")
			continue
		}
		if err != nil {
			fmt.Printf("Error: %v\n\n", err)
			continue
		}

		fmt.Printf("\n%s\n\n", resp.Answer)
		if resp.NewTitle != "" {
			fmt.Printf("  (conversation: %s)\n", resp.NewTitle)
		}
		if resp.WillDecision == parse.DecisionViolation && resp.WillReason != "" {
			fmt.Printf("  blocked: %s\n", resp.WillReason)
		}
		if c.ShowAudit && resp.MessageID != "" {
			c.printAudit(ctx, rt, resp.MessageID)
		}
		fmt.Println()
	}
}

func (c *ChatCmd) handleCommand(ctx context.Context, rt *runtime, input string, conversationID *string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		fmt.Println("Session ended.")
		return true
	case "/new":
		*conversationID = uuid.NewString()
		fmt.Println("Started a new conversation.")
	case "/audit":
		if len(fields) != 2 {
			fmt.Println("Usage: /audit <message-id>")
			return false
		}
		view, err := rt.service.GetAuditResult(ctx, fields[1])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return false
		}
		printAuditView(view)
	default:
		fmt.Printf("Unknown command: %s\n", fields[0])
	}
	return false
}

// printAudit polls until the audit completes or AuditWait elapses.
func (c *ChatCmd) printAudit(ctx context.Context, rt *runtime, messageID string) {
	deadline := time.Now().Add(c.AuditWait)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		view, err := rt.service.GetAuditResult(ctx, messageID)
		if err != nil {
			fmt.Printf("  audit error: %v\n", err)
			return
		}
		if view.Status == "complete" {
			printAuditView(view)
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	fmt.Printf("  audit still pending (message %s)\n", messageID)
}

func printAuditView(view *orchestrator.AuditView) {
	if view.Status != "complete" {
		fmt.Printf("  audit: %s\n", view.Status)
		return
	}
	fmt.Printf("  spirit: %s\n", view.SpiritNote)
	for _, row := range view.Ledger {
		fmt.Printf("    %-20s %+.1f (confidence %.1f) %s\n", row.Value, row.Score, row.Confidence, row.Reason)
	}
	if len(view.SuggestedPrompts) > 0 {
		fmt.Printf("  try next: %s\n", strings.Join(view.SuggestedPrompts, " | "))
	}
}
