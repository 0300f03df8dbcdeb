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

// Package store defines the persistence port for conversations, messages,
// audit results, spirit memory, and daily prompt quotas, with SQL and
// in-memory implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AuditStatus tracks the deferred-audit lifecycle of an assistant message.
type AuditStatus string

const (
	StatusPending  AuditStatus = "pending"
	StatusComplete AuditStatus = "complete"
)

// Message is one chat-history entry. A turn writes two messages (user and
// assistant) sharing the same MessageID; audit fields live on the assistant
// row only.
type Message struct {
	MessageID      string
	ConversationID string
	Role           string
	Content        string
	AuditStatus    AuditStatus
	CreatedAt      time.Time
}

// AuditResult holds the deferred-faculty outputs attached to an assistant
// message once its background audit completes.
type AuditResult struct {
	Ledger      json.RawMessage `json:"ledger,omitempty"`
	SpiritScore int             `json:"spiritScore,omitempty"`
	SpiritNote  string          `json:"spiritNote,omitempty"`
	Suggestions []string        `json:"suggestedPrompts,omitempty"`
}

// SpiritMemory is the per-agent running ethical state. Turn counts completed
// audits; Mu is the exponential moving average over weighted value scores,
// one component per value in ledger order. A nil Mu means the agent has no
// history yet.
type SpiritMemory struct {
	AgentKey         string
	Turn             int
	Mu               []float64
	LastFeedbackSeed string
}

// Store is the persistence port consumed by the orchestrator.
//
// WithSpiritLock runs fn while holding an exclusive lock on the agent's
// spirit memory: the loaded memory (fresh zero-state if absent) is passed to
// fn, fn mutates it in place, and the mutated state is persisted when fn
// returns nil. An fn error discards the mutation.
type Store interface {
	EnsureConversation(ctx context.Context, conversationID, userID string) error
	SetTitle(ctx context.Context, conversationID, title string) error
	GetTitle(ctx context.Context, conversationID string) (string, error)

	AppendMessage(ctx context.Context, msg Message) error
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	History(ctx context.Context, conversationID string, limit int) ([]Message, error)

	UpdateAuditResult(ctx context.Context, messageID string, res AuditResult) error
	GetAuditResult(ctx context.Context, messageID string) (AuditStatus, *AuditResult, error)

	GetSummary(ctx context.Context, conversationID string) (string, error)
	SaveSummary(ctx context.Context, conversationID, summary string) error

	GetUserProfile(ctx context.Context, userID string) (string, error)
	SaveUserProfile(ctx context.Context, userID, profile string) error

	WithSpiritLock(ctx context.Context, agentKey string, fn func(mem *SpiritMemory) error) error

	CountPromptsToday(ctx context.Context, userID string) (int, error)
	IncrementPromptCount(ctx context.Context, userID string) error

	Close() error
}

// quotaDay formats the UTC day bucket used by the prompt quota.
func quotaDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
