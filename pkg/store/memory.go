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

package store

import (
	"context"
	"sync"
	"time"
)

type memoryConversation struct {
	userID   string
	title    string
	summary  string
	messages []Message
}

// MemoryStore is an in-memory Store for tests and single-process chat
// sessions that don't need durability.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*memoryConversation
	audits        map[string]*AuditResult
	profiles      map[string]string
	spirits       map[string]*SpiritMemory
	quotas        map[string]int // userID+"|"+day

	// spiritLocks serializes WithSpiritLock per agent without holding the
	// store-wide mutex across fn.
	spiritLocks sync.Map
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*memoryConversation),
		audits:        make(map[string]*AuditResult),
		profiles:      make(map[string]string),
		spirits:       make(map[string]*SpiritMemory),
		quotas:        make(map[string]int),
	}
}

func (s *MemoryStore) EnsureConversation(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		s.conversations[conversationID] = &memoryConversation{userID: userID}
	}
	return nil
}

func (s *MemoryStore) SetTitle(ctx context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.title = title
	}
	return nil
}

func (s *MemoryStore) GetTitle(ctx context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return conv.title, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		conv = &memoryConversation{}
		s.conversations[msg.ConversationID] = conv
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	conv.messages = append(conv.messages, msg)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.messages {
			msg := conv.messages[i]
			if msg.MessageID == messageID && msg.Role == RoleAssistant {
				return &msg, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	msgs := conv.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) UpdateAuditResult(ctx context.Context, messageID string, res AuditResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.messages {
			msg := &conv.messages[i]
			if msg.MessageID == messageID && msg.Role == RoleAssistant {
				msg.AuditStatus = StatusComplete
				stored := res
				s.audits[messageID] = &stored
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) GetAuditResult(ctx context.Context, messageID string) (AuditStatus, *AuditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.conversations {
		for i := range conv.messages {
			msg := conv.messages[i]
			if msg.MessageID == messageID && msg.Role == RoleAssistant {
				if msg.AuditStatus != StatusComplete {
					return StatusPending, nil, nil
				}
				res := *s.audits[messageID]
				return StatusComplete, &res, nil
			}
		}
	}
	return "", nil, ErrNotFound
}

func (s *MemoryStore) GetSummary(ctx context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		return conv.summary, nil
	}
	return "", nil
}

func (s *MemoryStore) SaveSummary(ctx context.Context, conversationID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.summary = summary
	}
	return nil
}

func (s *MemoryStore) GetUserProfile(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[userID], nil
}

func (s *MemoryStore) SaveUserProfile(ctx context.Context, userID, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = profile
	return nil
}

func (s *MemoryStore) WithSpiritLock(ctx context.Context, agentKey string, fn func(mem *SpiritMemory) error) error {
	lock, _ := s.spiritLocks.LoadOrStore(agentKey, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	s.mu.Lock()
	mem, ok := s.spirits[agentKey]
	if !ok {
		mem = &SpiritMemory{AgentKey: agentKey}
	}
	// fn works on a copy so an error discards the mutation.
	work := &SpiritMemory{
		AgentKey:         mem.AgentKey,
		Turn:             mem.Turn,
		Mu:               append([]float64(nil), mem.Mu...),
		LastFeedbackSeed: mem.LastFeedbackSeed,
	}
	s.mu.Unlock()

	if err := fn(work); err != nil {
		return err
	}

	s.mu.Lock()
	s.spirits[agentKey] = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CountPromptsToday(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas[userID+"|"+quotaDay(time.Now())], nil
}

func (s *MemoryStore) IncrementPromptCount(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[userID+"|"+quotaDay(time.Now())]++
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
