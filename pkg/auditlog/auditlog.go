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

// Package auditlog appends completed turns to a JSONL ledger, one file per
// agent per day. Lines are append-only and ordered by write time, not turn
// order.
package auditlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jnamaya/SAFi-sub000/pkg/parse"
)

// TurnRecord is one completed, audited turn.
type TurnRecord struct {
	Timestamp           time.Time          `json:"timestamp"`
	TurnIndex           int                `json:"turnIndex"`
	UserPrompt          string             `json:"userPrompt"`
	IntellectDraft      string             `json:"intellectDraft"`
	IntellectReflection string             `json:"intellectReflection"`
	RetrievedContext    string             `json:"retrievedContext,omitempty"`
	WillDecision        string             `json:"willDecision"`
	WillReason          string             `json:"willReason,omitempty"`
	ConscienceLedger    []parse.Evaluation `json:"conscienceLedger"`
	SpiritScore         int                `json:"spiritScore"`
	SpiritNote          string             `json:"spiritNote"`
	Drift               *float64           `json:"drift"`
	Pt                  []float64          `json:"pt"`
	MuAfter             []float64          `json:"muAfter"`
	SpiritFeedback      string             `json:"spiritFeedback,omitempty"`
	MemorySummary       string             `json:"memorySummary,omitempty"`
	FinalOutput         string             `json:"finalOutput"`
	PolicyID            string             `json:"policyId,omitempty"`
	OrgID               string             `json:"orgId,omitempty"`
	UserID              string             `json:"userId"`
}

// Writer appends turn records under a base directory. Safe for concurrent
// use; writes within one process are serialized so lines never interleave.
type Writer struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewWriter creates a writer rooted at dir. The directory tree is created
// lazily on first append.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Append writes one record to the agent's file for the current UTC day.
func (w *Writer) Append(agentKey string, rec TurnRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.now()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal turn record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	agentDir := filepath.Join(w.dir, agentKey)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("failed to create audit log dir: %w", err)
	}

	path := filepath.Join(agentDir, rec.Timestamp.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// Read returns the records for an agent on a given UTC day, in file order.
// A missing file yields no records and no error.
func (w *Writer) Read(agentKey string, day time.Time) ([]TurnRecord, error) {
	path := filepath.Join(w.dir, agentKey, day.UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	var records []TurnRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec TurnRecord
		if err := dec.Decode(&rec); err != nil {
			return records, fmt.Errorf("corrupt audit log line: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
