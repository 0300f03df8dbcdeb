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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnamaya/SAFi-sub000/pkg/auditlog"
	"github.com/jnamaya/SAFi-sub000/pkg/faculty"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
	"github.com/jnamaya/SAFi-sub000/pkg/store"
)

// drainTimeout bounds how long Close waits for queued audits.
const drainTimeout = 30 * time.Second

// pendingAudit is the full turn snapshot handed to the background pool.
type pendingAudit struct {
	instance       *Instance
	userID         string
	conversationID string
	messageID      string
	userPrompt     string
	draft          string
	reflection     string
	contextUsed    string
	finalOutput    string
	willDecision   parse.Decision
	willReason     string
	summary        string
}

// auditPool runs deferred audits on a fixed set of workers fed by a bounded
// queue. Submissions against a full queue are dropped and logged; durable
// queueing is deliberately out of scope, the poll contract tolerates a
// message staying pending.
type auditPool struct {
	service *Service
	queue   chan pendingAudit
	group   *errgroup.Group
	once    sync.Once
}

func newAuditPool(service *Service, queueSize, workers int) *auditPool {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 4
	}

	p := &auditPool{
		service: service,
		queue:   make(chan pendingAudit, queueSize),
		group:   &errgroup.Group{},
	}
	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for audit := range p.queue {
				p.service.runAudit(context.Background(), audit)
			}
			return nil
		})
	}
	return p
}

// submit enqueues an audit without blocking the caller.
func (p *auditPool) submit(audit pendingAudit) bool {
	select {
	case p.queue <- audit:
		return true
	default:
		p.service.logger.Warn("audit queue full, submission dropped",
			"agent", audit.instance.Agent.Key, "messageId", audit.messageID)
		p.service.metrics.ObserveAudit("dropped")
		return false
	}
}

// close stops intake and waits for in-flight audits, up to drainTimeout.
func (p *auditPool) close() error {
	p.once.Do(func() { close(p.queue) })

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(drainTimeout):
		return fmt.Errorf("audit pool drain timed out after %s", drainTimeout)
	}
}

// runAudit executes the deferred faculties for one turn: Conscience scoring,
// the Spirit update under the per-agent memory lock, feedback-seed refresh,
// suggestions, the message-record completion, and the JSONL ledger line.
func (s *Service) runAudit(ctx context.Context, audit pendingAudit) {
	agent := audit.instance.Agent

	var (
		ledger     []parse.Evaluation
		result     faculty.SpiritResult
		seed       string
		turnIndex  int
		ledgerNote string
	)

	err := s.store.WithSpiritLock(ctx, agent.Key, func(mem *store.SpiritMemory) error {
		// Values edited mid-life invalidate the old vector.
		if len(mem.Mu) != 0 && len(mem.Mu) != len(agent.Values) {
			s.logger.Warn("spirit memory dimension mismatch, resetting",
				"agent", agent.Key, "have", len(mem.Mu), "want", len(agent.Values))
			mem.Mu = make([]float64, len(agent.Values))
		}

		var cerr error
		ledger, cerr = audit.instance.Conscience.Evaluate(ctx,
			audit.userPrompt, audit.reflection, audit.contextUsed, audit.finalOutput)
		if cerr != nil {
			s.logger.Error("conscience failed, degrading to empty ledger",
				"agent", agent.Key, "messageId", audit.messageID, "error", cerr)
			s.observeRouteError(cerr, llms.RouteConscience)
			ledger = nil
			ledgerNote = "conscience unavailable"
		}

		if len(ledger) == 0 {
			// No observation: mu stands still, coherence bottoms out.
			muPrev := mem.Mu
			if len(muPrev) == 0 {
				muPrev = make([]float64, len(agent.Values))
			}
			result = faculty.SpiritResult{
				Score: 1,
				Note:  "Coherence 1/10, drift n/a",
				MuNew: muPrev,
				Pt:    make([]float64, len(agent.Values)),
			}
		} else {
			result = faculty.ComputeSpirit(agent, ledger, mem.Mu, audit.instance.Beta)
		}
		if ledgerNote != "" {
			result.Note += " (" + ledgerNote + ")"
		}

		mem.Mu = result.MuNew
		mem.Turn++
		turnIndex = mem.Turn

		audit.instance.recordMu(result.MuNew)
		seed = faculty.FeedbackSeed(result.MuNew, agent.ValueNames(), result.Drift,
			audit.instance.muSnapshots(), audit.instance.TrendWindow)
		mem.LastFeedbackSeed = seed
		return nil
	})
	if err != nil {
		s.logger.Error("audit failed, message stays pending",
			"agent", agent.Key, "messageId", audit.messageID, "error", err)
		s.metrics.ObserveAudit("failed")
		return
	}

	suggestions := s.generateSuggestions(ctx, audit.instance, audit.userPrompt, audit.finalOutput)

	ledgerJSON := []byte("[]")
	if len(ledger) > 0 {
		if encoded, err := json.Marshal(ledger); err == nil {
			ledgerJSON = encoded
		}
	}

	if err := s.store.UpdateAuditResult(ctx, audit.messageID, store.AuditResult{
		Ledger:      ledgerJSON,
		SpiritScore: result.Score,
		SpiritNote:  result.Note,
		Suggestions: suggestions,
	}); err != nil {
		s.logger.Error("failed to complete audit record",
			"agent", agent.Key, "messageId", audit.messageID, "error", err)
		s.metrics.ObserveAudit("failed")
		return
	}

	if err := s.ledger.Append(agent.Key, auditlog.TurnRecord{
		TurnIndex:           turnIndex,
		UserPrompt:          audit.userPrompt,
		IntellectDraft:      audit.draft,
		IntellectReflection: audit.reflection,
		RetrievedContext:    audit.contextUsed,
		WillDecision:        string(audit.willDecision),
		WillReason:          audit.willReason,
		ConscienceLedger:    ledger,
		SpiritScore:         result.Score,
		SpiritNote:          result.Note,
		Drift:               result.Drift,
		Pt:                  result.Pt,
		MuAfter:             result.MuNew,
		SpiritFeedback:      seed,
		MemorySummary:       audit.summary,
		FinalOutput:         audit.finalOutput,
		PolicyID:            agent.PolicyID,
		OrgID:               audit.instance.OrgID,
		UserID:              audit.userID,
	}); err != nil {
		s.logger.Error("failed to append audit ledger line",
			"agent", agent.Key, "messageId", audit.messageID, "error", err)
	}

	s.metrics.ObserveAudit("completed")

	// Summary and profile refresh stay on the worker, off the request path.
	s.summarize(ctx, audit)
}

// generateSuggestions asks for up to three follow-up prompts; failures are
// tolerated.
func (s *Service) generateSuggestions(ctx context.Context, instance *Instance, userPrompt, finalOutput string) []string {
	if !instance.Router.HasRoute(llms.RouteSuggestions) {
		return nil
	}
	raw, err := instance.Router.Invoke(ctx, llms.RouteSuggestions,
		"Given the exchange below, propose up to three short follow-up questions the user might ask next. Respond with only a JSON array of strings.",
		"User: "+userPrompt+"\n\nAssistant: "+finalOutput, llms.Params{})
	if err != nil {
		s.logger.Warn("suggestion generation failed", "error", err)
		return nil
	}
	suggestions := parse.StringList(raw)
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	return suggestions
}

// summarize refreshes the rolling conversation summary and, when enabled,
// the long-term user profile. Both are best-effort.
func (s *Service) summarize(ctx context.Context, audit pendingAudit) {
	if !audit.instance.Router.HasRoute(llms.RouteSummarizer) {
		return
	}

	user := fmt.Sprintf("Prior summary:\n%s\n\nLatest exchange:\nUser: %s\nAssistant: %s",
		audit.summary, audit.userPrompt, audit.finalOutput)
	summary, err := audit.instance.Router.Invoke(ctx, llms.RouteSummarizer,
		"Update the running conversation summary in at most four sentences. Respond with the summary only.",
		user, llms.Params{})
	if err != nil {
		s.logger.Warn("summarizer failed", "conversation", audit.conversationID, "error", err)
	} else if summary != "" {
		if err := s.store.SaveSummary(ctx, audit.conversationID, summary); err != nil {
			s.logger.Warn("failed to save summary", "conversation", audit.conversationID, "error", err)
		}
	}

	if !s.cfg.Orchestrator.EnableProfileExtraction {
		return
	}

	profile, err := s.store.GetUserProfile(ctx, audit.userID)
	if err != nil {
		s.logger.Warn("failed to load user profile", "user", audit.userID, "error", err)
		return
	}
	body := fmt.Sprintf("Current profile JSON:\n%s\n\nLatest exchange:\nUser: %s\nAssistant: %s",
		profile, audit.userPrompt, audit.finalOutput)
	updated, err := audit.instance.Router.Invoke(ctx, llms.RouteSummarizer,
		"Merge durable facts about the user from the exchange into the profile. Respond with only a compact JSON object; return the profile unchanged if nothing durable was learned.",
		body, llms.Params{})
	if err != nil {
		s.logger.Warn("profile extraction failed", "user", audit.userID, "error", err)
		return
	}
	updated = parseProfile(updated)
	if updated == "" {
		return
	}
	if err := s.store.SaveUserProfile(ctx, audit.userID, updated); err != nil {
		s.logger.Warn("failed to save user profile", "user", audit.userID, "error", err)
	}
}

// parseProfile keeps only output that is a valid JSON object.
func parseProfile(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &obj); err != nil || len(obj) == 0 {
		return ""
	}
	normalized, err := json.Marshal(obj)
	if err != nil {
		return ""
	}
	return string(normalized)
}
