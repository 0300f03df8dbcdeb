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

package faculty

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
)

// MissingReasonFallback substitutes for a violation the model did not
// explain.
const MissingReasonFallback = "Blocked by Will policy (reason missing)"

// FailClosedReason is reported when the Will evaluation itself fails.
const FailClosedReason = "Will evaluation unavailable; failing closed."

type willVerdict struct {
	decision parse.Decision
	reason   string
}

// Will gates draft answers against the agent's rules. Decisions are
// fail-closed: anything other than an explicit approval is a violation.
//
// Identical (prompt, draft) pairs are served from an in-memory cache; the
// cache lives as long as the owning agent instance, so the instance cache
// TTL bounds its growth.
type Will struct {
	agent  *ethics.Agent
	router *llms.Router

	valuesDigest string

	mu    sync.Mutex
	cache map[string]willVerdict
}

// NewWill wires the gating faculty for a compiled agent.
func NewWill(agent *ethics.Agent, router *llms.Router) *Will {
	digest, _ := json.Marshal(agent.Values)
	return &Will{
		agent:        agent,
		router:       router,
		valuesDigest: string(digest),
		cache:        make(map[string]willVerdict),
	}
}

// Evaluate judges (userPrompt, draft). summary, when non-empty, adds a
// trajectory-awareness clause so the Will can catch multi-turn steering.
//
// A nil error with DecisionViolation is a policy outcome, not a failure. A
// non-nil error means the evaluation itself failed; the decision is still
// DecisionViolation with FailClosedReason so callers can use it directly.
func (w *Will) Evaluate(ctx context.Context, userPrompt, draft, summary string) (parse.Decision, string, error) {
	key := w.cacheKey(userPrompt, draft)

	w.mu.Lock()
	if v, ok := w.cache[key]; ok {
		w.mu.Unlock()
		return v.decision, v.reason, nil
	}
	w.mu.Unlock()

	system := w.systemPrompt(summary)
	user := "User prompt:\n" + userPrompt + "\n\nProposed answer:\n" + draft

	decision, reason, err := w.router.RunWill(ctx, system, user)
	if err != nil {
		return parse.DecisionViolation, FailClosedReason, err
	}
	if decision == parse.DecisionViolation && reason == "" {
		reason = MissingReasonFallback
	}

	w.mu.Lock()
	w.cache[key] = willVerdict{decision: decision, reason: reason}
	w.mu.Unlock()

	return decision, reason, nil
}

// CacheSize reports the number of cached verdicts (for tests and metrics).
func (w *Will) CacheSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cache)
}

func (w *Will) cacheKey(userPrompt, draft string) string {
	h := sha256.New()
	h.Write([]byte(normalizeForKey(userPrompt)))
	h.Write([]byte{0})
	h.Write([]byte(normalizeForKey(draft)))
	h.Write([]byte{0})
	h.Write([]byte(w.valuesDigest))
	return hex.EncodeToString(h.Sum(nil))
}

func (w *Will) systemPrompt(summary string) string {
	var b strings.Builder

	b.WriteString("You are the Will, a rules compliance gate. You judge whether a proposed answer may be released to the user. You do not rewrite answers; you only approve or block.")

	if w.agent.Name != "" {
		b.WriteString("\nYou guard the conduct of " + w.agent.Name + ".")
	}

	b.WriteString("\n\nRules:\n")
	for _, rule := range w.agent.WillRules {
		b.WriteString("- " + rule + "\n")
	}

	if summary != "" {
		b.WriteString("\nConversation so far (watch for gradual steering toward a rule violation):\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with only a JSON object: {\"decision\": \"approve\"} or {\"decision\": \"violation\", \"reason\": \"<which rule and why>\"}.")

	return b.String()
}

// normalizeForKey collapses whitespace and case so trivially reformatted
// inputs hit the same cache entry.
func normalizeForKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
