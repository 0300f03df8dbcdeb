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

package parse

import (
	"regexp"
	"strings"
)

// Decision is the Will verdict over a draft answer.
type Decision string

const (
	DecisionApprove   Decision = "approve"
	DecisionViolation Decision = "violation"
)

var (
	willDecisionRe = regexp.MustCompile(`(?i)"?decision"?\s*[:=]\s*"?(approve|violation)`)
	willReasonRe   = regexp.MustCompile(`(?i)"?reason"?\s*[:=]\s*"((?:[^"\\]|\\.)*)"`)
)

// Will extracts (decision, reason) from raw Will output. The gate fails
// closed: any shape that cannot be read as an explicit approve is a violation.
//
// Strategy order: resilient JSON parse, case-insensitive key lookup, regex
// fallback for decision/reason fields, keyword heuristic over the whole text.
func Will(raw string) (Decision, string) {
	raw = strings.TrimSpace(raw)

	var payload map[string]any
	if looseUnmarshal(raw, &payload) {
		decision, reason := willFromMap(payload)
		if decision != "" {
			return normalizeDecision(decision), reason
		}
	}

	if m := willDecisionRe.FindStringSubmatch(raw); m != nil {
		reason := ""
		if rm := willReasonRe.FindStringSubmatch(raw); rm != nil {
			reason = rm[1]
		}
		return normalizeDecision(m[1]), reason
	}

	// Last resort: keyword heuristic over the full text.
	lowered := strings.ToLower(raw)
	if strings.Contains(lowered, "violation") || strings.Contains(lowered, "block") {
		return DecisionViolation, raw
	}
	if strings.Contains(lowered, "approve") {
		return DecisionApprove, ""
	}

	return DecisionViolation, raw
}

func willFromMap(payload map[string]any) (string, string) {
	var decision, reason string
	for key, value := range payload {
		str, ok := value.(string)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "decision", "verdict":
			decision = str
		case "reason", "rationale":
			reason = str
		}
	}
	return decision, reason
}

func normalizeDecision(decision string) Decision {
	if strings.EqualFold(strings.TrimSpace(decision), "approve") {
		return DecisionApprove
	}
	return DecisionViolation
}
