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
	"encoding/json"
	"math"
	"strings"
)

// Evaluation is one Conscience ledger row: a single value scored against its rubric.
type Evaluation struct {
	Value      string  `json:"value"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ErrorValueName marks the single-row ledger emitted when Conscience output
// could not be parsed at all.
const ErrorValueName = "parse_error"

// rubricScores is the set of scores the rubric allows; parsed scores snap to
// the nearest member.
var rubricScores = []float64{-1, -0.5, 0, 0.5, 1}

type rawEvaluation struct {
	Value      string          `json:"value"`
	Name       string          `json:"name"`
	Score      json.RawMessage `json:"score"`
	Confidence json.RawMessage `json:"confidence"`
	Reason     string          `json:"reason"`
}

type evaluationsPayload struct {
	Evaluations []rawEvaluation `json:"evaluations"`
}

// Conscience extracts the per-value evaluation ledger from raw model output.
// It accepts both {"evaluations":[...]} and a bare array; anything else yields
// a single error record so the failure is visible downstream.
func Conscience(raw string) []Evaluation {
	var rows []rawEvaluation

	var wrapped evaluationsPayload
	if looseUnmarshal(raw, &wrapped) && len(wrapped.Evaluations) > 0 {
		rows = wrapped.Evaluations
	} else {
		var bare []rawEvaluation
		if looseUnmarshal(raw, &bare) && len(bare) > 0 {
			rows = bare
		}
	}

	if len(rows) == 0 {
		return []Evaluation{{
			Value:  ErrorValueName,
			Reason: "unparseable conscience output: " + truncate(raw, 200),
		}}
	}

	out := make([]Evaluation, 0, len(rows))
	for _, row := range rows {
		name := row.Value
		if name == "" {
			name = row.Name
		}
		out = append(out, Evaluation{
			Value:      name,
			Score:      snapScore(coerceNumber(row.Score)),
			Confidence: clamp(coerceNumber(row.Confidence), 0, 1),
			Reason:     row.Reason,
		})
	}
	return out
}

// coerceNumber reads a JSON value as float64, tolerating quoted numbers.
// Unreadable or NaN values coerce to 0.
func coerceNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &f); err != nil {
			return 0
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// snapScore clamps to the nearest rubric-allowed score.
func snapScore(score float64) float64 {
	best := rubricScores[0]
	bestDist := math.Abs(score - best)
	for _, allowed := range rubricScores[1:] {
		if dist := math.Abs(score - allowed); dist < bestDist {
			best, bestDist = allowed, dist
		}
	}
	return best
}

func clamp(f, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, f))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
