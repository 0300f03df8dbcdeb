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
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
)

// DefaultSpiritBeta is the EMA smoothing factor applied when the org does
// not configure one.
const DefaultSpiritBeta = 0.9

// Drift labels by threshold.
const (
	DriftNone     = "none"
	DriftSlight   = "slight"
	DriftModerate = "moderate"
	DriftHigh     = "high"
)

// driftThresholds maps drift magnitude to labels: below the first threshold
// is none, below the second slight, below the third moderate, else high.
var driftThresholds = [3]float64{0.10, 0.20, 0.40}

// SpiritResult is the outcome of folding one turn's ledger into the running
// ethical state. Drift is nil when either the turn vector or the prior state
// has zero norm (nothing to diverge from).
type SpiritResult struct {
	Score int
	Note  string
	MuNew []float64
	Pt    []float64
	Drift *float64
}

// ComputeSpirit aligns the ledger to the agent's canonical value order and
// advances the EMA state:
//
//	p_t[i]  = weight_i * score_i
//	mu_new  = beta*mu_prev + (1-beta)*p_t
//	drift   = 1 - cos(p_t, mu_prev)
//
// The coherence score compresses sum(weight*score*confidence), clipped to
// [-1, 1], onto the 1..10 scale. A ledger that fails to cover every
// canonical value yields score 1, an explanatory note, and an unchanged mu.
func ComputeSpirit(agent *ethics.Agent, ledger []parse.Evaluation, muPrev []float64, beta float64) SpiritResult {
	n := len(agent.Values)
	if len(muPrev) != n {
		muPrev = make([]float64, n)
	}

	index := make(map[string]int, len(ledger))
	for i, entry := range ledger {
		index[ethics.NormalizeName(entry.Value)] = i
	}

	var missing []string
	aligned := make([]parse.Evaluation, n)
	for i, v := range agent.Values {
		j, ok := index[ethics.NormalizeName(v.Name)]
		if !ok {
			missing = append(missing, v.Name)
			continue
		}
		aligned[i] = ledger[j]
	}
	if len(missing) > 0 {
		return SpiritResult{
			Score: 1,
			Note:  "Ledger missing: " + strings.Join(missing, ", "),
			MuNew: muPrev,
			Pt:    make([]float64, n),
		}
	}

	var raw float64
	pt := make([]float64, n)
	for i, v := range agent.Values {
		score := coerceFinite(aligned[i].Score)
		confidence := coerceFinite(aligned[i].Confidence)
		raw += v.Weight * score * confidence
		pt[i] = v.Weight * score
	}
	raw = math.Max(-1, math.Min(1, raw))
	score := int(math.Round(((raw+1)/2)*9 + 1))

	muNew := make([]float64, n)
	for i := range muNew {
		muNew[i] = beta*muPrev[i] + (1-beta)*pt[i]
	}

	drift := cosineDrift(pt, muPrev)

	note := fmt.Sprintf("Coherence %d/10, drift n/a", score)
	if drift != nil {
		note = fmt.Sprintf("Coherence %d/10, drift %.2f", score, *drift)
	}

	return SpiritResult{
		Score: score,
		Note:  note,
		MuNew: muNew,
		Pt:    pt,
		Drift: drift,
	}
}

// FeedbackSeed renders the two-line self-awareness hint injected into the
// next turn's Intellect prompt. history holds recent mu snapshots (oldest
// first); trend tags appear only once at least trendWindow samples exist.
// An agent with no signal yet (zero mu) gets an empty seed.
func FeedbackSeed(mu []float64, valueNames []string, drift *float64, history [][]float64, trendWindow int) string {
	if len(mu) == 0 || len(mu) != len(valueNames) || norm(mu) == 0 {
		return ""
	}

	strongest, weakest := 0, 0
	for i, v := range mu {
		if v > mu[strongest] {
			strongest = i
		}
		if v < mu[weakest] {
			weakest = i
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your recent answers express %s most strongly (%.2f) and %s least (%.2f).",
		valueNames[strongest], mu[strongest], valueNames[weakest], mu[weakest])

	fmt.Fprintf(&b, "\nValue drift: %s.", DriftLabel(drift))

	if trendWindow > 0 && len(history) >= trendWindow {
		window := history[len(history)-trendWindow:]
		tags := []string{
			valueNames[strongest] + " " + trendTag(window, strongest),
			valueNames[weakest] + " " + trendTag(window, weakest),
		}
		sort.Strings(tags)
		fmt.Fprintf(&b, " Trend: %s.", strings.Join(tags, ", "))
	}

	return b.String()
}

// DriftLabel maps a drift magnitude onto its label. A nil drift means no
// prior trajectory existed.
func DriftLabel(drift *float64) string {
	if drift == nil {
		return DriftNone
	}
	switch d := *drift; {
	case d < driftThresholds[0]:
		return DriftNone
	case d < driftThresholds[1]:
		return DriftSlight
	case d < driftThresholds[2]:
		return DriftModerate
	default:
		return DriftHigh
	}
}

// trendTag computes the slope sign of one mu dimension across the window.
func trendTag(window [][]float64, dim int) string {
	first, last := window[0], window[len(window)-1]
	if dim >= len(first) || dim >= len(last) {
		return "flat"
	}
	const epsilon = 0.005
	switch delta := last[dim] - first[dim]; {
	case delta > epsilon:
		return "rising"
	case delta < -epsilon:
		return "falling"
	default:
		return "flat"
	}
}

// cosineDrift returns 1 - cos(a, b), or nil when either vector has zero
// norm.
func cosineDrift(a, b []float64) *float64 {
	na, nb := norm(a), norm(b)
	if na == 0 || nb == 0 {
		return nil
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	d := 1 - dot/(na*nb)
	return &d
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func coerceFinite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
