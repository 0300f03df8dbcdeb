package faculty

import (
	"math"
	"strings"
	"testing"

	"github.com/jnamaya/SAFi-sub000/pkg/parse"
	"github.com/jnamaya/SAFi-sub000/pkg/testutils"
)

func ledger(scores, confidences []float64) []parse.Evaluation {
	names := []string{"Honesty", "Harm Reduction"}
	out := make([]parse.Evaluation, len(scores))
	for i := range scores {
		out[i] = parse.Evaluation{
			Value:      names[i],
			Score:      scores[i],
			Confidence: confidences[i],
			Reason:     "test",
		}
	}
	return out
}

func TestComputeSpirit_EMA(t *testing.T) {
	agent := testutils.TestAgent() // Honesty 0.6, Harm Reduction 0.4

	res := ComputeSpirit(agent, ledger([]float64{0.9, 0.8}, []float64{1, 1}), nil, 0.9)

	// p_t = weight * score
	wantPt := []float64{0.54, 0.32}
	for i, want := range wantPt {
		if math.Abs(res.Pt[i]-want) > 1e-9 {
			t.Errorf("Pt[%d] = %v, want %v", i, res.Pt[i], want)
		}
	}

	// mu_prev is zeros, so mu_new = (1-beta) * p_t
	wantMu := []float64{0.054, 0.032}
	for i, want := range wantMu {
		if math.Abs(res.MuNew[i]-want) > 1e-9 {
			t.Errorf("MuNew[%d] = %v, want %v", i, res.MuNew[i], want)
		}
	}

	// Zero-norm mu_prev gives no drift.
	if res.Drift != nil {
		t.Errorf("Drift = %v, want nil for fresh memory", *res.Drift)
	}

	// Second turn obeys mu_new = beta*mu_prev + (1-beta)*p_t exactly.
	res2 := ComputeSpirit(agent, ledger([]float64{0.5, -0.5}, []float64{1, 1}), res.MuNew, 0.9)
	for i := range res2.MuNew {
		want := 0.9*res.MuNew[i] + 0.1*res2.Pt[i]
		if math.Abs(res2.MuNew[i]-want) > 1e-9 {
			t.Errorf("turn 2 MuNew[%d] = %v, want %v", i, res2.MuNew[i], want)
		}
	}
	if res2.Drift == nil {
		t.Error("turn 2 drift = nil, want value")
	}
}

func TestComputeSpirit_ScoreRange(t *testing.T) {
	agent := testutils.TestAgent()

	cases := []struct {
		name        string
		scores      []float64
		confidences []float64
		want        int
	}{
		{"all_perfect", []float64{1, 1}, []float64{1, 1}, 10},
		{"all_worst", []float64{-1, -1}, []float64{1, 1}, 1},
		{"neutral", []float64{0, 0}, []float64{1, 1}, 6}, // round(5.5+1) rounds half away from zero
		{"zero_confidence", []float64{1, 1}, []float64{0, 0}, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ComputeSpirit(agent, ledger(tc.scores, tc.confidences), nil, 0.9)
			if res.Score != tc.want {
				t.Errorf("score = %d, want %d", res.Score, tc.want)
			}
			if res.Score < 1 || res.Score > 10 {
				t.Errorf("score %d out of [1,10]", res.Score)
			}
		})
	}
}

func TestComputeSpirit_NaNCoerced(t *testing.T) {
	agent := testutils.TestAgent()
	res := ComputeSpirit(agent, ledger([]float64{math.NaN(), 1}, []float64{1, math.NaN()}), nil, 0.9)
	if math.IsNaN(res.Pt[0]) || math.IsNaN(res.MuNew[0]) {
		t.Errorf("NaN leaked into Pt/Mu: %v %v", res.Pt, res.MuNew)
	}
	if res.Score < 1 || res.Score > 10 {
		t.Errorf("score %d out of range", res.Score)
	}
}

func TestComputeSpirit_MissingValue(t *testing.T) {
	agent := testutils.TestAgent()
	muPrev := []float64{0.1, 0.2}

	partial := []parse.Evaluation{{Value: "Honesty", Score: 1, Confidence: 1}}
	res := ComputeSpirit(agent, partial, muPrev, 0.9)

	if res.Score != 1 {
		t.Errorf("score = %d, want 1", res.Score)
	}
	if !strings.Contains(res.Note, "Ledger missing: Harm Reduction") {
		t.Errorf("note = %q", res.Note)
	}
	// mu unchanged, p_t zeroed, drift absent.
	for i := range muPrev {
		if res.MuNew[i] != muPrev[i] {
			t.Errorf("MuNew[%d] = %v, want unchanged %v", i, res.MuNew[i], muPrev[i])
		}
		if res.Pt[i] != 0 {
			t.Errorf("Pt[%d] = %v, want 0", i, res.Pt[i])
		}
	}
	if res.Drift != nil {
		t.Errorf("Drift = %v, want nil", *res.Drift)
	}
}

func TestComputeSpirit_NameNormalization(t *testing.T) {
	agent := testutils.TestAgent()
	// Dashes and case differences still match "Harm Reduction".
	l := []parse.Evaluation{
		{Value: "HONESTY", Score: 1, Confidence: 1},
		{Value: "harm-reduction", Score: 1, Confidence: 1},
	}
	res := ComputeSpirit(agent, l, nil, 0.9)
	if strings.Contains(res.Note, "Ledger missing") {
		t.Errorf("normalized names did not match: %q", res.Note)
	}
	if res.Score != 10 {
		t.Errorf("score = %d, want 10", res.Score)
	}
}

func TestComputeSpirit_DriftBounds(t *testing.T) {
	agent := testutils.TestAgent()

	// Opposite direction from mu_prev: cos = -1, drift = 2.
	muPrev := []float64{0.6, 0.4}
	res := ComputeSpirit(agent, ledger([]float64{-1, -1}, []float64{1, 1}), muPrev, 0.9)
	if res.Drift == nil {
		t.Fatal("drift = nil")
	}
	if math.Abs(*res.Drift-2) > 1e-9 {
		t.Errorf("drift = %v, want 2", *res.Drift)
	}

	// Same direction: drift = 0.
	res = ComputeSpirit(agent, ledger([]float64{1, 1}, []float64{1, 1}), muPrev, 0.9)
	if res.Drift == nil || math.Abs(*res.Drift) > 1e-9 {
		t.Errorf("drift = %v, want 0", res.Drift)
	}

	if !strings.HasPrefix(res.Note, "Coherence ") || !strings.Contains(res.Note, "drift 0.00") {
		t.Errorf("note = %q", res.Note)
	}
}

func TestDriftLabel(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	cases := []struct {
		drift *float64
		want  string
	}{
		{nil, DriftNone},
		{f(0.05), DriftNone},
		{f(0.15), DriftSlight},
		{f(0.3), DriftModerate},
		{f(0.41), DriftHigh},
		{f(2), DriftHigh},
	}
	for _, tc := range cases {
		if got := DriftLabel(tc.drift); got != tc.want {
			t.Errorf("DriftLabel(%v) = %q, want %q", tc.drift, got, tc.want)
		}
	}
}

func TestFeedbackSeed(t *testing.T) {
	names := []string{"Honesty", "Harm Reduction"}

	if seed := FeedbackSeed(nil, nil, nil, nil, 5); seed != "" {
		t.Errorf("empty mu seed = %q", seed)
	}
	if seed := FeedbackSeed([]float64{0, 0}, names, nil, nil, 5); seed != "" {
		t.Errorf("zero mu seed = %q", seed)
	}

	d := 0.15
	seed := FeedbackSeed([]float64{0.5, 0.1}, names, &d, nil, 5)
	lines := strings.Split(seed, "\n")
	if len(lines) != 2 {
		t.Fatalf("seed = %q, want two lines", seed)
	}
	if !strings.Contains(lines[0], "Honesty") || !strings.Contains(lines[0], "Harm Reduction") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.Contains(lines[1], "slight") {
		t.Errorf("second line = %q", lines[1])
	}
	if strings.Contains(seed, "Trend") {
		t.Errorf("seed has trend tags without history: %q", seed)
	}
}

func TestFeedbackSeed_Trend(t *testing.T) {
	names := []string{"Honesty", "Harm Reduction"}
	mu := []float64{0.5, 0.1}

	// Four samples: below the window of five, no trend tags yet.
	short := [][]float64{{0.1, 0.1}, {0.2, 0.1}, {0.3, 0.1}, {0.4, 0.1}}
	if seed := FeedbackSeed(mu, names, nil, short, 5); strings.Contains(seed, "Trend") {
		t.Errorf("trend emitted with %d samples: %q", len(short), seed)
	}

	history := append(short, []float64{0.5, 0.1})
	seed := FeedbackSeed(mu, names, nil, history, 5)
	if !strings.Contains(seed, "Trend") {
		t.Fatalf("no trend tags with %d samples: %q", len(history), seed)
	}
	if !strings.Contains(seed, "Honesty rising") {
		t.Errorf("seed = %q, want Honesty rising", seed)
	}
	if !strings.Contains(seed, "Harm Reduction flat") {
		t.Errorf("seed = %q, want Harm Reduction flat", seed)
	}
}
