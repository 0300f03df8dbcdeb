package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.ObserveTurn("approve", 500*time.Millisecond)
	m.ObserveTurn("approve", time.Second)
	m.ObserveTurn("violation", 200*time.Millisecond)
	m.ObserveAudit("completed")
	m.ObserveAudit("dropped")
	m.ObserveProviderError("will")

	if got := testutil.ToFloat64(m.turns.WithLabelValues("approve")); got != 2 {
		t.Errorf("approve turns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("violation")); got != 1 {
		t.Errorf("violation turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.audits.WithLabelValues("dropped")); got != 1 {
		t.Errorf("dropped audits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.providerErrors.WithLabelValues("will")); got != 1 {
		t.Errorf("will provider errors = %v, want 1", got)
	}

	// Two Metrics values never collide: each carries its own registry.
	other := New()
	if got := testutil.ToFloat64(other.turns.WithLabelValues("approve")); got != 0 {
		t.Errorf("fresh metrics approve turns = %v, want 0", got)
	}
}
