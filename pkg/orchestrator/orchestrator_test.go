package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/faculty"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
	"github.com/jnamaya/SAFi-sub000/pkg/store"
	"github.com/jnamaya/SAFi-sub000/pkg/testutils"
)

// longPrompt crosses the short-interaction threshold so Conscience runs.
var longPrompt = strings.Repeat("Should I move my retirement savings into a single tech stock? ", 3)

const approveResponse = `{"decision": "approve"}`

const fullLedger = `[
	{"value": "Honesty", "score": 1, "confidence": 1, "reason": "accurate"},
	{"value": "Harm Reduction", "score": 1, "confidence": 1, "reason": "protective"}
]`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	agent := testutils.TestAgent()
	cfg := &config.Config{
		Personas: map[string]ethics.Persona{
			"fiduciary": {
				Name:      agent.Name,
				Worldview: agent.Worldview,
				Style:     agent.Style,
				Values:    agent.Values,
				WillRules: agent.WillRules,
			},
		},
	}
	cfg.Org.SetDefaults()
	cfg.Orchestrator.SetDefaults()
	cfg.Orchestrator.DefaultAgent = "fiduciary"
	cfg.Orchestrator.AuditLogDir = t.TempDir()
	return cfg
}

func newTestService(t *testing.T) (*Service, *testutils.ScriptedProvider, *store.MemoryStore) {
	t.Helper()
	router, provider, err := testutils.NewScriptedRouter()
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	svc := New(newTestConfig(t), st, router, nil, nil)
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return svc, provider, st
}

func scriptHappyPath(provider *testutils.ScriptedProvider) {
	provider.Script(testutils.IntellectModel,
		"Diversify across low-cost index funds.\n"+parse.ReflectionDelimiter+"\n{\"reflection\": \"honest and cautious\"}")
	provider.Script(testutils.WillModel, approveResponse)
	provider.Script(testutils.ConscienceModel, fullLedger)
	provider.Script(testutils.SummarizerModel, "Retirement Diversification")
	provider.Script(testutils.SuggestionsModel, `["What about bonds?", "How do index funds work?", "Should I rebalance?", "One too many"]`)
}

func waitForAudit(t *testing.T, svc *Service, messageID string) *AuditView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		view, err := svc.GetAuditResult(context.Background(), messageID)
		if err != nil {
			t.Fatalf("poll audit: %v", err)
		}
		if view.Status == "complete" {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audit for message %s never completed", messageID)
	return nil
}

func spiritState(t *testing.T, st store.Store, agentKey string) store.SpiritMemory {
	t.Helper()
	var out store.SpiritMemory
	err := st.WithSpiritLock(context.Background(), agentKey, func(mem *store.SpiritMemory) error {
		out = *mem
		out.Mu = append([]float64(nil), mem.Mu...)
		return nil
	})
	if err != nil {
		t.Fatalf("read spirit memory: %v", err)
	}
	return out
}

func TestProcessPrompt_ApprovedTurn(t *testing.T) {
	svc, provider, st := newTestService(t)
	scriptHappyPath(provider)

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID:         "u-1",
		ConversationID: "c-1",
		UserPrompt:     longPrompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WillDecision != parse.DecisionApprove {
		t.Fatalf("decision = %q, want approve", resp.WillDecision)
	}
	if resp.Answer != "Diversify across low-cost index funds." {
		t.Errorf("unexpected answer %q", resp.Answer)
	}
	if resp.MessageID == "" {
		t.Fatal("expected a message id for polling")
	}
	if resp.NewTitle != "Retirement Diversification" {
		t.Errorf("title = %q", resp.NewTitle)
	}

	view := waitForAudit(t, svc, resp.MessageID)
	if view.SpiritScore != 10 {
		t.Errorf("spirit score = %d, want 10", view.SpiritScore)
	}
	if !strings.HasPrefix(view.SpiritNote, "Coherence 10/10") {
		t.Errorf("spirit note = %q", view.SpiritNote)
	}
	if len(view.Ledger) != 2 {
		t.Fatalf("ledger rows = %d, want 2", len(view.Ledger))
	}
	if view.Ledger[0].Value != "Honesty" || view.Ledger[1].Value != "Harm Reduction" {
		t.Errorf("ledger order = %q, %q", view.Ledger[0].Value, view.Ledger[1].Value)
	}
	if len(view.SuggestedPrompts) != 3 {
		t.Errorf("suggestions = %v, want exactly 3", view.SuggestedPrompts)
	}

	// First update from a zero vector: mu = (1-beta) * p.
	mem := spiritState(t, st, "fiduciary")
	if mem.Turn != 1 {
		t.Errorf("turn = %d, want 1", mem.Turn)
	}
	want := []float64{0.06, 0.04}
	for i, v := range want {
		if math.Abs(mem.Mu[i]-v) > 1e-9 {
			t.Errorf("mu[%d] = %v, want %v", i, mem.Mu[i], v)
		}
	}

	// The persisted turn appears in the JSONL ledger.
	day := time.Now().UTC()
	deadline := time.Now().Add(3 * time.Second)
	for {
		records, err := svc.ledger.Read("fiduciary", day)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) == 1 {
			if records[0].TurnIndex != 1 || records[0].SpiritScore != 10 {
				t.Errorf("ledger record = %+v", records[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ledger line never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessPrompt_ShortInteractionSkipsConscience(t *testing.T) {
	svc, provider, st := newTestService(t)
	scriptHappyPath(provider)
	provider.Script(testutils.IntellectModel,
		"Hello!\n"+parse.ReflectionDelimiter+"\n{\"reflection\": \"greeting\"}")

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: "Hi",
	})
	if err != nil {
		t.Fatal(err)
	}

	view := waitForAudit(t, svc, resp.MessageID)
	if view.SpiritScore != 1 {
		t.Errorf("spirit score = %d, want 1", view.SpiritScore)
	}
	if view.SpiritNote != "Coherence 1/10, drift n/a" {
		t.Errorf("spirit note = %q", view.SpiritNote)
	}
	if len(view.Ledger) != 0 {
		t.Errorf("expected empty ledger, got %v", view.Ledger)
	}
	if calls := provider.CallsFor(testutils.ConscienceModel); len(calls) != 0 {
		t.Errorf("conscience called %d times on a short interaction", len(calls))
	}

	mem := spiritState(t, st, "fiduciary")
	if mem.Turn != 1 {
		t.Errorf("turn = %d, want 1 (turn counts even without a ledger)", mem.Turn)
	}
	for i, v := range mem.Mu {
		if v != 0 {
			t.Errorf("mu[%d] = %v, want unchanged zero", i, v)
		}
	}
}

func TestProcessPrompt_ReflexionRecovers(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)
	provider.ScriptOnce(testutils.IntellectModel,
		"Buy ACME stock, guaranteed 20% return.\n"+parse.ReflectionDelimiter+"\n{\"reflection\": \"risky\"}")
	provider.ScriptOnce(testutils.WillModel,
		`{"decision": "violation", "reason": "Recommends a specific security."}`)

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: longPrompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WillDecision != parse.DecisionApprove {
		t.Fatalf("decision = %q, want approve after retry", resp.WillDecision)
	}
	if resp.Answer != "Diversify across low-cost index funds." {
		t.Errorf("answer = %q, want the regenerated draft", resp.Answer)
	}

	if n := len(provider.CallsFor(testutils.IntellectModel)); n != 2 {
		t.Errorf("intellect calls = %d, want 2", n)
	}
	if n := len(provider.CallsFor(testutils.WillModel)); n != 2 {
		t.Errorf("will calls = %d, want 2", n)
	}

	// The retry prompt carries the rejection reason as a directive.
	second := provider.CallsFor(testutils.IntellectModel)[1]
	if !strings.Contains(second.System, "rejected by policy review: Recommends a specific security.") {
		t.Error("retry prompt is missing the rejection directive")
	}

	waitForAudit(t, svc, resp.MessageID)
}

func TestProcessPrompt_BlockedAfterRetry(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)
	provider.ScriptOnce(testutils.IntellectModel,
		"First bad draft.\n"+parse.ReflectionDelimiter+"\n{\"reflection\": \"r1\"}")
	provider.Script(testutils.WillModel,
		`{"decision": "violation", "reason": "Guarantees a return."}`)

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: longPrompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WillDecision != parse.DecisionViolation {
		t.Fatalf("decision = %q, want violation", resp.WillDecision)
	}
	if resp.Answer != "[Blocked: Guarantees a return.]" {
		t.Errorf("answer = %q", resp.Answer)
	}
	if n := len(provider.CallsFor(testutils.IntellectModel)); n != 2 {
		t.Errorf("intellect calls = %d, want 2", n)
	}
	if n := len(provider.CallsFor(testutils.WillModel)); n != 2 {
		t.Errorf("will calls = %d, want 2", n)
	}

	// Blocked turns are still audited.
	view := waitForAudit(t, svc, resp.MessageID)
	if view.Status != "complete" {
		t.Errorf("status = %q", view.Status)
	}
}

func TestProcessPrompt_LedgerMissingValue(t *testing.T) {
	svc, provider, st := newTestService(t)
	scriptHappyPath(provider)
	provider.Script(testutils.ConscienceModel,
		`[{"value": "Honesty", "score": 1, "confidence": 1, "reason": "fine"}]`)

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: longPrompt,
	})
	if err != nil {
		t.Fatal(err)
	}

	view := waitForAudit(t, svc, resp.MessageID)
	if view.SpiritScore != 1 {
		t.Errorf("spirit score = %d, want 1", view.SpiritScore)
	}
	if view.SpiritNote != "Ledger missing: Harm Reduction" {
		t.Errorf("spirit note = %q", view.SpiritNote)
	}

	mem := spiritState(t, st, "fiduciary")
	if mem.Turn != 1 {
		t.Errorf("turn = %d, want 1", mem.Turn)
	}
	for i, v := range mem.Mu {
		if v != 0 {
			t.Errorf("mu[%d] = %v, want unchanged", i, v)
		}
	}
}

func TestProcessPrompt_ConscienceFailureDegrades(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)
	provider.Fail(testutils.ConscienceModel, errors.New("model offline"))

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: longPrompt,
	})
	if err != nil {
		t.Fatal(err)
	}

	view := waitForAudit(t, svc, resp.MessageID)
	if view.SpiritScore != 1 {
		t.Errorf("spirit score = %d, want 1", view.SpiritScore)
	}
	if !strings.HasPrefix(view.SpiritNote, "Coherence 1/10") {
		t.Errorf("spirit note = %q", view.SpiritNote)
	}
	// A turn audited without a ledger polls back an empty ledger, never a
	// placeholder row.
	if len(view.Ledger) != 0 {
		t.Errorf("ledger = %+v, want empty", view.Ledger)
	}
}

func TestProcessPrompt_IntellectFailure(t *testing.T) {
	svc, provider, st := newTestService(t)
	scriptHappyPath(provider)
	provider.Fail(testutils.IntellectModel, errors.New("rate limited"))

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: "Hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Answer != IntellectFailureAnswer {
		t.Errorf("answer = %q", resp.Answer)
	}
	if resp.MessageID != "" {
		t.Error("failed turns must not produce a pollable message")
	}

	// Nothing persisted, nothing audited.
	history, err := st.History(context.Background(), "c-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("history = %d messages, want 0", len(history))
	}
}

func TestProcessPrompt_WillFailureFailsClosed(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)
	provider.Fail(testutils.WillModel, errors.New("timeout"))

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: longPrompt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.WillDecision != parse.DecisionViolation {
		t.Fatalf("decision = %q, want violation", resp.WillDecision)
	}
	if resp.WillReason != faculty.FailClosedReason {
		t.Errorf("reason = %q", resp.WillReason)
	}
	if !strings.HasPrefix(resp.Answer, "[Blocked: ") {
		t.Errorf("answer = %q", resp.Answer)
	}
	// No reflexion retry on a provider failure.
	if n := len(provider.CallsFor(testutils.IntellectModel)); n != 1 {
		t.Errorf("intellect calls = %d, want 1", n)
	}

	// The turn is still audited despite the gate failure.
	view := waitForAudit(t, svc, resp.MessageID)
	if view.Status != "complete" {
		t.Errorf("status = %q", view.Status)
	}
}

func TestProcessPrompt_DailyQuota(t *testing.T) {
	router, provider, err := testutils.NewScriptedRouter()
	if err != nil {
		t.Fatal(err)
	}
	scriptHappyPath(provider)
	cfg := newTestConfig(t)
	cfg.Orchestrator.DailyPromptLimit = 2
	svc := New(cfg, store.NewMemoryStore(), router, nil, nil)
	t.Cleanup(func() { svc.Close() })

	for i := 0; i < 2; i++ {
		if _, err := svc.ProcessPrompt(context.Background(), Request{
			UserID: "u-1", ConversationID: "c-1", UserPrompt: "Hi",
		}); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	_, err = svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: "Hi",
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}

	// Other users keep their own allowance.
	if _, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-2", ConversationID: "c-2", UserPrompt: "Hi",
	}); err != nil {
		t.Fatalf("unrelated user blocked: %v", err)
	}
}

func TestProcessPrompt_ConcurrentTurnsCountEveryAudit(t *testing.T) {
	svc, provider, st := newTestService(t)
	scriptHappyPath(provider)

	const turns = 50
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ProcessPrompt(context.Background(), Request{
				UserID:         "u-1",
				ConversationID: fmt.Sprintf("c-%d", i),
				UserPrompt:     "Hi",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if mem := spiritState(t, st, "fiduciary"); mem.Turn == turns {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn = %d after concurrent audits, want %d",
				spiritState(t, st, "fiduciary").Turn, turns)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Every audit got its own turn index in the JSONL ledger.
	day := time.Now().UTC()
	for {
		records, err := svc.ledger.Read("fiduciary", day)
		if err != nil {
			t.Fatal(err)
		}
		if len(records) == turns {
			seen := make(map[int]bool, turns)
			for _, rec := range records {
				if seen[rec.TurnIndex] {
					t.Fatalf("duplicate turn index %d in ledger", rec.TurnIndex)
				}
				seen[rec.TurnIndex] = true
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ledger has %d lines, want %d", len(records), turns)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProcessPrompt_TitleOnlyOnFirstTurn(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)

	first, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: "Hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.NewTitle == "" {
		t.Error("first turn should produce a title")
	}

	second, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: "More",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.NewTitle != "" {
		t.Errorf("second turn title = %q, want empty", second.NewTitle)
	}
}

func TestProcessPrompt_Validation(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)

	for _, req := range []Request{
		{ConversationID: "c", UserPrompt: "hi"},
		{UserID: "u", UserPrompt: "hi"},
		{UserID: "u", ConversationID: "c", UserPrompt: "   "},
	} {
		if _, err := svc.ProcessPrompt(context.Background(), req); err == nil {
			t.Errorf("expected validation error for %+v", req)
		}
	}

	_, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u", ConversationID: "c", UserPrompt: "hi",
		Agent: AgentSelector{AgentKey: "nobody"},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown agent") {
		t.Errorf("err = %v, want unknown agent", err)
	}
}

func TestGetAuditResult_Statuses(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)

	view, err := svc.GetAuditResult(context.Background(), "no-such-message")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != "not_found" {
		t.Errorf("status = %q, want not_found", view.Status)
	}

	// Swap in a workerless pool so the audit stays queued, pinning the
	// pending state.
	if err := svc.audits.close(); err != nil {
		t.Fatal(err)
	}
	svc.audits = &auditPool{service: svc, queue: make(chan pendingAudit, 4), group: &errgroup.Group{}}

	resp, err := svc.ProcessPrompt(context.Background(), Request{
		UserID: "u-1", ConversationID: "c-1", UserPrompt: "Hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		view, err := svc.GetAuditResult(context.Background(), resp.MessageID)
		if err != nil {
			t.Fatal(err)
		}
		if view.Status != "pending" {
			t.Fatalf("status = %q, want pending", view.Status)
		}
	}
}

func TestAuditPool_DropsWhenFull(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)

	instance, err := svc.resolveInstance(AgentSelector{})
	if err != nil {
		t.Fatal(err)
	}

	pool := &auditPool{service: svc, queue: make(chan pendingAudit, 1), group: &errgroup.Group{}}
	audit := pendingAudit{instance: instance, messageID: "m-1"}
	if !pool.submit(audit) {
		t.Fatal("first submission should be accepted")
	}
	if pool.submit(audit) {
		t.Fatal("second submission should be dropped, queue is full")
	}
}

func TestService_WillCacheSpansTurns(t *testing.T) {
	svc, provider, _ := newTestService(t)
	scriptHappyPath(provider)

	prompt := "Tell me about index funds"
	for i := 0; i < 2; i++ {
		if _, err := svc.ProcessPrompt(context.Background(), Request{
			UserID: "u-1", ConversationID: "c-1", UserPrompt: prompt,
		}); err != nil {
			t.Fatal(err)
		}
	}
	// Identical prompt and draft: the second turn hits the verdict cache.
	if n := len(provider.CallsFor(testutils.WillModel)); n != 1 {
		t.Errorf("will calls = %d, want 1 across identical turns", n)
	}
}
