package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	// No SetMaxOpenConns here: NewSQLStore must cap the pool itself for
	// sqlite, or the concurrent lock tests below surface SQLITE_BUSY.
	s, err := NewSQLStore(db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQLStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// runStoreTests exercises the Store contract against each implementation.
func runStoreTests(t *testing.T, name string, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run(name+"/conversation_lifecycle", func(t *testing.T) {
		s := newStore(t)

		if err := s.EnsureConversation(ctx, "c1", "u1"); err != nil {
			t.Fatalf("EnsureConversation() error = %v", err)
		}
		// Idempotent.
		if err := s.EnsureConversation(ctx, "c1", "u1"); err != nil {
			t.Fatalf("EnsureConversation() second call error = %v", err)
		}

		if err := s.SetTitle(ctx, "c1", "Retirement planning"); err != nil {
			t.Fatalf("SetTitle() error = %v", err)
		}
		title, err := s.GetTitle(ctx, "c1")
		if err != nil {
			t.Fatalf("GetTitle() error = %v", err)
		}
		if title != "Retirement planning" {
			t.Errorf("title = %q", title)
		}

		if _, err := s.GetTitle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetTitle(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run(name+"/messages_and_history", func(t *testing.T) {
		s := newStore(t)
		if err := s.EnsureConversation(ctx, "c1", "u1"); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 3; i++ {
			mid := fmt.Sprintf("m%d", i)
			if err := s.AppendMessage(ctx, Message{
				MessageID: mid, ConversationID: "c1", Role: RoleUser,
				Content: fmt.Sprintf("question %d", i),
			}); err != nil {
				t.Fatalf("AppendMessage(user) error = %v", err)
			}
			if err := s.AppendMessage(ctx, Message{
				MessageID: mid, ConversationID: "c1", Role: RoleAssistant,
				Content: fmt.Sprintf("answer %d", i), AuditStatus: StatusPending,
			}); err != nil {
				t.Fatalf("AppendMessage(assistant) error = %v", err)
			}
		}

		msg, err := s.GetMessage(ctx, "m1")
		if err != nil {
			t.Fatalf("GetMessage() error = %v", err)
		}
		if msg.Role != RoleAssistant || msg.Content != "answer 1" {
			t.Errorf("GetMessage() = %+v", msg)
		}
		if msg.AuditStatus != StatusPending {
			t.Errorf("audit status = %q", msg.AuditStatus)
		}

		if _, err := s.GetMessage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetMessage(missing) error = %v, want ErrNotFound", err)
		}

		all, err := s.History(ctx, "c1", 0)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(all) != 6 {
			t.Fatalf("History() len = %d, want 6", len(all))
		}
		if all[0].Content != "question 0" || all[5].Content != "answer 2" {
			t.Errorf("history order wrong: first=%q last=%q", all[0].Content, all[5].Content)
		}

		recent, err := s.History(ctx, "c1", 2)
		if err != nil {
			t.Fatalf("History(limit) error = %v", err)
		}
		if len(recent) != 2 || recent[0].Content != "question 2" || recent[1].Content != "answer 2" {
			t.Errorf("recent history = %+v", recent)
		}
	})

	t.Run(name+"/audit_result", func(t *testing.T) {
		s := newStore(t)
		if err := s.EnsureConversation(ctx, "c1", "u1"); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendMessage(ctx, Message{
			MessageID: "m1", ConversationID: "c1", Role: RoleAssistant,
			Content: "draft", AuditStatus: StatusPending,
		}); err != nil {
			t.Fatal(err)
		}

		status, res, err := s.GetAuditResult(ctx, "m1")
		if err != nil {
			t.Fatalf("GetAuditResult(pending) error = %v", err)
		}
		if status != StatusPending || res != nil {
			t.Errorf("pending: status=%q res=%+v", status, res)
		}

		ledger := json.RawMessage(`[{"value":"Honesty","score":1,"confidence":0.9,"reason":"direct"}]`)
		update := AuditResult{
			Ledger:      ledger,
			SpiritScore: 8,
			SpiritNote:  "Coherence 8/10, drift 0.05",
			Suggestions: []string{"What about bonds?", "Explain index funds"},
		}
		if err := s.UpdateAuditResult(ctx, "m1", update); err != nil {
			t.Fatalf("UpdateAuditResult() error = %v", err)
		}

		status, res, err = s.GetAuditResult(ctx, "m1")
		if err != nil {
			t.Fatalf("GetAuditResult(complete) error = %v", err)
		}
		if status != StatusComplete {
			t.Errorf("status = %q, want complete", status)
		}
		if res.SpiritScore != 8 || res.SpiritNote != "Coherence 8/10, drift 0.05" {
			t.Errorf("result = %+v", res)
		}
		if len(res.Suggestions) != 2 {
			t.Errorf("suggestions = %v", res.Suggestions)
		}
		var parsed []map[string]any
		if err := json.Unmarshal(res.Ledger, &parsed); err != nil || len(parsed) != 1 {
			t.Errorf("ledger = %s (err %v)", res.Ledger, err)
		}

		// Polling is idempotent.
		again, _, err := s.GetAuditResult(ctx, "m1")
		if err != nil || again != StatusComplete {
			t.Errorf("second poll: status=%q err=%v", again, err)
		}

		if err := s.UpdateAuditResult(ctx, "ghost", update); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateAuditResult(missing) error = %v, want ErrNotFound", err)
		}
		if _, _, err := s.GetAuditResult(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetAuditResult(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run(name+"/summary_and_profile", func(t *testing.T) {
		s := newStore(t)
		if err := s.EnsureConversation(ctx, "c1", "u1"); err != nil {
			t.Fatal(err)
		}

		summary, err := s.GetSummary(ctx, "c1")
		if err != nil || summary != "" {
			t.Errorf("initial summary = %q, err = %v", summary, err)
		}
		if err := s.SaveSummary(ctx, "c1", "User asked about ETFs."); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
		summary, err = s.GetSummary(ctx, "c1")
		if err != nil || summary != "User asked about ETFs." {
			t.Errorf("summary = %q, err = %v", summary, err)
		}

		profile, err := s.GetUserProfile(ctx, "u1")
		if err != nil || profile != "" {
			t.Errorf("initial profile = %q, err = %v", profile, err)
		}
		if err := s.SaveUserProfile(ctx, "u1", `{"riskTolerance":"low"}`); err != nil {
			t.Fatalf("SaveUserProfile() error = %v", err)
		}
		// Overwrites, last writer wins.
		if err := s.SaveUserProfile(ctx, "u1", `{"riskTolerance":"medium"}`); err != nil {
			t.Fatalf("SaveUserProfile() second error = %v", err)
		}
		profile, err = s.GetUserProfile(ctx, "u1")
		if err != nil || profile != `{"riskTolerance":"medium"}` {
			t.Errorf("profile = %q, err = %v", profile, err)
		}
	})

	t.Run(name+"/spirit_memory", func(t *testing.T) {
		s := newStore(t)

		// Fresh agent: zero state.
		err := s.WithSpiritLock(ctx, "advisor", func(mem *SpiritMemory) error {
			if mem.Turn != 0 || mem.Mu != nil || mem.LastFeedbackSeed != "" {
				t.Errorf("fresh memory = %+v", mem)
			}
			mem.Turn = 1
			mem.Mu = []float64{0.054, 0.032}
			mem.LastFeedbackSeed = "Coherence 8/10"
			return nil
		})
		if err != nil {
			t.Fatalf("WithSpiritLock() error = %v", err)
		}

		// Mutation persisted.
		err = s.WithSpiritLock(ctx, "advisor", func(mem *SpiritMemory) error {
			if mem.Turn != 1 || len(mem.Mu) != 2 || mem.Mu[0] != 0.054 {
				t.Errorf("persisted memory = %+v", mem)
			}
			mem.Turn = 99
			return errors.New("audit failed")
		})
		if err == nil || err.Error() != "audit failed" {
			t.Fatalf("WithSpiritLock() error = %v, want fn error", err)
		}

		// Error discarded the mutation.
		err = s.WithSpiritLock(ctx, "advisor", func(mem *SpiritMemory) error {
			if mem.Turn != 1 {
				t.Errorf("turn = %d after rollback, want 1", mem.Turn)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		// Distinct agents have independent memory.
		err = s.WithSpiritLock(ctx, "other", func(mem *SpiritMemory) error {
			if mem.Turn != 0 {
				t.Errorf("other agent turn = %d", mem.Turn)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run(name+"/spirit_lock_serializes", func(t *testing.T) {
		s := newStore(t)

		// 50 concurrent increments, all starting from the first-ever
		// state, must not lose an update.
		var wg sync.WaitGroup
		errs := make(chan error, 50)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.WithSpiritLock(ctx, "advisor", func(mem *SpiritMemory) error {
					mem.Turn++
					return nil
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}

		err := s.WithSpiritLock(ctx, "advisor", func(mem *SpiritMemory) error {
			if mem.Turn != 50 {
				t.Errorf("turn = %d, want 50", mem.Turn)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})

	t.Run(name+"/daily_quota", func(t *testing.T) {
		s := newStore(t)

		n, err := s.CountPromptsToday(ctx, "u1")
		if err != nil || n != 0 {
			t.Errorf("initial count = %d, err = %v", n, err)
		}
		for i := 0; i < 3; i++ {
			if err := s.IncrementPromptCount(ctx, "u1"); err != nil {
				t.Fatalf("IncrementPromptCount() error = %v", err)
			}
		}
		n, err = s.CountPromptsToday(ctx, "u1")
		if err != nil || n != 3 {
			t.Errorf("count = %d, err = %v", n, err)
		}

		// Per-user isolation.
		n, err = s.CountPromptsToday(ctx, "u2")
		if err != nil || n != 0 {
			t.Errorf("other user count = %d, err = %v", n, err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, "memory", func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLStore_SQLite(t *testing.T) {
	runStoreTests(t, "sqlite", func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestNewSQLStore_Validation(t *testing.T) {
	if _, err := NewSQLStore(nil, "sqlite"); err == nil {
		t.Error("expected error for nil db")
	}

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := NewSQLStore(db, "oracle"); err == nil {
		t.Error("expected error for unsupported dialect")
	}

	// sqlite3 is accepted as an alias.
	s, err := NewSQLStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("NewSQLStore(sqlite3) error = %v", err)
	}
	if s.Dialect() != "sqlite" {
		t.Errorf("Dialect() = %q, want sqlite", s.Dialect())
	}
}

func TestPlaceholderConversion(t *testing.T) {
	pg := &SQLStore{dialect: "postgres"}
	got := pg.placeholders(`SELECT a FROM t WHERE x = ? AND y = ?`)
	want := `SELECT a FROM t WHERE x = $1 AND y = $2`
	if got != want {
		t.Errorf("placeholders() = %q, want %q", got, want)
	}

	lite := &SQLStore{dialect: "sqlite"}
	passthrough := `SELECT a FROM t WHERE x = ?`
	if got := lite.placeholders(passthrough); got != passthrough {
		t.Errorf("sqlite placeholders() = %q", got)
	}
}
