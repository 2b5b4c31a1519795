package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	attempts := []Attempt{
		{
			ID:         "a1",
			Server:     "databricks",
			Command:    "python -m databricks_mcp_server.server",
			StartedAt:  base,
			FinishedAt: base.Add(1500 * time.Millisecond),
			Outcome:    OutcomeOK,
			ToolCount:  2,
		},
		{
			ID:         "a2",
			Server:     "databricks",
			Command:    "python -m databricks_mcp_server.server",
			StartedAt:  base.Add(time.Minute),
			FinishedAt: base.Add(time.Minute + 10*time.Millisecond),
			Outcome:    OutcomeFailed,
			ErrorKind:  "spawn",
			Error:      "mcp: spawn failed: exec: \"python\": executable file not found in $PATH",
		},
	}
	for _, a := range attempts {
		if err := s.Record(ctx, a); err != nil {
			t.Fatalf("Record(%s): %v", a.ID, err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d attempts, want 2", len(got))
	}

	if got[0].ID != "a2" || got[1].ID != "a1" {
		t.Errorf("order = [%s %s], want [a2 a1]", got[0].ID, got[1].ID)
	}
	if got[0].ErrorKind != "spawn" || got[0].Outcome != OutcomeFailed {
		t.Errorf("failed attempt = %+v", got[0])
	}
	if got[1].ToolCount != 2 || got[1].ErrorKind != "" {
		t.Errorf("ok attempt = %+v", got[1])
	}
	if d := got[1].Duration(); d != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", d)
	}
	if !got[1].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", got[1].StartedAt, base)
	}
}

func TestRecentLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := range 5 {
		err := s.Record(ctx, Attempt{
			Server:    "databricks",
			Command:   "python",
			StartedAt: base.Add(time.Duration(i) * time.Millisecond),
			Outcome:   OutcomeOK,
		})
		if err != nil {
			t.Fatalf("Record #%d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent(3) returned %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].StartedAt.After(got[i-1].StartedAt) {
			t.Errorf("attempt %d newer than attempt %d", i, i-1)
		}
	}
}

func TestRecordGeneratesID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, Attempt{Server: "x", Command: "y", Outcome: OutcomeFailed}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := s.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].ID == "" {
		t.Fatalf("Recent = %+v, want one attempt with an ID", got)
	}
	if got[0].StartedAt.IsZero() || got[0].FinishedAt.IsZero() {
		t.Errorf("timestamps not defaulted: %+v", got[0])
	}
}

func TestRecentEmpty(t *testing.T) {
	s := testStore(t)
	got, err := s.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent on empty store = %v", got)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, Attempt{ID: "keep", Server: "s", Command: "c", Outcome: OutcomeOK}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Recent(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "keep" {
		t.Errorf("after reopen = %+v", got)
	}
}
