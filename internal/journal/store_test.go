package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/camrelay/internal/capture"
)

func setupTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Each pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, keep)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func outcome(i int, base time.Time, result capture.Result) capture.Outcome {
	o := capture.Outcome{
		CycleID:    fmt.Sprintf("cycle-%03d", i),
		StartedAt:  base.Add(time.Duration(i) * 10 * time.Second),
		Duration:   time.Duration(120+i) * time.Millisecond,
		Result:     result,
		FrameBytes: 1000 + i,
	}
	if result == capture.ResultPublished {
		o.PayloadBytes = 1400 + i
	} else {
		o.Err = string(result) + " happened"
	}
	return o
}

func TestRecordAndRecent(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	results := []capture.Result{capture.ResultPublished, capture.ResultSkipped, capture.ResultTooLarge}
	for i, r := range results {
		if err := s.Record(ctx, outcome(i, base, r)); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d, want 2", len(got))
	}
	if got[0].CycleID != "cycle-002" || got[1].CycleID != "cycle-001" {
		t.Errorf("order = %s, %s; want newest first", got[0].CycleID, got[1].CycleID)
	}

	want := outcome(2, base, capture.ResultTooLarge)
	if !got[0].StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got[0].StartedAt, want.StartedAt)
	}
	if got[0].Duration != want.Duration || got[0].Result != want.Result ||
		got[0].FrameBytes != want.FrameBytes || got[0].Err != want.Err {
		t.Errorf("round trip = %+v, want %+v", got[0], want)
	}
}

func TestRecordDuplicateID(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	o := outcome(1, time.Now(), capture.ResultPublished)

	if err := s.Record(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, o); err == nil {
		t.Error("duplicate cycle id accepted")
	}
}

func TestSummary(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	base := time.Now().UTC()

	results := []capture.Result{
		capture.ResultPublished, capture.ResultPublished, capture.ResultPublished,
		capture.ResultAcquireFailed, capture.ResultSkipped,
	}
	for i, r := range results {
		if err := s.Record(ctx, outcome(i, base, r)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got[capture.ResultPublished] != 3 || got[capture.ResultAcquireFailed] != 1 || got[capture.ResultSkipped] != 1 {
		t.Errorf("Summary = %v", got)
	}
}

func TestPrune(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := range 10 {
		if err := s.Record(ctx, outcome(i, base, capture.ResultPublished)); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Prune(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Errorf("pruned %d, want 6", n)
	}

	got, err := s.Recent(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[3].CycleID != "cycle-006" {
		t.Errorf("kept %d rows, oldest %q; want 4 rows from cycle-006", len(got), got[len(got)-1].CycleID)
	}
}

func TestRecordPrunesPeriodically(t *testing.T) {
	s := setupTestStore(t, 10)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := range pruneEvery {
		if err := s.Record(ctx, outcome(i, base, capture.ResultPublished)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("rows after %d inserts = %d, want 10", pruneEvery, len(got))
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	s, err := Open(path, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Record(context.Background(), outcome(1, time.Now(), capture.ResultPublished)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path, 100)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("rows after reopen = %d, want 1", len(got))
	}
}
