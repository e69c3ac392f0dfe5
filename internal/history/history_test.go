package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"alphaforge/internal/genome"
)

func testLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	l, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func record(iter int64, outcome genome.OutcomeLevel) *genome.IterationRecord {
	return &genome.IterationRecord{
		Iteration: iter,
		Timestamp: time.Date(2026, 1, 1, 0, 0, int(iter), 0, time.UTC),
		Producer:  genome.ProducerRecombine,
		GenomeID:  genome.ContentID("src", map[string]float64{"i": float64(iter)}),
		Outcome:   outcome,
	}
}

func TestRoundTrip_MostRecentFirst(t *testing.T) {
	l, _ := testLog(t)

	const k = 5
	for i := int64(1); i <= k; i++ {
		if err := l.Append(record(i, genome.OutcomeProfitable)); err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
	}

	got, err := l.Recent(k)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(got) != k {
		t.Fatalf("Recent(%d) returned %d records", k, len(got))
	}

	for i, rec := range got {
		want := record(int64(k-i), genome.OutcomeProfitable)
		if diff := cmp.Diff(want, rec); diff != "" {
			t.Errorf("record %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestRecent_FewerThanRequested(t *testing.T) {
	l, _ := testLog(t)
	if err := l.Append(record(1, genome.OutcomeFailed)); err != nil {
		t.Fatal(err)
	}

	got, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 record, got %d", len(got))
	}
}

func TestLastIteration(t *testing.T) {
	l, _ := testLog(t)

	last, err := l.LastIteration()
	if err != nil {
		t.Fatal(err)
	}
	if last != 0 {
		t.Errorf("empty log should report iteration 0, got %d", last)
	}

	for i := int64(1); i <= 7; i++ {
		if err := l.Append(record(i, genome.OutcomeUnprofitable)); err != nil {
			t.Fatal(err)
		}
	}

	last, err = l.LastIteration()
	if err != nil {
		t.Fatal(err)
	}
	if last != 7 {
		t.Errorf("LastIteration = %d, want 7", last)
	}
}

func TestCorruptLinesSkipped(t *testing.T) {
	l, path := testLog(t)

	if err := l.Append(record(1, genome.OutcomeProfitable)); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: a truncated JSON line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"iteration": 2, "timest`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	// A fresh log on the same file must resume at iteration 1.
	l2, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	last, err := l2.LastIteration()
	if err != nil {
		t.Fatal(err)
	}
	if last != 1 {
		t.Errorf("LastIteration after corruption = %d, want 1", last)
	}

	// And appends still work after the partial line.
	if err := l2.Append(record(2, genome.OutcomeFailed)); err != nil {
		t.Fatalf("Append after corruption failed: %v", err)
	}
	count, err := l2.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("Count = %d, want 2 (corrupt line excluded)", count)
	}

	// The post-crash append must round-trip intact, not merge into the
	// partial line.
	got, err := l2.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Iteration != 2 {
		t.Fatalf("Recent(1) after crash recovery = %+v, want iteration 2", got)
	}
}

func TestResumptionBoundary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")

	// First run: iterations 1..3, then stop.
	l1, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := l1.Append(record(i, genome.OutcomeProfitable)); err != nil {
			t.Fatal(err)
		}
	}
	l1.Close()

	// Restart: the next iteration number is exactly last+1.
	l2, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	last, err := l2.LastIteration()
	if err != nil {
		t.Fatal(err)
	}
	next := last + 1
	if next != 4 {
		t.Fatalf("resume should continue at 4, got %d", next)
	}

	if err := l2.Append(record(next, genome.OutcomeUnprofitable)); err != nil {
		t.Fatal(err)
	}

	recs, err := l2.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[int64]int{}
	for _, r := range recs {
		seen[r.Iteration]++
	}
	for i := int64(1); i <= 4; i++ {
		if seen[i] != 1 {
			t.Errorf("iteration %d appears %d times, want exactly once", i, seen[i])
		}
	}
}
