package champion

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"alphaforge/internal/config"
	"alphaforge/internal/genome"
)

func testConfig() config.ChampionConfig {
	return config.ChampionConfig{
		Base:               0.10,
		Decay:              0.001,
		Floor:              0.001,
		Ceiling:            0.10,
		AllowDominance:     false,
		DominanceTolerance: 0.02,
		RollbackDepth:      5,
	}
}

func newTestTracker(t *testing.T, cfg config.ChampionConfig) *Tracker {
	t.Helper()
	dir := t.TempDir()
	audit, err := OpenAuditStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditStore: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	tr, err := NewTracker(filepath.Join(dir, "champion.json"), cfg, audit, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr
}

func candidate(t *testing.T, id string, score float64) (*genome.Genome, *genome.PerformanceRecord) {
	t.Helper()
	g := &genome.Genome{ID: id, Source: "// strategy " + id}
	m := &genome.PerformanceRecord{Score: score, Return: score, WinRate: 0.5, Trades: 40, Expectancy: 0.1}
	return g, m
}

func TestRequiredImprovementDecaysToFloor(t *testing.T) {
	tr := newTestTracker(t, testConfig())

	tests := []struct {
		age  int64
		want float64
	}{
		{0, 0.10},
		{50, 0.05},
		{99, 0.001},
		{100, 0.001},
		{10000, 0.001},
	}
	for _, tc := range tests {
		got := tr.RequiredImprovement(tc.age)
		if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("RequiredImprovement(%d) = %v, want %v", tc.age, got, tc.want)
		}
	}

	// Monotonically non-increasing across all ages.
	prev := tr.RequiredImprovement(0)
	for age := int64(1); age <= 200; age++ {
		cur := tr.RequiredImprovement(age)
		if cur > prev {
			t.Fatalf("bar increased at age %d: %v > %v", age, cur, prev)
		}
		prev = cur
	}
}

func TestFirstChampionPromotedUnconditionally(t *testing.T) {
	tr := newTestTracker(t, testConfig())

	g, m := candidate(t, "seed", 0.01)
	d, err := tr.Evaluate(g, m)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Promoted {
		t.Fatalf("first candidate not promoted: %s", d.Reason)
	}
	if s := tr.Snapshot(); s.Champion == nil || s.Champion.ID != "seed" {
		t.Fatalf("champion not installed: %+v", s.Champion)
	}
}

// A marginal candidate is rejected against a fresh champion but accepted
// once the champion has aged enough for the bar to reach its floor.
func TestMarginalImprovementAcceptedAfterAging(t *testing.T) {
	tr := newTestTracker(t, testConfig())

	g, m := candidate(t, "incumbent", 2.50)
	if d, err := tr.Evaluate(g, m); err != nil || !d.Promoted {
		t.Fatalf("seeding champion failed: %+v, %v", d, err)
	}

	// Fresh champion: +0.4% does not clear the +10% bar.
	cg, cm := candidate(t, "marginal", 2.51)
	d, err := tr.Evaluate(cg, cm)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Promoted {
		t.Fatalf("marginal candidate promoted against fresh champion (bar %v)", d.RequiredBar)
	}

	// Age the champion with rejected candidates until the bar bottoms out.
	for i := 0; i < 99; i++ {
		lg, lm := candidate(t, fmt.Sprintf("loser-%d", i), 1.0)
		if d, err := tr.Evaluate(lg, lm); err != nil || d.Promoted {
			t.Fatalf("loser %d: %+v, %v", i, d, err)
		}
	}
	if age := tr.Snapshot().Age; age != 100 {
		t.Fatalf("champion age = %d, want 100", age)
	}

	// Bar is now 2.50 * 1.001 = 2.5025; the same 2.51 candidate clears it.
	d, err = tr.Evaluate(cg, cm)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Promoted {
		t.Fatalf("aged bar %v still rejects 2.51: %s", d.RequiredBar, d.Reason)
	}
	s := tr.Snapshot()
	if s.Champion.ID != "marginal" || s.Age != 0 {
		t.Fatalf("promotion did not reset state: id=%s age=%d", s.Champion.ID, s.Age)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cfg := testConfig()
	for run := 0; run < 3; run++ {
		tr := newTestTracker(t, cfg)
		g, m := candidate(t, "champ", 1.0)
		tr.Evaluate(g, m)

		cg, cm := candidate(t, "cand", 1.05)
		d, err := tr.Evaluate(cg, cm)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Promoted {
			t.Fatalf("run %d: identical inputs produced a different decision", run)
		}
	}
}

func TestPersistFailureRollsBackMemory(t *testing.T) {
	tr := newTestTracker(t, testConfig())

	g, m := candidate(t, "champ", 1.0)
	if _, err := tr.Evaluate(g, m); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Destroy the state directory so the next persist cannot land.
	if err := os.RemoveAll(filepath.Dir(tr.path)); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	cg, cm := candidate(t, "winner", 5.0)
	d, err := tr.Evaluate(cg, cm)
	if err == nil {
		t.Fatal("expected persist error")
	}
	if d.Promoted {
		t.Fatal("decision still reports promotion after persist failure")
	}
	if s := tr.Snapshot(); s.Champion.ID != "champ" || s.PrimaryMetric != 1.0 {
		t.Fatalf("in-memory state mutated after persist failure: %+v", s)
	}
}

func TestRollbackHistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.RollbackDepth = 3
	tr := newTestTracker(t, cfg)

	score := 1.0
	for i := 0; i < 8; i++ {
		g, m := candidate(t, fmt.Sprintf("gen-%d", i), score)
		if d, err := tr.Evaluate(g, m); err != nil || !d.Promoted {
			t.Fatalf("promotion %d failed: %+v, %v", i, d, err)
		}
		score *= 1.5
	}

	s := tr.Snapshot()
	if len(s.Previous) != 3 {
		t.Fatalf("rollback history = %d entries, want 3", len(s.Previous))
	}
	// Oldest retained entry is the champion deposed three promotions ago.
	if got := s.Previous[0].Genome.ID; got != "gen-4" {
		t.Fatalf("oldest retained = %s, want gen-4", got)
	}
}

func TestForcePromoteRequiresReasonAndOperator(t *testing.T) {
	tr := newTestTracker(t, testConfig())
	g, m := candidate(t, "manual", 1.0)

	if err := tr.ForcePromote(g, m, "", "alice"); err == nil {
		t.Fatal("empty reason accepted")
	}
	if err := tr.ForcePromote(g, m, "offline validation passed", ""); err == nil {
		t.Fatal("empty operator accepted")
	}
	if err := tr.ForcePromote(g, m, "offline validation passed", "alice"); err != nil {
		t.Fatalf("ForcePromote: %v", err)
	}
	if s := tr.Snapshot(); s.Champion.ID != "manual" {
		t.Fatalf("champion = %s, want manual", s.Champion.ID)
	}
}

func TestForceRollbackRestoresPreviousChampion(t *testing.T) {
	tr := newTestTracker(t, testConfig())

	g1, m1 := candidate(t, "first", 1.0)
	tr.Evaluate(g1, m1)
	g2, m2 := candidate(t, "second", 2.0)
	if d, err := tr.Evaluate(g2, m2); err != nil || !d.Promoted {
		t.Fatalf("second promotion failed: %+v, %v", d, err)
	}

	if err := tr.ForceRollback("first", "regression in live shadow run", "bob"); err != nil {
		t.Fatalf("ForceRollback: %v", err)
	}
	s := tr.Snapshot()
	if s.Champion.ID != "first" || s.PrimaryMetric != 1.0 {
		t.Fatalf("rollback did not restore first: %+v", s)
	}
	// The deposed champion remains reachable for a future rollback.
	found := false
	for _, prev := range s.Previous {
		if prev.Genome.ID == "second" {
			found = true
		}
	}
	if !found {
		t.Fatal("deposed champion missing from rollback history")
	}

	if err := tr.ForceRollback("nonexistent", "reason", "bob"); err == nil {
		t.Fatal("rollback to unknown genome accepted")
	}
}

func TestDominancePromotionWithinToleranceBand(t *testing.T) {
	cfg := testConfig()
	cfg.AllowDominance = true
	tr := newTestTracker(t, cfg)

	g := &genome.Genome{ID: "champ", Source: "// champ"}
	m := &genome.PerformanceRecord{Score: 2.0, Return: 0.30, MaxDrawdown: 0.20, WinRate: 0.50, Expectancy: 0.10}
	if d, err := tr.Evaluate(g, m); err != nil || !d.Promoted {
		t.Fatalf("seed failed: %+v, %v", d, err)
	}

	// Slightly lower primary, strictly better everywhere else.
	cg := &genome.Genome{ID: "dominant", Source: "// dominant"}
	cm := &genome.PerformanceRecord{Score: 1.99, Return: 0.35, MaxDrawdown: 0.12, WinRate: 0.55, Expectancy: 0.15}
	d, err := tr.Evaluate(cg, cm)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Promoted {
		t.Fatalf("dominant candidate rejected: %s", d.Reason)
	}

	// Outside the tolerance band dominance does not apply.
	og := &genome.Genome{ID: "off-band", Source: "// off-band"}
	om := &genome.PerformanceRecord{Score: 1.0, Return: 0.50, MaxDrawdown: 0.05, WinRate: 0.70, Expectancy: 0.30}
	d, err = tr.Evaluate(og, om)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Promoted {
		t.Fatal("candidate far below primary promoted via dominance")
	}
}

func TestTrackerResumesFromDisk(t *testing.T) {
	dir := t.TempDir()
	audit, err := OpenAuditStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("OpenAuditStore: %v", err)
	}
	defer audit.Close()

	path := filepath.Join(dir, "champion.json")
	tr, err := NewTracker(path, testConfig(), audit, zap.NewNop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	g, m := candidate(t, "persisted", 3.0)
	tr.Evaluate(g, m)
	lg, lm := candidate(t, "loser", 1.0)
	tr.Evaluate(lg, lm)

	tr2, err := NewTracker(path, testConfig(), audit, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s := tr2.Snapshot()
	if s.Champion.ID != "persisted" || s.PrimaryMetric != 3.0 || s.Age != 1 {
		t.Fatalf("resumed state wrong: id=%s primary=%v age=%d", s.Champion.ID, s.PrimaryMetric, s.Age)
	}
	if s.ConfigFingerprint == "" {
		t.Fatal("persisted state missing config fingerprint")
	}
}
