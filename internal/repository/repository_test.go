package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"alphaforge/internal/config"
	"alphaforge/internal/genome"
	"alphaforge/internal/novelty"
)

// Structurally distinct strategy families. Each leans on a different
// indicator set so pairwise novelty stays well above the duplicate threshold.
var familySources = []string{
	"if rsi14 < 30 && close > ema200 { enter_long() }",
	"if crossover(macd_line, macd_signal) { enter_long() }\nstop = atr14 * 2",
	"if obv > 0 && volume > 100000 { enter_long() }",
	"if regime == bull && trend > 0 { enter_long() }\ntrail exit",
	"upper := bollinger(close, 20)\nif close < lower { enter_long() }\ntarget = mfi14",
}

func testRepoConfig() config.RepositoryConfig {
	return config.RepositoryConfig{
		DuplicateThreshold: 0.2,
		SilverCut:          0.5,
		GoldCut:            1.5,
		TierCapacity:       50,
	}
}

func openTestRepo(t *testing.T, dir string, cfg config.RepositoryConfig) *Repository {
	t.Helper()
	r, err := Open(dir, cfg, novelty.NewScorer(zap.NewNop()), zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func familyGenome(t *testing.T, id string, family int, score float64) *genome.Genome {
	t.Helper()
	g := &genome.Genome{
		ID:     id,
		Source: familySources[family],
		Params: map[string]float64{"period": 14},
	}
	g.Metrics = &genome.PerformanceRecord{Score: score, Return: score, Expectancy: 0.1}
	return g
}

func TestAdmitPlacesByPerformanceTier(t *testing.T) {
	r := openTestRepo(t, t.TempDir(), testRepoConfig())

	tests := []struct {
		family int
		score  float64
		tier   string
	}{
		{0, 0.3, TierBronze},
		{1, 0.9, TierSilver},
		{2, 2.1, TierGold},
	}
	for i, tc := range tests {
		g := familyGenome(t, fmt.Sprintf("g%d", i), tc.family, tc.score)
		res, err := r.Admit(g)
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if !res.Admitted || res.Tier != tc.tier {
			t.Errorf("score %v placed in %q (admitted=%v), want %q", tc.score, res.Tier, res.Admitted, tc.tier)
		}
		// One JSON file per entry under the tier directory.
		path := filepath.Join(r.dir, tc.tier, g.ID+".json")
		if _, err := os.Stat(path); err != nil {
			t.Errorf("entry file missing: %v", err)
		}
	}
}

func TestAdmitRejectsNearDuplicates(t *testing.T) {
	r := openTestRepo(t, t.TempDir(), testRepoConfig())

	orig := familyGenome(t, "original", 0, 1.0)
	if res, err := r.Admit(orig); err != nil || !res.Admitted {
		t.Fatalf("original rejected: %+v, %v", res, err)
	}

	// Same structure, different ID and better score: still a duplicate.
	dup := familyGenome(t, "copycat", 0, 3.0)
	res, err := r.Admit(dup)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Admitted {
		t.Fatalf("structural duplicate admitted with novelty %v", res.Novelty)
	}
	if res.Novelty >= r.cfg.DuplicateThreshold {
		t.Fatalf("duplicate novelty = %v, want < %v", res.Novelty, r.cfg.DuplicateThreshold)
	}

	// A different family clears the gate against the same archive.
	other := familyGenome(t, "fresh", 1, 1.0)
	res, err = r.Admit(other)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Admitted || res.Novelty < r.cfg.DuplicateThreshold {
		t.Fatalf("distinct family rejected: %+v", res)
	}
}

// Every pair of archived strategies keeps at least the duplicate threshold
// of structural distance between them.
func TestArchivedPopulationStaysPairwiseNovel(t *testing.T) {
	r := openTestRepo(t, t.TempDir(), testRepoConfig())

	for i := range familySources {
		g := familyGenome(t, fmt.Sprintf("fam-%d", i), i, 1.0)
		res, err := r.Admit(g)
		if err != nil {
			t.Fatalf("Admit %d: %v", i, err)
		}
		if !res.Admitted {
			t.Fatalf("family %d rejected: %s", i, res.Reason)
		}
	}

	entries := r.TopN(0)
	for i := range entries {
		for j := range entries {
			if i == j {
				continue
			}
			d := novelty.NewScorer(zap.NewNop()).Score(
				novelty.Extract(entries[i].Genome),
				[]novelty.FeatureVector{novelty.Extract(entries[j].Genome)})
			if d < r.cfg.DuplicateThreshold {
				t.Errorf("entries %s and %s too close: %v",
					entries[i].Genome.ID, entries[j].Genome.ID, d)
			}
		}
	}
}

func TestFullTierEvictsWeakest(t *testing.T) {
	cfg := testRepoConfig()
	cfg.TierCapacity = 2
	r := openTestRepo(t, t.TempDir(), cfg)

	a := familyGenome(t, "weak", 0, 0.10)
	b := familyGenome(t, "mid", 1, 0.20)
	for _, g := range []*genome.Genome{a, b} {
		if res, err := r.Admit(g); err != nil || !res.Admitted {
			t.Fatalf("seed %s: %+v, %v", g.ID, res, err)
		}
	}

	// Stronger newcomer displaces the weakest resident.
	c := familyGenome(t, "strong", 2, 0.30)
	res, err := r.Admit(c)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Admitted || res.EvictedID != "weak" {
		t.Fatalf("expected eviction of weak, got %+v", res)
	}
	if _, ok := r.Get("weak"); ok {
		t.Fatal("evicted entry still indexed")
	}
	if _, err := os.Stat(filepath.Join(r.dir, TierBronze, "weak.json")); !os.IsNotExist(err) {
		t.Fatal("evicted entry file still on disk")
	}

	// Weaker newcomer loses against a full tier of stronger residents.
	d := familyGenome(t, "weaker", 3, 0.05)
	res, err = r.Admit(d)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Admitted {
		t.Fatal("weaker candidate admitted into a full tier")
	}
}

func TestQuarantineRemovesFromCirculation(t *testing.T) {
	r := openTestRepo(t, t.TempDir(), testRepoConfig())

	g := familyGenome(t, "suspect", 0, 2.0)
	if res, err := r.Admit(g); err != nil || !res.Admitted {
		t.Fatalf("Admit: %+v, %v", res, err)
	}
	if err := r.Quarantine("suspect", "lookahead bias found in review"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	if len(r.TopN(0)) != 0 {
		t.Fatal("quarantined entry still sampled")
	}
	stats := r.Statistics()
	if stats.PerTier[TierQuarantine] != 1 || stats.BestScore != 0 {
		t.Fatalf("quarantine not reflected in stats: %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(r.dir, TierQuarantine, "suspect.json")); err != nil {
		t.Fatalf("quarantine file missing: %v", err)
	}

	// A structural twin of the quarantined entry is admissible again.
	twin := familyGenome(t, "twin", 0, 1.0)
	res, err := r.Admit(twin)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("twin of quarantined entry rejected: %s", res.Reason)
	}

	if err := r.Quarantine("nonexistent", "reason"); err == nil {
		t.Fatal("quarantining unknown genome succeeded")
	}
}

func TestReopenRestoresArchive(t *testing.T) {
	dir := t.TempDir()
	cfg := testRepoConfig()
	r := openTestRepo(t, dir, cfg)

	for i := 0; i < 3; i++ {
		g := familyGenome(t, fmt.Sprintf("persist-%d", i), i, float64(i)+0.3)
		if res, err := r.Admit(g); err != nil || !res.Admitted {
			t.Fatalf("Admit %d: %+v, %v", i, res, err)
		}
	}

	// Plant one corrupt file; reopen must shelve it and keep the rest.
	if err := os.WriteFile(filepath.Join(dir, TierBronze, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r2 := openTestRepo(t, dir, cfg)
	stats := r2.Statistics()
	if stats.Total != 3 {
		t.Fatalf("reopened archive has %d entries, want 3", stats.Total)
	}
	if _, err := os.Stat(filepath.Join(dir, TierQuarantine, "broken.json.corrupt")); err != nil {
		t.Fatalf("corrupt entry not shelved: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, TierBronze, "broken.json")); !os.IsNotExist(err) {
		t.Fatal("corrupt entry still in its tier")
	}

	// The restored population still gates duplicates.
	dup := familyGenome(t, "late-dup", 0, 1.0)
	res, err := r2.Admit(dup)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Admitted {
		t.Fatal("duplicate admitted after reopen")
	}
}

func TestTopNOrdersByScore(t *testing.T) {
	r := openTestRepo(t, t.TempDir(), testRepoConfig())

	scores := []float64{0.4, 2.2, 1.0}
	for i, s := range scores {
		g := familyGenome(t, fmt.Sprintf("rank-%d", i), i, s)
		if res, err := r.Admit(g); err != nil || !res.Admitted {
			t.Fatalf("Admit %d: %+v, %v", i, res, err)
		}
	}

	top := r.TopN(2)
	if len(top) != 2 {
		t.Fatalf("TopN(2) returned %d entries", len(top))
	}
	if top[0].Genome.ID != "rank-1" || top[1].Genome.ID != "rank-2" {
		t.Fatalf("wrong order: %s, %s", top[0].Genome.ID, top[1].Genome.ID)
	}
}
