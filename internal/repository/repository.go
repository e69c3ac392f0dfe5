// Package repository maintains the novelty-gated archive of evaluated
// strategies. Entries are partitioned into performance tiers plus a
// quarantine shelf for strategies pulled from circulation; each entry lives
// in its own JSON file so a crash can lose at most the entry being written.
package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alphaforge/internal/config"
	"alphaforge/internal/genome"
	"alphaforge/internal/novelty"
)

// Archive tiers. Placement depends only on the primary metric; novelty
// decides admission, never placement.
const (
	TierBronze     = "bronze"
	TierSilver     = "silver"
	TierGold       = "gold"
	TierQuarantine = "quarantine"
)

var activeTiers = []string{TierBronze, TierSilver, TierGold}

// Entry is one archived strategy.
type Entry struct {
	Genome     *genome.Genome `json:"genome"`
	Novelty    float64        `json:"novelty"`
	Tier       string         `json:"tier"`
	AdmittedAt time.Time      `json:"admitted_at"`
}

func (e *Entry) score() float64 {
	if e.Genome == nil || e.Genome.Metrics == nil {
		return 0
	}
	return e.Genome.Metrics.Score
}

// AdmitResult reports what happened to a candidate offered to the archive.
type AdmitResult struct {
	Admitted  bool    `json:"admitted"`
	Tier      string  `json:"tier,omitempty"`
	Novelty   float64 `json:"novelty"`
	Reason    string  `json:"reason"`
	EvictedID string  `json:"evicted_id,omitempty"`
}

// Repository is the on-disk archive plus its in-memory index.
type Repository struct {
	mu      sync.RWMutex
	dir     string
	cfg     config.RepositoryConfig
	scorer  *novelty.Scorer
	entries map[string]*Entry
	logger  *zap.Logger
}

// Open loads the archive rooted at dir, scanning the tier directories in
// parallel. Unparseable entry files are skipped with a warning so one
// corrupt file cannot take the whole archive down.
func Open(dir string, cfg config.RepositoryConfig, scorer *novelty.Scorer, logger *zap.Logger) (*Repository, error) {
	r := &Repository{
		dir:     dir,
		cfg:     cfg,
		scorer:  scorer,
		entries: make(map[string]*Entry),
		logger:  logger,
	}

	allTiers := append(append([]string{}, activeTiers...), TierQuarantine)
	for _, tier := range allTiers {
		if err := os.MkdirAll(filepath.Join(dir, tier), 0755); err != nil {
			return nil, fmt.Errorf("failed to create tier directory %s: %w", tier, err)
		}
	}

	var g errgroup.Group
	loaded := make([][]*Entry, len(allTiers))
	for i, tier := range allTiers {
		g.Go(func() error {
			entries, err := r.scanTier(tier)
			if err != nil {
				return err
			}
			loaded[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, entries := range loaded {
		for _, e := range entries {
			r.entries[e.Genome.ID] = e
			if e.Tier != TierQuarantine {
				r.scorer.Vector(e.Genome)
			}
		}
	}

	logger.Info("archive opened",
		zap.String("dir", dir),
		zap.Int("entries", len(r.entries)))
	return r, nil
}

func (r *Repository) scanTier(tier string) ([]*Entry, error) {
	tierDir := filepath.Join(r.dir, tier)
	files, err := os.ReadDir(tierDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tier %s: %w", tier, err)
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		path := filepath.Join(tierDir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.quarantineFile(path, err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.Genome == nil || e.Genome.ID == "" {
			if tier != TierQuarantine {
				r.quarantineFile(path, err)
			}
			continue
		}
		e.Tier = tier
		entries = append(entries, &e)
	}
	return entries, nil
}

// quarantineFile shelves a file that cannot be read back as an entry. The
// raw bytes are preserved for inspection; the load continues.
func (r *Repository) quarantineFile(path string, cause error) {
	dest := filepath.Join(r.dir, TierQuarantine, filepath.Base(path)+".corrupt")
	if err := os.Rename(path, dest); err != nil {
		r.logger.Warn("failed to quarantine corrupt archive entry",
			zap.String("path", path), zap.Error(err))
		return
	}
	r.logger.Warn("corrupt archive entry quarantined",
		zap.String("path", path),
		zap.String("quarantined_as", dest),
		zap.Error(cause))
}

// tierFor places a score into a performance tier.
func (r *Repository) tierFor(score float64) string {
	switch {
	case score >= r.cfg.GoldCut:
		return TierGold
	case score >= r.cfg.SilverCut:
		return TierSilver
	default:
		return TierBronze
	}
}

// Admit offers an evaluated genome to the archive. Candidates whose nearest
// archived neighbor is closer than the duplicate threshold are rejected;
// admitted entries may evict the weakest member of a full tier.
func (r *Repository) Admit(g *genome.Genome) (AdmitResult, error) {
	if g == nil || g.Metrics == nil {
		return AdmitResult{Reason: "no evaluated metrics"}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[g.ID]; exists {
		return AdmitResult{Novelty: 0, Reason: "already archived"}, nil
	}

	population := r.activeVectorsLocked()
	nov := r.scorer.Score(r.scorer.Vector(g), population)
	if len(population) > 0 && nov < r.cfg.DuplicateThreshold {
		r.scorer.Forget(g.ID)
		return AdmitResult{
			Novelty: nov,
			Reason:  fmt.Sprintf("near-duplicate of archived strategy (novelty %.3f < %.3f)", nov, r.cfg.DuplicateThreshold),
		}, nil
	}

	tier := r.tierFor(g.Metrics.Score)
	res := AdmitResult{Admitted: true, Tier: tier, Novelty: nov, Reason: "admitted"}

	if r.cfg.TierCapacity > 0 && r.tierCountLocked(tier) >= r.cfg.TierCapacity {
		victim := r.weakestLocked(tier)
		if victim != nil && victim.score() >= g.Metrics.Score {
			// Tier is full of stronger entries; the candidate loses.
			r.scorer.Forget(g.ID)
			res.Admitted = false
			res.Reason = fmt.Sprintf("tier %s full; candidate weaker than resident minimum %.4f", tier, victim.score())
			return res, nil
		}
		if victim != nil {
			if err := r.removeLocked(victim); err != nil {
				return AdmitResult{Novelty: nov, Reason: "eviction failed"}, err
			}
			res.EvictedID = victim.Genome.ID
		}
	}

	entry := &Entry{Genome: g, Novelty: nov, Tier: tier, AdmittedAt: time.Now().UTC()}
	if err := r.writeEntryLocked(entry); err != nil {
		r.scorer.Forget(g.ID)
		return AdmitResult{Novelty: nov, Reason: "persist failed"}, err
	}
	r.entries[g.ID] = entry

	r.logger.Info("strategy archived",
		zap.String("genome", g.ID),
		zap.String("tier", tier),
		zap.Float64("novelty", nov),
		zap.Float64("score", g.Metrics.Score))
	return res, nil
}

// activeVectorsLocked returns feature vectors of every non-quarantined entry.
func (r *Repository) activeVectorsLocked() []novelty.FeatureVector {
	out := make([]novelty.FeatureVector, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Tier == TierQuarantine {
			continue
		}
		out = append(out, r.scorer.Vector(e.Genome))
	}
	return out
}

func (r *Repository) tierCountLocked(tier string) int {
	n := 0
	for _, e := range r.entries {
		if e.Tier == tier {
			n++
		}
	}
	return n
}

// weakestLocked picks the eviction victim for a tier: lowest score, oldest
// admission on ties.
func (r *Repository) weakestLocked(tier string) *Entry {
	var victim *Entry
	for _, e := range r.entries {
		if e.Tier != tier {
			continue
		}
		if victim == nil ||
			e.score() < victim.score() ||
			(e.score() == victim.score() && e.AdmittedAt.Before(victim.AdmittedAt)) {
			victim = e
		}
	}
	return victim
}

func (r *Repository) entryPath(e *Entry) string {
	return filepath.Join(r.dir, e.Tier, e.Genome.ID+".json")
}

// writeEntryLocked persists one entry atomically (write-temp, then rename).
func (r *Repository) writeEntryLocked(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive entry: %w", err)
	}
	path := r.entryPath(e)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write archive entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to place archive entry: %w", err)
	}
	return nil
}

func (r *Repository) removeLocked(e *Entry) error {
	if err := os.Remove(r.entryPath(e)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archive entry: %w", err)
	}
	delete(r.entries, e.Genome.ID)
	r.scorer.Forget(e.Genome.ID)
	return nil
}

// Quarantine pulls an archived strategy out of circulation. Quarantined
// entries no longer count toward novelty comparisons or sampling.
func (r *Repository) Quarantine(id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("genome %s not archived", id)
	}
	if e.Tier == TierQuarantine {
		return nil
	}

	oldPath := r.entryPath(e)
	e.Tier = TierQuarantine
	if err := r.writeEntryLocked(e); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old tier file: %w", err)
	}
	r.scorer.Forget(id)

	r.logger.Info("strategy quarantined", zap.String("genome", id), zap.String("reason", reason))
	return nil
}

// TopN returns the n best active entries across tiers, best first.
func (r *Repository) TopN(n int) []*Entry {
	return r.topN("", n)
}

// TopNInTier is TopN restricted to one tier.
func (r *Repository) TopNInTier(tier string, n int) []*Entry {
	return r.topN(tier, n)
}

func (r *Repository) topN(tier string, n int) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Tier == TierQuarantine {
			continue
		}
		if tier != "" && e.Tier != tier {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score() != out[j].score() {
			return out[i].score() > out[j].score()
		}
		return out[i].Genome.ID < out[j].Genome.ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Sample returns up to n active entries spread across the archive for use as
// recombination parents: the strongest entries first, then a deterministic
// sweep of the rest keyed by admission recency.
func (r *Repository) Sample(n int) []*Entry {
	top := r.TopN(0)
	if n <= 0 || len(top) <= n {
		return top
	}
	half := n / 2
	picked := append([]*Entry{}, top[:half]...)
	rest := append([]*Entry{}, top[half:]...)
	sort.Slice(rest, func(i, j int) bool { return rest[i].AdmittedAt.After(rest[j].AdmittedAt) })
	picked = append(picked, rest[:n-half]...)
	return picked
}

// Stats summarizes archive occupancy.
type Stats struct {
	Total       int            `json:"total"`
	PerTier     map[string]int `json:"per_tier"`
	BestScore   float64        `json:"best_score"`
	MeanNovelty float64        `json:"mean_novelty"`
}

// Statistics reports occupancy, best score and mean admission novelty.
func (r *Repository) Statistics() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{PerTier: make(map[string]int)}
	var novSum float64
	active := 0
	for _, e := range r.entries {
		s.Total++
		s.PerTier[e.Tier]++
		if e.Tier == TierQuarantine {
			continue
		}
		active++
		novSum += e.Novelty
		if sc := e.score(); sc > s.BestScore {
			s.BestScore = sc
		}
	}
	if active > 0 {
		s.MeanNovelty = novSum / float64(active)
	}
	return s
}

// Get returns an archived entry by genome ID.
func (r *Repository) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}
