// Package champion tracks the current best genome and decides promotion
// through an adaptive anti-churn threshold.
//
// The required improvement bar decays with champion age:
//
//	required(age) = clamp(base - age*decay, floor, ceiling)
//
// A fixed percentage bar lets a strong early champion become permanently
// unreachable, driving the promotion rate to zero and the feedback signal to
// noise; the decaying bar guarantees the gate eventually narrows to the floor.
package champion

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"alphaforge/internal/config"
	"alphaforge/internal/genome"
)

// ErrNoChampion is returned when an operation needs a champion and none has
// been promoted yet.
var ErrNoChampion = fmt.Errorf("no champion promoted yet")

// PreviousChampion is one entry of the bounded rollback history.
type PreviousChampion struct {
	Genome        *genome.Genome `json:"genome"`
	PrimaryMetric float64        `json:"primary_metric"`
	DeposedAt     time.Time      `json:"deposed_at"`
}

// State is the persisted champion record. Exactly one exists per run; it is
// mutated only through the Tracker and rewritten atomically after every
// mutation.
type State struct {
	Champion      *genome.Genome     `json:"champion,omitempty"`
	PrimaryMetric float64            `json:"primary_metric"`
	Age           int64              `json:"age"`
	PromotedAt    time.Time          `json:"promoted_at,omitempty"`
	Promotions    int64              `json:"promotions"`
	Previous      []PreviousChampion `json:"previous,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`

	// ConfigFingerprint records the threshold configuration the state was
	// last written under, so tuning changes between runs are visible.
	ConfigFingerprint string `json:"config_fingerprint"`
}

// PromotionDecision reports the outcome of evaluating one candidate.
type PromotionDecision struct {
	Promoted       bool    `json:"promoted"`
	Reason         string  `json:"reason"`
	RequiredBar    float64 `json:"required_bar"`
	CandidateScore float64 `json:"candidate_score"`
	ChampionScore  float64 `json:"champion_score"`
	ChampionAge    int64   `json:"champion_age"`
}

// Tracker owns the champion state. All mutation goes through Evaluate,
// ForcePromote and ForceRollback; callers only ever see snapshots.
type Tracker struct {
	mu     sync.Mutex
	state  State
	path   string
	cfg    config.ChampionConfig
	audit  *AuditStore
	logger *zap.Logger
}

// NewTracker loads (or initializes) champion state at path.
func NewTracker(path string, cfg config.ChampionConfig, audit *AuditStore, logger *zap.Logger) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create champion state directory: %w", err)
	}

	t := &Tracker{path: path, cfg: cfg, audit: audit, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read champion state: %w", err)
	}
	if err := json.Unmarshal(data, &t.state); err != nil {
		return nil, fmt.Errorf("failed to parse champion state: %w", err)
	}

	if fp := configFingerprint(cfg); t.state.ConfigFingerprint != "" && t.state.ConfigFingerprint != fp {
		logger.Warn("champion threshold configuration changed since last run",
			zap.String("was", t.state.ConfigFingerprint),
			zap.String("now", fp))
	}

	logger.Info("champion state loaded",
		zap.String("path", path),
		zap.Float64("primary", t.state.PrimaryMetric),
		zap.Int64("age", t.state.Age))
	return t, nil
}

// configFingerprint is a short stable hash of the threshold parameters.
func configFingerprint(cfg config.ChampionConfig) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%g|%g|%g|%g|%v|%g|%d",
		cfg.Base, cfg.Decay, cfg.Floor, cfg.Ceiling,
		cfg.AllowDominance, cfg.DominanceTolerance, cfg.RollbackDepth)))
	return hex.EncodeToString(sum[:6])
}

// RequiredImprovement returns the adaptive minimum-improvement bar for the
// given champion age. Monotonically non-increasing, bounded in
// [floor, ceiling].
func (t *Tracker) RequiredImprovement(age int64) float64 {
	req := t.cfg.Base - float64(age)*t.cfg.Decay
	if req < t.cfg.Floor {
		req = t.cfg.Floor
	}
	if req > t.cfg.Ceiling {
		req = t.cfg.Ceiling
	}
	return req
}

// Evaluate decides whether a candidate replaces the champion. The decision is
// deterministic in (candidate metrics, champion metrics, age). On promotion
// failure to persist, in-memory state rolls back to the pre-mutation snapshot
// and the attempt is reported failed rather than crashing the loop.
func (t *Tracker) Evaluate(cand *genome.Genome, metrics *genome.PerformanceRecord) (PromotionDecision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if metrics == nil {
		return PromotionDecision{Reason: "no metrics"}, nil
	}

	// First champion: accept unconditionally.
	if t.state.Champion == nil {
		d := PromotionDecision{
			Promoted:       true,
			Reason:         "first champion",
			CandidateScore: metrics.Score,
		}
		if err := t.promoteLocked(cand, metrics); err != nil {
			return PromotionDecision{Reason: "persist failed"}, err
		}
		return d, nil
	}

	required := t.RequiredImprovement(t.state.Age)
	bar := t.state.PrimaryMetric * (1 + required)
	d := PromotionDecision{
		RequiredBar:    bar,
		CandidateScore: metrics.Score,
		ChampionScore:  t.state.PrimaryMetric,
		ChampionAge:    t.state.Age,
	}

	switch {
	case metrics.Score >= bar:
		d.Promoted = true
		d.Reason = fmt.Sprintf("primary metric %.4f cleared bar %.4f (required +%.2f%%)",
			metrics.Score, bar, required*100)
	case t.cfg.AllowDominance && t.dominatesLocked(metrics):
		d.Promoted = true
		d.Reason = "secondary dominance within primary tolerance band"
	default:
		d.Reason = fmt.Sprintf("primary metric %.4f below bar %.4f", metrics.Score, bar)
	}

	if d.Promoted {
		if err := t.promoteLocked(cand, metrics); err != nil {
			d.Promoted = false
			d.Reason = "promotion aborted: " + err.Error()
			return d, err
		}
		return d, nil
	}

	// Rejected: the champion ages by one evaluated candidate.
	snapshot := t.state
	t.state.Age++
	t.state.UpdatedAt = time.Now().UTC()
	if err := t.persistLocked(); err != nil {
		t.state = snapshot
		return d, err
	}
	return d, nil
}

// dominatesLocked reports whether the candidate beats the champion on every
// secondary metric while staying within the primary tolerance band.
func (t *Tracker) dominatesLocked(m *genome.PerformanceRecord) bool {
	champ := t.state.Champion
	if champ == nil || champ.Metrics == nil {
		return false
	}
	cm := champ.Metrics

	if m.Score < t.state.PrimaryMetric*(1-t.cfg.DominanceTolerance) {
		return false
	}

	better := m.Return >= cm.Return &&
		m.MaxDrawdown <= cm.MaxDrawdown &&
		m.WinRate >= cm.WinRate &&
		m.Expectancy >= cm.Expectancy
	strict := m.Return > cm.Return ||
		m.MaxDrawdown < cm.MaxDrawdown ||
		m.WinRate > cm.WinRate ||
		m.Expectancy > cm.Expectancy

	return better && strict
}

// promoteLocked installs a new champion and persists atomically. The old
// champion enters the bounded rollback history.
func (t *Tracker) promoteLocked(cand *genome.Genome, metrics *genome.PerformanceRecord) error {
	snapshot := t.state
	snapshotPrev := make([]PreviousChampion, len(t.state.Previous))
	copy(snapshotPrev, t.state.Previous)
	snapshot.Previous = snapshotPrev

	if t.state.Champion != nil {
		t.state.Previous = append(t.state.Previous, PreviousChampion{
			Genome:        t.state.Champion,
			PrimaryMetric: t.state.PrimaryMetric,
			DeposedAt:     time.Now().UTC(),
		})
		if depth := t.cfg.RollbackDepth; depth > 0 && len(t.state.Previous) > depth {
			t.state.Previous = t.state.Previous[len(t.state.Previous)-depth:]
		}
	}

	promoted := *cand
	promoted.Metrics = metrics
	now := time.Now().UTC()

	t.state.Champion = &promoted
	t.state.PrimaryMetric = metrics.Score
	t.state.Age = 0
	t.state.PromotedAt = now
	t.state.Promotions++
	t.state.UpdatedAt = now

	if err := t.persistLocked(); err != nil {
		t.state = snapshot
		return err
	}

	t.logger.Info("champion promoted",
		zap.String("genome", promoted.ID),
		zap.Float64("primary", metrics.Score))
	return nil
}

// persistLocked atomically replaces the champion state file
// (write-temp, then rename).
func (t *Tracker) persistLocked() error {
	t.state.ConfigFingerprint = configFingerprint(t.cfg)
	data, err := json.MarshalIndent(&t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal champion state: %w", err)
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write champion state: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("failed to replace champion state: %w", err)
	}
	return nil
}

// Snapshot returns a read-only copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.state
	out.Previous = make([]PreviousChampion, len(t.state.Previous))
	copy(out.Previous, t.state.Previous)
	return out
}

// ForcePromote installs a genome as champion by operator decision, bypassing
// the threshold. Reason and operator identity are mandatory and recorded in
// the audit store, separate from the history log.
func (t *Tracker) ForcePromote(g *genome.Genome, metrics *genome.PerformanceRecord, reason, operator string) error {
	if reason == "" || operator == "" {
		return fmt.Errorf("force-promote requires a reason and an operator identity")
	}
	if metrics == nil {
		return fmt.Errorf("force-promote requires evaluated metrics")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.promoteLocked(g, metrics); err != nil {
		return err
	}

	if err := t.audit.Record(ActionForcePromote, g.ID, reason, operator,
		fmt.Sprintf("primary=%.4f", metrics.Score)); err != nil {
		t.logger.Warn("audit write failed after force-promote", zap.Error(err))
	}
	return nil
}

// ForceRollback restores a previous champion by ID. The deposed current
// champion re-enters the rollback history.
func (t *Tracker) ForceRollback(targetID, reason, operator string) error {
	if reason == "" || operator == "" {
		return fmt.Errorf("force-rollback requires a reason and an operator identity")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Champion == nil {
		return ErrNoChampion
	}

	idx := -1
	for i, prev := range t.state.Previous {
		if prev.Genome != nil && prev.Genome.ID == targetID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("genome %s not found in rollback history", targetID)
	}

	snapshot := t.state
	snapshotPrev := make([]PreviousChampion, len(t.state.Previous))
	copy(snapshotPrev, t.state.Previous)
	snapshot.Previous = snapshotPrev

	target := t.state.Previous[idx]
	deposed := PreviousChampion{
		Genome:        t.state.Champion,
		PrimaryMetric: t.state.PrimaryMetric,
		DeposedAt:     time.Now().UTC(),
	}

	t.state.Previous = append(t.state.Previous[:idx], t.state.Previous[idx+1:]...)
	t.state.Previous = append(t.state.Previous, deposed)
	now := time.Now().UTC()

	t.state.Champion = target.Genome
	t.state.PrimaryMetric = target.PrimaryMetric
	t.state.Age = 0
	t.state.PromotedAt = now
	t.state.UpdatedAt = now

	if err := t.persistLocked(); err != nil {
		t.state = snapshot
		return err
	}

	if err := t.audit.Record(ActionForceRollback, targetID, reason, operator,
		fmt.Sprintf("deposed=%s", deposed.Genome.ID)); err != nil {
		t.logger.Warn("audit write failed after force-rollback", zap.Error(err))
	}

	t.logger.Info("champion rolled back",
		zap.String("restored", targetID),
		zap.String("operator", operator))
	return nil
}
