// Package genome defines the shared data model for the discovery loop:
// candidate genomes, performance records, outcome levels, and the immutable
// per-iteration record appended to the history log.
package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// PRODUCER KINDS
// =============================================================================

// ProducerKind identifies which candidate source generated a genome.
type ProducerKind string

const (
	// ProducerLLM is the language-model candidate source.
	ProducerLLM ProducerKind = "llm"

	// ProducerRecombine is the structural-recombination candidate source.
	ProducerRecombine ProducerKind = "recombine"
)

// =============================================================================
// OUTCOME LEVELS
// =============================================================================

// OutcomeLevel is the ordinal classification of an iteration's result.
type OutcomeLevel int

const (
	// OutcomeFailed means generation or execution failed outright.
	OutcomeFailed OutcomeLevel = 0

	// OutcomeUnclassifiable means the candidate executed but produced no
	// usable metrics.
	OutcomeUnclassifiable OutcomeLevel = 1

	// OutcomeUnprofitable means the candidate produced valid metrics with a
	// non-positive edge.
	OutcomeUnprofitable OutcomeLevel = 2

	// OutcomeProfitable means the candidate produced valid metrics with a
	// positive edge.
	OutcomeProfitable OutcomeLevel = 3
)

// String returns a human-readable name for the outcome level.
func (o OutcomeLevel) String() string {
	switch o {
	case OutcomeFailed:
		return "failed"
	case OutcomeUnclassifiable:
		return "unclassifiable"
	case OutcomeUnprofitable:
		return "unprofitable"
	case OutcomeProfitable:
		return "profitable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// =============================================================================
// PERFORMANCE RECORD
// =============================================================================

// PerformanceRecord holds the metrics extracted from one backtest execution.
// Score is the primary metric used for champion comparison; the remaining
// fields form the secondary metric set.
type PerformanceRecord struct {
	Score       float64 `json:"score"`
	Return      float64 `json:"return"`
	MaxDrawdown float64 `json:"max_drawdown"`
	WinRate     float64 `json:"win_rate"`
	Trades      int     `json:"trades"`
	Expectancy  float64 `json:"expectancy"`
}

// Profitable reports whether the record shows a positive edge.
func (p *PerformanceRecord) Profitable() bool {
	return p.Return > 0 && p.Expectancy > 0
}

// =============================================================================
// GENOME
// =============================================================================

// Genome is one generated strategy candidate plus its derivation metadata.
// A genome is created once per iteration and never mutated after evaluation;
// archived copies are read-only.
type Genome struct {
	ID         string             `json:"id"`
	Source     string             `json:"source"`
	Params     map[string]float64 `json:"params,omitempty"`
	ParentIDs  []string           `json:"parent_ids,omitempty"`
	Generation int                `json:"generation"`
	Producer   ProducerKind       `json:"producer"`
	CreatedAt  time.Time          `json:"created_at"`

	// Metrics is set exactly once, after evaluation.
	Metrics *PerformanceRecord `json:"metrics,omitempty"`
}

// ContentID derives the content-addressed genome ID from source text and
// parameters. Parameters are folded in sorted key order so the ID is stable
// regardless of map iteration order.
func ContentID(source string, params map[string]float64) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(source)))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%g", k, params[k])
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// New builds a genome with its content-derived ID filled in.
func New(source string, params map[string]float64, producer ProducerKind, parents []string, generation int) *Genome {
	return &Genome{
		ID:         ContentID(source, params),
		Source:     source,
		Params:     params,
		ParentIDs:  parents,
		Generation: generation,
		Producer:   producer,
		CreatedAt:  time.Now().UTC(),
	}
}

// =============================================================================
// EXECUTION RESULT
// =============================================================================

// ExecutionResult is the raw outcome of running a candidate in isolation.
type ExecutionResult struct {
	Success   bool          `json:"success"`
	RawOutput string        `json:"raw_output"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// =============================================================================
// ITERATION RECORD
// =============================================================================

// IterationRecord is the immutable, append-only record of one completed
// iteration. It is written exactly once, at the end of the pipeline.
type IterationRecord struct {
	Iteration       int64              `json:"iteration"`
	Timestamp       time.Time          `json:"timestamp"`
	Producer        ProducerKind       `json:"producer"`
	GenomeID        string             `json:"genome_id,omitempty"`
	RawOutput       string             `json:"raw_output,omitempty"`
	Metrics         *PerformanceRecord `json:"metrics,omitempty"`
	Outcome         OutcomeLevel       `json:"outcome"`
	ChampionUpdated bool               `json:"champion_updated"`
	Error           string             `json:"error,omitempty"`
}
