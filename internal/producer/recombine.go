package producer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"alphaforge/internal/genome"
)

// Recombiner breeds candidates from archived parents: line-block crossover
// on the source plus jittered parameter mutation. It is cheap and keeps the
// loop productive when the LLM is slow, rate-limited or unavailable.
type Recombiner struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger *zap.Logger
}

// NewRecombiner creates a recombiner with a fixed seed for reproducible
// breeding sequences.
func NewRecombiner(seed int64, logger *zap.Logger) *Recombiner {
	return &Recombiner{rng: rand.New(rand.NewSource(seed)), logger: logger}
}

// Kind implements Producer.
func (r *Recombiner) Kind() genome.ProducerKind { return genome.ProducerRecombine }

// Produce implements Producer. It needs at least two exemplars to breed.
func (r *Recombiner) Produce(_ context.Context, fb *Feedback) (*genome.Genome, error) {
	if len(fb.Exemplars) < 2 {
		return nil, fmt.Errorf("recombination needs at least 2 archived parents, have %d", len(fb.Exemplars))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := fb.Exemplars[r.rng.Intn(len(fb.Exemplars))]
	b := a
	for b == a {
		b = fb.Exemplars[r.rng.Intn(len(fb.Exemplars))]
	}

	source := r.crossover(a.Source, b.Source)
	params := r.mutateParams(a.Params, b.Params)

	gen := a.Generation
	if b.Generation > gen {
		gen = b.Generation
	}

	child := genome.New(source, params, genome.ProducerRecombine, []string{a.ID, b.ID}, gen+1)
	r.logger.Debug("bred candidate",
		zap.String("child", child.ID),
		zap.String("parent_a", a.ID),
		zap.String("parent_b", b.ID))
	return child, nil
}

// crossover splices a prefix of one parent's source onto a suffix of the
// other at line granularity. Single-point, the way a genome splits cleanly.
func (r *Recombiner) crossover(a, b string) string {
	linesA := strings.Split(a, "\n")
	linesB := strings.Split(b, "\n")
	if len(linesA) < 2 || len(linesB) < 2 {
		return a
	}

	cutA := 1 + r.rng.Intn(len(linesA)-1)
	cutB := 1 + r.rng.Intn(len(linesB)-1)

	child := make([]string, 0, cutA+len(linesB)-cutB)
	child = append(child, linesA[:cutA]...)
	child = append(child, linesB[cutB:]...)
	return strings.Join(child, "\n")
}

// mutateParams merges both parents' parameter sets, then jitters each value
// by up to ±15%. Values keep their sign so thresholds do not flip meaning.
func (r *Recombiner) mutateParams(a, b map[string]float64) map[string]float64 {
	merged := make(map[string]float64, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		if _, taken := merged[k]; !taken || r.rng.Float64() < 0.5 {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}

	// Deterministic iteration order keeps the rng sequence stable for a
	// given seed.
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]float64, len(merged))
	for _, k := range keys {
		jitter := 1 + (r.rng.Float64()*2-1)*0.15
		out[k] = merged[k] * jitter
	}
	return out
}
