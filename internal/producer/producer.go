// Package producer generates candidate strategies. Two sources feed the
// loop: an LLM prompted with feedback from recent iterations, and a
// recombiner that crosses archived parents. A weighted selector decides per
// iteration which one runs.
package producer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"alphaforge/internal/genome"
)

// Feedback is the context handed to a producer for one iteration: what the
// current champion looks like, how hard the bar is, what recently happened
// and which archived strategies are worth learning from.
type Feedback struct {
	Champion    *genome.Genome
	ChampionAge int64
	RequiredBar float64
	Recent      []genome.IterationRecord
	Exemplars   []*genome.Genome
}

// Producer generates one candidate genome.
type Producer interface {
	// Produce returns a new candidate. A nil genome with a nil error is
	// never returned.
	Produce(ctx context.Context, fb *Feedback) (*genome.Genome, error)
	// Kind identifies the producer in iteration records.
	Kind() genome.ProducerKind
}

// Selector weights choices between the LLM and the recombiner. The
// recombiner needs at least two archived parents; until the archive has
// them, every iteration goes to the LLM.
type Selector struct {
	mu        sync.Mutex
	llm       Producer
	recombine Producer
	llmWeight float64
	rng       *rand.Rand
	logger    *zap.Logger
}

// NewSelector builds a weighted selector. seed fixes the choice sequence for
// reproducible runs.
func NewSelector(llm, recombine Producer, llmWeight float64, seed int64, logger *zap.Logger) (*Selector, error) {
	if llm == nil {
		return nil, fmt.Errorf("selector requires an llm producer")
	}
	if llmWeight < 0 || llmWeight > 1 {
		return nil, fmt.Errorf("llm weight %v outside [0,1]", llmWeight)
	}
	return &Selector{
		llm:       llm,
		recombine: recombine,
		llmWeight: llmWeight,
		rng:       rand.New(rand.NewSource(seed)),
		logger:    logger,
	}, nil
}

// Pick chooses the producer for this iteration.
func (s *Selector) Pick(fb *Feedback) Producer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recombine == nil || len(fb.Exemplars) < 2 {
		return s.llm
	}
	if s.rng.Float64() < s.llmWeight {
		return s.llm
	}
	return s.recombine
}
