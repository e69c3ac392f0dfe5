package novelty

import (
	"sync"

	"go.uber.org/zap"

	"alphaforge/internal/genome"
)

// Scorer computes novelty scores with a compute-once, cache-by-id vector
// arena. Re-parsing every archived genome on every admission check does not
// scale past a few hundred entries; after the first extraction a check is an
// O(1) lookup plus an O(n) comparison.
type Scorer struct {
	mu     sync.RWMutex
	cache  map[string]FeatureVector
	logger *zap.Logger
}

// NewScorer creates a novelty scorer.
func NewScorer(logger *zap.Logger) *Scorer {
	return &Scorer{
		cache:  make(map[string]FeatureVector),
		logger: logger,
	}
}

// Vector returns the cached feature vector for a genome, extracting and
// caching it on first sight.
func (s *Scorer) Vector(g *genome.Genome) FeatureVector {
	s.mu.RLock()
	if v, ok := s.cache[g.ID]; ok {
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	v := Extract(g)

	s.mu.Lock()
	s.cache[g.ID] = v
	s.mu.Unlock()

	s.logger.Debug("feature vector extracted",
		zap.String("genome", g.ID),
		zap.String("features", v.describe()))
	return v
}

// Seed registers a previously persisted vector without re-extraction.
func (s *Scorer) Seed(genomeID string, v FeatureVector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[genomeID] = v
}

// Forget drops a genome's cached vector (used after eviction).
func (s *Scorer) Forget(genomeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, genomeID)
}

// CacheSize returns the number of cached vectors.
func (s *Scorer) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Score returns the novelty of a candidate vector against a population:
// the cosine distance to the nearest archived vector, in [0,1]. An empty
// population yields maximal novelty. An exact duplicate yields 0.
func (s *Scorer) Score(candidate FeatureVector, population []FeatureVector) float64 {
	if len(population) == 0 {
		return 1
	}

	minDist := 1.0
	for _, p := range population {
		dist := 1 - cosineSimilarity(candidate, p)
		if dist < minDist {
			minDist = dist
		}
		if minDist == 0 {
			break
		}
	}
	if minDist < 0 {
		minDist = 0
	}
	return minDist
}
