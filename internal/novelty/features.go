// Package novelty reduces strategy genomes to fixed-length structural feature
// vectors and scores candidates by nearest-neighbor cosine distance against an
// archived population. A single near-duplicate is enough to reject: the score
// is the worst-case (minimum) distance, not an average.
package novelty

import (
	"math"
	"regexp"
	"strings"

	"alphaforge/internal/genome"
)

// VectorDim is the fixed feature-vector length.
const VectorDim = 28

// FeatureVector is a structural fingerprint of a strategy: which data fields,
// indicator categories, operator kinds and filter patterns it uses, plus
// parameter magnitude buckets. Raw source text is never compared directly.
type FeatureVector [VectorDim]float64

// Feature layout. Counts, not booleans: a strategy leaning on three EMA
// crossovers is structurally different from one using a single EMA.
const (
	// Data field references
	featClose = iota
	featOpen
	featHigh
	featLow
	featVolume

	// Indicator categories
	featEMA
	featSMA
	featRSI
	featATR
	featBollinger
	featMACD
	featOBV
	featADX
	featMFI
	featROC

	// Operator categories
	featCompare
	featLogicAnd
	featLogicOr
	featCrossover
	featArithmetic

	// Filter / risk patterns
	featRegime
	featTrend
	featStop
	featTakeProfit
	featTrail

	// Parameter magnitude buckets: |v| < 1, < 100, >= 100
	featParamSmall
	featParamMedium
	featParamLarge
)

var featurePatterns = []struct {
	idx     int
	pattern *regexp.Regexp
}{
	{featClose, regexp.MustCompile(`(?i)\bclose\b`)},
	{featOpen, regexp.MustCompile(`(?i)\bopen\b`)},
	{featHigh, regexp.MustCompile(`(?i)\bhigh\b`)},
	{featLow, regexp.MustCompile(`(?i)\blow\b`)},
	{featVolume, regexp.MustCompile(`(?i)\bvol(ume)?\b`)},

	{featEMA, regexp.MustCompile(`(?i)\bema\d*\b`)},
	{featSMA, regexp.MustCompile(`(?i)\bsma\d*\b`)},
	{featRSI, regexp.MustCompile(`(?i)\brsi\d*\b`)},
	{featATR, regexp.MustCompile(`(?i)\batr\d*\b`)},
	{featBollinger, regexp.MustCompile(`(?i)\b(bb|bollinger)\w*\b`)},
	{featMACD, regexp.MustCompile(`(?i)\bmacd\w*\b`)},
	{featOBV, regexp.MustCompile(`(?i)\bobv\b`)},
	{featADX, regexp.MustCompile(`(?i)\b(adx|plusdi|minusdi)\b`)},
	{featMFI, regexp.MustCompile(`(?i)\bmfi\d*\b`)},
	{featROC, regexp.MustCompile(`(?i)\broc\d*\b`)},

	{featCompare, regexp.MustCompile(`[<>]=?`)},
	{featLogicAnd, regexp.MustCompile(`&&`)},
	{featLogicOr, regexp.MustCompile(`\|\|`)},
	{featCrossover, regexp.MustCompile(`(?i)\bcross(es|over|under)?\b`)},
	{featArithmetic, regexp.MustCompile(`[+\-*/]`)},

	{featRegime, regexp.MustCompile(`(?i)\bregime\b`)},
	{featTrend, regexp.MustCompile(`(?i)\btrend\w*\b`)},
	{featStop, regexp.MustCompile(`(?i)\bstop\w*\b`)},
	{featTakeProfit, regexp.MustCompile(`(?i)\b(take_?profit|target)\b`)},
	{featTrail, regexp.MustCompile(`(?i)\btrail\w*\b`)},
}

// Extract computes the structural feature vector for a genome. Comments are
// stripped first: commentary is text, not structure.
func Extract(g *genome.Genome) FeatureVector {
	var v FeatureVector
	src := stripComments(g.Source)

	for _, fp := range featurePatterns {
		matches := fp.pattern.FindAllStringIndex(src, -1)
		v[fp.idx] = float64(len(matches))
	}

	for _, val := range g.Params {
		switch abs := math.Abs(val); {
		case abs < 1:
			v[featParamSmall]++
		case abs < 100:
			v[featParamMedium]++
		default:
			v[featParamLarge]++
		}
	}

	return v
}

// stripComments removes line and block comments from strategy source.
// String literals pass through untouched so a "//" inside one is kept.
func stripComments(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	for i := 0; i < len(src); {
		switch c := src[i]; c {
		case '"', '\'':
			b.WriteByte(c)
			i++
			for i < len(src) {
				b.WriteByte(src[i])
				if src[i] == '\\' {
					i++
					if i < len(src) {
						b.WriteByte(src[i])
						i++
					}
					continue
				}
				if src[i] == c {
					i++
					break
				}
				i++
			}
		case '`':
			b.WriteByte(c)
			i++
			for i < len(src) {
				b.WriteByte(src[i])
				if src[i] == '`' {
					i++
					break
				}
				i++
			}
		case '/':
			switch {
			case i+1 < len(src) && src[i+1] == '/':
				for i < len(src) && src[i] != '\n' {
					i++
				}
			case i+1 < len(src) && src[i+1] == '*':
				i += 2
				for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				i += 2
				if i > len(src) {
					i = len(src)
				}
				b.WriteByte(' ')
			default:
				b.WriteByte(c)
				i++
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// IsZero reports whether the vector has no structural signal at all, which
// happens only for degenerate candidates (empty or non-strategy text).
func (v FeatureVector) IsZero() bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Two zero vectors are treated as identical; one zero vector is maximally
// dissimilar to anything with signal.
func cosineSimilarity(a, b FeatureVector) float64 {
	var dot, normA, normB float64
	for i := 0; i < VectorDim; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 && normB == 0 {
		return 1
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// describe is used in log output: the dominant structural categories.
func (v FeatureVector) describe() string {
	names := []string{
		"close", "open", "high", "low", "volume",
		"ema", "sma", "rsi", "atr", "bollinger", "macd", "obv", "adx", "mfi", "roc",
		"compare", "and", "or", "crossover", "arith",
		"regime", "trend", "stop", "takeprofit", "trail",
		"p<1", "p<100", "p>=100",
	}
	var parts []string
	for i, x := range v {
		if x > 0 {
			parts = append(parts, names[i])
		}
	}
	if len(parts) == 0 {
		return "(empty)"
	}
	return strings.Join(parts, ",")
}
