// Package metrics turns raw strategy output into structured performance
// records and classifies iteration outcomes on an ordinal scale.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"alphaforge/internal/genome"
)

// Extractor pulls a performance record out of raw executor output.
// Strategies report results as a JSON object; anything the strategy printed
// around it is tolerated, and the last well-formed object wins.
type Extractor struct{}

// NewExtractor returns a ready Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// rawMetrics mirrors the reporting contract strategies follow. Score carries
// the primary metric; "sharpe" is accepted as an alias since most backtest
// harnesses report it under that name.
type rawMetrics struct {
	Score       *float64 `json:"score"`
	Sharpe      *float64 `json:"sharpe"`
	Return      float64  `json:"return"`
	MaxDrawdown float64  `json:"max_drawdown"`
	WinRate     float64  `json:"win_rate"`
	Trades      int      `json:"trades"`
	Expectancy  float64  `json:"expectancy"`
}

// Extract parses the last JSON object found in raw output into a performance
// record. Returns an error when no object parses or the primary metric is
// missing or non-finite.
func (e *Extractor) Extract(raw string) (*genome.PerformanceRecord, error) {
	obj, err := lastJSONObject(raw)
	if err != nil {
		return nil, err
	}

	var rm rawMetrics
	if err := json.Unmarshal([]byte(obj), &rm); err != nil {
		return nil, fmt.Errorf("metrics object does not parse: %w", err)
	}

	primary := rm.Score
	if primary == nil {
		primary = rm.Sharpe
	}
	if primary == nil {
		return nil, fmt.Errorf("metrics object carries no primary metric")
	}
	if math.IsNaN(*primary) || math.IsInf(*primary, 0) {
		return nil, fmt.Errorf("primary metric is not finite")
	}

	return &genome.PerformanceRecord{
		Score:       *primary,
		Return:      rm.Return,
		MaxDrawdown: rm.MaxDrawdown,
		WinRate:     rm.WinRate,
		Trades:      rm.Trades,
		Expectancy:  rm.Expectancy,
	}, nil
}

// lastJSONObject finds the final balanced top-level {...} block in text.
// Brace tracking respects string literals so braces inside reported strings
// do not break the scan.
func lastJSONObject(text string) (string, error) {
	start, depth := -1, 0
	inString, escaped := false, false
	var found string

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						found = candidate
					}
					start = -1
				}
			}
		}
	}

	if found == "" {
		if strings.TrimSpace(text) == "" {
			return "", fmt.Errorf("empty output")
		}
		return "", fmt.Errorf("no JSON object in output")
	}
	return found, nil
}

// Classifier maps execution results onto the ordinal outcome scale.
type Classifier struct {
	extractor *Extractor
}

// NewClassifier returns a classifier backed by the given extractor.
func NewClassifier(e *Extractor) *Classifier {
	return &Classifier{extractor: e}
}

// Classify grades one iteration. Higher levels strictly dominate lower ones:
// a strategy cannot be profitable without having produced parseable metrics,
// and cannot produce metrics without having run.
func (c *Classifier) Classify(res *genome.ExecutionResult) (genome.OutcomeLevel, *genome.PerformanceRecord) {
	if res == nil || !res.Success {
		return genome.OutcomeFailed, nil
	}

	rec, err := c.extractor.Extract(res.RawOutput)
	if err != nil {
		return genome.OutcomeUnclassifiable, nil
	}

	if rec.Profitable() {
		return genome.OutcomeProfitable, rec
	}
	return genome.OutcomeUnprofitable, rec
}
