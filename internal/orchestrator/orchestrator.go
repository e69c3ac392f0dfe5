// Package orchestrator drives the discovery loop: produce a candidate, run
// it, grade it, challenge the champion, offer it to the archive, log what
// happened. Each iteration is self-contained; a failure grades the iteration
// and the loop moves on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alphaforge/internal/champion"
	"alphaforge/internal/config"
	"alphaforge/internal/genome"
	"alphaforge/internal/history"
	"alphaforge/internal/producer"
	"alphaforge/internal/repository"
)

// State is the loop lifecycle phase.
type State string

const (
	StateInitializing  State = "initializing"
	StateIterating     State = "iterating"
	StateInterrupting  State = "interrupting"
	StateCheckpointing State = "checkpointing"
	StateTerminated    State = "terminated"
)

// Executor runs one candidate against the market data window.
type Executor interface {
	Execute(ctx context.Context, g *genome.Genome, input string) *genome.ExecutionResult
}

// OutcomeClassifier grades one execution result.
type OutcomeClassifier interface {
	Classify(res *genome.ExecutionResult) (genome.OutcomeLevel, *genome.PerformanceRecord)
}

// ProducerPicker selects the candidate source for one iteration.
type ProducerPicker interface {
	Pick(fb *producer.Feedback) producer.Producer
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Picker     ProducerPicker
	Executor   Executor
	Classifier OutcomeClassifier
	Champion   *champion.Tracker
	Repository *repository.Repository
	History    *history.Log

	// Input is the serialized market data window every candidate runs
	// against.
	Input string
}

// Report summarizes a finished run.
type Report struct {
	RunID       string                      `json:"run_id"`
	Completed   int64                       `json:"completed"`
	Promotions  int64                       `json:"promotions"`
	Admissions  int64                       `json:"admissions"`
	Outcomes    map[genome.OutcomeLevel]int `json:"outcomes"`
	BestScore   float64                     `json:"best_score"`
	Interrupted bool                        `json:"interrupted"`
}

// Orchestrator owns the iteration loop and its lifecycle state.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	nextIter int64
	report   Report
}

// New builds an orchestrator in the initializing state. Every run gets its
// own id so interleaved log streams stay attributable.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Orchestrator {
	runID := uuid.NewString()
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("run_id", runID)),
		state:  StateInitializing,
		report: Report{RunID: runID, Outcomes: make(map[genome.OutcomeLevel]int)},
	}
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	o.logger.Info("state transition", zap.String("from", string(prev)), zap.String("to", string(s)))
}

// Run executes up to MaxIterations iterations, resuming numbering from the
// history log. Cancelling ctx interrupts cleanly: the in-flight iteration
// finishes, a checkpoint lands, and Run returns without error.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	last, err := o.deps.History.LastIteration()
	if err != nil {
		return nil, fmt.Errorf("failed to read history for resumption: %w", err)
	}
	o.mu.Lock()
	o.nextIter = last + 1
	o.mu.Unlock()

	o.logger.Info("discovery loop starting",
		zap.Int64("resume_from", last+1),
		zap.Int64("budget", o.cfg.Run.MaxIterations))
	o.setState(StateIterating)

	for done := int64(0); done < o.cfg.Run.MaxIterations; done++ {
		if ctx.Err() != nil {
			return o.shutdown(true)
		}
		if err := o.runIteration(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return o.shutdown(true)
			}
			// Only persistence exhaustion stops the loop; everything a
			// candidate can do wrong was already graded into a record.
			o.shutdown(true)
			return nil, err
		}
		if every := o.cfg.Run.SummaryEvery; every > 0 && (done+1)%every == 0 {
			o.logSummary()
		}
	}

	return o.shutdown(false)
}

// runIteration performs one full produce-execute-grade-archive-log cycle.
// The iteration number is claimed only once the work is done, so a crash
// mid-iteration never burns a number.
func (o *Orchestrator) runIteration(ctx context.Context) error {
	fb := o.buildFeedback()
	src := o.deps.Picker.Pick(fb)

	rec := &genome.IterationRecord{
		Timestamp: time.Now().UTC(),
		Producer:  src.Kind(),
	}

	cand, err := src.Produce(ctx, fb)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupt, not a producer fault. Abandon without a record;
			// the iteration number was never claimed.
			return ctx.Err()
		}
		rec.Outcome = genome.OutcomeFailed
		rec.Error = fmt.Sprintf("candidate generation failed: %v", err)
		o.logger.Warn("candidate generation failed", zap.Error(err))
		return o.commit(rec)
	}
	rec.GenomeID = cand.ID

	res := o.deps.Executor.Execute(ctx, cand, o.deps.Input)
	if ctx.Err() != nil && (res == nil || !res.Success) {
		return ctx.Err()
	}
	level, perf := o.deps.Classifier.Classify(res)
	rec.Outcome = level
	rec.Metrics = perf
	if res != nil {
		rec.RawOutput = capOutput(res.RawOutput)
		rec.Error = res.Error
	}

	if perf != nil {
		evaluated := *cand
		evaluated.Metrics = perf

		decision, err := o.deps.Champion.Evaluate(&evaluated, perf)
		if err != nil {
			// Champion state rolled back; the iteration still counts.
			o.logger.Error("champion persistence failed", zap.Error(err))
			rec.Error = joinErr(rec.Error, err.Error())
		}
		rec.ChampionUpdated = decision.Promoted
		if decision.Promoted {
			o.bump(func(r *Report) { r.Promotions++ })
		}

		admit, err := o.deps.Repository.Admit(&evaluated)
		if err != nil {
			o.logger.Error("archive admission failed", zap.Error(err))
			rec.Error = joinErr(rec.Error, err.Error())
		} else if admit.Admitted {
			o.bump(func(r *Report) { r.Admissions++ })
		}

		o.bump(func(r *Report) {
			if perf.Score > r.BestScore {
				r.BestScore = perf.Score
			}
		})
	}

	return o.commit(rec)
}

// commit assigns the iteration number and appends the record, retrying with
// backoff. Exhausting the retries blocks further advancement: an iteration
// that cannot be recorded must not be followed by another.
func (o *Orchestrator) commit(rec *genome.IterationRecord) error {
	o.mu.Lock()
	rec.Iteration = o.nextIter
	o.mu.Unlock()

	backoff, err := o.cfg.PersistBackoffDuration()
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= o.cfg.Run.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
		}
		if lastErr = o.deps.History.Append(rec); lastErr == nil {
			o.mu.Lock()
			o.nextIter++
			o.report.Completed++
			o.report.Outcomes[rec.Outcome]++
			o.mu.Unlock()

			o.logger.Info("iteration complete",
				zap.Int64("iteration", rec.Iteration),
				zap.String("producer", string(rec.Producer)),
				zap.String("outcome", rec.Outcome.String()),
				zap.Bool("champion_updated", rec.ChampionUpdated))
			return nil
		}
		o.logger.Warn("history append failed",
			zap.Int64("iteration", rec.Iteration),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("history persistence exhausted after %d attempts: %w",
		o.cfg.Run.PersistRetries+1, lastErr)
}

// buildFeedback assembles the producer context from current champion state,
// recent history and archive exemplars.
func (o *Orchestrator) buildFeedback() *producer.Feedback {
	snap := o.deps.Champion.Snapshot()

	fb := &producer.Feedback{
		Champion:    snap.Champion,
		ChampionAge: snap.Age,
	}
	if snap.Champion != nil {
		fb.RequiredBar = snap.PrimaryMetric * (1 + o.deps.Champion.RequiredImprovement(snap.Age))
	}

	if recent, err := o.deps.History.Recent(o.cfg.Run.FeedbackWindow); err == nil {
		fb.Recent = make([]genome.IterationRecord, len(recent))
		for i, r := range recent {
			fb.Recent[i] = *r
		}
	} else {
		o.logger.Warn("failed to read recent history", zap.Error(err))
	}

	for _, e := range o.deps.Repository.Sample(4) {
		fb.Exemplars = append(fb.Exemplars, e.Genome)
	}
	return fb
}

// shutdown runs the interrupt path: finish, checkpoint, terminate.
func (o *Orchestrator) shutdown(interrupted bool) (*Report, error) {
	if interrupted {
		o.setState(StateInterrupting)
	}
	o.setState(StateCheckpointing)

	// Champion and archive state persist at mutation time; the history log
	// syncs per append. The checkpoint just seals the run with a summary.
	o.logSummary()

	o.setState(StateTerminated)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.report.Interrupted = interrupted
	out := o.report
	out.Outcomes = make(map[genome.OutcomeLevel]int, len(o.report.Outcomes))
	for k, v := range o.report.Outcomes {
		out.Outcomes[k] = v
	}
	return &out, nil
}

func (o *Orchestrator) bump(f func(*Report)) {
	o.mu.Lock()
	f(&o.report)
	o.mu.Unlock()
}

func (o *Orchestrator) logSummary() {
	o.mu.Lock()
	completed := o.report.Completed
	promotions := o.report.Promotions
	admissions := o.report.Admissions
	best := o.report.BestScore
	profitable := o.report.Outcomes[genome.OutcomeProfitable]
	failed := o.report.Outcomes[genome.OutcomeFailed]
	o.mu.Unlock()

	stats := o.deps.Repository.Statistics()
	snap := o.deps.Champion.Snapshot()

	o.logger.Info("run summary",
		zap.Int64("completed", completed),
		zap.Int64("promotions", promotions),
		zap.Int64("admissions", admissions),
		zap.Int("profitable", profitable),
		zap.Int("failed", failed),
		zap.Float64("best_score", best),
		zap.Float64("champion_score", snap.PrimaryMetric),
		zap.Int64("champion_age", snap.Age),
		zap.Int("archive_total", stats.Total))
}

// maxRawOutput bounds the raw output stored per history record so one
// chatty strategy cannot bloat the log.
const maxRawOutput = 64 * 1024

func capOutput(s string) string {
	if len(s) <= maxRawOutput {
		return s
	}
	return s[:maxRawOutput] + "...[truncated]"
}

func joinErr(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
