package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/heuristics"
	"github.com/afrid0126/Moneymuling/internal/ingest"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Runner executes analysis batches in the background, one goroutine per
// submission. Each session owns at most one live run: submitting again
// supersedes the previous run, whose result is thrown away.
type Runner struct {
	analyzer  Analyzer
	logger    *zap.Logger
	listener  func(Event) // Optional broadcast callback
	hooks     []Hook
	retention time.Duration
	hookWait  time.Duration

	mu       sync.RWMutex
	runs     map[string]*run
	sessions map[string]string // session id → live run id

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	// Counters (atomic for lock-free reads from the metrics endpoint)
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Analyzer is the part of heuristics.Engine the runner depends on
type Analyzer interface {
	Analyze(ctx context.Context, in heuristics.Input) (*models.AnalysisResult, error)
}

// State of a run
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateSuperseded State = "superseded"
)

// Finished reports whether the state is terminal.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateSuperseded
}

var (
	ErrRunNotFound = errors.New("run not found")
	ErrClosed      = errors.New("runner is shut down")
)

// Job is one submission
type Job struct {
	SessionID   string
	Batch       ingest.Batch
	Fingerprint string // Optional content hash, passed through to hooks
}

// Status is the externally visible state of a run
type Status struct {
	RunID            string     `json:"runId"`
	SessionID        string     `json:"sessionId"`
	State            State      `json:"state"`
	Phase            string     `json:"phase,omitempty"`
	Detail           string     `json:"detail,omitempty"`
	Error            string     `json:"error,omitempty"`
	TransactionCount int        `json:"transactionCount"`
	WasSampled       bool       `json:"wasSampled"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

// Event is pushed to the listener on every progress step and on completion
type Event struct {
	Type      string          `json:"type"` // progress/completed/failed/superseded
	RunID     string          `json:"runId"`
	SessionID string          `json:"sessionId"`
	Phase     string          `json:"phase,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
	Summary   *models.Summary `json:"summary,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Report is what completion hooks receive
type Report struct {
	RunID       string
	SessionID   string
	Fingerprint string
	Result      *models.AnalysisResult
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Hook runs after a run completes. Errors are logged and never change the
// run's outcome.
type Hook struct {
	Name string
	Fn   func(ctx context.Context, report Report) error
}

// Stats is a point-in-time view of the counters
type Stats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retained  int   `json:"retained"`
}

type run struct {
	status     Status
	job        Job
	result     *models.AnalysisResult
	superseded bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Option configures a Runner
type Option func(*Runner)

// WithListener registers the event callback.
func WithListener(fn func(Event)) Option {
	return func(r *Runner) { r.listener = fn }
}

// WithHooks appends completion hooks, run in order.
func WithHooks(hooks ...Hook) Option {
	return func(r *Runner) { r.hooks = append(r.hooks, hooks...) }
}

// WithRetention sets how long finished runs stay queryable.
func WithRetention(d time.Duration) Option {
	return func(r *Runner) { r.retention = d }
}

// WithHookTimeout bounds each completion hook.
func WithHookTimeout(d time.Duration) Option {
	return func(r *Runner) { r.hookWait = d }
}

func New(analyzer Analyzer, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		analyzer:  analyzer,
		logger:    logger.Named("runner"),
		retention: time.Hour,
		hookWait:  30 * time.Second,
		runs:      make(map[string]*run),
		sessions:  make(map[string]string),
		baseCtx:   ctx,
		stop:      cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit queues a job and returns its run id. A live run of the same session
// is superseded.
func (r *Runner) Submit(job Job) (string, error) {
	r.Prune(time.Now())

	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.baseCtx)
	rn := &run{
		status: Status{
			RunID:            runID,
			SessionID:        job.SessionID,
			State:            StateQueued,
			TransactionCount: len(job.Batch.Transactions),
			WasSampled:       job.Batch.WasSampled,
			SubmittedAt:      time.Now().UTC(),
		},
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	// Shutdown cancels while holding mu
	if r.baseCtx.Err() != nil {
		r.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	var previous *run
	if prevID, ok := r.sessions[job.SessionID]; ok {
		if prev := r.runs[prevID]; prev != nil && !prev.status.State.Finished() {
			previous = prev
			r.supersedeLocked(prev)
		}
	}
	r.runs[runID] = rn
	r.sessions[job.SessionID] = runID
	r.active.Add(1)
	r.wg.Add(1)
	r.mu.Unlock()

	if previous != nil {
		r.logger.Info("run superseded",
			zap.String("run_id", previous.status.RunID),
			zap.String("by", runID),
			zap.String("session", job.SessionID),
		)
		r.emit(Event{Type: string(StateSuperseded), RunID: previous.status.RunID, SessionID: job.SessionID})
	}

	go r.execute(ctx, rn)

	return runID, nil
}

func (r *Runner) supersedeLocked(prev *run) {
	prev.superseded = true
	prev.status.State = StateSuperseded
	now := time.Now().UTC()
	prev.status.FinishedAt = &now
	prev.cancel()
}

func (r *Runner) execute(ctx context.Context, rn *run) {
	defer r.wg.Done()
	defer r.active.Add(-1)
	defer close(rn.done)
	defer rn.cancel()

	runID, sessionID := rn.status.RunID, rn.status.SessionID
	started := time.Now().UTC()

	r.mu.Lock()
	if rn.superseded {
		r.mu.Unlock()
		return
	}
	rn.status.State = StateRunning
	rn.status.StartedAt = &started
	r.mu.Unlock()

	result, err := r.analyzer.Analyze(ctx, heuristics.Input{
		Transactions:  rn.job.Batch.Transactions,
		WasSampled:    rn.job.Batch.WasSampled,
		OriginalCount: rn.job.Batch.OriginalCount,
		Progress: func(phase, detail string) {
			if r.setPhase(rn, phase, detail) {
				r.emit(Event{Type: "progress", RunID: runID, SessionID: sessionID, Phase: phase, Detail: detail})
			}
		},
	})
	finished := time.Now().UTC()

	r.mu.Lock()
	if rn.superseded {
		r.mu.Unlock()
		r.logger.Debug("discarding superseded result", zap.String("run_id", runID))
		return
	}
	rn.status.FinishedAt = &finished
	if err != nil {
		rn.status.State = StateFailed
		rn.status.Error = err.Error()
	} else {
		rn.status.State = StateCompleted
		rn.result = result
	}
	if r.sessions[sessionID] == runID {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("analysis failed", zap.String("run_id", runID), zap.String("session", sessionID), zap.Error(err))
		r.emit(Event{Type: string(StateFailed), RunID: runID, SessionID: sessionID, Error: err.Error()})
		return
	}

	r.completed.Add(1)
	r.logger.Info("analysis completed",
		zap.String("run_id", runID),
		zap.String("session", sessionID),
		zap.Int("suspicious", result.Summary.SuspiciousAccountsFlagged),
		zap.Int("rings", result.Summary.FraudRingsDetected),
		zap.Duration("elapsed", finished.Sub(started)),
	)

	r.runHooks(Report{
		RunID:       runID,
		SessionID:   sessionID,
		Fingerprint: rn.job.Fingerprint,
		Result:      result,
		StartedAt:   started,
		FinishedAt:  finished,
	})

	summary := result.Summary
	r.emit(Event{Type: string(StateCompleted), RunID: runID, SessionID: sessionID, Summary: &summary})
}

// setPhase records progress unless the run was superseded meanwhile.
func (r *Runner) setPhase(rn *run, phase, detail string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn.superseded {
		return false
	}
	rn.status.Phase = phase
	rn.status.Detail = detail
	return true
}

func (r *Runner) runHooks(report Report) {
	for _, h := range r.hooks {
		ctx, cancel := context.WithTimeout(context.Background(), r.hookWait)
		err := safeHook(ctx, h, report)
		cancel()
		if err != nil {
			r.logger.Warn("completion hook failed",
				zap.String("hook", h.Name),
				zap.String("run_id", report.RunID),
				zap.Error(err),
			)
		}
	}
}

func safeHook(ctx context.Context, h Hook, report Report) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.Name, rec)
		}
	}()
	return h.Fn(ctx, report)
}

func (r *Runner) emit(ev Event) {
	if r.listener == nil {
		return
	}
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	r.listener(ev)
}

// Get returns a run's status and, once completed, its result.
func (r *Runner) Get(runID string) (Status, *models.AnalysisResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runs[runID]
	if !ok {
		return Status{}, nil, ErrRunNotFound
	}
	return rn.status, rn.result, nil
}

// Wait blocks until the run finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, runID string) (Status, *models.AnalysisResult, error) {
	r.mu.RLock()
	rn, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return Status{}, nil, ErrRunNotFound
	}

	select {
	case <-rn.done:
	case <-ctx.Done():
		return Status{}, nil, ctx.Err()
	}
	return r.Get(runID)
}

// Stats returns the current counters (thread-safe).
func (r *Runner) Stats() Stats {
	r.mu.RLock()
	retained := len(r.runs)
	r.mu.RUnlock()
	return Stats{
		Active:    r.active.Load(),
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Retained:  retained,
	}
}

// Prune forgets finished runs older than the retention window and returns
// how many were dropped.
func (r *Runner) Prune(now time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, rn := range r.runs {
		fin := rn.status.FinishedAt
		if rn.status.State.Finished() && fin != nil && fin.Before(cutoff) {
			delete(r.runs, id)
			dropped++
		}
	}
	return dropped
}

// StartJanitor prunes on an interval until ctx is cancelled.
func (r *Runner) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := r.Prune(now); n > 0 {
					r.logger.Debug("pruned finished runs", zap.Int("count", n))
				}
			}
		}
	}()
}

// Shutdown cancels live runs and waits for their goroutines.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
