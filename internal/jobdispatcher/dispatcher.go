package jobdispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/internal/sessionactor"
	"github.com/reelnotes/sessioncore/pkg/types"

	"github.com/reelnotes/sessioncore/internal/bus"
)

// Config tunes the dispatcher's worker pool, retry budget, and idempotency
// window.
type Config struct {
	Workers        int // default 4
	MaxAttempts    int // default 3
	IdempotencyTTL time.Duration // default 60s
	Retry          resilience.RetryConfig
	Breaker        resilience.CircuitBreakerConfig
	QueueCapacity  int // default 256
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 60 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.Breaker.ResetTimeout <= 0 {
		c.Breaker.ResetTimeout = 10 * time.Second
	}
	return c
}

// Executor runs a single job kind to completion. post_note and
// refine_with_vision each get their own Executor implementation; an
// unregistered kind fails permanently rather than retrying.
type Executor interface {
	Execute(ctx context.Context, noteID string, payload map[string]any) error
}

// Dispatcher is the JobDispatcher: a bounded pool of workers draining a
// single job queue, with per-kind executors, per-call retry/breaker
// discipline, and dead-lettering once a job's attempt budget is exhausted.
type Dispatcher struct {
	bus       *bus.Bus
	notes     notestore.Store
	cfg       Config
	executors map[types.JobKind]Executor
	breaker   *resilience.CircuitBreaker
	metrics   *observe.Metrics
	logger    *slog.Logger

	sem   *semaphore.Weighted
	queue chan job

	idemMu sync.Mutex
	idem   map[idempotencyKey]time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Dispatcher. Register executors for each job kind with
// RegisterExecutor before calling Start.
func New(b *bus.Bus, notes notestore.Store, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "jobdispatcher"
	}
	return &Dispatcher{
		bus:       b,
		notes:     notes,
		cfg:       cfg,
		executors: make(map[types.JobKind]Executor),
		breaker:   resilience.NewCircuitBreaker(cfg.Breaker),
		metrics:   metrics,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		queue:     make(chan job, cfg.QueueCapacity),
		idem:      make(map[idempotencyKey]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// RegisterExecutor associates kind with an Executor. Must be called before
// Start.
func (d *Dispatcher) RegisterExecutor(kind types.JobKind, exec Executor) {
	d.executors[kind] = exec
}

// Start launches the dispatch loop, which admits jobs from the queue onto
// the worker semaphore as capacity allows. It returns once ctx is cancelled
// or Stop is called, waiting for in-flight jobs to finish first.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case j := <-d.queue:
				if err := d.sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				d.wg.Add(1)
				go func(j job) {
					defer d.sem.Release(1)
					defer d.wg.Done()
					d.execute(gctx, j)
				}(j)
			case <-d.stopCh:
				d.wg.Wait()
				return nil
			case <-gctx.Done():
				d.wg.Wait()
				return nil
			}
		}
	})
	return g.Wait()
}

// Stop halts the dispatch loop after draining in-flight jobs.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Enqueue implements sessionactor.JobEnqueuer. A duplicate (kind, noteID)
// pair within Config.IdempotencyTTL is silently accepted without being
// re-queued.
func (d *Dispatcher) Enqueue(ctx context.Context, kind types.JobKind, noteID string, payload map[string]any) error {
	key := idempotencyKey{kind: kind, noteID: noteID}

	d.idemMu.Lock()
	if until, ok := d.idem[key]; ok && time.Now().Before(until) {
		d.idemMu.Unlock()
		return nil
	}
	d.idem[key] = time.Now().Add(d.cfg.IdempotencyTTL)
	d.idemMu.Unlock()

	j := job{kind: kind, noteID: noteID, payload: payload, queuedAt: time.Now()}

	select {
	case d.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("jobdispatcher: queue full, dropping %s for note %s", kind, noteID)
	}
}

// execute runs j against its registered executor, retrying transient
// failures up to Config.MaxAttempts before dead-lettering.
func (d *Dispatcher) execute(ctx context.Context, j job) {
	exec, ok := d.executors[j.kind]
	if !ok {
		d.logger.Error("jobdispatcher: no executor registered", "kind", j.kind, "note_id", j.noteID)
		d.deadLetter(ctx, j, fmt.Errorf("no executor registered for kind %q", j.kind))
		return
	}

	d.publishStatus(ctx, j, types.JobRunning, nil)

	retryCfg := d.cfg.Retry
	retryCfg.MaxAttempts = d.cfg.MaxAttempts

	start := time.Now()
	err := resilience.Retry(ctx, retryCfg, func(attemptCtx context.Context) error {
		j.attempts++
		breakerErr := d.breaker.Execute(func() error {
			return exec.Execute(attemptCtx, j.noteID, j.payload)
		})
		if d.metrics != nil {
			status := "ok"
			if breakerErr != nil {
				status = "error"
			}
			d.metrics.RecordProviderRequest(attemptCtx, "jobdispatcher", string(j.kind), status)
		}
		if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
			if d.metrics != nil {
				d.metrics.RecordBreakerTrip(attemptCtx, "jobdispatcher")
			}
			return &retryableError{cause: breakerErr}
		}
		return breakerErr
	})
	if d.metrics != nil {
		d.metrics.JobExecutionDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		d.deadLetter(ctx, j, err)
		return
	}
	d.publishStatus(ctx, j, types.JobSucceeded, nil)
}

// retryableError marks circuit-breaker rejections as retryable so
// resilience.Retry keeps attempting within the job's attempt budget.
type retryableError struct{ cause error }

func (e *retryableError) Error() string  { return e.cause.Error() }
func (e *retryableError) Unwrap() error  { return e.cause }
func (e *retryableError) Retryable() bool { return true }

func (d *Dispatcher) deadLetter(ctx context.Context, j job, cause error) {
	d.logger.Error("jobdispatcher: job dead-lettered", "kind", j.kind, "note_id", j.noteID, "attempts", j.attempts, "error", cause)
	if d.metrics != nil {
		d.metrics.RecordJobDeadLettered(ctx, string(j.kind))
	}
	errReason := cause.Error()
	failed := types.NoteFailed
	if d.notes != nil {
		if _, uerr := d.notes.Update(ctx, j.noteID, notestore.Patch{Status: &failed, ErrorReason: &errReason}, time.Time{}); uerr != nil {
			d.logger.Error("jobdispatcher: failed to mark note failed", "note_id", j.noteID, "error", uerr)
		}
	}
	d.publishStatus(ctx, j, types.JobDeadLetter, map[string]any{"error": errReason})
}

// publishStatus looks up the note's owning session and publishes a
// job_status event both to the session topic, carrying a
// sessionactor.JobStatus payload the SupervisorTree forwards into the
// SessionActor's mailbox unchanged, and to the note's own topic, where
// UI/gateway subscribers watching that single note's progress pick it up
// without subscribing to the whole session.
func (d *Dispatcher) publishStatus(ctx context.Context, j job, state types.JobState, payload map[string]any) {
	if d.bus == nil || d.notes == nil {
		return
	}
	note, err := d.notes.Get(ctx, j.noteID)
	if err != nil {
		d.logger.Warn("jobdispatcher: cannot locate note for status publish", "note_id", j.noteID, "error", err)
		return
	}
	status := sessionactor.JobStatus{
		NoteID:  j.noteID,
		JobKind: j.kind,
		State:   state,
		Payload: payload,
	}
	d.bus.Publish(ctx, "session:"+note.SessionID, "job_status", status)
	d.bus.Publish(ctx, "note:"+j.noteID, "job_status", status)
}
