// Package supervisor wires every sessioncore subsystem into a single
// SupervisorTree: the MessageBus, SessionRegistry, JobDispatcher, and the
// NoteStore/checkpoint/provider clients each SessionActor depends on.
//
// Grounded on the teacher's internal/app.App: ordered init helpers append to
// a closers slice, Run blocks on context cancellation, and Shutdown tears
// down in order while respecting a deadline.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/checkpoint"
	checkpointpg "github.com/reelnotes/sessioncore/internal/checkpoint/postgres"
	"github.com/reelnotes/sessioncore/internal/config"
	"github.com/reelnotes/sessioncore/internal/jobdispatcher"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/internal/notestore/memstore"
	"github.com/reelnotes/sessioncore/internal/notestore/postgres"
	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/registry"
	"github.com/reelnotes/sessioncore/internal/resilience"
	"github.com/reelnotes/sessioncore/internal/sessionactor"
	"github.com/reelnotes/sessioncore/internal/structuring"
	"github.com/reelnotes/sessioncore/internal/transcription"
	"github.com/reelnotes/sessioncore/pkg/types"
)

// Tree owns the full subsystem lifecycle for a sessioncore process: the
// MessageBus, SessionRegistry, JobDispatcher, and the shared clients every
// SessionActor is constructed against.
type Tree struct {
	cfg config.Config

	Bus         *bus.Bus
	Notes       notestore.Store
	Checkpoints checkpoint.Store
	Transcriber *transcription.Client
	Structurer  *structuring.Client
	Dispatcher  *jobdispatcher.Dispatcher
	Sessions    *registry.Registry

	metrics  *observe.Metrics
	logger   *slog.Logger
	restarts *restartIntensity

	closers  []func() error
	stopOnce sync.Once
}

// restartIntensityWindow and maxRestartsPerWindow bound how many times the
// SupervisorTree will restart the same crashing session actor before giving
// up on it, mirroring an OTP-style restart intensity cap.
const (
	restartIntensityWindow = time.Minute
	maxRestartsPerWindow   = 5
)

// restartIntensity tracks recent crash-restart attempts per session_id so a
// session stuck in a crash loop is eventually abandoned instead of hammering
// its dependencies forever.
type restartIntensity struct {
	mu      sync.Mutex
	history map[string][]time.Time
}

func newRestartIntensity() *restartIntensity {
	return &restartIntensity{history: make(map[string][]time.Time)}
}

// allow records a restart attempt for sessionID and reports whether it falls
// within the intensity cap.
func (r *restartIntensity) allow(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-restartIntensityWindow)
	kept := r.history[sessionID][:0]
	for _, at := range r.history[sessionID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= maxRestartsPerWindow {
		r.history[sessionID] = kept
		return false
	}
	r.history[sessionID] = append(kept, time.Now())
	return true
}

// forget drops a session's restart history once it shuts down cleanly.
func (r *restartIntensity) forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.history, sessionID)
}

// Option is a functional option for New, used to inject test doubles in
// place of the real backends New would otherwise build from cfg.
type Option func(*Tree)

// WithNoteStore injects a NoteStore instead of building one from cfg.
func WithNoteStore(s notestore.Store) Option {
	return func(t *Tree) { t.Notes = s }
}

// WithCheckpointStore injects a checkpoint.Store instead of building one
// from cfg.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(t *Tree) { t.Checkpoints = s }
}

// New wires every subsystem in dependency order: bus, note store, checkpoint
// store, transcription/structuring clients from reg, job dispatcher with its
// executors, and finally the session registry whose factory ties all of the
// above into each new SessionActor.
func New(ctx context.Context, cfg config.Config, reg *config.Registry, metrics *observe.Metrics, logger *slog.Logger, opts ...Option) (*Tree, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tree{cfg: cfg, metrics: metrics, logger: logger, restarts: newRestartIntensity()}
	for _, o := range opts {
		o(t)
	}

	t.Bus = bus.New(bus.WithMetrics(metrics), bus.WithQueueCapacity(cfg.Bus.SubscriberQueueCapacity))

	if err := t.initNoteStore(ctx); err != nil {
		return nil, fmt.Errorf("supervisor: init note store: %w", err)
	}
	if err := t.initCheckpoints(ctx); err != nil {
		return nil, fmt.Errorf("supervisor: init checkpoints: %w", err)
	}
	if err := t.initClients(reg); err != nil {
		return nil, fmt.Errorf("supervisor: init clients: %w", err)
	}
	if err := t.initDispatcher(cfg); err != nil {
		return nil, fmt.Errorf("supervisor: init dispatcher: %w", err)
	}
	t.initSessionRegistry(cfg)

	return t, nil
}

func (t *Tree) initNoteStore(ctx context.Context) error {
	if t.Notes != nil {
		return nil
	}
	switch t.cfg.NoteStore.Backend {
	case "postgres":
		if err := postgres.Migrate(t.cfg.NoteStore.PostgresDSN); err != nil {
			return fmt.Errorf("note store migrate: %w", err)
		}
		store, err := postgres.New(ctx, t.cfg.NoteStore.PostgresDSN, t.Bus)
		if err != nil {
			return err
		}
		t.Notes = store
		t.closers = append(t.closers, func() error { store.Close(); return nil })
	default:
		t.Notes = memstore.New(t.Bus)
	}
	return nil
}

func (t *Tree) initCheckpoints(ctx context.Context) error {
	if t.Checkpoints != nil {
		return nil
	}
	switch t.cfg.Session.CheckpointBackend {
	case "postgres":
		if err := checkpointpg.Migrate(t.cfg.Session.CheckpointPostgres); err != nil {
			return fmt.Errorf("checkpoint migrate: %w", err)
		}
		store, err := checkpointpg.New(ctx, t.cfg.Session.CheckpointPostgres)
		if err != nil {
			return err
		}
		t.Checkpoints = store
		t.closers = append(t.closers, func() error { store.Close(); return nil })
	default:
		t.Checkpoints = checkpoint.NewMemStore()
	}
	return nil
}

func (t *Tree) initClients(reg *config.Registry) error {
	res := t.cfg.Providers.Resilience
	retry := resilience.RetryConfig{
		BaseDelay:   time.Duration(res.RetryBaseMS) * time.Millisecond,
		Factor:      res.RetryFactor,
		JitterPct:   res.RetryJitterPct,
		CapDelay:    time.Duration(res.RetryCapMS) * time.Millisecond,
		MaxAttempts: res.RetryMaxAttempts,
	}
	breakerFailThreshold := res.BreakerFailThreshold
	breakerHalfOpenAfter := time.Duration(res.BreakerHalfOpenAfterMS) * time.Millisecond

	sttProvider, err := reg.CreateTranscription(t.cfg.Providers.Transcription)
	if err != nil {
		return fmt.Errorf("transcription provider: %w", err)
	}
	if fallbackEntry := t.cfg.Providers.TranscriptionFallback; fallbackEntry.Name != "" {
		fallbackProvider, ferr := reg.CreateTranscription(fallbackEntry)
		if ferr != nil {
			return fmt.Errorf("transcription fallback provider: %w", ferr)
		}
		primaryName := t.cfg.Providers.Transcription.Name
		entryBreaker := resilience.CircuitBreakerConfig{
			MaxFailures:  breakerFailThreshold,
			ResetTimeout: breakerHalfOpenAfter,
		}
		sttProvider = transcription.NewFallbackProvider(sttProvider, primaryName, entryBreaker,
			transcription.NamedProvider{Name: fallbackEntry.Name, Provider: fallbackProvider},
		)
	}
	t.Transcriber = transcription.New(sttProvider, transcription.Config{
		PerAttemptTimeout: time.Duration(res.TranscriptionTimeoutMS) * time.Millisecond,
		OverallBudget:     time.Duration(res.TranscriptionOverallTimeoutMS) * time.Millisecond,
		Retry:             retry,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  breakerFailThreshold,
			ResetTimeout: breakerHalfOpenAfter,
		},
	}, t.metrics)

	llmProvider, err := reg.CreateStructuring(t.cfg.Providers.Structuring)
	if err != nil {
		return fmt.Errorf("structuring provider: %w", err)
	}
	t.Structurer = structuring.New(llmProvider, structuring.Config{
		PerAttemptTimeout: time.Duration(res.StructuringTimeoutMS) * time.Millisecond,
		OverallBudget:     time.Duration(res.StructuringOverallTimeoutMS) * time.Millisecond,
		Retry:             retry,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  breakerFailThreshold,
			ResetTimeout: breakerHalfOpenAfter,
		},
	}, t.metrics)
	return nil
}

func (t *Tree) initDispatcher(cfg config.Config) error {
	jcfg := jobdispatcher.Config{
		Workers:        cfg.JobDispatcher.Workers,
		MaxAttempts:    cfg.JobDispatcher.MaxAttempts,
		IdempotencyTTL: time.Duration(cfg.JobDispatcher.IdempotencyTTL) * time.Second,
	}
	t.Dispatcher = jobdispatcher.New(t.Bus, t.Notes, jcfg, t.metrics, t.logger)
	t.Dispatcher.RegisterExecutor(types.JobPostNote, &jobdispatcher.PostNoteExecutor{Notes: t.Notes})

	if cfg.JobDispatcher.VisionMCPServer.Name != "" {
		client := jobdispatcher.NewVisionClient(cfg.JobDispatcher.VisionMCPServer)
		t.Dispatcher.RegisterExecutor(types.JobRefineWithVision, &jobdispatcher.VisionExecutor{Notes: t.Notes, Client: client})
	}
	return nil
}

func (t *Tree) initSessionRegistry(cfg config.Config) {
	sessionCfg := sessionactor.Config{
		MailboxSoft:        cfg.Session.MailboxSoft,
		MailboxHard:        cfg.Session.MailboxHard,
		ConfidenceFloor:    cfg.Session.ConfidenceFloor,
		AutoPostThreshold:  cfg.Session.AutoPostThreshold,
		ConfirmGrace:       time.Duration(cfg.Session.ConfirmGraceMS) * time.Millisecond,
		MaxAudioBytes:      cfg.Session.AudioBytesLimit,
		MaxAudioDuration:   time.Duration(cfg.Session.AudioDurationLimitS) * time.Second,
		CheckpointInterval: time.Duration(cfg.Session.CheckpointIntervalS) * time.Second,
		OutboxRetain:       cfg.Session.OutboxRetain,
		IdleTimeout:        time.Duration(cfg.Session.IdleTimeoutS) * time.Second,
	}

	factory := func(ctx context.Context, sessionID string, principal registry.Principal) (registry.Actor, error) {
		deps := sessionactor.Deps{
			Bus:         t.Bus,
			Notes:       t.Notes,
			Transcriber: t.Transcriber,
			Structurer:  t.Structurer,
			Dispatcher:  t.Dispatcher,
			Checkpoints: t.Checkpoints,
			Metrics:     t.metrics,
			Logger:      t.logger,
			OnCrash:     t.restartCrashedSession,
			OnIdle:      t.retireIdleSession,
		}
		actor, err := sessionactor.New(ctx, sessionID, principal, deps, sessionCfg)
		if err != nil {
			return nil, err
		}
		t.forwardJobStatus(sessionID, actor)
		return actor, nil
	}

	t.Sessions = registry.New(factory)
}

// restartCrashedSession is Deps.OnCrash: it removes the dead registry entry
// and, if sessionID is still within its restart intensity cap, re-creates
// the actor via the registry's Factory so it reloads from the checkpoint
// just persisted by the panicking actor's recover handler. An error event is
// published on the session's topic either way, per the crash-recovery
// contract session subscribers observe.
func (t *Tree) restartCrashedSession(sessionID string, principal registry.Principal) {
	t.Sessions.Remove(sessionID)

	if !t.restarts.allow(sessionID) {
		t.logger.Error("supervisor: restart intensity cap exceeded, abandoning session", "session_id", sessionID)
		t.Bus.Publish(context.Background(), "session:"+sessionID, "error", map[string]any{
			"kind":    "restart_cap_exceeded",
			"message": "session actor crashed too many times and will not be restarted",
		})
		return
	}

	t.logger.Warn("supervisor: restarting crashed session actor", "session_id", sessionID)
	t.Bus.Publish(context.Background(), "session:"+sessionID, "error", map[string]any{
		"kind":    "actor_crashed",
		"message": "session actor crashed and is being restarted from its last checkpoint",
	})

	if _, err := t.Sessions.LookupOrCreate(context.Background(), sessionID, principal); err != nil {
		t.logger.Error("supervisor: failed to restart crashed session actor", "session_id", sessionID, "error", err)
	}
}

// retireIdleSession is Deps.OnIdle: the actor has already persisted a final
// checkpoint and stopped itself after sitting idle past Config.IdleTimeout,
// so this only needs to drop the now-stale registry entry (and any restart
// history) so a later reconnect creates a fresh actor via LookupOrCreate.
func (t *Tree) retireIdleSession(sessionID string) {
	t.logger.Info("supervisor: retiring idle session", "session_id", sessionID)
	t.Sessions.Remove(sessionID)
	t.restarts.forget(sessionID)
}

// forwardJobStatus subscribes to sessionID's bus topic and forwards
// "job_status" events into the actor's mailbox, delivering the
// sessionactor.JobStatus payload jobdispatcher.Dispatcher published
// unchanged.
func (t *Tree) forwardJobStatus(sessionID string, actor *sessionactor.Actor) {
	sub := t.Bus.Subscribe("session:" + sessionID)
	go func() {
		for evt := range sub.Events() {
			if evt.Kind != "job_status" {
				continue
			}
			status, ok := evt.Payload.(sessionactor.JobStatus)
			if !ok {
				continue
			}
			_ = actor.Enqueue(context.Background(), status)
		}
	}()
}

// Run starts the JobDispatcher's worker pool and blocks until ctx is
// cancelled.
func (t *Tree) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Dispatcher.Start(gctx) })

	t.logger.Info("supervisor running")
	<-ctx.Done()
	t.Dispatcher.Stop()
	_ = g.Wait()
	return ctx.Err()
}

// Shutdown stops every active SessionActor (persisting a final checkpoint
// each) and then runs the closers registered during New, in order,
// respecting ctx's deadline.
func (t *Tree) Shutdown(ctx context.Context) error {
	var shutdownErr error
	t.stopOnce.Do(func() {
		t.logger.Info("supervisor shutting down", "sessions", t.Sessions.Count())

		if err := t.Sessions.StopAll(ctx); err != nil {
			t.logger.Warn("session shutdown error", "error", err)
		}

		for i, closer := range t.closers {
			select {
			case <-ctx.Done():
				t.logger.Warn("shutdown deadline exceeded", "remaining", len(t.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				t.logger.Warn("closer error", "index", i, "error", err)
			}
		}

		t.logger.Info("supervisor shutdown complete")
	})
	return shutdownErr
}
