package sessionactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/checkpoint"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/internal/observe"
	"github.com/reelnotes/sessioncore/internal/registry"
	"github.com/reelnotes/sessioncore/internal/structuring"
	"github.com/reelnotes/sessioncore/internal/transcription"
	"github.com/reelnotes/sessioncore/pkg/types"
)

// ErrMailboxFull is returned by Enqueue when a non-priority message arrives
// while the mailbox is at its hard cap.
var ErrMailboxFull = errors.New("sessionactor: mailbox full")

// JobEnqueuer is the narrow slice of JobDispatcher a SessionActor depends
// on. Defined here (not imported from internal/jobdispatcher) so
// jobdispatcher can depend on types this package exports without a cycle.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, kind types.JobKind, noteID string, payload map[string]any) error
}

// Deps bundles the external collaborators a SessionActor is wired against.
type Deps struct {
	Bus         *bus.Bus
	Notes       notestore.Store
	Transcriber *transcription.Client
	Structurer  *structuring.Client
	Dispatcher  JobEnqueuer
	Checkpoints checkpoint.Store
	Metrics     *observe.Metrics
	Logger      *slog.Logger

	// OnCrash, if set, is invoked from run()'s recover handler after a
	// panic has been contained and a best-effort checkpoint saved. The
	// SupervisorTree wires this to remove the dead entry from the
	// SessionRegistry and re-create the actor (subject to its own restart
	// intensity cap) from the same checkpoint this Actor just persisted.
	OnCrash func(sessionID string, principal registry.Principal)

	// OnIdle, if set, is invoked after run() exits because the mailbox sat
	// idle past Config.IdleTimeout. The SupervisorTree wires this to remove
	// the now-stopped entry from the SessionRegistry.
	OnIdle func(sessionID string)
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// transcribeResult is delivered internally when a background transcription
// call completes; it never crosses a package boundary.
type transcribeResult struct {
	correlationID string
	transcript    types.Transcript
	err           error
}

// structureResult is delivered internally when a background structuring
// call completes.
type structureResult struct {
	correlationID string
	noteID        string
	result        types.StructureResult
	err           error
}

// Actor is the SessionActor: single-threaded per-session FSM, mailbox, and
// pipeline driver. The zero value is not usable; construct with New.
type Actor struct {
	sessionID string
	principal registry.Principal
	deps      Deps
	cfg       Config

	priorityCh chan Message
	normalCh   chan Message
	pipelineCh chan any // transcribeResult | structureResult

	backlog sync.WaitGroup // outstanding background pipeline goroutines

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	mu                sync.Mutex
	status            types.SessionStatus
	videoID           string
	videoTimestamp    float64
	audioBuf          []byte
	audioStart        time.Time
	pendingVisual     *types.VisualContext
	lastTransitionAt  time.Time
	sequence          uint64
	box               *outbox
	inflight          map[string]context.CancelFunc
	currentNoteID     string
	lastNoteUpdatedAt time.Time
	mailboxLen        int // approximate current backlog, maintained at enqueue/dequeue
}

var _ registry.Actor = (*Actor)(nil)

// New constructs an Actor for sessionID, reloads its checkpoint if one
// exists, and starts its run loop goroutine.
func New(ctx context.Context, sessionID string, principal registry.Principal, deps Deps, cfg Config) (*Actor, error) {
	deps = deps.withDefaults()
	cfg = cfg.withDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		sessionID:  sessionID,
		principal:  principal,
		deps:       deps,
		cfg:        cfg,
		priorityCh: make(chan Message, cfg.MailboxHard),
		normalCh:   make(chan Message, cfg.MailboxHard),
		pipelineCh: make(chan any, 8),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		runCtx:     runCtx,
		runCancel:  cancel,
		status:     types.StatusIdle,
		box:        newOutbox(cfg.OutboxRetain),
		inflight:   make(map[string]context.CancelFunc),
	}

	if deps.Checkpoints != nil {
		if snap, err := deps.Checkpoints.Load(ctx, sessionID); err == nil {
			a.videoID = snap.VideoID
			a.videoTimestamp = snap.VideoTimestamp
			a.sequence = snap.Sequence
			a.status = types.StatusIdle // restart always reloads into idle
			a.publishLocked(runCtx, "session_recovered", map[string]any{"video_id": snap.VideoID})
		} else if !errors.Is(err, checkpoint.ErrNotFound) {
			cancel()
			return nil, fmt.Errorf("sessionactor: load checkpoint: %w", err)
		}
	}

	if deps.Metrics != nil {
		deps.Metrics.ActiveSessions.Add(ctx, 1)
	}

	go a.run()
	return a, nil
}

// Enqueue attempts to deliver m to the mailbox. Priority messages
// (Cancel, UpdateVideoContext) bypass accumulating stream data once the
// backlog exceeds Config.MailboxSoft; all other kinds are rejected with
// ErrMailboxFull once the backlog reaches Config.MailboxHard.
func (a *Actor) Enqueue(ctx context.Context, m Message) error {
	a.mu.Lock()
	backlog := a.mailboxLen
	a.mu.Unlock()

	if priority(m) && backlog > a.cfg.MailboxSoft {
		select {
		case a.priorityCh <- m:
			a.mu.Lock()
			a.mailboxLen++
			a.mu.Unlock()
			return nil
		default:
			return ErrMailboxFull
		}
	}

	if backlog >= a.cfg.MailboxHard {
		if a.deps.Metrics != nil {
			a.deps.Metrics.RecordMailboxRejection(ctx, "hard_cap")
		}
		a.publish(ctx, "backpressure", map[string]any{"level": "reject"})
		return ErrMailboxFull
	}

	select {
	case a.normalCh <- m:
		a.mu.Lock()
		a.mailboxLen++
		a.mu.Unlock()
		return nil
	default:
		return ErrMailboxFull
	}
}

// Stop gracefully drains the run loop: it persists a final checkpoint and
// waits for the loop to exit, or for ctx to expire.
func (a *Actor) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer close(a.done)
	defer a.runCancel()
	defer func() {
		if a.deps.Metrics != nil {
			a.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}()
	defer a.recoverFromPanic()

	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()

	idleTimer := time.NewTimer(a.cfg.IdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case m := <-a.priorityCh:
			a.dequeued()
			a.handle(a.runCtx, m)
			resetIdleTimer(idleTimer, a.cfg.IdleTimeout)
		default:
			select {
			case m := <-a.priorityCh:
				a.dequeued()
				a.handle(a.runCtx, m)
				resetIdleTimer(idleTimer, a.cfg.IdleTimeout)
			case m := <-a.normalCh:
				a.dequeued()
				a.handle(a.runCtx, m)
				resetIdleTimer(idleTimer, a.cfg.IdleTimeout)
			case r := <-a.pipelineCh:
				a.handlePipelineResult(a.runCtx, r)
				resetIdleTimer(idleTimer, a.cfg.IdleTimeout)
			case <-ticker.C:
				a.saveCheckpoint(a.runCtx)
			case <-idleTimer.C:
				a.deps.Logger.Info("sessionactor: retiring idle session", "session_id", a.sessionID)
				a.saveCheckpoint(context.Background())
				a.backlog.Wait()
				if a.deps.OnIdle != nil {
					a.deps.OnIdle(a.sessionID)
				}
				return
			case <-a.stopCh:
				a.saveCheckpoint(context.Background())
				a.backlog.Wait()
				return
			}
		}
	}
}

// resetIdleTimer safely re-arms t for another d after a select case fired,
// draining a pending expiry if one raced the stop. Only the run() goroutine
// ever touches t, so this cannot race with idleTimer.C itself being read.
func resetIdleTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// recoverFromPanic contains a panic from handle/handlePipelineResult so a
// single misbehaving message never takes the whole process down. It saves
// a best-effort checkpoint from whatever state the actor reached before
// crashing and hands off to Deps.OnCrash, which the SupervisorTree uses to
// restart the session from that checkpoint.
func (a *Actor) recoverFromPanic() {
	r := recover()
	if r == nil {
		return
	}
	a.deps.Logger.Error("sessionactor: recovered from panic", "session_id", a.sessionID, "panic", r)
	a.saveCheckpoint(context.Background())
	if a.deps.OnCrash != nil {
		a.deps.OnCrash(a.sessionID, a.principal)
	}
}

func (a *Actor) dequeued() {
	a.mu.Lock()
	if a.mailboxLen > 0 {
		a.mailboxLen--
	}
	a.mu.Unlock()
}

func (a *Actor) handle(ctx context.Context, m Message) {
	switch msg := m.(type) {
	case AudioChunk:
		a.onAudioChunk(ctx, msg)
	case TranscriptReady:
		a.onTranscriptReady(ctx, msg)
	case AudioStreamEnd:
		a.onAudioStreamEnd(ctx)
	case FrameEmbedding:
		a.onFrameEmbedding(msg)
	case SetTimestamp:
		a.onSetTimestamp(msg)
	case UpdateVideoContext:
		a.onUpdateVideoContext(ctx, msg)
	case Cancel:
		a.onCancel(ctx, msg)
	case SubscriberCatchup:
		a.onSubscriberCatchup(msg)
	case JobStatus:
		a.onJobStatus(ctx, msg)
	case RequestRefine:
		a.onRequestRefine(ctx, msg)
	default:
		a.deps.Logger.Warn("sessionactor: unknown message kind", "session_id", a.sessionID, "type", fmt.Sprintf("%T", m))
	}
}
