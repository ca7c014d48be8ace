// Package sessionactor implements the SessionActor: a single-threaded,
// per-session worker that owns all mutable state for one review session and
// serializes it behind a bounded mailbox.
//
// Grounded on the teacher's internal/engine/cascade/cascade.go goroutine
// lifecycle (done channel, closeOnce, WaitGroup for background stages) and
// the generation-counter pattern in
// other_examples/f5701cd8_team-hashing-lokutor-orchestrator's ManagedStream,
// generalized here into explicit correlation IDs tracked in an inflight set
// rather than a single incrementing generation number, since more than one
// external call kind (transcription, structuring) may be outstanding.
package sessionactor

import (
	"time"

	"github.com/reelnotes/sessioncore/pkg/types"
)

// Message is the sealed set of mailbox message kinds a SessionActor accepts.
// Each concrete type below implements it via an unexported marker method so
// only this package can add new kinds.
type Message interface {
	isMessage()
}

// AudioChunk appends raw bytes to the session's audio accumulator.
type AudioChunk struct {
	Bytes     []byte
	ArrivalTS time.Time
}

// TranscriptReady supplies an authoritative transcript from the client,
// skipping server-side transcription entirely.
type TranscriptReady struct {
	Text          string
	Source        types.TranscriptSource
	Confidence    float64
	AudioDuration time.Duration
	Timestamp     float64
}

// AudioStreamEnd signals that the client has finished streaming audio for
// the current utterance.
type AudioStreamEnd struct{}

// FrameEmbedding stores a single visual frame embedding for later use by the
// structuring step. It replaces any previously pending embedding.
type FrameEmbedding struct {
	Vector    []float32
	Timestamp float64
	Device    string
}

// SetTimestamp synchronously updates video_timestamp_seconds. Old carries
// the prior value back to the caller once processed.
type SetTimestamp struct {
	Seconds float64
	Old     chan float64
}

// UpdateVideoContext switches the active video, clearing the audio buffer,
// pending visual context, and any inflight pipeline work.
type UpdateVideoContext struct {
	VideoID string
}

// CancelScope selects what a Cancel message cancels.
type CancelScope int

const (
	CancelCurrentNote CancelScope = iota
	CancelAllInflight
)

// Cancel cancels in-flight external calls within Scope.
type Cancel struct {
	Scope CancelScope
}

// CatchupResult is the reply to a SubscriberCatchup request.
type CatchupResult struct {
	Events      []OutboundEvent
	Unavailable bool
}

// SubscriberCatchup requests replay of outbox entries newer than
// LastSeenSequence. Reply carries the result.
type SubscriberCatchup struct {
	LastSeenSequence uint64
	Reply            chan CatchupResult
}

// JobStatus is delivered by the JobDispatcher (via the bus, forwarded into
// the mailbox) to report a job's terminal or intermediate state for a note
// owned by this session.
type JobStatus struct {
	NoteID  string
	JobKind types.JobKind
	State   types.JobState
	Payload any
}

// RequestRefine asks the JobDispatcher to re-run a note's posting pipeline,
// optionally through the vision-refinement job instead of the plain one.
// Unlike the transcript/structure pipeline this does not drive the session
// FSM: a note may be refined long after its owning session has returned to
// idle.
type RequestRefine struct {
	NoteID     string
	WithVision bool
}

func (AudioChunk) isMessage()         {}
func (TranscriptReady) isMessage()    {}
func (AudioStreamEnd) isMessage()     {}
func (FrameEmbedding) isMessage()     {}
func (SetTimestamp) isMessage()       {}
func (UpdateVideoContext) isMessage() {}
func (Cancel) isMessage()             {}
func (SubscriberCatchup) isMessage()  {}
func (JobStatus) isMessage()          {}
func (RequestRefine) isMessage()      {}

// priority reports whether m must be processed ahead of accumulating stream
// data (AudioChunk, FrameEmbedding) once the mailbox backlog exceeds the soft
// threshold.
func priority(m Message) bool {
	switch m.(type) {
	case Cancel, UpdateVideoContext:
		return true
	default:
		return false
	}
}
