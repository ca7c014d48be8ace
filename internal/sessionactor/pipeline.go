package sessionactor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reelnotes/sessioncore/internal/checkpoint"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/pkg/types"
)

func (a *Actor) onAudioChunk(ctx context.Context, msg AudioChunk) {
	a.mu.Lock()
	if a.status == types.StatusIdle {
		a.mu.Unlock()
		a.setStatus(ctx, types.StatusListening)
		a.mu.Lock()
		a.audioStart = msg.ArrivalTS
	}
	if a.status != types.StatusListening {
		a.mu.Unlock()
		return
	}
	a.audioBuf = append(a.audioBuf, msg.Bytes...)
	over := len(a.audioBuf) > a.cfg.MaxAudioBytes || time.Since(a.audioStart) > a.cfg.MaxAudioDuration
	a.mu.Unlock()

	if over {
		a.onAudioStreamEnd(ctx)
	}
}

func (a *Actor) onAudioStreamEnd(ctx context.Context) {
	a.mu.Lock()
	if a.status != types.StatusListening {
		a.mu.Unlock()
		return
	}
	audio := a.audioBuf
	a.audioBuf = nil
	a.mu.Unlock()

	a.setStatus(ctx, types.StatusTranscribing)
	a.startTranscription(audio)
}

func (a *Actor) onTranscriptReady(ctx context.Context, msg TranscriptReady) {
	a.mu.Lock()
	if a.status == types.StatusIdle {
		a.mu.Unlock()
		a.setStatus(ctx, types.StatusListening)
	} else {
		a.mu.Unlock()
	}
	a.setStatus(ctx, types.StatusStructuring)
	a.startStructuring(types.Transcript{
		Text:          msg.Text,
		Source:        msg.Source,
		Confidence:    msg.Confidence,
		AudioDuration: msg.AudioDuration,
	}, msg.Timestamp)
}

func (a *Actor) onFrameEmbedding(msg FrameEmbedding) {
	a.mu.Lock()
	a.pendingVisual = &types.VisualContext{
		Embedding:  msg.Vector,
		Timestamp:  msg.Timestamp,
		Device:     msg.Device,
		CapturedAt: time.Now(),
	}
	a.mu.Unlock()
}

func (a *Actor) onSetTimestamp(msg SetTimestamp) {
	a.mu.Lock()
	old := a.videoTimestamp
	a.videoTimestamp = msg.Seconds
	a.mu.Unlock()
	if msg.Old != nil {
		select {
		case msg.Old <- old:
		default:
		}
	}
}

func (a *Actor) onUpdateVideoContext(ctx context.Context, msg UpdateVideoContext) {
	a.cancelInflightLocked(CancelAllInflight)

	a.mu.Lock()
	a.videoID = msg.VideoID
	a.videoTimestamp = 0
	a.audioBuf = nil
	a.pendingVisual = nil
	a.mu.Unlock()

	a.setStatus(ctx, types.StatusIdle)
	a.publish(ctx, "video_context_changed", map[string]any{"video_id": msg.VideoID})
}

func (a *Actor) onCancel(ctx context.Context, msg Cancel) {
	a.cancelInflightLocked(msg.Scope)

	a.mu.Lock()
	cur := a.status
	noteID := a.currentNoteID
	a.currentNoteID = ""
	a.mu.Unlock()

	if msg.Scope == CancelCurrentNote && cur == types.StatusConfirming && noteID != "" {
		if updated, err := a.deps.Notes.Archive(ctx, noteID); err != nil {
			a.deps.Logger.Warn("sessionactor: archive on cancel failed", "session_id", a.sessionID, "note_id", noteID, "err", err)
		} else {
			a.publish(ctx, "note_updated", updated)
		}
	}

	if cur == types.StatusStructuring || cur == types.StatusTranscribing || cur == types.StatusConfirming {
		a.setStatus(ctx, types.StatusCancelling)
		a.setStatus(ctx, types.StatusIdle)
	}
}

// cancelInflightLocked cancels tracked correlation IDs matching scope and
// removes them from inflight, so late pipeline results are discarded.
func (a *Actor) cancelInflightLocked(scope CancelScope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, cancel := range a.inflight {
		cancel()
		delete(a.inflight, id)
	}
	_ = scope // both scopes currently cancel the single in-flight pipeline call
}

func (a *Actor) onSubscriberCatchup(msg SubscriberCatchup) {
	a.mu.Lock()
	events, ok := a.box.catchup(msg.LastSeenSequence)
	a.mu.Unlock()

	if msg.Reply == nil {
		return
	}
	result := CatchupResult{Events: events, Unavailable: !ok}
	select {
	case msg.Reply <- result:
	default:
	}
}

func (a *Actor) onJobStatus(ctx context.Context, msg JobStatus) {
	switch msg.State {
	case types.JobSucceeded:
		status := types.NotePosted
		_, err := a.deps.Notes.Update(ctx, msg.NoteID, notestore.Patch{Status: &status}, a.lastNoteUpdatedAt)
		if err != nil {
			a.deps.Logger.Warn("sessionactor: note update after job success failed", "session_id", a.sessionID, "note_id", msg.NoteID, "err", err)
		}
	case types.JobFailed, types.JobDeadLetter:
		status := types.NoteFailed
		reason := "job failed"
		_, err := a.deps.Notes.Update(ctx, msg.NoteID, notestore.Patch{Status: &status, ErrorReason: &reason}, a.lastNoteUpdatedAt)
		if err != nil {
			a.deps.Logger.Warn("sessionactor: note update after job failure failed", "session_id", a.sessionID, "note_id", msg.NoteID, "err", err)
		}
	}

	a.mu.Lock()
	executing := a.status == types.StatusExecutingTool
	a.mu.Unlock()
	if executing && (msg.State == types.JobSucceeded || msg.State == types.JobFailed || msg.State == types.JobDeadLetter) {
		a.setStatus(ctx, types.StatusIdle)
	}
}

// onRequestRefine enqueues a post_note or refine_with_vision job for an
// existing note. It does not touch the FSM: a note may be refined long
// after its session has returned to idle.
func (a *Actor) onRequestRefine(ctx context.Context, msg RequestRefine) {
	if a.deps.Dispatcher == nil {
		return
	}
	kind := types.JobPostNote
	if msg.WithVision {
		kind = types.JobRefineWithVision
	}
	if err := a.deps.Dispatcher.Enqueue(ctx, kind, msg.NoteID, nil); err != nil {
		a.deps.Logger.Warn("sessionactor: request_refine dispatch failed", "session_id", a.sessionID, "note_id", msg.NoteID, "err", err)
	}
}

// startTranscription launches the TranscriptionClient call in the
// background, tracked under a fresh correlation ID in inflight. The result
// is delivered back into the mailbox's pipeline channel; Cancel/
// UpdateVideoContext discard it by removing the correlation ID first.
func (a *Actor) startTranscription(audio []byte) {
	correlationID := uuid.NewString()
	callCtx, cancel := context.WithCancel(a.runCtx)

	a.mu.Lock()
	a.inflight[correlationID] = cancel
	a.mu.Unlock()

	a.backlog.Add(1)
	go func() {
		defer a.backlog.Done()
		transcript, err := a.deps.Transcriber.Transcribe(callCtx, types.TranscribeRequest{
			Audio:         audio,
			ContentType:   "audio/raw",
			CorrelationID: correlationID,
		})
		select {
		case a.pipelineCh <- transcribeResult{correlationID: correlationID, transcript: transcript, err: err}:
		case <-a.runCtx.Done():
		}
	}()
}

// siblingHintLimit bounds how many prior notes from the same video are
// offered to StructuringClient as terminology-consistency hints.
const siblingHintLimit = 5

// startStructuring launches the StructuringClient call in the background.
func (a *Actor) startStructuring(transcript types.Transcript, timestamp float64) {
	correlationID := uuid.NewString()
	callCtx, cancel := context.WithCancel(a.runCtx)

	a.mu.Lock()
	a.inflight[correlationID] = cancel
	visual := a.pendingVisual
	a.pendingVisual = nil
	videoID := a.videoID
	a.mu.Unlock()

	noteID := uuid.NewString()

	a.backlog.Add(1)
	go func() {
		defer a.backlog.Done()
		hints := a.siblingHints(callCtx, videoID)
		result, err := a.deps.Structurer.Structure(callCtx, types.StructureRequest{
			Transcript:    transcript.Text,
			Timestamp:     timestamp,
			VisualContext: visual,
			SiblingHints:  hints,
			CorrelationID: correlationID,
		})
		select {
		case a.pipelineCh <- structureResult{correlationID: correlationID, noteID: noteID, result: result, err: err}:
		case <-a.runCtx.Done():
		}
	}()
}

// siblingHints fetches up to siblingHintLimit of the most recently created
// notes for videoID and maps them to the compact excerpts StructuringClient
// uses for terminology consistency. A lookup failure or empty videoID
// yields no hints rather than failing the structuring call.
func (a *Actor) siblingHints(ctx context.Context, videoID string) []types.SiblingHint {
	if videoID == "" || a.deps.Notes == nil {
		return nil
	}
	notes, err := a.deps.Notes.ListByVideo(ctx, videoID, notestore.ListOptions{Limit: siblingHintLimit})
	if err != nil || len(notes) == 0 {
		return nil
	}
	hints := make([]types.SiblingHint, 0, len(notes))
	for _, n := range notes {
		hints = append(hints, types.SiblingHint{Text: n.Text, Category: n.Category})
	}
	return hints
}

func (a *Actor) handlePipelineResult(ctx context.Context, r any) {
	switch res := r.(type) {
	case transcribeResult:
		a.onTranscribeResult(ctx, res)
	case structureResult:
		a.onStructureResult(ctx, res)
	}
}

func (a *Actor) onTranscribeResult(ctx context.Context, res transcribeResult) {
	if !a.consumeInflight(res.correlationID) {
		return // cancelled before this arrived; discard
	}
	if res.err != nil {
		a.deps.Logger.Warn("sessionactor: transcription failed", "session_id", a.sessionID, "err", res.err)
		a.forceError(ctx, "transient_upstream")
		a.setStatus(ctx, types.StatusIdle)
		return
	}

	a.mu.Lock()
	timestamp := a.videoTimestamp
	a.mu.Unlock()

	a.setStatus(ctx, types.StatusStructuring)
	a.startStructuring(res.transcript, timestamp)
}

func (a *Actor) onStructureResult(ctx context.Context, res structureResult) {
	if !a.consumeInflight(res.correlationID) {
		return // cancelled before this arrived; discard
	}
	if res.err != nil {
		a.deps.Logger.Warn("sessionactor: structuring failed", "session_id", a.sessionID, "err", res.err)
		a.forceError(ctx, "transient_upstream")
		a.setStatus(ctx, types.StatusIdle)
		return
	}

	if res.result.Confidence < a.cfg.ConfidenceFloor {
		a.deps.Logger.Info("sessionactor: note dropped below confidence floor", "session_id", a.sessionID, "confidence", res.result.Confidence)
		a.setStatus(ctx, types.StatusIdle)
		return
	}

	a.mu.Lock()
	videoID := a.videoID
	lowConfidence := res.result.Confidence < a.cfg.AutoPostThreshold
	a.mu.Unlock()

	note := types.Note{
		NoteID:        res.noteID,
		SessionID:     a.sessionID,
		UserID:        a.principal.UserID,
		VideoID:       videoID,
		Timestamp:     a.currentTimestamp(),
		Text:          res.result.Text,
		Category:      res.result.Category,
		Confidence:    res.result.Confidence,
		Status:        types.NoteGhost,
		LowConfidence: lowConfidence,
	}

	if err := a.deps.Notes.Create(ctx, note); err != nil {
		a.deps.Logger.Warn("sessionactor: note persistence failed", "session_id", a.sessionID, "err", err)
		a.forceError(ctx, "storage_unavailable")
		a.setStatus(ctx, types.StatusIdle)
		return
	}

	a.mu.Lock()
	a.currentNoteID = note.NoteID
	a.lastNoteUpdatedAt = note.UpdatedAt
	a.mu.Unlock()

	a.setStatus(ctx, types.StatusConfirming)
	a.publish(ctx, "note_created", note)

	a.backlog.Add(1)
	go func() {
		defer a.backlog.Done()
		timer := time.NewTimer(a.cfg.ConfirmGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			a.autoFirm(a.runCtx, note.NoteID, lowConfidence)
		case <-a.runCtx.Done():
		}
	}()
}

// autoFirm transitions a still-ghost note to firmed after the confirm grace
// period, queuing it for posting when its confidence clears the auto-post
// threshold.
func (a *Actor) autoFirm(ctx context.Context, noteID string, lowConfidence bool) {
	a.mu.Lock()
	stillCurrent := a.currentNoteID == noteID
	lastUpdated := a.lastNoteUpdatedAt
	a.mu.Unlock()
	if !stillCurrent {
		return // archived by Cancel{current_note} in the meantime
	}

	firmed := types.NoteFirmed
	updated, err := a.deps.Notes.Update(ctx, noteID, notestore.Patch{Status: &firmed, LowConfidence: &lowConfidence}, lastUpdated)
	if err != nil {
		a.deps.Logger.Warn("sessionactor: auto-firm failed", "session_id", a.sessionID, "note_id", noteID, "err", err)
		return
	}

	a.mu.Lock()
	a.lastNoteUpdatedAt = updated.UpdatedAt
	a.mu.Unlock()
	a.publish(ctx, "note_updated", updated)

	if !lowConfidence && a.deps.Dispatcher != nil {
		if err := a.deps.Dispatcher.Enqueue(ctx, types.JobPostNote, noteID, nil); err != nil {
			a.deps.Logger.Warn("sessionactor: post_note dispatch failed", "session_id", a.sessionID, "note_id", noteID, "err", err)
		}
	}

	a.mu.Lock()
	cur := a.status
	a.mu.Unlock()
	if cur == types.StatusConfirming {
		a.setStatus(ctx, types.StatusIdle)
	}
}

// consumeInflight removes correlationID from inflight and reports whether
// it was still tracked (false means the call was cancelled/superseded).
func (a *Actor) consumeInflight(correlationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.inflight[correlationID]; !ok {
		return false
	}
	delete(a.inflight, correlationID)
	return true
}

func (a *Actor) currentTimestamp() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.videoTimestamp
}

func (a *Actor) saveCheckpoint(ctx context.Context) {
	if a.deps.Checkpoints == nil {
		return
	}
	a.mu.Lock()
	snap := checkpoint.Snapshot{
		SessionID:        a.sessionID,
		UserID:           a.principal.UserID,
		DeviceID:         a.principal.DeviceID,
		Status:           a.status,
		VideoID:          a.videoID,
		VideoTimestamp:   a.videoTimestamp,
		Sequence:         a.sequence,
		LastTransitionAt: a.lastTransitionAt,
	}
	a.mu.Unlock()

	if err := a.deps.Checkpoints.Save(ctx, snap); err != nil {
		a.deps.Logger.Warn("sessionactor: checkpoint save failed", "session_id", a.sessionID, "err", err)
	}
}
