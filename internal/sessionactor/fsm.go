package sessionactor

import (
	"context"
	"time"

	"github.com/reelnotes/sessioncore/pkg/types"
)

// transitionEdges enumerates every valid (from, to) pair other than the
// universal "any → idle" rule, which is checked separately in
// validTransition.
var transitionEdges = map[types.SessionStatus]map[types.SessionStatus]bool{
	types.StatusIdle: {
		types.StatusListening: true,
	},
	types.StatusListening: {
		types.StatusTranscribing: true,
		types.StatusStructuring:  true,
	},
	types.StatusTranscribing: {
		types.StatusStructuring: true,
		types.StatusError:       true,
		types.StatusCancelling:  true,
	},
	types.StatusStructuring: {
		types.StatusConfirming: true,
		types.StatusError:      true,
		types.StatusCancelling: true,
	},
	types.StatusConfirming: {
		types.StatusCancelling:   true,
		types.StatusExecutingTool: true,
	},
}

// validTransition reports whether moving from "from" to "to" is allowed by
// the state machine in §4.2: the explicit edge table, plus the universal
// "any state may transition to idle" rule.
func validTransition(from, to types.SessionStatus) bool {
	if to == types.StatusIdle {
		return true
	}
	if from == to {
		return false
	}
	edges, ok := transitionEdges[from]
	if !ok {
		return false
	}
	return edges[to]
}

// setStatus validates and applies a transition, recording the metric and
// publishing a state_changed event. An invalid transition is a programmer
// error: it is forced to StatusError instead, per the "invalid_transition"
// error kind.
func (a *Actor) setStatus(ctx context.Context, to types.SessionStatus) {
	a.mu.Lock()
	from := a.status
	if !validTransition(from, to) {
		a.mu.Unlock()
		a.deps.Logger.Error("sessionactor: invalid transition forced to error",
			"session_id", a.sessionID, "from", from.String(), "to", to.String())
		a.forceError(ctx, "invalid_transition")
		return
	}
	a.status = to
	a.lastTransitionAt = time.Now()
	a.mu.Unlock()

	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordStateTransition(ctx, from.String(), to.String())
	}
	a.publish(ctx, "state_changed", map[string]any{"from": from.String(), "to": to.String()})
}

// forceError transitions directly to StatusError (always valid: any state
// may move to error via the invalid_transition recovery path) and emits the
// non-transient-false error event documented in §7.
func (a *Actor) forceError(ctx context.Context, kind string) {
	a.mu.Lock()
	from := a.status
	a.status = types.StatusError
	a.lastTransitionAt = time.Now()
	a.mu.Unlock()

	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordStateTransition(ctx, from.String(), types.StatusError.String())
	}
	a.publish(ctx, "error", map[string]any{"transient": false, "kind": kind})
	a.publish(ctx, "state_changed", map[string]any{"from": from.String(), "to": types.StatusError.String()})
}

// publish assigns the next outbox sequence number, records the event in the
// outbox ring buffer, and publishes it to the session's bus topic.
func (a *Actor) publish(ctx context.Context, kind string, payload any) {
	a.mu.Lock()
	a.sequence++
	seq := a.sequence
	a.box.push(OutboundEvent{Sequence: seq, Kind: kind, Payload: payload})
	a.mu.Unlock()

	if a.deps.Bus != nil {
		a.deps.Bus.Publish(ctx, "session:"+a.sessionID, kind, payload)
	}
}

// publishLocked is used only during New, before the run loop starts, where
// no concurrent access is possible.
func (a *Actor) publishLocked(ctx context.Context, kind string, payload any) {
	a.sequence++
	seq := a.sequence
	a.box.push(OutboundEvent{Sequence: seq, Kind: kind, Payload: payload})
	if a.deps.Bus != nil {
		a.deps.Bus.Publish(ctx, "session:"+a.sessionID, kind, payload)
	}
}
