// Package jobdispatcher implements the JobDispatcher: a bounded worker pool
// that executes background jobs a SessionActor enqueues (post_note,
// refine_with_vision), retrying transient failures and dead-lettering a job
// once its attempt budget is exhausted.
//
// Grounded on the teacher's provider-call retry/breaker idiom
// (internal/resilience) for per-job retry discipline, and on
// other_examples/tarsy's pkg/mcp client for the refine_with_vision tool
// call, generalized from a multi-server registry to the single configured
// vision server this job needs.
package jobdispatcher

import (
	"time"

	"github.com/reelnotes/sessioncore/pkg/types"
)

// job is one unit of work accepted by Enqueue. It is not exported: callers
// only ever see the JobEnqueuer.Enqueue signature.
type job struct {
	kind     types.JobKind
	noteID   string
	payload  map[string]any
	attempts int
	queuedAt time.Time
}

// idempotencyKey identifies a job for the purpose of suppressing duplicate
// enqueues within the configured TTL window.
type idempotencyKey struct {
	kind   types.JobKind
	noteID string
}
