// Package checkpoint defines the persistence contract for SessionActor
// snapshots: the small slice of state (status, video anchor, sequence) that
// survives a restart while the audio buffer and visual context do not.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/reelnotes/sessioncore/pkg/types"
)

// ErrNotFound is returned when no checkpoint exists for a session_id.
var ErrNotFound = errors.New("checkpoint: not found")

// Snapshot is the slice of session state an actor persists periodically
// and on graceful shutdown, and reloads on restart. The audio buffer and
// pending visual context are deliberately excluded — they are lost on
// restart.
type Snapshot struct {
	SessionID        string
	UserID           string
	DeviceID         string
	Status           types.SessionStatus
	VideoID          string
	VideoTimestamp   float64
	Sequence         uint64
	LastTransitionAt time.Time
}

// Store persists and reloads session checkpoints.
type Store interface {
	// Save upserts the checkpoint for snap.SessionID.
	Save(ctx context.Context, snap Snapshot) error

	// Load returns the most recent checkpoint for sessionID, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (Snapshot, error)
}
