// Package notestore defines the persistence contract for Note entities.
//
// Every mutation publishes a change event on the bus so side panels and
// automation workers observe note lifecycle transitions without polling.
package notestore

import (
	"context"
	"errors"
	"time"

	"github.com/reelnotes/sessioncore/pkg/types"
)

// ErrNotFound is returned when a lookup by NoteID matches no row.
var ErrNotFound = errors.New("notestore: note not found")

// Patch carries the fields of a partial Note update. Nil pointer fields and
// a nil VisualContext/VisualEmbedding are left unchanged.
type Patch struct {
	Text             *string
	Category         *string
	Confidence       *float64
	Status           *types.NoteStatus
	LowConfidence    *bool
	EnrichmentSource *types.EnrichmentSource
	VisualContext    map[string]any
	VisualEmbedding  []float32
	ExternalLink     *string
	ErrorReason      *string
}

// ListOptions bounds a ListByVideo read: SinceSequence, when non-zero,
// excludes notes assigned a Sequence at or below it (incremental/catchup
// reads); Limit, when non-zero, caps the number of notes returned after
// ordering. The zero value returns every non-archived note for the video.
type ListOptions struct {
	SinceSequence int64
	Limit         int
}

// Store is the NoteStore component: durable storage for Note entities with
// optimistic-but-non-blocking concurrency on update and bus-published change
// notifications.
type Store interface {
	// Create inserts a new note and publishes a "created" event on
	// video:<VideoID> and note:<NoteID>. note.NoteID must be pre-populated
	// by the caller (session actors mint IDs via uuid.NewString()); Sequence
	// is assigned by the store itself, monotonically increasing across all
	// notes it holds.
	Create(ctx context.Context, note types.Note) error

	// Update applies patch to the note identified by noteID. lastKnownUpdatedAt
	// is compared against the row's current UpdatedAt: on a mismatch the
	// write still applies (this is not a rejecting compare-and-swap), but an
	// "update_conflict" event is published on note:<noteID> for
	// observability. On success the full updated note is returned and an
	// "updated" event is published on video:<VideoID> and note:<NoteID>.
	Update(ctx context.Context, noteID string, patch Patch, lastKnownUpdatedAt time.Time) (types.Note, error)

	// Get returns the note identified by noteID, or ErrNotFound.
	Get(ctx context.Context, noteID string) (types.Note, error)

	// ListByVideo returns non-archived notes for videoID ordered by
	// Timestamp ascending, filtered and capped by opts.
	ListByVideo(ctx context.Context, videoID string, opts ListOptions) ([]types.Note, error)

	// Archive marks the note as archived and publishes an "archived" event.
	// It does not delete the row.
	Archive(ctx context.Context, noteID string) (types.Note, error)
}
