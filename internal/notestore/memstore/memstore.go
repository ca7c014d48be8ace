// Package memstore is an in-memory notestore.Store used by tests that
// exercise session actors and job dispatch without a live database.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/pkg/types"
)

var _ notestore.Store = (*Store)(nil)

// Store is a sync.Mutex-guarded map standing in for a real database.
type Store struct {
	bus *bus.Bus

	mu      sync.Mutex
	notes   map[string]types.Note
	nextSeq int64
}

// New constructs a Store. b may be nil to skip change-event publication.
func New(b *bus.Bus) *Store {
	return &Store{bus: b, notes: make(map[string]types.Note)}
}

func (s *Store) publish(ctx context.Context, kind string, note types.Note) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, "video:"+note.VideoID, kind, note)
	s.bus.Publish(ctx, "note:"+note.NoteID, kind, note)
}

// Create implements notestore.Store.
func (s *Store) Create(ctx context.Context, note types.Note) error {
	s.mu.Lock()
	s.nextSeq++
	note.Sequence = s.nextSeq
	s.notes[note.NoteID] = note
	s.mu.Unlock()
	s.publish(ctx, "created", note)
	return nil
}

// Update implements notestore.Store.
func (s *Store) Update(ctx context.Context, noteID string, patch notestore.Patch, lastKnownUpdatedAt time.Time) (types.Note, error) {
	s.mu.Lock()
	note, ok := s.notes[noteID]
	if !ok {
		s.mu.Unlock()
		return types.Note{}, notestore.ErrNotFound
	}
	conflict := !note.UpdatedAt.Equal(lastKnownUpdatedAt)

	applyPatch(&note, patch)
	note.UpdatedAt = note.UpdatedAt.Add(time.Nanosecond) // monotonically advance without relying on time.Now
	s.notes[noteID] = note
	s.mu.Unlock()

	if conflict {
		s.publish(ctx, "update_conflict", note)
	}
	s.publish(ctx, "updated", note)
	return note, nil
}

func applyPatch(note *types.Note, patch notestore.Patch) {
	if patch.Text != nil {
		note.Text = *patch.Text
	}
	if patch.Category != nil {
		note.Category = *patch.Category
	}
	if patch.Confidence != nil {
		note.Confidence = *patch.Confidence
	}
	if patch.Status != nil {
		note.Status = *patch.Status
	}
	if patch.LowConfidence != nil {
		note.LowConfidence = *patch.LowConfidence
	}
	if patch.EnrichmentSource != nil {
		note.EnrichmentSource = *patch.EnrichmentSource
	}
	if patch.VisualContext != nil {
		note.VisualContext = patch.VisualContext
	}
	if patch.VisualEmbedding != nil {
		note.VisualEmbedding = patch.VisualEmbedding
	}
	if patch.ExternalLink != nil {
		note.ExternalLink = *patch.ExternalLink
	}
	if patch.ErrorReason != nil {
		note.ErrorReason = *patch.ErrorReason
	}
}

// Get implements notestore.Store.
func (s *Store) Get(ctx context.Context, noteID string) (types.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return types.Note{}, notestore.ErrNotFound
	}
	return note, nil
}

// ListByVideo implements notestore.Store.
func (s *Store) ListByVideo(ctx context.Context, videoID string, opts notestore.ListOptions) ([]types.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var notes []types.Note
	for _, note := range s.notes {
		if note.VideoID != videoID || note.Status == types.NoteArchived {
			continue
		}
		if opts.SinceSequence > 0 && note.Sequence <= opts.SinceSequence {
			continue
		}
		notes = append(notes, note)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Timestamp < notes[j].Timestamp })
	if opts.Limit > 0 && len(notes) > opts.Limit {
		notes = notes[:opts.Limit]
	}
	if notes == nil {
		notes = []types.Note{}
	}
	return notes, nil
}

// Archive implements notestore.Store.
func (s *Store) Archive(ctx context.Context, noteID string) (types.Note, error) {
	current, err := s.Get(ctx, noteID)
	if err != nil {
		return types.Note{}, err
	}
	archived := types.NoteArchived
	updated, err := s.Update(ctx, noteID, notestore.Patch{Status: &archived}, current.UpdatedAt)
	if err != nil {
		return types.Note{}, err
	}
	s.publish(ctx, "archived", updated)
	return updated, nil
}
