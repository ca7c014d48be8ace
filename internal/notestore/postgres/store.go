// Package postgres is the pgx/v5-backed implementation of notestore.Store,
// with visual embeddings held in a pgvector column.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/pkg/types"
)

var _ notestore.Store = (*Store)(nil)

// Store is the central PostgreSQL-backed NoteStore. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	bus  *bus.Bus
}

// New creates a Store, establishes a connection pool to dsn, registers
// pgvector types on every connection, and runs Migrate to ensure the notes
// table exists. b may be nil, in which case change events are not published
// (used in tests that don't care about bus wiring).
func New(ctx context.Context, dsn string, b *bus.Bus) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("notestore postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("notestore postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("notestore postgres: ping: %w", err)
	}

	return &Store{pool: pool, bus: b}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() { s.pool.Close() }

func embeddingOf(v []float32) *pgvector.Vector {
	if len(v) == 0 {
		return nil
	}
	vec := pgvector.NewVector(v)
	return &vec
}

func (s *Store) publish(ctx context.Context, kind string, note types.Note) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, "video:"+note.VideoID, kind, note)
	s.bus.Publish(ctx, "note:"+note.NoteID, kind, note)
}

const insertQuery = `
	INSERT INTO notes
	    (note_id, session_id, user_id, video_id, video_timestamp, text, category,
	     confidence, enrichment_source, visual_context, visual_embedding, status,
	     low_confidence, external_link, error_reason)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	RETURNING sequence`

// Create implements notestore.Store.
func (s *Store) Create(ctx context.Context, note types.Note) error {
	visualContext, err := json.Marshal(note.VisualContext)
	if err != nil {
		return fmt.Errorf("notestore postgres: marshal visual context: %w", err)
	}

	row := s.pool.QueryRow(ctx, insertQuery,
		note.NoteID,
		note.SessionID,
		note.UserID,
		note.VideoID,
		note.Timestamp,
		note.Text,
		note.Category,
		note.Confidence,
		note.EnrichmentSource.String(),
		visualContext,
		embeddingOf(note.VisualEmbedding),
		note.Status.String(),
		note.LowConfidence,
		note.ExternalLink,
		note.ErrorReason,
	)
	if err := row.Scan(&note.Sequence); err != nil {
		return fmt.Errorf("notestore postgres: create: %w", err)
	}
	s.publish(ctx, "created", note)
	return nil
}

const updateQuery = `
	UPDATE notes
	SET text = $1, category = $2, confidence = $3, enrichment_source = $4,
	    visual_context = $5, visual_embedding = $6, status = $7,
	    low_confidence = $8, external_link = $9, error_reason = $10,
	    updated_at = now()
	WHERE note_id = $11
	RETURNING ` + selectColumns

// Update implements notestore.Store. The comparison against
// lastKnownUpdatedAt never blocks the write — a mismatch only produces an
// "update_conflict" observability event, per the NoteStore contract.
func (s *Store) Update(ctx context.Context, noteID string, patch notestore.Patch, lastKnownUpdatedAt time.Time) (types.Note, error) {
	current, err := s.Get(ctx, noteID)
	if err != nil {
		return types.Note{}, err
	}
	if !current.UpdatedAt.Equal(lastKnownUpdatedAt) && s.bus != nil {
		s.bus.Publish(ctx, "note:"+noteID, "update_conflict", current)
	}

	applyPatch(&current, patch)

	visualContext, err := json.Marshal(current.VisualContext)
	if err != nil {
		return types.Note{}, fmt.Errorf("notestore postgres: marshal visual context: %w", err)
	}

	row := s.pool.QueryRow(ctx, updateQuery,
		current.Text,
		current.Category,
		current.Confidence,
		current.EnrichmentSource.String(),
		visualContext,
		embeddingOf(current.VisualEmbedding),
		current.Status.String(),
		current.LowConfidence,
		current.ExternalLink,
		current.ErrorReason,
		noteID,
	)
	updated, err := scanNote(row)
	if err != nil {
		return types.Note{}, fmt.Errorf("notestore postgres: update: %w", err)
	}
	s.publish(ctx, "updated", updated)
	return updated, nil
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

const selectColumns = `note_id, session_id, user_id, video_id, video_timestamp, text, category,
	    confidence, enrichment_source, visual_context, visual_embedding, status,
	    low_confidence, external_link, error_reason, created_at, updated_at, sequence`

// Get implements notestore.Store.
func (s *Store) Get(ctx context.Context, noteID string) (types.Note, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM notes WHERE note_id = $1", noteID)
	note, err := scanNote(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Note{}, notestore.ErrNotFound
	}
	if err != nil {
		return types.Note{}, fmt.Errorf("notestore postgres: get: %w", err)
	}
	return note, nil
}

// ListByVideo implements notestore.Store.
func (s *Store) ListByVideo(ctx context.Context, videoID string, opts notestore.ListOptions) ([]types.Note, error) {
	query := "SELECT " + selectColumns + " FROM notes WHERE video_id = $1 AND status <> 'archived' AND sequence > $2 ORDER BY video_timestamp"
	args := []any{videoID, opts.SinceSequence}
	if opts.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("notestore postgres: list by video: %w", err)
	}
	defer rows.Close()

	var notes []types.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("notestore postgres: scan row: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notestore postgres: list by video: %w", err)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (types.Note, error) {
	var (
		n             types.Note
		enrichment    string
		status        string
		embedding     *pgvector.Vector
		visualContext []byte
	)
	err := row.Scan(
		&n.NoteID,
		&n.SessionID,
		&n.UserID,
		&n.VideoID,
		&n.Timestamp,
		&n.Text,
		&n.Category,
		&n.Confidence,
		&enrichment,
		&visualContext,
		&embedding,
		&status,
		&n.LowConfidence,
		&n.ExternalLink,
		&n.ErrorReason,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.Sequence,
	)
	if err != nil {
		return types.Note{}, err
	}
	n.EnrichmentSource = parseEnrichmentSource(enrichment)
	n.Status = parseNoteStatus(status)
	if embedding != nil {
		n.VisualEmbedding = embedding.Slice()
	}
	if len(visualContext) > 0 {
		if err := json.Unmarshal(visualContext, &n.VisualContext); err != nil {
			return types.Note{}, fmt.Errorf("unmarshal visual context: %w", err)
		}
	}
	if n.VisualContext == nil {
		n.VisualContext = map[string]any{}
	}
	return n, nil
}

func parseEnrichmentSource(s string) types.EnrichmentSource {
	switch s {
	case "local_embedding":
		return types.EnrichmentLocalEmbedding
	case "cloud_vision":
		return types.EnrichmentCloudVision
	default:
		return types.EnrichmentNone
	}
}

func parseNoteStatus(s string) types.NoteStatus {
	switch s {
	case "firmed":
		return types.NoteFirmed
	case "queued_for_posting":
		return types.NoteQueuedForPosting
	case "posting":
		return types.NotePosting
	case "posted":
		return types.NotePosted
	case "failed":
		return types.NoteFailed
	case "archived":
		return types.NoteArchived
	default:
		return types.NoteGhost
	}
}
