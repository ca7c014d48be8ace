// Package postgres is the pgx/v5-backed implementation of checkpoint.Store,
// mirroring notestore/postgres's pool-and-migrations idiom for the
// session_checkpoints table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelnotes/sessioncore/internal/checkpoint"
	"github.com/reelnotes/sessioncore/pkg/types"
)

var _ checkpoint.Store = (*Store)(nil)

// Store is the PostgreSQL-backed checkpoint.Store. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to dsn, and runs
// Migrate to ensure the session_checkpoints table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint postgres: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() { s.pool.Close() }

const upsertQuery = `
	INSERT INTO session_checkpoints
	    (session_id, user_id, device_id, status, video_id, video_timestamp, sequence, last_transition_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (session_id) DO UPDATE SET
	    status              = EXCLUDED.status,
	    video_id            = EXCLUDED.video_id,
	    video_timestamp     = EXCLUDED.video_timestamp,
	    sequence            = EXCLUDED.sequence,
	    last_transition_at  = EXCLUDED.last_transition_at,
	    updated_at          = now()`

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, snap checkpoint.Snapshot) error {
	_, err := s.pool.Exec(ctx, upsertQuery,
		snap.SessionID, snap.UserID, snap.DeviceID, string(snap.Status),
		snap.VideoID, snap.VideoTimestamp, snap.Sequence, snap.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("checkpoint postgres: save %q: %w", snap.SessionID, err)
	}
	return nil
}

const selectQuery = `
	SELECT session_id, user_id, device_id, status, video_id, video_timestamp, sequence, last_transition_at
	FROM session_checkpoints
	WHERE session_id = $1`

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, sessionID string) (checkpoint.Snapshot, error) {
	var snap checkpoint.Snapshot
	var status string
	row := s.pool.QueryRow(ctx, selectQuery, sessionID)
	err := row.Scan(&snap.SessionID, &snap.UserID, &snap.DeviceID, &status,
		&snap.VideoID, &snap.VideoTimestamp, &snap.Sequence, &snap.LastTransitionAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Snapshot{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("checkpoint postgres: load %q: %w", sessionID, err)
	}
	snap.Status, _ = types.ParseSessionStatus(status)
	return snap, nil
}
