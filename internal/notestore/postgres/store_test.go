package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/internal/notestore/postgres"
	"github.com/reelnotes/sessioncore/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if REELNOTES_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("REELNOTES_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REELNOTES_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh postgres.Store with a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	if _, err := cleanPool.Exec(ctx, "DROP TABLE IF EXISTS notes CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.New(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func newNote(id string) types.Note {
	return types.Note{
		NoteID:     id,
		SessionID:  "session-1",
		UserID:     "user-1",
		VideoID:    "video-1",
		Timestamp:  12.5,
		Text:       "pacing feels slow here",
		Category:   "pacing",
		Confidence: 0.82,
		Status:     types.NoteGhost,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note := newNote("note-1")
	note.VisualContext = map[string]any{"device": "webcam"}
	note.VisualEmbedding = make([]float32, 512)
	note.VisualEmbedding[0] = 0.5

	if err := store.Create(ctx, note); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != note.Text || got.Category != note.Category {
		t.Errorf("got = %+v", got)
	}
	if len(got.VisualEmbedding) != 512 {
		t.Errorf("VisualEmbedding = %v, want len 512", len(got.VisualEmbedding))
	}
	if got.VisualContext["device"] != "webcam" {
		t.Errorf("VisualContext = %v", got.VisualContext)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "does-not-exist")
	if err != notestore.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateAppliesPatchRegardlessOfStaleUpdatedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note := newNote("note-2")
	if err := store.Create(ctx, note); err != nil {
		t.Fatalf("Create: %v", err)
	}

	text := "revised text"
	stale := time.Now().Add(-time.Hour)
	got, err := store.Update(ctx, "note-2", notestore.Patch{Text: &text}, stale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Text != "revised text" {
		t.Fatalf("got.Text = %q, want applied despite stale compare", got.Text)
	}
}

func TestListByVideoOrdersByTimestampAndSkipsArchived(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	later := newNote("note-later")
	later.VideoID = "video-list"
	later.Timestamp = 30

	earlier := newNote("note-earlier")
	earlier.VideoID = "video-list"
	earlier.Timestamp = 5

	archived := newNote("note-archived")
	archived.VideoID = "video-list"
	archived.Timestamp = 10

	for _, n := range []types.Note{later, earlier, archived} {
		if err := store.Create(ctx, n); err != nil {
			t.Fatalf("Create(%s): %v", n.NoteID, err)
		}
	}
	if _, err := store.Archive(ctx, "note-archived"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	notes, err := store.ListByVideo(ctx, "video-list", notestore.ListOptions{})
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("len(notes) = %d, want 2", len(notes))
	}
	if notes[0].NoteID != "note-earlier" || notes[1].NoteID != "note-later" {
		t.Errorf("unexpected order: %s, %s", notes[0].NoteID, notes[1].NoteID)
	}
}

func TestListByVideoSinceSequenceAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	n1 := newNote("note-seq-1")
	n1.VideoID = "video-seq"
	n1.Timestamp = 1
	n2 := newNote("note-seq-2")
	n2.VideoID = "video-seq"
	n2.Timestamp = 2

	if err := store.Create(ctx, n1); err != nil {
		t.Fatalf("Create(%s): %v", n1.NoteID, err)
	}
	if err := store.Create(ctx, n2); err != nil {
		t.Fatalf("Create(%s): %v", n2.NoteID, err)
	}

	limited, err := store.ListByVideo(ctx, "video-seq", notestore.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(limited) != 1 || limited[0].NoteID != "note-seq-1" {
		t.Fatalf("unexpected notes with Limit: %+v", limited)
	}

	since, err := store.ListByVideo(ctx, "video-seq", notestore.ListOptions{SinceSequence: limited[0].Sequence})
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	for _, n := range since {
		if n.NoteID == "note-seq-1" {
			t.Fatalf("SinceSequence should have excluded %s", n.NoteID)
		}
	}
}

func TestArchiveSetsStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note := newNote("note-3")
	if err := store.Create(ctx, note); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Archive(ctx, "note-3"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := store.Get(ctx, "note-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.NoteArchived {
		t.Errorf("Status = %v, want NoteArchived", got.Status)
	}
	if got.UpdatedAt.IsZero() {
		t.Errorf("UpdatedAt not set")
	}
}
