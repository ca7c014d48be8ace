package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/reelnotes/sessioncore/internal/bus"
	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/pkg/types"
)

func TestCreateGetRoundTrip(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	note := types.Note{NoteID: "n1", VideoID: "v1", Timestamp: 1, Text: "hi"}
	if err := s.Create(ctx, note); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Text != "hi" {
		t.Fatalf("got = %+v", got)
	}
}

func TestUpdateAppliesPatchEvenOnStaleUpdatedAt(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	note := types.Note{NoteID: "n1", VideoID: "v1"}
	if err := s.Create(ctx, note); err != nil {
		t.Fatalf("Create: %v", err)
	}

	text := "revised"
	stale := time.Now().Add(-time.Hour)
	got, err := s.Update(ctx, "n1", notestore.Patch{Text: &text}, stale)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Text != "revised" {
		t.Fatalf("Update did not apply despite stale lastKnownUpdatedAt: %+v", got)
	}
}

func TestListByVideoExcludesArchivedAndOrders(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.Create(ctx, types.Note{NoteID: "later", VideoID: "v1", Timestamp: 9})
	_ = s.Create(ctx, types.Note{NoteID: "earlier", VideoID: "v1", Timestamp: 1})
	_ = s.Create(ctx, types.Note{NoteID: "archived", VideoID: "v1", Timestamp: 5})
	if _, err := s.Archive(ctx, "archived"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	notes, err := s.ListByVideo(ctx, "v1", notestore.ListOptions{})
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(notes) != 2 || notes[0].NoteID != "earlier" || notes[1].NoteID != "later" {
		t.Fatalf("unexpected notes: %+v", notes)
	}
}

func TestListByVideoSinceSequenceAndLimit(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	_ = s.Create(ctx, types.Note{NoteID: "n1", VideoID: "v1", Timestamp: 1})
	_ = s.Create(ctx, types.Note{NoteID: "n2", VideoID: "v1", Timestamp: 2})
	_ = s.Create(ctx, types.Note{NoteID: "n3", VideoID: "v1", Timestamp: 3})

	notes, err := s.ListByVideo(ctx, "v1", notestore.ListOptions{SinceSequence: 1})
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(notes) != 2 || notes[0].NoteID != "n2" || notes[1].NoteID != "n3" {
		t.Fatalf("unexpected notes after SinceSequence: %+v", notes)
	}

	limited, err := s.ListByVideo(ctx, "v1", notestore.ListOptions{Limit: 1})
	if err != nil {
		t.Fatalf("ListByVideo: %v", err)
	}
	if len(limited) != 1 || limited[0].NoteID != "n1" {
		t.Fatalf("unexpected notes after Limit: %+v", limited)
	}
}

func TestChangeEventsPublishedOnBus(t *testing.T) {
	b := bus.New()
	s := New(b)
	ctx := context.Background()

	sub := b.Subscribe("video:v1")
	defer b.Unsubscribe(sub)

	if err := s.Create(ctx, types.Note{NoteID: "n1", VideoID: "v1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case evt := <-sub.Events():
		if evt.Kind != "created" {
			t.Fatalf("Kind = %q, want created", evt.Kind)
		}
	default:
		t.Fatal("expected an event on video:v1")
	}
}

func TestUpdateConflictPublishesObservabilityEvent(t *testing.T) {
	b := bus.New()
	s := New(b)
	ctx := context.Background()
	if err := s.Create(ctx, types.Note{NoteID: "n1", VideoID: "v1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub := b.Subscribe("note:n1")
	defer b.Unsubscribe(sub)

	text := "edited"
	stale := time.Now().Add(-time.Hour)
	if _, err := s.Update(ctx, "n1", notestore.Patch{Text: &text}, stale); err != nil {
		t.Fatalf("Update: %v", err)
	}

	var sawConflict bool
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Kind == "update_conflict" {
				sawConflict = true
			}
		default:
		}
	}
	if !sawConflict {
		t.Fatal("expected an update_conflict event for stale lastKnownUpdatedAt")
	}
}
