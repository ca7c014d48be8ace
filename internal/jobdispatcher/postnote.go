package jobdispatcher

import (
	"context"
	"fmt"

	"github.com/reelnotes/sessioncore/internal/notestore"
	"github.com/reelnotes/sessioncore/pkg/types"
)

// PostNoteExecutor moves a non-terminal note to posting and then to posted.
// It does not set queued_for_posting, and nothing on the dispatch path sets
// that status either. "Posting" here is the act of handing the note
// off to whatever downstream system external_link ultimately resolves
// against; with no such system configured, the transition itself is the
// durable side effect note consumers observe via the note:<id> bus topic.
type PostNoteExecutor struct {
	Notes notestore.Store
}

// Execute implements Executor.
func (e *PostNoteExecutor) Execute(ctx context.Context, noteID string, _ map[string]any) error {
	note, err := e.Notes.Get(ctx, noteID)
	if err != nil {
		return fmt.Errorf("jobdispatcher: post_note: get note: %w", err)
	}
	if note.Status.Terminal() {
		return nil
	}

	posting := types.NotePosting
	note, err = e.Notes.Update(ctx, noteID, notestore.Patch{Status: &posting}, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("jobdispatcher: post_note: set posting: %w", err)
	}

	posted := types.NotePosted
	link := fmt.Sprintf("reelnotes://video/%s/note/%s#t=%.2f", note.VideoID, note.NoteID, note.Timestamp)
	_, err = e.Notes.Update(ctx, noteID, notestore.Patch{Status: &posted, ExternalLink: &link}, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("jobdispatcher: post_note: set posted: %w", err)
	}
	return nil
}

var _ Executor = (*PostNoteExecutor)(nil)
