// Package registry maps session_id to an active SessionActor handle,
// creating actors on demand and locating them again on reconnect.
//
// Generalized from the teacher's single-active-session SessionManager
// (internal/app/session_manager.go), which enforced "one session at a time"
// under a single mutex; here the same closers-on-teardown discipline
// guards a map of concurrently active sessions instead of one.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Principal identifies the caller that owns or is reconnecting to a session.
type Principal struct {
	UserID   string
	DeviceID string
}

// Actor is the subset of a SessionActor's lifecycle the registry needs:
// something it can stop when the entry is removed. The concrete
// implementation lives in internal/sessionactor; the registry depends only
// on this interface to avoid an import cycle (sessionactor depends on
// registry-adjacent concerns like the bus and note store, not the other way
// around).
type Actor interface {
	Stop(ctx context.Context) error
}

// Factory creates a new Actor for sessionID, bound to principal. Supplied by
// the caller (normally the supervisor) at construction time.
type Factory func(ctx context.Context, sessionID string, principal Principal) (Actor, error)

// Registry guarantees at most one Actor per session_id at a time.
type Registry struct {
	factory Factory

	mu     sync.Mutex
	actors map[string]Actor
}

// New constructs a Registry that creates actors via factory.
func New(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		actors:  make(map[string]Actor),
	}
}

// LookupOrCreate returns the existing actor for sessionID, or creates one
// via the configured factory if none exists yet.
func (r *Registry) LookupOrCreate(ctx context.Context, sessionID string, principal Principal) (Actor, error) {
	r.mu.Lock()
	if actor, ok := r.actors[sessionID]; ok {
		r.mu.Unlock()
		return actor, nil
	}
	r.mu.Unlock()

	actor, err := r.factory(ctx, sessionID, principal)
	if err != nil {
		return nil, fmt.Errorf("registry: create session %q: %w", sessionID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.actors[sessionID]; ok {
		// Lost a race against a concurrent LookupOrCreate for the same
		// session_id: keep the winner, tear down the loser.
		go func() { _ = actor.Stop(context.Background()) }()
		return existing, nil
	}
	r.actors[sessionID] = actor
	return actor, nil
}

// Lookup returns the actor for sessionID and true, or false if absent.
func (r *Registry) Lookup(sessionID string) (Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actor, ok := r.actors[sessionID]
	return actor, ok
}

// Remove atomically removes sessionID's entry, if any. Called on actor
// termination; it does not itself stop the actor.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, sessionID)
}

// Count returns the number of currently registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// StopAll stops every currently registered actor concurrently, waiting for
// all to finish or for ctx to expire, and clears the registry. Used by the
// SupervisorTree during graceful shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	actors := make([]Actor, 0, len(r.actors))
	for id, actor := range r.actors {
		actors = append(actors, actor)
		delete(r.actors, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(actors))
	for i, actor := range actors {
		wg.Add(1)
		go func(i int, actor Actor) {
			defer wg.Done()
			errs[i] = actor.Stop(ctx)
		}(i, actor)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
