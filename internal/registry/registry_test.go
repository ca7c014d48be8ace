package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeActor struct {
	id      string
	stopped bool
}

func (f *fakeActor) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}

func countingFactory(created *int) Factory {
	return func(ctx context.Context, sessionID string, principal Principal) (Actor, error) {
		*created++
		return &fakeActor{id: sessionID}, nil
	}
}

func TestLookupOrCreateCreatesOnce(t *testing.T) {
	var created int
	r := New(countingFactory(&created))

	a1, err := r.LookupOrCreate(context.Background(), "s1", Principal{UserID: "u1"})
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	a2, err := r.LookupOrCreate(context.Background(), "s1", Principal{UserID: "u1"})
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if a1 != a2 {
		t.Fatal("expected the same actor instance on second lookup")
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
}

func TestLookupAbsent(t *testing.T) {
	r := New(countingFactory(new(int)))
	_, ok := r.Lookup("nope")
	if ok {
		t.Fatal("expected Lookup to report absent")
	}
}

func TestRemoveIsAtomic(t *testing.T) {
	var created int
	r := New(countingFactory(&created))
	_, _ = r.LookupOrCreate(context.Background(), "s1", Principal{})
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
	r.Remove("s1")
	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("expected session to be gone after Remove")
	}
	if r.Count() != 0 {
		t.Fatalf("Count = %d, want 0", r.Count())
	}
}

func TestFactoryErrorIsPropagated(t *testing.T) {
	r := New(func(ctx context.Context, sessionID string, principal Principal) (Actor, error) {
		return nil, fmt.Errorf("boom")
	})
	_, err := r.LookupOrCreate(context.Background(), "s1", Principal{})
	if err == nil {
		t.Fatal("expected error from factory")
	}
	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("failed creation must not register a session")
	}
}

func TestConcurrentLookupOrCreateConverges(t *testing.T) {
	var created int
	var mu sync.Mutex
	r := New(func(ctx context.Context, sessionID string, principal Principal) (Actor, error) {
		mu.Lock()
		created++
		mu.Unlock()
		return &fakeActor{id: sessionID}, nil
	})

	const n = 20
	results := make([]Actor, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			actor, err := r.LookupOrCreate(context.Background(), "shared", Principal{})
			if err != nil {
				t.Errorf("LookupOrCreate: %v", err)
				return
			}
			results[i] = actor
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, a := range results {
		if a != first {
			t.Fatalf("result[%d] differs from result[0]; registry did not converge on one actor", i)
		}
	}
}
