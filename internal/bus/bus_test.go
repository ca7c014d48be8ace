package bus

import (
	"context"
	"testing"
	"time"
)

func TestSubscribePublishDeliversInOrder(t *testing.T) {
	b := New(WithQueueCapacity(8))
	sub := b.Subscribe("session:abc")
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	b.Publish(ctx, "session:abc", "state_changed", 1)
	b.Publish(ctx, "session:abc", "state_changed", 2)
	b.Publish(ctx, "session:abc", "state_changed", 3)

	for _, want := range []int{1, 2, 3} {
		select {
		case evt := <-sub.Events():
			if evt.Payload != want {
				t.Fatalf("payload = %v, want %v", evt.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestPublishDoesNotAffectOtherTopics(t *testing.T) {
	b := New()
	subA := b.Subscribe("session:a")
	subB := b.Subscribe("session:b")
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.Publish(context.Background(), "session:a", "x", "only-a")

	select {
	case evt := <-subA.Events():
		if evt.Payload != "only-a" {
			t.Fatalf("unexpected payload %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subA did not receive event")
	}

	select {
	case evt := <-subB.Events():
		t.Fatalf("subB should not have received an event, got %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldestAndMarksLag(t *testing.T) {
	b := New(WithQueueCapacity(2))
	sub := b.Subscribe("session:slow")
	defer b.Unsubscribe(sub)

	ctx := context.Background()
	b.Publish(ctx, "session:slow", "k", 1)
	b.Publish(ctx, "session:slow", "k", 2)
	b.Publish(ctx, "session:slow", "k", 3) // overflow: drops 1, replaces 3 with a lag marker

	var sawLag bool
	var survivor any
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub.Events():
			if evt.Kind == laggedKind {
				sawLag = true
			} else {
				survivor = evt.Payload
			}
		case <-time.After(time.Second):
			t.Fatal("timed out draining queue")
		}
	}
	if !sawLag {
		t.Error("expected a lagged marker after overflow")
	}
	if survivor != 2 {
		t.Errorf("expected event 2 to survive as the oldest retained entry, got %v", survivor)
	}
}

func TestUnsubscribeIsIdempotentAndClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("video:v1")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // must not panic

	_, ok := <-sub.Events()
	if ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

func TestMultipleSubscribersOnSameTopicAllReceive(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("user:u1")
	sub2 := b.Subscribe("user:u1")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(context.Background(), "user:u1", "k", "hello")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case evt := <-sub.Events():
			if evt.Payload != "hello" {
				t.Fatalf("payload = %v", evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}
