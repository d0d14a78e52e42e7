package events

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishFansOut(t *testing.T) {
	bus := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := bus.Subscribe(ctx)
	b := bus.Subscribe(ctx)
	bus.Publish(Event{Type: VoteCast, BoxID: "box-1"})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case evt := <-ch:
			if evt.Type != VoteCast || evt.BoxID != "box-1" {
				t.Fatalf("unexpected event: %+v", evt)
			}
			if evt.Timestamp.IsZero() {
				t.Fatal("expected timestamp to be set")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	bus := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	if n := bus.Subscribers(); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	bus := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx)

	bus.Publish(Event{Type: PhaseChanged, BoxID: "first"})
	bus.Publish(Event{Type: PhaseChanged, BoxID: "second"})

	evt := <-ch
	if evt.BoxID != "first" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected dropped event, got %+v", evt)
	default:
	}
}

func TestSubscribeQueueKeepsEveryMatch(t *testing.T) {
	bus := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.SubscribeQueue(ctx, func(evt Event) bool { return evt.Type == PhaseChanged })

	bus.Publish(Event{Type: PhaseChanged, BoxID: "box-a"})
	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: VoteCast, BoxID: "box-a"})
	}
	bus.Publish(Event{Type: PhaseChanged, BoxID: "box-b"})

	for _, want := range []string{"box-a", "box-b"} {
		select {
		case evt := <-ch:
			if evt.Type != PhaseChanged || evt.BoxID != want {
				t.Fatalf("expected phase change of %s, got %+v", want, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("phase change of %s not delivered", want)
		}
	}
	select {
	case evt := <-ch:
		t.Fatalf("unmatched event delivered: %+v", evt)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSubscribeQueueClosesOnCancel(t *testing.T) {
	bus := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.SubscribeQueue(ctx, nil)
	bus.Publish(Event{Type: Evaluated, BoxID: "pending"})
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				if n := bus.Subscribers(); n != 0 {
					t.Fatalf("expected no subscribers, got %d", n)
				}
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
