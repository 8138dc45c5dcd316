package eventbus

import (
	"testing"
	"time"

	"genbot/internal/model"
)

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := New()
	a, unsubA := bus.Subscribe(4)
	defer unsubA()
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(JobEvent(TypeJobQueued, model.Job{ID: "j1", UserID: 7}))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Type != TypeJobQueued || ev.Job.ID != "j1" || ev.Job.UserID != 7 {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.At.IsZero() {
				t.Fatal("event not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBroadcastEventCarriesRecord(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(BroadcastEvent(model.Broadcast{ID: "b1", Status: model.BroadcastCompleted}))
	ev := <-ch
	if ev.Type != TypeBroadcastDone || ev.Broadcast.ID != "b1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

// Publish must never block: a full subscriber drops events instead of
// stalling the publisher.
func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(JobEvent(TypeJobQueued, model.Job{ID: "kept"}))
	bus.Publish(JobEvent(TypeJobQueued, model.Job{ID: "dropped"}))

	ev := <-ch
	if ev.Job.ID != "kept" {
		t.Fatalf("got %q, want the first event", ev.Job.ID)
	}
	select {
	case ev := <-ch:
		t.Fatalf("overflow event delivered: %+v", ev)
	default:
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(JobEvent(TypeJobFailed, model.Job{ID: "late"}))
}
