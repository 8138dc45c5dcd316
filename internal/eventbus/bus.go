// Package eventbus decouples the engine's services with an in-process fanout
// bus: the queue and dispatcher publish job transitions, the broadcaster
// reports finished fan-outs, and the chat transport consumes both to notify
// users.
package eventbus

import (
	"sync"
	"time"

	"genbot/internal/model"
)

// Event types published by the engine.
const (
	TypeJobQueued     = "job.queued"
	TypeJobStarted    = "job.started"
	TypeJobSucceeded  = "job.succeeded"
	TypeJobFailed     = "job.failed"
	TypeJobCancelled  = "job.cancelled"
	TypeBroadcastDone = "broadcast.done"
)

// Event carries one engine occurrence. Exactly one payload field is set,
// matching the Type prefix: Job for job.* events, Broadcast for broadcast.*.
//
// Contract:
//   - Publish never blocks.
//   - Slow subscribers lose events; the buffer is the only backpressure.
type Event struct {
	Type string
	At   time.Time

	Job       model.Job
	Broadcast model.Broadcast
}

// JobEvent builds a job lifecycle event carrying a snapshot of the job.
func JobEvent(typ string, j model.Job) Event {
	return Event{Type: typ, Job: j}
}

// BroadcastEvent reports a finished fan-out.
func BroadcastEvent(b model.Broadcast) Event {
	return Event{Type: TypeBroadcastDone, Broadcast: b}
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish
// delivers inline.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan Event
}

// Publish stamps and delivers the event to every subscriber whose buffer has
// room. Sends happen under the same lock that guards Unsubscribe's close, so
// a send on a closed channel cannot occur.
func (f *fanout) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	f.mu.Lock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
	f.mu.Unlock()
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			close(ch)
			f.mu.Unlock()
		})
	}
	return ch, unsub
}
