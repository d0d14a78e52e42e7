package events

import (
	"context"
	"sync"
	"time"
)

// Type names an engine event.
type Type string

const (
	PhaseChanged      Type = "phase_changed"
	DelegationChanged Type = "delegation_changed"
	VoteCast          Type = "vote_cast"
	Evaluated         Type = "evaluated"
)

// Event is published after an engine mutation committed.
type Event struct {
	Type      Type      `json:"type"`
	BoxID     string    `json:"box_id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to all active subscribers. Plain subscribers (SSE
// clients) drop events when they fall behind; queued subscribers (the results
// worker) receive every event they match.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	queues map[int]*queue
	next   int
	size   int
}

// New returns an empty bus whose subscriber channels buffer size events.
func New(size int) *Bus {
	if size <= 0 {
		size = 16
	}
	return &Bus{subs: make(map[int]chan Event), queues: make(map[int]*queue), size: size}
}

type queue struct {
	match  func(Event) bool
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	evt := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return evt, true
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, b.size)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// SubscribeQueue registers a subscriber that receives every event match
// accepts, in publish order, however slowly it reads. Matched events queue
// without bound, so match should be narrow. The channel is closed when ctx ends.
func (b *Bus) SubscribeQueue(ctx context.Context, match func(Event) bool) <-chan Event {
	q := &queue{match: match, notify: make(chan struct{}, 1)}
	out := make(chan Event)

	b.mu.Lock()
	id := b.next
	b.next++
	b.queues[id] = q
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.queues, id)
			b.mu.Unlock()
		}()
		for {
			evt, ok := q.pop()
			if !ok {
				select {
				case <-q.notify:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Publish fans the event out without blocking; slow plain subscribers miss
// events.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	for _, q := range b.queues {
		if q.match == nil || q.match(evt) {
			q.push(evt)
		}
	}
}

// Subscribers reports the number of live subscriptions of both kinds.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs) + len(b.queues)
}
