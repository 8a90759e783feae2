package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

type subKey struct {
	runID uuid.UUID
	stage model.Stage
}

// subscriber decouples publishers from the consumer. Publish appends to
// the queue under the bus lock, which is the same lock that assigns Seq,
// so the queue order is the journal order even with concurrent
// publishers. A drainer goroutine moves events from the queue to the
// channel; publishers never block on a slow consumer and the bus lock is
// never held across a channel send.
type subscriber struct {
	queue  []model.Event
	ch     chan model.Event
	notify chan struct{}
	closed bool
}

// wake nudges the drainer. Caller holds the bus lock.
func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// MemoryBus is the in-process Bus. The journal is the durable record for
// the life of the process; the Postgres event journal mirrors it when a
// database is configured.
type MemoryBus struct {
	logger *slog.Logger

	mu       sync.Mutex
	journals map[uuid.UUID][]model.Event
	seqs     map[uuid.UUID]int64
	subs     map[subKey]*subscriber
	dead     map[uuid.UUID][]DeadLetter
	taps     []func(model.Event)
	streams  map[chan model.Event]struct{}
}

// subscriber channels buffer enough events that the drainer rarely
// parks while the consumer does provider I/O.
const subscriberBuffer = 256

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		logger:   logger,
		journals: make(map[uuid.UUID][]model.Event),
		seqs:     make(map[uuid.UUID]int64),
		subs:     make(map[subKey]*subscriber),
		dead:     make(map[uuid.UUID][]DeadLetter),
		streams:  make(map[chan model.Event]struct{}),
	}
}

// Publish journals the event and queues it for the (run, stage)
// subscriber. Seq assignment, journal append, and subscriber enqueue
// happen in one critical section so the subscriber always observes
// events in journal order.
func (b *MemoryBus) Publish(_ context.Context, e model.Event) (model.Event, error) {
	b.mu.Lock()

	b.seqs[e.RunID]++
	e.Seq = b.seqs[e.RunID]
	b.journals[e.RunID] = append(b.journals[e.RunID], e)

	if s, ok := b.subs[subKey{runID: e.RunID, stage: e.Stage}]; ok && !s.closed {
		s.queue = append(s.queue, e)
		s.wake()
	}

	// Fan out to stream taps with drop semantics before releasing the
	// lock so stream consumers see publish order.
	for ch := range b.streams {
		select {
		case ch <- e:
		default:
		}
	}
	taps := b.taps
	b.mu.Unlock()

	for _, fn := range taps {
		fn(e)
	}
	return e, nil
}

// Subscribe registers the consumer for (run, stage) and replays the
// journal for that pair. Replay goes through the queue, so journals of
// any length are fine.
func (b *MemoryBus) Subscribe(runID uuid.UUID, stage model.Stage) (<-chan model.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subKey{runID: runID, stage: stage}
	if _, ok := b.subs[key]; ok {
		return nil, ErrDuplicateSubscriber
	}
	s := &subscriber{
		ch:     make(chan model.Event, subscriberBuffer),
		notify: make(chan struct{}, 1),
	}
	for _, e := range b.journals[runID] {
		if e.Stage == stage {
			s.queue = append(s.queue, e)
		}
	}
	b.subs[key] = s
	go b.drainSubscriber(s)
	return s.ch, nil
}

// drainSubscriber moves queued events to the consumer channel. On
// unsubscribe it flushes whatever is still queued and then closes the
// channel, so a consumer sees every event enqueued before the
// unsubscribe.
func (b *MemoryBus) drainSubscriber(s *subscriber) {
	for {
		b.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				b.mu.Unlock()
				close(s.ch)
				return
			}
			b.mu.Unlock()
			<-s.notify
			b.mu.Lock()
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		b.mu.Unlock()

		// Backpressure lands here, on the drainer, never on a publisher
		// holding the bus lock.
		s.ch <- e
	}
}

// Unsubscribe removes the consumer. The channel closes once queued
// events have been delivered.
func (b *MemoryBus) Unsubscribe(runID uuid.UUID, stage model.Stage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := subKey{runID: runID, stage: stage}
	if s, ok := b.subs[key]; ok {
		delete(b.subs, key)
		s.closed = true
		s.wake()
	}
}

// Journal returns a copy of the run's full event history.
func (b *MemoryBus) Journal(runID uuid.UUID) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	j := b.journals[runID]
	out := make([]model.Event, len(j))
	copy(out, j)
	return out
}

// Park records a dead-lettered event.
func (b *MemoryBus) Park(_ context.Context, e model.Event, cause string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead[e.RunID] = append(b.dead[e.RunID], DeadLetter{
		Event:    e,
		Error:    cause,
		ParkedAt: time.Now().UTC(),
	})
	if b.logger != nil {
		b.logger.Warn("bus: event parked to dead letters",
			"run_id", e.RunID, "stage", e.Stage, "name", e.Name, "cause", cause)
	}
	return nil
}

// DeadLetters returns a copy of the run's parked events.
func (b *MemoryBus) DeadLetters(runID uuid.UUID) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.dead[runID]
	out := make([]DeadLetter, len(d))
	copy(out, d)
	return out
}

// Tap registers a synchronous publish observer. Register before any
// Publish; taps are not removable.
func (b *MemoryBus) Tap(fn func(model.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.taps = append(b.taps, fn)
}

// StreamTap returns a droppable fan-out channel plus its cancel func.
func (b *MemoryBus) StreamTap(buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan model.Event, buffer)
	b.mu.Lock()
	b.streams[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.streams[ch]; ok {
			delete(b.streams, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
