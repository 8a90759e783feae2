// Package bus is the durable, ordered event backbone between the
// orchestrator and the stage executors.
//
// Delivery guarantees: events for one run are delivered to the single
// subscriber registered for a (run, stage) pair in strictly increasing
// sequence order; cross-run ordering is not guaranteed. Publish is
// synchronous-acknowledged (the event is in the journal before Publish
// returns) while delivery to subscribers is asynchronous. Delivery is
// at-least-once: a resubscribe replays the journal from the start, so
// consumers must be idempotent. No event is ever deleted; the journal is
// what the orchestrator replays after a restart.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

var (
	// ErrDuplicateSubscriber means a (run, stage) pair already has a consumer.
	ErrDuplicateSubscriber = errors.New("bus: subscriber already registered for run/stage")
)

// DeadLetter is an event whose retries were exhausted, parked with the
// final error for manual review. Dead letters are never redelivered.
type DeadLetter struct {
	Event    model.Event `json:"event"`
	Error    string      `json:"error"`
	ParkedAt time.Time   `json:"parked_at"`
}

// Bus is the event bus contract.
type Bus interface {
	// Publish journals the event, assigns its per-run sequence number,
	// and returns the stored copy. Delivery happens after return.
	Publish(ctx context.Context, e model.Event) (model.Event, error)
	// Subscribe registers the single consumer for (run, stage). The
	// journal for that pair is replayed into the channel first, then
	// live events follow in order.
	Subscribe(runID uuid.UUID, stage model.Stage) (<-chan model.Event, error)
	// Unsubscribe removes the consumer and closes its channel.
	Unsubscribe(runID uuid.UUID, stage model.Stage)
	// Journal returns a copy of every event published for the run.
	Journal(runID uuid.UUID) []model.Event
	// Park moves an event to the run's dead-letter list.
	Park(ctx context.Context, e model.Event, cause string) error
	// DeadLetters returns the run's parked events.
	DeadLetters(runID uuid.UUID) []DeadLetter
	// Tap registers a synchronous observer invoked for every published
	// event, in publish order. The audit recorder uses this; observers
	// must be fast and must not publish.
	Tap(fn func(model.Event))
	// StreamTap returns a buffered fan-out channel of all events. Slow
	// consumers have events dropped rather than blocking the bus.
	StreamTap(buffer int) (<-chan model.Event, func())
}
