package linkd

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clinio/linkd/domain"
	"github.com/clinio/linkd/metrics"
)

// Dispatcher fans lifecycle events out to registered notifiers. Publish
// never blocks a state transition: events are queued and delivered by a
// per-key worker, which preserves delivery order for events sharing a key
// while different keys proceed independently. Delivery is at-most-once
// per attempt; a notifier that keeps failing only moves a counter.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string][]domain.Event
	active map[string]bool
	sinks  []Notifier
	closed bool

	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewDispatcher creates a dispatcher delivering to the given notifiers.
func NewDispatcher(sinks ...Notifier) *Dispatcher {
	return &Dispatcher{
		queues: make(map[string][]domain.Event),
		active: make(map[string]bool),
		sinks:  sinks,
		logger: log.With().Str("component", "dispatcher").Logger(),
	}
}

// Subscribe registers an additional notifier. Not safe to call once
// events are flowing; wire all sinks before the services start.
func (d *Dispatcher) Subscribe(sink Notifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, sink)
}

// Publish enqueues the event for asynchronous delivery.
func (d *Dispatcher) Publish(event domain.Event) {
	metrics.EventsPublishedTotal.Inc()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queues[event.Key] = append(d.queues[event.Key], event)
	if !d.active[event.Key] {
		d.active[event.Key] = true
		d.wg.Add(1)
		go d.drain(event.Key)
	}
	d.mu.Unlock()
}

// drain delivers queued events for one key in order, exiting when the
// queue empties.
func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			delete(d.active, key)
			d.mu.Unlock()
			return
		}
		event := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event domain.Event) {
	ctx := context.Background()
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			metrics.EventDeliveryFailures.Inc()
			d.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Str("key", event.Key).
				Msg("event delivery failed")
		}
	}
}

// Close stops accepting events and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
