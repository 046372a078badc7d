package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

var _ engine.EventPublisher = (*EventPublisher)(nil)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles one event. Subscribers run on the delivery
// goroutine, in publish order.
type EventSubscriber func(ctx context.Context, event engine.Event) error

// EventFilter determines if an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher fans run timeline events out to subscribers.
type EventPublisher struct {
	config EventsConfig
	logger zerolog.Logger

	buffer chan engine.Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	subscribers []subscriberEntry
	stopped     bool
}

type subscriberEntry struct {
	name       string
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		logger: logger.With().Str("component", "event-publisher").Logger(),
		done:   make(chan struct{}),
	}

	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1000
		}
		ep.buffer = make(chan engine.Event, size)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish assigns an ID and timestamp if missing and delivers the event.
// In async mode a full buffer drops the event and returns an error.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if !ep.config.Enabled || event == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	if ep.stopped {
		ep.mu.RUnlock()
		return ErrPublisherStopped
	}

	if ep.buffer == nil {
		ep.mu.RUnlock()
		ep.deliver(ctx, *event)
		return nil
	}

	// Held across the send so Shutdown cannot miss an accepted event.
	defer ep.mu.RUnlock()
	select {
	case ep.buffer <- *event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// Subscribe registers a subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(name string, subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		name:       name,
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(context.Background(), event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(ctx context.Context, event engine.Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.subscriber(ctx, event); err != nil {
			ep.logger.Warn().
				Err(err).
				Str("subscriber", entry.name).
				Str("event", string(event.Type)).
				Str("run_id", event.RunID).
				Msg("Event subscriber failed")
		}
	}
}

// Shutdown stops accepting events and waits until buffered events are
// delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	if ep.stopped {
		ep.mu.Unlock()
		return nil
	}
	ep.stopped = true
	ep.mu.Unlock()

	close(ep.done)

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// EventAppender persists events.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// PersistTo returns a subscriber that appends every event to store.
func PersistTo(store EventAppender) EventSubscriber {
	return func(ctx context.Context, event engine.Event) error {
		return store.AppendEvent(ctx, &event)
	}
}

// LogTo returns a subscriber that logs every event at a level derived from
// its type.
func LogTo(logger zerolog.Logger) EventSubscriber {
	return func(_ context.Context, event engine.Event) error {
		var e *zerolog.Event
		switch event.Type.Severity() {
		case "error":
			e = logger.Error()
		case "warning":
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("event", string(event.Type)).Str("plan_id", event.PlanID).Str("run_id", event.RunID)
		if event.StepID != "" {
			e = e.Str("step_id", event.StepID)
		}
		e.Msg(event.Message)
		return nil
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}
