package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Func delivers one event to an external consumer. Delivery is best effort:
// errors are logged by the caller side and never abort the producer.
type Func func(eventType string, payload map[string]any)

// Event is a sequenced payload retained by the bus for incremental reads.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus stores recent events in a bounded in-memory buffer and fans them out to
// subscribers. Subscriber panics are contained so a misbehaving consumer can
// never take down the producer.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	nextSeq     int64
	maxEvents   int
	events      []Event
	subscribers []Func
}

// NewBus creates a bounded event buffer. maxEvents <= 0 selects the default
// of 500 retained events.
func NewBus(maxEvents int, logger *zap.Logger) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus{
		logger:    logger,
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Subscribe registers a consumer for future events.
func (b *Bus) Subscribe(fn Func) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.mu.Unlock()
}

// Publish appends one event, assigns its sequence number, and fans it out.
func (b *Bus) Publish(eventType string, payload map[string]any) Event {
	b.mu.Lock()
	b.nextSeq++
	event := Event{
		Seq:       b.nextSeq,
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	subscribers := make([]Func, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.Unlock()

	for _, fn := range subscribers {
		b.deliver(fn, eventType, payload)
	}
	return event
}

// Emit adapts the bus to the notify function contract producers consume.
func (b *Bus) Emit(eventType string, payload map[string]any) {
	b.Publish(eventType, payload)
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

func (b *Bus) deliver(fn Func, eventType string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event subscriber panicked",
				zap.String("event_type", eventType),
				zap.Any("panic", r))
		}
	}()
	fn(eventType, payload)
}
