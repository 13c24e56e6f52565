package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventCandleUpdate     EventType = "candle:update"
	EventPredictionUpdate EventType = "prediction:update"
	EventTrainingProgress EventType = "training:progress"
	EventTrainingStatus   EventType = "training:status"
	EventModelHealth      EventType = "model:health"
	EventError            EventType = "error"
)

// Event represents a system event. Symbol and Timeframe are set for
// symbol-keyed events and empty for broadcast events such as training
// progress.
type Event struct {
	Type      EventType              `json:"type"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timeframe string                 `json:"timeframe,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Typed subscribers are invoked
// synchronously so per-topic publish order is preserved end to end; the hub
// applies its own bounded per-client queues downstream.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		sub(event)
	}
}

// PublishCandleUpdate publishes a fresh candle for a series.
func (eb *EventBus) PublishCandleUpdate(symbol, timeframe string, candle interface{}) {
	eb.Publish(Event{
		Type:      EventCandleUpdate,
		Symbol:    symbol,
		Timeframe: timeframe,
		Data: map[string]interface{}{
			"candle": candle,
		},
	})
}

// PublishPredictionUpdate publishes a completed prediction for a series.
func (eb *EventBus) PublishPredictionUpdate(symbol, timeframe string, prediction interface{}) {
	eb.Publish(Event{
		Type:      EventPredictionUpdate,
		Symbol:    symbol,
		Timeframe: timeframe,
		Data: map[string]interface{}{
			"prediction": prediction,
		},
	})
}

// PublishTrainingProgress publishes worker progress for the broadcast channel.
func (eb *EventBus) PublishTrainingProgress(data map[string]interface{}) {
	eb.Publish(Event{
		Type: EventTrainingProgress,
		Data: data,
	})
}

// PublishTrainingStatus publishes a queue state change.
func (eb *EventBus) PublishTrainingStatus(status interface{}) {
	eb.Publish(Event{
		Type: EventTrainingStatus,
		Data: map[string]interface{}{
			"status": status,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
