// Package hub is the websocket fanout layer: per-(symbol, timeframe)
// topics for candle and prediction updates, plus a broadcast stream for
// training progress. Subscriptions do not survive a disconnect.
package hub

import (
	"encoding/json"
	"sync"

	"market-forecast-service/internal/events"
	"market-forecast-service/internal/logging"
)

func topicKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// Hub manages the connected clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	topics  map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	log        *logging.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		log:        logging.WithComponent("hub"),
	}
}

// Run processes register/unregister traffic. Blocks; run in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	h.detachLocked(client)
	// The send queue is never closed: publishers may hold a stale
	// snapshot of the subscriber set. Closing done tells the write pump
	// and any in-flight deliver that the client is gone.
	close(client.done)
}

// detachLocked removes the client from its current topic. Caller holds
// the write lock.
func (h *Hub) detachLocked(client *Client) {
	if client.topic == "" {
		return
	}
	if subs, ok := h.topics[client.topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, client.topic)
		}
	}
	client.topic = ""
}

// Subscribe replaces the client's subscription atomically and sends the
// acknowledgement on the same queue, so the ack precedes any update.
func (h *Hub) Subscribe(client *Client, symbol, timeframe string) {
	key := topicKey(symbol, timeframe)

	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	h.detachLocked(client)
	if h.topics[key] == nil {
		h.topics[key] = make(map[*Client]bool)
	}
	h.topics[key][client] = true
	client.topic = key
	h.mu.Unlock()

	ack, _ := json.Marshal(map[string]string{
		"type":      "subscribed",
		"symbol":    symbol,
		"timeframe": timeframe,
	})
	h.deliver(client, ack)
}

// Unsubscribe detaches the client from its topic but keeps the
// connection open.
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	h.detachLocked(client)
	h.mu.Unlock()
}

// PublishTopic delivers a message to every subscriber of one
// (symbol, timeframe) topic, in publish order per subscriber.
func (h *Hub) PublishTopic(symbol, timeframe string, message []byte) {
	key := topicKey(symbol, timeframe)

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.topics[key]))
	for client := range h.topics[key] {
		subs = append(subs, client)
	}
	h.mu.RUnlock()

	for _, client := range subs {
		h.deliver(client, message)
	}
}

// Broadcast delivers a message to every connected client regardless of
// subscription; used for training progress.
func (h *Hub) Broadcast(message []byte) {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		all = append(all, client)
	}
	h.mu.RUnlock()

	for _, client := range all {
		h.deliver(client, message)
	}
}

// deliver enqueues without blocking. A client whose queue is full is a
// slow consumer and gets dropped; reconnecting is its responsibility.
func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case <-client.done:
	case client.send <- message:
	default:
		h.log.Warn("dropping slow websocket consumer", "client", client.id)
		go func() { h.unregister <- client }()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the subscriber count for one topic.
func (h *Hub) SubscriberCount(symbol, timeframe string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topicKey(symbol, timeframe)])
}

// AttachBus wires the event bus into the hub: symbol-keyed events go to
// their topic, training events go to the broadcast stream.
func (h *Hub) AttachBus(bus *events.EventBus) {
	keyed := func(event events.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			h.log.Error("event marshal failed", "type", string(event.Type), "error", err)
			return
		}
		h.PublishTopic(event.Symbol, event.Timeframe, data)
	}
	broadcast := func(event events.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			h.log.Error("event marshal failed", "type", string(event.Type), "error", err)
			return
		}
		h.Broadcast(data)
	}

	bus.Subscribe(events.EventCandleUpdate, keyed)
	bus.Subscribe(events.EventPredictionUpdate, keyed)
	bus.Subscribe(events.EventTrainingProgress, broadcast)
	bus.Subscribe(events.EventTrainingStatus, broadcast)
}
