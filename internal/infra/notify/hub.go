// Package notify fans scan events out to live subscribers. Producers never
// block: events go onto a bounded queue that a single drainer empties on a
// fixed tick.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
)

// Subscriber one live connection. Events is closed when the hub drops it.
type Subscriber struct {
	Recipient string
	ch        chan scans.Event
	removed   bool
}

func (s *Subscriber) Events() <-chan scans.Event { return s.ch }

type Hub struct {
	queue    chan scans.Event
	buffer   int
	interval time.Duration

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}

	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewHub(queueSize, subscriberBuffer int, drainInterval time.Duration, m *metrics.Metrics, log zerolog.Logger) *Hub {
	if m == nil {
		m = metrics.Discard()
	}
	return &Hub{
		queue:    make(chan scans.Event, queueSize),
		buffer:   subscriberBuffer,
		interval: drainInterval,
		subs:     make(map[string]map[*Subscriber]struct{}),
		metrics:  m,
		log:      log,
	}
}

// Notify enqueues ev without blocking. It returns false when the queue is full.
func (h *Hub) Notify(ev scans.Event) bool {
	select {
	case h.queue <- ev:
		return true
	default:
		h.metrics.NotificationsDrop.Inc()
		h.log.Warn().Str("type", ev.Type).Str("recipient", ev.Recipient).Msg("notification queue full, event dropped")
		return false
	}
}

// Subscribe registers a fresh subscriber for recipient and queues the
// "connected" confirmation on it. Reconnecting clients start clean.
func (h *Hub) Subscribe(recipient string) *Subscriber {
	s := &Subscriber{Recipient: recipient, ch: make(chan scans.Event, h.buffer+1)}
	s.ch <- scans.Event{Type: scans.EventConnected, Recipient: recipient, Data: map[string]any{
		"recipient": recipient,
		"at":        time.Now().UTC(),
	}}

	h.mu.Lock()
	if h.subs[recipient] == nil {
		h.subs[recipient] = make(map[*Subscriber]struct{})
	}
	h.subs[recipient][s] = struct{}{}
	h.mu.Unlock()

	h.metrics.Subscribers.Inc()
	return s
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(s)
}

// remove requires h.mu.
func (h *Hub) remove(s *Subscriber) {
	if s.removed {
		return
	}
	s.removed = true
	delete(h.subs[s.Recipient], s)
	if len(h.subs[s.Recipient]) == 0 {
		delete(h.subs, s.Recipient)
	}
	close(s.ch)
	h.metrics.Subscribers.Dec()
}

// Run drains the queue every interval until ctx is done, then closes all subscribers.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.Drain()
		}
	}
}

// Drain delivers every event currently queued.
func (h *Hub) Drain() int {
	n := 0
	for {
		select {
		case ev := <-h.queue:
			h.deliver(ev)
			n++
		default:
			return n
		}
	}
}

func (h *Hub) deliver(ev scans.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var targets []*Subscriber
	if ev.Recipient == "" {
		for _, set := range h.subs {
			for s := range set {
				targets = append(targets, s)
			}
		}
	} else {
		for s := range h.subs[ev.Recipient] {
			targets = append(targets, s)
		}
	}

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			// a subscriber that cannot keep up is dropped
			h.log.Info().Str("recipient", s.Recipient).Msg("subscriber buffer full, removing")
			h.remove(s)
		}
	}
}

// Count live subscribers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for s := range set {
			h.remove(s)
		}
	}
}
