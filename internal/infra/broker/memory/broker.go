// Package memory is an in-process broker for single-binary deployments and
// tests. Like the redis broker it never blocks publishers: a subscriber
// whose buffer is full misses the message.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/automaton-hardening/internal/metrics"
)

var ErrClosed = errors.New("broker closed")

type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan []byte]struct{}
	buffer  int
	closed  bool
	dropped *prometheus.CounterVec
	log     zerolog.Logger
}

// DefaultBuffer per-subscriber queue when New gets a non-positive size.
const DefaultBuffer = 256

// New buffers up to buffer messages per subscriber. Anything published while
// a subscriber's buffer is full is dropped and counted.
func New(buffer int, m *metrics.Metrics, log zerolog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Broker{
		subs:    make(map[string]map[chan []byte]struct{}),
		buffer:  buffer,
		dropped: m.BrokerDropped,
		log:     log,
	}
}

func (b *Broker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
			b.dropped.WithLabelValues(channel).Inc()
			b.log.Warn().Str("channel", channel).Msg("subscriber buffer full, message dropped")
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string, handle func(ctx context.Context, payload []byte)) error {
	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs[channel], ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(ctx, msg)
		}
	}
}

// Subscribers number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close ends every subscription.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for ch := range set {
			close(ch)
		}
	}
	b.subs = make(map[string]map[chan []byte]struct{})
	return nil
}
