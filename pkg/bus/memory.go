package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const memoryBuffer = 64

// Memory is an in-process topic exchange. Publish blocks while a matching
// subscriber's buffer is full rather than dropping the message. Messages
// with no matching subscriber are discarded, as an exchange would.
type Memory struct {
	codec  Codec
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
	done   chan struct{}
}

type memorySub struct {
	pattern string
	ch      chan Delivery
	done    chan struct{}
}

// NewMemory returns an empty in-memory bus.
func NewMemory(codec Codec) *Memory {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &Memory{
		codec:  codec,
		logger: log.With().Str("component", "bus").Str("driver", "memory").Logger(),
		subs:   make(map[int]*memorySub),
		done:   make(chan struct{}),
	}
}

// WithLogger replaces the bus logger.
func (m *Memory) WithLogger(l zerolog.Logger) *Memory {
	m.logger = l
	return m
}

// Publish encodes payload once and hands it to every matching subscriber.
func (m *Memory) Publish(ctx context.Context, key string, payload any) error {
	body, err := m.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", key, err)
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySub
	for _, s := range m.subs {
		if Match(s.pattern, key) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		d := Delivery{RoutingKey: key, Body: body, codec: m.codec}
		select {
		case s.ch <- d:
		case <-s.done:
		case <-m.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Consume registers a private subscription for pattern and runs handler for
// each delivery. Handler errors are logged; there is no redelivery.
func (m *Memory) Consume(ctx context.Context, pattern string, handler Handler) error {
	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan Delivery, memoryBuffer),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(sub.done)
	}()

	m.logger.Debug().Str("pattern", pattern).Msg("Subscribed")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return ErrClosed
		case d := <-sub.ch:
			if err := handler(ctx, d); err != nil {
				m.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("Handler failed")
			}
		}
	}
}

// SubscriberCount reports how many consumers are attached.
func (m *Memory) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Close stops all consumers. It is safe to call more than once.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
