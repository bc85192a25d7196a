package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const amqpPrefetch = 64

var errDeliveriesClosed = errors.New("delivery channel closed by broker")

// AMQP is a RabbitMQ topic exchange transport. The publisher owns one
// connection and channel guarded by a mutex; every Consume call dials its own
// connection and channel so consumers never share broker state.
type AMQP struct {
	url      string
	exchange string
	codec    Codec
	logger   zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	dial       func(url string) (*amqp.Connection, error)

	pubMu   sync.Mutex
	pubConn *amqp.Connection
	pubCh   *amqp.Channel

	closeOnce sync.Once
	done      chan struct{}
}

// NewAMQP returns a transport for the exchange at url. No connection is made
// until Connect, Publish or Consume.
func NewAMQP(url, exchange string, codec Codec) *AMQP {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	def := DefaultConfig()
	return &AMQP{
		url:        url,
		exchange:   exchange,
		codec:      codec,
		logger:     log.With().Str("component", "bus").Str("driver", "amqp").Str("exchange", exchange).Logger(),
		minBackoff: def.ReconnectMin,
		maxBackoff: def.ReconnectMax,
		dial:       amqp.Dial,
		done:       make(chan struct{}),
	}
}

// WithBackoff sets the consumer reconnect delay bounds. Non-positive values
// keep the defaults.
func (b *AMQP) WithBackoff(minDelay, maxDelay time.Duration) *AMQP {
	if minDelay > 0 {
		b.minBackoff = minDelay
	}
	if maxDelay > 0 {
		b.maxBackoff = maxDelay
	}
	if b.maxBackoff < b.minBackoff {
		b.maxBackoff = b.minBackoff
	}
	return b
}

// WithLogger replaces the bus logger.
func (b *AMQP) WithLogger(l zerolog.Logger) *AMQP {
	b.logger = l
	return b
}

// Connect opens the publisher channel and declares the exchange.
func (b *AMQP) Connect(ctx context.Context) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	_, err := b.publisherChannel()
	return err
}

// Publish sends one message. A failed publish drops the publisher connection
// so the next call redials.
func (b *AMQP) Publish(ctx context.Context, key string, payload any) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	body, err := b.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", key, err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publisherChannel()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType: b.codec.ContentType(),
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
	if err := ch.PublishWithContext(ctx, b.exchange, key, false, false, msg); err != nil {
		b.resetPublisher()
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	b.logger.Debug().Str("routing_key", key).Int("bytes", len(body)).Msg("Published message")
	return nil
}

// publisherChannel must be called with pubMu held.
func (b *AMQP) publisherChannel() (*amqp.Channel, error) {
	if b.pubCh != nil && !b.pubCh.IsClosed() {
		return b.pubCh, nil
	}
	b.resetPublisher()

	conn, ch, err := b.open()
	if err != nil {
		return nil, err
	}
	b.pubConn, b.pubCh = conn, ch
	return ch, nil
}

func (b *AMQP) resetPublisher() {
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	if b.pubConn != nil {
		_ = b.pubConn.Close()
	}
	b.pubConn, b.pubCh = nil, nil
}

func (b *AMQP) open() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := b.dial(b.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, amqp.ExchangeTopic, false, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	return conn, ch, nil
}

// Consume binds an exclusive server-named queue to pattern and acknowledges
// each delivery after handler returns nil. Handler errors wrapping ErrDrop
// discard the message; other errors requeue it once. Lost connections are
// redialled with exponential backoff until ctx is cancelled.
func (b *AMQP) Consume(ctx context.Context, pattern string, handler Handler) error {
	backoff := b.minBackoff
	for {
		delivered, err := b.consumeSession(ctx, pattern, handler)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-b.done:
			return ErrClosed
		default:
		}
		if delivered {
			backoff = b.minBackoff
		}

		b.logger.Warn().Err(err).Str("pattern", pattern).Dur("retry_in", backoff).Msg("Consumer disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return ErrClosed
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, b.maxBackoff)
	}
}

// consumeSession runs one connection's worth of consumption. delivered
// reports whether any message was handled, which resets the backoff.
func (b *AMQP) consumeSession(ctx context.Context, pattern string, handler Handler) (delivered bool, err error) {
	conn, ch, err := b.open()
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return false, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, pattern, b.exchange, false, nil); err != nil {
		return false, fmt.Errorf("bind queue %s to %s: %w", q.Name, pattern, err)
	}
	if err := ch.Qos(amqpPrefetch, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	b.logger.Info().Str("pattern", pattern).Str("queue", q.Name).Msg("Subscribed")
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case <-b.done:
			return delivered, ErrClosed
		case d, ok := <-deliveries:
			if !ok {
				return delivered, errDeliveriesClosed
			}
			delivered = true
			b.dispatch(ctx, d, handler)
		}
	}
}

func (b *AMQP) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	err := handler(ctx, Delivery{
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		codec:       b.codec,
	})

	var ackErr error
	switch {
	case err == nil:
		ackErr = d.Ack(false)
	case errors.Is(err, ErrDrop):
		b.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("Dropping message")
		ackErr = d.Nack(false, false)
	default:
		b.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Bool("requeue", !d.Redelivered).Msg("Handler failed")
		ackErr = d.Nack(false, !d.Redelivered)
	}
	if ackErr != nil {
		b.logger.Warn().Err(ackErr).Str("routing_key", d.RoutingKey).Msg("Acknowledgement failed")
	}
}

// Close tears down the publisher and stops every consumer.
func (b *AMQP) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.pubMu.Lock()
		b.resetPublisher()
		b.pubMu.Unlock()
	})
	return nil
}
