package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Redis emulates a topic exchange over Redis pub/sub. Each routing key maps to
// the channel "<exchange>:<key>"; consumers PSUBSCRIBE to the exchange prefix
// and filter with Match. Pub/sub has no acknowledgements, so handler failures
// are logged and the message is lost.
type Redis struct {
	client   *redis.Client
	exchange string
	codec    Codec
	logger   zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, exchange string, codec Codec) *Redis {
	if codec == nil {
		codec = MsgpackCodec{}
	}
	return &Redis{
		client:   client,
		exchange: exchange,
		codec:    codec,
		logger:   log.With().Str("component", "bus").Str("driver", "redis").Str("exchange", exchange).Logger(),
		done:     make(chan struct{}),
	}
}

// NewRedisFromURL parses a redis:// URL and verifies the server responds.
func NewRedisFromURL(ctx context.Context, url, exchange string, codec Codec) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, exchange, codec), nil
}

// WithLogger replaces the bus logger.
func (r *Redis) WithLogger(l zerolog.Logger) *Redis {
	r.logger = l
	return r
}

func (r *Redis) channel(key string) string {
	return r.exchange + ":" + key
}

// Publish sends payload to the channel for key.
func (r *Redis) Publish(ctx context.Context, key string, payload any) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	body, err := r.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", key, err)
	}
	if err := r.client.Publish(ctx, r.channel(key), body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", key, err)
	}
	r.logger.Debug().Str("routing_key", key).Int("bytes", len(body)).Msg("Published message")
	return nil
}

// Consume subscribes to the whole exchange and hands matching messages to
// handler in arrival order. The client library resubscribes after
// connection loss.
func (r *Redis) Consume(ctx context.Context, pattern string, handler Handler) error {
	prefix := r.exchange + ":"
	ps := r.client.PSubscribe(ctx, prefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s: %w", pattern, err)
	}
	r.logger.Info().Str("pattern", pattern).Msg("Subscribed")

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return ErrClosed
		case msg, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			key := strings.TrimPrefix(msg.Channel, prefix)
			if !Match(pattern, key) {
				continue
			}
			d := Delivery{RoutingKey: key, Body: []byte(msg.Payload), codec: r.codec}
			if err := handler(ctx, d); err != nil {
				r.logger.Error().Err(err).Str("routing_key", key).Msg("Handler failed")
			}
		}
	}
}

// Close stops consumers and closes the client.
func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.client.Close()
	})
	return err
}
