// Package bus publishes and consumes stage messages over a topic exchange
// addressed by dot-delimited routing keys.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrDrop marks a handler failure that redelivery cannot fix, such as a
	// malformed payload. Transports with acknowledgements discard the message
	// instead of requeueing it.
	ErrDrop = errors.New("drop message")
)

// Delivery is one message received by a consumer.
type Delivery struct {
	RoutingKey  string
	Body        []byte
	Redelivered bool

	codec Codec
}

// Decode unmarshals the body with the codec of the bus that delivered it.
func (d Delivery) Decode(v any) error {
	if d.codec == nil {
		return errors.New("delivery has no codec")
	}
	if err := d.codec.Decode(d.Body, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", d.codec.Name(), err)
	}
	return nil
}

// Handler processes one delivery. Returning nil acknowledges it.
type Handler func(ctx context.Context, d Delivery) error

// Publisher sends payloads to a routing key. Delivery is best effort; the
// error is returned for logging and never panics the caller.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Consumer delivers messages whose routing key matches pattern to handler,
// one at a time in arrival order. Consume blocks until ctx is cancelled, in
// which case it returns nil, or until the bus is closed.
type Consumer interface {
	Consume(ctx context.Context, pattern string, handler Handler) error
}

// Bus is a publisher and consumer bound to one exchange.
type Bus interface {
	Publisher
	Consumer
	Close() error
}

// Config selects and configures a transport.
type Config struct {
	Driver       string        `koanf:"driver"`
	URL          string        `koanf:"url"`
	Exchange     string        `koanf:"exchange"`
	Codec        string        `koanf:"codec"`
	ReconnectMin time.Duration `koanf:"reconnect_min"`
	ReconnectMax time.Duration `koanf:"reconnect_max"`
}

// DefaultConfig mirrors the broker layout the stages were deployed with.
func DefaultConfig() Config {
	return Config{
		Driver:       "amqp",
		URL:          "amqp://localhost:5672/",
		Exchange:     "data_exchange",
		Codec:        CodecMsgpack,
		ReconnectMin: time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

// New builds the transport named by cfg.Driver. AMQP connections are verified
// eagerly so an unreachable broker fails startup.
func New(ctx context.Context, cfg Config) (Bus, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultConfig().Exchange
	}

	switch strings.ToLower(cfg.Driver) {
	case "", "amqp":
		b := NewAMQP(cfg.URL, cfg.Exchange, codec).WithBackoff(cfg.ReconnectMin, cfg.ReconnectMax)
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		return b, nil
	case "redis":
		return NewRedisFromURL(ctx, cfg.URL, cfg.Exchange, codec)
	case "memory":
		return NewMemory(codec), nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
