package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ctrlsam/rigour/pkg/host"
)

func failingDial(calls *atomic.Int32) func(string) (*amqp.Connection, error) {
	return func(string) (*amqp.Connection, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}
}

func TestAMQP_ConsumeRetriesUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	b := NewAMQP("amqp://unused/", "data_exchange", nil).
		WithBackoff(time.Millisecond, 4*time.Millisecond).
		WithLogger(zerolog.Nop())
	b.dial = failingDial(&calls)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Consume(ctx, "#", func(context.Context, Delivery) error { return nil }) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestAMQP_ConsumeStopsOnClose(t *testing.T) {
	var calls atomic.Int32
	b := NewAMQP("amqp://unused/", "data_exchange", nil).
		WithBackoff(time.Millisecond, time.Millisecond).
		WithLogger(zerolog.Nop())
	b.dial = failingDial(&calls)

	errc := make(chan error, 1)
	go func() { errc <- b.Consume(context.Background(), "#", func(context.Context, Delivery) error { return nil }) }()
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, b.Close())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after Close")
	}
}

func TestAMQP_PublishSurfacesDialError(t *testing.T) {
	var calls atomic.Int32
	b := NewAMQP("amqp://unused/", "data_exchange", nil).WithLogger(zerolog.Nop())
	b.dial = failingDial(&calls)

	err := b.Publish(context.Background(), "EU.80.5.6.7.8.banner", host.Message{IP: "5.6.7.8"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")

	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(context.Background(), "k", host.Message{}), ErrClosed)
}

func TestAMQP_ConnectFailsWithoutBroker(t *testing.T) {
	var calls atomic.Int32
	b := NewAMQP("amqp://unused/", "data_exchange", nil).WithLogger(zerolog.Nop())
	b.dial = failingDial(&calls)

	require.Error(t, b.Connect(context.Background()))
	require.Equal(t, int32(1), calls.Load())
}

func TestAMQP_WithBackoffBounds(t *testing.T) {
	b := NewAMQP("amqp://unused/", "x", nil).WithBackoff(10*time.Second, time.Second)
	require.Equal(t, 10*time.Second, b.minBackoff)
	require.Equal(t, 10*time.Second, b.maxBackoff)

	b = NewAMQP("amqp://unused/", "x", nil).WithBackoff(0, 0)
	require.Equal(t, time.Second, b.minBackoff)
	require.Equal(t, 30*time.Second, b.maxBackoff)
}
