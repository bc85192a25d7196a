package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func openStore(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Config{Driver: "local", Dir: filepath.Join(t.TempDir(), "hosts")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRetention_DeletesStaleHosts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLocation(ctx, &host.Message{IP: "192.0.2.1", Port: 80}))

	// Let the record age past MaxAge.
	time.Sleep(30 * time.Millisecond)

	job := NewRetention(store, 10*time.Millisecond, time.Hour).WithLogger(zerolog.Nop())
	require.NoError(t, job.Start(ctx))
	t.Cleanup(func() { _ = job.Stop(context.Background()) })

	require.Eventually(t, func() bool { return job.Runs() >= 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := store.Get(ctx, "192.0.2.1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetention_KeepsFreshHosts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLocation(ctx, &host.Message{IP: "192.0.2.1", Port: 80}))

	job := NewRetention(store, time.Hour, 5*time.Millisecond).WithLogger(zerolog.Nop())
	require.NoError(t, job.Start(ctx))

	require.Eventually(t, func() bool { return job.Runs() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, job.Stop(context.Background()))

	_, err := store.Get(ctx, "192.0.2.1")
	require.NoError(t, err)
}

func TestRetention_StartTwice(t *testing.T) {
	job := NewRetention(openStore(t), time.Hour, time.Hour).WithLogger(zerolog.Nop())
	require.NoError(t, job.Start(context.Background()))
	t.Cleanup(func() { _ = job.Stop(context.Background()) })

	require.ErrorIs(t, job.Start(context.Background()), ErrAlreadyStarted)
}

func TestRetention_StopBeforeStart(t *testing.T) {
	job := NewRetention(openStore(t), time.Hour, 0)
	assert.Equal(t, DefaultRetentionInterval, job.interval)
	require.NoError(t, job.Stop(context.Background()))
}

func TestRetention_ImplementsManager(t *testing.T) {
	var _ Manager = (*Retention)(nil)
}
