package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGarbageCollect(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *testClock) {
		ctx := context.Background()

		require.NoError(t, b.SaveBanner(ctx, bannerMsg("10.0.0.1", "http", nil, nil)))
		require.NoError(t, b.SaveBanner(ctx, bannerMsg("10.0.0.2", "http", nil, nil)))
		clock.Advance(48 * time.Hour)
		require.NoError(t, b.SaveBanner(ctx, bannerMsg("10.0.0.3", "http", nil, nil)))
		// Touching a host keeps it alive.
		require.NoError(t, b.SaveBanner(ctx, bannerMsg("10.0.0.2", "ssh", nil, nil)))

		opts := GCOptions{MaxAge: 24 * time.Hour, Now: clock.Now, DryRun: true}

		dry, err := GarbageCollect(ctx, b, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, dry.HostsDeleted)
		assert.Equal(t, []string{"10.0.0.1"}, dry.DeletedIPs)
		_, err = b.Get(ctx, "10.0.0.1")
		require.NoError(t, err, "dry run must not delete")

		opts.DryRun = false
		res, err := GarbageCollect(ctx, b, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, res.HostsDeleted)
		assert.Empty(t, res.Errors)

		_, err = b.Get(ctx, "10.0.0.1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, total, err := b.List(ctx, HostFilter{}, "", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})
}

func TestGarbageCollect_Disabled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend, clock *testClock) {
		require.NoError(t, b.SaveBanner(context.Background(), bannerMsg("10.0.0.1", "http", nil, nil)))
		clock.Advance(365 * 24 * time.Hour)

		res, err := GarbageCollect(context.Background(), b, GCOptions{Now: clock.Now})
		require.NoError(t, err)
		assert.Zero(t, res.HostsDeleted)
	})
}
