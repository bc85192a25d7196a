package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ctrlsam/rigour/pkg/config"
	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/server/api"
	"github.com/ctrlsam/rigour/pkg/server/app"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func testConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.Port = 0
	return cfg
}

func openStore(t *testing.T) storage.Backend {
	t.Helper()
	b, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "hosts.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

type countingJobs struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (c *countingJobs) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *countingJobs) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func TestServerLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveLocation(ctx, &host.Message{IP: "192.0.2.1", Port: 80, Host: host.Host{Location: host.Location{CountryCode: "NZ"}}}))

	jobs := &countingJobs{}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv, err := app.New(runCtx, testConfig(), &app.Deps{Store: store, Logger: zerolog.Nop(), Jobs: jobs})
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(runCtx) }()

	baseURL := fmt.Sprintf("http://%s", srv.Addr())
	require.Eventually(t, srv.Ready, 2*time.Second, 10*time.Millisecond, "server did not become ready")

	t.Run("Healthz", func(t *testing.T) {
		code, body := get(t, baseURL+"/healthz")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "OK", body)
	})

	t.Run("Readyz", func(t *testing.T) {
		code, body := get(t, baseURL+"/readyz")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "Ready", body)
	})

	t.Run("ListHosts", func(t *testing.T) {
		code, body := get(t, baseURL+"/api/v1/hosts")
		require.Equal(t, http.StatusOK, code)

		var list api.HostList
		require.NoError(t, json.Unmarshal([]byte(body), &list))
		require.Equal(t, 1, list.Total)
		require.Equal(t, "NZ", list.Hosts[0].CountryCode)
	})

	t.Run("GetHost_NotFound", func(t *testing.T) {
		code, _ := get(t, baseURL+"/api/v1/hosts/192.0.2.200")
		require.Equal(t, http.StatusNotFound, code)
	})

	t.Run("GracefulShutdown", func(t *testing.T) {
		cancel()

		select {
		case err := <-serverErr:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server shutdown timeout")
		}

		require.False(t, srv.Ready())
		_, err := http.Get(baseURL + "/healthz")
		require.Error(t, err, "server should not accept connections after shutdown")
	})

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.True(t, jobs.started)
	require.True(t, jobs.stopped)
}

func TestNew_PortInUse(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := app.New(ctx, testConfig(), &app.Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)
	go func() { _ = first.Run(ctx) }()

	cfg := testConfig()
	cfg.Port = first.Addr().(*net.TCPAddr).Port
	_, err = app.New(ctx, cfg, &app.Deps{Logger: zerolog.Nop()})
	require.ErrorContains(t, err, "listen on")
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := app.New(context.Background(), testConfig(), nil)
	require.Error(t, err)
}

func TestServer_RetentionJob(t *testing.T) {
	store := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.SaveLocation(ctx, &host.Message{IP: "192.0.2.7", Port: 80}))
	time.Sleep(20 * time.Millisecond)

	cfg := testConfig()
	cfg.Retention = 5 * time.Millisecond
	srv, err := app.New(ctx, cfg, &app.Deps{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "192.0.2.7")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
