package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func seedHosts(t *testing.T, dir string, at time.Time) {
	t.Helper()
	b, err := storage.NewLocalBackend(dir)
	require.NoError(t, err)
	b.WithClock(func() time.Time { return at })
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))
	defer b.Close()

	port := 80
	require.NoError(t, b.SaveLocation(ctx, &host.Message{
		IP: "192.0.2.10", Port: 80,
		Host: host.Host{Location: host.Location{CountryCode: "NZ"}},
	}))
	require.NoError(t, b.SaveBanner(ctx, &host.Message{
		IP: "192.0.2.10", Port: 80,
		Host: host.Host{
			Location: host.Location{CountryCode: "NZ"},
			Banner:   &host.Banner{Service: "http", Port: &port, Data: map[string]any{"status": "200 OK"}},
		},
	}))
	require.NoError(t, b.SaveLocation(ctx, &host.Message{IP: "192.0.2.11", Port: 22}))
}

func TestConfigShow_MergesEnvironment(t *testing.T) {
	t.Setenv("RIGOUR_BUS_DRIVER", "redis")
	t.Setenv("SERVICE", "ssh")

	stdout, _, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "driver: redis")
	assert.Contains(t, stdout, "service: ssh")
	assert.Contains(t, stdout, "exchange: data_exchange")
}

func TestHostsList_Table(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	stdout, _, err := execute(t, "hosts", "list", "--storage", "local", "--data-dir", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "COUNTRY")
	assert.Contains(t, stdout, "192.0.2.10")
	assert.Contains(t, stdout, "192.0.2.11")
	assert.Contains(t, stdout, "http")
	assert.Contains(t, stdout, "2 of 2 hosts")
}

func TestHostsList_FilterAndJSON(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	stdout, _, err := execute(t, "hosts", "list", "--storage", "local", "--data-dir", dir,
		"--country", "NZ", "--json")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 2)

	var table struct {
		Type string              `json:"type"`
		Data []map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &table))
	assert.Equal(t, "table", table.Type)
	require.Len(t, table.Data, 1)
	row := table.Data[0]
	assert.Equal(t, "192.0.2.10", row["ip"])
	assert.Equal(t, "NZ", row["country"])
	assert.Equal(t, "http", row["services"])
	assert.Equal(t, "0", row["vulns"])
	assert.NotEmpty(t, row["updated"])

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &info))
	assert.Equal(t, "1 of 1 hosts", info["message"])
}

func TestHostsList_Paging(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	stdout, _, err := execute(t, "hosts", "list", "--storage", "local", "--data-dir", dir,
		"--limit", "1", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 of 2 hosts (next page: --cursor ")

	stdout, _, err = execute(t, "hosts", "list", "--storage", "local", "--data-dir", dir,
		"--limit", "1", "--all", "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 of 2 hosts")
	assert.NotContains(t, stdout, "next page")
}

func TestHostsList_InvalidLimit(t *testing.T) {
	_, _, err := execute(t, "hosts", "list", "--storage", "local", "--data-dir", t.TempDir(), "--limit", "500")
	require.ErrorContains(t, err, "--limit must be between 1 and 100")
}

func TestHostsShow(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	stdout, _, err := execute(t, "hosts", "show", "192.0.2.10", "--storage", "local", "--data-dir", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "## 192.0.2.10")
	assert.Contains(t, stdout, "country_code: NZ")
	assert.Contains(t, stdout, "status: 200 OK")
}

func TestHostsShow_Errors(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	_, _, err := execute(t, "hosts", "show", "192.0.2.99", "--storage", "local", "--data-dir", dir)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, _, err = execute(t, "hosts", "show", "not-an-ip", "--storage", "local", "--data-dir", dir)
	require.ErrorContains(t, err, "not an IP address")
}

func TestHostsDelete(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	stdout, _, err := execute(t, "hosts", "delete", "192.0.2.11", "--storage", "local", "--data-dir", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted 192.0.2.11")

	_, _, err = execute(t, "hosts", "show", "192.0.2.11", "--storage", "local", "--data-dir", dir)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGC_DryRunThenDelete(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now().Add(-48*time.Hour))

	stdout, _, err := execute(t, "gc", "--max-age", "24h", "--dry-run", "--storage", "local", "--data-dir", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Would delete 2 hosts")

	_, _, err = execute(t, "hosts", "show", "192.0.2.10", "--storage", "local", "--data-dir", dir)
	require.NoError(t, err)

	stdout, _, err = execute(t, "gc", "--max-age", "24h", "--storage", "local", "--data-dir", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted 2 hosts")

	_, _, err = execute(t, "hosts", "show", "192.0.2.10", "--storage", "local", "--data-dir", dir)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGC_KeepsFreshHosts(t *testing.T) {
	dir := t.TempDir()
	seedHosts(t, dir, time.Now())

	stdout, _, err := execute(t, "gc", "--max-age", "24h", "--storage", "local", "--data-dir", dir, "--no-color")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Deleted 0 hosts")
}

func TestGC_RequiresPositiveMaxAge(t *testing.T) {
	_, _, err := execute(t, "gc", "--max-age", "0s", "--storage", "local", "--data-dir", t.TempDir())
	require.ErrorContains(t, err, "--max-age must be positive")
}

func TestGrab_RequiresService(t *testing.T) {
	t.Setenv("SERVICE", "")

	_, _, err := execute(t, "grab", "--bus", "memory", "--storage", "local", "--data-dir", t.TempDir())
	require.ErrorContains(t, err, "service is required")
}

func TestGrab_UnknownBusDriver(t *testing.T) {
	_, _, err := execute(t, "grab", "--service", "http", "--bus", "carrier-pigeon",
		"--storage", "local", "--data-dir", t.TempDir())
	require.ErrorContains(t, err, "unknown bus driver")
}

func TestPorts_InvalidPorts(t *testing.T) {
	_, _, err := execute(t, "ports", "--ports", "http", "--bus", "memory",
		"--storage", "local", "--data-dir", t.TempDir())
	require.ErrorContains(t, err, "invalid ports")
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("RIGOUR_LOG_LEVEL", "chatty")

	_, _, err := execute(t, "config", "show")
	require.ErrorContains(t, err, "invalid log level")
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		count      int
		verbose    bool
		want       zerolog.Level
	}{
		{name: "configured", configured: "warn", want: zerolog.WarnLevel},
		{name: "empty falls back to info", want: zerolog.InfoLevel},
		{name: "one v", configured: "error", count: 1, want: zerolog.InfoLevel},
		{name: "two v", configured: "error", count: 2, want: zerolog.DebugLevel},
		{name: "verbose", configured: "error", verbose: true, want: zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := logLevel(tt.configured, tt.count, tt.verbose)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewCommand()
	for _, name := range []string{"grab", "ports", "serve", "hosts", "gc", "config"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}
