package bind

import (
	"fmt"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlsam/rigour/pkg/config"
	"github.com/ctrlsam/rigour/pkg/storage"
)

func TestFlagRegistrarsMapConfigKeys(t *testing.T) {
	tests := []struct {
		name     string
		register func(*pflag.FlagSet)
		want     map[string]string
	}{
		{
			name:     "bus",
			register: BusFlags,
			want: map[string]string{
				"bus":      "bus.driver",
				"bus-url":  "bus.url",
				"exchange": "bus.exchange",
				"codec":    "bus.codec",
			},
		},
		{
			name:     "storage",
			register: StorageFlags,
			want: map[string]string{
				"storage":  "storage.driver",
				"dsn":      "storage.dsn",
				"data-dir": "storage.dir",
			},
		},
		{
			name:     "grab",
			register: GrabFlags,
			want: map[string]string{
				"service":        "grabber.service",
				"port":           "grabber.port",
				"timeout":        "grabber.message_timeout",
				"sweep-interval": "grabber.sweep_interval",
				"zgrab":          "grabber.binary",
				"on-exit":        "grabber.on_exit",
			},
		},
		{
			name:     "ports",
			register: PortsFlags,
			want: map[string]string{
				"ports":        "ports.ports",
				"networks":     "ports.networks",
				"rate":         "ports.rate",
				"zmap":         "ports.binary",
				"publish-rate": "ports.publish_rate",
			},
		},
		{
			name:     "server",
			register: ServerFlags,
			want: map[string]string{
				"addr":        "server.addr",
				"listen-port": "server.port",
				"retention":   "server.retention",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := pflag.NewFlagSet(tt.name, pflag.ContinueOnError)
			tt.register(fs)

			got := map[string]string{}
			fs.VisitAll(func(f *pflag.Flag) {
				got[f.Name] = config.FlagKey(f)
			})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlagDefaultsMatchConfig(t *testing.T) {
	def := config.DefaultConfig()
	fs := pflag.NewFlagSet("defaults", pflag.ContinueOnError)
	GrabFlags(fs)
	ServerFlags(fs)

	timeout, err := fs.GetDuration("timeout")
	require.NoError(t, err)
	assert.Equal(t, def.Grabber.MessageTimeout, timeout)

	port, err := fs.GetInt("listen-port")
	require.NoError(t, err)
	assert.Equal(t, def.Server.Port, port)
}

func newListCommand(flags map[string]any) *cobra.Command {
	cmd := &cobra.Command{Use: "list"}
	HostListFlags(cmd.Flags())
	for name, value := range flags {
		_ = cmd.Flags().Set(name, fmt.Sprint(value))
	}
	return cmd
}

func TestBindHostListOptions(t *testing.T) {
	tests := []struct {
		name    string
		flags   map[string]any
		want    HostListOptions
		wantErr bool
		errMsg  string
	}{
		{
			name:  "defaults",
			flags: map[string]any{},
			want:  HostListOptions{Limit: 50},
		},
		{
			name: "all filters",
			flags: map[string]any{
				"country":      "NZ",
				"with-service": "ssh",
				"on-port":      22,
				"limit":        10,
			},
			want: HostListOptions{
				Filter: storage.HostFilter{CountryCode: "NZ", Service: "ssh", Port: 22},
				Limit:  10,
			},
		},
		{
			name:  "cursor",
			flags: map[string]any{"cursor": "abc"},
			want:  HostListOptions{Cursor: "abc", Limit: 50},
		},
		{
			name:    "limit too large",
			flags:   map[string]any{"limit": 101},
			wantErr: true,
			errMsg:  "--limit must be between 1 and 100",
		},
		{
			name:    "limit zero",
			flags:   map[string]any{"limit": 0},
			wantErr: true,
			errMsg:  "--limit must be between 1 and 100",
		},
		{
			name:    "port out of range",
			flags:   map[string]any{"on-port": 70000},
			wantErr: true,
			errMsg:  "--on-port must be between 0 and 65535",
		},
		{
			name:    "all with cursor",
			flags:   map[string]any{"all": true, "cursor": "abc"},
			wantErr: true,
			errMsg:  "cannot be combined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BindHostListOptions(newListCommand(tt.flags))
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBindHostIP(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "ipv4", args: []string{"192.0.2.1"}, want: "192.0.2.1"},
		{name: "ipv6 normalized", args: []string{"2001:DB8:0:0::1"}, want: "2001:db8::1"},
		{name: "not an address", args: []string{"example.com"}, wantErr: true},
		{name: "missing", args: nil, wantErr: true},
		{name: "too many", args: []string{"192.0.2.1", "192.0.2.2"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BindHostIP(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBindGCOptions(t *testing.T) {
	tests := []struct {
		name    string
		flags   map[string]string
		want    storage.GCOptions
		wantErr bool
	}{
		{
			name:  "defaults",
			flags: map[string]string{},
			want:  storage.GCOptions{MaxAge: 30 * 24 * time.Hour},
		},
		{
			name:  "dry run",
			flags: map[string]string{"max-age": "1h", "dry-run": "true"},
			want:  storage.GCOptions{MaxAge: time.Hour, DryRun: true},
		},
		{
			name:    "zero max age",
			flags:   map[string]string{"max-age": "0s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "gc"}
			GCFlags(cmd.Flags())
			for name, value := range tt.flags {
				require.NoError(t, cmd.Flags().Set(name, value))
			}

			got, err := BindGCOptions(cmd)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBindOutputOptions(t *testing.T) {
	cmd := &cobra.Command{Use: "out"}
	OutputFlags(cmd.Flags())
	assert.Equal(t, OutputOptions{}, BindOutputOptions(cmd))

	require.NoError(t, cmd.Flags().Set("json", "true"))
	require.NoError(t, cmd.Flags().Set("no-color", "true"))
	assert.Equal(t, OutputOptions{JSON: true, NoColor: true}, BindOutputOptions(cmd))
}
