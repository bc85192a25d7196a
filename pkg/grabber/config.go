package grabber

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ctrlsam/rigour/pkg/correlate"
	"github.com/ctrlsam/rigour/pkg/subproc"
	"github.com/ctrlsam/rigour/pkg/zgrab"
)

// Exit policies applied when the probe process ends on its own.
const (
	OnExitRestart  = "restart"
	OnExitShutdown = "shutdown"
)

const defaultRestartBackoff = 5 * time.Second

// Config configures the banner stage.
type Config struct {
	// Service is the zgrab2 module to run, e.g. "http".
	Service string `koanf:"service"`

	// Port pins both the subscription and zgrab2 to one port; 0 means any.
	Port int `koanf:"port"`

	MessageTimeout time.Duration `koanf:"message_timeout"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`

	Binary         string        `koanf:"binary"`
	OnExit         string        `koanf:"on_exit"`
	RestartBackoff time.Duration `koanf:"restart_backoff"`

	QueueSize             int           `koanf:"queue_size"`
	BackpressureThreshold int           `koanf:"backpressure_threshold"`
	CloseWait             time.Duration `koanf:"close_wait"`
}

// DefaultConfig returns the defaults of every field except Service.
func DefaultConfig() Config {
	return Config{
		MessageTimeout:        correlate.DefaultTimeout,
		SweepInterval:         correlate.DefaultSweepInterval,
		Binary:                zgrab.DefaultBinary,
		OnExit:                OnExitRestart,
		RestartBackoff:        defaultRestartBackoff,
		QueueSize:             1024,
		BackpressureThreshold: 10,
		CloseWait:             10 * time.Second,
	}
}

func (c *Config) sanitize() {
	d := DefaultConfig()
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Binary == "" {
		c.Binary = d.Binary
	}
	if c.OnExit == "" {
		c.OnExit = d.OnExit
	}
	c.OnExit = strings.ToLower(c.OnExit)
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = d.RestartBackoff
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c.Service == "" {
		return errors.New("grabber service is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid grabber port %d", c.Port)
	}
	switch strings.ToLower(c.OnExit) {
	case "", OnExitRestart, OnExitShutdown:
	default:
		return fmt.Errorf("invalid on_exit policy %q (want %s or %s)", c.OnExit, OnExitRestart, OnExitShutdown)
	}
	return nil
}

// ZgrabFactory returns a ProberFactory running `zgrab2 <service> [--port N]
// --flush` with targets piped on stdin.
func ZgrabFactory(cfg Config, logger zerolog.Logger) ProberFactory {
	cmd := zgrab.Command{Binary: cfg.Binary, Service: cfg.Service, Port: cfg.Port}
	return func() Prober {
		opts := cmd.Options()
		opts.QueueSize = cfg.QueueSize
		opts.BackpressureThreshold = cfg.BackpressureThreshold
		opts.CloseWait = cfg.CloseWait
		return subproc.New(opts, zgrab.Parser(cfg.Service)).
			WithLogger(logger.With().Str("binary", cmd.Args()[0]).Logger())
	}
}
