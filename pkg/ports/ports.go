// Package ports runs the discovery stage: a zmap scan whose responsive
// addresses are located, published as port messages and persisted.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ctrlsam/rigour/pkg/bus"
	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/netutil"
	"github.com/ctrlsam/rigour/pkg/subproc"
	"github.com/ctrlsam/rigour/pkg/zmap"
)

// Config configures the discovery stage.
type Config struct {
	// Ports is a port list such as "80" or "22,80,8000-8100".
	Ports    string   `koanf:"ports"`
	Networks []string `koanf:"networks"`
	// Rate is the zmap send rate in packets per second.
	Rate   int    `koanf:"rate"`
	Binary string `koanf:"binary"`
	// PublishRate caps published messages per second; 0 is unlimited.
	PublishRate float64       `koanf:"publish_rate"`
	CloseWait   time.Duration `koanf:"close_wait"`
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		Ports:     "80",
		Networks:  []string{"10.0.0.0/8"},
		Rate:      zmap.DefaultRate,
		Binary:    zmap.DefaultBinary,
		CloseWait: 10 * time.Second,
	}
}

// Locator geolocates an address.
type Locator interface {
	Locate(ctx context.Context, ip net.IP) (host.Location, error)
}

// UnknownLocator reports every address as located in host.UnknownCountry.
type UnknownLocator struct{}

func (UnknownLocator) Locate(context.Context, net.IP) (host.Location, error) {
	return host.Location{CountryCode: host.UnknownCountry}, nil
}

// Scanner is a running zmap process. subproc.Adapter satisfies it.
type Scanner interface {
	Start(ctx context.Context) error
	Events() <-chan zmap.Result
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// ScannerFactory builds an unstarted Scanner for cmd.
type ScannerFactory func(cmd zmap.Command) Scanner

// Sink persists discovery locations.
type Sink interface {
	SaveLocation(ctx context.Context, msg *host.Message) error
}

// Stats counts what a scan produced.
type Stats struct {
	Results   int64
	Skipped   int64
	Published int64
	Failed    int64
}

// Stage runs one discovery scan.
type Stage struct {
	cfg      Config
	cmd      zmap.Command
	pub      bus.Publisher
	sink     Sink
	locator  Locator
	limiter  *rate.Limiter
	newScan  ScannerFactory
	logger   zerolog.Logger
	results  atomic.Int64
	skipped  atomic.Int64
	sent     atomic.Int64
	failures atomic.Int64
}

// New validates cfg and builds a stage. sink may be nil.
func New(cfg Config, pub bus.Publisher, sink Sink) (*Stage, error) {
	if pub == nil {
		return nil, errors.New("ports stage requires a publisher")
	}
	portList, err := netutil.ParsePortString(cfg.Ports)
	if err != nil {
		return nil, fmt.Errorf("invalid ports: %w", err)
	}
	if len(portList) == 0 {
		return nil, errors.New("no ports to scan")
	}
	networks, err := netutil.ParseNetworks(cfg.Networks)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}

	s := &Stage{
		cfg:     cfg,
		cmd:     zmap.Command{Binary: cfg.Binary, Ports: portList, Networks: networks, Rate: cfg.Rate},
		pub:     pub,
		sink:    sink,
		locator: UnknownLocator{},
		limiter: rate.NewLimiter(limit, 1),
		logger:  log.With().Str("component", "ports").Logger(),
	}
	s.newScan = s.zmapScanner
	return s, nil
}

// WithLocator sets the geolocation source.
func (s *Stage) WithLocator(l Locator) *Stage {
	s.locator = l
	return s
}

// WithScannerFactory replaces the zmap process.
func (s *Stage) WithScannerFactory(f ScannerFactory) *Stage {
	s.newScan = f
	return s
}

// WithLogger replaces the stage logger.
func (s *Stage) WithLogger(l zerolog.Logger) *Stage {
	s.logger = l
	return s
}

// Command returns the zmap command the stage runs.
func (s *Stage) Command() zmap.Command {
	return s.cmd
}

// Stats returns counters for the current run.
func (s *Stage) Stats() Stats {
	return Stats{
		Results:   s.results.Load(),
		Skipped:   s.skipped.Load(),
		Published: s.sent.Load(),
		Failed:    s.failures.Load(),
	}
}

func (s *Stage) zmapScanner(cmd zmap.Command) Scanner {
	opts := cmd.Options()
	opts.CloseWait = s.cfg.CloseWait
	return subproc.New(opts, zmap.Parser(cmd.Ports)).
		WithLogger(s.logger.With().Str("binary", cmd.Args()[0]).Logger())
}

// Run scans until zmap finishes or ctx is cancelled. Cancellation is not an
// error; a failed zmap exit is.
func (s *Stage) Run(ctx context.Context) error {
	scanner := s.newScan(s.cmd)
	if err := scanner.Start(ctx); err != nil {
		return fmt.Errorf("start zmap: %w", err)
	}
	s.logger.Info().
		Str("ports", s.cfg.Ports).
		Strs("networks", s.cmd.Networks).
		Msg("Starting port scan")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for res := range scanner.Events() {
			s.handle(gctx, res)
		}
		<-scanner.Done()
		if ctx.Err() != nil {
			return nil
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("zmap exited: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-scanner.Done():
		}
		return scanner.Stop()
	})

	err := g.Wait()
	st := s.Stats()
	s.logger.Info().
		Int64("results", st.Results).
		Int64("published", st.Published).
		Int64("skipped", st.Skipped).
		Int64("failed", st.Failed).
		Msg("Port scan finished")
	return err
}

// handle turns one zmap result into a discovery message.
func (s *Stage) handle(ctx context.Context, res zmap.Result) {
	s.results.Add(1)

	ip := net.ParseIP(res.Saddr)
	if !netutil.IsScanable(ip) {
		s.skipped.Add(1)
		s.logger.Debug().Str("ip", res.Saddr).Msg("Skipping non-scanable address")
		return
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	loc, err := s.locator.Locate(ctx, ip)
	if err != nil {
		s.logger.Warn().Err(err).Str("ip", res.Saddr).Msg("Location lookup failed")
		loc = host.Location{CountryCode: host.UnknownCountry}
	}

	msg := &host.Message{IP: ip.String(), Port: res.Sport, Host: host.Host{Location: loc}}
	if err := msg.Validate(); err != nil {
		s.failures.Add(1)
		s.logger.Error().Err(err).Str("ip", res.Saddr).Msg("Invalid discovery message")
		return
	}

	key := bus.KeyFor(msg, host.StagePort)
	if err := s.pub.Publish(ctx, key, msg); err != nil {
		s.failures.Add(1)
		s.logger.Error().Err(err).Str("routing_key", key).Msg("Failed to publish discovery")
	} else {
		s.sent.Add(1)
		s.logger.Debug().Str("routing_key", key).Msg("Published discovery")
	}

	if s.sink == nil {
		return
	}
	if err := s.sink.SaveLocation(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("ip", msg.IP).Msg("Failed to persist location")
	}
}
