// Package grabber runs the banner stage: it consumes discovery messages,
// feeds their addresses to a long-running zgrab2 process and publishes each
// result, merged with the discovery context it answers, as a banner message.
package grabber

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ctrlsam/rigour/pkg/bus"
	"github.com/ctrlsam/rigour/pkg/correlate"
	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/subproc"
	"github.com/ctrlsam/rigour/pkg/zgrab"
)

var (
	// ErrAlreadyStarted is returned by Start on a grabber that left Idle.
	ErrAlreadyStarted = errors.New("grabber already started")

	// ErrProberExited is recorded when the probe process exits and the exit
	// policy is OnExitShutdown.
	ErrProberExited = errors.New("probe process exited")
)

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusShuttingDown
	StatusStopped
)

func (s Status) String() string {
	return [...]string{"Idle", "Running", "ShuttingDown", "Stopped"}[s]
}

// Prober is the asynchronous probe backend. subproc.Adapter satisfies it.
type Prober interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, target string) error
	Events() <-chan zgrab.Result
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// ProberFactory builds a fresh, unstarted Prober. It is called once at Start
// and again for every restart.
type ProberFactory func() Prober

// Sink persists enriched banner messages.
type Sink interface {
	SaveBanner(ctx context.Context, msg *host.Message) error
}

// Grabber correlates discovery messages with probe results.
type Grabber struct {
	cfg       Config
	bus       bus.Bus
	sink      Sink
	newProber ProberFactory
	table     *correlate.Table[host.Message]
	logger    zerolog.Logger

	mu     sync.Mutex
	status Status
	prober Prober
	err    error

	// swapped is closed and replaced every time a new prober is installed.
	swapped chan struct{}

	cancelIntake context.CancelFunc
	cancelSweep  context.CancelFunc
	cancelRest   context.CancelFunc
	intakeDone   chan struct{}
	sweepDone    chan struct{}
	group        errgroup.Group

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds an idle grabber. sink may be nil, in which case results are
// only published.
func New(cfg Config, b bus.Bus, sink Sink) (*Grabber, error) {
	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errors.New("grabber requires a bus")
	}

	logger := log.With().
		Str("component", "grabber").
		Str("service", cfg.Service).
		Str("run_id", uuid.NewString()).
		Logger()

	g := &Grabber{
		cfg:     cfg,
		bus:     b,
		sink:    sink,
		table:   correlate.NewTable[host.Message](cfg.MessageTimeout).WithLogger(logger),
		logger:  logger,
		swapped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	return g, nil
}

// WithProberFactory replaces the zgrab2 backend built by ZgrabFactory.
func (g *Grabber) WithProberFactory(f ProberFactory) *Grabber {
	g.newProber = f
	return g
}

// WithClock sets the time source of the correlation table.
func (g *Grabber) WithClock(now func() time.Time) *Grabber {
	g.table.WithClock(now)
	return g
}

// WithLogger replaces the grabber logger.
func (g *Grabber) WithLogger(l zerolog.Logger) *Grabber {
	g.logger = l
	g.table.WithLogger(l)
	return g
}

// Status reports the lifecycle state.
func (g *Grabber) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Pending reports how many discovery messages await a result.
func (g *Grabber) Pending() int {
	return g.table.Len()
}

// Done is closed once the grabber reaches StatusStopped.
func (g *Grabber) Done() <-chan struct{} {
	return g.done
}

// Err returns the error that stopped the grabber, if any. It is only
// meaningful after Done is closed.
func (g *Grabber) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// Start launches the probe process, the sweep loop and the discovery intake.
// Cancelling ctx shuts the grabber down.
func (g *Grabber) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.status != StatusIdle {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}

	root := context.WithoutCancel(ctx)
	restCtx, cancelRest := context.WithCancel(root)

	p := g.spawnProber()
	if err := p.Start(restCtx); err != nil {
		g.mu.Unlock()
		cancelRest()
		return fmt.Errorf("start prober: %w", err)
	}

	intakeCtx, cancelIntake := context.WithCancel(root)
	sweepCtx, cancelSweep := context.WithCancel(root)
	g.prober = p
	g.cancelIntake = cancelIntake
	g.cancelSweep = cancelSweep
	g.cancelRest = cancelRest
	g.intakeDone = make(chan struct{})
	g.sweepDone = make(chan struct{})
	g.status = StatusRunning
	// Activities launched below take g.mu, so they cannot observe the
	// grabber or fail it before every one of them is registered.
	defer g.mu.Unlock()

	pattern := bus.PortPattern(g.cfg.Port)
	g.logger.Info().
		Str("pattern", pattern).
		Int("port", g.cfg.Port).
		Dur("message_timeout", g.cfg.MessageTimeout).
		Dur("sweep_interval", g.cfg.SweepInterval).
		Str("on_exit", g.cfg.OnExit).
		Msg("Grabber started")

	g.group.Go(func() error {
		defer close(g.intakeDone)
		err := g.bus.Consume(intakeCtx, pattern, g.handleDiscovery)
		if err != nil && intakeCtx.Err() == nil {
			g.fail(fmt.Errorf("consume %s: %w", pattern, err))
			return err
		}
		return nil
	})

	g.group.Go(func() error {
		defer close(g.sweepDone)
		g.table.RunSweeper(sweepCtx, g.cfg.SweepInterval)
		return nil
	})

	g.group.Go(func() error {
		err := g.superviseProber(restCtx, p)
		if err != nil {
			g.fail(err)
		}
		return err
	})

	go func() {
		select {
		case <-ctx.Done():
			_ = g.Shutdown()
		case <-g.done:
		}
	}()

	return nil
}

// Run starts the grabber and blocks until it stops. It returns nil after a
// shutdown requested through ctx, or the error that forced the stop.
func (g *Grabber) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	<-g.done
	return g.Err()
}

// Shutdown stops intake, then the sweep loop, then the probe process, and
// waits for the remaining activities. It is idempotent and never returns an
// error for in-flight work that was cancelled.
func (g *Grabber) Shutdown() error {
	g.shutdownOnce.Do(func() {
		defer close(g.done)

		g.mu.Lock()
		if g.status != StatusRunning {
			g.status = StatusStopped
			g.mu.Unlock()
			return
		}
		g.status = StatusShuttingDown
		g.mu.Unlock()

		g.logger.Info().Int("pending", g.table.Len()).Msg("Shutting down grabber")

		g.cancelIntake()
		<-g.intakeDone
		g.logger.Debug().Msg("Intake stopped")

		g.cancelSweep()
		<-g.sweepDone
		g.logger.Debug().Msg("Sweep stopped")

		if p := g.currentProber(); p != nil {
			if err := p.Stop(); err != nil {
				g.logger.Debug().Err(err).Msg("Prober stop failed (ignored)")
			}
		}

		g.cancelRest()
		if err := g.group.Wait(); err != nil {
			g.logger.Debug().Err(err).Msg("Background task ended with error (ignored)")
		}

		g.mu.Lock()
		g.status = StatusStopped
		g.mu.Unlock()
		g.logger.Info().Msg("Grabber stopped")
	})
	return nil
}

// fail records the first fatal error and triggers shutdown without waiting
// for it, since the caller is one of the activities Shutdown waits on.
func (g *Grabber) fail(err error) {
	g.mu.Lock()
	if g.err == nil {
		g.err = err
	}
	g.mu.Unlock()
	g.logger.Error().Err(err).Msg("Grabber failing")
	go func() { _ = g.Shutdown() }()
}

func (g *Grabber) spawnProber() Prober {
	if g.newProber != nil {
		return g.newProber()
	}
	return ZgrabFactory(g.cfg, g.logger)()
}

func (g *Grabber) currentProber() Prober {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prober
}

// liveProber returns the installed prober, waiting through a restart while
// the installed one has exited.
func (g *Grabber) liveProber(ctx context.Context) (Prober, error) {
	for {
		g.mu.Lock()
		p, swapped := g.prober, g.swapped
		g.mu.Unlock()

		select {
		case <-p.Done():
		default:
			return p, nil
		}

		select {
		case <-swapped:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// swapProber installs p unless shutdown has begun, in which case p is
// stopped and false is returned.
func (g *Grabber) swapProber(p Prober) bool {
	g.mu.Lock()
	if g.status == StatusRunning {
		g.prober = p
		close(g.swapped)
		g.swapped = make(chan struct{})
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()
	_ = p.Stop()
	return false
}

// handleDiscovery records the discovery context and submits its address.
// The table insert happens before submission so a fast result always finds
// its context.
func (g *Grabber) handleDiscovery(ctx context.Context, d bus.Delivery) (err error) {
	defer g.recoverItem("discovery", &err)

	if err := ctx.Err(); err != nil {
		return err
	}

	var msg host.Message
	if err := d.Decode(&msg); err != nil {
		g.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("Failed to decode discovery message")
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}
	if err := msg.Validate(); err != nil {
		g.logger.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("Invalid discovery message")
		return fmt.Errorf("%w: %v", bus.ErrDrop, err)
	}

	if stage := msg.Stage(); stage != host.StagePort {
		g.logger.Warn().Str("stage", stage).Str("routing_key", d.RoutingKey).Msg("Ignoring non-discovery message")
		return fmt.Errorf("%w: %s message on discovery intake", bus.ErrDrop, stage)
	}
	// "#.<port>.#.port" also matches keys where an address octet equals the
	// port, so a pinned grabber checks the port itself.
	if g.cfg.Port > 0 && msg.Port != g.cfg.Port {
		g.logger.Debug().Int("port", msg.Port).Str("routing_key", d.RoutingKey).Msg("Ignoring discovery for another port")
		return fmt.Errorf("%w: port %d, want %d", bus.ErrDrop, msg.Port, g.cfg.Port)
	}

	if replaced := g.table.Insert(msg.IP, msg); replaced {
		g.logger.Debug().Str("ip", msg.IP).Msg("Replaced pending request")
	}

	if err := g.submit(ctx, msg.IP); err != nil {
		g.table.Resolve(msg.IP)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Error().Err(err).Str("ip", msg.IP).Msg("Failed to submit target")
		return fmt.Errorf("submit %s: %w", msg.IP, err)
	}

	g.logger.Debug().Str("ip", msg.IP).Int("port", msg.Port).Msg("Submitted target")
	return nil
}

// submit hands ip to a live prober. A prober that exits under the call is
// replaced by the supervisor and the submission is retried on its successor.
func (g *Grabber) submit(ctx context.Context, ip string) error {
	for {
		p, err := g.liveProber(ctx)
		if err != nil {
			return err
		}
		err = p.Submit(ctx, ip)
		if !errors.Is(err, subproc.ErrExited) {
			return err
		}
		g.logger.Debug().Str("ip", ip).Msg("Probe process exited during submit, waiting for restart")
	}
}

// handleResult merges one probe result with its discovery context, then
// publishes and persists the banner message.
func (g *Grabber) handleResult(ctx context.Context, res zgrab.Result) {
	var err error
	defer g.recoverItem("result", &err)

	msg, ok := g.table.Resolve(res.IP)
	if !ok {
		g.logger.Warn().Str("ip", res.IP).Msg("No pending request for result")
		return
	}

	enriched := g.enrich(msg, res)
	key := bus.KeyFor(&enriched, host.StageBanner)

	if err := g.bus.Publish(ctx, key, &enriched); err != nil {
		g.logger.Error().Err(err).Str("routing_key", key).Msg("Failed to publish banner")
	} else {
		g.logger.Debug().Str("routing_key", key).Msg("Published banner")
	}

	if g.sink == nil {
		return
	}
	if err := g.sink.SaveBanner(ctx, &enriched); err != nil {
		g.logger.Error().Err(err).Str("ip", enriched.IP).Msg("Failed to persist banner")
	}
}

func (g *Grabber) enrich(msg host.Message, res zgrab.Result) host.Message {
	out := msg.Clone()

	var port *int
	if g.cfg.Port > 0 {
		p := g.cfg.Port
		port = &p
	}

	var data map[string]any
	if section, ok := res.Service(g.cfg.Service); ok {
		data = section.Map()
	}

	out.Host.Banner = &host.Banner{
		Service: g.cfg.Service,
		Port:    port,
		Data:    data,
	}
	return out
}

// recoverItem turns a panic while handling one item into a logged error.
func (g *Grabber) recoverItem(kind string, err *error) {
	if r := recover(); r != nil {
		g.logger.Error().
			Str("item", kind).
			Interface("panic", r).
			Bytes("stack", debug.Stack()).
			Msg("Recovered from panic while handling item")
		*err = fmt.Errorf("%w: panic handling %s: %v", bus.ErrDrop, kind, r)
	}
}
