package grabber

import (
	"context"
	"fmt"
	"time"
)

// superviseProber drains events from the running prober and applies the exit
// policy whenever the process ends on its own.
func (g *Grabber) superviseProber(ctx context.Context, p Prober) error {
	for {
		g.pump(ctx, p)
		if ctx.Err() != nil || g.Status() != StatusRunning {
			return nil
		}

		exitErr := p.Err()
		g.logger.Warn().Err(exitErr).Int("pending", g.table.Len()).Msg("Probe process exited")

		if g.cfg.OnExit == OnExitShutdown {
			if exitErr != nil {
				return fmt.Errorf("%w: %v", ErrProberExited, exitErr)
			}
			return ErrProberExited
		}

		next, ok := g.restart(ctx)
		if !ok {
			return nil
		}
		p = next
	}
}

// pump handles events until the prober's event stream ends or ctx is done.
func (g *Grabber) pump(ctx context.Context, p Prober) {
	events := p.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-events:
			if !ok {
				// Events closes after the process exited; wait for Done so
				// Err is settled.
				select {
				case <-p.Done():
				case <-ctx.Done():
				}
				return
			}
			g.handleResult(ctx, res)
		}
	}
}

// restart starts a new prober after the configured backoff, retrying until
// it succeeds or ctx is done.
func (g *Grabber) restart(ctx context.Context) (Prober, bool) {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(g.cfg.RestartBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		p := g.spawnProber()
		if err := p.Start(ctx); err != nil {
			g.logger.Error().Err(err).Int("attempt", attempt).Msg("Failed to restart probe process")
			continue
		}
		if !g.swapProber(p) {
			return nil, false
		}
		g.logger.Info().Int("attempt", attempt).Msg("Probe process restarted")
		return p, true
	}
}
