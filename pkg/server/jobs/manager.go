// Package jobs runs background maintenance next to the host API.
package jobs

import (
	"context"
	"errors"
	"fmt"
)

// Manager is a background job owned by the API server.
type Manager interface {
	// Start launches the job and returns without waiting for it.
	Start(ctx context.Context) error

	// Stop waits for the job to finish, up to the ctx deadline.
	Stop(ctx context.Context) error
}

// Group runs several jobs as one Manager. Jobs start in order and stop in
// reverse order.
type Group []Manager

// Start starts every job. If one fails, the jobs already started are stopped
// again.
func (g Group) Start(ctx context.Context) error {
	for i, m := range g {
		if err := m.Start(ctx); err != nil {
			_ = g[:i].Stop(context.WithoutCancel(ctx))
			return fmt.Errorf("job %d: %w", i, err)
		}
	}
	return nil
}

// Stop stops every job, even after a failure, and joins the errors.
func (g Group) Stop(ctx context.Context) error {
	var errs []error
	for i := len(g) - 1; i >= 0; i-- {
		if err := g[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
