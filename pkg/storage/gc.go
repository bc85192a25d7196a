package storage

import (
	"context"
	"fmt"
	"time"
)

// GCOptions defines options for garbage collection.
type GCOptions struct {
	// MaxAge removes hosts whose record has not been updated for longer than
	// this. Zero disables collection.
	MaxAge time.Duration

	// DryRun reports the hosts that would be removed without deleting them.
	DryRun bool

	// Now overrides the reference time (defaults to time.Now).
	Now func() time.Time
}

// GCResult contains the results of a garbage collection operation.
type GCResult struct {
	// HostsDeleted is the number of hosts deleted (or that would be, on a dry run).
	HostsDeleted int

	// DeletedIPs lists the removed hosts.
	DeletedIPs []string

	// Errors contains any errors encountered during deletion.
	// GC continues even if individual deletions fail.
	Errors []error
}

// GarbageCollect removes hosts that no stage has touched within opts.MaxAge.
//
// Returns:
//   - GCResult with deletion statistics
//   - error if listing fails (individual deletion errors are in GCResult.Errors)
func GarbageCollect(ctx context.Context, store HostStore, opts GCOptions) (*GCResult, error) {
	result := &GCResult{
		DeletedIPs: make([]string, 0),
		Errors:     make([]error, 0),
	}
	if opts.MaxAge <= 0 {
		return result, nil
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	cutoff := now().Add(-opts.MaxAge)

	// Collect first, delete after, so deletions do not shift the cursor.
	var stale []string
	cursor := ""
	for {
		page, next, _, err := store.List(ctx, HostFilter{}, cursor, maxPageSize)
		if err != nil {
			return result, fmt.Errorf("list hosts: %w", err)
		}
		for _, rec := range page {
			if rec.UpdatedAt.Before(cutoff) {
				stale = append(stale, rec.IP)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	for _, ip := range stale {
		if opts.DryRun {
			result.DeletedIPs = append(result.DeletedIPs, ip)
			result.HostsDeleted++
			continue
		}
		if err := store.Delete(ctx, ip); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete host %s: %w", ip, err))
			continue
		}
		result.DeletedIPs = append(result.DeletedIPs, ip)
		result.HostsDeleted++
	}

	return result, nil
}
