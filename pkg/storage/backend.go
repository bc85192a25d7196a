// Package storage persists the per-host documents that the pipeline stages
// build up.
//
// Every stage writes only the fields it owns:
//   - the port stage writes the location,
//   - the banner stage writes one entry of the banner map per service,
//   - the vulnerability stage writes the vulnerability list.
//
// All writes are upserts keyed by IP address. FirstSeen is set when the
// record is created and is never overwritten; UpdatedAt moves on every write.
//
// Two backends are provided: SQLiteBackend (the default, a single database
// file) and LocalBackend (one JSON document per host guarded by file locks).
package storage

import (
	"context"

	"github.com/ctrlsam/rigour/pkg/host"
)

// HostStore reads and writes host records.
//
// Thread-safety: All methods must be safe for concurrent use.
type HostStore interface {
	// SaveLocation upserts the location of msg.IP.
	//
	// Banners and vulnerabilities of an existing record are left untouched.
	SaveLocation(ctx context.Context, msg *host.Message) error

	// SaveBanner upserts banners[msg.Host.Banner.Service].
	//
	// Returns InvalidInputError if msg carries no banner. Banners of other
	// services, the location and the vulnerabilities are left untouched.
	// Applying the same message twice yields the same stored banner.
	SaveBanner(ctx context.Context, msg *host.Message) error

	// SaveVulnerabilities replaces the vulnerability list of msg.IP.
	SaveVulnerabilities(ctx context.Context, msg *host.Message) error

	// Get returns the record for ip.
	//
	// Returns NotFoundError if no stage has written ip yet.
	Get(ctx context.Context, ip string) (*host.Record, error)

	// List returns records matching filter, most recently updated first.
	//
	// Parameters:
	//   - cursor: opaque value from a previous call (empty for the first page)
	//   - limit: page size (1-100, default 50)
	//
	// Returns the page, the cursor for the next page (empty when there are no
	// more results) and the total number of matching records.
	List(ctx context.Context, filter HostFilter, cursor string, limit int) (hosts []*host.Record, nextCursor string, total int, err error)

	// Delete removes the record for ip.
	//
	// Returns NotFoundError if ip does not exist.
	Delete(ctx context.Context, ip string) error
}

// Backend is a HostStore with a lifecycle.
type Backend interface {
	HostStore

	// Initialize prepares the backend for use (directories, schema).
	Initialize(ctx context.Context) error

	// Close releases resources held by the backend. Further calls return
	// ErrClosed.
	Close() error
}

// HostFilter narrows List results. Zero values match everything.
type HostFilter struct {
	CountryCode string
	Service     string
	// Port matches records holding a banner grabbed on this port.
	Port int
}
