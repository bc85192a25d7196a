package api

import (
	"sync/atomic"
	"time"

	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/storage"
)

// Deps holds dependencies for API handlers.
// This pattern enables dependency injection and easier testing.
type Deps struct {
	// Store serves host records. Handlers answer 500 when it is nil.
	Store storage.HostStore

	// Config holds API-level configuration (timeouts, limits, etc.)
	Config Config

	// Ready flag for readiness check
	Ready *atomic.Bool
}

// Config holds handler settings.
type Config struct {
	// HandlerTimeout bounds each storage call made by a handler.
	HandlerTimeout time.Duration
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		HandlerTimeout: 5 * time.Second,
	}
}

// HostSummary is one list item of GET /api/v1/hosts.
type HostSummary struct {
	IP          string    `json:"ip"`
	CountryCode string    `json:"country_code,omitempty"`
	Services    []string  `json:"services"`
	Vulns       int       `json:"vulnerabilities"`
	FirstSeen   time.Time `json:"first_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HostList is the body of GET /api/v1/hosts.
type HostList struct {
	Hosts      []HostSummary `json:"hosts"`
	NextCursor string        `json:"next_cursor"`
	Total      int           `json:"total"`
}

// HostDetail is the body of GET /api/v1/hosts/{ip}.
type HostDetail = host.Record
