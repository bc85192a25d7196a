package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ctrlsam/rigour/pkg/host"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Config selects and configures a backend.
type Config struct {
	// Driver is "sqlite" or "local".
	Driver string `koanf:"driver"`

	// DSN is the SQLite database path.
	DSN string `koanf:"dsn"`

	// Dir is the LocalBackend root directory.
	Dir string `koanf:"dir"`
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() Config {
	return Config{
		Driver: "sqlite",
		DSN:    "rigour.db",
		Dir:    "./data",
	}
}

// Validate checks that the selected driver has what it needs.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", "sqlite":
		if c.DSN == "" {
			return NewInvalidInputError("dsn", "sqlite backend requires a database path")
		}
	case "local":
		if c.Dir == "" {
			return NewInvalidInputError("dir", "local backend requires a directory")
		}
	default:
		return NewInvalidInputError("driver", fmt.Sprintf("unknown storage driver %q", c.Driver))
	}
	return nil
}

// Open creates and initializes the backend selected by cfg.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var (
		b   Backend
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "local":
		b, err = NewLocalBackend(cfg.Dir)
	default:
		b, err = NewSQLiteBackend(cfg.DSN)
	}
	if err != nil {
		return nil, err
	}
	if err := b.Initialize(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Cursor marks the last record of a page.
type Cursor struct {
	LastIP   string `json:"ip"`
	LastTime int64  `json:"ts"`
}

// EncodeCursor returns the URL-safe form of c.
func EncodeCursor(c *Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor; the empty string yields nil.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed cursor: %w", err)
	}
	return &c, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// after reports whether r sorts after the cursor position in
// (updated_at desc, ip asc) order.
func (c *Cursor) after(r *host.Record) bool {
	ts := r.UpdatedAt.UnixNano()
	return ts < c.LastTime || (ts == c.LastTime && r.IP > c.LastIP)
}

func sortRecords(records []*host.Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].UpdatedAt.Equal(records[j].UpdatedAt) {
			return records[i].UpdatedAt.After(records[j].UpdatedAt)
		}
		return records[i].IP < records[j].IP
	})
}

func matchesFilter(r *host.Record, f HostFilter) bool {
	if f.CountryCode != "" && r.Location.CountryCode != f.CountryCode {
		return false
	}
	if f.Service != "" {
		if _, ok := r.Banners[f.Service]; !ok {
			return false
		}
	}
	if f.Port != 0 {
		found := false
		for _, b := range r.Banners {
			if b.Port != nil && *b.Port == f.Port {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func requireBanner(msg *host.Message) (*host.Banner, error) {
	if msg.Host.Banner == nil {
		return nil, NewInvalidInputError("banner", "message for "+msg.IP+" carries no banner")
	}
	if msg.Host.Banner.Service == "" {
		return nil, NewInvalidInputError("banner.service", "service name is required")
	}
	return msg.Host.Banner, nil
}

func requireIP(ip string) error {
	if ip == "" {
		return NewInvalidInputError("ip", "ip is required")
	}
	return nil
}

// newRecord returns an empty record created at now.
func newRecord(ip string, now time.Time) *host.Record {
	return &host.Record{
		IP:              ip,
		Banners:         map[string]host.Banner{},
		Vulnerabilities: []host.Vulnerability{},
		FirstSeen:       now,
		UpdatedAt:       now,
	}
}
