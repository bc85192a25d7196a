package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ctrlsam/rigour/pkg/host"
)

// LocalBackend implements Backend using one JSON document per host.
//
// Storage layout:
//
//	{dir}/
//	  hosts/
//	    {ip}.json
//	    {ip}.json.lock
//
// Thread-safety: every read-modify-write holds an exclusive file lock, so
// several processes may share the directory.
type LocalBackend struct {
	root string
	now  func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewLocalBackend creates a file-based backend rooted at dir.
func NewLocalBackend(dir string) (*LocalBackend, error) {
	if dir == "" {
		return nil, NewInvalidInputError("dir", "directory is required")
	}
	return &LocalBackend{
		root: filepath.Join(dir, "hosts"),
		now:  time.Now,
	}, nil
}

// WithClock overrides the time source used for timestamps.
func (b *LocalBackend) WithClock(now func() time.Time) *LocalBackend {
	b.now = now
	return b
}

// Initialize creates the directory structure.
func (b *LocalBackend) Initialize(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", b.root, err)
	}
	return nil
}

// Close marks the backend closed.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *LocalBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *LocalBackend) SaveLocation(ctx context.Context, msg *host.Message) error {
	return b.upsert(msg.IP, func(r *host.Record) {
		r.Location = msg.Host.Location
	})
}

func (b *LocalBackend) SaveBanner(ctx context.Context, msg *host.Message) error {
	banner, err := requireBanner(msg)
	if err != nil {
		return err
	}
	return b.upsert(msg.IP, func(r *host.Record) {
		r.Banners[banner.Service] = *banner
	})
}

func (b *LocalBackend) SaveVulnerabilities(ctx context.Context, msg *host.Message) error {
	return b.upsert(msg.IP, func(r *host.Record) {
		r.Vulnerabilities = append([]host.Vulnerability{}, msg.Host.Vulnerabilities...)
	})
}

// upsert applies mutate to the record for ip under its file lock, creating
// the record if needed.
func (b *LocalBackend) upsert(ip string, mutate func(*host.Record)) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := requireIP(ip); err != nil {
		return err
	}

	path := b.recordPath(ip)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	now := b.now().UTC()
	rec, err := readRecord(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		rec = newRecord(ip, now)
	case err != nil:
		return err
	}

	mutate(rec)
	rec.UpdatedAt = now
	return writeRecord(path, rec)
}

// Get retrieves the record for ip.
func (b *LocalBackend) Get(ctx context.Context, ip string) (*host.Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	path := b.recordPath(ip)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewNotFoundError("host", ip)
	}

	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	rec, err := readRecord(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, NewNotFoundError("host", ip)
	}
	return rec, err
}

// List returns a page of records matching filter.
func (b *LocalBackend) List(ctx context.Context, filter HostFilter, cursor string, limit int) ([]*host.Record, string, int, error) {
	if err := b.checkOpen(); err != nil {
		return nil, "", 0, err
	}
	limit = normalizeLimit(limit)

	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", 0, NewInvalidInputError("cursor", err.Error())
	}

	all, err := b.loadFiltered(ctx, filter)
	if err != nil {
		return nil, "", 0, err
	}
	sortRecords(all)

	start := 0
	if cursorData != nil {
		start = len(all)
		for i, r := range all {
			if cursorData.after(r) {
				start = i
				break
			}
		}
	}
	end := min(start+limit, len(all))
	page := all[start:end]

	var next string
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		next = EncodeCursor(&Cursor{LastIP: last.IP, LastTime: last.UpdatedAt.UnixNano()})
	}
	return page, next, len(all), nil
}

func (b *LocalBackend) loadFiltered(ctx context.Context, filter HostFilter) ([]*host.Record, error) {
	entries, err := os.ReadDir(b.root)
	if os.IsNotExist(err) {
		return []*host.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts directory: %w", err)
	}

	var records []*host.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := readRecord(filepath.Join(b.root, entry.Name()))
		if err != nil {
			continue // Skip unreadable documents
		}
		if matchesFilter(rec, filter) {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Delete removes the record for ip.
func (b *LocalBackend) Delete(ctx context.Context, ip string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	path := b.recordPath(ip)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(path + ".lock")
	}()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return NewNotFoundError("host", ip)
		}
		return fmt.Errorf("failed to delete host %s: %w", ip, err)
	}
	return nil
}

// recordPath maps an address to its document. IPv6 colons are replaced so
// the name is valid on every filesystem.
func (b *LocalBackend) recordPath(ip string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(ip)
	return filepath.Join(b.root, name+".json")
}

func readRecord(path string) (*host.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read host record: %w", err)
	}
	var rec host.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse host record: %w", err)
	}
	if rec.Banners == nil {
		rec.Banners = map[string]host.Banner{}
	}
	return &rec, nil
}

// writeRecord replaces the document atomically.
func writeRecord(path string, rec *host.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal host record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write host record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace host record: %w", err)
	}
	return nil
}
