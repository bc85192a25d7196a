package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ctrlsam/rigour/pkg/host"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS hosts (
	ip              TEXT PRIMARY KEY,
	country_code    TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL DEFAULT '{}',
	vulnerabilities TEXT NOT NULL DEFAULT '[]',
	first_seen      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hosts_updated ON hosts(updated_at DESC, ip);
CREATE INDEX IF NOT EXISTS idx_hosts_country ON hosts(country_code);

CREATE TABLE IF NOT EXISTS banners (
	ip      TEXT NOT NULL,
	service TEXT NOT NULL,
	port    INTEGER,
	data    TEXT NOT NULL,
	PRIMARY KEY (ip, service)
);
CREATE INDEX IF NOT EXISTS idx_banners_service ON banners(service);
`

// touchHost creates the host row or bumps updated_at. first_seen is only
// written on insert.
const touchHost = `
INSERT INTO hosts (ip, first_seen, updated_at) VALUES (?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET updated_at = excluded.updated_at`

// SQLiteBackend implements Backend on a single SQLite database file.
type SQLiteBackend struct {
	dsn string
	db  *sql.DB
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteBackend opens (but does not migrate) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, NewInvalidInputError("dsn", "database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between
	// our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	return &SQLiteBackend{dsn: path, db: db, now: time.Now}, nil
}

// WithClock overrides the time source used for timestamps.
func (b *SQLiteBackend) WithClock(now func() time.Time) *SQLiteBackend {
	b.now = now
	return b
}

// Initialize creates the schema.
func (b *SQLiteBackend) Initialize(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func (b *SQLiteBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *SQLiteBackend) SaveLocation(ctx context.Context, msg *host.Message) error {
	if err := requireIP(msg.IP); err != nil {
		return err
	}
	loc, err := json.Marshal(msg.Host.Location)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	now := b.now().UnixNano()

	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO hosts (ip, country_code, location, first_seen, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET
	country_code = excluded.country_code,
	location = excluded.location,
	updated_at = excluded.updated_at`,
			msg.IP, msg.Host.Location.CountryCode, string(loc), now, now)
		return err
	})
}

func (b *SQLiteBackend) SaveBanner(ctx context.Context, msg *host.Message) error {
	if err := requireIP(msg.IP); err != nil {
		return err
	}
	banner, err := requireBanner(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(banner.Data)
	if err != nil {
		return fmt.Errorf("marshal banner data: %w", err)
	}
	var port sql.NullInt64
	if banner.Port != nil {
		port = sql.NullInt64{Int64: int64(*banner.Port), Valid: true}
	}
	now := b.now().UnixNano()

	return b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, touchHost, msg.IP, now, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO banners (ip, service, port, data) VALUES (?, ?, ?, ?)
ON CONFLICT(ip, service) DO UPDATE SET port = excluded.port, data = excluded.data`,
			msg.IP, banner.Service, port, string(data))
		return err
	})
}

func (b *SQLiteBackend) SaveVulnerabilities(ctx context.Context, msg *host.Message) error {
	if err := requireIP(msg.IP); err != nil {
		return err
	}
	vulns := msg.Host.Vulnerabilities
	if vulns == nil {
		vulns = []host.Vulnerability{}
	}
	data, err := json.Marshal(vulns)
	if err != nil {
		return fmt.Errorf("marshal vulnerabilities: %w", err)
	}
	now := b.now().UnixNano()

	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO hosts (ip, vulnerabilities, first_seen, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(ip) DO UPDATE SET
	vulnerabilities = excluded.vulnerabilities,
	updated_at = excluded.updated_at`,
			msg.IP, string(data), now, now)
		return err
	})
}

func (b *SQLiteBackend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert host: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get retrieves the record for ip.
func (b *SQLiteBackend) Get(ctx context.Context, ip string) (*host.Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx,
		`SELECT ip, location, vulnerabilities, first_seen, updated_at FROM hosts WHERE ip = ?`, ip)
	rec, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewNotFoundError("host", ip)
	}
	if err != nil {
		return nil, err
	}
	if err := b.loadBanners(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns a page of records matching filter.
func (b *SQLiteBackend) List(ctx context.Context, filter HostFilter, cursor string, limit int) ([]*host.Record, string, int, error) {
	if err := b.checkOpen(); err != nil {
		return nil, "", 0, err
	}
	limit = normalizeLimit(limit)

	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", 0, NewInvalidInputError("cursor", err.Error())
	}

	where, args := filterClause(filter)

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hosts h`+where, args...).Scan(&total); err != nil {
		return nil, "", 0, fmt.Errorf("count hosts: %w", err)
	}

	pageWhere, pageArgs := where, append([]any{}, args...)
	if cursorData != nil {
		pageWhere = appendCond(pageWhere, `(h.updated_at < ? OR (h.updated_at = ? AND h.ip > ?))`)
		pageArgs = append(pageArgs, cursorData.LastTime, cursorData.LastTime, cursorData.LastIP)
	}
	pageArgs = append(pageArgs, limit+1)

	rows, err := b.db.QueryContext(ctx,
		`SELECT h.ip, h.location, h.vulnerabilities, h.first_seen, h.updated_at FROM hosts h`+
			pageWhere+` ORDER BY h.updated_at DESC, h.ip ASC LIMIT ?`, pageArgs...)
	if err != nil {
		return nil, "", 0, fmt.Errorf("list hosts: %w", err)
	}
	var page []*host.Record
	for rows.Next() {
		rec, err := scanHost(rows)
		if err != nil {
			_ = rows.Close()
			return nil, "", 0, err
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, "", 0, fmt.Errorf("list hosts: %w", err)
	}
	_ = rows.Close()

	var next string
	if len(page) > limit {
		page = page[:limit]
		last := page[len(page)-1]
		next = EncodeCursor(&Cursor{LastIP: last.IP, LastTime: last.UpdatedAt.UnixNano()})
	}

	for _, rec := range page {
		if err := b.loadBanners(ctx, rec); err != nil {
			return nil, "", 0, err
		}
	}
	if page == nil {
		page = []*host.Record{}
	}
	return page, next, total, nil
}

// Delete removes the record and its banners.
func (b *SQLiteBackend) Delete(ctx context.Context, ip string) error {
	var affected int64
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE ip = ?`, ip)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM banners WHERE ip = ?`, ip)
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return NewNotFoundError("host", ip)
	}
	return nil
}

func filterClause(f HostFilter) (string, []any) {
	var (
		where string
		args  []any
	)
	if f.CountryCode != "" {
		where = appendCond(where, `h.country_code = ?`)
		args = append(args, f.CountryCode)
	}
	if f.Service != "" {
		where = appendCond(where, `EXISTS (SELECT 1 FROM banners b WHERE b.ip = h.ip AND b.service = ?)`)
		args = append(args, f.Service)
	}
	if f.Port != 0 {
		where = appendCond(where, `EXISTS (SELECT 1 FROM banners b WHERE b.ip = h.ip AND b.port = ?)`)
		args = append(args, f.Port)
	}
	return where, args
}

func appendCond(where, cond string) string {
	if strings.TrimSpace(where) == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (*host.Record, error) {
	var (
		rec             host.Record
		location, vulns string
		firstSeen, upd  int64
	)
	if err := row.Scan(&rec.IP, &location, &vulns, &firstSeen, &upd); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(location), &rec.Location); err != nil {
		return nil, fmt.Errorf("parse location of %s: %w", rec.IP, err)
	}
	if err := json.Unmarshal([]byte(vulns), &rec.Vulnerabilities); err != nil {
		return nil, fmt.Errorf("parse vulnerabilities of %s: %w", rec.IP, err)
	}
	rec.FirstSeen = time.Unix(0, firstSeen).UTC()
	rec.UpdatedAt = time.Unix(0, upd).UTC()
	rec.Banners = map[string]host.Banner{}
	return &rec, nil
}

func (b *SQLiteBackend) loadBanners(ctx context.Context, rec *host.Record) error {
	rows, err := b.db.QueryContext(ctx, `SELECT service, port, data FROM banners WHERE ip = ?`, rec.IP)
	if err != nil {
		return fmt.Errorf("load banners of %s: %w", rec.IP, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			banner host.Banner
			port   sql.NullInt64
			data   string
		)
		if err := rows.Scan(&banner.Service, &port, &data); err != nil {
			return fmt.Errorf("scan banner of %s: %w", rec.IP, err)
		}
		if port.Valid {
			p := int(port.Int64)
			banner.Port = &p
		}
		if err := json.Unmarshal([]byte(data), &banner.Data); err != nil {
			return fmt.Errorf("parse banner %s of %s: %w", banner.Service, rec.IP, err)
		}
		rec.Banners[banner.Service] = banner
	}
	return rows.Err()
}
