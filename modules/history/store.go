package history

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/zachfi/nowplaying/pkg/track"
)

// ErrInvalidEntry is returned for entries missing an artist or title.
var ErrInvalidEntry = errors.New("history entry needs a station, artist and title")

var schemas = map[string][]string{
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS history (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			station       TEXT NOT NULL,
			artist        TEXT NOT NULL CHECK (artist <> ''),
			title         TEXT NOT NULL CHECK (title <> ''),
			observed_at   TIMESTAMP NOT NULL,
			image_url     TEXT,
			external_link TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS history_station_observed_at ON history (station, observed_at)`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS history (
			id            BIGSERIAL PRIMARY KEY,
			station       TEXT NOT NULL,
			artist        TEXT NOT NULL CHECK (artist <> ''),
			title         TEXT NOT NULL CHECK (title <> ''),
			observed_at   TIMESTAMPTZ NOT NULL,
			image_url     TEXT,
			external_link TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS history_station_observed_at ON history (station, observed_at)`,
	},
}

// Store is the durable, append-only track history.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database named by dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite3" {
		// sqlite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	for _, stmt := range schemas[driver] {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate history schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func parseDSN(dsn string) (driver, source string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("invalid history dsn: %w", err)
	}

	switch u.Scheme {
	case "sqlite", "sqlite3":
		source = strings.TrimPrefix(dsn, u.Scheme+"://")
		if source == "" {
			return "", "", fmt.Errorf("sqlite dsn %q has no path", dsn)
		}
		return "sqlite3", source, nil
	case "postgres", "postgresql":
		return "postgres", dsn, nil
	}

	return "", "", fmt.Errorf("unsupported history database %q", u.Scheme)
}

// Append writes one entry and returns its id.
func (s *Store) Append(ctx context.Context, e track.Entry) (int64, error) {
	if e.Station == "" || e.Artist == "" || e.Title == "" {
		return 0, ErrInvalidEntry
	}

	query := s.db.Rebind(`
	  insert into history (station, artist, title, observed_at, image_url, external_link)
	  values (?, ?, ?, ?, ?, ?)
	  returning id;`)

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		e.Station, e.Artist, e.Title, e.ObservedAt.UTC(), e.ImageURL, e.ExternalLink,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history entry: %w", err)
	}

	return id, nil
}

// Query returns entries newest first, optionally filtered by station. The limit is
// clamped with ClampLimit.
func (s *Store) Query(ctx context.Context, station string, limit int) ([]track.Entry, error) {
	var (
		args  []interface{}
		query = `
	  select id, station, artist, title, observed_at, image_url, external_link
	  from history`
	)

	if station != "" {
		query += ` where station = ?`
		args = append(args, station)
	}
	query += ` order by observed_at desc, id desc limit ?;`
	args = append(args, ClampLimit(limit))

	entries := make([]track.Entry, 0)
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	for i := range entries {
		entries[i].ObservedAt = entries[i].ObservedAt.UTC()
	}

	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ClampLimit applies the default and maximum query limits.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
