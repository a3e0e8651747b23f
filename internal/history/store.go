// Package history persists completion events in SQLite so they can be
// listed after the fact (CLI and MCP resource).
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/HendryAvila/iterate/internal/events"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// timeNow is a package-level var for deterministic tests.
var timeNow = time.Now

const timeLayout = time.RFC3339Nano

// ─── Types ───────────────────────────────────────────────────────────────────

// Entry is a stored completion event.
type Entry struct {
	ID         int64             `json:"id"`
	Completion events.Completion `json:"completion"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// SiteCount is the number of completions recorded for one site.
type SiteCount struct {
	Site  string `json:"site"`
	Count int    `json:"count"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds history store configuration.
type Config struct {
	DataDir string
	// MaxEntries bounds the table; older rows are pruned on insert. Zero
	// keeps everything.
	MaxEntries int
}

// DefaultConfig returns the default configuration for the history store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:    filepath.Join(home, ".iterate"),
		MaxEntries: 1000,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the completion history backed by SQLite.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type storeHooks struct {
	exec    func(db execer, query string, args ...any) (sql.Result, error)
	queryIt func(db queryer, query string, args ...any) (rowScanner, error)
}

func defaultStoreHooks() storeHooks {
	return storeHooks{
		exec: func(db execer, query string, args ...any) (sql.Result, error) {
			return db.Exec(query, args...)
		},
		queryIt: func(db queryer, query string, args ...any) (rowScanner, error) {
			return db.Query(query, args...)
		},
	}
}

func (s *Store) execHook(db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(db, query, args...)
	}
	return db.Exec(query, args...)
}

func (s *Store) queryItHook(db queryer, query string, args ...any) (rowScanner, error) {
	if s.hooks.queryIt != nil {
		return s.hooks.queryIt(db, query, args...)
	}
	return db.Query(query, args...)
}

// New creates the data directory if needed, opens SQLite with WAL mode,
// and runs migrations.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("history: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "history.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg, hooks: defaultStoreHooks()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS completions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			url             TEXT    NOT NULL,
			title           TEXT    NOT NULL DEFAULT '',
			site_name       TEXT    NOT NULL DEFAULT '',
			message_preview TEXT    NOT NULL DEFAULT '',
			occurred_at     TEXT    NOT NULL,
			run_time        INTEGER,
			think_time      INTEGER,
			image_generated INTEGER NOT NULL DEFAULT 0,
			new_images      INTEGER,
			recorded_at     TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_completions_recorded ON completions(recorded_at DESC);
		CREATE INDEX IF NOT EXISTS idx_completions_site     ON completions(site_name);
	`
	_, err := s.execHook(s.db, schema)
	return err
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// Record stores ev and returns its row id.
func (s *Store) Record(ev events.Completion) (int64, error) {
	occurred := ev.Timestamp
	if occurred.IsZero() {
		occurred = timeNow()
	}
	res, err := s.execHook(s.db, `
		INSERT INTO completions
			(url, title, site_name, message_preview, occurred_at,
			 run_time, think_time, image_generated, new_images, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.URL, ev.Title, ev.SiteName, ev.MessagePreview, occurred.UTC().Format(timeLayout),
		nullInt(ev.RunTime), nullInt(ev.ThinkTime), boolInt(ev.ImageGenerated), nullInt(ev.NewImages),
		timeNow().UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert completion: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: last insert id: %w", err)
	}

	if s.cfg.MaxEntries > 0 {
		if _, err := s.execHook(s.db, `
			DELETE FROM completions
			WHERE id NOT IN (SELECT id FROM completions ORDER BY id DESC LIMIT ?)`,
			s.cfg.MaxEntries,
		); err != nil {
			return id, fmt.Errorf("history: prune: %w", err)
		}
	}
	return id, nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Recent returns up to limit completions, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.queryItHook(s.db, `
		SELECT id, url, title, site_name, message_preview, occurred_at,
		       run_time, think_time, image_generated, new_images, recorded_at
		FROM completions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			occurred, recorded string
			runTime, thinkTime sql.NullInt64
			newImages          sql.NullInt64
			imageGenerated     int
		)
		if err := rows.Scan(&e.ID, &e.Completion.URL, &e.Completion.Title, &e.Completion.SiteName,
			&e.Completion.MessagePreview, &occurred, &runTime, &thinkTime, &imageGenerated,
			&newImages, &recorded); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Completion.Timestamp, _ = time.Parse(timeLayout, occurred)
		e.RecordedAt, _ = time.Parse(timeLayout, recorded)
		e.Completion.RunTime = intPtr(runTime)
		e.Completion.ThinkTime = intPtr(thinkTime)
		e.Completion.NewImages = intPtr(newImages)
		e.Completion.ImageGenerated = imageGenerated != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate: %w", err)
	}
	return out, nil
}

// CountBySite returns completion counts grouped by site, busiest first.
func (s *Store) CountBySite() ([]SiteCount, error) {
	rows, err := s.queryItHook(s.db, `
		SELECT site_name, COUNT(*) AS n
		FROM completions
		GROUP BY site_name
		ORDER BY n DESC, site_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("history: query counts: %w", err)
	}
	defer rows.Close()

	var out []SiteCount
	for rows.Next() {
		var c SiteCount
		if err := rows.Scan(&c.Site, &c.Count); err != nil {
			return nil, fmt.Errorf("history: scan count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
