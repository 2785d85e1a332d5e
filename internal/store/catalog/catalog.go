// Package catalog records per-product backfill watermarks in SQLite so an
// interrupted run resumes from its last emitted candle instead of
// re-discovering and re-fetching the whole range.
package catalog

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the catalog.
type Config struct {
	DBPath string // path to the SQLite file, e.g. "data/catalog.db"
}

// Catalog is a single-writer watermark table keyed by (product, granularity).
type Catalog struct {
	db *sql.DB
}

// DB returns the underlying handle for health checks.
func (c *Catalog) DB() *sql.DB { return c.db }

// New opens the database in WAL mode and ensures the schema.
func New(cfg Config) (*Catalog, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; the backfill engine advances watermarks sequentially.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[catalog] opened database at %s", cfg.DBPath)
	return &Catalog{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS watermarks (
			product     TEXT    NOT NULL,
			granularity INTEGER NOT NULL,
			first_ts    INTEGER NOT NULL,
			last_ts     INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (product, granularity)
		);
	`)
	return err
}

// Watermark returns the recorded range for the product at one granularity.
// ok is false when the product has never been advanced.
func (c *Catalog) Watermark(product string, granularity int64) (first, last int64, ok bool, err error) {
	err = c.db.QueryRow(
		`SELECT first_ts, last_ts FROM watermarks WHERE product = ? AND granularity = ?`,
		product, granularity,
	).Scan(&first, &last)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("read watermark: %w", err)
	}
	return first, last, true, nil
}

// Advance widens the recorded range to cover [first, last]. The stored
// bounds only ever grow outward.
func (c *Catalog) Advance(product string, granularity, first, last int64) error {
	_, err := c.db.Exec(`
		INSERT INTO watermarks (product, granularity, first_ts, last_ts, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(product, granularity) DO UPDATE SET
			first_ts   = MIN(first_ts, excluded.first_ts),
			last_ts    = MAX(last_ts, excluded.last_ts),
			updated_at = excluded.updated_at
	`, product, granularity, first, last)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// Entry is one watermark row, for progress listings.
type Entry struct {
	Product     string
	Granularity int64
	First       int64
	Last        int64
	UpdatedAt   int64
}

// All returns every watermark ordered by product then granularity.
func (c *Catalog) All() ([]Entry, error) {
	rows, err := c.db.Query(
		`SELECT product, granularity, first_ts, last_ts, updated_at
		 FROM watermarks ORDER BY product, granularity`)
	if err != nil {
		return nil, fmt.Errorf("list watermarks: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Product, &e.Granularity, &e.First, &e.Last, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
