// Package cache is the engine's read-through, file-backed bar store. It is
// the source of truth for price history in normal operation; market data
// providers are only asked to fill the delta between the cache's latest
// date and today (§6.1).
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"whitelight/internal/logger"
	"whitelight/internal/marketdata"
	"whitelight/internal/whitelighterr"
)

// SQLiteBarCache stores OHLCV bars per symbol in a local SQLite file opened
// in WAL mode, with a schema_version table gating its migration.
type SQLiteBarCache struct {
	sql *sql.DB
}

func defaultPath() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "whitelight.db")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "whitelight.db")
}

// Open opens (or creates) the bar cache at path, or at the process's
// default location when path is empty, and runs migrations.
func Open(path string) (*SQLiteBarCache, error) {
	if path == "" {
		path = defaultPath()
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, whitelighterr.New(whitelighterr.Config, "cache.Open", fmt.Errorf("open %s: %w", path, err))
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, whitelighterr.New(whitelighterr.Config, "cache.Open", fmt.Errorf("ping %s: %w", path, err))
	}
	c := &SQLiteBarCache{sql: sqlDB}
	if err := c.migrate(); err != nil {
		sqlDB.Close()
		return nil, whitelighterr.New(whitelighterr.Config, "cache.Open", fmt.Errorf("migrate: %w", err))
	}
	logger.Success("CACHE", fmt.Sprintf("opened %s", path))
	return c, nil
}

// Close closes the underlying database connection.
func (c *SQLiteBarCache) Close() error {
	return c.sql.Close()
}

func (c *SQLiteBarCache) migrate() error {
	var version int
	c.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if version >= 1 {
		return nil
	}
	_, err := c.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

		CREATE TABLE IF NOT EXISTS bars (
			symbol   TEXT    NOT NULL,
			date     TEXT    NOT NULL,
			open     TEXT    NOT NULL,
			high     TEXT    NOT NULL,
			low      TEXT    NOT NULL,
			close    TEXT    NOT NULL,
			volume   TEXT    NOT NULL,
			PRIMARY KEY (symbol, date)
		);

		CREATE TABLE IF NOT EXISTS run_lock (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			locked_at  TEXT,
			session_id TEXT
		);
		INSERT OR IGNORE INTO run_lock (id, locked_at, session_id) VALUES (1, NULL, NULL);

		INSERT INTO schema_version (version) VALUES (1);
	`)
	return err
}

// Put upserts every bar in history, keyed by (symbol, date). Bars are
// immutable once a session closes, but Put is idempotent so a re-fetch of
// an already-cached date is harmless.
func (c *SQLiteBarCache) Put(ctx context.Context, history marketdata.History) error {
	tx, err := c.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache.Put: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, date, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, date) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume`)
	if err != nil {
		return fmt.Errorf("cache.Put: prepare: %w", err)
	}
	defer stmt.Close()

	for _, b := range history.Bars {
		_, err := stmt.ExecContext(ctx, history.Symbol, b.Date.Format(time.RFC3339),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String())
		if err != nil {
			return fmt.Errorf("cache.Put: exec: %w", err)
		}
	}
	return tx.Commit()
}

// Get returns every cached bar for symbol between start and end inclusive,
// ordered by date ascending.
func (c *SQLiteBarCache) Get(ctx context.Context, symbol string, start, end time.Time) (marketdata.History, error) {
	rows, err := c.sql.QueryContext(ctx, `
		SELECT date, open, high, low, close, volume FROM bars
		WHERE symbol = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		symbol, start.Format(time.RFC3339), end.Format(time.RFC3339))
	if err != nil {
		return marketdata.History{}, whitelighterr.New(whitelighterr.DataGap, "cache.Get", err)
	}
	defer rows.Close()

	var bars []marketdata.Bar
	for rows.Next() {
		var dateStr, openStr, highStr, lowStr, closeStr, volumeStr string
		if err := rows.Scan(&dateStr, &openStr, &highStr, &lowStr, &closeStr, &volumeStr); err != nil {
			return marketdata.History{}, fmt.Errorf("cache.Get: scan: %w", err)
		}
		date, err := time.Parse(time.RFC3339, dateStr)
		if err != nil {
			return marketdata.History{}, fmt.Errorf("cache.Get: parse date: %w", err)
		}
		bars = append(bars, marketdata.Bar{
			Date:   date,
			Open:   mustDecimal(openStr),
			High:   mustDecimal(highStr),
			Low:    mustDecimal(lowStr),
			Close:  mustDecimal(closeStr),
			Volume: mustDecimal(volumeStr),
		})
	}
	return marketdata.History{Symbol: symbol, Bars: bars}, rows.Err()
}

// LatestDate returns the most recent cached bar date for symbol, or the
// zero time and false if nothing is cached yet.
func (c *SQLiteBarCache) LatestDate(ctx context.Context, symbol string) (time.Time, bool) {
	var dateStr string
	err := c.sql.QueryRowContext(ctx, `SELECT MAX(date) FROM bars WHERE symbol = ?`, symbol).Scan(&dateStr)
	if err != nil || dateStr == "" {
		return time.Time{}, false
	}
	date, err := time.Parse(time.RFC3339, dateStr)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// AcquireRunLock takes the process-level advisory lock over the cache for
// the duration of a run, preventing a second concurrent run against the
// same cache file. It returns a release function the caller must defer.
func (c *SQLiteBarCache) AcquireRunLock(ctx context.Context, sessionID string) (func(), error) {
	tx, err := c.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cache.AcquireRunLock: begin: %w", err)
	}
	var existing sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT session_id FROM run_lock WHERE id = 1`).Scan(&existing); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("cache.AcquireRunLock: read: %w", err)
	}
	if existing.Valid && existing.String != "" {
		tx.Rollback()
		return nil, whitelighterr.New(whitelighterr.Invariant, "cache.AcquireRunLock",
			fmt.Errorf("cache already locked by session %s", existing.String))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE run_lock SET locked_at = ?, session_id = ? WHERE id = 1`,
		time.Now().UTC().Format(time.RFC3339), sessionID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("cache.AcquireRunLock: lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cache.AcquireRunLock: commit: %w", err)
	}

	release := func() {
		if _, err := c.sql.Exec(`UPDATE run_lock SET locked_at = NULL, session_id = NULL WHERE id = 1`); err != nil {
			logger.Warn("CACHE", fmt.Sprintf("release run lock: %v", err))
		}
	}
	return release, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
