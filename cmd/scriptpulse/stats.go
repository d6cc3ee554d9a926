package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// StatsRecorder receives computed aggregate statistics for persistence.
// This allows for mocking in tests.
type StatsRecorder interface {
	Record(ctx context.Context, source string, stats ScriptStats) error
}

// StatsStore persists per-script aggregates in SQLite so other surfaces can
// rank scripts and show history. Optional; the daemon runs without one.
type StatsStore struct {
	sqlDB  *sql.DB
	logger *slog.Logger
}

// ScriptStatsRow is one persisted per-script record.
type ScriptStatsRow struct {
	Source       string      `json:"source"`
	Stats        ScriptStats `json:"stats"`
	LoadCount    int64       `json:"load_count"`
	LastLoadedAt time.Time   `json:"last_loaded_at"`
}

const statsSchema = `
CREATE TABLE IF NOT EXISTS script_stats (
	source         TEXT PRIMARY KEY,
	avg_intensity  REAL NOT NULL,
	peak_intensity REAL NOT NULL,
	duration_ms    INTEGER NOT NULL,
	action_count   INTEGER NOT NULL,
	load_count     INTEGER NOT NULL DEFAULT 0,
	last_loaded_at INTEGER NOT NULL
);`

// OpenStatsStore opens, and creates if needed, the stats database. An empty
// path disables the store and yields (nil, nil).
func OpenStatsStore(path string, logger *slog.Logger) (*StatsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping stats db: %w", err)
	}
	if _, err := sqlDB.Exec(statsSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create stats schema: %w", err)
	}

	logger.Info("stats store open", "path", cleanPath)
	return &StatsStore{sqlDB: sqlDB, logger: logger}, nil
}

// Close closes the SQLite handle.
func (s *StatsStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Record upserts the aggregates for one loaded script and bumps its load
// counter.
func (s *StatsStore) Record(ctx context.Context, source string, stats ScriptStats) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return fmt.Errorf("source is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO script_stats (
		  source, avg_intensity, peak_intensity, duration_ms, action_count,
		  load_count, last_loaded_at
		) VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(source) DO UPDATE SET
		  avg_intensity  = excluded.avg_intensity,
		  peak_intensity = excluded.peak_intensity,
		  duration_ms    = excluded.duration_ms,
		  action_count   = excluded.action_count,
		  load_count     = script_stats.load_count + 1,
		  last_loaded_at = excluded.last_loaded_at`,
		source, stats.AvgIntensity, stats.PeakIntensity, stats.DurationMS,
		stats.ActionCount, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("record script stats: %w", err)
	}
	return nil
}

// Lookup returns the persisted record for one source.
func (s *StatsStore) Lookup(ctx context.Context, source string) (ScriptStatsRow, bool, error) {
	if s == nil || s.sqlDB == nil {
		return ScriptStatsRow{}, false, nil
	}

	row := s.sqlDB.QueryRowContext(ctx, `
		SELECT source, avg_intensity, peak_intensity, duration_ms,
		       action_count, load_count, last_loaded_at
		FROM script_stats WHERE source = ?`, strings.TrimSpace(source))

	var rec ScriptStatsRow
	var loadedAt int64
	err := row.Scan(&rec.Source, &rec.Stats.AvgIntensity, &rec.Stats.PeakIntensity,
		&rec.Stats.DurationMS, &rec.Stats.ActionCount, &rec.LoadCount, &loadedAt)
	if err == sql.ErrNoRows {
		return ScriptStatsRow{}, false, nil
	}
	if err != nil {
		return ScriptStatsRow{}, false, fmt.Errorf("lookup script stats: %w", err)
	}
	rec.LastLoadedAt = time.UnixMilli(loadedAt).UTC()
	return rec, true, nil
}

// Recent returns up to limit records ordered by most recent load.
func (s *StatsStore) Recent(ctx context.Context, limit int) ([]ScriptStatsRow, error) {
	if s == nil || s.sqlDB == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT source, avg_intensity, peak_intensity, duration_ms,
		       action_count, load_count, last_loaded_at
		FROM script_stats ORDER BY last_loaded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list script stats: %w", err)
	}
	defer rows.Close()

	var out []ScriptStatsRow
	for rows.Next() {
		var rec ScriptStatsRow
		var loadedAt int64
		if err := rows.Scan(&rec.Source, &rec.Stats.AvgIntensity, &rec.Stats.PeakIntensity,
			&rec.Stats.DurationMS, &rec.Stats.ActionCount, &rec.LoadCount, &loadedAt); err != nil {
			return nil, fmt.Errorf("scan script stats: %w", err)
		}
		rec.LastLoadedAt = time.UnixMilli(loadedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate script stats: %w", err)
	}
	return out, nil
}
