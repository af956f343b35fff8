package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultRunTable = "export_runs"

// PostgresConfig captures configuration for the run history table.
type PostgresConfig struct {
	DSN    string
	Schema string
	Table  string
}

// RunHistory records finished runs in PostgreSQL.
type RunHistory struct {
	db  *sql.DB
	cfg PostgresConfig
}

// NewRunHistory connects to PostgreSQL. An empty DSN yields ErrNotConfigured.
func NewRunHistory(ctx context.Context, cfg PostgresConfig) (*RunHistory, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: %w", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultRunTable
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &RunHistory{db: db, cfg: cfg}, nil
}

// Close releases the underlying database connection.
func (h *RunHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// EnsureSchema creates the run table (and schema when provided).
func (h *RunHistory) EnsureSchema(ctx context.Context) error {
	if h == nil || h.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(h.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := h.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := h.db.ExecContext(ctx, createTableQuery(h.fullTableName())); err != nil {
		return fmt.Errorf("postgres store: create run table: %w", err)
	}
	return nil
}

// RecordRun inserts or updates the row for rec.RunID.
func (h *RunHistory) RecordRun(ctx context.Context, rec Record) error {
	if h == nil || h.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	_, err := h.db.ExecContext(ctx, upsertQuery(h.fullTableName()),
		rec.RunID, rec.PlatformID, rec.Company, rec.Name, rec.Status, rec.FinishedAt.UTC(), nullable(rec.ObjectKey))
	if err != nil {
		return fmt.Errorf("postgres store: record run %s: %w", rec.RunID, err)
	}
	return nil
}

// Recent returns the latest finished runs, newest first.
func (h *RunHistory) Recent(ctx context.Context, limit int) ([]Record, error) {
	if h == nil || h.db == nil {
		return nil, fmt.Errorf("postgres store: not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT run_id, platform_id, company, name, status, finished_at, object_key
		FROM %s ORDER BY finished_at DESC LIMIT $1`, h.fullTableName())
	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			finished  time.Time
			objectKey sql.NullString
		)
		if err = rows.Scan(&rec.RunID, &rec.PlatformID, &rec.Company, &rec.Name, &rec.Status, &finished, &objectKey); err != nil {
			return nil, fmt.Errorf("postgres store: scan run: %w", err)
		}
		rec.FinishedAt = finished
		rec.ObjectKey = objectKey.String
		out = append(out, rec)
	}
	if err = rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: iterate runs: %w", err)
	}
	return out, nil
}

func (h *RunHistory) fullTableName() string {
	if strings.TrimSpace(h.cfg.Schema) == "" {
		return quoteIdentifier(h.cfg.Table)
	}
	return quoteIdentifier(h.cfg.Schema) + "." + quoteIdentifier(h.cfg.Table)
}

func createTableQuery(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id TEXT PRIMARY KEY,
			platform_id TEXT NOT NULL,
			company TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			object_key TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, table)
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s AS runs (run_id, platform_id, company, name, status, finished_at, object_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (run_id)
		DO UPDATE SET platform_id = EXCLUDED.platform_id, company = EXCLUDED.company, name = EXCLUDED.name,
			status = EXCLUDED.status, finished_at = EXCLUDED.finished_at,
			object_key = COALESCE(EXCLUDED.object_key, runs.object_key), updated_at = NOW()
	`, table)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
