package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pq "github.com/lib/pq"

	"pagesieve/internal/config"
	"pagesieve/pkg/types"
)

// SQLMirror copies match records into a relational table alongside the
// authoritative JSONL log. It is only constructed when db.driver and db.dsn
// are configured.
type SQLMirror struct {
	db          *sql.DB
	autoMigrate bool
}

// NewSQLMirror opens the configured database and, when auto_migrate is set,
// ensures the matches table exists.
func NewSQLMirror(cfg config.SQLConfig) (*SQLMirror, error) {
	if !cfg.Enabled() {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}

	mirror := &SQLMirror{db: db, autoMigrate: cfg.AutoMigrate}
	if cfg.AutoMigrate {
		if err := mirror.ensureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return mirror, nil
}

// Insert stores one match record. An undefined table is migrated lazily and
// the insert retried once, matching the auto_migrate contract.
func (m *SQLMirror) Insert(rec types.MatchRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.insert(ctx, rec); err != nil {
		if m.autoMigrate && isUndefinedTable(err) {
			if schemaErr := m.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := m.insert(ctx, rec); retryErr != nil {
				return fmt.Errorf("insert match: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert match: %w", err)
	}
	return nil
}

func (m *SQLMirror) insert(ctx context.Context, rec types.MatchRecord) error {
	query := `
        INSERT INTO matches (url, host, fetched_at, http_status, content_length, saved_path)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (url) DO UPDATE SET
            fetched_at = EXCLUDED.fetched_at,
            http_status = EXCLUDED.http_status,
            content_length = EXCLUDED.content_length,
            saved_path = EXCLUDED.saved_path
    `
	_, err := m.db.ExecContext(ctx, query,
		rec.URL,
		rec.Host,
		rec.FetchedAt,
		rec.HTTPStatus,
		rec.ContentLength,
		rec.SavedPath,
	)
	return err
}

func (m *SQLMirror) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS matches (
		    url TEXT PRIMARY KEY,
		    host TEXT,
		    fetched_at TIMESTAMPTZ,
		    http_status INT,
		    content_length BIGINT,
		    saved_path TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_fetched_at ON matches (fetched_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database connection.
func (m *SQLMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
