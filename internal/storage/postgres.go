package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"signal-sandbox/internal/acl"
)

// DB wraps a PostgreSQL connection pool for audit persistence.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogAudit inserts one denial record. Records are append-only.
func (db *DB) LogAudit(ctx context.Context, rec acl.AuditRecord) error {
	query := `
		INSERT INTO audit_records (id, user_id, path, decision, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.Path, rec.Decision, rec.Reason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// ListAudits returns denial records matching the filter, newest first.
func (db *DB) ListAudits(ctx context.Context, filter AuditFilter) ([]acl.AuditRecord, error) {
	query := `
		SELECT id, user_id, path, decision, reason, created_at
		FROM audit_records
		WHERE ($1 = '' OR user_id = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at DESC
		LIMIT $3`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query, filter.UserID, filter.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var records []acl.AuditRecord
	for rows.Next() {
		var rec acl.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Path, &rec.Decision, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LogExecution inserts one execution trail record.
func (db *DB) LogExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO executions (id, user_id, function, status, code_hash, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.Function, rec.Status, rec.CodeHash, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting execution record: %w", err)
	}
	return nil
}

// Migrate creates the audit tables when they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			path TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user_created ON audit_records (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id UUID PRIMARY KEY,
			user_id TEXT NOT NULL,
			function TEXT NOT NULL,
			status TEXT NOT NULL,
			code_hash TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_user_created ON executions (user_id, created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}
