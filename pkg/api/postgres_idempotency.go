package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"
)

// PostgresIdempotencyStore persists idempotency replays in PostgreSQL so
// they survive restarts. Lite deployments use the in-memory store instead.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates a PostgreSQL-backed idempotency store.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

// Init creates the backing table when it does not exist yet.
func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS idempotency_keys (
		key          TEXT PRIMARY KEY,
		status_code  INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		body         BYTEA NOT NULL,
		cached_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	return err
}

// Check returns a cached response if the key was seen within the TTL.
func (s *PostgresIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	var (
		statusCode  int
		contentType string
		body        []byte
		cachedAt    time.Time
	)

	err := s.db.QueryRow(
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &contentType, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	// Only the content type is persisted; the remaining response headers
	// are per-connection noise not worth replaying.
	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)

	return &CachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
		CachedAt:   cachedAt,
	}, true
}

// Set stores an idempotency key and its response. Failures are logged, not
// surfaced; replay protection is best effort.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO NOTHING`,
		key, statusCode, contentType, body,
	)
	if err != nil {
		slog.Warn("idempotency key write failed", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
}
