package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresLedger stores idempotency records in the idempotency_keys table.
// The claim is one INSERT ... ON CONFLICT DO NOTHING, which eliminates the
// read-then-write race between concurrent requests bearing the same key.
type PostgresLedger struct {
	db     *pgxpool.Pool
	ttl    time.Duration
	logger *zap.Logger
}

func NewPostgresLedger(db *pgxpool.Pool, ttl time.Duration, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, ttl: ttl, logger: logger}
}

func (l *PostgresLedger) Claim(ctx context.Context, key, requestPath string) (ClaimResult, error) {
	keyHash := KeyHash(key)
	now := time.Now().UTC()

	tag, err := l.db.Exec(ctx,
		`INSERT INTO idempotency_keys (key_hash, request_path, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $3, $4)
		 ON CONFLICT (key_hash) DO NOTHING`,
		keyHash, requestPath, now, now.Add(l.ttl),
	)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ClaimResult{Acquired: true, KeyHash: keyHash}, nil
	}

	// The key exists. A non-null response_status means a prior request
	// finished; replay its response verbatim. Null means it is still in
	// flight.
	var status *int
	var body json.RawMessage
	err = l.db.QueryRow(ctx,
		"SELECT response_status, response_body FROM idempotency_keys WHERE key_hash = $1",
		keyHash,
	).Scan(&status, &body)
	if err == pgx.ErrNoRows {
		// Purged between the insert and the select. Treat as in flight;
		// the caller retries and claims cleanly.
		return ClaimResult{}, ErrInFlight
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if status == nil {
		return ClaimResult{}, ErrInFlight
	}

	l.logger.Info("idempotency replay", zap.String("key_hash", keyHash[:16]))
	return ClaimResult{KeyHash: keyHash, Replay: &CachedResponse{Status: *status, Body: body}}, nil
}

func (l *PostgresLedger) Complete(ctx context.Context, keyHash string, status int, body []byte) error {
	tag, err := l.db.Exec(ctx,
		`UPDATE idempotency_keys
		 SET response_status = $1, response_body = $2, updated_at = $3
		 WHERE key_hash = $4 AND response_status IS NULL`,
		status, body, time.Now().UTC(), keyHash,
	)
	if err != nil {
		return fmt.Errorf("idempotency completion failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record %s missing or already completed", keyHash[:16])
	}
	return nil
}

func (l *PostgresLedger) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := l.db.Exec(ctx,
		"DELETE FROM idempotency_keys WHERE expires_at < $1", time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
