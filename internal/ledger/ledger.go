// Package ledger implements the durable idempotency ledger: a store mapping
// a hashed client key to claim/completion state and a cached response.
//
// The claim is the sole serialization point per key. Both backends express
// it as a single conditional write at the storage layer, so correctness
// holds across multiple service instances sharing one store (Postgres) or
// within a single node (Bolt).
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// ErrInFlight signals that another request holding the same key has claimed
// it and not yet completed. Safe for the caller to retry after backoff.
var ErrInFlight = errors.New("request with same idempotency key is already in progress")

// CachedResponse is the verbatim stored outcome of a completed request.
type CachedResponse struct {
	Status int
	Body   json.RawMessage
}

// ClaimResult reports the outcome of a Claim call. Exactly one of the
// following holds: Acquired is true (caller owns the key and must Complete
// it), or Replay is non-nil (a prior request finished; return it unchanged).
type ClaimResult struct {
	Acquired bool
	KeyHash  string
	Replay   *CachedResponse
}

// Record is the persisted ledger row.
type Record struct {
	KeyHash        string          `json:"key_hash"`
	RequestPath    string          `json:"request_path"`
	ResponseStatus *int            `json:"response_status"`
	ResponseBody   json.RawMessage `json:"response_body"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Expires        time.Time       `json:"expires_at"`
}

// Completed reports whether the row carries a final response.
// IN_PROGRESS rows have a nil ResponseStatus by invariant.
func (r *Record) Completed() bool {
	return r.ResponseStatus != nil
}

// Ledger is the claim/complete protocol over the idempotency store.
type Ledger interface {
	// Claim atomically inserts an IN_PROGRESS record for the key. If a
	// record already exists it returns the cached response (completed) or
	// ErrInFlight (still processing).
	Claim(ctx context.Context, key, requestPath string) (ClaimResult, error)

	// Complete transitions the IN_PROGRESS record to completed, storing the
	// final response. Only the holder of the claim may call it, exactly
	// once, including on business-failure paths.
	Complete(ctx context.Context, keyHash string, status int, body []byte) error

	// PurgeExpired deletes records past their TTL and reports how many were
	// removed. Safe to run concurrently with claims.
	PurgeExpired(ctx context.Context) (int64, error)
}

// KeyHash returns the fixed-width identity of a raw client key: a sha256 hex
// digest, so equality is exact and storage-bounded regardless of key length.
func KeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
