package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const bucketName = "idempotency"

// BoltLedger is an embedded ledger backend for single-node deployments and
// tests. Bolt serializes writers, so performing the read-or-insert inside
// one Update transaction gives the same atomic-claim guarantee the Postgres
// backend gets from its conditional insert.
type BoltLedger struct {
	db     *bolt.DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewBoltLedger(path string, ttl time.Duration, logger *zap.Logger) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltLedger{db: db, ttl: ttl, logger: logger, now: time.Now}, nil
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}

func (l *BoltLedger) Claim(ctx context.Context, key, requestPath string) (ClaimResult, error) {
	keyHash := KeyHash(key)

	var result ClaimResult
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		if raw := b.Get([]byte(keyHash)); raw != nil {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode ledger record: %w", err)
			}
			if !rec.Completed() {
				return ErrInFlight
			}
			result = ClaimResult{
				KeyHash: keyHash,
				Replay:  &CachedResponse{Status: *rec.ResponseStatus, Body: rec.ResponseBody},
			}
			return nil
		}

		now := l.now().UTC()
		rec := Record{
			KeyHash:     keyHash,
			RequestPath: requestPath,
			CreatedAt:   now,
			UpdatedAt:   now,
			Expires:     now.Add(l.ttl),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		result = ClaimResult{Acquired: true, KeyHash: keyHash}
		return b.Put([]byte(keyHash), raw)
	})
	if err != nil {
		return ClaimResult{}, err
	}
	if result.Replay != nil {
		l.logger.Info("idempotency replay", zap.String("key_hash", keyHash[:16]))
	}
	return result, nil
}

func (l *BoltLedger) Complete(ctx context.Context, keyHash string, status int, body []byte) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))

		raw := b.Get([]byte(keyHash))
		if raw == nil {
			return fmt.Errorf("idempotency record %s not found", keyHash[:16])
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode ledger record: %w", err)
		}
		if rec.Completed() {
			return fmt.Errorf("idempotency record %s already completed", keyHash[:16])
		}

		rec.ResponseStatus = &status
		rec.ResponseBody = body
		rec.UpdatedAt = l.now().UTC()

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(keyHash), out)
	})
}

func (l *BoltLedger) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	cutoff := l.now().UTC()

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Expires.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	if purged > 0 {
		l.logger.Info("purged expired idempotency keys", zap.Int64("count", purged))
	}
	return purged, nil
}
