package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"github.com/ridewave/paymentops/internal/domain"
)

const referenceAttempts = 3

// Store is the durable home of payment, refund and receipt rows.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(connString string, logger *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool, logger: logger}, nil
}

func NewStoreWithPool(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{db: pool, logger: logger}
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreatePayment inserts a payment row. The reference carries a unique index;
// on a collision it is regenerated with a bounded number of attempts before
// surfacing ErrReferenceExhausted.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) error {
	for attempt := 0; attempt < referenceAttempts; attempt++ {
		if p.Reference == "" || attempt > 0 {
			p.Reference = domain.NewReference(p.CreatedAt)
		}

		_, err := s.db.Exec(ctx,
			`INSERT INTO payments
			 (payment_id, trip_id, amount, method, status, reference, idempotency_hash, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			p.PaymentID, p.TripID, p.Amount, p.Method, p.Status, p.Reference, p.IdempotencyHash, p.CreatedAt,
		)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "payments_reference_key" {
			s.logger.Warn("payment reference collision, regenerating",
				zap.String("reference", p.Reference), zap.Int("attempt", attempt+1))
			continue
		}
		return fmt.Errorf("payment insert failed: %w", err)
	}
	return domain.ErrReferenceExhausted
}

func (s *Store) GetPayment(ctx context.Context, id int64) (*domain.Payment, error) {
	var p domain.Payment
	err := s.db.QueryRow(ctx,
		`SELECT payment_id, trip_id, amount, method, status, reference, idempotency_hash, created_at, updated_at
		 FROM payments WHERE payment_id = $1`, id,
	).Scan(&p.PaymentID, &p.TripID, &p.Amount, &p.Method, &p.Status, &p.Reference,
		&p.IdempotencyHash, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payment lookup failed: %w", err)
	}
	return &p, nil
}

// ListFilter narrows and pages ListPayments.
type ListFilter struct {
	TripID int64
	Status string
	Method string
	Limit  int
	Offset int
}

func (s *Store) ListPayments(ctx context.Context, f ListFilter) ([]domain.Payment, error) {
	query := `SELECT payment_id, trip_id, amount, method, status, reference, idempotency_hash, created_at, updated_at
	          FROM payments WHERE 1=1`
	args := []interface{}{}

	if f.TripID > 0 {
		args = append(args, f.TripID)
		query += fmt.Sprintf(" AND trip_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Method != "" {
		args = append(args, f.Method)
		query += fmt.Sprintf(" AND method = $%d", len(args))
	}

	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("payment list failed: %w", err)
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.PaymentID, &p.TripID, &p.Amount, &p.Method, &p.Status,
			&p.Reference, &p.IdempotencyHash, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("payment scan failed: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// SumRefunded returns the cumulative amount of successful refunds against a
// payment. FAILED refund rows carry amount 0 and do not affect the bound.
func (s *Store) SumRefunded(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(refund_amount), 0) FROM payment_refunds
		 WHERE payment_id = $1 AND status = 'SUCCESS'`, paymentID,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund sum failed: %w", err)
	}
	return total, nil
}

func (s *Store) CreateRefund(ctx context.Context, r *domain.Refund) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_refunds (refund_id, payment_id, refund_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.RefundID, r.PaymentID, r.Amount, r.Status, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("refund insert failed: %w", err)
	}
	return nil
}

// SaveReceipt upserts a generated receipt; regenerating only refreshes the
// timestamp, the receipt body is written once.
func (s *Store) SaveReceipt(ctx context.Context, rc *domain.Receipt) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO payment_receipts (payment_id, receipt_number, receipt_data, generated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (payment_id) DO UPDATE SET generated_at = EXCLUDED.generated_at`,
		rc.PaymentID, rc.ReceiptID, data, rc.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("receipt upsert failed: %w", err)
	}
	return nil
}

func (s *Store) GetReceipt(ctx context.Context, paymentID int64) (json.RawMessage, error) {
	var data json.RawMessage
	err := s.db.QueryRow(ctx,
		"SELECT receipt_data FROM payment_receipts WHERE payment_id = $1", paymentID,
	).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}
	return data, nil
}

// Stats aggregates business counters for the monitoring endpoint.
type Stats struct {
	PaymentsByStatus map[string]int64 `json:"payments_by_status"`
	PaymentsByMethod map[string]int64 `json:"payments_by_method"`
	AverageAmount    decimal.Decimal  `json:"average_payment_amount"`
	TotalRevenue     decimal.Decimal  `json:"total_revenue"`
	Timestamp        time.Time        `json:"timestamp"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		PaymentsByStatus: map[string]int64{},
		PaymentsByMethod: map[string]int64{},
		Timestamp:        time.Now().UTC(),
	}

	rows, err := s.db.Query(ctx, "SELECT status, COUNT(*) FROM payments GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.PaymentsByStatus[status] = count
	}
	rows.Close()

	rows, err = s.db.Query(ctx, "SELECT method, COUNT(*) FROM payments GROUP BY method")
	if err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var count int64
		if err := rows.Scan(&method, &count); err != nil {
			return nil, err
		}
		stats.PaymentsByMethod[method] = count
	}
	rows.Close()

	err = s.db.QueryRow(ctx,
		`SELECT COALESCE(AVG(amount), 0), COALESCE(SUM(amount), 0)
		 FROM payments WHERE status = 'SUCCESS'`,
	).Scan(&stats.AverageAmount, &stats.TotalRevenue)
	if err != nil {
		return nil, fmt.Errorf("stats aggregate failed: %w", err)
	}
	stats.AverageAmount = stats.AverageAmount.Round(2)

	return stats, nil
}
