package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment method and status enums. Values match the wire format exactly.
const (
	MethodCard       = "CARD"
	MethodUPI        = "UPI"
	MethodWallet     = "WALLET"
	MethodCash       = "CASH"
	MethodNetbanking = "NETBANKING"

	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

var validMethods = map[string]bool{
	MethodCard:       true,
	MethodUPI:        true,
	MethodWallet:     true,
	MethodCash:       true,
	MethodNetbanking: true,
}

// ValidMethod reports whether m is a recognized payment method.
// Callers normalize with NormalizeMethod first.
func ValidMethod(m string) bool {
	return validMethods[m]
}

func NormalizeMethod(m string) string {
	return strings.ToUpper(strings.TrimSpace(m))
}

// Payment is the immutable record of a charge attempt against a trip.
// Status and Reference are set once at creation and never transitioned backward.
type Payment struct {
	PaymentID       int64           `json:"payment_id"`
	TripID          int64           `json:"trip_id"`
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	Status          string          `json:"status"`
	Reference       string          `json:"reference"`
	IdempotencyHash string          `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"-"`
}

// Refund is one refund attempt against a payment. A FAILED refund records
// amount 0: the attempt is kept for audit but no money movement is recorded.
type Refund struct {
	RefundID  int64           `json:"refund_id"`
	PaymentID int64           `json:"payment_id"`
	Amount    decimal.Decimal `json:"refund_amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Receipt is a generated, persisted view of a completed payment.
type Receipt struct {
	ReceiptID   string          `json:"receipt_id"`
	PaymentID   int64           `json:"payment_id"`
	TripID      int64           `json:"trip_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference"`
	CreatedAt   time.Time       `json:"created_at"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// NotificationEvent is the post-transaction payload handed to the notifier.
type NotificationEvent struct {
	PaymentID int64           `json:"payment_id"`
	RefundID  int64           `json:"refund_id,omitempty"`
	TripID    int64           `json:"trip_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Reference string          `json:"reference,omitempty"`
}

// NewReference builds a date-stamped, human-readable payment reference such
// as PAY-20260830-4F2A91C3. The suffix is drawn from a fresh UUID; the store
// regenerates on the rare unique-index collision.
func NewReference(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("PAY-%s-%s", now.UTC().Format("20060102"), suffix)
}
