// Package gateway adapts the external payment processor. The shipped
// implementation simulates settlement outcomes; the Client interface is what
// the processor depends on, so a real acquirer integration slots in behind
// the same contract.
package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"github.com/ridewave/paymentops/internal/domain"
)

// Settlement outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailed  = "FAILED"
	OutcomePending = "PENDING"
)

// Decline codes surfaced on failed settlements.
var declineCodes = []string{"INSUFFICIENT_FUNDS", "CARD_DECLINED", "GATEWAY_ERROR"}

// Result is the gateway's disposition of a charge or refund.
type Result struct {
	Outcome   string
	Ref       string
	Message   string
	ErrorCode string
}

// Client is the settlement boundary. Both calls are synchronous with a
// bounded timeout; a timeout is a FAILED settlement for the current request,
// never a silent retry.
type Client interface {
	Charge(ctx context.Context, amount decimal.Decimal, method string) (Result, error)
	Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (Result, error)
}

// Simulator mimics an external processor: cash always settles, electronic
// methods settle at a configured rate, unrecognized methods come back
// PENDING for asynchronous handling.
type Simulator struct {
	successRate float64
	latency     time.Duration
	logger      *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulator(successRate float64, latency time.Duration, logger *zap.Logger) *Simulator {
	return &Simulator{
		successRate: successRate,
		latency:     latency,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed fixes the random source so tests get deterministic outcomes.
func (s *Simulator) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

func (s *Simulator) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *Simulator) pickDecline() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return declineCodes[s.rng.Intn(len(declineCodes))]
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newGatewayRef() string {
	return "GW-" + uuid.NewString()[:12]
}

func (s *Simulator) Charge(ctx context.Context, amount decimal.Decimal, method string) (Result, error) {
	if err := s.wait(ctx); err != nil {
		return Result{}, fmt.Errorf("gateway charge timed out: %w", err)
	}

	var res Result
	switch method {
	case domain.MethodCash:
		res = Result{Outcome: OutcomeSuccess, Ref: newGatewayRef(), Message: "Cash payment recorded"}
	case domain.MethodCard, domain.MethodUPI, domain.MethodWallet, domain.MethodNetbanking:
		if s.roll() < s.successRate {
			res = Result{Outcome: OutcomeSuccess, Ref: newGatewayRef(), Message: "Payment processed successfully"}
		} else {
			res = Result{Outcome: OutcomeFailed, ErrorCode: s.pickDecline(), Message: "Payment processing failed"}
		}
	default:
		res = Result{Outcome: OutcomePending, Message: "Payment method queued for asynchronous settlement"}
	}

	s.logger.Debug("gateway charge settled",
		zap.String("method", method),
		zap.String("amount", amount.String()),
		zap.String("outcome", res.Outcome))
	return res, nil
}

func (s *Simulator) Refund(ctx context.Context, paymentRef string, amount decimal.Decimal) (Result, error) {
	if err := s.wait(ctx); err != nil {
		return Result{}, fmt.Errorf("gateway refund timed out: %w", err)
	}

	var res Result
	if s.roll() < s.successRate {
		res = Result{Outcome: OutcomeSuccess, Ref: newGatewayRef(), Message: "Refund processed"}
	} else {
		res = Result{Outcome: OutcomeFailed, ErrorCode: "GATEWAY_ERROR", Message: "Refund processing failed"}
	}

	s.logger.Debug("gateway refund settled",
		zap.String("payment_ref", paymentRef),
		zap.String("amount", amount.String()),
		zap.String("outcome", res.Outcome))
	return res, nil
}
