// Package service implements the payment processor: the charge and refund
// flows executed under the idempotency claim/complete protocol. It is the
// sole writer of payment and refund rows.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ridewave/paymentops/internal/domain"
	"github.com/ridewave/paymentops/internal/fare"
	"github.com/ridewave/paymentops/internal/gateway"
	"github.com/ridewave/paymentops/internal/ledger"
	"github.com/ridewave/paymentops/internal/notify"
	"github.com/ridewave/paymentops/internal/trips"
)

// Machine-checkable codes carried in error response bodies. Clients decide
// retry vs abandon from these, never from the transport status alone.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeTripNotEligible = "TRIP_NOT_ELIGIBLE"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidState    = "INVALID_STATE"
	CodeGatewayFailed   = "GATEWAY_FAILED"
)

// ValidationError rejects malformed input before any ledger interaction.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PaymentStore is the slice of the store the processor writes through.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id int64) (*domain.Payment, error)
	SumRefunded(ctx context.Context, paymentID int64) (decimal.Decimal, error)
	CreateRefund(ctx context.Context, r *domain.Refund) error
}

// ChargeRequest is the structural input of the charge flow. A nil Amount
// means "price the trip via the fare calculator".
type ChargeRequest struct {
	IdempotencyKey string
	TripID         int64
	Method         string
	Amount         *decimal.Decimal
}

// RefundRequest is the structural input of the refund flow. A nil Amount
// means "refund the full remaining refundable amount".
type RefundRequest struct {
	IdempotencyKey string
	Amount         *decimal.Decimal
}

// Result is the finalized outcome of a flow. Body is exactly what was
// recorded in the ledger, so a replayed retry is byte-identical to the
// first response by construction.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	Replayed   bool
}

// Processor orchestrates ledger, fare calculator, gateway, trip validator,
// payment store and notifier.
type Processor struct {
	ledger   ledger.Ledger
	store    PaymentStore
	gateway  gateway.Client
	trips    trips.Validator
	fares    *fare.Calculator
	notifier notify.Notifier
	ids      *snowflake.Node
	logger   *zap.Logger

	gatewayTimeout time.Duration
	now            func() time.Time
}

func NewProcessor(
	l ledger.Ledger,
	store PaymentStore,
	gw gateway.Client,
	validator trips.Validator,
	fares *fare.Calculator,
	notifier notify.Notifier,
	ids *snowflake.Node,
	gatewayTimeout time.Duration,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		ledger:         l,
		store:          store,
		gateway:        gw,
		trips:          validator,
		fares:          fares,
		notifier:       notifier,
		ids:            ids,
		logger:         logger,
		gatewayTimeout: gatewayTimeout,
		now:            time.Now,
	}
}

type errorBody struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

type pendingBody struct {
	PaymentID *int64 `json:"payment_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type failedChargeBody struct {
	PaymentID int64  `json:"payment_id"`
	Status    string `json:"status"`
	Code      string `json:"code"`
	Error     string `json:"error"`
	Reference string `json:"reference"`
}

type refundResponse struct {
	PaymentID    int64           `json:"payment_id"`
	RefundID     int64           `json:"refund_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Status       string          `json:"status"`
	Timestamp    time.Time       `json:"timestamp"`
}

type failedRefundBody struct {
	PaymentID    int64           `json:"payment_id"`
	RefundID     int64           `json:"refund_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Status       string          `json:"status"`
	Code         string          `json:"code"`
	Error        string          `json:"error"`
}

// Charge executes the charge flow. It returns ledger.ErrInFlight for a
// concurrent duplicate, a *ValidationError for malformed input (no ledger
// touch), and a wrapped storage error when the flow could not reach
// completion (the claim then resolves via TTL expiry). Every other outcome,
// including business rejections and gateway declines, is a completed Result.
func (p *Processor) Charge(ctx context.Context, req ChargeRequest) (*Result, error) {
	if req.IdempotencyKey == "" {
		return nil, validationf("idempotency_key must be non-empty")
	}
	if req.TripID <= 0 {
		return nil, validationf("trip_id must be a positive integer")
	}
	method := domain.NormalizeMethod(req.Method)
	if !domain.ValidMethod(method) {
		return nil, validationf("unsupported payment method %q", req.Method)
	}
	if req.Amount != nil && req.Amount.IsNegative() {
		return nil, validationf("amount must be non-negative")
	}

	claim, err := p.ledger.Claim(ctx, req.IdempotencyKey, "charge")
	if err != nil {
		if errors.Is(err, ledger.ErrInFlight) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger claim failed: %w", err)
	}
	if claim.Replay != nil {
		return &Result{StatusCode: claim.Replay.Status, Body: claim.Replay.Body, Replayed: true}, nil
	}

	// The claim is ours. A disconnecting caller must not abort the flow:
	// partial rollback of a gateway charge is unsafe, so the operation runs
	// to completion and a retry observes the recorded result.
	ctx = context.WithoutCancel(ctx)
	keyHash := claim.KeyHash

	details, err := p.trips.Validate(ctx, req.TripID)
	if err != nil || !details.Eligible() {
		if err != nil {
			p.logger.Warn("trip validation failed", zap.Int64("trip_id", req.TripID), zap.Error(err))
		}
		return p.reject(ctx, keyHash, http.StatusBadRequest, CodeTripNotEligible,
			"trip not completed or not found")
	}

	amount := decimal.Zero
	if req.Amount != nil {
		amount = *req.Amount
	} else {
		amount, err = p.fares.Estimate(details)
		if err != nil {
			return p.reject(ctx, keyHash, http.StatusBadRequest, CodeValidation, err.Error())
		}
	}

	settled := p.settleCharge(ctx, amount, method)

	payment := &domain.Payment{
		PaymentID:       p.ids.Generate().Int64(),
		TripID:          req.TripID,
		Amount:          amount,
		Method:          method,
		Status:          paymentStatus(settled.Outcome),
		IdempotencyHash: keyHash,
		CreatedAt:       p.now().UTC(),
	}
	if err := p.store.CreatePayment(ctx, payment); err != nil {
		// Storage failure: no completion. The record stays IN_PROGRESS and
		// the key becomes claimable again after TTL expiry.
		return nil, fmt.Errorf("payment persist failed: %w", err)
	}

	statusCode, body, err := chargeResponse(payment, settled)
	if err != nil {
		return nil, fmt.Errorf("response encode failed: %w", err)
	}

	p.complete(ctx, keyHash, statusCode, body)

	p.notifier.Publish(domain.NotificationEvent{
		PaymentID: payment.PaymentID,
		TripID:    payment.TripID,
		Amount:    payment.Amount,
		Status:    payment.Status,
		Reference: payment.Reference,
	})

	p.logger.Info("payment processed",
		zap.Int64("payment_id", payment.PaymentID),
		zap.Int64("trip_id", payment.TripID),
		zap.String("status", payment.Status),
		zap.String("reference", payment.Reference))

	return &Result{StatusCode: statusCode, Body: body}, nil
}

// Refund executes the refund flow against an existing payment, keyed by an
// idempotency key scoped to "refund:{payment_id}". Error semantics mirror
// Charge.
func (p *Processor) Refund(ctx context.Context, paymentID int64, req RefundRequest) (*Result, error) {
	if req.IdempotencyKey == "" {
		return nil, validationf("idempotency_key is required for refund idempotency")
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, validationf("refund amount must be positive")
	}

	claim, err := p.ledger.Claim(ctx, req.IdempotencyKey, fmt.Sprintf("refund:%d", paymentID))
	if err != nil {
		if errors.Is(err, ledger.ErrInFlight) {
			return nil, err
		}
		return nil, fmt.Errorf("ledger claim failed: %w", err)
	}
	if claim.Replay != nil {
		return &Result{StatusCode: claim.Replay.Status, Body: claim.Replay.Body, Replayed: true}, nil
	}

	ctx = context.WithoutCancel(ctx)
	keyHash := claim.KeyHash

	payment, err := p.store.GetPayment(ctx, paymentID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return p.reject(ctx, keyHash, http.StatusNotFound, CodeNotFound,
			fmt.Sprintf("payment %d not found", paymentID))
	}
	if err != nil {
		return nil, fmt.Errorf("payment lookup failed: %w", err)
	}
	if payment.Status != domain.StatusSuccess {
		return p.reject(ctx, keyHash, http.StatusUnprocessableEntity, CodeInvalidState,
			"only successful payments can be refunded")
	}

	refunded, err := p.store.SumRefunded(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("refund sum lookup failed: %w", err)
	}
	remaining := payment.Amount.Sub(refunded)
	if !remaining.IsPositive() {
		return p.reject(ctx, keyHash, http.StatusUnprocessableEntity, CodeInvalidState,
			"payment is already fully refunded")
	}

	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
	}
	if amount.GreaterThan(remaining) {
		return p.reject(ctx, keyHash, http.StatusUnprocessableEntity, CodeInvalidState,
			fmt.Sprintf("refund amount %s exceeds remaining refundable amount %s", amount, remaining))
	}

	settled := p.settleRefund(ctx, payment.Reference, amount)

	refund := &domain.Refund{
		RefundID:  p.ids.Generate().Int64(),
		PaymentID: paymentID,
		Amount:    amount,
		Status:    domain.StatusSuccess,
		CreatedAt: p.now().UTC(),
	}
	if settled.Outcome != gateway.OutcomeSuccess {
		// Audit row only: the attempt is recorded, no money movement is.
		refund.Status = domain.StatusFailed
		refund.Amount = decimal.Zero
	}
	if err := p.store.CreateRefund(ctx, refund); err != nil {
		return nil, fmt.Errorf("refund persist failed: %w", err)
	}

	var statusCode int
	var body []byte
	if refund.Status == domain.StatusSuccess {
		statusCode = http.StatusOK
		body, err = json.Marshal(refundResponse{
			PaymentID:    paymentID,
			RefundID:     refund.RefundID,
			RefundAmount: refund.Amount,
			Status:       refund.Status,
			Timestamp:    refund.CreatedAt,
		})
	} else {
		statusCode = http.StatusPaymentRequired
		body, err = json.Marshal(failedRefundBody{
			PaymentID:    paymentID,
			RefundID:     refund.RefundID,
			RefundAmount: decimal.Zero,
			Status:       domain.StatusFailed,
			Code:         CodeGatewayFailed,
			Error:        settled.Message,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("response encode failed: %w", err)
	}

	p.complete(ctx, keyHash, statusCode, body)

	p.notifier.Publish(domain.NotificationEvent{
		PaymentID: paymentID,
		RefundID:  refund.RefundID,
		Amount:    refund.Amount,
		Status:    refund.Status,
		Reference: payment.Reference,
	})

	p.logger.Info("refund processed",
		zap.Int64("payment_id", paymentID),
		zap.Int64("refund_id", refund.RefundID),
		zap.String("status", refund.Status),
		zap.String("amount", refund.Amount.String()))

	return &Result{StatusCode: statusCode, Body: body}, nil
}

// settleCharge calls the gateway under its timeout. Transport errors and
// timeouts are FAILED settlements; no outcome is inferred and nothing is
// retried within the request.
func (p *Processor) settleCharge(ctx context.Context, amount decimal.Decimal, method string) gateway.Result {
	gctx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
	defer cancel()

	res, err := p.gateway.Charge(gctx, amount, method)
	if err != nil {
		p.logger.Warn("gateway charge failed", zap.Error(err))
		return gateway.Result{
			Outcome:   gateway.OutcomeFailed,
			ErrorCode: "GATEWAY_ERROR",
			Message:   "settlement failed or timed out",
		}
	}
	return res
}

func (p *Processor) settleRefund(ctx context.Context, paymentRef string, amount decimal.Decimal) gateway.Result {
	gctx, cancel := context.WithTimeout(ctx, p.gatewayTimeout)
	defer cancel()

	res, err := p.gateway.Refund(gctx, paymentRef, amount)
	if err != nil {
		p.logger.Warn("gateway refund failed", zap.Error(err))
		return gateway.Result{
			Outcome:   gateway.OutcomeFailed,
			ErrorCode: "GATEWAY_ERROR",
			Message:   "refund settlement failed or timed out",
		}
	}
	return res
}

// reject completes a business rejection into the ledger so a retry with the
// same key gets the same rejection back without re-executing anything.
func (p *Processor) reject(ctx context.Context, keyHash string, statusCode int, code, msg string) (*Result, error) {
	body, err := json.Marshal(errorBody{Status: domain.StatusFailed, Code: code, Error: msg})
	if err != nil {
		return nil, err
	}
	p.complete(ctx, keyHash, statusCode, body)
	return &Result{StatusCode: statusCode, Body: body}, nil
}

// complete records the final response. At this point side effects have
// already happened; failing the request now would only confuse the caller,
// so a completion error is surfaced loudly in the logs and the response is
// still returned. The un-completed record resolves via TTL expiry.
func (p *Processor) complete(ctx context.Context, keyHash string, statusCode int, body []byte) {
	if err := p.ledger.Complete(ctx, keyHash, statusCode, body); err != nil {
		p.logger.Error("idempotency completion failed",
			zap.String("key_hash", keyHash[:16]), zap.Error(err))
	}
}

func paymentStatus(outcome string) string {
	switch outcome {
	case gateway.OutcomeSuccess:
		return domain.StatusSuccess
	case gateway.OutcomePending:
		return domain.StatusPending
	default:
		return domain.StatusFailed
	}
}

func chargeResponse(payment *domain.Payment, settled gateway.Result) (int, []byte, error) {
	switch payment.Status {
	case domain.StatusSuccess:
		body, err := json.Marshal(payment)
		return http.StatusOK, body, err
	case domain.StatusPending:
		body, err := json.Marshal(pendingBody{
			Status:  domain.StatusPending,
			Message: settled.Message,
		})
		return http.StatusAccepted, body, err
	default:
		code := settled.ErrorCode
		if code == "" {
			code = CodeGatewayFailed
		}
		body, err := json.Marshal(failedChargeBody{
			PaymentID: payment.PaymentID,
			Status:    domain.StatusFailed,
			Code:      code,
			Error:     settled.Message,
			Reference: payment.Reference,
		})
		return http.StatusPaymentRequired, body, err
	}
}
