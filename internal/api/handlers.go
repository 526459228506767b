package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ridewave/paymentops/internal/domain"
	"github.com/ridewave/paymentops/internal/ledger"
	"github.com/ridewave/paymentops/internal/service"
	"github.com/ridewave/paymentops/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "endpoint"})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_idempotent_replays_total",
		Help: "Responses served verbatim from the idempotency ledger",
	})
)

// Processor is the slice of the payment processor the handlers invoke.
type Processor interface {
	Charge(ctx context.Context, req service.ChargeRequest) (*service.Result, error)
	Refund(ctx context.Context, paymentID int64, req service.RefundRequest) (*service.Result, error)
}

// Reader serves the read-only and reporting endpoints.
type Reader interface {
	GetPayment(ctx context.Context, id int64) (*domain.Payment, error)
	ListPayments(ctx context.Context, f store.ListFilter) ([]domain.Payment, error)
	SaveReceipt(ctx context.Context, rc *domain.Receipt) error
	GetReceipt(ctx context.Context, paymentID int64) (json.RawMessage, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	processor Processor
	reader    Reader
	logger    *zap.Logger
}

func NewHandler(p Processor, r Reader, logger *zap.Logger) *Handler {
	return &Handler{processor: p, reader: r, logger: logger}
}

type chargePayload struct {
	IdempotencyKey string           `json:"idempotency_key"`
	TripID         int64            `json:"trip_id"`
	Method         string           `json:"method"`
	Amount         *decimal.Decimal `json:"amount"`
}

type refundPayload struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Amount         *decimal.Decimal `json:"amount"`
}

// CreatePaymentHandler drives the charge flow. The idempotency key comes
// from the Idempotency-Key header or, failing that, the request body.
func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/v1/payments"))
	defer timer.ObserveDuration()

	var payload chargePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, service.CodeValidation, "Malformed JSON body", "POST", "/v1/payments")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = payload.IdempotencyKey
	}

	result, err := h.processor.Charge(r.Context(), service.ChargeRequest{
		IdempotencyKey: key,
		TripID:         payload.TripID,
		Method:         payload.Method,
		Amount:         payload.Amount,
	})
	if err != nil {
		h.respondFlowError(w, err, "POST", "/v1/payments")
		return
	}
	h.respondResult(w, result, "POST", "/v1/payments")
}

// CreateRefundHandler drives the refund flow for one payment.
func (h *Handler) CreateRefundHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := "/v1/payments/{id}/refunds"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	paymentID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, service.CodeValidation, "payment id must be an integer", "POST", endpoint)
		return
	}

	var payload refundPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, service.CodeValidation, "Malformed JSON body", "POST", endpoint)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = payload.IdempotencyKey
	}

	result, err := h.processor.Refund(r.Context(), paymentID, service.RefundRequest{
		IdempotencyKey: key,
		Amount:         payload.Amount,
	})
	if err != nil {
		h.respondFlowError(w, err, "POST", endpoint)
		return
	}
	h.respondResult(w, result, "POST", endpoint)
}

func (h *Handler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := "/v1/payments/{id}"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, service.CodeValidation, "payment id must be an integer", "GET", endpoint)
		return
	}

	payment, err := h.reader.GetPayment(r.Context(), id)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		h.respondError(w, http.StatusNotFound, service.CodeNotFound, "Payment not found", "GET", endpoint)
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, payment, "GET", endpoint)
}

func (h *Handler) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := "/v1/payments"
	q := r.URL.Query()

	filter := store.ListFilter{
		Status: domain.NormalizeMethod(q.Get("status")),
		Method: domain.NormalizeMethod(q.Get("method")),
	}
	filter.TripID, _ = strconv.ParseInt(q.Get("trip_id"), 10, 64)
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	payments, err := h.reader.ListPayments(r.Context(), filter)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error", "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"payments": payments,
		"count":    len(payments),
	}, "GET", endpoint)
}

// GenerateReceiptHandler builds and persists a receipt for a payment.
// Regeneration is an upsert: the receipt body is written once.
func (h *Handler) GenerateReceiptHandler(w http.ResponseWriter, r *http.Request) {
	endpoint := "/v1/payments/{id}/receipt"
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, service.CodeValidation, "payment id must be an integer", "POST", endpoint)
		return
	}

	payment, err := h.reader.GetPayment(r.Context(), id)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		h.respondError(w, http.StatusNotFound, service.CodeNotFound, "Payment not found", "POST", endpoint)
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error", "POST", endpoint)
		return
	}

	receipt := &domain.Receipt{
		ReceiptID:   "RCP-" + payment.Reference,
		PaymentID:   payment.PaymentID,
		TripID:      payment.TripID,
		Amount:      payment.Amount,
		Method:      payment.Method,
		Status:      payment.Status,
		Reference:   payment.Reference,
		CreatedAt:   payment.CreatedAt,
		GeneratedAt: time.Now().UTC(),
	}
	if err := h.reader.SaveReceipt(r.Context(), receipt); err != nil {
		h.logger.Error("receipt persist failed", zap.Int64("payment_id", id), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error", "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, receipt, "POST", endpoint)
}

func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reader.Stats(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error", "GET", "/v1/stats")
		return
	}
	h.respondJSON(w, http.StatusOK, stats, "GET", "/v1/stats")
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"service":   "payment-service",
		"status":    "UP",
		"timestamp": time.Now().UTC(),
	}
	code := http.StatusOK
	if err := h.reader.Ping(r.Context()); err != nil {
		health["status"] = "DEGRADED"
		health["database_status"] = "DOWN"
		code = http.StatusServiceUnavailable
	} else {
		health["database_status"] = "UP"
	}
	h.respondJSON(w, code, health, "GET", "/health")
}

// respondResult writes a finalized flow outcome: the stored status code and
// the stored bytes, never a re-encoded view of them.
func (h *Handler) respondResult(w http.ResponseWriter, result *service.Result, method, endpoint string) {
	if result.Replayed {
		idempotentReplays.Inc()
	}
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(result.StatusCode)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

func (h *Handler) respondFlowError(w http.ResponseWriter, err error, method, endpoint string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, service.CodeValidation, verr.Msg, method, endpoint)
	case errors.Is(err, ledger.ErrInFlight):
		h.respondError(w, http.StatusConflict, "CONFLICT", err.Error(), method, endpoint)
	default:
		h.logger.Error("request processing failed",
			zap.String("endpoint", endpoint), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "INTERNAL", "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, errCode, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{
		"status": domain.StatusFailed,
		"code":   errCode,
		"error":  message,
	}, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
