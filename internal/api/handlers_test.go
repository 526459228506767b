package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ridewave/paymentops/internal/api"
	"github.com/ridewave/paymentops/internal/domain"
	"github.com/ridewave/paymentops/internal/fare"
	"github.com/ridewave/paymentops/internal/gateway"
	"github.com/ridewave/paymentops/internal/ledger"
	"github.com/ridewave/paymentops/internal/notify"
	"github.com/ridewave/paymentops/internal/service"
	"github.com/ridewave/paymentops/internal/store"
	"github.com/ridewave/paymentops/internal/trips"
)

// memStore backs both the processor and the read endpoints in tests.
type memStore struct {
	mu       sync.Mutex
	payments map[int64]*domain.Payment
	refunds  []*domain.Refund
	receipts map[int64]json.RawMessage
}

func newMemStore() *memStore {
	return &memStore{
		payments: map[int64]*domain.Payment{},
		receipts: map[int64]json.RawMessage{},
	}
}

func (s *memStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Reference == "" {
		p.Reference = domain.NewReference(p.CreatedAt)
	}
	cp := *p
	s.payments[p.PaymentID] = &cp
	return nil
}

func (s *memStore) GetPayment(ctx context.Context, id int64) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) SumRefunded(ctx context.Context, paymentID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.refunds {
		if r.PaymentID == paymentID && r.Status == domain.StatusSuccess {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (s *memStore) CreateRefund(ctx context.Context, r *domain.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.refunds = append(s.refunds, &cp)
	return nil
}

func (s *memStore) ListPayments(ctx context.Context, f store.ListFilter) ([]domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.Payment{}
	for _, p := range s.payments {
		if f.TripID > 0 && p.TripID != f.TripID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) SaveReceipt(ctx context.Context, rc *domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(rc)
	if err != nil {
		return err
	}
	s.receipts[rc.PaymentID] = data
	return nil
}

func (s *memStore) GetReceipt(ctx context.Context, paymentID int64) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.receipts[paymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return data, nil
}

func (s *memStore) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &store.Stats{
		PaymentsByStatus: map[string]int64{},
		PaymentsByMethod: map[string]int64{},
		Timestamp:        time.Now().UTC(),
	}
	for _, p := range s.payments {
		stats.PaymentsByStatus[p.Status]++
		stats.PaymentsByMethod[p.Method]++
		if p.Status == domain.StatusSuccess {
			stats.TotalRevenue = stats.TotalRevenue.Add(p.Amount)
		}
	}
	return stats, nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Publish(domain.NotificationEvent) {}

var _ notify.Notifier = noopNotifier{}

func newTestServer(t *testing.T) (*httptest.Server, *memStore, *ledger.BoltLedger) {
	t.Helper()

	l, err := ledger.NewBoltLedger(filepath.Join(t.TempDir(), "ledger.db"), time.Hour, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	tripSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"COMPLETED","distance":10,"conditions":"LOW"}`)
	}))
	t.Cleanup(tripSrv.Close)

	ms := newMemStore()
	rules := fare.Rules{
		BaseFare:  decimal.RequireFromString("5.0"),
		RatePerKM: decimal.RequireFromString("2.5"),
		Surge:     map[string]decimal.Decimal{fare.TierLow: decimal.RequireFromString("1.0")},
	}

	gw := gateway.NewSimulator(1.0, 0, zap.NewNop())
	validator := trips.NewHTTPValidator(tripSrv.URL, time.Second, false, zap.NewNop())
	proc := service.NewProcessor(l, ms, gw, validator,
		fare.NewCalculator(rules), noopNotifier{}, node, time.Second, zap.NewNop())

	h := api.NewHandler(proc, ms, zap.NewNop())
	srv := httptest.NewServer(api.NewRouter(h))
	t.Cleanup(srv.Close)
	return srv, ms, l
}

func post(t *testing.T, url, key string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

type chargeView struct {
	PaymentID int64  `json:"payment_id"`
	TripID    int64  `json:"trip_id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
}

type refundView struct {
	PaymentID int64  `json:"payment_id"`
	RefundID  int64  `json:"refund_id"`
	Status    string `json:"status"`
	Code      string `json:"code"`
}

func TestChargeScenario(t *testing.T) {
	srv, _, _ := newTestServer(t)
	payload := map[string]interface{}{"trip_id": 101, "method": "CARD", "amount": 150.00}

	resp, body1 := post(t, srv.URL+"/v1/payments", "k1", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first chargeView
	require.NoError(t, json.Unmarshal(body1, &first))
	assert.Equal(t, domain.StatusSuccess, first.Status)
	assert.NotZero(t, first.PaymentID)
	assert.Regexp(t, `^PAY-\d{8}-[0-9A-F]{8}$`, first.Reference)

	// Immediate retry with the same key: identical bytes, same reference.
	resp, body2 := post(t, srv.URL+"/v1/payments", "k1", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body1, body2)

	// A different key charges again.
	resp, body3 := post(t, srv.URL+"/v1/payments", "k2", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var third chargeView
	require.NoError(t, json.Unmarshal(body3, &third))
	assert.NotEqual(t, first.PaymentID, third.PaymentID)
	assert.NotEqual(t, first.Reference, third.Reference)
}

func TestRefundScenario(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, body := post(t, srv.URL+"/v1/payments", "k1",
		map[string]interface{}{"trip_id": 101, "method": "CARD", "amount": 150.00})
	var payment chargeView
	require.NoError(t, json.Unmarshal(body, &payment))

	refundURL := fmt.Sprintf("%s/v1/payments/%d/refunds", srv.URL, payment.PaymentID)

	resp, r1 := post(t, refundURL, "r1", map[string]interface{}{"amount": 50.00})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var firstRefund refundView
	require.NoError(t, json.Unmarshal(r1, &firstRefund))
	assert.Equal(t, domain.StatusSuccess, firstRefund.Status)

	// Same key: identical refund_id.
	resp, r2 := post(t, refundURL, "r1", map[string]interface{}{"amount": 50.00})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, r1, r2)

	// 101.00 exceeds the remaining 100.00.
	resp, r3 := post(t, refundURL, "r2", map[string]interface{}{"amount": 101.00})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var over refundView
	require.NoError(t, json.Unmarshal(r3, &over))
	assert.Equal(t, service.CodeInvalidState, over.Code)
}

func TestChargeMissingIdempotencyKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := post(t, srv.URL+"/v1/payments", "",
		map[string]interface{}{"trip_id": 101, "method": "CARD"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), service.CodeValidation)
}

func TestChargeKeyFromBodyFallback(t *testing.T) {
	srv, _, _ := newTestServer(t)

	payload := map[string]interface{}{
		"idempotency_key": "body-key", "trip_id": 101, "method": "CARD", "amount": 20.00,
	}
	resp, body1 := post(t, srv.URL+"/v1/payments", "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body2 := post(t, srv.URL+"/v1/payments", "", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, body1, body2)
}

func TestChargeConflictResponse(t *testing.T) {
	srv, _, l := newTestServer(t)

	// Claim the key out-of-band so the handler sees an in-flight duplicate.
	claim, err := l.Claim(context.Background(), "busy-key", "charge")
	require.NoError(t, err)
	require.True(t, claim.Acquired)

	resp, body := post(t, srv.URL+"/v1/payments", "busy-key",
		map[string]interface{}{"trip_id": 101, "method": "CARD", "amount": 10.00})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "CONFLICT")
}

func TestGetAndListPayments(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, body := post(t, srv.URL+"/v1/payments", "k1",
		map[string]interface{}{"trip_id": 101, "method": "CARD", "amount": 75.00})
	var payment chargeView
	require.NoError(t, json.Unmarshal(body, &payment))

	resp, err := http.Get(fmt.Sprintf("%s/v1/payments/%d", srv.URL, payment.PaymentID))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/payments?status=SUCCESS")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Count)

	resp, err = http.Get(srv.URL + "/v1/payments/424242")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReceiptGeneration(t *testing.T) {
	srv, ms, _ := newTestServer(t)

	_, body := post(t, srv.URL+"/v1/payments", "k1",
		map[string]interface{}{"trip_id": 101, "method": "CASH", "amount": 30.00})
	var payment chargeView
	require.NoError(t, json.Unmarshal(body, &payment))

	resp, rc := post(t, fmt.Sprintf("%s/v1/payments/%d/receipt", srv.URL, payment.PaymentID), "", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(rc), "RCP-"+payment.Reference)

	stored, err := ms.GetReceipt(context.Background(), payment.PaymentID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "UP", health["status"])
	assert.Equal(t, "UP", health["database_status"])
}
