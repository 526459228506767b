// Package notify delivers best-effort post-transaction events. Delivery is
// detached from the request path: it must never delay or fail a response.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/ridewave/paymentops/internal/domain"
)

// Notifier publishes a post-transaction event. Fire-and-forget: it never
// returns an error to the caller.
type Notifier interface {
	Publish(event domain.NotificationEvent)
}

// HTTPNotifier posts events to the notification service from a detached
// goroutine with its own timeout and a bounded retry budget. Failures are
// logged and dropped.
type HTTPNotifier struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
	retries int
	backoff time.Duration
	wg      sync.WaitGroup
}

func NewHTTPNotifier(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:     baseURL + "/v1/notifications",
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		retries: 3,
		backoff: 200 * time.Millisecond,
	}
}

func (n *HTTPNotifier) Publish(event domain.NotificationEvent) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(event)
	}()
}

// Close waits for in-flight deliveries to finish. Used on shutdown and in
// tests; Publish callers never block on it.
func (n *HTTPNotifier) Close() {
	n.wg.Wait()
}

func (n *HTTPNotifier) deliver(event domain.NotificationEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("notification encode failed", zap.Error(err))
		return
	}

	for attempt := 1; attempt <= n.retries; attempt++ {
		if n.post(body) {
			n.logger.Info("notification sent",
				zap.Int64("payment_id", event.PaymentID),
				zap.String("status", event.Status))
			return
		}
		time.Sleep(n.backoff * time.Duration(attempt))
	}
	n.logger.Warn("notification dropped after retries",
		zap.Int64("payment_id", event.PaymentID),
		zap.Int("attempts", n.retries))
}

func (n *HTTPNotifier) post(body []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Debug("notification attempt failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK ||
		resp.StatusCode == http.StatusCreated ||
		resp.StatusCode == http.StatusAccepted
}
