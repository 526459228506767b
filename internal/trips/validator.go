package trips

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const StatusCompleted = "COMPLETED"

// Details is the trip service's view of a trip, reduced to what pricing and
// eligibility need.
type Details struct {
	TripID     int64   `json:"trip_id"`
	Status     string  `json:"status"`
	DistanceKM float64 `json:"distance"`
	Conditions string  `json:"conditions"`
	Cancelled  bool    `json:"cancelled"`
}

// Eligible reports whether the trip may be charged.
func (d Details) Eligible() bool {
	return d.Status == StatusCompleted
}

// Validator confirms a trip is chargeable.
type Validator interface {
	Validate(ctx context.Context, tripID int64) (Details, error)
}

// HTTPValidator calls the trip service over HTTP with a bounded timeout.
// In permissive mode an unreachable trip service yields a mocked eligible
// trip instead of failing; this is an explicit opt-in for local development,
// never a default.
type HTTPValidator struct {
	baseURL    string
	client     *http.Client
	permissive bool
	logger     *zap.Logger
}

func NewHTTPValidator(baseURL string, timeout time.Duration, permissive bool, logger *zap.Logger) *HTTPValidator {
	return &HTTPValidator{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: timeout},
		permissive: permissive,
		logger:     logger,
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, tripID int64) (Details, error) {
	url := fmt.Sprintf("%s/v1/trips/%d", v.baseURL, tripID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Details{}, fmt.Errorf("trip request build failed: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		if v.permissive {
			v.logger.Warn("trip service unreachable, using mocked trip",
				zap.Int64("trip_id", tripID), zap.Error(err))
			return Details{TripID: tripID, Status: StatusCompleted, DistanceKM: 10.5, Conditions: "LOW"}, nil
		}
		return Details{}, fmt.Errorf("trip service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Details{}, fmt.Errorf("trip service returned %d for trip %d", resp.StatusCode, tripID)
	}

	var d Details
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return Details{}, fmt.Errorf("trip response decode failed: %w", err)
	}
	if d.TripID == 0 {
		d.TripID = tripID
	}

	v.logger.Debug("trip validated",
		zap.Int64("trip_id", tripID), zap.String("status", d.Status))
	return d, nil
}
