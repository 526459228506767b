package fare

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ridewave/paymentops/internal/trips"
)

func testRules() Rules {
	return Rules{
		BaseFare:  decimal.RequireFromString("5.0"),
		RatePerKM: decimal.RequireFromString("2.5"),
		Surge: map[string]decimal.Decimal{
			TierLow:    decimal.RequireFromString("1.0"),
			TierMedium: decimal.RequireFromString("1.2"),
			TierHigh:   decimal.RequireFromString("1.5"),
		},
		CancellationFee: decimal.RequireFromString("3.0"),
	}
}

func TestEstimateBaseline(t *testing.T) {
	c := NewCalculator(testRules())

	got, err := c.Estimate(trips.Details{DistanceKM: 10, Conditions: TierLow})
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("30.0")), "got %s", got)

	// Identical input, identical fare.
	again, err := c.Estimate(trips.Details{DistanceKM: 10, Conditions: TierLow})
	require.NoError(t, err)
	assert.True(t, got.Equal(again))
}

func TestEstimateSurgeTiers(t *testing.T) {
	c := NewCalculator(testRules())

	cases := []struct {
		conditions string
		want       string
	}{
		{TierLow, "30.00"},
		{TierMedium, "36.00"},
		{TierHigh, "45.00"},
		{"", "30.00"},        // no tier: multiplier 1.0
		{"UNKNOWN", "30.00"}, // unrecognized tier: multiplier 1.0
	}
	for _, tc := range cases {
		got, err := c.Estimate(trips.Details{DistanceKM: 10, Conditions: tc.conditions})
		require.NoError(t, err)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"conditions %q: want %s got %s", tc.conditions, tc.want, got)
	}
}

func TestEstimateCancellationFee(t *testing.T) {
	c := NewCalculator(testRules())

	got, err := c.Estimate(trips.Details{DistanceKM: 4, Conditions: TierLow, Cancelled: true})
	require.NoError(t, err)
	// (5.0 + 4*2.5) * 1.0 + 3.0
	assert.True(t, got.Equal(decimal.RequireFromString("18.00")), "got %s", got)
}

func TestEstimateRounding(t *testing.T) {
	c := NewCalculator(testRules())

	got, err := c.Estimate(trips.Details{DistanceKM: 3.333, Conditions: TierMedium})
	require.NoError(t, err)
	// (5.0 + 3.333*2.5) * 1.2 = 15.9990 -> 16.00
	assert.True(t, got.Equal(decimal.RequireFromString("16.00")), "got %s", got)
}

func TestEstimateNegativeDistance(t *testing.T) {
	c := NewCalculator(testRules())

	_, err := c.Estimate(trips.Details{DistanceKM: -1})
	require.Error(t, err)
}
