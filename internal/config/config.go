package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config carries everything the service reads from the environment. The
// struct is built once at startup and treated as immutable afterwards; the
// fare rules in particular are injected into the calculator rather than read
// from globals so tests can substitute alternate rule sets.
type Config struct {
	DBSource string
	Port     string
	Env      string

	// Ledger backend: "postgres" (shared, multi-instance safe) or "bolt"
	// (embedded, single node).
	LedgerBackend string
	LedgerPath    string

	IdempotencyTTL time.Duration
	PurgeInterval  time.Duration

	TripServiceURL         string
	NotificationServiceURL string
	ExternalTimeout        time.Duration

	// TripPermissive substitutes a mocked eligible trip when the trip
	// service is unreachable. Explicit opt-in for local development.
	TripPermissive bool

	GatewayTimeout     time.Duration
	GatewaySuccessRate float64

	BaseFare        decimal.Decimal
	RatePerKM       decimal.Decimal
	SurgeLow        decimal.Decimal
	SurgeMedium     decimal.Decimal
	SurgeHigh       decimal.Decimal
	CancellationFee decimal.Decimal

	SnowflakeNode int64
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	ledgerBackend := getenv("LEDGER_BACKEND", "postgres")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if ledgerBackend != "postgres" && ledgerBackend != "bolt" {
		return nil, fmt.Errorf("unsupported LEDGER_BACKEND %q", ledgerBackend)
	}

	cfg := &Config{
		DBSource: dbSource,
		Port:     getenv("SERVER_PORT", "8082"),
		Env:      getenv("ENVIRONMENT", "development"),

		LedgerBackend: ledgerBackend,
		LedgerPath:    getenv("LEDGER_BOLT_PATH", "ledger.db"),

		IdempotencyTTL: durenv("IDEMPOTENCY_TTL", 24*time.Hour),
		PurgeInterval:  durenv("LEDGER_PURGE_INTERVAL", time.Hour),

		TripServiceURL:         getenv("TRIP_SERVICE_URL", "http://trip-service:8081"),
		NotificationServiceURL: getenv("NOTIFICATION_SERVICE_URL", "http://notification-service:8084"),
		ExternalTimeout:        durenv("EXTERNAL_TIMEOUT", 5*time.Second),
		TripPermissive:         boolenv("TRIP_PERMISSIVE_MODE", false),

		GatewayTimeout:     durenv("GATEWAY_TIMEOUT", 5*time.Second),
		GatewaySuccessRate: floatenv("GATEWAY_SUCCESS_RATE", 0.8),

		BaseFare:        decenv("BASE_FARE", "5.0"),
		RatePerKM:       decenv("RATE_PER_KM", "2.5"),
		SurgeLow:        decenv("SURGE_MULTIPLIER_LOW", "1.0"),
		SurgeMedium:     decenv("SURGE_MULTIPLIER_MEDIUM", "1.2"),
		SurgeHigh:       decenv("SURGE_MULTIPLIER_HIGH", "1.5"),
		CancellationFee: decenv("CANCELLATION_FEE", "3.0"),

		SnowflakeNode: intenv("SNOWFLAKE_NODE", 1),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intenv(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func floatenv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func boolenv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func durenv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are seconds, matching the original deployment env.
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func decenv(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(fallback)
}
