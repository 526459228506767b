package trips

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateCompletedTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/trips/101", r.URL.Path)
		fmt.Fprint(w, `{"trip_id":101,"status":"COMPLETED","distance":12.5,"conditions":"HIGH"}`)
	}))
	defer srv.Close()

	v := NewHTTPValidator(srv.URL, time.Second, false, zap.NewNop())
	d, err := v.Validate(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, d.Eligible())
	assert.Equal(t, int64(101), d.TripID)
	assert.Equal(t, 12.5, d.DistanceKM)
	assert.Equal(t, "HIGH", d.Conditions)
}

func TestValidateIneligibleTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"trip_id":102,"status":"IN_PROGRESS","distance":3.0}`)
	}))
	defer srv.Close()

	v := NewHTTPValidator(srv.URL, time.Second, false, zap.NewNop())
	d, err := v.Validate(context.Background(), 102)
	require.NoError(t, err)
	assert.False(t, d.Eligible())
}

func TestValidateServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	v := NewHTTPValidator(srv.URL, time.Second, false, zap.NewNop())
	_, err := v.Validate(context.Background(), 999)
	require.Error(t, err)
}

func TestValidateUnreachableStrict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	v := NewHTTPValidator(srv.URL, time.Second, false, zap.NewNop())
	_, err := v.Validate(context.Background(), 101)
	require.Error(t, err)
}

func TestValidateUnreachablePermissive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	v := NewHTTPValidator(srv.URL, time.Second, true, zap.NewNop())
	d, err := v.Validate(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, d.Eligible())
	assert.Equal(t, int64(101), d.TripID)
}
