package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/provider"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:           srv.URL,
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
	}, zap.NewNop())
}

// writeJSON sets the content type resty keys response decoding on.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestGetSubject_MapsMarketFields(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/markets/mkt-1", r.URL.Path)
		writeJSON(w, map[string]string{
			"id":            "mkt-1",
			"question":      "Will the bill pass this year?",
			"endDate":       "2026-12-31T23:59:59Z",
			"outcomePrices": `["0.62", "0.38"]`,
			"volume":        "125000.50",
			"liquidity":     "40000",
		})
	})
	client := newTestClient(t, handler)

	subject, err := client.GetSubject(context.Background(), "mkt-1")
	require.NoError(t, err)
	assert.Equal(t, "mkt-1", subject.ID)
	assert.Equal(t, "Will the bill pass this year?", subject.Title)
	assert.InDelta(t, 0.62, subject.MarketProbability, 0.0001)
	assert.Equal(t, "125000.5", subject.Volume.String())
	assert.Equal(t, "40000", subject.Liquidity.String())
	assert.Equal(t, 2026, subject.CloseTime.Year())
}

func TestGetSubject_MalformedPricesDefaultToZero(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"id":            "mkt-2",
			"question":      "Odd market",
			"outcomePrices": "not json",
		})
	})
	client := newTestClient(t, handler)

	subject, err := client.GetSubject(context.Background(), "mkt-2")
	require.NoError(t, err)
	assert.Zero(t, subject.MarketProbability)
	assert.True(t, subject.Volume.IsZero())
}

func TestGetSubject_NotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestClient(t, handler)

	_, err := client.GetSubject(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
}

func TestGetSubject_AuthErrorIsRedacted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"bad token: super-secret-token"}`))
	})
	client := newTestClient(t, handler)

	_, err := client.GetSubject(context.Background(), "mkt-1")
	require.Error(t, err)
	assert.Equal(t, provider.KindAuth, provider.KindOf(err))
	assert.NotContains(t, err.Error(), "super-secret-token")
}
