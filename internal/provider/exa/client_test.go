package exa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/cache"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
)

func newTestClient(t *testing.T, handler http.Handler, c *cache.Cache) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{
		BaseURL:           srv.URL,
		APIKey:            "test-key-not-a-real-secret",
		Timeout:           5 * time.Second,
		RequestsPerSecond: 1000,
		Cache:             c,
	}, zap.NewNop())
}

// writeJSON sets the content type resty keys response decoding on.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestSearch_MapsResultsAndCost(t *testing.T) {
	var gotKey atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search", r.URL.Path)
		gotKey.Store(r.Header.Get("x-api-key"))
		writeJSON(w, map[string]interface{}{
			"results": []map[string]string{
				{"title": "Result A", "url": "https://a.test/1", "text": "snippet a"},
				{"title": "Result B", "url": "https://b.test/2"},
			},
			"costDollars": map[string]float64{"total": 0.005},
		})
	})
	client := newTestClient(t, handler, nil)

	res, err := client.Search(context.Background(), "test query", provider.SearchParams{NumResults: 2})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "Result A", res.Hits[0].Title)
	assert.Equal(t, "snippet a", res.Hits[0].Snippet)
	assert.Equal(t, "https://b.test/2", res.Hits[1].URL)
	assert.InDelta(t, 0.005, costFloat(t, res.CostUSD), 0.0001)
	assert.Equal(t, "test-key-not-a-real-secret", gotKey.Load())
}

func TestSearch_CachedRepeatSkipsRoundTripAndCost(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, map[string]interface{}{
			"results":     []map[string]string{{"title": "A", "url": "https://a.test/1"}},
			"costDollars": map[string]float64{"total": 0.005},
		})
	})

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	client := newTestClient(t, handler, cache.New(rc, time.Minute, zap.NewNop()))

	first, err := client.Search(context.Background(), "q", provider.SearchParams{})
	require.NoError(t, err)
	assert.False(t, first.CostUSD.IsZero())

	second, err := client.Search(context.Background(), "q", provider.SearchParams{})
	require.NoError(t, err)
	assert.True(t, second.CostUSD.IsZero(), "a cache hit costs nothing")
	assert.Equal(t, first.Hits, second.Hits)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAuthErrorIsRedacted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key: test-key-not-a-real-secret"}`))
	})
	client := newTestClient(t, handler, nil)

	_, err := client.Ask(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, provider.KindAuth, provider.KindOf(err))
	assert.NotContains(t, err.Error(), "test-key-not-a-real-secret",
		"auth failures never echo provider response text")
}

func TestRateLimitMapsToKind(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client := newTestClient(t, handler, nil)

	_, err := client.Search(context.Background(), "q", provider.SearchParams{})
	require.Error(t, err)
	assert.Equal(t, provider.KindRateLimit, provider.KindOf(err))
}

func TestPollDeepTask_NotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestClient(t, handler, nil)

	_, err := client.PollDeepTask(context.Background(), "gone")
	assert.True(t, errors.Is(err, provider.ErrTaskNotFound))
}

func TestSearch_NotFoundIsPerOperation(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestClient(t, handler, nil)

	_, err := client.Search(context.Background(), "q", provider.SearchParams{})
	require.Error(t, err)
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
	assert.False(t, errors.Is(err, provider.ErrTaskNotFound),
		"the task sentinel only describes task polling")
}

func TestDeepTaskLifecycle(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/research/v1":
			writeJSON(w, map[string]interface{}{
				"researchId": "task-1",
				"status":     "pending",
				"createdAt":  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			})
		case r.Method == http.MethodGet && r.URL.Path == "/research/v1/task-1":
			writeJSON(w, map[string]interface{}{
				"researchId":  "task-1",
				"status":      "completed",
				"output":      "deep findings",
				"costDollars": map[string]float64{"total": 0.42},
			})
		case r.Method == http.MethodGet && r.URL.Path == "/research/v1":
			writeJSON(w, map[string]interface{}{
				"data": []map[string]interface{}{
					{"researchId": "task-1", "instructions": "dig deep", "createdAt": time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	client := newTestClient(t, handler, nil)
	ctx := context.Background()

	handle, err := client.CreateDeepTask(ctx, "dig deep")
	require.NoError(t, err)
	assert.Equal(t, "task-1", handle.ID)
	assert.Equal(t, "dig deep", handle.Instructions)

	status, err := client.PollDeepTask(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, status.State)
	assert.Equal(t, "deep findings", status.Output)
	assert.InDelta(t, 0.42, costFloat(t, status.CostUSD), 0.0001)

	tasks, err := client.ListDeepTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "dig deep", tasks[0].Instructions)
}

func TestSearch_StartDateWidened(t *testing.T) {
	var gotBody atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		gotBody.Store(body)
		writeJSON(w, map[string]interface{}{"results": []map[string]string{}})
	})
	client := newTestClient(t, handler, nil)

	_, err := client.Search(context.Background(), "q", provider.SearchParams{StartDate: "2026-07-25"})
	require.NoError(t, err)

	body := gotBody.Load().(map[string]interface{})
	start, _ := body["startPublishedDate"].(string)
	assert.True(t, strings.HasPrefix(start, "2026-07-25T"), "got %q", start)
}

func costFloat(t *testing.T, d interface{ InexactFloat64() float64 }) float64 {
	t.Helper()
	return d.InexactFloat64()
}
