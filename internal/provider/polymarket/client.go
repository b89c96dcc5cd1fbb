// Package polymarket implements the market-data provider against the
// Polymarket Gamma API. It is read-only: the engine only needs a subject's
// title, close time, price snapshot, and liquidity figures.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/foresight-tools/foresight/internal/metrics"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
)

// Options configures the client.
type Options struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client reads markets from the Gamma API. It satisfies provider.MarketData.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ provider.MarketData = (*Client)(nil)

// New creates a client. The API key is optional: public market reads work
// without one.
func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://gamma-api.polymarket.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}

	http := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout)
	if opts.APIKey != "" {
		http.SetHeader("Authorization", "Bearer "+opts.APIKey)
	}

	return &Client{
		http:    http,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:  logger,
	}
}

// marketResponse is the subset of a Gamma market record the engine uses.
// outcomePrices arrives as a JSON-encoded string array.
type marketResponse struct {
	ID            string `json:"id"`
	Question      string `json:"question"`
	EndDate       string `json:"endDate"`
	OutcomePrices string `json:"outcomePrices"`
	Volume        string `json:"volume"`
	Liquidity     string `json:"liquidity"`
}

// GetSubject fetches one market and maps it onto a research subject. The
// price snapshot is the first outcome's price (the YES side on binary
// markets).
func (c *Client) GetSubject(ctx context.Context, id string) (models.ResearchSubject, error) {
	const op = "get_subject"
	if err := c.limiter.Wait(ctx); err != nil {
		return models.ResearchSubject{}, provider.NewError(provider.KindNetwork, op, err.Error())
	}

	var body marketResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&body).Get("/markets/" + id)

	status := "ok"
	defer func() { metrics.ProviderCalls.WithLabelValues(op, status).Inc() }()

	if err != nil {
		status = "network_error"
		return models.ResearchSubject{}, provider.NewError(provider.KindNetwork, op, err.Error())
	}
	switch code := resp.StatusCode(); {
	case code == 401 || code == 403:
		status = "auth_error"
		return models.ResearchSubject{}, provider.NewAuthError(op)
	case code == 404:
		status = "not_found"
		return models.ResearchSubject{}, provider.NewError(provider.KindNotFound, op, fmt.Sprintf("market %s not found", id))
	case code == 429:
		status = "rate_limited"
		return models.ResearchSubject{}, provider.NewError(provider.KindRateLimit, op, fmt.Sprintf("status %d", code))
	case code >= 300:
		status = "http_error"
		return models.ResearchSubject{}, provider.NewError(provider.KindNetwork, op, fmt.Sprintf("status %d", code))
	}

	subject := models.ResearchSubject{
		ID:                body.ID,
		Title:             body.Question,
		MarketProbability: firstOutcomePrice(body.OutcomePrices),
		Volume:            parseDecimal(body.Volume),
		Liquidity:         parseDecimal(body.Liquidity),
	}
	if subject.ID == "" {
		subject.ID = id
	}
	if body.EndDate != "" {
		if t, perr := time.Parse(time.RFC3339, body.EndDate); perr == nil {
			subject.CloseTime = t
		}
	}
	return subject, nil
}

// firstOutcomePrice decodes Gamma's doubly-encoded price array and returns
// the first entry, or 0 when absent or malformed.
func firstOutcomePrice(encoded string) float64 {
	if encoded == "" {
		return 0
	}
	var prices []string
	if err := json.Unmarshal([]byte(encoded), &prices); err != nil || len(prices) == 0 {
		return 0
	}
	d, err := decimal.NewFromString(prices[0])
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
