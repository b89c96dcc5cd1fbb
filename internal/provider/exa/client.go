// Package exa implements the research provider against the Exa API: search,
// page contents, direct answers, and asynchronous deep-research tasks.
package exa

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/foresight-tools/foresight/internal/cache"
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
	// Cache is optional; when enabled, identical search/contents/ask calls
	// within the TTL are served without a provider round-trip (or cost).
	Cache *cache.Cache
}

// Client talks to the Exa API. It satisfies provider.Research.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	logger  *zap.Logger
}

var _ provider.Research = (*Client)(nil)

// New creates a client. The API key is attached as a request header and never
// logged; auth failures surface as a redacted error kind.
func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.exa.ai"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}

	http := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("x-api-key", opts.APIKey).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    http,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		cache:   opts.Cache,
		logger:  logger,
	}
}

// costEnvelope is the per-response cost block Exa attaches to billable calls.
type costEnvelope struct {
	Total float64 `json:"total"`
}

func (c costEnvelope) decimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Total)
}

type searchRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"numResults,omitempty"`
	Category   string `json:"category,omitempty"`
	StartDate  string `json:"startPublishedDate,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Text  string `json:"text,omitempty"`
	} `json:"results"`
	CostDollars costEnvelope `json:"costDollars"`
}

// Search runs one web search.
func (c *Client) Search(ctx context.Context, query string, p provider.SearchParams) (provider.SearchResult, error) {
	key := cache.Key("search", query, fmt.Sprintf("%d|%s|%s", p.NumResults, p.Category, p.StartDate))
	var cached provider.SearchResult
	if c.cache.Get(ctx, key, &cached) {
		// Cached responses already paid their cost once.
		cached.CostUSD = decimal.Zero
		return cached, nil
	}

	var body searchResponse
	req := searchRequest{
		Query:      query,
		NumResults: p.NumResults,
		Category:   p.Category,
		StartDate:  startDateISO(p.StartDate),
	}
	if err := c.post(ctx, "search", "/search", req, &body); err != nil {
		return provider.SearchResult{}, err
	}

	out := provider.SearchResult{CostUSD: body.CostDollars.decimal()}
	for _, r := range body.Results {
		out.Hits = append(out.Hits, provider.SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Text,
		})
	}
	c.cache.Set(ctx, key, out)
	return out, nil
}

type contentsRequest struct {
	URLs []string `json:"urls"`
	Text *struct {
		MaxCharacters int `json:"maxCharacters,omitempty"`
	} `json:"text,omitempty"`
}

type contentsResponse struct {
	Results []struct {
		URL  string `json:"url"`
		Text string `json:"text"`
	} `json:"results"`
	CostDollars costEnvelope `json:"costDollars"`
}

// FetchContents retrieves page text for a batch of URLs.
func (c *Client) FetchContents(ctx context.Context, urls []string, p provider.ContentsParams) (provider.ContentsResult, error) {
	key := cache.Key("contents", strings.Join(urls, "\n"), fmt.Sprintf("%d", p.MaxCharacters))
	var cached provider.ContentsResult
	if c.cache.Get(ctx, key, &cached) {
		cached.CostUSD = decimal.Zero
		return cached, nil
	}

	req := contentsRequest{URLs: urls}
	if p.MaxCharacters > 0 {
		req.Text = &struct {
			MaxCharacters int `json:"maxCharacters,omitempty"`
		}{MaxCharacters: p.MaxCharacters}
	}
	var body contentsResponse
	if err := c.post(ctx, "fetch_contents", "/contents", req, &body); err != nil {
		return provider.ContentsResult{}, err
	}

	out := provider.ContentsResult{CostUSD: body.CostDollars.decimal()}
	for _, r := range body.Results {
		out.Pages = append(out.Pages, provider.PageContent{URL: r.URL, Text: r.Text})
	}
	c.cache.Set(ctx, key, out)
	return out, nil
}

type answerRequest struct {
	Query string `json:"query"`
}

type answerResponse struct {
	Answer    string `json:"answer"`
	Citations []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Text  string `json:"text,omitempty"`
	} `json:"citations"`
	CostDollars costEnvelope `json:"costDollars"`
}

// Ask gets a direct cited answer.
func (c *Client) Ask(ctx context.Context, query string) (provider.AskResult, error) {
	key := cache.Key("ask", query)
	var cached provider.AskResult
	if c.cache.Get(ctx, key, &cached) {
		cached.CostUSD = decimal.Zero
		return cached, nil
	}

	var body answerResponse
	if err := c.post(ctx, "ask", "/answer", answerRequest{Query: query}, &body); err != nil {
		return provider.AskResult{}, err
	}

	out := provider.AskResult{Answer: body.Answer, CostUSD: body.CostDollars.decimal()}
	for _, cit := range body.Citations {
		out.Citations = append(out.Citations, provider.Citation{
			Title:   cit.Title,
			URL:     cit.URL,
			Snippet: cit.Text,
		})
	}
	c.cache.Set(ctx, key, out)
	return out, nil
}

type createTaskRequest struct {
	Instructions string `json:"instructions"`
}

type taskResponse struct {
	ID           string       `json:"researchId"`
	Status       string       `json:"status"`
	Instructions string       `json:"instructions,omitempty"`
	Output       string       `json:"output,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	CostDollars  costEnvelope `json:"costDollars"`
}

// CreateDeepTask starts an asynchronous research task. Deep tasks are never
// cached: each one is a distinct paid unit of work tracked by handle.
func (c *Client) CreateDeepTask(ctx context.Context, instructions string) (provider.DeepTaskHandle, error) {
	var body taskResponse
	if err := c.post(ctx, "create_deep_task", "/research/v1", createTaskRequest{Instructions: instructions}, &body); err != nil {
		return provider.DeepTaskHandle{}, err
	}
	created := body.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return provider.DeepTaskHandle{ID: body.ID, Instructions: instructions, CreatedAt: created}, nil
}

// PollDeepTask fetches one task's current status. A 404 here means the
// provider has lost the task ID, which crash recovery treats specially.
func (c *Client) PollDeepTask(ctx context.Context, id string) (provider.DeepTaskStatus, error) {
	var body taskResponse
	if err := c.get(ctx, "poll_deep_task", "/research/v1/"+id, &body); err != nil {
		if provider.KindOf(err) == provider.KindNotFound {
			return provider.DeepTaskStatus{}, provider.ErrTaskNotFound
		}
		return provider.DeepTaskStatus{}, err
	}
	return provider.DeepTaskStatus{
		State:   taskState(body.Status),
		Output:  body.Output,
		CostUSD: body.CostDollars.decimal(),
	}, nil
}

type listTasksResponse struct {
	Data []taskResponse `json:"data"`
}

// ListDeepTasks enumerates the provider's known tasks for crash recovery.
func (c *Client) ListDeepTasks(ctx context.Context) ([]provider.DeepTaskHandle, error) {
	var body listTasksResponse
	if err := c.get(ctx, "list_deep_tasks", "/research/v1", &body); err != nil {
		return nil, err
	}
	out := make([]provider.DeepTaskHandle, 0, len(body.Data))
	for _, t := range body.Data {
		out = append(out, provider.DeepTaskHandle{
			ID:           t.ID,
			Instructions: t.Instructions,
			CreatedAt:    t.CreatedAt,
		})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, op, path string, reqBody, respBody interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return provider.NewError(provider.KindNetwork, op, err.Error())
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(reqBody).SetResult(respBody).Post(path)
	return c.finish(op, resp, err)
}

func (c *Client) get(ctx context.Context, op, path string, respBody interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return provider.NewError(provider.KindNetwork, op, err.Error())
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(respBody).Get(path)
	return c.finish(op, resp, err)
}

// finish maps transport and HTTP status failures into the provider error
// taxonomy. Auth failures are always redacted: neither the response body nor
// any header reaches the caller.
func (c *Client) finish(op string, resp *resty.Response, err error) error {
	status := "ok"
	defer func() { metrics.ProviderCalls.WithLabelValues(op, status).Inc() }()

	if err != nil {
		status = "network_error"
		return provider.NewError(provider.KindNetwork, op, err.Error())
	}
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == 401 || code == 403:
		status = "auth_error"
		return provider.NewAuthError(op)
	case code == 404:
		status = "not_found"
		return provider.NewError(provider.KindNotFound, op, fmt.Sprintf("status %d", code))
	case code == 429:
		status = "rate_limited"
		return provider.NewError(provider.KindRateLimit, op, fmt.Sprintf("status %d", code))
	default:
		status = "http_error"
		return provider.NewError(provider.KindNetwork, op, fmt.Sprintf("status %d", code))
	}
}

func taskState(status string) models.TaskState {
	switch strings.ToLower(status) {
	case "completed":
		return models.TaskCompleted
	case "failed":
		return models.TaskFailed
	case "canceled", "cancelled":
		return models.TaskCanceled
	case "running":
		return models.TaskRunning
	default:
		return models.TaskPending
	}
}

// startDateISO widens a YYYY-MM-DD date to the RFC3339 instant Exa expects.
func startDateISO(date string) string {
	if date == "" {
		return ""
	}
	if t, err := time.Parse("2006-01-02", date); err == nil {
		return t.UTC().Format(time.RFC3339)
	}
	return date
}
