// Package provider defines the abstract capabilities the engine consumes:
// a market-data service, a web-research service, and an optional synthesis
// (critic) service. The engine depends only on these interfaces, never on
// concrete client types.
package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight-tools/foresight/internal/models"
)

// MarketData exposes the read-only prediction-market lookup. Cost and rate
// limiting for these calls are the implementation's concern; the budget
// ledger does not track them.
type MarketData interface {
	GetSubject(ctx context.Context, id string) (models.ResearchSubject, error)
}

// SearchParams narrows a web search.
type SearchParams struct {
	NumResults int    `json:"num_results,omitempty"`
	Category   string `json:"category,omitempty"`
	StartDate  string `json:"start_date,omitempty"` // YYYY-MM-DD
}

// SearchHit is one search result with an optional text snippet.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchResult is the outcome of one search round-trip.
type SearchResult struct {
	Hits    []SearchHit     `json:"hits"`
	CostUSD decimal.Decimal `json:"cost_usd"`
}

// ContentsParams narrows a page-contents fetch.
type ContentsParams struct {
	MaxCharacters int `json:"max_characters,omitempty"`
}

// PageContent is the fetched text of one URL.
type PageContent struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// ContentsResult is the outcome of one contents round-trip.
type ContentsResult struct {
	Pages   []PageContent   `json:"pages"`
	CostUSD decimal.Decimal `json:"cost_usd"`
}

// Citation is a cited source backing an answer.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// AskResult is a direct answer with citations.
type AskResult struct {
	Answer    string          `json:"answer"`
	Citations []Citation      `json:"citations"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
}

// DeepTaskHandle identifies a long-running research task on the provider side.
type DeepTaskHandle struct {
	ID           string    `json:"id"`
	Instructions string    `json:"instructions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeepTaskStatus is one poll observation of a deep task.
type DeepTaskStatus struct {
	State   models.TaskState `json:"state"`
	Output  string           `json:"output,omitempty"`
	CostUSD decimal.Decimal  `json:"cost_usd"`
}

// Research exposes the web-research capabilities. Every response that incurs
// cost carries it so the budget ledger can reconcile estimates.
type Research interface {
	Search(ctx context.Context, query string, p SearchParams) (SearchResult, error)
	FetchContents(ctx context.Context, urls []string, p ContentsParams) (ContentsResult, error)
	Ask(ctx context.Context, query string) (AskResult, error)

	CreateDeepTask(ctx context.Context, instructions string) (DeepTaskHandle, error)
	PollDeepTask(ctx context.Context, id string) (DeepTaskStatus, error)
	// ListDeepTasks enumerates the provider's known tasks; used only by crash
	// recovery to reconcile persisted handles.
	ListDeepTasks(ctx context.Context) ([]DeepTaskHandle, error)
}

// CritiqueBundle is the evidence handed to a critic pass.
type CritiqueBundle struct {
	Subject  models.ResearchSubject `json:"subject"`
	Analysis models.AnalysisResult  `json:"analysis"`
	Summary  models.ResearchSummary `json:"summary"`
	Focus    string                 `json:"focus"`
}

// CritiqueResult is a critic's partial analysis: an adjusted probability and
// any additional cited factors it found.
type CritiqueResult struct {
	PredictedProbability float64         `json:"predicted_probability"` // 0..100
	Factors              []models.Factor `json:"factors"`
	Notes                string          `json:"notes"`
	CostUSD              decimal.Decimal `json:"cost_usd"`
}

// Critic is the optional synthesis capability consumed during escalation.
type Critic interface {
	Critique(ctx context.Context, bundle CritiqueBundle) (CritiqueResult, error)
}
