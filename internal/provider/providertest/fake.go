// Package providertest contains in-memory provider fakes used across the
// engine's tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
)

// FakeResearch is a configurable in-memory research provider. Zero value is
// usable; every call is counted so tests can assert call budgets.
type FakeResearch struct {
	mu sync.Mutex

	// Canned responses.
	SearchResult   provider.SearchResult
	ContentsResult provider.ContentsResult
	AskResult      provider.AskResult

	// Error injection per operation.
	SearchErr   error
	ContentsErr error
	AskErr      error
	CreateErr   error
	PollErr     error
	ListErr     error

	// Deep-task behavior: statuses returned by successive polls of any task.
	// When exhausted, the last element repeats.
	PollSequence []provider.DeepTaskStatus

	// Tasks known to ListDeepTasks (in addition to created ones).
	ExtraTasks []provider.DeepTaskHandle

	// Call counters.
	SearchCalls   int
	ContentsCalls int
	AskCalls      int
	CreateCalls   int
	PollCalls     int
	ListCalls     int

	created   []provider.DeepTaskHandle
	pollIndex map[string]int
	nextID    int
}

var _ provider.Research = (*FakeResearch)(nil)

func (f *FakeResearch) Search(ctx context.Context, query string, p provider.SearchParams) (provider.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SearchCalls++
	if f.SearchErr != nil {
		return provider.SearchResult{}, f.SearchErr
	}
	return f.SearchResult, nil
}

func (f *FakeResearch) FetchContents(ctx context.Context, urls []string, p provider.ContentsParams) (provider.ContentsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ContentsCalls++
	if f.ContentsErr != nil {
		return provider.ContentsResult{}, f.ContentsErr
	}
	return f.ContentsResult, nil
}

func (f *FakeResearch) Ask(ctx context.Context, query string) (provider.AskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AskCalls++
	if f.AskErr != nil {
		return provider.AskResult{}, f.AskErr
	}
	return f.AskResult, nil
}

func (f *FakeResearch) CreateDeepTask(ctx context.Context, instructions string) (provider.DeepTaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return provider.DeepTaskHandle{}, f.CreateErr
	}
	f.nextID++
	h := provider.DeepTaskHandle{
		ID:           "task-" + string(rune('a'+f.nextID-1)),
		Instructions: instructions,
		CreatedAt:    time.Now().UTC(),
	}
	f.created = append(f.created, h)
	return h, nil
}

func (f *FakeResearch) PollDeepTask(ctx context.Context, id string) (provider.DeepTaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCalls++
	if f.PollErr != nil {
		return provider.DeepTaskStatus{}, f.PollErr
	}
	if len(f.PollSequence) == 0 {
		return provider.DeepTaskStatus{State: models.TaskCompleted}, nil
	}
	if f.pollIndex == nil {
		f.pollIndex = make(map[string]int)
	}
	i := f.pollIndex[id]
	if i >= len(f.PollSequence) {
		i = len(f.PollSequence) - 1
	} else {
		f.pollIndex[id] = i + 1
	}
	return f.PollSequence[i], nil
}

func (f *FakeResearch) ListDeepTasks(ctx context.Context) ([]provider.DeepTaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := append([]provider.DeepTaskHandle{}, f.created...)
	return append(out, f.ExtraTasks...), nil
}

// Created returns the deep tasks created through this fake.
func (f *FakeResearch) Created() []provider.DeepTaskHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.DeepTaskHandle{}, f.created...)
}

// FakeMarket serves one canned subject.
type FakeMarket struct {
	Subject models.ResearchSubject
	Err     error
	Calls   int
}

var _ provider.MarketData = (*FakeMarket)(nil)

func (f *FakeMarket) GetSubject(ctx context.Context, id string) (models.ResearchSubject, error) {
	f.Calls++
	if f.Err != nil {
		return models.ResearchSubject{}, f.Err
	}
	s := f.Subject
	if s.ID == "" {
		s.ID = id
	}
	return s, nil
}

// FakeCritic returns a canned critique.
type FakeCritic struct {
	Result provider.CritiqueResult
	Err    error
	Calls  int
}

var _ provider.Critic = (*FakeCritic)(nil)

func (f *FakeCritic) Critique(ctx context.Context, bundle provider.CritiqueBundle) (provider.CritiqueResult, error) {
	f.Calls++
	if f.Err != nil {
		return provider.CritiqueResult{}, f.Err
	}
	return f.Result, nil
}

// CentsUSD is a test helper for small dollar amounts.
func CentsUSD(c int) decimal.Decimal {
	return decimal.New(int64(c), -2)
}
