package escalate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/budget"
	"github.com/foresight-tools/foresight/internal/executor"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
	"github.com/foresight-tools/foresight/internal/provider/providertest"
	"github.com/foresight-tools/foresight/internal/store"
	"github.com/foresight-tools/foresight/internal/synthesis"
	"github.com/foresight-tools/foresight/internal/tracker"
	"github.com/foresight-tools/foresight/internal/verify"
)

func newTestSupervisor(t *testing.T, research *providertest.FakeResearch, critic provider.Critic, cfg SupervisorConfig) *Supervisor {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sup.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := tracker.New(st, research, zap.NewNop())
	tr.PollInterval = time.Millisecond
	ex := executor.New(research, tr, zap.NewNop(), executor.Config{})
	synth := synthesis.New(zap.NewNop(), synthesis.Options{})
	verifier := verify.New(verify.DefaultPolicy(), zap.NewNop())
	return NewSupervisor(critic, ex, synth, verifier, zap.NewNop(), cfg)
}

func supervisedAnalysis() models.AnalysisResult {
	return models.AnalysisResult{
		SubjectID:            "mkt-1",
		MarketProbability:    0.50,
		PredictedProbability: 70,
		Confidence:           models.ConfidenceMedium,
		Factors: []models.Factor{
			{Description: "Primary filing confirms the schedule", Impact: models.ImpactUp, SourceURL: "https://alpha.test/1"},
			{Description: "Analyst flags procedural delay risk", Impact: models.ImpactDown, SourceURL: "https://beta.test/2"},
		},
		Sources: []string{"https://alpha.test/1", "https://beta.test/2"},
	}
}

func TestSupervisor_MedianAggregation(t *testing.T) {
	research := &providertest.FakeResearch{
		SearchResult: provider.SearchResult{
			Hits:    []provider.SearchHit{{URL: "https://gamma.test/3", Snippet: "Independent outlet corroborates the filing"}},
			CostUSD: decimal.RequireFromString("0.005"),
		},
	}
	critic := &providertest.FakeCritic{
		Result: provider.CritiqueResult{
			PredictedProbability: 60,
			CostUSD:              decimal.RequireFromString("0.01"),
		},
	}
	sup := newTestSupervisor(t, research, critic, SupervisorConfig{})
	ledger := budget.NewLedger(decimal.NewFromInt(1), zap.NewNop())

	aggregate, report, err := sup.Run(context.Background(), "run-1", gateSubject(50000), supervisedAnalysis(), models.ResearchSummary{}, ledger)
	require.NoError(t, err)

	// Votes: original 70 plus two critics at 60; median is 60.
	assert.InDelta(t, 60.0, aggregate.PredictedProbability, 0.001)
	assert.Equal(t, 2, critic.Calls)
	assert.True(t, report.Passed)
}

func TestSupervisor_UnionsAndDedupesFactors(t *testing.T) {
	research := &providertest.FakeResearch{
		SearchResult: provider.SearchResult{
			Hits: []provider.SearchHit{
				// Near-duplicate of an existing factor plus one new finding.
				{URL: "https://mirror.test/1", Snippet: "Primary filing confirms the schedule."},
				{URL: "https://gamma.test/3", Snippet: "Regulator opened a parallel review"},
			},
		},
	}
	critic := &providertest.FakeCritic{
		Result: provider.CritiqueResult{PredictedProbability: 65},
	}
	sup := newTestSupervisor(t, research, critic, SupervisorConfig{})
	ledger := budget.NewLedger(decimal.NewFromInt(1), zap.NewNop())

	aggregate, _, err := sup.Run(context.Background(), "run-1", gateSubject(50000), supervisedAnalysis(), models.ResearchSummary{}, ledger)
	require.NoError(t, err)

	urls := make(map[string]bool)
	for _, f := range aggregate.Factors {
		urls[f.SourceURL] = true
	}
	assert.True(t, urls["https://alpha.test/1"])
	assert.True(t, urls["https://beta.test/2"])
	assert.True(t, urls["https://gamma.test/3"])
	assert.False(t, urls["https://mirror.test/1"], "near-duplicate text collapses to the first source")
	assert.Equal(t, sourceList(aggregate.Factors), aggregate.Sources)
}

func TestSupervisor_BudgetRefusalSkipsPasses(t *testing.T) {
	research := &providertest.FakeResearch{}
	critic := &providertest.FakeCritic{
		Result: provider.CritiqueResult{PredictedProbability: 10},
	}
	sup := newTestSupervisor(t, research, critic, SupervisorConfig{})
	// Nothing left to reserve.
	ledger := budget.NewLedger(decimal.RequireFromString("0.001"), zap.NewNop())
	ledger.Reserve(decimal.RequireFromString("0.001"))

	original := supervisedAnalysis()
	aggregate, _, err := sup.Run(context.Background(), "run-1", gateSubject(50000), original, models.ResearchSummary{}, ledger)
	require.NoError(t, err)

	assert.Equal(t, 0, critic.Calls)
	assert.InDelta(t, original.PredictedProbability, aggregate.PredictedProbability, 0.001,
		"with every pass skipped the original opinion stands")
}

func TestSupervisor_SkippedVoteKeepsGatheredEvidence(t *testing.T) {
	research := &providertest.FakeResearch{
		SearchResult: provider.SearchResult{
			Hits:    []provider.SearchHit{{URL: "https://gamma.test/3", Snippet: "Regulator opened a parallel review"}},
			CostUSD: decimal.RequireFromString("0.005"),
		},
	}
	critic := &providertest.FakeCritic{
		Result: provider.CritiqueResult{PredictedProbability: 10},
	}
	sup := newTestSupervisor(t, research, critic, SupervisorConfig{})
	// Enough for the pass's search, not for any critique.
	ledger := budget.NewLedger(decimal.RequireFromString("0.01"), zap.NewNop())

	original := supervisedAnalysis()
	aggregate, _, err := sup.Run(context.Background(), "run-1", gateSubject(50000), original, models.ResearchSummary{}, ledger)
	require.NoError(t, err)

	assert.Equal(t, 0, critic.Calls)
	assert.InDelta(t, original.PredictedProbability, aggregate.PredictedProbability, 0.001,
		"a skipped pass contributes no vote")

	urls := make(map[string]bool)
	for _, f := range aggregate.Factors {
		urls[f.SourceURL] = true
	}
	assert.True(t, urls["https://gamma.test/3"], "evidence the pass paid to gather is kept")
}

func TestSupervisor_CriticErrorDoesNotFailEscalation(t *testing.T) {
	research := &providertest.FakeResearch{}
	critic := &providertest.FakeCritic{
		Err: provider.NewError(provider.KindNetwork, "critique", "connection reset"),
	}
	sup := newTestSupervisor(t, research, critic, SupervisorConfig{})
	ledger := budget.NewLedger(decimal.NewFromInt(1), zap.NewNop())

	original := supervisedAnalysis()
	aggregate, _, err := sup.Run(context.Background(), "run-1", gateSubject(50000), original, models.ResearchSummary{}, ledger)
	require.NoError(t, err)
	assert.InDelta(t, original.PredictedProbability, aggregate.PredictedProbability, 0.001)

	// The failed critiques released their reservations.
	assert.True(t, ledger.Spent().IsZero(), "spent = %s", ledger.Spent())
}

func TestSupervisor_FreshnessCriticAddsThirdPass(t *testing.T) {
	research := &providertest.FakeResearch{}
	critic := &providertest.FakeCritic{
		Result: provider.CritiqueResult{PredictedProbability: 55},
	}
	clock := func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	sup := newTestSupervisor(t, research, critic, SupervisorConfig{IncludeFreshness: true, Clock: clock})
	ledger := budget.NewLedger(decimal.NewFromInt(1), zap.NewNop())

	_, _, err := sup.Run(context.Background(), "run-1", gateSubject(50000), supervisedAnalysis(), models.ResearchSummary{}, ledger)
	require.NoError(t, err)
	assert.Equal(t, 3, critic.Calls)
	assert.Equal(t, 2, research.SearchCalls, "research and freshness passes each run one search")
}
