package escalate

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
	"github.com/foresight-tools/foresight/internal/provider/providertest"
)

func TestAskCritic_ExtractsProbabilityAndCitations(t *testing.T) {
	research := &providertest.FakeResearch{
		AskResult: provider.AskResult{
			Answer: "The evidence is thinner than claimed; I would put this closer to 45%.",
			Citations: []provider.Citation{
				{URL: "https://delta.test/1", Snippet: "Key source contradicts the filing"},
				{URL: "", Snippet: "uncited aside"},
			},
			CostUSD: decimal.RequireFromString("0.01"),
		},
	}
	critic := NewAskCritic(research)

	res, err := critic.Critique(context.Background(), provider.CritiqueBundle{
		Subject:  gateSubject(50000),
		Analysis: models.AnalysisResult{PredictedProbability: 70, MarketProbability: 0.50},
		Focus:    "research",
	})
	require.NoError(t, err)
	assert.InDelta(t, 45.0, res.PredictedProbability, 0.001)
	require.Len(t, res.Factors, 1, "uncited snippets are dropped")
	assert.Equal(t, "https://delta.test/1", res.Factors[0].SourceURL)
}

func TestAskCritic_NoPercentageKeepsOriginalEstimate(t *testing.T) {
	research := &providertest.FakeResearch{
		AskResult: provider.AskResult{Answer: "The reasoning looks sound."},
	}
	critic := NewAskCritic(research)

	res, err := critic.Critique(context.Background(), provider.CritiqueBundle{
		Analysis: models.AnalysisResult{PredictedProbability: 70},
	})
	require.NoError(t, err)
	assert.InDelta(t, 70.0, res.PredictedProbability, 0.001)
}

func TestAskCritic_ErrorPropagates(t *testing.T) {
	research := &providertest.FakeResearch{
		AskErr: provider.NewError(provider.KindRateLimit, "ask", "429"),
	}
	critic := NewAskCritic(research)

	_, err := critic.Critique(context.Background(), provider.CritiqueBundle{})
	require.Error(t, err)
	assert.Equal(t, provider.KindRateLimit, provider.KindOf(err))
}
