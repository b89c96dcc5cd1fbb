package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/models"
)

func healthyAnalysis() models.AnalysisResult {
	factors := []models.Factor{
		{Description: "Committee approved the measure", Impact: models.ImpactUp, SourceURL: "https://alpha.test/1"},
		{Description: "Floor vote scheduled", Impact: models.ImpactUp, SourceURL: "https://beta.test/2"},
	}
	return models.AnalysisResult{
		SubjectID:            "mkt-1",
		MarketProbability:    0.55,
		PredictedProbability: 68,
		Confidence:           models.ConfidenceMedium,
		Factors:              factors,
		Sources:              []string{"https://alpha.test/1", "https://beta.test/2"},
	}
}

func TestVerify_HealthyAnalysisPasses(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())
	report := v.Verify(healthyAnalysis(), models.ResearchSummary{})
	assert.True(t, report.Passed)
	assert.Empty(t, report.Issues)
	assert.False(t, report.SuggestedEscalation)
}

func TestVerify_OutOfRangeProbability(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())

	a := healthyAnalysis()
	a.PredictedProbability = 150
	report := v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed)
	assert.True(t, report.SuggestedEscalation)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "outside [0, 100]")

	a.PredictedProbability = -3
	report = v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed)
}

func TestVerify_OrphanCitation(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())

	a := healthyAnalysis()
	a.Sources = append(a.Sources, "https://nowhere.test/unbacked")
	report := v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "orphan citation")
	assert.Contains(t, report.Issues[0], "nowhere.test")
}

func TestVerify_DistinctDomainFloor(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())

	a := healthyAnalysis()
	// Both factors now cite the same domain.
	a.Factors[1].SourceURL = "https://www.alpha.test/other"
	a.Sources = []string{"https://alpha.test/1", "https://www.alpha.test/other"}
	report := v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "distinct source domains")

	// Low confidence is exempt from the floor.
	a.Confidence = models.ConfidenceLow
	report = v.Verify(a, models.ResearchSummary{})
	assert.True(t, report.Passed)
}

func TestVerify_ParrotingMarketPrice(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())

	a := healthyAnalysis()
	a.PredictedProbability = 55 // exactly the market price
	report := v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0], "parrots")
}

func TestVerify_AllIssuesReported(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())

	a := healthyAnalysis()
	a.PredictedProbability = 150
	a.Sources = append(a.Sources, "https://nowhere.test/unbacked")
	a.Factors = a.Factors[:1]
	report := v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed)
	// Range, orphan citations, and the domain floor all fire together.
	assert.GreaterOrEqual(t, len(report.Issues), 3)
}

func TestVerify_PolicyHotSwap(t *testing.T) {
	v := New(DefaultPolicy(), zap.NewNop())

	a := healthyAnalysis()
	assert.True(t, v.Verify(a, models.ResearchSummary{}).Passed)

	v.SetPolicy(Policy{MinDistinctDomains: 3, MaxParrotDelta: 0.001})
	report := v.Verify(a, models.ResearchSummary{})
	assert.False(t, report.Passed, "tightened policy applies to subsequent verifications")
}
