package escalate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
)

// AskCritic adapts the research provider's direct-answer capability into the
// critic interface: it poses a focused question about the analysis and reads
// a probability out of the cited answer.
type AskCritic struct {
	research provider.Research
}

// NewAskCritic wraps a research provider as a critic.
func NewAskCritic(research provider.Research) *AskCritic {
	return &AskCritic{research: research}
}

var _ provider.Critic = (*AskCritic)(nil)

var criticPercentRe = regexp.MustCompile(`\b(\d{1,3}(?:\.\d+)?)\s?%`)

// Critique asks one question shaped by the pass focus and extracts the
// answer's probability and citations.
func (a *AskCritic) Critique(ctx context.Context, bundle provider.CritiqueBundle) (provider.CritiqueResult, error) {
	res, err := a.research.Ask(ctx, criticPrompt(bundle))
	if err != nil {
		return provider.CritiqueResult{}, fmt.Errorf("critic ask: %w", err)
	}

	out := provider.CritiqueResult{
		PredictedProbability: bundle.Analysis.PredictedProbability,
		Notes:                res.Answer,
		CostUSD:              res.CostUSD,
	}
	if m := criticPercentRe.FindStringSubmatch(res.Answer); m != nil {
		if v, perr := strconv.ParseFloat(m[1], 64); perr == nil && v <= 100 {
			out.PredictedProbability = v
		}
	}
	for _, c := range res.Citations {
		if c.URL == "" {
			continue
		}
		desc := c.Snippet
		if desc == "" {
			desc = c.Title
		}
		out.Factors = append(out.Factors, models.Factor{
			Description: desc,
			Impact:      models.ImpactUnclear,
			SourceURL:   c.URL,
		})
	}
	return out, nil
}

func criticPrompt(bundle provider.CritiqueBundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Assess this forecast. Question: %s. Current estimate: %.0f%% (market: %.0f%%).",
		bundle.Subject.Title,
		bundle.Analysis.PredictedProbability,
		bundle.Analysis.MarketProbability*100,
	)
	switch bundle.Focus {
	case "research":
		sb.WriteString(" Verify the key claims against primary sources and state your own percentage estimate.")
	case "consistency":
		sb.WriteString(" Check whether the cited evidence actually supports this percentage and state your own percentage estimate.")
	case "freshness":
		sb.WriteString(" Check the latest developments and state your own percentage estimate.")
	default:
		sb.WriteString(" State your own percentage estimate.")
	}
	return sb.String()
}
