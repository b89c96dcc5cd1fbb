// Package planner builds the deterministic step list for a research run.
// Build is a pure function of (subject, mode, options): no I/O, no randomness,
// and the created_at stamp never influences step content, so identical inputs
// always replay to identical plans.
package planner

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight-tools/foresight/internal/models"
)

// Options tunes plan construction. All fields are optional.
type Options struct {
	// NumResults caps search hits per query (default 5).
	NumResults int
	// NewsSince bounds current-news searches (YYYY-MM-DD). Left empty, the
	// search is unbounded; callers who want a window must pass it explicitly
	// so the plan stays replayable.
	NewsSince string
	// Clock supplies the created_at stamp. Defaults to time.Now. The stamp is
	// metadata only and never affects step content.
	Clock func() time.Time
}

// Build constructs the plan for one run. Planning is budget-agnostic: the
// ceiling is recorded on the plan but never consulted, so a plan built under
// a starved budget is identical to one built under a healthy budget.
// Enforcement happens at execution time.
func Build(subject models.ResearchSubject, mode models.Mode, ceiling decimal.Decimal, opts Options) (*models.Plan, error) {
	if subject.ID == "" {
		return nil, fmt.Errorf("planner: subject ID is empty")
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("planner: unknown mode %q", mode)
	}

	numResults := opts.NumResults
	if numResults <= 0 {
		numResults = 5
	}
	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock
	}

	plan := &models.Plan{
		SubjectID:     subject.ID,
		Mode:          mode,
		CreatedAt:     now().UTC(),
		BudgetCeiling: ceiling,
	}

	add := func(phase models.Phase, action models.Action, desc string, params map[string]string) {
		step := &models.Step{
			ID:          fmt.Sprintf("%s-%s-%02d", phase, action, len(plan.Steps)+1),
			Phase:       phase,
			Description: desc,
			Action:      action,
			Params:      params,
			Status:      models.StepPending,
			Cost:        decimal.Zero,
		}
		plan.Steps = append(plan.Steps, step)
	}

	nres := fmt.Sprintf("%d", numResults)

	// Background phase is common to every mode.
	add(models.PhaseBackground, models.ActionSearch,
		"background search on the subject",
		map[string]string{"query": subject.Title, "num_results": nres})
	add(models.PhaseBackground, models.ActionAsk,
		"direct answer with citations for the subject question",
		map[string]string{"query": subject.Title})

	switch mode {
	case models.ModeFast:
		// Background only; straight to synthesis.
	case models.ModeStandard, models.ModeDeep:
		newsParams := map[string]string{
			"query":       subject.Title + " latest news",
			"num_results": nres,
			"category":    "news",
		}
		if opts.NewsSince != "" {
			newsParams["start_date"] = opts.NewsSince
		}
		add(models.PhaseCurrentNews, models.ActionSearch,
			"recent news coverage", newsParams)
		add(models.PhaseCurrentNews, models.ActionFetchContents,
			"full text of top news results",
			map[string]string{"from_step": "previous", "max_characters": "4000"})

		add(models.PhaseExpertOpinions, models.ActionSearch,
			"expert commentary and forecasts",
			map[string]string{
				"query":       subject.Title + " expert analysis forecast",
				"num_results": nres,
			})

		if mode == models.ModeDeep {
			add(models.PhaseDeepResearch, models.ActionDeepTask,
				"exhaustive multi-source research task",
				map[string]string{"instructions": deepInstructions(subject)})
		}
	}

	// Synthesis is always the final phase and never calls a provider.
	add(models.PhaseSynthesis, models.ActionAsk,
		"synthesize collected evidence into an analysis",
		map[string]string{"local": "true"})

	return plan, nil
}

func deepInstructions(subject models.ResearchSubject) string {
	return fmt.Sprintf(
		"Research the question %q in depth. Gather primary sources, recent reporting, "+
			"and quantitative evidence bearing on the outcome before %s. "+
			"Cite a URL for every claim.",
		subject.Title, subject.CloseTime.UTC().Format("2006-01-02"),
	)
}
