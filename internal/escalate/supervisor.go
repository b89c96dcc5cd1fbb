package escalate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/budget"
	"github.com/foresight-tools/foresight/internal/executor"
	"github.com/foresight-tools/foresight/internal/metrics"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
	"github.com/foresight-tools/foresight/internal/synthesis"
	"github.com/foresight-tools/foresight/internal/verify"
)

// SupervisorConfig tunes the critic passes.
type SupervisorConfig struct {
	// IncludeFreshness adds the third critic pass, which re-searches recent
	// news before critiquing.
	IncludeFreshness bool
	// CriticEstimate is the per-critique cost reservation.
	CriticEstimate decimal.Decimal
	// NewsWindowDays bounds the freshness critic's search window.
	NewsWindowDays int
	// Clock supplies the freshness window cutoff; defaults to time.Now.
	Clock func() time.Time
}

// Supervisor runs critic passes over an escalated analysis and aggregates
// their opinions. Critics are centrally invoked tools: each pass is a bounded
// executor invocation against a single-step plan plus one critique call,
// all charged to the run's ledger.
type Supervisor struct {
	critic   provider.Critic
	executor *executor.Executor
	synth    *synthesis.Synthesizer
	verifier *verify.Verifier
	logger   *zap.Logger
	cfg      SupervisorConfig
}

// NewSupervisor creates a supervisor. A nil critic is allowed: passes then
// contribute evidence but no probability vote.
func NewSupervisor(critic provider.Critic, ex *executor.Executor, synth *synthesis.Synthesizer, verifier *verify.Verifier, logger *zap.Logger, cfg SupervisorConfig) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CriticEstimate.IsZero() || cfg.CriticEstimate.IsNegative() {
		cfg.CriticEstimate = decimal.RequireFromString("0.02")
	}
	if cfg.NewsWindowDays <= 0 {
		cfg.NewsWindowDays = 7
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Supervisor{critic: critic, executor: ex, synth: synth, verifier: verifier, logger: logger, cfg: cfg}
}

// criticPass describes one critic: its name and the narrow search it runs
// before critiquing. An empty query skips the search and critiques the
// existing evidence only.
type criticPass struct {
	name   string
	query  string
	params map[string]string
}

func (s *Supervisor) passes(subject models.ResearchSubject) []criticPass {
	passes := []criticPass{
		{
			name:   "research",
			query:  fmt.Sprintf("%s verified evidence primary sources", subject.Title),
			params: map[string]string{"num_results": "5"},
		},
		{
			// The consistency critic cross-checks factor sentiment against
			// the stated probability; it needs no new evidence.
			name: "consistency",
		},
	}
	if s.cfg.IncludeFreshness {
		since := s.cfg.Clock().UTC().AddDate(0, 0, -s.cfg.NewsWindowDays).Format("2006-01-02")
		passes = append(passes, criticPass{
			name:   "freshness",
			query:  fmt.Sprintf("%s latest developments", subject.Title),
			params: map[string]string{"num_results": "5", "category": "news", "start_date": since},
		})
	}
	return passes
}

// Run executes every critic pass, aggregates probabilities by median, unions
// and re-dedupes the factors, and re-verifies the aggregate exactly once.
// Budget refusals skip individual passes rather than failing the escalation.
func (s *Supervisor) Run(ctx context.Context, runID string, subject models.ResearchSubject, analysis models.AnalysisResult, summary models.ResearchSummary, ledger *budget.Ledger) (models.AnalysisResult, models.VerificationReport, error) {
	votes := []float64{analysis.PredictedProbability}
	factors := append([]models.Factor{}, analysis.Factors...)

	for _, pass := range s.passes(subject) {
		if err := ctx.Err(); err != nil {
			return analysis, models.VerificationReport{}, err
		}

		vote, extra, err := s.runPass(ctx, runID, pass, subject, analysis, summary, ledger)
		status := "completed"
		switch {
		case err != nil:
			status = "failed"
			s.logger.Warn("critic pass failed",
				zap.String("critic", pass.name),
				zap.Error(err),
			)
		case vote < 0:
			status = "skipped"
			// Evidence the pass already paid to gather is kept even when the
			// critique itself could not run.
			factors = append(factors, extra...)
		default:
			votes = append(votes, vote)
			factors = append(factors, extra...)
		}
		metrics.CriticPasses.WithLabelValues(pass.name, status).Inc()
	}

	aggregate := analysis
	aggregate.PredictedProbability = median(votes)
	aggregate.Factors = synthesis.DedupeFactors(factors, 0)
	aggregate.Sources = sourceList(aggregate.Factors)
	aggregate.Reasoning = fmt.Sprintf("%s Supervised: median of %d opinions after critic review.",
		analysis.Reasoning, len(votes))

	report := s.verifier.Verify(aggregate, summary)
	s.logger.Info("supervision complete",
		zap.String("run_id", runID),
		zap.Float64("aggregate_probability", aggregate.PredictedProbability),
		zap.Int("votes", len(votes)),
		zap.Bool("passed", report.Passed),
	)
	return aggregate, report, nil
}

// runPass returns the critic's probability vote and any extra cited factors.
// A negative vote means the pass was skipped (no budget or no critic).
func (s *Supervisor) runPass(ctx context.Context, runID string, pass criticPass, subject models.ResearchSubject, analysis models.AnalysisResult, summary models.ResearchSummary, ledger *budget.Ledger) (float64, []models.Factor, error) {
	var extra []models.Factor

	if pass.query != "" {
		plan := narrowPlan(runID, pass, subject)
		out, err := s.executor.ExecutePhase(ctx, runID, plan, models.PhaseBackground, ledger)
		if err != nil {
			return -1, nil, err
		}
		if !out.BudgetExhausted {
			passSummary, _ := s.synth.Synthesize(subject, plan)
			extra = passSummary.Factors
		}
	}

	if s.critic == nil {
		if len(extra) == 0 {
			return -1, nil, nil
		}
		// No critic capability: the pass still contributes evidence.
		return analysis.PredictedProbability, extra, nil
	}

	if !ledger.Reserve(s.cfg.CriticEstimate) {
		metrics.BudgetRefusals.Inc()
		return -1, extra, nil
	}

	bundle := provider.CritiqueBundle{
		Subject:  subject,
		Analysis: analysis,
		Summary:  summary,
		Focus:    pass.name,
	}
	res, err := s.critic.Critique(ctx, bundle)
	if err != nil {
		ledger.Reconcile(s.cfg.CriticEstimate, decimal.Zero)
		return -1, extra, fmt.Errorf("critique %s: %w", pass.name, err)
	}
	ledger.Reconcile(s.cfg.CriticEstimate, res.CostUSD)

	return res.PredictedProbability, append(extra, res.Factors...), nil
}

// narrowPlan is the single-step plan a critic pass executes.
func narrowPlan(runID string, pass criticPass, subject models.ResearchSubject) *models.Plan {
	params := map[string]string{"query": pass.query}
	for k, v := range pass.params {
		params[k] = v
	}
	return &models.Plan{
		SubjectID: subject.ID,
		Mode:      models.ModeFast,
		Steps: []*models.Step{{
			ID:          fmt.Sprintf("background-search-%s-01", pass.name),
			Phase:       models.PhaseBackground,
			Description: fmt.Sprintf("%s critic search for %q", pass.name, subject.Title),
			Action:      models.ActionSearch,
			Params:      params,
			Status:      models.StepPending,
		}},
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func sourceList(factors []models.Factor) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range factors {
		if !seen[f.SourceURL] {
			seen[f.SourceURL] = true
			out = append(out, f.SourceURL)
		}
	}
	return out
}
