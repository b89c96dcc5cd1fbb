// Package engine drives one research run through its full lifecycle:
// planning, phased execution, synthesis, verification, and optionally
// escalation. A run always ends with a structured result for every
// recoverable failure class; only cancellation and unreachable dependencies
// surface as errors.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/budget"
	"github.com/foresight-tools/foresight/internal/escalate"
	"github.com/foresight-tools/foresight/internal/executor"
	"github.com/foresight-tools/foresight/internal/metrics"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/planner"
	"github.com/foresight-tools/foresight/internal/provider"
	"github.com/foresight-tools/foresight/internal/store"
	"github.com/foresight-tools/foresight/internal/synthesis"
	"github.com/foresight-tools/foresight/internal/tracker"
	"github.com/foresight-tools/foresight/internal/verify"
)

// Request describes one research run.
type Request struct {
	SubjectID         string
	Mode              models.Mode
	BudgetCeiling     decimal.Decimal
	EscalationEnabled bool
}

// Deps are the wired components an engine runs on.
type Deps struct {
	Market     provider.MarketData
	Store      *store.Store
	Tracker    *tracker.Tracker
	Executor   *executor.Executor
	Synth      *synthesis.Synthesizer
	Verifier   *verify.Verifier
	Gate       *escalate.Gate
	Supervisor *escalate.Supervisor
	Logger     *zap.Logger

	// PlannerOpts are passed through to plan construction.
	PlannerOpts planner.Options
}

// Engine orchestrates runs.
type Engine struct {
	deps Deps
}

// New wires an engine from its dependencies.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{deps: deps}
}

// Run executes the full state machine for one subject and returns the single
// structured result. Budget exhaustion, step failures, and verification
// failures are all reported inside the result, never as errors.
func (e *Engine) Run(ctx context.Context, req Request) (*models.AgentRunResult, error) {
	if req.SubjectID == "" {
		return nil, fmt.Errorf("engine: subject id is required")
	}
	if !req.Mode.IsValid() {
		return nil, fmt.Errorf("engine: unknown mode %q", req.Mode)
	}
	if !req.BudgetCeiling.IsPositive() {
		return nil, fmt.Errorf("engine: budget ceiling must be positive, got %s", req.BudgetCeiling)
	}

	runID := uuid.NewString()
	startedAt := time.Now()
	logger := e.deps.Logger.With(
		zap.String("run_id", runID),
		zap.String("subject_id", req.SubjectID),
		zap.String("mode", string(req.Mode)),
	)
	metrics.RunsStarted.WithLabelValues(string(req.Mode)).Inc()

	subject, err := e.deps.Market.GetSubject(ctx, req.SubjectID)
	if err != nil {
		metrics.RecordRunMetrics(string(req.Mode), "subject_lookup_failed", time.Since(startedAt).Seconds(), 0)
		return nil, fmt.Errorf("get subject %s: %w", req.SubjectID, err)
	}

	plan, err := planner.Build(subject, req.Mode, req.BudgetCeiling, e.deps.PlannerOpts)
	if err != nil {
		return nil, fmt.Errorf("build plan: %w", err)
	}
	ledger := budget.NewLedger(req.BudgetCeiling, logger)
	logger.Info("run started",
		zap.Int("steps", len(plan.Steps)),
		zap.String("ceiling", req.BudgetCeiling.String()),
	)

	// Executing: phases run strictly in order; synthesis is local and is
	// handled below, never dispatched to the provider.
	for _, phase := range plan.Phases() {
		if phase == models.PhaseSynthesis {
			continue
		}
		if _, err := e.deps.Executor.ExecutePhase(ctx, runID, plan, phase, ledger); err != nil {
			metrics.RecordRunMetrics(string(req.Mode), "canceled", time.Since(startedAt).Seconds(), costF(ledger))
			return nil, fmt.Errorf("execute phase %s: %w", phase, err)
		}
	}

	// Synthesizing.
	markSynthesisSteps(plan, models.StepRunning)
	summary, analysis := e.deps.Synth.Synthesize(subject, plan)
	markSynthesisSteps(plan, models.StepCompleted)

	// Verifying.
	report := e.deps.Verifier.Verify(analysis, summary)

	// Escalating, supervising, re-verifying.
	escalated := false
	if ok, reason := e.deps.Gate.ShouldEscalate(req.EscalationEnabled, report, analysis, subject, ledger); ok {
		escalated = true
		metrics.Escalations.WithLabelValues(reason).Inc()
		logger.Info("run escalated", zap.String("trigger", reason))

		supervised, reverified, serr := e.deps.Supervisor.Run(ctx, runID, subject, analysis, summary, ledger)
		if serr != nil {
			metrics.RecordRunMetrics(string(req.Mode), "canceled", time.Since(startedAt).Seconds(), costF(ledger))
			return nil, fmt.Errorf("supervise run: %w", serr)
		}
		analysis, report = supervised, reverified
	}

	summary.TotalCost = ledger.Spent()
	result := &models.AgentRunResult{
		RunID:           runID,
		Analysis:        analysis,
		Verification:    report,
		ResearchSummary: summary,
		Escalated:       escalated,
		TotalCost:       ledger.Spent(),
	}

	if e.deps.Store != nil {
		if err := e.deps.Store.SaveRun(ctx, req.Mode, startedAt, time.Now(), result); err != nil {
			logger.Warn("failed to archive run", zap.Error(err))
		}
	}

	metrics.RecordRunMetrics(string(req.Mode), runStatus(result), time.Since(startedAt).Seconds(), costF(ledger))
	logger.Info("run finished",
		zap.String("status", runStatus(result)),
		zap.Float64("predicted_probability", analysis.PredictedProbability),
		zap.String("total_cost", result.TotalCost.String()),
		zap.Bool("budget_exhausted", summary.BudgetExhausted),
	)
	return result, nil
}

// Recover reconciles orphaned deep-task handles left by a previous process.
func (e *Engine) Recover(ctx context.Context) ([]tracker.Recovered, error) {
	return e.deps.Tracker.ReconcileOrphans(ctx)
}

// RecentRuns exposes the archive for the CLI.
func (e *Engine) RecentRuns(ctx context.Context, limit int) ([]models.AgentRunResult, error) {
	if e.deps.Store == nil {
		return nil, nil
	}
	return e.deps.Store.RecentRuns(ctx, limit)
}

func markSynthesisSteps(plan *models.Plan, status models.StepStatus) {
	for _, s := range plan.StepsForPhase(models.PhaseSynthesis) {
		s.Status = status
	}
}

func runStatus(result *models.AgentRunResult) string {
	switch {
	case result.Escalated:
		return "escalated"
	case result.ResearchSummary.BudgetExhausted:
		return "budget_exhausted"
	default:
		return "completed"
	}
}

func costF(ledger *budget.Ledger) float64 {
	f, _ := ledger.Spent().Float64()
	return f
}
