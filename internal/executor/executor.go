// Package executor runs plan steps against the research provider under the
// budget ledger. Provider failures are contained to the failing step; budget
// refusals skip the rest of the phase. The run itself never aborts for either.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foresight-tools/foresight/internal/budget"
	"github.com/foresight-tools/foresight/internal/metrics"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
	"github.com/foresight-tools/foresight/internal/tracker"
)

// Config tunes step execution.
type Config struct {
	// FanOut caps concurrent in-flight provider calls within one phase.
	// 1 means strictly sequential.
	FanOut int
	// DeepTaskTimeout bounds the overall polling window for a deep task.
	DeepTaskTimeout time.Duration
	// Estimates is the per-action cost estimate used for reservations.
	Estimates map[models.Action]decimal.Decimal
}

// DefaultEstimates returns the stock per-call cost estimates in USD.
func DefaultEstimates() map[models.Action]decimal.Decimal {
	return map[models.Action]decimal.Decimal{
		models.ActionSearch:        decimal.RequireFromString("0.005"),
		models.ActionFetchContents: decimal.RequireFromString("0.01"),
		models.ActionAsk:           decimal.RequireFromString("0.01"),
		models.ActionDeepTask:      decimal.RequireFromString("0.50"),
	}
}

// Executor drives steps to terminal status.
type Executor struct {
	research provider.Research
	tracker  *tracker.Tracker
	logger   *zap.Logger
	cfg      Config
}

// New creates an executor. A nil Estimates map gets the defaults; FanOut
// below 1 is clamped to 1.
func New(research provider.Research, tr *tracker.Tracker, logger *zap.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}
	if cfg.DeepTaskTimeout <= 0 {
		cfg.DeepTaskTimeout = 15 * time.Minute
	}
	if cfg.Estimates == nil {
		cfg.Estimates = DefaultEstimates()
	}
	return &Executor{research: research, tracker: tr, logger: logger, cfg: cfg}
}

// PhaseOutcome summarizes one executed phase.
type PhaseOutcome struct {
	BudgetExhausted bool
}

// Estimate returns the reservation estimate for a step.
func (e *Executor) Estimate(step *models.Step) decimal.Decimal {
	if est, ok := e.cfg.Estimates[step.Action]; ok {
		return est
	}
	return decimal.Zero
}

// ExecutePhase drives every step of one phase to a terminal status, with at
// most cfg.FanOut provider calls in flight. Once a reservation is refused,
// the refused step and all not-yet-issued steps of the phase are skipped.
// The returned error is non-nil only for run cancellation.
func (e *Executor) ExecutePhase(ctx context.Context, runID string, plan *models.Plan, phase models.Phase, ledger *budget.Ledger) (PhaseOutcome, error) {
	steps := plan.StepsForPhase(phase)
	if len(steps) == 0 {
		return PhaseOutcome{}, nil
	}

	// Snapshot earlier search results before any goroutine launches. Steps of
	// this phase are written by their own goroutines, so sibling steps are
	// never read mid-flight; only the ledger and the handle store are shared.
	prior := searchURLSnapshot(plan)

	var exhausted atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FanOut)

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			// Cancellation: stop issuing new steps. Already-issued steps
			// finish through the errgroup below.
			break
		}
		if exhausted.Load() {
			e.skip(step)
			continue
		}

		step := step
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if exhausted.Load() {
				e.skip(step)
				return nil
			}

			estimate := e.Estimate(step)
			if !ledger.Reserve(estimate) {
				metrics.BudgetRefusals.Inc()
				exhausted.Store(true)
				e.skip(step)
				return nil
			}

			e.runStep(gctx, runID, step, ledger, estimate, prior)
			return nil
		})
	}

	err := g.Wait()

	// Anything never issued because of cancellation stays pending and the
	// cancellation is surfaced; the engine treats it as a hard stop.
	if cerr := ctx.Err(); cerr != nil {
		return PhaseOutcome{BudgetExhausted: exhausted.Load()}, cerr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return PhaseOutcome{BudgetExhausted: exhausted.Load()}, err
	}
	return PhaseOutcome{BudgetExhausted: exhausted.Load()}, nil
}

func (e *Executor) skip(step *models.Step) {
	step.Status = models.StepSkipped
	step.FailReason = "insufficient budget"
	metrics.RecordStepMetrics(string(step.Phase), string(step.Action), string(step.Status), 0)
	e.logger.Info("step skipped",
		zap.String("step_id", step.ID),
		zap.String("reason", step.FailReason),
	)
}

// runStep performs the provider call and settles the step's cost. The step
// always leaves in a terminal status.
func (e *Executor) runStep(ctx context.Context, runID string, step *models.Step, ledger *budget.Ledger, estimate decimal.Decimal, prior []string) {
	step.Status = models.StepRunning
	start := time.Now()

	actual, result, err := e.dispatch(ctx, runID, step, estimate, prior)
	ledger.Reconcile(estimate, actual)
	step.Cost = actual

	if err != nil {
		step.Status = models.StepFailed
		step.FailReason = string(provider.KindOf(err))
		e.logger.Warn("step failed",
			zap.String("step_id", step.ID),
			zap.String("kind", step.FailReason),
			zap.Error(err),
		)
	} else {
		step.Status = models.StepCompleted
		step.Result = result
	}

	metrics.RecordStepMetrics(string(step.Phase), string(step.Action), string(step.Status), time.Since(start).Seconds())
}

// dispatch routes a step to the provider capability named by its action and
// returns (cost to charge, JSON-encoded result, error).
func (e *Executor) dispatch(ctx context.Context, runID string, step *models.Step, estimate decimal.Decimal, prior []string) (decimal.Decimal, string, error) {
	switch step.Action {
	case models.ActionSearch:
		res, err := e.research.Search(ctx, step.Params["query"], searchParams(step.Params))
		if err != nil {
			return decimal.Zero, "", err
		}
		return res.CostUSD, marshalResult(res), nil

	case models.ActionFetchContents:
		urls := capURLs(prior, step.Params["max_urls"])
		if len(urls) == 0 {
			// Nothing upstream produced URLs; the step completes empty at
			// zero cost rather than failing the run.
			return decimal.Zero, marshalResult(provider.ContentsResult{}), nil
		}
		res, err := e.research.FetchContents(ctx, urls, contentsParams(step.Params))
		if err != nil {
			return decimal.Zero, "", err
		}
		return res.CostUSD, marshalResult(res), nil

	case models.ActionAsk:
		res, err := e.research.Ask(ctx, step.Params["query"])
		if err != nil {
			return decimal.Zero, "", err
		}
		return res.CostUSD, marshalResult(res), nil

	case models.ActionDeepTask:
		return e.runDeepTask(ctx, runID, step, estimate)
	}

	return decimal.Zero, "", provider.NewError(provider.KindInvalid, "dispatch", fmt.Sprintf("unknown action %q", step.Action))
}

func (e *Executor) runDeepTask(ctx context.Context, runID string, step *models.Step, estimate decimal.Decimal) (decimal.Decimal, string, error) {
	handle, err := e.tracker.Begin(ctx, runID, step, step.Params["instructions"])
	if err != nil {
		if handle.ExternalTaskID != "" {
			// The task was created and bills even though its handle could not
			// be persisted; the reservation stands.
			return estimate, "", err
		}
		return decimal.Zero, "", err
	}

	out, err := e.tracker.Poll(ctx, handle, e.cfg.DeepTaskTimeout)
	if out.HandleRetained {
		// The external task has not been observed terminal: it may still be
		// running and billing, and its handle stays persisted for recovery.
		// The reservation stays committed until a terminal cost is observed,
		// so later work cannot re-spend money the task will consume.
		if err == nil {
			err = provider.NewError(provider.KindNetwork, "deep_task", out.Reason)
		}
		return estimate, "", err
	}
	if err != nil {
		return out.Cost, "", err
	}
	if out.State != models.TaskCompleted {
		reason := out.Reason
		if reason == "" {
			reason = string(out.State)
		}
		return out.Cost, "", provider.NewError(provider.KindNetwork, "deep_task", reason)
	}
	return out.Cost, out.Output, nil
}

// searchURLSnapshot gathers the deduped URLs of every search step already
// completed when the phase starts, in plan order. Fetch steps read only this
// snapshot, never live sibling steps.
func searchURLSnapshot(plan *models.Plan) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, s := range plan.Steps {
		if s.Action != models.ActionSearch || s.Status != models.StepCompleted || s.Result == "" {
			continue
		}
		var res provider.SearchResult
		if err := json.Unmarshal([]byte(s.Result), &res); err != nil {
			continue
		}
		for _, hit := range res.Hits {
			if hit.URL == "" || seen[hit.URL] {
				continue
			}
			seen[hit.URL] = true
			urls = append(urls, hit.URL)
		}
	}
	return urls
}

func capURLs(urls []string, param string) []string {
	max := 5
	if param != "" {
		fmt.Sscanf(param, "%d", &max)
	}
	if len(urls) > max {
		urls = urls[:max]
	}
	return urls
}

func searchParams(p map[string]string) provider.SearchParams {
	sp := provider.SearchParams{Category: p["category"], StartDate: p["start_date"]}
	fmt.Sscanf(p["num_results"], "%d", &sp.NumResults)
	return sp
}

func contentsParams(p map[string]string) provider.ContentsParams {
	cp := provider.ContentsParams{}
	fmt.Sscanf(p["max_characters"], "%d", &cp.MaxCharacters)
	return cp
}

func marshalResult(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
