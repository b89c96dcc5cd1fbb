// Package tracker manages durable handles to long-running external research
// tasks. A handle is persisted before the first poll and deleted only on a
// terminal status, so a task that cost money to start is never lost to a
// process crash and never silently recreated.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/metrics"
	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
	"github.com/foresight-tools/foresight/internal/store"
)

// Tracker pairs the durable handle store with the research provider.
type Tracker struct {
	store    *store.Store
	research provider.Research
	logger   *zap.Logger

	// PollInterval is the delay between poll observations.
	PollInterval time.Duration
}

// New creates a tracker. The default poll interval is 15 seconds.
func New(st *store.Store, research provider.Research, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:        st,
		research:     research,
		logger:       logger,
		PollInterval: 15 * time.Second,
	}
}

// Fingerprint derives the stable identity of a task's instructions, used to
// re-find a task when the provider has lost the ID association.
func Fingerprint(instructions string) string {
	sum := sha256.Sum256([]byte(instructions))
	return hex.EncodeToString(sum[:])
}

// Begin creates the external task and persists its handle before any polling
// begins. If persistence fails the caller still receives the handle: the task
// exists and must not be abandoned untracked, so the error is surfaced
// alongside it.
func (t *Tracker) Begin(ctx context.Context, runID string, step *models.Step, instructions string) (models.AsyncTaskHandle, error) {
	ext, err := t.research.CreateDeepTask(ctx, instructions)
	if err != nil {
		return models.AsyncTaskHandle{}, fmt.Errorf("create deep task: %w", err)
	}

	handle := models.AsyncTaskHandle{
		RunID:          runID,
		StepID:         step.ID,
		ExternalTaskID: ext.ID,
		CreatedAt:      time.Now().UTC(),
		Fingerprint:    Fingerprint(instructions),
		Status:         models.TaskPending,
	}

	// Persist with a detached context: run cancellation must not prevent the
	// handle of an already-created (already paid for) task from being saved.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.store.SaveHandle(saveCtx, handle); err != nil {
		t.logger.Error("failed to persist task handle; external task is untracked",
			zap.String("external_task_id", ext.ID),
			zap.Error(err),
		)
		return handle, fmt.Errorf("persist handle for task %s: %w", ext.ID, err)
	}

	t.logger.Info("deep task started",
		zap.String("run_id", runID),
		zap.String("step_id", step.ID),
		zap.String("external_task_id", ext.ID),
	)
	return handle, nil
}

// PollOutcome is the final observation of a polled task.
type PollOutcome struct {
	State  models.TaskState
	Output string
	Cost   decimal.Decimal
	Reason string
	// HandleRetained reports that the persisted handle was kept: the task was
	// never observed terminal and may still be running (and billing).
	HandleRetained bool
}

// Poll observes the task until it reaches a terminal state or the timeout
// elapses. On timeout the persisted handle is left in place so a later
// reconciliation pass can resume it; the outcome reports a failed state with
// reason "timeout".
func (t *Tracker) Poll(ctx context.Context, handle models.AsyncTaskHandle, timeout time.Duration) (PollOutcome, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(t.PollInterval)
	defer ticker.Stop()

	for {
		status, err := t.research.PollDeepTask(ctx, handle.ExternalTaskID)
		if err != nil {
			return PollOutcome{HandleRetained: true}, fmt.Errorf("poll deep task %s: %w", handle.ExternalTaskID, err)
		}

		if status.State.Terminal() {
			if err := t.Complete(ctx, handle); err != nil {
				t.logger.Warn("failed to delete completed task handle", zap.Error(err))
			}
			return PollOutcome{State: status.State, Output: status.Output, Cost: status.CostUSD}, nil
		}

		if handle.Status != status.State {
			handle.Status = status.State
			if err := t.store.UpdateHandleStatus(ctx, handle.RunID, handle.StepID, status.State); err != nil {
				t.logger.Warn("failed to update task handle status", zap.Error(err))
			}
		}

		if time.Now().After(deadline) {
			// Handle stays persisted for out-of-band recovery.
			return PollOutcome{State: models.TaskFailed, Reason: "timeout", HandleRetained: true}, nil
		}

		select {
		case <-ctx.Done():
			// Cancellation keeps the handle: tracking outlives the run.
			return PollOutcome{State: models.TaskFailed, Reason: "canceled", HandleRetained: true}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete deletes the persisted handle once the task is terminal.
func (t *Tracker) Complete(ctx context.Context, handle models.AsyncTaskHandle) error {
	return t.store.DeleteHandle(ctx, handle.RunID, handle.StepID)
}

// Recovered describes the outcome of reconciling one orphaned handle.
type Recovered struct {
	Handle models.AsyncTaskHandle
	State  models.TaskState
	Output string
	Cost   decimal.Decimal
	Reason string
}

// ReconcileOrphans cross-references persisted handles against the provider's
// task list. Terminal tasks have their results retrieved and handles removed;
// still-running tasks keep their handles; tasks the provider cannot locate by
// ID are re-matched by instructions fingerprint and creation time before
// being declared unrecoverable. No new external task is ever created here.
func (t *Tracker) ReconcileOrphans(ctx context.Context) ([]Recovered, error) {
	open, err := t.store.ListOpenHandles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted handles: %w", err)
	}
	if len(open) == 0 {
		return nil, nil
	}

	known, err := t.research.ListDeepTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list provider tasks: %w", err)
	}

	var out []Recovered
	for _, h := range open {
		rec := t.reconcileOne(ctx, h, known)
		metrics.OrphansRecovered.WithLabelValues(string(rec.State)).Inc()
		out = append(out, rec)
	}
	return out, nil
}

func (t *Tracker) reconcileOne(ctx context.Context, h models.AsyncTaskHandle, known []provider.DeepTaskHandle) Recovered {
	logger := t.logger.With(
		zap.String("run_id", h.RunID),
		zap.String("step_id", h.StepID),
		zap.String("external_task_id", h.ExternalTaskID),
	)

	status, err := t.research.PollDeepTask(ctx, h.ExternalTaskID)
	if err != nil && errors.Is(err, provider.ErrTaskNotFound) {
		// Fall back to "most recent task matching this fingerprint created
		// after this timestamp".
		if alt, ok := t.matchByFingerprint(h, known); ok {
			logger.Info("recovered task by fingerprint match", zap.String("matched_id", alt))
			h.ExternalTaskID = alt
			status, err = t.research.PollDeepTask(ctx, h.ExternalTaskID)
		}
	}
	if err != nil {
		if errors.Is(err, provider.ErrTaskNotFound) {
			logger.Warn("orphaned task unrecoverable; marking failed")
			if derr := t.store.DeleteHandle(ctx, h.RunID, h.StepID); derr != nil {
				logger.Warn("failed to delete unrecoverable handle", zap.Error(derr))
			}
			return Recovered{Handle: h, State: models.TaskFailed, Reason: "task unrecoverable"}
		}
		// Transient provider failure: keep the handle for the next pass.
		logger.Warn("reconciliation poll failed; keeping handle", zap.Error(err))
		return Recovered{Handle: h, State: h.Status, Reason: "provider unavailable"}
	}

	if status.State.Terminal() {
		if derr := t.store.DeleteHandle(ctx, h.RunID, h.StepID); derr != nil {
			logger.Warn("failed to delete reconciled handle", zap.Error(derr))
		}
		logger.Info("recovered terminal task result", zap.String("state", string(status.State)))
		return Recovered{Handle: h, State: status.State, Output: status.Output, Cost: status.CostUSD}
	}

	// Still in flight: record the observation, keep the handle.
	if uerr := t.store.UpdateHandleStatus(ctx, h.RunID, h.StepID, status.State); uerr != nil {
		logger.Warn("failed to update reconciled handle status", zap.Error(uerr))
	}
	return Recovered{Handle: h, State: status.State, Reason: "still running"}
}

func (t *Tracker) matchByFingerprint(h models.AsyncTaskHandle, known []provider.DeepTaskHandle) (string, bool) {
	var bestID string
	var bestAt time.Time
	for _, k := range known {
		if k.Instructions == "" || Fingerprint(k.Instructions) != h.Fingerprint {
			continue
		}
		// Small clock-skew allowance on the creation cutoff.
		if k.CreatedAt.Before(h.CreatedAt.Add(-time.Minute)) {
			continue
		}
		if k.CreatedAt.After(bestAt) {
			bestAt = k.CreatedAt
			bestID = k.ID
		}
	}
	return bestID, bestID != ""
}
