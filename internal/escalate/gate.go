// Package escalate decides when a run's result deserves a second opinion and
// runs the supervisor's critic passes when it does.
package escalate

import (
	"fmt"
	"math"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/budget"
	"github.com/foresight-tools/foresight/internal/models"
)

// GatePolicy holds the escalation trigger thresholds.
type GatePolicy struct {
	// EVDeltaThreshold: minimum gap between predicted and market probability
	// (0..1 scale) for the expected-value trigger to fire.
	EVDeltaThreshold float64 `mapstructure:"ev_delta_threshold" yaml:"ev_delta_threshold"`
	// VolumeFloor: the EV trigger only fires on subjects with at least this
	// much traded volume, in USD.
	VolumeFloor decimal.Decimal `mapstructure:"volume_floor" yaml:"volume_floor"`
}

// DefaultGatePolicy returns the stock thresholds.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		EVDeltaThreshold: 0.15,
		VolumeFloor:      decimal.NewFromInt(10000),
	}
}

// Gate evaluates escalation triggers. Thresholds can be swapped at runtime
// by the config watcher.
type Gate struct {
	mu     sync.RWMutex
	policy GatePolicy
	logger *zap.Logger
}

// NewGate creates a gate. Non-positive thresholds fall back to defaults.
func NewGate(policy GatePolicy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultGatePolicy()
	if policy.EVDeltaThreshold <= 0 {
		policy.EVDeltaThreshold = def.EVDeltaThreshold
	}
	if policy.VolumeFloor.IsZero() || policy.VolumeFloor.IsNegative() {
		policy.VolumeFloor = def.VolumeFloor
	}
	return &Gate{policy: policy, logger: logger}
}

// SetPolicy replaces the active thresholds.
func (g *Gate) SetPolicy(p GatePolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = p
	g.logger.Info("escalation policy updated",
		zap.Float64("ev_delta_threshold", p.EVDeltaThreshold),
		zap.String("volume_floor", p.VolumeFloor.String()),
	)
}

// Policy returns the active thresholds.
func (g *Gate) Policy() GatePolicy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// ShouldEscalate evaluates the triggers. A disabled run never escalates, and
// neither does one whose budget is already spent: the run then returns its
// best current result instead of starting work it cannot pay for.
func (g *Gate) ShouldEscalate(enabled bool, report models.VerificationReport, analysis models.AnalysisResult, subject models.ResearchSubject, ledger *budget.Ledger) (bool, string) {
	if !enabled {
		return false, "escalation disabled"
	}
	if !ledger.Remaining().IsPositive() {
		return false, "budget exhausted"
	}

	if !report.Passed {
		return true, "verification_failure"
	}

	policy := g.Policy()
	delta := math.Abs(analysis.PredictedProbability/100 - analysis.MarketProbability)
	if delta >= policy.EVDeltaThreshold && subject.Volume.GreaterThanOrEqual(policy.VolumeFloor) {
		return true, fmt.Sprintf("ev_delta=%.2f", delta)
	}

	return false, "no trigger"
}
