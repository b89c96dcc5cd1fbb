// Package verify applies a deterministic rule set to a synthesized analysis.
// The verifier performs no I/O and never mutates its inputs; every rule runs
// even after an earlier one fails so the report lists all issues at once.
package verify

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/metrics"
	"github.com/foresight-tools/foresight/internal/models"
)

// Policy holds the tunable verification thresholds.
type Policy struct {
	// MinDistinctDomains citations required when confidence is above low.
	MinDistinctDomains int `mapstructure:"min_distinct_domains" yaml:"min_distinct_domains"`
	// MaxParrotDelta: a prediction within this distance of the market price
	// (both on the 0..1 scale) counts as parroting the market.
	MaxParrotDelta float64 `mapstructure:"max_parrot_delta" yaml:"max_parrot_delta"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{MinDistinctDomains: 2, MaxParrotDelta: 0.001}
}

// Verifier checks analyses against the current policy. The policy can be
// swapped at runtime by the config watcher.
type Verifier struct {
	mu     sync.RWMutex
	policy Policy
	logger *zap.Logger
}

// New creates a verifier. Non-positive policy fields fall back to defaults.
func New(policy Policy, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultPolicy()
	if policy.MinDistinctDomains <= 0 {
		policy.MinDistinctDomains = def.MinDistinctDomains
	}
	if policy.MaxParrotDelta <= 0 {
		policy.MaxParrotDelta = def.MaxParrotDelta
	}
	return &Verifier{policy: policy, logger: logger}
}

// SetPolicy replaces the active policy.
func (v *Verifier) SetPolicy(p Policy) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.policy = p
	v.logger.Info("verification policy updated",
		zap.Int("min_distinct_domains", p.MinDistinctDomains),
		zap.Float64("max_parrot_delta", p.MaxParrotDelta),
	)
}

// Policy returns the active policy.
func (v *Verifier) Policy() Policy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.policy
}

// Verify runs every rule and reports all failures. Any failure suggests
// escalation; whether escalation actually happens is the gate's decision.
func (v *Verifier) Verify(analysis models.AnalysisResult, summary models.ResearchSummary) models.VerificationReport {
	policy := v.Policy()
	var issues []string

	if analysis.PredictedProbability < 0 || analysis.PredictedProbability > 100 {
		issues = append(issues, fmt.Sprintf(
			"predicted probability %.2f outside [0, 100]", analysis.PredictedProbability))
	}

	factorURLs := make(map[string]bool, len(analysis.Factors))
	for _, f := range analysis.Factors {
		factorURLs[f.SourceURL] = true
	}
	for _, src := range analysis.Sources {
		if !factorURLs[src] {
			issues = append(issues, fmt.Sprintf("orphan citation %s has no backing factor", src))
		}
	}

	if analysis.Confidence != models.ConfidenceLow {
		if n := distinctDomains(analysis.Factors); n < policy.MinDistinctDomains {
			issues = append(issues, fmt.Sprintf(
				"confidence %s requires at least %d distinct source domains, found %d",
				analysis.Confidence, policy.MinDistinctDomains, n))
		}
	}

	if delta := math.Abs(analysis.PredictedProbability/100 - analysis.MarketProbability); delta <= policy.MaxParrotDelta {
		issues = append(issues, fmt.Sprintf(
			"prediction %.2f%% parrots the market price %.2f%%",
			analysis.PredictedProbability, analysis.MarketProbability*100))
	}

	report := models.VerificationReport{
		Passed:              len(issues) == 0,
		Issues:              issues,
		SuggestedEscalation: len(issues) > 0,
	}

	result := "pass"
	if !report.Passed {
		result = "fail"
		v.logger.Warn("verification failed",
			zap.String("subject_id", analysis.SubjectID),
			zap.Strings("issues", issues),
		)
	}
	metrics.Verifications.WithLabelValues(result).Inc()
	return report
}

func distinctDomains(factors []models.Factor) int {
	seen := make(map[string]bool)
	for _, f := range factors {
		u, err := url.Parse(f.SourceURL)
		if err != nil {
			continue
		}
		d := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if d != "" {
			seen[d] = true
		}
	}
	return len(seen)
}
