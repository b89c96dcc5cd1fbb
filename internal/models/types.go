package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects how much research a run performs.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
)

// IsValid reports whether the mode is a known value.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFast, ModeStandard, ModeDeep:
		return true
	}
	return false
}

// Phase names a stage of a research plan. Phases execute strictly in order;
// steps within a phase may run with bounded fan-out.
type Phase string

const (
	PhaseBackground     Phase = "background"
	PhaseCurrentNews    Phase = "current_news"
	PhaseExpertOpinions Phase = "expert_opinions"
	PhaseDeepResearch   Phase = "deep_research"
	PhaseSynthesis      Phase = "synthesis"
)

// IsValid reports whether the phase is a known value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseBackground, PhaseCurrentNews, PhaseExpertOpinions, PhaseDeepResearch, PhaseSynthesis:
		return true
	}
	return false
}

// Action identifies the provider capability a step exercises.
type Action string

const (
	ActionSearch        Action = "search"
	ActionFetchContents Action = "fetch_contents"
	ActionAsk           Action = "ask"
	ActionDeepTask      Action = "deep_task"
)

// IsValid reports whether the action is a known value.
func (a Action) IsValid() bool {
	switch a {
	case ActionSearch, ActionFetchContents, ActionAsk, ActionDeepTask:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single step.
// pending -> running -> completed | failed | skipped.
// skipped is reachable only when the ledger refuses a reservation.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has reached a final status.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// TaskState is the lifecycle state of an external deep-research task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "canceled"
)

// Terminal reports whether the external task has finished.
func (t TaskState) Terminal() bool {
	switch t {
	case TaskCompleted, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// Impact classifies a factor's expected effect on the researched outcome.
type Impact string

const (
	ImpactUp      Impact = "up"
	ImpactDown    Impact = "down"
	ImpactUnclear Impact = "unclear"
)

// Confidence grades how well-supported an analysis is.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ResearchSubject is the thing being researched: a prediction-market question
// with its close time and current price snapshot. Supplied by the market-data
// provider and never mutated by the engine.
type ResearchSubject struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	CloseTime         time.Time       `json:"close_time"`
	MarketProbability float64         `json:"market_probability"` // 0..1 price snapshot
	Volume            decimal.Decimal `json:"volume"`
	Liquidity         decimal.Decimal `json:"liquidity"`
}

// Step is one unit of work with its own cost and status. Only the executor
// mutates a step, and only in place.
type Step struct {
	ID          string            `json:"id"`
	Phase       Phase             `json:"phase"`
	Description string            `json:"description"`
	Action      Action            `json:"action"`
	Params      map[string]string `json:"params,omitempty"`
	Status      StepStatus        `json:"status"`
	Cost        decimal.Decimal   `json:"cost"`
	Result      string            `json:"result,omitempty"`
	FailReason  string            `json:"fail_reason,omitempty"`
}

// Plan is the deterministic ordered step list for one run. Immutable after
// construction so identical inputs replay to identical plans.
type Plan struct {
	SubjectID     string          `json:"subject_id"`
	Mode          Mode            `json:"mode"`
	CreatedAt     time.Time       `json:"created_at"`
	BudgetCeiling decimal.Decimal `json:"budget_ceiling"`
	Steps         []*Step         `json:"steps"`
}

// StepsForPhase returns the plan's steps belonging to one phase, in order.
func (p *Plan) StepsForPhase(phase Phase) []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

// Phases returns the distinct phases of the plan in first-appearance order.
func (p *Plan) Phases() []Phase {
	seen := make(map[Phase]bool, len(p.Steps))
	var out []Phase
	for _, s := range p.Steps {
		if !seen[s.Phase] {
			seen[s.Phase] = true
			out = append(out, s.Phase)
		}
	}
	return out
}

// AsyncTaskHandle is the persisted record of an in-flight external task.
// It is the only state that must survive a process crash.
type AsyncTaskHandle struct {
	RunID          string    `json:"run_id" db:"run_id"`
	StepID         string    `json:"step_id" db:"step_id"`
	ExternalTaskID string    `json:"external_task_id" db:"external_task_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	Fingerprint    string    `json:"fingerprint" db:"fingerprint"`
	Status         TaskState `json:"status" db:"status"`
}

// Factor is a single cited piece of evidence. SourceURL is never empty:
// snippets without a source are dropped before a Factor is built.
type Factor struct {
	Description string `json:"description"`
	Impact      Impact `json:"impact"`
	SourceURL   string `json:"source_url"`
}

// ResearchSummary aggregates the evidence collected by a run.
type ResearchSummary struct {
	Factors         []Factor        `json:"factors"`
	Narrative       string          `json:"narrative"`
	BudgetExhausted bool            `json:"budget_exhausted"`
	TotalCost       decimal.Decimal `json:"total_cost"`
}

// AnalysisResult is the synthesized view of a subject.
type AnalysisResult struct {
	SubjectID            string     `json:"subject_id"`
	MarketProbability    float64    `json:"market_probability"`    // 0..1
	PredictedProbability float64    `json:"predicted_probability"` // 0..100
	Confidence           Confidence `json:"confidence"`
	Reasoning            string     `json:"reasoning"`
	Factors              []Factor   `json:"factors"`
	Sources              []string   `json:"sources"`
	GeneratedAt          time.Time  `json:"generated_at"`
}

// VerificationReport is the verifier's deterministic judgment of an analysis.
type VerificationReport struct {
	Passed              bool     `json:"passed"`
	Issues              []string `json:"issues"`
	SuggestedEscalation bool     `json:"suggested_escalation"`
}

// AgentRunResult is the single object returned across the system boundary.
type AgentRunResult struct {
	RunID           string             `json:"run_id"`
	Analysis        AnalysisResult     `json:"analysis"`
	Verification    VerificationReport `json:"verification"`
	ResearchSummary ResearchSummary    `json:"research_summary"`
	Escalated       bool               `json:"escalated"`
	TotalCost       decimal.Decimal    `json:"total_cost"`
}
