package domain

import "time"

// StepStatus is the lifecycle state of a single StepExecution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepNeedsRework StepStatus = "needs_rework"
	StepSkipped     StepStatus = "skipped"
)

// StepExecution tracks the runtime state of one plan step within a run.
// Invariant (spec §3): Status == running iff StartedAt is set and
// CompletedAt is unset.
type StepExecution struct {
	StepNumber  int
	Agent       string
	Status      StepStatus
	ContainerID string
	TokensUsed  int64
	CostUSD     float64
	StartedAt   time.Time
	CompletedAt time.Time
	Result      *AgentResult
	ReworkCount int
}

// MarkRunning transitions the step into the running state.
func (s *StepExecution) MarkRunning(now time.Time) {
	s.Status = StepRunning
	s.StartedAt = now
	s.CompletedAt = time.Time{}
}

// MarkTerminal transitions the step into a terminal status and records the
// completion timestamp.
func (s *StepExecution) MarkTerminal(status StepStatus, now time.Time) {
	s.Status = status
	s.CompletedAt = now
}

// AgentResultStatus is the outcome a step's agent reports.
type AgentResultStatus string

const (
	AgentComplete     AgentResultStatus = "complete"
	AgentNeedsRework  AgentResultStatus = "needs_rework"
	AgentBlocked      AgentResultStatus = "blocked"
	AgentFailed       AgentResultStatus = "failed"
)

// AgentResult is the structured result an agent writes at the end of a step
// (spec §4.3, §6).
type AgentResult struct {
	Status            AgentResultStatus `json:"status"`
	Summary           string            `json:"summary"`
	ArtifactsCreated  []string          `json:"artifacts_created"`
	ArtifactsModified []string          `json:"artifacts_modified"`
	Issues            []string          `json:"issues"`
	ReworkReason      string            `json:"rework_reason,omitempty"`
	ReworkTarget      string            `json:"rework_target,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// HumanReviewStatus is the lifecycle state of a human gate decision.
type HumanReviewStatus string

const (
	ReviewPending  HumanReviewStatus = "pending"
	ReviewApproved HumanReviewStatus = "approved"
	ReviewRejected HumanReviewStatus = "rejected"
)

// HumanReview is a pending or decided human-gate record, persisted as two
// files under <workspace>/.agentsdlc/reviews/ (spec §3, §6).
type HumanReview struct {
	ReviewID          string
	RunID             string
	AfterStep         int
	Status            HumanReviewStatus
	Summary           string
	ArtifactsToReview []string
	ReviewerFeedback  string
	DecidedAt         time.Time
}

// DecisionFile is the on-disk shape of <review_id>.decision.json.
type DecisionFile struct {
	Status           HumanReviewStatus `json:"status"`
	ReviewerFeedback string            `json:"reviewer_feedback"`
	DecidedAt        string            `json:"decided_at"`
}
