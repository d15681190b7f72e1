// Package domain defines the core aggregate types of an orchestration run:
// TaskRun, ExecutionPlan/ValidatedPlan, PlanStep, StepExecution, AgentResult,
// HumanReview, and TaskEvent. The Orchestration Service owns TaskRun and its
// children exclusively; other components receive and return these types but
// never mutate a run outside the service.
package domain

import (
	"sync"
	"time"
)

// RunStatus is the coarse lifecycle state of a TaskRun.
type RunStatus string

const (
	RunPending            RunStatus = "pending"
	RunPlanning           RunStatus = "planning"
	RunExecuting          RunStatus = "executing"
	RunWaitingHumanReview RunStatus = "waiting_human_review"
	RunRework             RunStatus = "rework"
	RunCompleted          RunStatus = "completed"
	RunFailed             RunStatus = "failed"
	RunCancelled          RunStatus = "cancelled"
)

// Terminal reports whether status is one that ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// TaskRun is the aggregate for one end-to-end execution of a ticket. The
// Orchestration Service exclusively owns and mutates a TaskRun; the
// workspace it refers to is garbage-collected separately.
type TaskRun struct {
	RunID           string
	ProjectID       string
	Ticket          TicketDetails
	Plan            *ExecutionPlan
	ValidatedPlan   *ValidatedPlan
	Status          RunStatus
	Steps           []*StepExecution
	ReworkCount     int
	TotalTokensUsed int64
	TotalCostUSD    float64
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
	Error           string
	PRURL           string

	// Mu guards every field above once a run leaves planning: a parallel
	// group (spec §5) runs its members as concurrent goroutines, each able
	// to append rework steps, recalculate totals, or fail the run. The
	// Orchestration Service holds Mu for the duration of each such mutation.
	Mu sync.Mutex
}

// StepByNumber returns the step execution with the given step number, or nil.
func (r *TaskRun) StepByNumber(n int) *StepExecution {
	for _, s := range r.Steps {
		if s.StepNumber == n {
			return s
		}
	}
	return nil
}

// RecalculateTotals recomputes TotalTokensUsed and TotalCostUSD from the
// current steps. Invariant (spec §3): total_tokens_used = Σ step.tokens_used
// at every observable point.
func (r *TaskRun) RecalculateTotals() {
	var tokens int64
	var cost float64
	for _, s := range r.Steps {
		tokens += s.TokensUsed
		cost += s.CostUSD
	}
	r.TotalTokensUsed = tokens
	r.TotalCostUSD = cost
}

// TicketDetails is the collaborator contract for a normalized ticket. Ticket
// fetching from upstream issue trackers is out of scope (spec §1); this
// struct is the narrow shape the orchestrator consumes.
type TicketDetails struct {
	TicketID    string
	Title       string
	Description string
	Labels      []string
	Priority    string
	FilePaths   []string
}
