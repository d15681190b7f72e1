package planvalidator

import "github.com/agentsdlc/orchestrator/internal/domain"

// ConditionKind is the closed set of rule conditions (spec §4.2).
type ConditionKind string

const (
	ConditionAlways           ConditionKind = "always"
	ConditionClassificationIs ConditionKind = "classification_is"
	ConditionLabelContains    ConditionKind = "label_contains"
	ConditionFilePathMatches  ConditionKind = "file_path_matches"
	ConditionPriorityIs       ConditionKind = "priority_is"
)

// ActionKind is the closed set of rule actions (spec §4.2).
type ActionKind string

const (
	ActionRequireAgent     ActionKind = "require_agent"
	ActionRequireRole      ActionKind = "require_role"
	ActionRequireHumanGate ActionKind = "require_human_gate"
	ActionSetModel         ActionKind = "set_model"
	ActionSetBudget        ActionKind = "set_budget"
)

// Condition is a single rule condition. Exactly one of the value fields is
// meaningful for a given Kind.
type Condition struct {
	Kind           ConditionKind
	Classification string
	Label          string
	FilePathGlob   string
	Priority       string
}

// Action is a single rule action. Exactly one of the value fields is
// meaningful for a given Kind.
type Action struct {
	Kind        ActionKind
	AgentID     string
	Role        string
	Model       string
	Budget      domain.StepBudget
	GateSummary string
	GateRequired bool
}

// Rule pairs one condition with one action. Platform and project rules are
// concatenated and applied in that order (spec §4.2).
type Rule struct {
	Condition Condition
	Action    Action
}

// AgentDefinition is a known agent the Plan Validator can resolve a plan
// step's `agent` field against.
type AgentDefinition struct {
	ID   string
	Role string
}

// evaluate reports whether a rule's condition holds for the given plan and
// ticket.
func evaluate(cond Condition, plan *domain.ExecutionPlan, ticket domain.TicketDetails) (bool, error) {
	switch cond.Kind {
	case ConditionAlways:
		return true, nil
	case ConditionClassificationIs:
		return plan.Classification == cond.Classification, nil
	case ConditionLabelContains:
		for _, l := range ticket.Labels {
			if l == cond.Label {
				return true, nil
			}
		}
		return false, nil
	case ConditionFilePathMatches:
		for _, p := range ticket.FilePaths {
			ok, err := matchFilePath(cond.FilePathGlob, p)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case ConditionPriorityIs:
		return ticket.Priority == cond.Priority, nil
	default:
		return false, nil
	}
}
