// Package ticket defines the narrow collaborator contract the orchestrator
// consumes for a normalized engineering ticket. Fetching tickets from an
// upstream issue tracker is out of scope (spec §1); callers construct a
// domain.TicketDetails from whatever tracker they integrate with and pass
// it in.
package ticket

import "github.com/agentsdlc/orchestrator/internal/domain"

// Source resolves a ticket id to its normalized details. Implementations
// live outside this module. Nothing in this module calls it: the
// Orchestration Service takes a domain.TicketDetails directly in its
// RunRequest.
type Source interface {
	Get(ticketID string) (domain.TicketDetails, error)
}
