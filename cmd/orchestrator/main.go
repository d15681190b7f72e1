// Command orchestrator drives one run of the Orchestration Service end to
// end: load config, build the agent catalog and runtime adapters it names,
// and execute a single ticket through plan -> execute -> rework -> finalize.
// Config loading and ticket-tracker integration are deliberately thin here
// (spec §1 Non-goals); this binary exists to exercise the core, not to be a
// full operator-facing CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentsdlc/orchestrator/internal/config"
	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/eventstore"
	"github.com/agentsdlc/orchestrator/internal/eventstore/mongomirror"
	"github.com/agentsdlc/orchestrator/internal/gitmanager"
	"github.com/agentsdlc/orchestrator/internal/orchestrator"
	"github.com/agentsdlc/orchestrator/internal/planvalidator"
	"github.com/agentsdlc/orchestrator/internal/policy"
	"github.com/agentsdlc/orchestrator/internal/runner"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter/bedrock"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter/claude"
	"github.com/agentsdlc/orchestrator/internal/runtimeadapter/codex"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
	"github.com/agentsdlc/orchestrator/internal/workspace"
)

// canonicalRoles seeds the Plan Validator's known-agent set from the
// canonical role ordering (spec §4.2, §9): one agent id per role, id ==
// role. Projects that need additional or renamed agents configure their own
// via agent_catalog; this is the floor every project gets for free.
var canonicalRoles = []string{
	"product", "architect", "ui-ux", "developer", "code-review", "qa", "security", "devops",
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to run config YAML")
	projectID := flag.String("project", "", "project id")
	runtimeName := flag.String("runtime", "claude", "runtime adapter to use: claude, codex, or bedrock")
	ticketID := flag.String("ticket-id", "", "ticket id")
	ticketTitle := flag.String("ticket-title", "", "ticket title")
	ticketDesc := flag.String("ticket-description", "", "ticket description")
	ticketLabels := flag.String("ticket-labels", "", "comma-separated ticket labels")
	ticketPriority := flag.String("ticket-priority", "", "ticket priority")
	flag.Parse()

	if *configPath == "" || *projectID == "" || *ticketID == "" {
		fmt.Fprintln(os.Stderr, "usage: orchestrator -config <path> -project <id> -ticket-id <id> [flags]")
		return 2
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: reading config: %v\n", err)
		return 2
	}
	cfg, err := config.Load(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return 2
	}

	logger := telemetry.NewNoopLogger()
	metrics := telemetry.NewNoopMetrics()

	svc, err := buildService(cfg, *projectID, *runtimeName, logger, metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		return 2
	}

	ticket := domain.TicketDetails{
		TicketID:    *ticketID,
		Title:       *ticketTitle,
		Description: *ticketDesc,
		Priority:    *ticketPriority,
	}
	if *ticketLabels != "" {
		ticket.Labels = strings.Split(*ticketLabels, ",")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := svc.Run(ctx, orchestrator.RunRequest{ProjectID: *projectID, Ticket: ticket})
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: run failed to start: %v\n", err)
		if kind, ok := domain.KindOf(err); ok && (kind == domain.KindConfiguration || kind == domain.KindPlanIntegrity) {
			return 2
		}
		return 1
	}

	fmt.Printf("run %s finished with status %s\n", result.RunID, result.Status)
	if result.Status != domain.RunCompleted {
		if result.Error != "" {
			fmt.Fprintln(os.Stderr, result.Error)
		}
		return 1
	}
	return 0
}

func buildService(cfg config.RunConfig, projectID, runtimeName string, logger telemetry.Logger, metrics telemetry.Metrics) (*orchestrator.Service, error) {
	agents := map[string]planvalidator.AgentDefinition{}
	for _, role := range canonicalRoles {
		agents[role] = planvalidator.AgentDefinition{ID: role, Role: role}
	}

	platformRules, err := config.BuildRules(cfg.PlatformRules)
	if err != nil {
		return nil, err
	}
	projectRules, err := config.BuildRules(cfg.ProjectRules[projectID])
	if err != nil {
		return nil, err
	}

	validator := planvalidator.New(platformRules, projectRules, agents, cfg.AgentCatalog[projectID], logger)

	rt, err := buildRuntime(cfg, runtimeName)
	if err != nil {
		return nil, err
	}

	storeOpts, err := eventStoreOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &orchestrator.Service{
		Validator:             validator,
		Runner:                runner.New(logger, metrics),
		Runtimes:              map[string]runtimeadapter.Runtime{runtimeName: rt},
		Workspace:             newWorkspaceManager(cfg),
		Git:                   gitmanager.New(logger),
		Events:                eventstore.New(logger, storeOpts...),
		Policy:                policy.New(policy.Options{PerTaskMaxCostUSD: cfg.PerTaskMaxCostUSD, PerTaskMaxTokens: cfg.PerTaskMaxTokens, MaxReworkCycles: cfg.MaxReworkCycles}),
		DefaultRuntime:        runtimeName,
		PlannerAgent:          "product",
		StepTimeout:           resolveTimeout(cfg, runtimeName),
		HumanGatePollInterval: cfg.HumanGatePollInterval(),
	}, nil
}

// eventStoreOptions builds the eventstore.Store options for the optional
// Mongo mirror (SPEC_FULL.md §11.3): out-of-process dashboards read the
// mirrored collection while the JSONL append path stays the durable source
// of truth.
func eventStoreOptions(cfg config.RunConfig, logger telemetry.Logger) ([]eventstore.Option, error) {
	if cfg.Mongo == nil || cfg.Mongo.URI == "" {
		return nil, nil
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, domain.WrapRunError(domain.KindConfiguration, "connecting to mongo mirror", err)
	}
	mirror, err := mongomirror.New(mongomirror.Options{
		Client:     client,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
		Logger:     logger,
	})
	if err != nil {
		return nil, domain.WrapRunError(domain.KindConfiguration, "starting mongo mirror", err)
	}
	return []eventstore.Option{eventstore.WithMirror(mirror)}, nil
}

func newWorkspaceManager(cfg config.RunConfig) *workspace.Manager {
	base := cfg.WorkspaceBase
	if base == "" {
		base = os.TempDir()
	}
	return workspace.New(base)
}

func buildRuntime(cfg config.RunConfig, runtimeName string) (runtimeadapter.Runtime, error) {
	rc, ok := cfg.Runtimes[runtimeName]
	if !ok || rc.Executable == "" {
		return nil, domain.RunErrorf(domain.KindConfiguration, "no runtime configured for %q", runtimeName)
	}
	switch runtimeName {
	case "claude":
		return claude.New(rc.Executable), nil
	case "codex":
		return codex.New(rc.Executable), nil
	case "bedrock":
		return bedrock.New(rc.Executable), nil
	default:
		return nil, domain.RunErrorf(domain.KindConfiguration, "unknown runtime %q", runtimeName)
	}
}

func resolveTimeout(cfg config.RunConfig, runtimeName string) time.Duration {
	rc, ok := cfg.Runtimes[runtimeName]
	if !ok || rc.TimeoutSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(rc.TimeoutSec * float64(time.Second))
}
