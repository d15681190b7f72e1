package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentsdlc/orchestrator/internal/domain"
	"github.com/agentsdlc/orchestrator/internal/telemetry"
)

// breakerManager keys one gobreaker.CircuitBreaker per (project_id,
// runtime_name) pair, so a crash-looping runtime binary trips open and
// fails subsequent steps fast with a KindRuntimeInvocation error rather
// than retrying a dead subprocess once per plan step (SPEC_FULL.md §11.6).
//
// A parallel step group (spec §5) calls execute from sibling goroutines, so
// the lazily-populated breakers map needs its own lock distinct from any
// individual breaker's internal synchronization.
type breakerManager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

func newBreakerManager(logger telemetry.Logger, metrics telemetry.Metrics) *breakerManager {
	return &breakerManager{breakers: map[string]*gobreaker.CircuitBreaker[any]{}, logger: logger, metrics: metrics}
}

func breakerKey(projectID, runtimeName string) string {
	return projectID + "/" + runtimeName
}

func (m *breakerManager) get(projectID, runtimeName string) *gobreaker.CircuitBreaker[any] {
	key := breakerKey(projectID, runtimeName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[key]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.metrics != nil {
				m.metrics.IncCounter("runner.breaker.state_change", 1, "breaker", name, "to", to.String())
			}
			if m.logger != nil {
				m.logger.Warn(context.Background(), "runtime circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
	m.breakers[key] = b
	return b
}

// execute runs fn through the named breaker, translating an open-breaker
// rejection into a RunError tagged KindRuntimeInvocation.
func (m *breakerManager) execute(projectID, runtimeName string, fn func() (any, error)) (any, error) {
	b := m.get(projectID, runtimeName)
	result, err := b.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, domain.WrapRunError(domain.KindRuntimeInvocation, fmt.Sprintf("runtime %q circuit open for project %q", runtimeName, projectID), err)
	}
	return result, err
}
