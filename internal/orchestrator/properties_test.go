package orchestrator

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agentsdlc/orchestrator/internal/domain"
)

// TestGroupedStepNumbersProperty verifies the scheduling invariant (spec §8):
// grouping a plan's steps, with or without a parallel_groups entry, never
// drops or duplicates a step number.
func TestGroupedStepNumbersProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every step number appears in exactly one group", prop.ForAll(
		func(n int) bool {
			if n <= 0 || n > 50 {
				return true
			}
			steps := make([]domain.PlanStep, n)
			for i := 0; i < n; i++ {
				steps[i] = domain.PlanStep{StepNumber: i + 1}
			}
			var parallelGroups [][]int
			if n >= 4 {
				parallelGroups = [][]int{{2, 3}}
			}
			plan := domain.ExecutionPlan{Steps: steps, ParallelGroups: parallelGroups}

			groups := groupedStepNumbers(plan)
			seen := map[int]int{}
			for _, g := range groups {
				for _, num := range g {
					seen[num]++
				}
			}
			if len(seen) != n {
				return false
			}
			for i := 1; i <= n; i++ {
				if seen[i] != 1 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}

// TestNextReworkStepNumberProperty verifies the reserved-range invariant
// (spec §3, §9): an injected rework step is always numbered >=
// domain.ReworkStepFloor and strictly greater than every existing step.
func TestNextReworkStepNumberProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("next rework number exceeds every existing step and the floor", prop.ForAll(
		func(numbers []int) bool {
			steps := make([]domain.PlanStep, 0, len(numbers))
			maxExisting := 0
			for _, n := range numbers {
				if n <= 0 {
					continue
				}
				steps = append(steps, domain.PlanStep{StepNumber: n})
				if n > maxExisting {
					maxExisting = n
				}
			}
			plan := domain.ExecutionPlan{Steps: steps}
			next := nextReworkStepNumber(plan)
			return next >= domain.ReworkStepFloor && next > maxExisting
		},
		gen.SliceOf(gen.IntRange(1, 2000)),
	))

	properties.TestingRun(t)
}
