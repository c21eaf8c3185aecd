package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// CELResultsValidator is a ResultsValidator driven by CEL rules. Each rule
// must evaluate to a bool over the variables:
//
//	study    map: id, tenant_id, status, cost_estimate_usd, cost_actual_usd
//	progress map: total, completed, failed, percent_complete,
//	              by_surface (map of surface id to {total, completed, failed, coverage})
//
// Example: `progress.failed * 10 <= progress.total`.
type CELResultsValidator struct {
	rules    []string
	programs []cel.Program
}

// NewCELResultsValidator compiles rules up front so a bad rule fails at
// startup rather than at the end of a study.
func NewCELResultsValidator(rules ...string) (*CELResultsValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("study", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("progress", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	v := &CELResultsValidator{rules: rules}
	for i, rule := range rules {
		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %d: %w", i, issues.Err())
		}
		if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %d: must evaluate to bool, got %s", i, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program rule %d: %w", i, err)
		}
		v.programs = append(v.programs, prg)
	}
	return v, nil
}

// ValidateResults fails closed: an evaluation error or non-bool result is a
// rejection.
func (v *CELResultsValidator) ValidateResults(ctx context.Context, study contracts.Study) error {
	input := celInput(study)
	for i, prg := range v.programs {
		out, _, err := prg.ContextEval(ctx, input)
		if err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, v.rules[i], err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return fmt.Errorf("rule %d (%s): non-bool result %v", i, v.rules[i], out.Value())
		}
		if !ok {
			return fmt.Errorf("rule %d violated: %s", i, v.rules[i])
		}
	}
	return nil
}

func celInput(s contracts.Study) map[string]any {
	bySurface := make(map[string]any, len(s.Progress.BySurface))
	for id, sp := range s.Progress.BySurface {
		bySurface[id] = map[string]any{
			"total":     int64(sp.Total),
			"completed": int64(sp.Completed),
			"failed":    int64(sp.Failed),
			"coverage":  sp.Coverage(),
		}
	}
	return map[string]any{
		"study": map[string]any{
			"id":                s.ID,
			"tenant_id":         s.TenantID,
			"status":            string(s.Status),
			"cost_estimate_usd": s.CostEstimateUSD,
			"cost_actual_usd":   s.CostActualUSD,
		},
		"progress": map[string]any{
			"total":            int64(s.Progress.Total),
			"completed":        int64(s.Progress.Completed),
			"failed":           int64(s.Progress.Failed),
			"percent_complete": s.Progress.PercentComplete,
			"by_surface":       bySurface,
		},
	}
}
