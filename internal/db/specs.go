package db

import (
	"encoding/json"
	"fmt"

	"github.com/shiftctl/runbookd/internal/runbook"
)

// SpecsForSteps converts a step definition list into execution creation
// specs, resolving each step's effective retry and poll config. Both the
// scheduler and the orchestrator handlers create executions from the same
// specs, so duplicate creation collapses on the table's unique index.
func SpecsForSteps(rb *runbook.Runbook, steps []runbook.StepDef) ([]ExecSpec, error) {
	specs := make([]ExecSpec, 0, len(steps))
	for i := range steps {
		st := &steps[i]
		spec := ExecSpec{
			StepName:     st.Name,
			StepIndex:    i,
			WorkerID:     st.WorkerID,
			FunctionName: st.Function,
			OnFailure:    st.OnFailure,
		}
		if len(st.OutputParams) > 0 {
			out, err := json.Marshal(st.OutputParams)
			if err != nil {
				return nil, fmt.Errorf("step %q: marshal output_params: %w", st.Name, err)
			}
			spec.OutputParamsJSON = string(out)
		}

		retry := rb.StepRetry(st)
		spec.MaxRetries = retry.MaxRetries
		if retry.Interval != "" {
			sec, err := runbook.ParseDuration(retry.Interval)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
			spec.RetryIntervalSec = sec
		}

		if st.Poll != nil {
			spec.IsPollStep = true
			interval, err := runbook.ParseDuration(st.Poll.Interval)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
			timeout, err := runbook.ParseDuration(st.Poll.Timeout)
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", st.Name, err)
			}
			spec.PollIntervalSec = interval
			spec.PollTimeoutSec = timeout
		}

		specs = append(specs, spec)
	}
	return specs, nil
}

// PhaseSpecs converts a runbook's phase definitions into phase creation
// specs with parsed offsets.
func PhaseSpecs(rb *runbook.Runbook) ([]PhaseSpec, error) {
	specs := make([]PhaseSpec, 0, len(rb.Phases))
	for i := range rb.Phases {
		ph := &rb.Phases[i]
		minutes, err := runbook.ParseOffset(ph.Offset)
		if err != nil {
			return nil, fmt.Errorf("phase %q: %w", ph.Name, err)
		}
		specs = append(specs, PhaseSpec{Name: ph.Name, OffsetMinutes: minutes})
	}
	return specs, nil
}
