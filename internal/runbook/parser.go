package runbook

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shiftctl/runbookd/internal/errors"
)

// Parse consumes a runbook YAML document and returns a validated definition.
// Unknown keys are rejected; the grammar is a closed set. Validation collects
// every problem before failing, so a single publish surfaces the full list.
func Parse(data []byte) (*Runbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rb Runbook
	if err := dec.Decode(&rb); err != nil {
		return nil, errors.ErrRunbookInvalid(rb.Name, []string{fmt.Sprintf("yaml: %v", err)})
	}

	if problems := Validate(&rb); len(problems) > 0 {
		return nil, errors.ErrRunbookInvalid(rb.Name, problems)
	}
	return &rb, nil
}

// Validate checks a runbook definition and returns every problem found.
// It is pure: no I/O, no store access.
func Validate(rb *Runbook) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(rb.Name) == "" {
		fail("name is required")
	}

	ds := &rb.DataSource
	switch ds.Type {
	case SourceDataverse:
	case SourceDatabricks:
		if ds.WarehouseID == "" {
			fail("data_source: databricks requires warehouse_id")
		}
	default:
		fail("data_source.type must be %q or %q (got %q)", SourceDataverse, SourceDatabricks, ds.Type)
	}
	if ds.Connection == "" {
		fail("data_source.connection is required")
	}
	if strings.TrimSpace(ds.Query) == "" {
		fail("data_source.query is required")
	}
	if ds.PrimaryKey == "" {
		fail("data_source.primary_key is required")
	}

	hasColumn := ds.BatchTimeColumn != ""
	hasImmediate := ds.BatchTime != ""
	switch {
	case hasColumn && hasImmediate:
		fail("data_source: batch_time_column and batch_time are mutually exclusive")
	case !hasColumn && !hasImmediate:
		fail("data_source: exactly one of batch_time_column or batch_time is required")
	case hasImmediate && ds.BatchTime != BatchTimeImmediate:
		fail("data_source.batch_time must be %q (got %q)", BatchTimeImmediate, ds.BatchTime)
	}

	for _, mv := range ds.MultiValuedColumns {
		if mv.Name == "" {
			fail("multi_valued_columns: name is required")
		}
		switch mv.Format {
		case FormatSemicolonDelimited, FormatCommaDelimited, FormatJSONArray:
		default:
			fail("multi_valued_columns %q: unknown format %q", mv.Name, mv.Format)
		}
	}

	if len(rb.Phases) == 0 {
		fail("at least one phase is required")
	}
	phaseNames := make(map[string]bool, len(rb.Phases))
	for i := range rb.Phases {
		ph := &rb.Phases[i]
		where := fmt.Sprintf("phase %q", ph.Name)
		if ph.Name == "" {
			where = fmt.Sprintf("phase[%d]", i)
			fail("%s: name is required", where)
		} else if phaseNames[ph.Name] {
			fail("duplicate phase name %q", ph.Name)
		}
		phaseNames[ph.Name] = true

		if _, err := ParseOffset(ph.Offset); err != nil {
			fail("%s: %v", where, err)
		}
		if len(ph.Steps) == 0 {
			fail("%s: at least one step is required", where)
		}
		stepNames := make(map[string]bool, len(ph.Steps))
		for j := range ph.Steps {
			st := &ph.Steps[j]
			if st.Name != "" && stepNames[st.Name] {
				fail("%s: duplicate step name %q", where, st.Name)
			}
			stepNames[st.Name] = true
			problems = append(problems, validateStep(rb, st, fmt.Sprintf("%s step %q", where, st.Name))...)
		}
	}

	for i := range rb.Init {
		st := &rb.Init[i]
		problems = append(problems, validateStep(rb, st, fmt.Sprintf("init step %q", st.Name))...)
	}
	for i := range rb.OnMemberRemoved {
		st := &rb.OnMemberRemoved[i]
		problems = append(problems, validateStep(rb, st, fmt.Sprintf("on_member_removed step %q", st.Name))...)
	}
	for name, steps := range rb.Rollbacks {
		for i := range steps {
			st := &steps[i]
			problems = append(problems, validateStep(rb, st, fmt.Sprintf("rollback %q step %q", name, st.Name))...)
		}
	}

	if rb.Retry != nil {
		if _, err := ParseDuration(rb.Retry.Interval); err != nil {
			fail("retry: %v", err)
		}
	}

	return problems
}

// validateStep checks a single step definition. The rollback reference check
// runs against the runbook's rollbacks map, so rollback steps themselves may
// chain on_failure to another named sequence.
func validateStep(rb *Runbook, st *StepDef, where string) []string {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if st.Name == "" {
		fail("%s: name is required", where)
	}
	if st.WorkerID == "" {
		fail("%s: worker_id is required", where)
	}
	if st.Function == "" {
		fail("%s: function is required", where)
	}

	if err := checkBraces(st.Function); err != nil {
		fail("%s function: %v", where, err)
	}
	for key, val := range st.Params {
		if err := checkBraces(val); err != nil {
			fail("%s param %q: %v", where, key, err)
		}
	}

	if st.OnFailure != "" {
		if _, ok := rb.Rollbacks[st.OnFailure]; !ok {
			fail("%s: on_failure references undefined rollback %q", where, st.OnFailure)
		}
	}

	if st.Poll != nil {
		if _, err := ParseDuration(st.Poll.Interval); err != nil {
			fail("%s poll interval: %v", where, err)
		}
		if _, err := ParseDuration(st.Poll.Timeout); err != nil {
			fail("%s poll timeout: %v", where, err)
		}
	}
	if st.Retry != nil {
		if _, err := ParseDuration(st.Retry.Interval); err != nil {
			fail("%s retry interval: %v", where, err)
		}
	}

	return problems
}

// checkBraces verifies that {{ and }} pairs in a template string are balanced
// and properly ordered.
func checkBraces(s string) error {
	depth := 0
	for i := 0; i+1 < len(s); i++ {
		switch s[i : i+2] {
		case "{{":
			if depth > 0 {
				return fmt.Errorf("nested {{ at offset %d", i)
			}
			depth++
			i++
		case "}}":
			if depth == 0 {
				return fmt.Errorf("unmatched }} at offset %d", i)
			}
			depth--
			i++
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced {{...}} braces")
	}
	return nil
}
