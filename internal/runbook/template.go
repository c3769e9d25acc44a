package runbook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/shiftctl/runbookd/internal/errors"
)

// Special variables bound for every resolution scope.
const (
	VarBatchID        = "_batch_id"
	VarBatchStartTime = "_batch_start_time"
)

// varPattern matches {{name}} placeholders: ASCII identifiers, no whitespace.
var varPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Vars is a variable dictionary for template resolution.
type Vars map[string]string

// SpecialVars binds the variables available in every scope.
func SpecialVars(batchID int64, batchStartTime time.Time) Vars {
	return Vars{
		VarBatchID:        fmt.Sprintf("%d", batchID),
		VarBatchStartTime: batchStartTime.UTC().Format(time.RFC3339),
	}
}

// MemberVars binds the special variables plus every key of the member's data
// snapshot and accumulated worker data. Worker data overrides the snapshot on
// key collision.
func MemberVars(batchID int64, batchStartTime time.Time, dataJSON, workerDataJSON string) (Vars, error) {
	vars := SpecialVars(batchID, batchStartTime)
	if err := bindJSON(vars, dataJSON); err != nil {
		return nil, fmt.Errorf("member data: %w", err)
	}
	if err := bindJSON(vars, workerDataJSON); err != nil {
		return nil, fmt.Errorf("member worker data: %w", err)
	}
	return vars, nil
}

// bindJSON merges a JSON object's keys into vars, stringifying non-string values.
func bindJSON(vars Vars, raw string) error {
	if raw == "" || raw == "null" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return err
	}
	for k, v := range obj {
		vars[k] = stringify(v)
	}
	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Resolve replaces every {{name}} placeholder in the template with its value
// from vars. It never leaves a placeholder unreplaced: any unresolved name
// fails the whole resolution with the full list of missing variables.
func Resolve(template string, vars Vars) (string, error) {
	missing := map[string]bool{}
	out := varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		missing[name] = true
		return match
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return "", errors.ErrTemplateUnresolved(names)
	}
	return out, nil
}

// ResolveParams resolves every value of a step's params map with the given
// variables. Unresolved names across all params are reported together.
func ResolveParams(params map[string]string, vars Vars) (map[string]string, error) {
	resolved := make(map[string]string, len(params))
	missing := map[string]bool{}
	for key, tmpl := range params {
		unresolved := unresolvedNames(tmpl, vars)
		if len(unresolved) > 0 {
			for _, name := range unresolved {
				missing[name] = true
			}
			continue
		}
		value, err := Resolve(tmpl, vars)
		if err != nil {
			return nil, err
		}
		resolved[key] = value
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, errors.ErrTemplateUnresolved(names)
	}
	return resolved, nil
}

// ResolveInitParams resolves params with only the special variables bound.
// Init steps are batch-scoped and have no member data.
func ResolveInitParams(params map[string]string, batchID int64, batchStartTime time.Time) (map[string]string, error) {
	return ResolveParams(params, SpecialVars(batchID, batchStartTime))
}

// unresolvedNames returns the placeholder names in template missing from vars.
func unresolvedNames(template string, vars Vars) []string {
	var names []string
	for _, m := range varPattern.FindAllStringSubmatch(template, -1) {
		if _, ok := vars[m[1]]; !ok {
			names = append(names, m[1])
		}
	}
	return names
}
