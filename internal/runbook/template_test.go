package runbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftctl/runbookd/internal/errors"
)

var anchor = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

func TestSpecialVars(t *testing.T) {
	vars := SpecialVars(42, anchor)
	assert.Equal(t, "42", vars[VarBatchID])
	assert.Equal(t, "2025-03-15T00:00:00Z", vars[VarBatchStartTime])
}

func TestMemberVarsWorkerDataOverrides(t *testing.T) {
	vars, err := MemberVars(7, anchor,
		`{"uid":"u1","region":"emea","quota":25}`,
		`{"region":"apac","move_request_id":"req-9"}`)
	require.NoError(t, err)

	assert.Equal(t, "u1", vars["uid"])
	assert.Equal(t, "apac", vars["region"], "worker data wins on collision")
	assert.Equal(t, "25", vars["quota"])
	assert.Equal(t, "req-9", vars["move_request_id"])
	assert.Equal(t, "7", vars[VarBatchID])
}

func TestMemberVarsEmptyWorkerData(t *testing.T) {
	vars, err := MemberVars(1, anchor, `{"uid":"u1"}`, "")
	require.NoError(t, err)
	assert.Equal(t, "u1", vars["uid"])
}

func TestResolve(t *testing.T) {
	vars := Vars{"uid": "u1", "_batch_id": "3"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"single", "move {{uid}}", "move u1"},
		{"repeated", "{{uid}}-{{uid}}", "u1-u1"},
		{"mixed", "batch {{_batch_id}} user {{uid}}", "batch 3 user u1"},
		{"no placeholders", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.template, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveUnresolvedListsAllNames(t *testing.T) {
	_, err := Resolve("{{a}} {{b}} {{a}}", Vars{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTemplateUnresolved, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "a, b")
}

// Resolving an already-resolved string is a no-op.
func TestResolveIdempotent(t *testing.T) {
	vars := Vars{"uid": "u1"}
	once, err := Resolve("move {{uid}}", vars)
	require.NoError(t, err)

	twice, err := Resolve(once, vars)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestResolveParams(t *testing.T) {
	vars := Vars{"uid": "u1", "upn": "u1@contoso.com"}
	resolved, err := ResolveParams(map[string]string{
		"user": "{{uid}}",
		"mail": "{{upn}}",
		"mode": "full",
	}, vars)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"user": "u1",
		"mail": "u1@contoso.com",
		"mode": "full",
	}, resolved)
}

func TestResolveParamsAggregatesMissing(t *testing.T) {
	_, err := ResolveParams(map[string]string{
		"a": "{{missing_one}}",
		"b": "{{missing_two}} and {{missing_one}}",
	}, Vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_one")
	assert.Contains(t, err.Error(), "missing_two")
}

func TestResolveInitParams(t *testing.T) {
	resolved, err := ResolveInitParams(map[string]string{
		"batch": "{{_batch_id}}",
		"start": "{{_batch_start_time}}",
	}, 11, anchor)
	require.NoError(t, err)

	assert.Equal(t, "11", resolved["batch"])
	assert.Equal(t, "2025-03-15T00:00:00Z", resolved["start"])

	// Member data is not in scope for init steps.
	_, err = ResolveInitParams(map[string]string{"user": "{{uid}}"}, 11, anchor)
	assert.Error(t, err)
}
