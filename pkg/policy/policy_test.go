package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergedPolicyVersionDeterminism(t *testing.T) {
	a := Pack{Name: "a", Rules: []Rule{{ID: "r1", Pattern: "foo", Action: ActionRedact}}}
	b := Pack{Name: "b", Rules: []Rule{{ID: "r2", Pattern: "bar", Action: ActionDeny}}}

	_, v1, err := MergedPolicy([]Pack{a, b})
	require.NoError(t, err)
	_, v2, err := MergedPolicy([]Pack{a, b})
	require.NoError(t, err)
	assert.Equal(t, v1, v2, "identical pack order must produce identical version")

	_, v3, err := MergedPolicy([]Pack{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, v1, v3, "reordering packs must change the version")
}

func TestMergedPolicyRejectsDuplicateRuleIDs(t *testing.T) {
	a := Pack{Name: "a", Rules: []Rule{{ID: "dup", Pattern: "foo", Action: ActionRedact}}}
	b := Pack{Name: "b", Rules: []Rule{{ID: "dup", Pattern: "bar", Action: ActionDeny}}}
	_, _, err := MergedPolicy([]Pack{a, b})
	assert.Error(t, err)
}

func TestRuleGuardCompilesAndEvaluates(t *testing.T) {
	doc := Document{Rules: []Rule{
		{ID: "long-only", Pattern: "secret", Action: ActionDeny, Guard: `request.length > 10`},
	}}
	require.NoError(t, Compile(&doc))

	prg := doc.Rules[0].GuardProgram()
	require.NotNil(t, prg)

	ok, err := EvalGuard(prg, map[string]interface{}{"length": 20})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvalGuard(prg, map[string]interface{}{"length": 2})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRuleWithoutGuardAlwaysPasses(t *testing.T) {
	doc := Document{Rules: []Rule{{ID: "plain", Pattern: "secret", Action: ActionDeny}}}
	require.NoError(t, Compile(&doc))
	assert.Nil(t, doc.Rules[0].GuardProgram())

	ok, err := EvalGuard(doc.Rules[0].GuardProgram(), map[string]interface{}{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompileRejectsBadGuardExpression(t *testing.T) {
	doc := Document{Rules: []Rule{
		{ID: "bad-guard", Pattern: "secret", Action: ActionDeny, Guard: "request.("},
	}}
	err := Compile(&doc)
	assert.Error(t, err)
}

func TestValidateFlagsBadGuardAsError(t *testing.T) {
	yamlText := []byte("name: p1\nrules:\n  - id: r1\n    pattern: foo\n    action: deny\n    guard: \"request.(\"\n")
	result := Validate(context.Background(), yamlText)
	assert.Equal(t, StatusFail, result.Status)
	var found bool
	for _, iss := range result.Issues {
		if iss.Code == "bad_guard" {
			found = true
		}
	}
	assert.True(t, found, "expected a bad_guard issue, got %+v", result.Issues)
}
