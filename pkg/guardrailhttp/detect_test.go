package guardrailhttp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardrail-labs/guardrail-gateway/pkg/policy"
)

func TestRunDetectorsHonorsCELGuard(t *testing.T) {
	doc := &policy.Document{Rules: []policy.Rule{
		{ID: "long-secret", Pattern: "secret", Action: policy.ActionDeny, Guard: "request.length > 20"},
	}}
	require.NoError(t, policy.Compile(doc))

	short := runDetectors("secret", doc, nil)
	assert.Equal(t, policy.ActionRedact, short.Action, "guard should suppress the deny rule on short text")
	assert.Empty(t, short.RuleIDs)

	long := runDetectors("this is a very long secret message indeed", doc, nil)
	assert.Equal(t, policy.ActionDeny, long.Action, "guard should admit the deny rule on long text")
	assert.Contains(t, long.RuleIDs, "long-secret")
}

func TestRunDetectorsWithoutGuardMatchesUnconditionally(t *testing.T) {
	doc := &policy.Document{Rules: []policy.Rule{
		{ID: "plain-deny", Pattern: "secret", Action: policy.ActionDeny},
	}}
	require.NoError(t, policy.Compile(doc))

	result := runDetectors("secret", doc, nil)
	assert.Equal(t, policy.ActionDeny, result.Action)
	assert.Contains(t, result.RuleIDs, "plain-deny")
}
