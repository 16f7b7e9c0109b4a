package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emailBinding(treatment ResultTreatment) *AgentTool {
	return &AgentTool{ID: "at-1", AgentID: "agent-1", ToolName: "gmail__getEmails", ToolResultTreatment: treatment}
}

func TestEvaluateTrust_BlockWinsOverTrust(t *testing.T) {
	output := ParseToolOutput(`{"emails":[{"from":"a@corp.com"},{"from":"x@hacker.com"}]}`)
	policies := []TrustedDataPolicy{
		{AttributePath: "emails[*].from", Operator: OpEndsWith, Value: "@corp.com", Action: ActionMarkAsTrusted},
		{AttributePath: "emails[*].from", Operator: OpContains, Value: "hacker", Action: ActionBlockAlways},
	}
	res := EvaluateTrust(emailBinding(TreatTrusted), policies, output)
	assert.True(t, res.IsBlocked)
	assert.False(t, res.IsTrusted)
	assert.Equal(t, "blocked", res.Decision())
}

func TestEvaluateTrust_AllValuesMustMatch(t *testing.T) {
	policies := []TrustedDataPolicy{
		{AttributePath: "emails[*].from", Operator: OpEndsWith, Value: "@corp.com", Action: ActionMarkAsTrusted},
	}

	mixed := ParseToolOutput(`{"emails":[{"from":"a@corp.com"},{"from":"b@other.com"}]}`)
	res := EvaluateTrust(emailBinding(TreatUntrusted), policies, mixed)
	assert.False(t, res.IsTrusted)
	assert.False(t, res.IsBlocked)

	all := ParseToolOutput(`{"emails":[{"from":"a@corp.com"},{"from":"b@corp.com"}]}`)
	res = EvaluateTrust(emailBinding(TreatUntrusted), policies, all)
	assert.True(t, res.IsTrusted)
	assert.Contains(t, res.Reason, "trusted by policy")
}

func TestEvaluateTrust_EmptyExtractionNeverMatches(t *testing.T) {
	policies := []TrustedDataPolicy{
		{AttributePath: "emails[*].from", Operator: OpNotContains, Value: "evil", Action: ActionMarkAsTrusted},
	}
	res := EvaluateTrust(emailBinding(TreatUntrusted), policies, ParseToolOutput(`{"emails":[]}`))
	assert.False(t, res.IsTrusted)
	assert.Equal(t, "untrusted", res.Decision())
}

func TestEvaluateTrust_FirstMatchWins(t *testing.T) {
	output := ParseToolOutput(`{"source":"internal"}`)
	policies := []TrustedDataPolicy{
		{AttributePath: "source", Operator: OpEqual, Value: "internal", Action: ActionSanitizeWithDual},
		{AttributePath: "source", Operator: OpEqual, Value: "internal", Action: ActionMarkAsTrusted},
	}
	res := EvaluateTrust(emailBinding(TreatUntrusted), policies, output)
	assert.True(t, res.ShouldSanitize)
	assert.False(t, res.IsTrusted)
}

func TestEvaluateTrust_FallsBackToTreatment(t *testing.T) {
	output := ParseToolOutput(`{"x":1}`)
	assert.True(t, EvaluateTrust(emailBinding(TreatTrusted), nil, output).IsTrusted)
	assert.True(t, EvaluateTrust(emailBinding(TreatSanitizeDual), nil, output).ShouldSanitize)
	res := EvaluateTrust(emailBinding(TreatUntrusted), nil, output)
	assert.False(t, res.IsTrusted)
	assert.False(t, res.ShouldSanitize)
}

func TestEvaluateTrust_NotRegistered(t *testing.T) {
	res := EvaluateTrust(nil, nil, ParseToolOutput(`{"x":1}`))
	assert.False(t, res.IsTrusted)
	assert.Contains(t, res.Reason, "not registered")
}

func TestEvaluateTrust_MalformedPathIsNotAnError(t *testing.T) {
	policies := []TrustedDataPolicy{
		{AttributePath: "emails[*.from", Operator: OpContains, Value: "x", Action: ActionBlockAlways},
	}
	res := EvaluateTrust(emailBinding(TreatTrusted), policies, ParseToolOutput(`{"emails":[{"from":"x"}]}`))
	assert.False(t, res.IsBlocked)
	assert.True(t, res.IsTrusted)
}

func TestParseToolOutput(t *testing.T) {
	wrapped := ParseToolOutput(`{"value":{"from":"a@corp.com"},"meta":1}`)
	assert.True(t, wrapped.Wrapped)
	assert.Equal(t, map[string]any{"from": "a@corp.com"}, wrapped.Value)

	nullValue := ParseToolOutput(`{"value":null,"from":"x"}`)
	assert.False(t, nullValue.Wrapped)
	assert.Equal(t, "x", nullValue.Value.(map[string]any)["from"])

	text := ParseToolOutput("plain text result")
	assert.Equal(t, "plain text result", text.Value)
}

func TestTrustEvaluator_Evaluate(t *testing.T) {
	src := newMemSource(*emailBinding(TreatUntrusted))
	src.trusted["at-1"] = []TrustedDataPolicy{
		{AttributePath: "from", Operator: OpEndsWith, Value: "@corp.com", Action: ActionMarkAsTrusted},
	}
	ev := NewTrustEvaluator(src)

	res, err := ev.Evaluate(context.Background(), "agent-1", "getEmails", ParseToolOutput(`{"value":{"from":"a@corp.com"}}`))
	require.NoError(t, err)
	assert.True(t, res.IsTrusted)

	res, err = ev.Evaluate(context.Background(), "agent-2", "getEmails", ParseToolOutput(`{"from":"a@corp.com"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Reason, "not registered")

	src.err = errSourceDown
	_, err = ev.Evaluate(context.Background(), "agent-1", "getEmails", ParseToolOutput(`{}`))
	require.ErrorIs(t, err, errSourceDown)
}

func TestTrustEvaluator_SameInputSameResult(t *testing.T) {
	src := newMemSource(*emailBinding(TreatSanitizeDual))
	src.trusted["at-1"] = []TrustedDataPolicy{
		{AttributePath: "emails[*].body", Operator: OpContains, Value: "wire", Action: ActionBlockAlways},
		{AttributePath: "emails[*].from", Operator: OpEndsWith, Value: "@corp.com", Action: ActionMarkAsTrusted},
	}
	ev := NewTrustEvaluator(src)

	for _, raw := range []string{
		`{"emails":[{"from":"a@corp.com","body":"hi"}]}`,
		`{"emails":[{"from":"x@evil.com","body":"wire it"}]}`,
		`{"emails":[{"from":"x@evil.com","body":"hello"}]}`,
		`not json`,
	} {
		first, err := ev.Evaluate(context.Background(), "agent-1", "gmail__getEmails", ParseToolOutput(raw))
		require.NoError(t, err)
		second, err := ev.Evaluate(context.Background(), "agent-1", "gmail__getEmails", ParseToolOutput(raw))
		require.NoError(t, err)
		assert.Equal(t, first, second, raw)
	}
}
