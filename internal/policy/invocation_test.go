package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendEmailSource(allowWhenUntrusted bool) *memSource {
	src := newMemSource(AgentTool{
		ID: "at-send", AgentID: "agent-1", ToolName: "sendEmail",
		AllowUsageWhenUntrustedDataIsPresent: allowWhenUntrusted,
		ToolResultTreatment:                  TreatUntrusted,
	})
	return src
}

func TestInvocationEngine_TrustedContextAllows(t *testing.T) {
	eng := NewInvocationEngine(sendEmailSource(false), nil)
	refusal, err := eng.Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{ID: "c1", Name: "sendEmail", Arguments: `{"to":"x@y.com"}`}}, true)
	require.NoError(t, err)
	assert.Nil(t, refusal)
}

func TestInvocationEngine_UntrustedContextBlocks(t *testing.T) {
	eng := NewInvocationEngine(sendEmailSource(false), nil)
	refusal, err := eng.Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{ID: "c1", Name: "sendEmail", Arguments: `{"to":"x@y.com"}`}}, false)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, refusal.Content, refusal.Refusal)
	assert.NotEmpty(t, refusal.Content)
	assert.Contains(t, refusal.Content, "<archestra-tool-name>sendEmail</archestra-tool-name>")
	assert.Contains(t, refusal.Content, "untrusted data")
}

func TestInvocationEngine_BindingAllowsUntrusted(t *testing.T) {
	eng := NewInvocationEngine(sendEmailSource(true), nil)
	refusal, err := eng.Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{Name: "sendEmail", Arguments: `{"to":"x@y.com"}`}}, false)
	require.NoError(t, err)
	assert.Nil(t, refusal)
}

func TestInvocationEngine_AllowPolicyInUntrustedContext(t *testing.T) {
	src := sendEmailSource(false)
	src.invocations["at-send"] = []ToolInvocationPolicy{
		{ArgumentName: "to", Operator: OpEndsWith, Value: "@corp.com", Action: InvocationAllowWhenUntrusted},
	}
	eng := NewInvocationEngine(src, nil)

	refusal, err := eng.Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{Name: "sendEmail", Arguments: `{"to":"boss@corp.com"}`}}, false)
	require.NoError(t, err)
	assert.Nil(t, refusal)

	refusal, err = eng.Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{Name: "sendEmail", Arguments: `{"to":"boss@evil.com"}`}}, false)
	require.NoError(t, err)
	assert.NotNil(t, refusal)
}

func TestInvocationEngine_BlockAlwaysIgnoresTrust(t *testing.T) {
	src := sendEmailSource(true)
	src.invocations["at-send"] = []ToolInvocationPolicy{
		{ArgumentName: "to", Operator: OpContains, Value: "evil", Action: InvocationBlockAlways, Reason: "no mail to evil domains"},
	}
	eng := NewInvocationEngine(src, nil)
	refusal, err := eng.Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{Name: "sendEmail", Arguments: `{"to":"x@evil.com"}`}}, true)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "no mail to evil domains", refusal.Reason)
}

func TestInvocationEngine_OneBlockedCallRefusesBatch(t *testing.T) {
	src := newMemSource(
		AgentTool{ID: "at-read", AgentID: "agent-1", ToolName: "readFile", AllowUsageWhenUntrustedDataIsPresent: true},
		AgentTool{ID: "at-send", AgentID: "agent-1", ToolName: "sendEmail"},
	)
	eng := NewInvocationEngine(src, nil)
	refusal, err := eng.Evaluate(context.Background(), "agent-1", []ProposedCall{
		{ID: "c1", Name: "readFile", Arguments: `{"path":"/tmp/a"}`},
		{ID: "c2", Name: "sendEmail", Arguments: `{"to":"x"}`},
	}, false)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Equal(t, "sendEmail", refusal.ToolName)
}

func TestInvocationEngine_UnregisteredTool(t *testing.T) {
	eng := NewInvocationEngine(newMemSource(), nil)

	refusal, err := eng.Evaluate(context.Background(), "agent-1", []ProposedCall{{Name: "mystery"}}, false)
	require.NoError(t, err)
	require.NotNil(t, refusal)
	assert.Contains(t, refusal.Reason, "not registered")

	refusal, err = eng.Evaluate(context.Background(), "agent-1", []ProposedCall{{Name: "mystery"}}, true)
	require.NoError(t, err)
	assert.Nil(t, refusal)
}

func TestInvocationEngine_SourceError(t *testing.T) {
	src := sendEmailSource(false)
	src.err = errSourceDown
	_, err := NewInvocationEngine(src, nil).Evaluate(context.Background(), "agent-1",
		[]ProposedCall{{Name: "sendEmail"}}, true)
	require.ErrorIs(t, err, errSourceDown)
}

func TestCheckInvocation_InvalidArguments(t *testing.T) {
	binding := &AgentTool{ID: "b", AllowUsageWhenUntrustedDataIsPresent: true}
	args, ok := DecodeArguments(`{"to":`)
	assert.False(t, ok)
	assert.False(t, CheckInvocation(binding, nil, args, ok, false).Allowed)
	assert.True(t, CheckInvocation(binding, nil, args, ok, true).Allowed)
}

func TestDecodeArguments(t *testing.T) {
	args, ok := DecodeArguments("")
	assert.True(t, ok)
	assert.Empty(t, args)

	args, ok = DecodeArguments(`{"a":{"b":[1,2]}}`)
	assert.True(t, ok)
	assert.Equal(t, []any{float64(1), float64(2)}, ExtractValues(args, "a.b[*]"))

	_, ok = DecodeArguments(`[1,2]`)
	assert.False(t, ok)
}

func TestNewRefusal(t *testing.T) {
	r := NewRefusal("deleteRepo", "", "blocked by policy")
	assert.Equal(t, "{}", r.Arguments)
	assert.Equal(t, r.Content, r.Refusal)
	assert.Contains(t, r.Content, "<archestra-tool-reason>blocked by policy</archestra-tool-reason>")
	assert.Contains(t, r.Content, "I tried to invoke the deleteRepo tool")
}
