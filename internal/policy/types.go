// Package policy decides whether tool output can be trusted and whether the
// tool calls an LLM proposes may run, from per-agent, per-tool policies.
package policy

import (
	"context"

	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
)

var tracer = archotel.Tracer("github.com/robertof1lho/archestra-sub000/internal/policy")

// ResultTreatment is the default handling of a tool's output when no trusted
// data policy decides otherwise.
type ResultTreatment string

const (
	TreatTrusted      ResultTreatment = "trusted"
	TreatUntrusted    ResultTreatment = "untrusted"
	TreatSanitizeDual ResultTreatment = "sanitize_with_dual_llm"
)

// Valid reports whether t is a known treatment.
func (t ResultTreatment) Valid() bool {
	switch t {
	case TreatTrusted, TreatUntrusted, TreatSanitizeDual:
		return true
	}
	return false
}

// TrustedDataAction is what a matching trusted data policy does to a tool result.
type TrustedDataAction string

const (
	ActionBlockAlways      TrustedDataAction = "block_always"
	ActionMarkAsTrusted    TrustedDataAction = "mark_as_trusted"
	ActionSanitizeWithDual TrustedDataAction = "sanitize_with_dual_llm"
)

// InvocationAction is what a matching tool invocation policy does to a call.
type InvocationAction string

const (
	InvocationAllowWhenUntrusted InvocationAction = "allow_when_context_is_untrusted"
	InvocationBlockAlways        InvocationAction = "block_always"
)

// AgentTool binds a tool to an agent together with its security defaults.
type AgentTool struct {
	ID                                   string          `json:"id"`
	AgentID                              string          `json:"agent_id"`
	ToolID                               string          `json:"tool_id"`
	ToolName                             string          `json:"tool_name"`
	AllowUsageWhenUntrustedDataIsPresent bool            `json:"allow_usage_when_untrusted_data_is_present"`
	ToolResultTreatment                  ResultTreatment `json:"tool_result_treatment"`
}

// TrustedDataPolicy classifies a tool's output by inspecting one attribute path.
type TrustedDataPolicy struct {
	ID            string            `yaml:"id,omitempty" json:"id"`
	AgentToolID   string            `yaml:"agent_tool_id,omitempty" json:"agent_tool_id"`
	Description   string            `yaml:"description,omitempty" json:"description,omitempty"`
	AttributePath string            `yaml:"attribute_path,omitempty" json:"attribute_path"`
	Operator      Operator          `yaml:"operator,omitempty" json:"operator"`
	Value         string            `yaml:"value,omitempty" json:"value"`
	Action        TrustedDataAction `yaml:"action,omitempty" json:"action"`
}

// ToolInvocationPolicy allows or blocks a proposed call by inspecting one argument.
type ToolInvocationPolicy struct {
	ID           string           `yaml:"id,omitempty" json:"id"`
	AgentToolID  string           `yaml:"agent_tool_id,omitempty" json:"agent_tool_id"`
	ArgumentName string           `yaml:"argument_name,omitempty" json:"argument_name"`
	Operator     Operator         `yaml:"operator,omitempty" json:"operator"`
	Value        string           `yaml:"value,omitempty" json:"value"`
	Action       InvocationAction `yaml:"action,omitempty" json:"action"`
	Reason       string           `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// TrustResult is the classification of one tool output. IsBlocked implies
// !IsTrusted.
type TrustResult struct {
	IsTrusted      bool   `json:"is_trusted"`
	IsBlocked      bool   `json:"is_blocked"`
	ShouldSanitize bool   `json:"should_sanitize"`
	Reason         string `json:"reason"`
}

// Decision is the short label used for logs and metrics.
func (r TrustResult) Decision() string {
	switch {
	case r.IsBlocked:
		return "blocked"
	case r.ShouldSanitize:
		return "sanitize"
	case r.IsTrusted:
		return "trusted"
	default:
		return "untrusted"
	}
}

// Source provides bindings and policies. Implementations read current values on
// every call; nothing here caches them across requests.
type Source interface {
	// LookupAgentTool returns the binding for toolName, or nil when the agent
	// has no such tool.
	LookupAgentTool(ctx context.Context, agentID, toolName string) (*AgentTool, error)
	TrustedDataPolicies(ctx context.Context, agentToolID string) ([]TrustedDataPolicy, error)
	ToolInvocationPolicies(ctx context.Context, agentToolID string) ([]ToolInvocationPolicy, error)
}

// ToolNameSeparator joins an MCP server name and the server's own tool name.
const ToolNameSeparator = "__"

// ToolNameMatches reports whether a registered tool name refers to the
// requested one: equal names, or one being the other's suffix after a
// "server__" prefix.
func ToolNameMatches(registered, requested string) bool {
	if registered == "" || requested == "" {
		return false
	}
	if registered == requested {
		return true
	}
	return hasServerPrefixFor(registered, requested) || hasServerPrefixFor(requested, registered)
}

func hasServerPrefixFor(full, short string) bool {
	suffix := ToolNameSeparator + short
	return len(full) > len(suffix) && full[len(full)-len(suffix):] == suffix
}
