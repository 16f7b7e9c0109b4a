package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
)

// ToolOutput is a tool result as seen by policies. Some tools wrap their
// payload as {"value": ...}; Wrapped is true then and Value holds the payload.
type ToolOutput struct {
	Value   any
	Wrapped bool
}

// ResolveToolOutput unwraps a {"value": ...} envelope when the value is
// present and non-null; any other output is used as is.
func ResolveToolOutput(raw any) ToolOutput {
	if obj, ok := raw.(map[string]any); ok {
		if v, ok := obj["value"]; ok && v != nil {
			return ToolOutput{Value: v, Wrapped: true}
		}
	}
	return ToolOutput{Value: raw}
}

// ParseToolOutput decodes the content of a tool-result message. JSON content
// is decoded; anything else is kept as the raw string.
func ParseToolOutput(content string) ToolOutput {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ToolOutput{Value: content}
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return ToolOutput{Value: content}
	}
	return ResolveToolOutput(decoded)
}

// EvaluateTrust classifies one tool output. A nil binding means the tool is
// not registered for the agent and the output is untrusted.
//
// Block policies run first: any extracted value matching a block_always
// policy blocks the output. Then mark_as_trusted and sanitize_with_dual_llm
// policies are tried in order; one matches only when the path yields at least
// one value and every value satisfies it. The first match wins. Otherwise the
// binding's ToolResultTreatment applies.
func EvaluateTrust(binding *AgentTool, policies []TrustedDataPolicy, output ToolOutput) TrustResult {
	if binding == nil {
		return TrustResult{Reason: "tool is not registered for this agent"}
	}
	data := output.Value

	for _, p := range policies {
		if p.Action != ActionBlockAlways {
			continue
		}
		for _, v := range ExtractValues(data, p.AttributePath) {
			if p.Operator.Match(v, p.Value) {
				return TrustResult{
					IsBlocked: true,
					Reason:    fmt.Sprintf("blocked by policy %s", describeTrusted(p)),
				}
			}
		}
	}

	for _, p := range policies {
		if p.Action != ActionMarkAsTrusted && p.Action != ActionSanitizeWithDual {
			continue
		}
		if !allMatch(ExtractValues(data, p.AttributePath), p.Operator, p.Value) {
			continue
		}
		if p.Action == ActionMarkAsTrusted {
			return TrustResult{IsTrusted: true, Reason: fmt.Sprintf("trusted by policy %s", describeTrusted(p))}
		}
		return TrustResult{ShouldSanitize: true, Reason: fmt.Sprintf("sanitization required by policy %s", describeTrusted(p))}
	}

	switch binding.ToolResultTreatment {
	case TreatTrusted:
		return TrustResult{IsTrusted: true, Reason: "tool results are trusted by default"}
	case TreatSanitizeDual:
		return TrustResult{ShouldSanitize: true, Reason: "tool results are sanitized by default"}
	default:
		return TrustResult{Reason: "no trusted data policy matched"}
	}
}

func allMatch(values []any, op Operator, operand string) bool {
	if len(values) == 0 {
		return false
	}
	for _, v := range values {
		if !op.Match(v, operand) {
			return false
		}
	}
	return true
}

func describeTrusted(p TrustedDataPolicy) string {
	if p.Description != "" {
		return fmt.Sprintf("%q", p.Description)
	}
	return fmt.Sprintf("%s %s %q", p.AttributePath, p.Operator, p.Value)
}

// TrustEvaluator loads bindings and policies from a Source and classifies
// tool outputs with EvaluateTrust.
type TrustEvaluator struct {
	source Source
}

// NewTrustEvaluator returns an evaluator reading from source.
func NewTrustEvaluator(source Source) *TrustEvaluator {
	return &TrustEvaluator{source: source}
}

// Evaluate classifies the output of toolName for agentID. Errors come only
// from the Source.
func (e *TrustEvaluator) Evaluate(ctx context.Context, agentID, toolName string, output ToolOutput) (TrustResult, error) {
	ctx, span := tracer.Start(ctx, "policy.trust.evaluate",
		trace.WithAttributes(
			archotel.AgentID.String(agentID),
			archotel.ToolName.String(toolName),
		))
	defer span.End()

	binding, err := e.source.LookupAgentTool(ctx, agentID, toolName)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TrustResult{}, fmt.Errorf("looking up tool %s: %w", toolName, err)
	}
	var policies []TrustedDataPolicy
	if binding != nil {
		policies, err = e.source.TrustedDataPolicies(ctx, binding.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TrustResult{}, fmt.Errorf("loading trusted data policies for %s: %w", toolName, err)
		}
	}

	result := EvaluateTrust(binding, policies, output)
	span.SetAttributes(
		archotel.TrustDecision.String(result.Decision()),
		attribute.Int("policy.trusted_data.count", len(policies)),
	)
	return result, nil
}
