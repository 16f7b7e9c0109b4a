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

// ProposedCall is a tool call requested by the LLM. Arguments is the raw JSON
// text the model produced.
type ProposedCall struct {
	ID        string
	Name      string
	Arguments string
}

// CallDecision is the outcome for one proposed call.
type CallDecision struct {
	Allowed bool
	Reason  string
}

// CheckInvocation decides one call. block_always policies block when any
// value at the argument path matches, whatever the context. In a trusted
// context every other call is allowed. In an untrusted context the call needs
// a matching allow_when_context_is_untrusted policy (all values match) or a
// binding that allows use with untrusted data.
func CheckInvocation(binding *AgentTool, policies []ToolInvocationPolicy, args map[string]any, argsValid, contextTrusted bool) CallDecision {
	for _, p := range policies {
		if p.Action != InvocationBlockAlways {
			continue
		}
		for _, v := range ExtractValues(args, p.ArgumentName) {
			if p.Operator.Match(v, p.Value) {
				return CallDecision{Reason: invocationReason(p, "blocked")}
			}
		}
	}

	if contextTrusted {
		return CallDecision{Allowed: true, Reason: "context is trusted"}
	}
	if binding == nil {
		return CallDecision{Reason: "tool is not registered for this agent and the context contains untrusted data"}
	}
	if !argsValid {
		return CallDecision{Reason: "tool arguments are not valid JSON and the context contains untrusted data"}
	}
	for _, p := range policies {
		if p.Action != InvocationAllowWhenUntrusted {
			continue
		}
		if allMatch(ExtractValues(args, p.ArgumentName), p.Operator, p.Value) {
			return CallDecision{Allowed: true, Reason: invocationReason(p, "allowed")}
		}
	}
	if binding.AllowUsageWhenUntrustedDataIsPresent {
		return CallDecision{Allowed: true, Reason: "tool may be used with untrusted data"}
	}
	return CallDecision{Reason: "tool invocation blocked: context contains untrusted data"}
}

func invocationReason(p ToolInvocationPolicy, verb string) string {
	if p.Reason != "" {
		return p.Reason
	}
	return fmt.Sprintf("%s by policy: %s %s %q", verb, p.ArgumentName, p.Operator, p.Value)
}

// DecodeArguments parses raw call arguments. Empty input is an empty object.
// ok is false when the text is not a JSON object.
func DecodeArguments(raw string) (args map[string]any, ok bool) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, true
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}, false
	}
	return args, true
}

// InvocationEngine evaluates batches of proposed calls for an agent.
type InvocationEngine struct {
	source     Source
	guardrails *Guardrails
}

// NewInvocationEngine returns an engine reading from source. guardrails may be nil.
func NewInvocationEngine(source Source, guardrails *Guardrails) *InvocationEngine {
	return &InvocationEngine{source: source, guardrails: guardrails}
}

// Evaluate checks every call. It returns nil when all calls may proceed, and
// otherwise the refusal for the first blocked call; one blocked call refuses
// the whole batch. Errors come only from the Source or the guardrails.
func (e *InvocationEngine) Evaluate(ctx context.Context, agentID string, calls []ProposedCall, contextTrusted bool) (*Refusal, error) {
	ctx, span := tracer.Start(ctx, "policy.invocation.evaluate",
		trace.WithAttributes(
			archotel.AgentID.String(agentID),
			archotel.ContextTrusted.Bool(contextTrusted),
			attribute.Int("policy.invocation.calls", len(calls)),
		))
	defer span.End()

	for _, call := range calls {
		decision, err := e.evaluateCall(ctx, agentID, call, contextTrusted)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !decision.Allowed {
			span.SetAttributes(
				archotel.ToolCallBlocked.Bool(true),
				archotel.ToolName.String(call.Name),
			)
			return NewRefusal(call.Name, call.Arguments, decision.Reason), nil
		}
	}
	span.SetAttributes(archotel.ToolCallBlocked.Bool(false))
	return nil, nil
}

func (e *InvocationEngine) evaluateCall(ctx context.Context, agentID string, call ProposedCall, contextTrusted bool) (CallDecision, error) {
	binding, err := e.source.LookupAgentTool(ctx, agentID, call.Name)
	if err != nil {
		return CallDecision{}, fmt.Errorf("looking up tool %s: %w", call.Name, err)
	}
	var policies []ToolInvocationPolicy
	if binding != nil {
		policies, err = e.source.ToolInvocationPolicies(ctx, binding.ID)
		if err != nil {
			return CallDecision{}, fmt.Errorf("loading invocation policies for %s: %w", call.Name, err)
		}
	}

	args, argsValid := DecodeArguments(call.Arguments)
	decision := CheckInvocation(binding, policies, args, argsValid, contextTrusted)
	if !decision.Allowed || e.guardrails == nil {
		return decision, nil
	}

	reasons, err := e.guardrails.Evaluate(ctx, GuardrailInput{
		ToolName:       call.Name,
		Arguments:      args,
		ContextTrusted: contextTrusted,
	})
	if err != nil {
		return CallDecision{}, err
	}
	if len(reasons) > 0 {
		return CallDecision{Reason: strings.Join(reasons, "; ")}, nil
	}
	return decision, nil
}
