package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// GenAI semantic convention keys plus the proxy's own security attributes.
const (
	GenAISystem               = attribute.Key("gen_ai.system")
	GenAIRequestModel         = attribute.Key("gen_ai.request.model")
	GenAIUsageInputTokens     = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens    = attribute.Key("gen_ai.usage.output_tokens")
	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")
	GenAIResponseID           = attribute.Key("gen_ai.response.id")

	AgentID         = attribute.Key("archestra.agent.id")
	ToolName        = attribute.Key("archestra.tool.name")
	ContextTrusted  = attribute.Key("archestra.context.trusted")
	TrustDecision   = attribute.Key("archestra.trust.decision")
	ToolCallBlocked = attribute.Key("archestra.tool_call.blocked")
	QuarantineRound = attribute.Key("archestra.quarantine.round")
)

// LLMRequestAttributes returns the attributes recorded on every upstream call.
func LLMRequestAttributes(system, model string, stream bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(system),
		GenAIRequestModel.String(model),
		attribute.Bool("gen_ai.request.stream", stream),
	}
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
	}
}
