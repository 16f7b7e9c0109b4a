package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
	"github.com/robertof1lho/archestra-sub000/internal/policy"
	"github.com/robertof1lho/archestra-sub000/internal/quarantine"
	"github.com/robertof1lho/archestra-sub000/internal/requestctx"
	"github.com/robertof1lho/archestra-sub000/internal/store"
)

// QuarantineCache keeps sanitization summaries across turns of the same
// conversation.
type QuarantineCache interface {
	QuarantineSummary(ctx context.Context, agentID, toolCallID, contentHash string) (string, bool, error)
	SaveQuarantineSummary(ctx context.Context, agentID, toolCallID, contentHash, toolName, summary string) error
}

// conversationTrust is the trust state folded over every tool result.
type conversationTrust struct {
	Trusted     bool
	Evaluations []interaction.TrustEvaluation
	Quarantine  []interaction.QuarantineRecord
}

// quarantineRun carries what a sanitization needs from the current request.
type quarantineRun struct {
	sanitizer *quarantine.Sanitizer
	model     string
	// announce is called once, before the first session of the request.
	announce func(toolName string)
	progress func(toolName string, p quarantine.Progress)
}

func blockedNotice(toolName, reason string) string {
	return fmt.Sprintf("[archestra] The output of the %s tool was blocked by a trusted data policy: %s", toolName, reason)
}

func withheldNotice(toolName string) string {
	return fmt.Sprintf("[archestra] The output of the %s tool was withheld because it could not be sanitized.", toolName)
}

// evaluateConversation classifies every tool result message in place. Blocked
// results are replaced by a notice, sanitized ones by their summary. The
// context is trusted only when every result is trusted or was sanitized.
// Only store failures are returned as errors.
func (g *Gateway) evaluateConversation(ctx context.Context, agentID string, messages []openai.ChatCompletionMessage, q *quarantineRun) (conversationTrust, error) {
	return g.evaluateFrom(ctx, agentID, messages, 0, q)
}

// evaluateFrom classifies only the tool messages at index from or later.
// Earlier messages still supply call names and the last user request.
func (g *Gateway) evaluateFrom(ctx context.Context, agentID string, messages []openai.ChatCompletionMessage, from int, q *quarantineRun) (conversationTrust, error) {
	out := conversationTrust{Trusted: true}
	callNames := make(map[string]string)
	lastUser := ""
	announced := false

	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case openai.ChatMessageRoleUser:
			lastUser = messageText(*msg)
			continue
		case openai.ChatMessageRoleAssistant:
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
			}
			continue
		case openai.ChatMessageRoleTool:
			if i < from {
				continue
			}
		default:
			continue
		}

		toolName := msg.Name
		if name, ok := callNames[msg.ToolCallID]; ok && name != "" {
			toolName = name
		}
		content := messageText(*msg)
		output := policy.ParseToolOutput(content)

		result, err := g.trust.Evaluate(ctx, agentID, toolName, output)
		if err != nil {
			return out, err
		}
		eval := interaction.TrustEvaluation{
			ToolCallID: msg.ToolCallID,
			ToolName:   toolName,
			Decision:   result.Decision(),
			Reason:     result.Reason,
		}
		g.metrics.trustDecision(eval.Decision)

		switch {
		case result.IsBlocked:
			setMessageText(msg, blockedNotice(toolName, result.Reason))
			out.Trusted = false
		case result.ShouldSanitize:
			if q == nil || !g.config.QuarantineEnabled() {
				setMessageText(msg, withheldNotice(toolName))
				eval.Decision = "withheld"
				out.Trusted = false
				break
			}
			summary, rec, ok := g.sanitize(ctx, agentID, toolName, msg.ToolCallID, content, output, lastUser, q, &announced)
			out.Quarantine = append(out.Quarantine, rec)
			if ok {
				setMessageText(msg, summary)
				eval.Decision = "sanitized"
			} else {
				setMessageText(msg, withheldNotice(toolName))
				eval.Decision = "withheld"
				out.Trusted = false
			}
		case !result.IsTrusted:
			out.Trusted = false
		}
		out.Evaluations = append(out.Evaluations, eval)

		log.Debug().
			Str("agent_id", agentID).
			Str("tool", toolName).
			Str("decision", eval.Decision).
			Msg("tool_result_classified")
	}
	return out, nil
}

// sanitize runs or reuses a quarantine session. ok is false when the data
// must stay withheld.
func (g *Gateway) sanitize(ctx context.Context, agentID, toolName, toolCallID, content string, output policy.ToolOutput, userRequest string, q *quarantineRun, announced *bool) (summary string, rec interaction.QuarantineRecord, ok bool) {
	rec = interaction.QuarantineRecord{ToolCallID: toolCallID, ToolName: toolName}
	hash := store.ContentHash(content)

	if g.cache != nil && toolCallID != "" {
		cached, found, err := g.cache.QuarantineSummary(ctx, agentID, toolCallID, hash)
		if err != nil {
			log.Warn().Err(err).Str("tool", toolName).Msg("quarantine_cache_read_failed")
		} else if found {
			g.metrics.quarantineSession("cached", 0)
			return cached, rec, true
		}
	}

	if !*announced && q.announce != nil {
		q.announce(toolName)
	}
	*announced = true

	req := quarantine.Request{
		UserRequest: userRequest,
		ToolName:    toolName,
		ToolCallID:  toolCallID,
		Data:        output.Value,
		Model:       q.model,
	}
	if q.progress != nil {
		req.OnProgress = func(p quarantine.Progress) { q.progress(toolName, p) }
	}
	res, err := q.sanitizer.Sanitize(ctx, req)
	if err != nil {
		rec.Error = err.Error()
		g.metrics.quarantineSession("failed", 0)
		log.Warn().Err(err).
			Str("agent_id", agentID).
			Str("correlation_id", requestctx.CorrelationID(ctx)).
			Str("tool", toolName).
			Func(archotel.LogTraceFields(ctx)).
			Msg("quarantine_failed")
		return "", rec, false
	}
	rec.Rounds = res.Rounds
	rec.Discarded = res.Discarded
	g.metrics.quarantineSession("sanitized", res.Rounds)

	if g.cache != nil && toolCallID != "" {
		if err := g.cache.SaveQuarantineSummary(ctx, agentID, toolCallID, hash, toolName, res.Summary); err != nil {
			log.Warn().Err(err).Str("tool", toolName).Msg("quarantine_cache_write_failed")
		}
	}
	return res.Summary, rec, true
}

// messageText returns plain content, joining text parts of multi-part content.
func messageText(m openai.ChatCompletionMessage) string {
	if len(m.MultiContent) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.MultiContent))
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func setMessageText(m *openai.ChatCompletionMessage, text string) {
	m.Content = text
	m.MultiContent = nil
}
