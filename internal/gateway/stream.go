package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/robertof1lho/archestra-sub000/internal/policy"
)

// toolCallAccumulator rebuilds streamed tool calls. Slots are keyed by the
// delta's index and every field is appended as it arrives.
type toolCallAccumulator struct {
	slots []*openai.ToolCall
}

func (a *toolCallAccumulator) add(delta openai.ToolCall, position int) {
	idx := position
	if delta.Index != nil {
		idx = *delta.Index
	}
	if idx < 0 {
		return
	}
	for len(a.slots) <= idx {
		a.slots = append(a.slots, nil)
	}
	slot := a.slots[idx]
	if slot == nil {
		i := idx
		slot = &openai.ToolCall{Index: &i, Type: openai.ToolTypeFunction}
		a.slots[idx] = slot
	}
	slot.ID += delta.ID
	if delta.Type != "" {
		slot.Type = delta.Type
	}
	slot.Function.Name += delta.Function.Name
	slot.Function.Arguments += delta.Function.Arguments
}

// calls returns the rebuilt calls in index order, skipping unused slots.
func (a *toolCallAccumulator) calls() []openai.ToolCall {
	out := make([]openai.ToolCall, 0, len(a.slots))
	for _, s := range a.slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// sseWriter writes chat completion chunks as server-sent events. After the
// client goes away every write is a no-op.
type sseWriter struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	broken  bool
}

func newSSEWriter(ctx context.Context, w http.ResponseWriter) *sseWriter {
	f, _ := w.(http.Flusher)
	return &sseWriter{ctx: ctx, w: w, flusher: f}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(data []byte) {
	s.start()
	if s.broken || s.ctx.Err() != nil {
		s.broken = true
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.broken = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) send(chunk openai.ChatCompletionStreamResponse) {
	b, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	s.event(b)
}

// sendError reports a failure after the stream has started.
func (s *sseWriter) sendError(message, errType string) {
	b, _ := json.Marshal(openAIErrorBody{Error: openAIError{Message: message, Type: errType, Code: errType}})
	s.event(b)
}

func (s *sseWriter) done() {
	s.event([]byte("[DONE]"))
}

// chunkTemplate carries the id and model synthesized chunks are stamped with.
type chunkTemplate struct {
	ID      string
	Model   string
	Created int64
}

func (t chunkTemplate) chunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      t.ID,
		Object:  "chat.completion.chunk",
		Created: t.Created,
		Model:   t.Model,
		Choices: []openai.ChatCompletionStreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (t chunkTemplate) content(text string) openai.ChatCompletionStreamResponse {
	return t.chunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant, Content: text}, "")
}

func (t chunkTemplate) refusal(r *policy.Refusal) openai.ChatCompletionStreamResponse {
	return t.chunk(openai.ChatCompletionStreamChoiceDelta{
		Role:    openai.ChatMessageRoleAssistant,
		Content: r.Content,
		Refusal: r.Refusal,
	}, openai.FinishReasonStop)
}

// toolCalls splits each call into three chunks: id and type, then the
// function name, then the arguments.
func (t chunkTemplate) toolCalls(calls []openai.ToolCall) []openai.ChatCompletionStreamResponse {
	out := make([]openai.ChatCompletionStreamResponse, 0, 3*len(calls))
	for i, c := range calls {
		idx := i
		if c.Index != nil {
			idx = *c.Index
		}
		callType := c.Type
		if callType == "" {
			callType = openai.ToolTypeFunction
		}
		out = append(out,
			t.chunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{Index: intPtr(idx), ID: c.ID, Type: callType}}}, ""),
			t.chunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{Index: intPtr(idx), Function: openai.FunctionCall{Name: c.Function.Name}}}}, ""),
			t.chunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{Index: intPtr(idx), Function: openai.FunctionCall{Arguments: c.Function.Arguments}}}}, ""),
		)
	}
	return out
}

func intPtr(i int) *int { return &i }

func quarantineIndicator(toolName string) string {
	return fmt.Sprintf("[archestra] Sanitizing output of %s in quarantine...\n", toolName)
}

func quarantineProgressLine(toolName string, round int, question, answer string) string {
	return fmt.Sprintf("[archestra] %s round %d: %s -> %s\n", toolName, round, strings.TrimSpace(question), answer)
}

// splitDelta separates tool call deltas from what can be forwarded at once.
// forward is false when nothing but tool call data or a withheld
// tool_calls finish remains.
func splitDelta(chunk openai.ChatCompletionStreamResponse, acc *toolCallAccumulator) (out openai.ChatCompletionStreamResponse, forward bool) {
	out = chunk
	if len(chunk.Choices) == 0 {
		return out, true
	}
	out.Choices = make([]openai.ChatCompletionStreamChoice, 0, len(chunk.Choices))
	for _, choice := range chunk.Choices {
		for pos, tc := range choice.Delta.ToolCalls {
			acc.add(tc, pos)
		}
		choice.Delta.ToolCalls = nil
		if choice.FinishReason == openai.FinishReasonToolCalls {
			choice.FinishReason = ""
		}
		d := choice.Delta
		if d.Role == "" && d.Content == "" && d.Refusal == "" && d.FunctionCall == nil && choice.FinishReason == "" {
			continue
		}
		out.Choices = append(out.Choices, choice)
	}
	return out, len(out.Choices) > 0 || chunk.Usage != nil
}
