package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Turn is one scripted upstream reply. Exactly one of Response, Chunks or
// Status is used, checked in that order.
type Turn struct {
	Response *openai.ChatCompletionResponse
	Chunks   []openai.ChatCompletionStreamResponse
	Status   int
	Message  string
}

// MockLLMServer is an OpenAI-compatible upstream that replays scripted turns
// and records every request it receives.
type MockLLMServer struct {
	*httptest.Server

	mu       sync.Mutex
	turns    []Turn
	requests []openai.ChatCompletionRequest
	auth     []string
}

// NewMockLLMServer starts a server answering POST /v1/chat/completions with
// turns in order. Requests past the script get a 500.
// The server is closed by t.Cleanup when registered by the caller.
func NewMockLLMServer(turns ...Turn) *MockLLMServer {
	m := &MockLLMServer{turns: turns}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Requests returns the requests received so far.
func (m *MockLLMServer) Requests() []openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]openai.ChatCompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Authorizations returns the Authorization headers received so far.
func (m *MockLLMServer) Authorizations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.auth...)
}

func (m *MockLLMServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" && r.URL.Path != "/v1/chat/completions/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req openai.ChatCompletionRequest
	_ = json.Unmarshal(body, &req)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.auth = append(m.auth, r.Header.Get("Authorization"))
	var turn *Turn
	if len(m.turns) > 0 {
		turn = &m.turns[0]
		m.turns = m.turns[1:]
	}
	m.mu.Unlock()

	if turn == nil {
		writeUpstreamError(w, http.StatusInternalServerError, "no scripted turn left")
		return
	}
	switch {
	case turn.Response != nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(turn.Response)
	case turn.Chunks != nil:
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, chunk := range turn.Chunks {
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	default:
		status := turn.Status
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeUpstreamError(w, status, turn.Message)
	}
}

func writeUpstreamError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "upstream_error"},
	})
}

// TextResponse is a non-streaming reply with assistant content.
func TextResponse(content string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

// ToolCallResponse is a non-streaming reply proposing one tool call.
func ToolCallResponse(id, name, arguments string) *openai.ChatCompletionResponse {
	return &openai.ChatCompletionResponse{
		ID:     "chatcmpl-tools",
		Object: "chat.completion",
		Model:  "gpt-4o",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:       id,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: name, Arguments: arguments},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}
}

// TextChunks streams content split into the given pieces, ending with stop.
func TextChunks(pieces ...string) []openai.ChatCompletionStreamResponse {
	out := []openai.ChatCompletionStreamResponse{streamChunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, "")}
	for _, p := range pieces {
		out = append(out, streamChunk(openai.ChatCompletionStreamChoiceDelta{Content: p}, ""))
	}
	return append(out, streamChunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop))
}

// ToolCallChunks streams one tool call with its arguments split into pieces,
// ending with finish_reason tool_calls.
func ToolCallChunks(id, name string, argPieces ...string) []openai.ChatCompletionStreamResponse {
	idx := 0
	out := []openai.ChatCompletionStreamResponse{
		streamChunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, ""),
		streamChunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
			Index: &idx, ID: id, Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: name},
		}}}, ""),
	}
	for _, p := range argPieces {
		out = append(out, streamChunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: []openai.ToolCall{{
			Index: &idx, Function: openai.FunctionCall{Arguments: p},
		}}}, ""))
	}
	return append(out, streamChunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonToolCalls))
}

func streamChunk(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      "chatcmpl-stream",
		Object:  "chat.completion.chunk",
		Model:   "gpt-4o",
		Choices: []openai.ChatCompletionStreamChoice{{Delta: delta, FinishReason: finish}},
	}
}
