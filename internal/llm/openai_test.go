package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewOpenAIClient("test-api-key", ts.URL, ts.Client())
}

func TestCreateChatCompletion_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "hi"},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 3, CompletionTokens: 1},
		})
	})

	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hello"}},
		Stream:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, 3, resp.Usage.PromptTokens)
}

func TestCreateChatCompletion_UpstreamStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	})

	_, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusFromError(err))
	assert.Equal(t, "slow down", MessageFromError(err))
	assert.Equal(t, "rate_limit_error", ErrorType(err))
}

func TestCreateChatCompletionStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"Hel", "lo"} {
			chunk := openai.ChatCompletionStreamResponse{
				ID: "chatcmpl-2",
				Choices: []openai.ChatCompletionStreamChoice{{
					Delta: openai.ChatCompletionStreamChoiceDelta{Content: c},
				}},
			}
			b, _ := json.Marshal(chunk)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	stream, err := client.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += chunk.Choices[0].Delta.Content
	}
	assert.Equal(t, "Hello", text)
}

func TestStatusFromError(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, StatusFromError(fmt.Errorf("wrap: %w", &openai.APIError{HTTPStatusCode: 502})))
	assert.Equal(t, http.StatusUnauthorized, StatusFromError(&openai.RequestError{HTTPStatusCode: 401, Err: errors.New("x")}))
	assert.Equal(t, http.StatusGatewayTimeout, StatusFromError(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusInternalServerError, StatusFromError(errors.New("connection refused")))
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://h/v1", normalizeBaseURL("http://h"))
	assert.Equal(t, "http://h/v1", normalizeBaseURL("http://h/v1/"))
}
