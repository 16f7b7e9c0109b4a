// Package llm talks to the OpenAI-compatible upstream that serves both the
// agent's model and the models used for quarantine sanitization.
package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// TimeoutLLMCall bounds a single non-streaming upstream call.
const TimeoutLLMCall = 120 * time.Second

// Client is the subset of the chat completions API the proxy uses.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error)
}

// Stream yields chunks until io.EOF. Close must be called once the caller is
// done, including on early exit.
type Stream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// ClientFactory returns a client that authenticates with apiKey.
type ClientFactory func(apiKey string) Client

// StatusFromError maps an upstream error to the HTTP status to return to the
// caller: the upstream status when known, 504 on timeout, otherwise 500.
func StatusFromError(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// MessageFromError returns the upstream's own error message when it sent one.
func MessageFromError(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

// ErrorType returns the upstream error type, defaulting to "api_error".
func ErrorType(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.Type != "" {
		return apiErr.Type
	}
	return "api_error"
}
