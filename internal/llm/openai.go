package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
	"github.com/robertof1lho/archestra-sub000/internal/requestctx"
)

var tracer = archotel.Tracer("github.com/robertof1lho/archestra-sub000/internal/llm")

// OpenAIClient is a Client backed by sashabaranov/go-openai.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client for baseURL (scheme and host, with or
// without a trailing /v1). A nil httpClient uses the library default.
func NewOpenAIClient(apiKey, baseURL string, httpClient *http.Client) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = normalizeBaseURL(baseURL)
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(config)}
}

// NewOpenAIClientFactory returns a ClientFactory sharing baseURL and
// httpClient across keys.
func NewOpenAIClientFactory(baseURL string, httpClient *http.Client) ClientFactory {
	return func(apiKey string) Client {
		return NewOpenAIClient(apiKey, baseURL, httpClient)
	}
}

func requestAttributes(ctx context.Context, model string, stream bool) []attribute.KeyValue {
	attrs := archotel.LLMRequestAttributes("openai", model, stream)
	if agentID := requestctx.AgentID(ctx); agentID != "" {
		attrs = append(attrs, archotel.AgentID.String(agentID))
	}
	return attrs
}

func normalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return baseURL + "/v1"
}

// CreateChatCompletion performs a non-streaming call.
func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.chat",
		trace.WithAttributes(requestAttributes(ctx, req.Model, false)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, TimeoutLLMCall)
	defer cancel()

	req.Stream = false
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return openai.ChatCompletionResponse{}, fmt.Errorf("openai api call: %w", err)
	}

	span.SetAttributes(archotel.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)...)
	span.SetAttributes(archotel.GenAIResponseID.String(resp.ID))
	if len(resp.Choices) > 0 {
		span.SetAttributes(archotel.GenAIResponseFinishReason.String(string(resp.Choices[0].FinishReason)))
	}
	return resp, nil
}

// CreateChatCompletionStream opens a streaming call. The span stays open
// until the stream is closed.
func (c *OpenAIClient) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (Stream, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.chat.stream",
		trace.WithAttributes(requestAttributes(ctx, req.Model, true)...))

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("openai stream call: %w", err)
	}
	return &tracedStream{stream: stream, span: span}, nil
}

type tracedStream struct {
	stream *openai.ChatCompletionStream
	span   trace.Span
	chunks int
}

func (s *tracedStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
			return chunk, fmt.Errorf("openai stream recv: %w", err)
		}
		return chunk, err
	}
	s.chunks++
	if chunk.Usage != nil {
		s.span.SetAttributes(archotel.LLMUsageAttributes(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)...)
	}
	return chunk, nil
}

func (s *tracedStream) Close() error {
	s.span.SetAttributes(attribute.Int("gen_ai.response.chunks", s.chunks))
	s.span.End()
	return s.stream.Close()
}
