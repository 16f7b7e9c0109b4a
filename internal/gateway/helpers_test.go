package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	"github.com/robertof1lho/archestra-sub000/internal/llm"
	"github.com/robertof1lho/archestra-sub000/internal/policy"
	"github.com/robertof1lho/archestra-sub000/internal/store"
	"github.com/robertof1lho/archestra-sub000/internal/testutil"
)

type memRecorder struct {
	mu      sync.Mutex
	records []*interaction.Interaction
}

func (m *memRecorder) Record(_ context.Context, it *interaction.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, it)
	return nil
}

func (m *memRecorder) all() []*interaction.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*interaction.Interaction(nil), m.records...)
}

type harness struct {
	t        *testing.T
	store    *store.Store
	upstream *testutil.MockLLMServer
	recorder *memRecorder
	router   http.Handler
}

func newHarness(t *testing.T, configure func(*GatewayConfig), opts []Option, turns ...testutil.Turn) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "archestra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	upstream := testutil.NewMockLLMServer(turns...)
	t.Cleanup(upstream.Close)

	cfg := DefaultGatewayConfig()
	cfg.Upstream.BaseURL = upstream.URL
	if configure != nil {
		configure(cfg)
	}
	require.NoError(t, cfg.Validate())

	rec := &memRecorder{}
	opts = append([]Option{WithRecorder(rec), WithQuarantineCache(st)}, opts...)
	gw, err := NewGateway(cfg, st, llm.NewOpenAIClientFactory(upstream.URL, upstream.Client()), opts...)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Post("/v1/chat/completions", gw.ServeHTTP)
	r.Post("/v1/agents/{agentID}/chat/completions", gw.ServeHTTP)
	return &harness{t: t, store: st, upstream: upstream, recorder: rec, router: r}
}

func (h *harness) do(path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testutil.TestUpstreamKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// bind registers a tool for the default agent with explicit settings.
func (h *harness) bind(name string, treatment policy.ResultTreatment, allowUntrusted bool) *policy.AgentTool {
	h.t.Helper()
	ctx := context.Background()
	agent, err := h.store.DefaultAgent(ctx)
	require.NoError(h.t, err)
	tool, err := h.store.UpsertTool(ctx, store.Tool{Name: name, Parameters: `{"type":"object"}`})
	require.NoError(h.t, err)
	b, err := h.store.AssignTool(ctx, agent.ID, tool.ID, store.BindingDefaults{
		AllowUsageWhenUntrustedDataIsPresent: allowUntrusted,
		ToolResultTreatment:                  treatment,
	})
	require.NoError(h.t, err)
	return b
}

func userMessage(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
}

// toolExchange is an assistant tool call followed by its result.
func toolExchange(id, name, result string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID: id, Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: name, Arguments: "{}"},
			}},
		},
		{Role: openai.ChatMessageRoleTool, ToolCallID: id, Content: result},
	}
}

func functionTool(name string) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:       name,
			Parameters: map[string]any{"type": "object", "properties": map[string]any{}},
		},
	}
}

// sseEvents splits an SSE body into chunks, reporting whether [DONE] ended it.
func sseEvents(t *testing.T, body string) (chunks []openai.ChatCompletionStreamResponse, raw []string, done bool) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		raw = append(raw, data)
		var c openai.ChatCompletionStreamResponse
		require.NoError(t, json.Unmarshal([]byte(data), &c))
		chunks = append(chunks, c)
	}
	return chunks, raw, done
}

func streamedContent(chunks []openai.ChatCompletionStreamResponse) string {
	var b strings.Builder
	for _, c := range chunks {
		for _, ch := range c.Choices {
			b.WriteString(ch.Delta.Content)
		}
	}
	return b.String()
}
