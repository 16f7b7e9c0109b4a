package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof1lho/archestra-sub000/internal/gateway"
	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	"github.com/robertof1lho/archestra-sub000/internal/llm"
	"github.com/robertof1lho/archestra-sub000/internal/requestctx"
	"github.com/robertof1lho/archestra-sub000/internal/store"
	"github.com/robertof1lho/archestra-sub000/internal/testutil"
)

func callerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"caller": requestctx.Caller(r.Context())})
	})
}

func newInteractionStore(t *testing.T) *interaction.Store {
	t.Helper()
	st, err := interaction.NewStore(filepath.Join(t.TempDir(), "interactions.db"), testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func serve(h http.Handler, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(`{}`)))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthEndpoint(t *testing.T) {
	r := NewServer(callerEcho()).Routes()
	rec := serve(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}

func TestHealthDetail(t *testing.T) {
	r := NewServer(callerEcho(), WithStore(failingPinger{}), WithInteractions(newInteractionStore(t))).Routes()
	rec := serve(r, http.MethodGet, "/v1/health?detail=true", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	assert.Equal(t, "degraded", out["status"])
	comp, _ := out["components"].(map[string]interface{})
	require.NotNil(t, comp)
	assert.Equal(t, "error", comp["store"])
	assert.Equal(t, "ok", comp["interaction_log"])
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	gateway.NewMetrics(reg)
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "archestra_test_total", Help: "test counter"})
	reg.MustRegister(counter)
	counter.Inc()

	r := NewServer(callerEcho(), WithMetrics(reg)).Routes()
	rec := serve(r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "archestra_test_total 1")

	rec = serve(NewServer(callerEcho()).Routes(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	r := NewServer(callerEcho(), WithAPIKeys(map[string]string{testutil.TestAPIKey: "ops-team"})).Routes()

	rec := serve(r, http.MethodPost, "/v1/chat/completions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_error")

	rec = serve(r, http.MethodPost, "/v1/chat/completions", map[string]string{APIKeyHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(r, http.MethodPost, "/v1/agents/a1/chat/completions", map[string]string{APIKeyHeader: testutil.TestAPIKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"caller":"ops-team"}`, rec.Body.String())

	// The provider key in Authorization is not an Archestra key.
	rec = serve(r, http.MethodPost, "/v1/chat/completions", map[string]string{"Authorization": "Bearer " + testutil.TestAPIKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddleware_NoKeysConfigured(t *testing.T) {
	r := NewServer(callerEcho()).Routes()
	rec := serve(r, http.MethodPost, "/v1/chat/completions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"caller":""}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	r := NewServer(callerEcho(), WithCORSOrigins([]string{"https://app.example.com"})).Routes()
	rec := serve(r, http.MethodOptions, "/v1/chat/completions", map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": APIKeyHeader,
	})
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestInteractionEndpoints(t *testing.T) {
	st := newInteractionStore(t)
	ctx := context.Background()
	first := &interaction.Interaction{AgentID: "agent-a", Model: "gpt-4o", Status: http.StatusOK}
	require.NoError(t, st.Record(ctx, first))
	require.NoError(t, st.Record(ctx, &interaction.Interaction{AgentID: "agent-b", Model: "gpt-4o", Status: http.StatusOK}))

	r := NewServer(callerEcho(), WithInteractions(st)).Routes()

	rec := serve(r, http.MethodGet, "/v1/interactions?agent_id=agent-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Interactions []interaction.Summary `json:"interactions"`
		Count        int                   `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, first.ID, list.Interactions[0].ID)

	rec = serve(r, http.MethodGet, "/v1/interactions/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got interaction.Interaction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "agent-a", got.AgentID)

	rec = serve(r, http.MethodGet, "/v1/interactions/"+first.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"`+first.ID+`","valid":true}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/v1/interactions/int_missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/v1/interactions/int_missing/verify", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/v1/interactions?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/v1/interactions?from=yesterday", nil).Code)
}

func TestProxyEndToEnd(t *testing.T) {
	ctx := context.Background()
	agents, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "archestra.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = agents.Close() })

	upstream := testutil.NewMockLLMServer(testutil.Turn{Response: testutil.TextResponse("hello from upstream")})
	t.Cleanup(upstream.Close)

	cfg := gateway.DefaultGatewayConfig()
	cfg.Upstream.BaseURL = upstream.URL
	log := newInteractionStore(t)
	gw, err := gateway.NewGateway(cfg, agents, llm.NewOpenAIClientFactory(upstream.URL, upstream.Client()), gateway.WithRecorder(log))
	require.NoError(t, err)

	r := NewServer(gw, WithAPIKeys(map[string]string{testutil.TestAPIKey: "ops-team"}), WithInteractions(log), WithStore(agents)).Routes()

	body, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    "gpt-4o",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set(APIKeyHeader, testutil.TestAPIKey)
	req.Header.Set("Authorization", "Bearer "+testutil.TestUpstreamKey)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "hello from upstream", resp.Choices[0].Message.Content)
	assert.Equal(t, []string{"Bearer " + testutil.TestUpstreamKey}, upstream.Authorizations())

	list, err := log.List(ctx, interaction.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ops-team", list[0].Caller)
	ok, err := log.Verify(ctx, list[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
