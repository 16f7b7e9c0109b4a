package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	"github.com/robertof1lho/archestra-sub000/internal/llm"
	"github.com/robertof1lho/archestra-sub000/internal/mcp"
	archotel "github.com/robertof1lho/archestra-sub000/internal/otel"
	"github.com/robertof1lho/archestra-sub000/internal/policy"
	"github.com/robertof1lho/archestra-sub000/internal/quarantine"
	"github.com/robertof1lho/archestra-sub000/internal/requestctx"
	"github.com/robertof1lho/archestra-sub000/internal/store"
)

var tracer = archotel.Tracer("github.com/robertof1lho/archestra-sub000/internal/gateway")

const (
	maxRequestBytes = 10 << 20
	recordTimeout   = 10 * time.Second
)

// AgentStore is what the gateway reads and writes per request. The store
// owns concurrency; nothing here is cached across requests.
type AgentStore interface {
	policy.Source
	AgentLookup
	RegisterRequestTools(ctx context.Context, agentID string, tools []store.Tool, defaults store.BindingDefaults) error
	AgentTools(ctx context.Context, agentID string, assignedOnly bool) ([]store.AgentTool, error)
}

// ToolExecutor runs tool calls on behalf of the model.
type ToolExecutor interface {
	CanExecute(name string) bool
	Execute(ctx context.Context, agentID string, calls []mcp.Call) ([]mcp.Result, error)
}

// InteractionRecorder persists one record per request.
type InteractionRecorder interface {
	Record(ctx context.Context, it *interaction.Interaction) error
}

// Gateway is the chat completions proxy handler.
type Gateway struct {
	config       *GatewayConfig
	store        AgentStore
	clients      llm.ClientFactory
	trust        *policy.TrustEvaluator
	invocation   *policy.InvocationEngine
	guardrails   *policy.Guardrails
	executor     ToolExecutor
	recorder     InteractionRecorder
	cache        QuarantineCache
	metrics      *Metrics
	rateLimiter  *RateLimiter
	timeouts     ParsedTimeouts
	roundTimeout time.Duration
	apiKey       string
}

// Option configures optional collaborators.
type Option func(*Gateway)

// WithExecutor lets the gateway run tool calls itself.
func WithExecutor(e ToolExecutor) Option {
	return func(g *Gateway) { g.executor = e }
}

// WithRecorder sets the interaction log.
func WithRecorder(r InteractionRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithGuardrails adds the Rego guardrails to invocation checks.
func WithGuardrails(gr *policy.Guardrails) Option {
	return func(g *Gateway) { g.guardrails = gr }
}

// WithQuarantineCache reuses sanitization summaries across turns.
func WithQuarantineCache(c QuarantineCache) Option {
	return func(g *Gateway) { g.cache = c }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway creates a new Gateway.
func NewGateway(config *GatewayConfig, agents AgentStore, clients llm.ClientFactory, opts ...Option) (*Gateway, error) {
	timeouts, err := config.ParseTimeouts()
	if err != nil {
		return nil, err
	}
	roundTimeout, err := config.QuarantineRoundTimeout()
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		config:       config,
		store:        agents,
		clients:      clients,
		trust:        policy.NewTrustEvaluator(agents),
		timeouts:     timeouts,
		roundTimeout: roundTimeout,
		rateLimiter:  NewRateLimiter(config.RateLimits.GlobalRequestsPerMin, config.RateLimits.PerAgentRequestsPerMin),
		apiKey:       config.UpstreamAPIKey(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.invocation = policy.NewInvocationEngine(agents, g.guardrails)
	return g, nil
}

// exchange is the per-request state shared by both response paths.
type exchange struct {
	agentID       string
	correlationID string
	client        llm.Client
	req           openai.ChatCompletionRequest
	trusted       bool
	record        *interaction.Interaction
	sse           *sseWriter
}

// ServeHTTP handles POST /v1/chat/completions and
// POST /v1/agents/{agentID}/chat/completions.
//
//nolint:gocyclo // pipeline steps are sequential and independent
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "gateway.chat_completions")
	defer span.End()

	correlationID := "gw_" + uuid.New().String()[:12]
	ctx = requestctx.SetCorrelationID(ctx, correlationID)

	if r.Method != http.MethodPost {
		WriteOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}

	// Step 1: decode the request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		WriteOpenAIError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}
	if len(body) > maxRequestBytes {
		WriteOpenAIError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteOpenAIError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "invalid_request_error")
		return
	}
	if req.Model == "" {
		req.Model = g.config.Upstream.DefaultModel
	}
	if req.Model == "" {
		WriteOpenAIError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}
	if len(req.Messages) == 0 {
		WriteOpenAIError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
		return
	}

	// Step 2: resolve the agent
	agent, err := ResolveAgent(ctx, g.store, chi.URLParam(r, "agentID"), r.Header.Get(AgentIDHeader))
	if errors.Is(err, ErrAgentNotFound) {
		WriteOpenAIError(w, http.StatusNotFound, err.Error(), "not_found_error")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("correlation_id", correlationID).Msg("gateway_agent_resolution_failed")
		WriteOpenAIError(w, http.StatusInternalServerError, "failed to resolve agent", "server_error")
		return
	}
	ctx = requestctx.SetAgentID(ctx, agent.ID)
	span.SetAttributes(
		attribute.String(string(archotel.AgentID), agent.ID),
		attribute.String(string(archotel.GenAIRequestModel), req.Model),
		attribute.Bool("gen_ai.request.stream", req.Stream),
	)

	ex := &exchange{
		agentID:       agent.ID,
		correlationID: correlationID,
		req:           req,
		record: &interaction.Interaction{
			CorrelationID: correlationID,
			AgentID:       agent.ID,
			Caller:        requestctx.Caller(ctx),
			Model:         req.Model,
			Stream:        req.Stream,
			Request:       json.RawMessage(body),
			Status:        http.StatusOK,
		},
	}
	if req.Stream {
		ex.sse = newSSEWriter(ctx, w)
	}
	defer g.finish(ctx, ex, start)

	// Step 3: rate limit per agent
	if !g.rateLimiter.Allow(agent.ID) {
		log.Warn().Str("agent_id", agent.ID).Msg("gateway_rate_limited")
		g.fail(w, ex, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
		return
	}

	// Step 4: register request tools and merge assigned ones
	if err := g.store.RegisterRequestTools(ctx, agent.ID, requestTools(req.Tools), g.config.BindingDefaults()); err != nil {
		log.Error().Err(err).Str("agent_id", agent.ID).Msg("gateway_tool_registration_failed")
		g.fail(w, ex, http.StatusInternalServerError, "failed to register tools", "server_error")
		return
	}
	assigned, err := g.store.AgentTools(ctx, agent.ID, true)
	if err != nil {
		log.Error().Err(err).Str("agent_id", agent.ID).Msg("gateway_assigned_tools_failed")
		g.fail(w, ex, http.StatusInternalServerError, "failed to load agent tools", "server_error")
		return
	}
	if merged := mergeTools(ex.req.Tools, assigned); len(merged) > 0 {
		ex.req.Tools = merged
	}

	ex.client = g.clients(g.upstreamKey(r))

	// Step 5: classify prior tool results
	trust, err := g.evaluateConversation(ctx, agent.ID, ex.req.Messages, g.quarantineRun(ex))
	if err != nil {
		log.Error().Err(err).Str("agent_id", agent.ID).Msg("gateway_trust_evaluation_failed")
		g.fail(w, ex, http.StatusInternalServerError, "failed to evaluate tool results", "server_error")
		return
	}
	ex.trusted = trust.Trusted
	ex.record.Trust = interaction.TrustSummary{ContextTrusted: trust.Trusted, Results: trust.Evaluations}
	ex.record.Quarantine = trust.Quarantine
	span.SetAttributes(attribute.Bool(string(archotel.ContextTrusted), trust.Trusted))

	// Step 6: call upstream
	if req.Stream {
		g.serveStream(ctx, w, ex)
		return
	}
	g.serveJSON(ctx, w, ex)
}

func (g *Gateway) upstreamKey(r *http.Request) string {
	if g.apiKey != "" {
		return g.apiKey
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (g *Gateway) quarantineRun(ex *exchange) *quarantineRun {
	q := &quarantineRun{
		sanitizer: quarantine.New(ex.client, quarantine.Config{
			MaxRounds:    g.config.Quarantine.MaxRounds,
			RoundTimeout: g.roundTimeout,
			Model:        g.config.Quarantine.Model,
			AskingModel:  g.config.Quarantine.AskingModel,
		}),
		model: ex.req.Model,
	}
	if ex.sse == nil || !g.config.Quarantine.StreamProgress {
		return q
	}
	tmpl := chunkTemplate{ID: "chatcmpl-" + ex.correlationID, Model: ex.req.Model, Created: time.Now().Unix()}
	q.announce = func(toolName string) {
		ex.sse.send(tmpl.content(quarantineIndicator(toolName)))
	}
	q.progress = func(toolName string, p quarantine.Progress) {
		answer := ""
		if p.Answer >= 0 && p.Answer < len(p.Options) {
			answer = p.Options[p.Answer]
		}
		ex.sse.send(tmpl.content(quarantineProgressLine(toolName, p.Round, p.Question, answer)))
	}
	return q
}

// fail writes an error in whichever form the response is already in.
func (g *Gateway) fail(w http.ResponseWriter, ex *exchange, status int, message, errType string) {
	ex.record.Status = status
	ex.record.Error = message
	if ex.sse != nil && ex.sse.started {
		ex.sse.sendError(message, errType)
		ex.sse.done()
		return
	}
	WriteOpenAIError(w, status, message, errType)
}

func (g *Gateway) failUpstream(w http.ResponseWriter, ex *exchange, err error) {
	status := llm.StatusFromError(err)
	log.Warn().Err(err).
		Str("agent_id", ex.agentID).
		Str("correlation_id", ex.correlationID).
		Int("status", status).
		Msg("gateway_upstream_failed")
	g.fail(w, ex, status, llm.MessageFromError(err), llm.ErrorType(err))
}

// finish writes the interaction record exactly once per request.
func (g *Gateway) finish(ctx context.Context, ex *exchange, start time.Time) {
	rec := ex.record
	rec.DurationMS = time.Since(start).Milliseconds()
	g.metrics.observeRequest(rec.Status, rec.Stream, time.Since(start).Seconds())
	llm.RecordTokenUsage(ctx, ex.agentID, rec.Model, rec.Usage.Input, rec.Usage.Output)

	log.Info().
		Str("correlation_id", ex.correlationID).
		Str("agent_id", ex.agentID).
		Str("model", rec.Model).
		Bool("stream", rec.Stream).
		Bool("context_trusted", rec.Trust.ContextTrusted).
		Bool("blocked", rec.Refusal != nil).
		Int("status", rec.Status).
		Int("llm_calls", rec.LLMCalls).
		Int64("duration_ms", rec.DurationMS).
		Func(archotel.LogTraceFields(ctx)).
		Msg("gateway_request_completed")

	if g.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := g.recorder.Record(recordCtx, rec); err != nil {
		log.Error().Err(err).Str("correlation_id", ex.correlationID).Msg("interaction_record_failed")
	}
}

func (g *Gateway) addUsage(ex *exchange, u openai.Usage) {
	ex.record.Usage.Input += u.PromptTokens
	ex.record.Usage.Output += u.CompletionTokens
}

// proposedCalls converts model tool calls for policy evaluation.
func proposedCalls(calls []openai.ToolCall) []policy.ProposedCall {
	out := make([]policy.ProposedCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, policy.ProposedCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}

// checkCalls runs invocation policies over a batch. A single blocked call
// refuses the whole batch.
func (g *Gateway) checkCalls(ctx context.Context, ex *exchange, calls []openai.ToolCall) (*policy.Refusal, error) {
	refusal, err := g.invocation.Evaluate(ctx, ex.agentID, proposedCalls(calls), ex.trusted)
	if err != nil {
		return nil, err
	}
	for _, c := range calls {
		ex.record.ToolCalls = append(ex.record.ToolCalls, interaction.ToolCall{
			ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments,
		})
	}
	if refusal != nil {
		ex.record.Refusal = &interaction.Refusal{ToolName: refusal.ToolName, Reason: refusal.Reason}
		g.metrics.callDecision("blocked")
		log.Info().
			Str("agent_id", ex.agentID).
			Str("tool", refusal.ToolName).
			Str("reason", refusal.Reason).
			Bool("context_trusted", ex.trusted).
			Msg("tool_call_blocked")
		return refusal, nil
	}
	g.metrics.callDecision("allowed")
	return nil, nil
}

// canExecuteAll reports whether every call can run on a configured MCP
// server. Otherwise the calls are handed back to the caller.
func (g *Gateway) canExecuteAll(calls []openai.ToolCall) bool {
	if g.executor == nil || len(calls) == 0 {
		return false
	}
	for _, c := range calls {
		if !g.executor.CanExecute(c.Function.Name) {
			return false
		}
	}
	return true
}

// executeTools runs the calls and returns the continuation request: the
// original messages, the assistant turn, one tool message per call, and no
// tools so the model cannot ask for another round.
func (g *Gateway) executeTools(ctx context.Context, ex *exchange, assistant openai.ChatCompletionMessage) (openai.ChatCompletionRequest, error) {
	calls := make([]mcp.Call, 0, len(assistant.ToolCalls))
	for _, c := range assistant.ToolCalls {
		calls = append(calls, mcp.Call{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	results, err := g.executor.Execute(ctx, ex.agentID, calls)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	next := ex.req
	next.Tools = nil
	next.ToolChoice = nil
	next.ParallelToolCalls = nil
	next.Messages = make([]openai.ChatCompletionMessage, 0, len(ex.req.Messages)+1+len(results))
	next.Messages = append(next.Messages, ex.req.Messages...)
	assistant.Role = openai.ChatMessageRoleAssistant
	next.Messages = append(next.Messages, assistant)
	for i, res := range results {
		next.Messages = append(next.Messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: res.ToolCallID,
			Name:       res.Name,
			Content:    toolResultContent(res),
		})
		for j := range ex.record.ToolCalls {
			if ex.record.ToolCalls[j].ID == res.ToolCallID {
				ex.record.ToolCalls[j].Executed = true
				ex.record.ToolCalls[j].IsError = results[i].IsError
			}
		}
	}

	// Executed results are classified like any other tool output before the
	// model sees them.
	trust, err := g.evaluateFrom(ctx, ex.agentID, next.Messages, len(ex.req.Messages)+1, g.quarantineRun(ex))
	if err != nil {
		return openai.ChatCompletionRequest{}, fmt.Errorf("classifying executed results: %w", err)
	}
	ex.trusted = ex.trusted && trust.Trusted
	ex.record.Trust.ContextTrusted = ex.trusted
	ex.record.Trust.Results = append(ex.record.Trust.Results, trust.Evaluations...)
	ex.record.Quarantine = append(ex.record.Quarantine, trust.Quarantine...)
	return next, nil
}

func toolResultContent(res mcp.Result) string {
	if !res.IsError {
		return res.Content
	}
	b, _ := json.Marshal(map[string]any{"isError": true, "error": res.Error})
	return string(b)
}

// serveJSON is the non-streaming path.
func (g *Gateway) serveJSON(ctx context.Context, w http.ResponseWriter, ex *exchange) {
	ex.req.Stream = false
	resp, err := ex.client.CreateChatCompletion(ctx, ex.req)
	ex.record.LLMCalls++
	if err != nil {
		g.failUpstream(w, ex, err)
		return
	}
	g.addUsage(ex, resp.Usage)

	if len(resp.Choices) > 0 && len(resp.Choices[0].Message.ToolCalls) > 0 {
		assistant := resp.Choices[0].Message
		refusal, err := g.checkCalls(ctx, ex, assistant.ToolCalls)
		if err != nil {
			log.Error().Err(err).Str("agent_id", ex.agentID).Msg("gateway_invocation_check_failed")
			g.fail(w, ex, http.StatusInternalServerError, "failed to evaluate tool calls", "server_error")
			return
		}
		switch {
		case refusal != nil:
			resp.Choices[0].Message.Content = refusal.Content
			resp.Choices[0].Message.Refusal = refusal.Refusal
			resp.Choices[0].Message.ToolCalls = nil
			resp.Choices[0].FinishReason = openai.FinishReasonStop
		case g.canExecuteAll(assistant.ToolCalls):
			next, err := g.executeTools(ctx, ex, assistant)
			if err != nil {
				log.Error().Err(err).Str("agent_id", ex.agentID).Msg("gateway_tool_execution_failed")
				g.fail(w, ex, http.StatusInternalServerError, "tool execution interrupted", "server_error")
				return
			}
			resp, err = ex.client.CreateChatCompletion(ctx, next)
			ex.record.LLMCalls++
			if err != nil {
				g.failUpstream(w, ex, err)
				return
			}
			g.addUsage(ex, resp.Usage)
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		g.fail(w, ex, http.StatusInternalServerError, "failed to encode response", "server_error")
		return
	}
	if len(resp.Choices) > 0 {
		if msg, err := json.Marshal(resp.Choices[0].Message); err == nil {
			ex.record.Response = msg
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// serveStream is the streaming path. Anything that is not tool call data is
// forwarded as it arrives; tool calls are held back until the stream ends
// and the whole batch has been checked.
func (g *Gateway) serveStream(ctx context.Context, w http.ResponseWriter, ex *exchange) {
	ex.req.Stream = true
	var final strings.Builder

	acc := &toolCallAccumulator{}
	tmpl, err := g.pump(ctx, ex, ex.req, &final, func(chunk openai.ChatCompletionStreamResponse) {
		if out, forward := splitDelta(chunk, acc); forward {
			ex.sse.send(out)
		}
	})
	if err != nil {
		g.failUpstream(w, ex, err)
		return
	}

	calls := acc.calls()
	assistant := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: final.String(), ToolCalls: calls}
	defer func() {
		if msg, err := json.Marshal(assistant); err == nil {
			ex.record.Response = msg
		}
	}()

	if len(calls) == 0 {
		ex.sse.done()
		return
	}

	refusal, err := g.checkCalls(ctx, ex, calls)
	if err != nil {
		log.Error().Err(err).Str("agent_id", ex.agentID).Msg("gateway_invocation_check_failed")
		g.fail(w, ex, http.StatusInternalServerError, "failed to evaluate tool calls", "server_error")
		return
	}
	if refusal != nil {
		ex.sse.send(tmpl.refusal(refusal))
		ex.sse.done()
		assistant = openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: refusal.Content, Refusal: refusal.Refusal}
		return
	}

	for _, c := range tmpl.toolCalls(calls) {
		ex.sse.send(c)
	}
	if !g.canExecuteAll(calls) {
		ex.sse.send(tmpl.chunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonToolCalls))
		ex.sse.done()
		return
	}

	next, err := g.executeTools(ctx, ex, assistant)
	if err != nil {
		log.Error().Err(err).Str("agent_id", ex.agentID).Msg("gateway_tool_execution_failed")
		g.fail(w, ex, http.StatusInternalServerError, "tool execution interrupted", "server_error")
		return
	}
	var continuation strings.Builder
	if _, err := g.pump(ctx, ex, next, &continuation, ex.sse.send); err != nil {
		g.failUpstream(w, ex, err)
		return
	}
	assistant = openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: continuation.String()}
	ex.sse.done()
}

// pump reads one upstream stream to the end, passing each chunk to emit and
// collecting content into text. The stream is cancelled when the caller goes
// away or no chunk arrives within the idle timeout.
func (g *Gateway) pump(ctx context.Context, ex *exchange, req openai.ChatCompletionRequest, text *strings.Builder, emit func(openai.ChatCompletionStreamResponse)) (chunkTemplate, error) {
	tmpl := chunkTemplate{ID: "chatcmpl-" + ex.correlationID, Model: req.Model, Created: time.Now().Unix()}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(g.timeouts.StreamIdleTimeout, cancel)
	defer idle.Stop()

	stream, err := ex.client.CreateChatCompletionStream(streamCtx, req)
	ex.record.LLMCalls++
	if err != nil {
		return tmpl, err
	}
	defer stream.Close()

	first := true
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return tmpl, nil
		}
		if err != nil {
			if streamCtx.Err() != nil && ctx.Err() == nil {
				return tmpl, context.DeadlineExceeded
			}
			return tmpl, err
		}
		idle.Reset(g.timeouts.StreamIdleTimeout)
		if first {
			tmpl.ID, tmpl.Model, tmpl.Created = chunk.ID, chunk.Model, chunk.Created
			first = false
		}
		if chunk.Usage != nil {
			g.addUsage(ex, *chunk.Usage)
		}
		for _, c := range chunk.Choices {
			text.WriteString(c.Delta.Content)
		}
		emit(chunk)
	}
}
