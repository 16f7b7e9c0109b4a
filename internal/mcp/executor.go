// Package mcp executes tool calls against MCP servers over JSON-RPC 2.0.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/robertof1lho/archestra-sub000/internal/otel"
)

var tracer = otel.Tracer("github.com/robertof1lho/archestra-sub000/internal/mcp")

// Call is a tool call proposed by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the outcome of one call. Failures of a single call are reported
// here rather than as an error from Execute.
type Result struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
	Error      string
}

// Executor routes "<server>__<tool>" calls to configured MCP servers.
type Executor struct {
	clients map[string]*Client
}

// NewExecutor builds clients for every configured server.
func NewExecutor(servers []ServerConfig) (*Executor, error) {
	e := &Executor{clients: make(map[string]*Client, len(servers))}
	for _, cfg := range servers {
		if _, dup := e.clients[cfg.Name]; dup {
			return nil, fmt.Errorf("mcp server %q configured twice", cfg.Name)
		}
		c, err := NewClient(cfg)
		if err != nil {
			return nil, err
		}
		e.clients[cfg.Name] = c
	}
	return e, nil
}

// Servers returns configured server names in sorted order.
func (e *Executor) Servers() []string {
	names := make([]string, 0, len(e.clients))
	for n := range e.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client returns the client for a server.
func (e *Executor) Client(server string) (*Client, bool) {
	c, ok := e.clients[server]
	return c, ok
}

// CanExecute reports whether name routes to a configured server.
func (e *Executor) CanExecute(name string) bool {
	server, _, ok := SplitToolName(name)
	if !ok {
		return false
	}
	_, ok = e.clients[server]
	return ok
}

// Execute runs calls one after another and returns one Result per call in
// the same order. An error is returned only when ctx is done.
func (e *Executor) Execute(ctx context.Context, agentID string, calls []Call) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "mcp.execute")
	defer span.End()

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		start := time.Now()
		res := e.executeOne(ctx, call)
		log.Debug().
			Str("agent_id", agentID).
			Str("tool", call.Name).
			Bool("is_error", res.IsError).
			Dur("duration", time.Since(start)).
			Msg("mcp_tool_executed")
		results = append(results, res)
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, call Call) Result {
	res := Result{ToolCallID: call.ID, Name: call.Name}
	fail := func(msg string) Result {
		res.IsError = true
		res.Error = msg
		return res
	}

	server, tool, ok := SplitToolName(call.Name)
	if !ok {
		return fail(fmt.Sprintf("tool %q is not served by an MCP server", call.Name))
	}
	client, ok := e.clients[server]
	if !ok {
		return fail(fmt.Sprintf("mcp server %q is not configured", server))
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return fail("tool arguments are not valid JSON")
	}

	out, err := client.CallTool(ctx, tool, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", call.Name).Msg("mcp_tool_call_failed")
		return fail(err.Error())
	}
	text := resultText(out)
	if out.IsError {
		return fail(text)
	}
	res.Content = text
	return res
}

// resultText flattens a tools/call result. Structured content wins; otherwise
// text blocks are joined, and anything else is passed through as JSON.
func resultText(r *toolsCallResult) string {
	if r.StructuredContent != nil {
		if b, err := json.Marshal(r.StructuredContent); err == nil {
			return string(b)
		}
	}
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		if block.Type != "text" {
			b, _ := json.Marshal(r.Content)
			return string(b)
		}
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n")
}
