package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 8 << 20

// Client speaks JSON-RPC 2.0 to one MCP server over HTTP.
type Client struct {
	name       string
	url        string
	authHeader string
	httpClient *http.Client
}

// NewClient builds a client for cfg. ${VAR} references in the auth header are
// expanded from the environment.
func NewClient(cfg ServerConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout, _ := cfg.timeout()
	return &Client{
		name:       cfg.Name,
		url:        cfg.URL,
		authHeader: ExpandEnv(cfg.AuthHeader),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var out toolsListResult
	if err := c.call(ctx, "tools/list", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool calls tools/call with the server-local tool name. arguments must be
// a JSON object or empty.
func (c *Client) CallTool(ctx context.Context, tool string, arguments json.RawMessage) (*toolsCallResult, error) {
	ctx, span := tracer.Start(ctx, "mcp.tools.call",
		trace.WithAttributes(
			attribute.String("mcp.server", c.name),
			attribute.String("mcp.tool", tool),
		))
	defer span.End()

	var out toolsCallResult
	if err := c.call(ctx, "tools/call", toolsCallParams{Name: tool, Arguments: arguments}, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("mcp.is_error", out.IsError))
	return &out, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}
	body, err := json.Marshal(jsonrpcRequest{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  rawParams,
		ID:      uuid.New().String(),
	})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		parts := strings.SplitN(c.authHeader, ":", 2)
		if len(parts) == 2 {
			req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		}
	}
	//nolint:gosec // G704: server URL comes from operator config, not request input
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mcp server %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("mcp server %s: reading response: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mcp server %s: http status %d", c.name, resp.StatusCode)
	}
	var rpcResp jsonrpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("mcp server %s: invalid response: %w", c.name, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("mcp server %s: decoding %s result: %w", c.name, method, err)
	}
	return nil
}
