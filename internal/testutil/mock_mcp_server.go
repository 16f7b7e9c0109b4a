package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
)

// MCPTool is a tool served by MockMCPServer. Handle returns the text result
// and whether it is an error result.
type MCPTool struct {
	Description string
	Handle      func(args map[string]any) (string, bool)
}

// MCPCall is a tools/call received by MockMCPServer.
type MCPCall struct {
	Name      string
	Arguments map[string]any
	Auth      string
}

// MockMCPServer answers tools/list and tools/call over JSON-RPC 2.0.
type MockMCPServer struct {
	*httptest.Server

	tools map[string]MCPTool
	mu    sync.Mutex
	calls []MCPCall
}

// NewMockMCPServer starts a server exposing tools.
func NewMockMCPServer(tools map[string]MCPTool) *MockMCPServer {
	m := &MockMCPServer{tools: tools}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// Calls returns the tools/call requests received so far.
func (m *MockMCPServer) Calls() []MCPCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MCPCall(nil), m.calls...)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

func (m *MockMCPServer) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, nil, nil, &rpcErr{Code: -32700, Message: "invalid JSON"})
		return
	}
	switch req.Method {
	case "tools/list":
		names := make([]string, 0, len(m.tools))
		for n := range m.tools {
			names = append(names, n)
		}
		sort.Strings(names)
		list := make([]map[string]any, 0, len(names))
		for _, n := range names {
			list = append(list, map[string]any{
				"name":        n,
				"description": m.tools[n].Description,
				"inputSchema": map[string]any{"type": "object"},
			})
		}
		writeRPC(w, req.ID, map[string]any{"tools": list}, nil)
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		m.mu.Lock()
		m.calls = append(m.calls, MCPCall{Name: params.Name, Arguments: params.Arguments, Auth: r.Header.Get("Authorization")})
		m.mu.Unlock()
		tool, ok := m.tools[params.Name]
		if !ok {
			writeRPC(w, req.ID, nil, &rpcErr{Code: -32602, Message: "unknown tool: " + params.Name})
			return
		}
		text, isErr := tool.Handle(params.Arguments)
		writeRPC(w, req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
			"isError": isErr,
		}, nil)
	default:
		writeRPC(w, req.ID, nil, &rpcErr{Code: -32601, Message: "method not found"})
	}
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeRPC(w http.ResponseWriter, id, result any, err *rpcErr) {
	resp := map[string]any{"jsonrpc": "2.0", "id": id}
	if err != nil {
		resp["error"] = err
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
