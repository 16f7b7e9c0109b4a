package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/robertof1lho/archestra-sub000/internal/policy"
)

// Tool is a callable tool definition. MCPServer is set for tools served by a
// configured MCP server; tools first seen in client requests have none.
type Tool struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Parameters  string    `json:"parameters,omitempty"`
	MCPServer   string    `json:"mcp_server,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AgentTool is a tool together with its binding to an agent. Assigned marks
// bindings made by an operator rather than registered from a request.
type AgentTool struct {
	Tool     Tool             `json:"tool"`
	Binding  policy.AgentTool `json:"binding"`
	Assigned bool             `json:"assigned"`
}

// BindingDefaults are applied to bindings created for request tools.
type BindingDefaults struct {
	AllowUsageWhenUntrustedDataIsPresent bool
	ToolResultTreatment                  policy.ResultTreatment
}

// UpsertTool creates the tool or updates its definition when the name exists.
func (s *Store) UpsertTool(ctx context.Context, t Tool) (*Tool, error) {
	ctx, span := tracer.Start(ctx, "store.tool.upsert",
		trace.WithAttributes(attribute.String("tool.name", t.Name)))
	defer span.End()

	if t.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	_, err := s.exec(ctx, `INSERT INTO tools (id, name, description, parameters, mcp_server, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET description = excluded.description,
			parameters = excluded.parameters, mcp_server = excluded.mcp_server`,
		uuid.NewString(), t.Name, t.Description, t.Parameters, t.MCPServer, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("upserting tool %s: %w", t.Name, err)
	}
	return s.getToolByName(ctx, t.Name)
}

func (s *Store) getToolByName(ctx context.Context, name string) (*Tool, error) {
	var t Tool
	err := s.queryRow(ctx, `SELECT id, name, description, parameters, mcp_server, created_at FROM tools WHERE name = ?`, name).
		Scan(&t.ID, &t.Name, &t.Description, &t.Parameters, &t.MCPServer, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying tool %s: %w", name, err)
	}
	return &t, nil
}

// RegisterRequestTools records tools seen in a client request and binds them
// to the agent with defaults. Existing tools and bindings are left as they are.
func (s *Store) RegisterRequestTools(ctx context.Context, agentID string, tools []Tool, defaults BindingDefaults) error {
	ctx, span := tracer.Start(ctx, "store.tool.register_request",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Int("tool.count", len(tools)),
		))
	defer span.End()

	if !defaults.ToolResultTreatment.Valid() {
		defaults.ToolResultTreatment = policy.TreatUntrusted
	}
	for _, t := range tools {
		if t.Name == "" {
			continue
		}
		_, err := s.exec(ctx, `INSERT INTO tools (id, name, description, parameters, mcp_server, created_at)
			VALUES (?, ?, ?, ?, '', ?) ON CONFLICT (name) DO NOTHING`,
			uuid.NewString(), t.Name, t.Description, t.Parameters, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("registering tool %s: %w", t.Name, err)
		}
		stored, err := s.getToolByName(ctx, t.Name)
		if err != nil {
			return err
		}
		if err := s.bind(ctx, agentID, stored.ID, false, defaults, false); err != nil {
			return err
		}
	}
	return nil
}

// AssignTool binds a tool to an agent as an operator assignment, replacing
// the binding's settings when it already exists.
func (s *Store) AssignTool(ctx context.Context, agentID, toolID string, settings BindingDefaults) (*policy.AgentTool, error) {
	if !settings.ToolResultTreatment.Valid() {
		return nil, fmt.Errorf("invalid tool result treatment %q", settings.ToolResultTreatment)
	}
	if err := s.bind(ctx, agentID, toolID, true, settings, true); err != nil {
		return nil, err
	}
	var b policy.AgentTool
	err := s.queryRow(ctx, `SELECT at.id, at.agent_id, at.tool_id, t.name,
			at.allow_usage_when_untrusted_data_is_present, at.tool_result_treatment
		FROM agent_tools at JOIN tools t ON t.id = at.tool_id
		WHERE at.agent_id = ? AND at.tool_id = ?`, agentID, toolID).
		Scan(&b.ID, &b.AgentID, &b.ToolID, &b.ToolName, &b.AllowUsageWhenUntrustedDataIsPresent, &b.ToolResultTreatment)
	if err != nil {
		return nil, fmt.Errorf("reading binding: %w", err)
	}
	return &b, nil
}

func (s *Store) bind(ctx context.Context, agentID, toolID string, assigned bool, settings BindingDefaults, overwrite bool) error {
	conflict := `ON CONFLICT (agent_id, tool_id) DO NOTHING`
	if overwrite {
		conflict = `ON CONFLICT (agent_id, tool_id) DO UPDATE SET assigned = excluded.assigned,
			allow_usage_when_untrusted_data_is_present = excluded.allow_usage_when_untrusted_data_is_present,
			tool_result_treatment = excluded.tool_result_treatment`
	}
	_, err := s.exec(ctx, `INSERT INTO agent_tools (id, agent_id, tool_id, assigned,
			allow_usage_when_untrusted_data_is_present, tool_result_treatment)
		VALUES (?, ?, ?, ?, ?, ?) `+conflict,
		uuid.NewString(), agentID, toolID, assigned,
		settings.AllowUsageWhenUntrustedDataIsPresent, string(settings.ToolResultTreatment))
	if err != nil {
		return fmt.Errorf("binding tool %s to agent %s: %w", toolID, agentID, err)
	}
	return nil
}

const agentToolQuery = `SELECT t.id, t.name, t.description, t.parameters, t.mcp_server, t.created_at,
		at.id, at.agent_id, at.tool_id, at.assigned,
		at.allow_usage_when_untrusted_data_is_present, at.tool_result_treatment
	FROM agent_tools at JOIN tools t ON t.id = at.tool_id
	WHERE at.agent_id = ?`

// AgentTools returns every tool bound to the agent ordered by tool name.
// With assignedOnly set, request-registered bindings are skipped.
func (s *Store) AgentTools(ctx context.Context, agentID string, assignedOnly bool) ([]AgentTool, error) {
	ctx, span := tracer.Start(ctx, "store.agent_tools.list",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	q := agentToolQuery
	args := []any{agentID}
	if assignedOnly {
		q += ` AND at.assigned = ?`
		args = append(args, true)
	}
	rows, err := s.query(ctx, q+` ORDER BY t.name`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agent tools: %w", err)
	}
	defer rows.Close()

	var out []AgentTool
	for rows.Next() {
		var at AgentTool
		var treatment string
		if err := rows.Scan(&at.Tool.ID, &at.Tool.Name, &at.Tool.Description, &at.Tool.Parameters,
			&at.Tool.MCPServer, &at.Tool.CreatedAt,
			&at.Binding.ID, &at.Binding.AgentID, &at.Binding.ToolID, &at.Assigned,
			&at.Binding.AllowUsageWhenUntrustedDataIsPresent, &treatment); err != nil {
			return nil, fmt.Errorf("scanning agent tool: %w", err)
		}
		at.Binding.ToolName = at.Tool.Name
		at.Binding.ToolResultTreatment = policy.ResultTreatment(treatment)
		out = append(out, at)
	}
	return out, rows.Err()
}

// LookupAgentTool returns the agent's binding for toolName, or nil when the
// tool is not bound. An exact name wins over a server-prefixed match.
func (s *Store) LookupAgentTool(ctx context.Context, agentID, toolName string) (*policy.AgentTool, error) {
	tools, err := s.AgentTools(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	var suffixMatch *policy.AgentTool
	for i := range tools {
		b := tools[i].Binding
		if b.ToolName == toolName {
			return &b, nil
		}
		if suffixMatch == nil && policy.ToolNameMatches(b.ToolName, toolName) {
			suffixMatch = &b
		}
	}
	return suffixMatch, nil
}
