package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/robertof1lho/archestra-sub000/internal/policy"
)

// AddTrustedDataPolicy appends a trusted data policy to a binding. Policies
// are evaluated in insertion order.
func (s *Store) AddTrustedDataPolicy(ctx context.Context, p policy.TrustedDataPolicy) (*policy.TrustedDataPolicy, error) {
	if !p.Operator.Valid() {
		return nil, fmt.Errorf("invalid operator %q", p.Operator)
	}
	switch p.Action {
	case policy.ActionBlockAlways, policy.ActionMarkAsTrusted, policy.ActionSanitizeWithDual:
	default:
		return nil, fmt.Errorf("invalid trusted data action %q", p.Action)
	}
	p.ID = uuid.NewString()
	_, err := s.exec(ctx, `INSERT INTO trusted_data_policies
			(id, agent_tool_id, position, description, attribute_path, operator, value, action)
		VALUES (?, ?, (SELECT COUNT(*) FROM trusted_data_policies WHERE agent_tool_id = ?), ?, ?, ?, ?, ?)`,
		p.ID, p.AgentToolID, p.AgentToolID, p.Description, p.AttributePath, string(p.Operator), p.Value, string(p.Action))
	if err != nil {
		return nil, fmt.Errorf("inserting trusted data policy: %w", err)
	}
	return &p, nil
}

// TrustedDataPolicies returns the binding's trusted data policies in order.
func (s *Store) TrustedDataPolicies(ctx context.Context, agentToolID string) ([]policy.TrustedDataPolicy, error) {
	rows, err := s.query(ctx, `SELECT id, agent_tool_id, description, attribute_path, operator, value, action
		FROM trusted_data_policies WHERE agent_tool_id = ? ORDER BY position, id`, agentToolID)
	if err != nil {
		return nil, fmt.Errorf("querying trusted data policies: %w", err)
	}
	defer rows.Close()

	var out []policy.TrustedDataPolicy
	for rows.Next() {
		var p policy.TrustedDataPolicy
		var op, action string
		if err := rows.Scan(&p.ID, &p.AgentToolID, &p.Description, &p.AttributePath, &op, &p.Value, &action); err != nil {
			return nil, fmt.Errorf("scanning trusted data policy: %w", err)
		}
		p.Operator = policy.Operator(op)
		p.Action = policy.TrustedDataAction(action)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddToolInvocationPolicy appends an invocation policy to a binding.
func (s *Store) AddToolInvocationPolicy(ctx context.Context, p policy.ToolInvocationPolicy) (*policy.ToolInvocationPolicy, error) {
	if !p.Operator.Valid() {
		return nil, fmt.Errorf("invalid operator %q", p.Operator)
	}
	if p.Action != policy.InvocationAllowWhenUntrusted && p.Action != policy.InvocationBlockAlways {
		return nil, fmt.Errorf("invalid invocation action %q", p.Action)
	}
	p.ID = uuid.NewString()
	_, err := s.exec(ctx, `INSERT INTO tool_invocation_policies
			(id, agent_tool_id, position, argument_name, operator, value, action, reason)
		VALUES (?, ?, (SELECT COUNT(*) FROM tool_invocation_policies WHERE agent_tool_id = ?), ?, ?, ?, ?, ?)`,
		p.ID, p.AgentToolID, p.AgentToolID, p.ArgumentName, string(p.Operator), p.Value, string(p.Action), p.Reason)
	if err != nil {
		return nil, fmt.Errorf("inserting tool invocation policy: %w", err)
	}
	return &p, nil
}

// ToolInvocationPolicies returns the binding's invocation policies in order.
func (s *Store) ToolInvocationPolicies(ctx context.Context, agentToolID string) ([]policy.ToolInvocationPolicy, error) {
	rows, err := s.query(ctx, `SELECT id, agent_tool_id, argument_name, operator, value, action, reason
		FROM tool_invocation_policies WHERE agent_tool_id = ? ORDER BY position, id`, agentToolID)
	if err != nil {
		return nil, fmt.Errorf("querying tool invocation policies: %w", err)
	}
	defer rows.Close()

	var out []policy.ToolInvocationPolicy
	for rows.Next() {
		var p policy.ToolInvocationPolicy
		var op, action string
		if err := rows.Scan(&p.ID, &p.AgentToolID, &p.ArgumentName, &op, &p.Value, &action, &p.Reason); err != nil {
			return nil, fmt.Errorf("scanning tool invocation policy: %w", err)
		}
		p.Operator = policy.Operator(op)
		p.Action = policy.InvocationAction(action)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteBindingPolicies removes every policy attached to a binding.
func (s *Store) DeleteBindingPolicies(ctx context.Context, agentToolID string) error {
	if _, err := s.exec(ctx, `DELETE FROM trusted_data_policies WHERE agent_tool_id = ?`, agentToolID); err != nil {
		return fmt.Errorf("deleting trusted data policies: %w", err)
	}
	if _, err := s.exec(ctx, `DELETE FROM tool_invocation_policies WHERE agent_tool_id = ?`, agentToolID); err != nil {
		return fmt.Errorf("deleting tool invocation policies: %w", err)
	}
	return nil
}

var _ policy.Source = (*Store)(nil)
