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
)

// DefaultAgentName is the name of the agent created when a request names none
// and no default exists yet.
const DefaultAgentName = "Default Agent"

// Agent is a configured client identity that owns tool bindings.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

const agentColumns = `id, name, is_default, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.Name, &a.IsDefault, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent inserts an agent. Making it the default clears the flag on any
// other agent.
func (s *Store) CreateAgent(ctx context.Context, name string, isDefault bool) (*Agent, error) {
	ctx, span := tracer.Start(ctx, "store.agent.create",
		trace.WithAttributes(attribute.String("agent.name", name)))
	defer span.End()

	if name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	a := &Agent{ID: uuid.NewString(), Name: name, IsDefault: isDefault, CreatedAt: time.Now().UTC()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if isDefault {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE agents SET is_default = ? WHERE is_default = ?`), false, true); err != nil {
			return nil, fmt.Errorf("clearing default agent: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?)`),
		a.ID, a.Name, a.IsDefault, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting agent %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing agent %s: %w", name, err)
	}
	return a, nil
}

// GetAgent returns the agent with the given id or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent %s: %w", id, err)
	}
	return a, nil
}

// GetAgentByName returns the agent with the given name or ErrNotFound.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	a, err := scanAgent(s.queryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent %q: %w", name, err)
	}
	return a, nil
}

// DefaultAgent returns the default agent, creating DefaultAgentName when the
// store has none.
func (s *Store) DefaultAgent(ctx context.Context) (*Agent, error) {
	ctx, span := tracer.Start(ctx, "store.agent.default")
	defer span.End()

	a, err := s.findDefaultAgent(ctx)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	created, createErr := s.CreateAgent(ctx, DefaultAgentName, true)
	if createErr == nil {
		return created, nil
	}
	// a concurrent request may have created it first
	if a, err := s.findDefaultAgent(ctx); err == nil {
		return a, nil
	}
	if a, err := s.GetAgentByName(ctx, DefaultAgentName); err == nil {
		return a, nil
	}
	return nil, createErr
}

func (s *Store) findDefaultAgent(ctx context.Context) (*Agent, error) {
	a, err := scanAgent(s.queryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE is_default = ? ORDER BY created_at LIMIT 1`, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default agent: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying default agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
