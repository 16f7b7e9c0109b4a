package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/robertof1lho/archestra-sub000/internal/store"
)

// AgentIDHeader selects an agent when the route carries none.
const AgentIDHeader = "X-Archestra-Agent-Id"

// ErrAgentNotFound is returned for an explicit agent id that does not exist.
var ErrAgentNotFound = errors.New("agent not found")

// AgentLookup is the part of the store ResolveAgent needs.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	DefaultAgent(ctx context.Context) (*store.Agent, error)
}

// ResolveAgent picks the agent for a request. Precedence: the agent id in
// the route, then the X-Archestra-Agent-Id header, then the default agent
// (created on first use). An explicit id that does not exist is an error,
// never a silent fallback to the default.
func ResolveAgent(ctx context.Context, agents AgentLookup, pathAgentID, headerAgentID string) (*store.Agent, error) {
	for _, id := range []string{pathAgentID, headerAgentID} {
		if id == "" {
			continue
		}
		a, err := agents.GetAgent(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return agents.DefaultAgent(ctx)
}
