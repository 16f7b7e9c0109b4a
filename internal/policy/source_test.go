package policy

import (
	"context"
	"errors"
)

// memSource is an in-memory Source for tests.
type memSource struct {
	bindings    []AgentTool
	trusted     map[string][]TrustedDataPolicy
	invocations map[string][]ToolInvocationPolicy
	err         error
	lookups     int
}

func newMemSource(bindings ...AgentTool) *memSource {
	return &memSource{
		bindings:    bindings,
		trusted:     map[string][]TrustedDataPolicy{},
		invocations: map[string][]ToolInvocationPolicy{},
	}
}

func (s *memSource) LookupAgentTool(_ context.Context, agentID, toolName string) (*AgentTool, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	for i := range s.bindings {
		b := s.bindings[i]
		if b.AgentID == agentID && ToolNameMatches(b.ToolName, toolName) {
			return &b, nil
		}
	}
	return nil, nil
}

func (s *memSource) TrustedDataPolicies(_ context.Context, agentToolID string) ([]TrustedDataPolicy, error) {
	return s.trusted[agentToolID], nil
}

func (s *memSource) ToolInvocationPolicies(_ context.Context, agentToolID string) ([]ToolInvocationPolicy, error) {
	return s.invocations[agentToolID], nil
}

var errSourceDown = errors.New("source down")
