package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/robertof1lho/archestra-sub000/internal/policy"
)

// Seed is the YAML document describing agents, their tools and policies.
type Seed struct {
	Agents []SeedAgent `yaml:"agents" json:"agents"`
}

// SeedAgent is one agent entry in a seed file.
type SeedAgent struct {
	Name    string     `yaml:"name" json:"name"`
	Default bool       `yaml:"default,omitempty" json:"default,omitempty"`
	Tools   []SeedTool `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// SeedTool is a tool assigned to an agent together with its policies.
type SeedTool struct {
	Name                                 string                        `yaml:"name" json:"name"`
	Description                          string                        `yaml:"description,omitempty" json:"description,omitempty"`
	MCPServer                            string                        `yaml:"mcp_server,omitempty" json:"mcp_server,omitempty"`
	Parameters                           map[string]any                `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	AllowUsageWhenUntrustedDataIsPresent bool                          `yaml:"allow_usage_when_untrusted_data_is_present,omitempty" json:"allow_usage_when_untrusted_data_is_present,omitempty"`
	ToolResultTreatment                  string                        `yaml:"tool_result_treatment,omitempty" json:"tool_result_treatment,omitempty"`
	TrustedDataPolicies                  []policy.TrustedDataPolicy    `yaml:"trusted_data_policies,omitempty" json:"trusted_data_policies,omitempty"`
	ToolInvocationPolicies               []policy.ToolInvocationPolicy `yaml:"tool_invocation_policies,omitempty" json:"tool_invocation_policies,omitempty"`
}

const seedSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Archestra seed file",
  "type": "object",
  "required": ["agents"],
  "additionalProperties": false,
  "properties": {
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "default": {"type": "boolean"},
          "tools": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "additionalProperties": false,
              "properties": {
                "name": {"type": "string", "minLength": 1},
                "description": {"type": "string"},
                "mcp_server": {"type": "string"},
                "parameters": {"type": "object"},
                "allow_usage_when_untrusted_data_is_present": {"type": "boolean"},
                "tool_result_treatment": {"enum": ["trusted", "untrusted", "sanitize_with_dual_llm"]},
                "trusted_data_policies": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["attribute_path", "operator", "value", "action"],
                    "properties": {
                      "description": {"type": "string"},
                      "attribute_path": {"type": "string", "minLength": 1},
                      "operator": {"$ref": "#/definitions/operator"},
                      "value": {"type": "string"},
                      "action": {"enum": ["block_always", "mark_as_trusted", "sanitize_with_dual_llm"]}
                    }
                  }
                },
                "tool_invocation_policies": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["argument_name", "operator", "value", "action"],
                    "properties": {
                      "argument_name": {"type": "string", "minLength": 1},
                      "operator": {"$ref": "#/definitions/operator"},
                      "value": {"type": "string"},
                      "action": {"enum": ["allow_when_context_is_untrusted", "block_always"]},
                      "reason": {"type": "string"}
                    }
                  }
                }
              }
            }
          }
        }
      }
    }
  },
  "definitions": {
    "operator": {"enum": ["endsWith", "startsWith", "contains", "notContains", "equal", "notEqual", "regex"]}
  }
}`

// ValidateSeed checks YAML seed bytes against the seed schema. The YAML is
// converted to JSON first because gojsonschema operates on JSON.
func ValidateSeed(yamlBytes []byte) error {
	var raw any
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing seed YAML: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("converting seed YAML to JSON: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(seedSchema),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("seed schema validation failed: %w", err)
	}
	if !result.Valid() {
		var b strings.Builder
		for _, verr := range result.Errors() {
			fmt.Fprintf(&b, "- %s\n", verr)
		}
		return fmt.Errorf("seed schema validation errors:\n%s", b.String())
	}
	return nil
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	if err := ValidateSeed(data); err != nil {
		return nil, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decoding seed file: %w", err)
	}
	return &seed, nil
}

// ApplySeed creates or updates everything the seed describes. Policies of a
// seeded binding are replaced, so applying the same seed twice is a no-op.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) error {
	ctx, span := tracer.Start(ctx, "store.seed.apply")
	defer span.End()

	for _, sa := range seed.Agents {
		agent, err := s.GetAgentByName(ctx, sa.Name)
		if errors.Is(err, ErrNotFound) {
			agent, err = s.CreateAgent(ctx, sa.Name, sa.Default)
		}
		if err != nil {
			return fmt.Errorf("seeding agent %s: %w", sa.Name, err)
		}
		for _, st := range sa.Tools {
			if err := s.seedTool(ctx, agent.ID, st); err != nil {
				return fmt.Errorf("seeding tool %s for agent %s: %w", st.Name, sa.Name, err)
			}
		}
		log.Info().Str("agent", sa.Name).Int("tools", len(sa.Tools)).Msg("seed_agent_applied")
	}
	return nil
}

func (s *Store) seedTool(ctx context.Context, agentID string, st SeedTool) error {
	var params string
	if len(st.Parameters) > 0 {
		raw, err := json.Marshal(st.Parameters)
		if err != nil {
			return fmt.Errorf("encoding parameters: %w", err)
		}
		params = string(raw)
	}
	tool, err := s.UpsertTool(ctx, Tool{
		Name:        st.Name,
		Description: st.Description,
		Parameters:  params,
		MCPServer:   st.MCPServer,
	})
	if err != nil {
		return err
	}
	treatment := policy.ResultTreatment(st.ToolResultTreatment)
	if treatment == "" {
		treatment = policy.TreatUntrusted
	}
	binding, err := s.AssignTool(ctx, agentID, tool.ID, BindingDefaults{
		AllowUsageWhenUntrustedDataIsPresent: st.AllowUsageWhenUntrustedDataIsPresent,
		ToolResultTreatment:                  treatment,
	})
	if err != nil {
		return err
	}
	if err := s.DeleteBindingPolicies(ctx, binding.ID); err != nil {
		return err
	}
	for _, p := range st.TrustedDataPolicies {
		p.AgentToolID = binding.ID
		if _, err := s.AddTrustedDataPolicy(ctx, p); err != nil {
			return err
		}
	}
	for _, p := range st.ToolInvocationPolicies {
		p.AgentToolID = binding.ID
		if _, err := s.AddToolInvocationPolicy(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
