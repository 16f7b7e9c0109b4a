package gateway

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/robertof1lho/archestra-sub000/internal/store"
)

const emptyParameters = `{"type":"object","properties":{}}`

// requestTools converts the function tools of a request for registration.
func requestTools(tools []openai.Tool) []store.Tool {
	out := make([]store.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil || t.Function.Name == "" {
			continue
		}
		var params string
		if t.Function.Parameters != nil {
			if b, err := json.Marshal(t.Function.Parameters); err == nil {
				params = string(b)
			}
		}
		out = append(out, store.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	return out
}

// mergeTools returns the request tools with assigned tools overriding any
// request tool of the same name; assigned tools the request lacks are appended.
func mergeTools(reqTools []openai.Tool, assigned []store.AgentTool) []openai.Tool {
	byName := make(map[string]openai.Tool, len(assigned))
	order := make([]string, 0, len(assigned))
	for _, at := range assigned {
		if _, dup := byName[at.Tool.Name]; dup {
			continue
		}
		byName[at.Tool.Name] = assignedTool(at.Tool)
		order = append(order, at.Tool.Name)
	}

	merged := make([]openai.Tool, 0, len(reqTools)+len(assigned))
	used := make(map[string]bool, len(byName))
	for _, t := range reqTools {
		if t.Function != nil {
			if override, ok := byName[t.Function.Name]; ok {
				if !used[t.Function.Name] {
					merged = append(merged, override)
					used[t.Function.Name] = true
				}
				continue
			}
		}
		merged = append(merged, t)
	}
	for _, name := range order {
		if !used[name] {
			merged = append(merged, byName[name])
		}
	}
	return merged
}

func assignedTool(t store.Tool) openai.Tool {
	params := t.Parameters
	if params == "" || !json.Valid([]byte(params)) {
		params = emptyParameters
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  json.RawMessage(params),
		},
	}
}
