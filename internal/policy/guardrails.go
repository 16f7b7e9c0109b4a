package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	guardrailsFile  = "rego/tool_guardrails.rego"
	guardrailsQuery = "data.archestra.policy.tool_guardrails.deny"
)

// GuardrailConfig is loaded into OPA as data.guardrails.
type GuardrailConfig struct {
	ForbiddenTools          []string `yaml:"forbidden_tools" json:"forbidden_tools"`
	UntrustedForbiddenTools []string `yaml:"untrusted_forbidden_tools" json:"untrusted_forbidden_tools"`
	MaxArgumentBytes        int      `yaml:"max_argument_bytes" json:"max_argument_bytes"`
}

// GuardrailInput is the OPA input for one proposed call.
type GuardrailInput struct {
	ToolName       string
	Arguments      map[string]any
	ContextTrusted bool
}

// Guardrails runs the embedded Rego guardrails that apply to every agent on
// top of the per-tool invocation policies.
type Guardrails struct {
	query            rego.PreparedEvalQuery
	maxArgumentBytes int
}

// NewGuardrails prepares the guardrail query with cfg as OPA data.
func NewGuardrails(ctx context.Context, cfg GuardrailConfig) (*Guardrails, error) {
	ctx, span := tracer.Start(ctx, "policy.guardrails.new")
	defer span.End()

	content, err := embeddedPolicies.ReadFile(guardrailsFile)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", guardrailsFile, err)
	}
	data, err := guardrailData(cfg)
	if err != nil {
		return nil, err
	}
	r := rego.New(
		rego.Query(guardrailsQuery),
		rego.Module(guardrailsFile, string(content)),
		rego.Store(inmem.NewFromObject(map[string]any{"guardrails": data})),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("preparing Rego policy %s: %w", guardrailsFile, err)
	}
	return &Guardrails{query: pq, maxArgumentBytes: cfg.MaxArgumentBytes}, nil
}

// guardrailData round-trips cfg through JSON so OPA sees plain maps and
// empty lists instead of nil slices.
func guardrailData(cfg GuardrailConfig) (map[string]any, error) {
	if cfg.ForbiddenTools == nil {
		cfg.ForbiddenTools = []string{}
	}
	if cfg.UntrustedForbiddenTools == nil {
		cfg.UntrustedForbiddenTools = []string{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding guardrail data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding guardrail data: %w", err)
	}
	return out, nil
}

// Evaluate returns the deny reasons for one call, sorted; none means allowed.
func (g *Guardrails) Evaluate(ctx context.Context, in GuardrailInput) ([]string, error) {
	ctx, span := tracer.Start(ctx, "policy.guardrails.evaluate",
		trace.WithAttributes(attribute.String("tool.name", in.ToolName)))
	defer span.End()

	argBytes := 0
	if raw, err := json.Marshal(in.Arguments); err == nil {
		argBytes = len(raw)
	}
	input := map[string]any{
		"tool_name":          in.ToolName,
		"context_trusted":    in.ContextTrusted,
		"argument_bytes":     argBytes,
		"max_argument_bytes": g.maxArgumentBytes,
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating %s: %w", guardrailsFile, err)
	}
	reasons := denyReasons(results)
	span.SetAttributes(attribute.Int("policy.deny_reasons", len(reasons)))
	return reasons, nil
}

func denyReasons(results rego.ResultSet) []string {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil
	}
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []any:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]any:
		for msg := range v {
			reasons = append(reasons, msg)
		}
	}
	sort.Strings(reasons)
	return reasons
}
