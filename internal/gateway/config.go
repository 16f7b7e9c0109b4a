// Package gateway is the OpenAI-compatible proxy that mediates tool use.
//
// Each chat request is pinned to an agent, its tools are registered and
// merged with the agent's assigned tools, prior tool results are classified
// (and quarantined when policy asks for it), and any tool calls proposed by
// the model are checked against invocation policies before they reach the
// caller or an MCP server.
package gateway

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robertof1lho/archestra-sub000/internal/mcp"
	"github.com/robertof1lho/archestra-sub000/internal/policy"
	"github.com/robertof1lho/archestra-sub000/internal/quarantine"
	"github.com/robertof1lho/archestra-sub000/internal/store"
)

// GatewayConfig is the proxy configuration loaded from YAML.
//
//revive:disable-next-line:exported
type GatewayConfig struct {
	Upstream     UpstreamConfig         `yaml:"upstream" json:"upstream"`
	Timeouts     TimeoutsConfig         `yaml:"timeouts" json:"timeouts"`
	RateLimits   RateLimitsConfig       `yaml:"rate_limits" json:"rate_limits"`
	Quarantine   QuarantineConfig       `yaml:"quarantine" json:"quarantine"`
	ToolDefaults ToolDefaultsConfig     `yaml:"tool_defaults" json:"tool_defaults"`
	Guardrails   policy.GuardrailConfig `yaml:"guardrails" json:"guardrails"`
	MCPServers   []mcp.ServerConfig     `yaml:"mcp_servers" json:"mcp_servers"`
	Interactions InteractionsConfig     `yaml:"interactions" json:"interactions"`
}

// UpstreamConfig is the OpenAI-compatible provider behind the proxy.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIKeyEnv names the env var holding the provider key. When empty, the
	// caller's Authorization bearer token is forwarded.
	APIKeyEnv    string `yaml:"api_key_env" json:"api_key_env"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
}

// TimeoutsConfig holds duration strings.
type TimeoutsConfig struct {
	ConnectTimeout    string `yaml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout    string `yaml:"request_timeout" json:"request_timeout"`
	StreamIdleTimeout string `yaml:"stream_idle_timeout" json:"stream_idle_timeout"`
}

// RateLimitsConfig is in requests per minute.
type RateLimitsConfig struct {
	GlobalRequestsPerMin   int `yaml:"global_requests_per_min" json:"global_requests_per_min"`
	PerAgentRequestsPerMin int `yaml:"per_agent_requests_per_min" json:"per_agent_requests_per_min"`
}

// QuarantineConfig controls dual-LLM sanitization.
type QuarantineConfig struct {
	Enabled        *bool  `yaml:"enabled" json:"enabled"`
	MaxRounds      int    `yaml:"max_rounds" json:"max_rounds"`
	RoundTimeout   string `yaml:"round_timeout" json:"round_timeout"`
	Model          string `yaml:"model" json:"model"`
	AskingModel    string `yaml:"asking_model" json:"asking_model"`
	StreamProgress bool   `yaml:"stream_progress" json:"stream_progress"`
}

// ToolDefaultsConfig applies to bindings created for tools first seen in a
// request.
type ToolDefaultsConfig struct {
	ResultTreatment    string `yaml:"result_treatment" json:"result_treatment"`
	AllowWhenUntrusted bool   `yaml:"allow_when_untrusted" json:"allow_when_untrusted"`
}

// InteractionsConfig controls interaction log retention.
type InteractionsConfig struct {
	Retention         string `yaml:"retention" json:"retention"`
	RetentionSchedule string `yaml:"retention_schedule" json:"retention_schedule"`
}

// Default values applied when config omits them.
const (
	DefaultUpstreamBaseURL   = "https://api.openai.com"
	DefaultConnectTimeout    = "5s"
	DefaultRequestTimeout    = "120s"
	DefaultStreamIdleTimeout = "60s"
	DefaultGlobalRPM         = 300
	DefaultPerAgentRPM       = 60
	DefaultRoundTimeout      = "30s"
	DefaultResultTreatment   = string(policy.TreatUntrusted)
	DefaultRetention         = "720h"
)

// LoadGatewayConfig loads gateway configuration from a YAML file.
// If the file has a top-level "gateway" key, that subtree is used.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway config %s: %w", path, err)
	}
	return ParseGatewayConfig(data)
}

// ParseGatewayConfig parses, defaults and validates YAML config bytes.
func ParseGatewayConfig(data []byte) (*GatewayConfig, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}

	var cfg GatewayConfig
	if g, ok := raw["gateway"]; ok {
		sub, _ := yaml.Marshal(g)
		if err := yaml.Unmarshal(sub, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshaling gateway block: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling gateway config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultGatewayConfig returns a config with every default applied.
func DefaultGatewayConfig() *GatewayConfig {
	cfg := &GatewayConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults sets default values for missing fields.
func (c *GatewayConfig) ApplyDefaults() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultUpstreamBaseURL
	}
	if c.Timeouts.ConnectTimeout == "" {
		c.Timeouts.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Timeouts.RequestTimeout == "" {
		c.Timeouts.RequestTimeout = DefaultRequestTimeout
	}
	if c.Timeouts.StreamIdleTimeout == "" {
		c.Timeouts.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	if c.RateLimits.GlobalRequestsPerMin == 0 {
		c.RateLimits.GlobalRequestsPerMin = DefaultGlobalRPM
	}
	if c.RateLimits.PerAgentRequestsPerMin == 0 {
		c.RateLimits.PerAgentRequestsPerMin = DefaultPerAgentRPM
	}
	if c.Quarantine.Enabled == nil {
		enabled := true
		c.Quarantine.Enabled = &enabled
	}
	if c.Quarantine.MaxRounds == 0 {
		c.Quarantine.MaxRounds = quarantine.DefaultMaxRounds
	}
	if c.Quarantine.RoundTimeout == "" {
		c.Quarantine.RoundTimeout = DefaultRoundTimeout
	}
	if c.ToolDefaults.ResultTreatment == "" {
		c.ToolDefaults.ResultTreatment = DefaultResultTreatment
	}
	if c.Interactions.Retention == "" {
		c.Interactions.Retention = DefaultRetention
	}
}

// Validate checks that the configuration is valid.
func (c *GatewayConfig) Validate() error {
	if _, err := c.ParseTimeouts(); err != nil {
		return err
	}
	if c.RateLimits.GlobalRequestsPerMin < 0 || c.RateLimits.PerAgentRequestsPerMin < 0 {
		return fmt.Errorf("gateway rate_limits must not be negative")
	}
	if c.Quarantine.MaxRounds < 0 {
		return fmt.Errorf("gateway quarantine.max_rounds must not be negative")
	}
	if _, err := c.QuarantineRoundTimeout(); err != nil {
		return err
	}
	if !policy.ResultTreatment(c.ToolDefaults.ResultTreatment).Valid() {
		return fmt.Errorf("gateway tool_defaults.result_treatment %q must be trusted, untrusted, or sanitize_with_dual_llm", c.ToolDefaults.ResultTreatment)
	}
	if c.Guardrails.MaxArgumentBytes < 0 {
		return fmt.Errorf("gateway guardrails.max_argument_bytes must not be negative")
	}
	seen := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		if seen[s.Name] {
			return fmt.Errorf("gateway mcp server %q configured twice", s.Name)
		}
		seen[s.Name] = true
	}
	if _, err := c.RetentionPeriod(); err != nil {
		return err
	}
	return nil
}

// ParsedTimeouts holds parsed time.Duration values.
type ParsedTimeouts struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
}

// ParseTimeouts returns parsed timeout durations.
func (c *GatewayConfig) ParseTimeouts() (ParsedTimeouts, error) {
	var out ParsedTimeouts
	var err error
	if out.ConnectTimeout, err = time.ParseDuration(c.Timeouts.ConnectTimeout); err != nil {
		return out, fmt.Errorf("connect_timeout %q: %w", c.Timeouts.ConnectTimeout, err)
	}
	if out.RequestTimeout, err = time.ParseDuration(c.Timeouts.RequestTimeout); err != nil {
		return out, fmt.Errorf("request_timeout %q: %w", c.Timeouts.RequestTimeout, err)
	}
	if out.StreamIdleTimeout, err = time.ParseDuration(c.Timeouts.StreamIdleTimeout); err != nil {
		return out, fmt.Errorf("stream_idle_timeout %q: %w", c.Timeouts.StreamIdleTimeout, err)
	}
	if out.StreamIdleTimeout <= 0 {
		return out, fmt.Errorf("stream_idle_timeout must be positive")
	}
	return out, nil
}

// HTTPClient returns the client used for upstream LLM calls. The request
// timeout bounds the wait for response headers only, so long streams are
// governed by the stream idle timeout instead.
func (t ParsedTimeouts) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: t.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   t.ConnectTimeout,
			ResponseHeaderTimeout: t.RequestTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// QuarantineRoundTimeout returns the parsed per-round timeout.
func (c *GatewayConfig) QuarantineRoundTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Quarantine.RoundTimeout)
	if err != nil {
		return 0, fmt.Errorf("quarantine.round_timeout %q: %w", c.Quarantine.RoundTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("quarantine.round_timeout must be positive")
	}
	return d, nil
}

// QuarantineEnabled reports whether sanitize_with_dual_llm results are
// quarantined. When disabled they are withheld from the model.
func (c *GatewayConfig) QuarantineEnabled() bool {
	return c.Quarantine.Enabled == nil || *c.Quarantine.Enabled
}

// RetentionPeriod returns the parsed interaction retention.
func (c *GatewayConfig) RetentionPeriod() (time.Duration, error) {
	d, err := time.ParseDuration(c.Interactions.Retention)
	if err != nil {
		return 0, fmt.Errorf("interactions.retention %q: %w", c.Interactions.Retention, err)
	}
	return d, nil
}

// BindingDefaults returns the settings for bindings of request tools.
func (c *GatewayConfig) BindingDefaults() store.BindingDefaults {
	return store.BindingDefaults{
		AllowUsageWhenUntrustedDataIsPresent: c.ToolDefaults.AllowWhenUntrusted,
		ToolResultTreatment:                  policy.ResultTreatment(c.ToolDefaults.ResultTreatment),
	}
}

// UpstreamAPIKey resolves the configured provider key, empty when the
// caller's key is to be forwarded.
func (c *GatewayConfig) UpstreamAPIKey() string {
	if c.Upstream.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Upstream.APIKeyEnv)
}
