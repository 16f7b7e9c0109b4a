package mcp

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robertof1lho/archestra-sub000/internal/policy"
)

// DefaultTimeout bounds a single JSON-RPC call when a server sets none.
const DefaultTimeout = 30 * time.Second

// ServerConfig describes one MCP server reachable over HTTP. Tools it serves
// are exposed to agents as "<name>__<tool>".
type ServerConfig struct {
	Name       string `yaml:"name" json:"name"`
	URL        string `yaml:"url" json:"url"`
	Timeout    string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	AuthHeader string `yaml:"auth_header,omitempty" json:"auth_header,omitempty"` // e.g. "Authorization: Bearer ${TOKEN}"
}

// Validate checks a server entry.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp server: name is required")
	}
	if strings.Contains(c.Name, policy.ToolNameSeparator) {
		return fmt.Errorf("mcp server %q: name must not contain %q", c.Name, policy.ToolNameSeparator)
	}
	if c.URL == "" {
		return fmt.Errorf("mcp server %q: url is required", c.Name)
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	return nil
}

func (c ServerConfig) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return DefaultTimeout, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("mcp server %q: timeout %q: %w", c.Name, c.Timeout, err)
	}
	return d, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${VAR} in s with os.Getenv("VAR").
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		return os.Getenv(name)
	})
}

// SplitToolName splits "server__tool" into its parts.
func SplitToolName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, policy.ToolNameSeparator)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}
