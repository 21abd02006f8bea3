package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/driftloom/agentcore/mcp"
)

// AgentMCPConfig is one entry of agent_config.mcps/custom_mcps (spec.md §6):
// the caller-supplied configuration for one MCP connection, transport-
// agnostic until converted to a mcp.Connection.
type AgentMCPConfig struct {
	QualifiedName  string         `yaml:"qualified_name" json:"qualified_name"`
	DisplayName    string         `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Transport      string         `yaml:"transport" json:"transport"`
	Config         map[string]any `yaml:"config" json:"config"`
	EnabledTools   []string       `yaml:"enabled_tools,omitempty" json:"enabled_tools,omitempty"`
	ExternalUserID string         `yaml:"external_user_id,omitempty" json:"external_user_id,omitempty"`
}

// AgentConfig is the decoded shape of the work-queue message's
// agent_config field (spec.md §6): `{system_prompt, tools, mcps, custom_mcps}`.
// `Tools` is left opaque (a map) since builtin tool configuration is out of
// this core's scope (spec.md §1 Non-goals); only the MCP-relevant fields are
// structured.
type AgentConfig struct {
	SystemPrompt string           `yaml:"system_prompt" json:"system_prompt"`
	Tools        map[string]any   `yaml:"tools,omitempty" json:"tools,omitempty"`
	MCPs         []AgentMCPConfig `yaml:"mcps,omitempty" json:"mcps,omitempty"`
	CustomMCPs   []AgentMCPConfig `yaml:"custom_mcps,omitempty" json:"custom_mcps,omitempty"`
}

// LoadAgentConfigYAML reads a local-dev or test-fixture agent config from a
// YAML file, the format local deployments and this package's own tests use
// for agent_config snapshots (production run requests carry the equivalent
// shape as JSON inside the work-queue message; see DecodeAgentConfigJSON).
func LoadAgentConfigYAML(path string) (AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return AgentConfig{}, fmt.Errorf("config: read agent config %s: %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("config: parse agent config %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeAgentConfigJSON decodes the opaque agent_config_snapshot bytes a
// work-queue message carries (scheduler.QueueMessage.AgentConfig) into the
// structured shape. An empty/nil snapshot decodes to the zero AgentConfig
// rather than an error, since spec.md treats the snapshot as opaque to the
// core and some callers may omit it entirely.
func DecodeAgentConfigJSON(raw []byte) (AgentConfig, error) {
	var cfg AgentConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("config: decode agent config snapshot: %w", err)
	}
	return cfg, nil
}

// MCPConnections converts the configured mcps/custom_mcps entries into the
// mcp.Connection values the MCP Client Pool (C4) consumes, merging both
// lists in the order spec.md's agent_config declares them (mcps first, then
// custom_mcps).
func (c AgentConfig) MCPConnections() []mcp.Connection {
	all := make([]AgentMCPConfig, 0, len(c.MCPs)+len(c.CustomMCPs))
	all = append(all, c.MCPs...)
	all = append(all, c.CustomMCPs...)

	conns := make([]mcp.Connection, 0, len(all))
	for _, m := range all {
		conn := mcp.Connection{
			QualifiedName:  m.QualifiedName,
			DisplayName:    m.DisplayName,
			Transport:      mcp.TransportKind(m.Transport),
			Config:         m.Config,
			ExternalUserID: m.ExternalUserID,
		}
		if len(m.EnabledTools) > 0 {
			conn.EnabledTools = make(map[string]struct{}, len(m.EnabledTools))
			for _, name := range m.EnabledTools {
				conn.EnabledTools[name] = struct{}{}
			}
		}
		conns = append(conns, conn)
	}
	return conns
}
