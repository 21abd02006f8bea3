package config_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/config"
	"github.com/driftloom/agentcore/mcp"
)

func TestLoadAgentConfigYAML(t *testing.T) {
	cfg, err := config.LoadAgentConfigYAML("testdata/agent.yaml")
	require.NoError(t, err)

	assert.Contains(t, cfg.SystemPrompt, "weather MCP server")
	require.Len(t, cfg.MCPs, 1)
	require.Len(t, cfg.CustomMCPs, 1)
	assert.Equal(t, "weather", cfg.MCPs[0].QualifiedName)
	assert.Equal(t, []string{"forecast", "alerts"}, cfg.MCPs[0].EnabledTools)

	conns := cfg.MCPConnections()
	require.Len(t, conns, 2)
	assert.Equal(t, "weather", conns[0].QualifiedName)
	assert.Equal(t, mcp.TransportStreamableHTTP, conns[0].Transport)
	_, enabled := conns[0].EnabledTools["forecast"]
	assert.True(t, enabled)
	assert.Equal(t, "scratchpad", conns[1].QualifiedName)
	assert.Equal(t, mcp.TransportStdio, conns[1].Transport)
}

func TestLoadAgentConfigYAMLMissingFile(t *testing.T) {
	_, err := config.LoadAgentConfigYAML("testdata/does-not-exist.yaml")
	assert.Error(t, err)
}

func TestDecodeAgentConfigJSONEmpty(t *testing.T) {
	cfg, err := config.DecodeAgentConfigJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, config.AgentConfig{}, cfg)
}

func TestDecodeAgentConfigJSONRoundTrips(t *testing.T) {
	raw, err := json.Marshal(config.AgentConfig{
		SystemPrompt: "hi",
		MCPs: []config.AgentMCPConfig{
			{QualifiedName: "weather", Transport: "sse", Config: map[string]any{"url": "https://x"}},
		},
	})
	require.NoError(t, err)

	cfg, err := config.DecodeAgentConfigJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "hi", cfg.SystemPrompt)
	require.Len(t, cfg.MCPs, 1)
	assert.Equal(t, "weather", cfg.MCPs[0].QualifiedName)

	conns := cfg.MCPConnections()
	require.Len(t, conns, 1)
	assert.Equal(t, mcp.TransportSSE, conns[0].Transport)
}

func TestDecodeAgentConfigJSONInvalid(t *testing.T) {
	_, err := config.DecodeAgentConfigJSON([]byte("not json"))
	assert.Error(t, err)
}
