package config

import (
	"testing"
	"testing/fstest"
	"time"

	"gotest.tools/assert"
)

func withMockFS(t *testing.T, files map[string]string) {
	t.Helper()
	mapfs := fstest.MapFS{}
	for name, data := range files {
		mapfs[name] = &fstest.MapFile{Data: []byte(data)}
	}
	old := fileSystem
	fileSystem = mapfs
	t.Cleanup(func() { fileSystem = old })
}

func TestDefaultsValidate(t *testing.T) {
	c := Default()
	assert.NilError(t, c.Validate())
	assert.Equal(t, c.Proxy.MaxConnections, 100)
	assert.Equal(t, c.APIKeyProtection.Storage.MaxKeysPerConnection, 100)
	assert.Equal(t, c.Proxy.MaxQueueSize, 100)
}

func TestLoadOverridesDefaults(t *testing.T) {
	withMockFS(t, map[string]string{
		"proxy.yaml": `
proxy:
  port: 9100
  mcp_server_url: ws://backend:9000/mcp
  max_connections: 5
sanitization:
  strict_mode: true
  ansi_escapes:
    enabled: true
    action: encode
  character_whitelist:
    enabled: true
    allowed_ranges: [[9, 10], [32, 126]]
    blacklist: [27, 127]
rate_limiting:
  enabled: true
  per_client:
    requests_per_minute: 2
  per_method:
    tools/call:
      requests_per_minute: 1
api_key_protection:
  enabled: true
  storage:
    ttl: 120
`,
	})
	c, err := Load("proxy.yaml")
	assert.NilError(t, err)
	assert.Equal(t, c.Proxy.Port, 9100)
	assert.Equal(t, c.Proxy.MCPServerURL, "ws://backend:9000/mcp")
	assert.Equal(t, c.Proxy.MaxConnections, 5)
	assert.Assert(t, c.Sanitization.StrictMode)
	assert.Equal(t, c.Sanitization.AnsiEscapes.Action, "encode")
	assert.Equal(t, c.VaultConfig().TTL, 2*time.Minute)

	rl := c.RateLimiterConfig()
	assert.Equal(t, rl.PerClient.RequestsPerMinute, 2)
	assert.Equal(t, rl.PerMethod["tools/call"].RequestsPerMinute, 1)

	w := c.Whitelist()
	out, tags := w.Filter("a\tb")
	assert.Equal(t, out, "a\tb")
	assert.Assert(t, tags == nil)
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	withMockFS(t, nil)
	c, err := Load("mcproxy.yaml")
	assert.NilError(t, err)
	assert.Equal(t, c.Proxy.Port, 8080)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	withMockFS(t, nil)
	_, err := Load("nonexistent.yaml")
	assert.ErrorContains(t, err, "config: read")
}

func TestBadRuleRegexIsFatal(t *testing.T) {
	withMockFS(t, map[string]string{
		"bad.yaml": `
proxy:
  port: 8080
  mcp_server_url: ws://x
sanitization:
  patterns:
    enabled: true
    rules:
      - name: broken
        pattern: "([unclosed"
        action: reject
`,
	})
	_, err := Load("bad.yaml")
	assert.ErrorContains(t, err, "broken")
}

func TestBadAnsiActionRejected(t *testing.T) {
	c := Default()
	c.Sanitization.AnsiEscapes.Action = "shred"
	assert.ErrorContains(t, c.Validate(), "ansi action")
}

func TestBadWhitelistRangeRejected(t *testing.T) {
	c := Default()
	c.Sanitization.Whitelist.AllowedRanges = [][2]int{{50, 40}}
	assert.ErrorContains(t, c.Validate(), "whitelist range")
}

func TestPathResolution(t *testing.T) {
	assert.Equal(t, Path("explicit.yaml"), "explicit.yaml")
	t.Setenv("MCPROXY_CONFIG", "/etc/mcproxy/env.yaml")
	assert.Equal(t, Path(""), "/etc/mcproxy/env.yaml")
	t.Setenv("MCPROXY_CONFIG", "")
	assert.Equal(t, Path(""), "mcproxy.yaml")
}
