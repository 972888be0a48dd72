// Package config contains structures for parsing the proxy configuration
// file and converting it into the component configurations.
package config

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mcproxy.dev/mcproxy/common"
	"mcproxy.dev/mcproxy/ratelimit"
	"mcproxy.dev/mcproxy/sanitize"
	"mcproxy.dev/mcproxy/vault"
)

// Config is the root of the YAML configuration.
type Config struct {
	Proxy            ProxyConfig        `yaml:"proxy"`
	Sanitization     SanitizationConfig `yaml:"sanitization"`
	APIKeyProtection KeyProtection      `yaml:"api_key_protection"`
	RateLimiting     RateLimiting       `yaml:"rate_limiting"`
}

// ProxyConfig holds listener and downstream settings.
type ProxyConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	StatusPort           int    `yaml:"status_port"`
	MCPServerURL         string `yaml:"mcp_server_url"`
	MaxConnections       int    `yaml:"max_connections"`
	MaxMessageSize       int    `yaml:"max_message_size"`
	MaxQueueSize         int    `yaml:"max_queue_size"`
	ConnectionTimeout    int    `yaml:"connection_timeout"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
	ReconnectInitialMS   int    `yaml:"reconnect_initial_delay_ms"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
}

// SanitizationConfig selects the filter pipeline behavior.
type SanitizationConfig struct {
	StrictMode  bool             `yaml:"strict_mode"`
	AnsiEscapes AnsiConfig       `yaml:"ansi_escapes"`
	Whitelist   WhitelistConfig  `yaml:"character_whitelist"`
	Patterns    PatternsConfig   `yaml:"patterns"`
	Validation  ValidationConfig `yaml:"validation"`
}

type AnsiConfig struct {
	Enabled bool   `yaml:"enabled"`
	Action  string `yaml:"action"`
}

type WhitelistConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedRanges [][2]int `yaml:"allowed_ranges"`
	Blacklist     []int    `yaml:"blacklist"`
}

type PatternsConfig struct {
	Enabled bool         `yaml:"enabled"`
	Rules   []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Action   string `yaml:"action"`
	Severity string `yaml:"severity"`
}

type ValidationConfig struct {
	MaxMessageSize      int          `yaml:"max_message_size"`
	MaxPromptLength     int          `yaml:"max_prompt_length"`
	MaxToolNameLength   int          `yaml:"max_tool_name_length"`
	MaxParamValueLength int          `yaml:"max_param_value_length"`
	Fields              FieldsConfig `yaml:"fields"`
}

type FieldsConfig struct {
	ToolName   ToolNameConfig   `yaml:"tool_name"`
	ToolParams ToolParamsConfig `yaml:"tool_params"`
}

type ToolNameConfig struct {
	Pattern string `yaml:"pattern"`
}

type ToolParamsConfig struct {
	StripHTML    bool `yaml:"strip_html"`
	StripScripts bool `yaml:"strip_scripts"`
}

// KeyProtection configures secret detection and the vault.
type KeyProtection struct {
	Enabled   bool            `yaml:"enabled"`
	Detection DetectionConfig `yaml:"detection"`
	Storage   StorageConfig   `yaml:"storage"`
}

type DetectionConfig struct {
	BuiltinPatterns  bool                  `yaml:"builtin_patterns"`
	CustomPatterns   []CustomPatternConfig `yaml:"custom_patterns"`
	MinimumKeyLength int                   `yaml:"minimum_key_length"`
}

type CustomPatternConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

type StorageConfig struct {
	Encryption           bool `yaml:"encryption"`
	TTLSeconds           int  `yaml:"ttl"`
	MaxKeysPerConnection int  `yaml:"max_keys_per_connection"`
}

// RateLimiting mirrors the limiter scopes.
type RateLimiting struct {
	Enabled   bool                   `yaml:"enabled"`
	Global    ScopeConfig            `yaml:"global"`
	PerClient ScopeConfig            `yaml:"per_client"`
	PerMethod map[string]ScopeConfig `yaml:"per_method"`
}

type ScopeConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Host:                 "127.0.0.1",
			Port:                 common.DefaultListenPort,
			MCPServerURL:         "ws://127.0.0.1:9000",
			MaxConnections:       common.DefaultMaxConnections,
			MaxMessageSize:       common.DefaultMaxMessageSize,
			MaxQueueSize:         common.DefaultMaxQueueSize,
			ConnectionTimeout:    10,
			AutoReconnect:        true,
			ReconnectInitialMS:   1000,
			ReconnectMaxAttempts: 5,
		},
		Sanitization: SanitizationConfig{
			AnsiEscapes: AnsiConfig{Enabled: true, Action: string(sanitize.AnsiStrip)},
			Whitelist:   WhitelistConfig{Enabled: true},
			Patterns:    PatternsConfig{Enabled: true},
		},
		APIKeyProtection: KeyProtection{
			Enabled: true,
			Detection: DetectionConfig{
				BuiltinPatterns:  true,
				MinimumKeyLength: sanitize.DefaultMinKeyLength,
			},
			Storage: StorageConfig{
				Encryption:           true,
				TTLSeconds:           int(vault.DefaultTTL / time.Second),
				MaxKeysPerConnection: vault.DefaultMaxKeysPerConnection,
			},
		},
		RateLimiting: RateLimiting{
			Enabled:   true,
			Global:    ScopeConfig{RequestsPerMinute: 1000, RequestsPerHour: 20000},
			PerClient: ScopeConfig{RequestsPerMinute: 100, RequestsPerHour: 2000},
		},
	}
}

// Path resolves the config file location: the explicit flag value, then
// $MCPROXY_CONFIG, then ./mcproxy.yaml.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(common.ConfigEnvVar); env != "" {
		return env
	}
	return common.DefaultConfigFile
}

// Load reads and validates the configuration at path. A missing file at
// the default location yields the defaults; an unreadable or invalid
// file is a fatal startup error.
func Load(path string) (*Config, error) {
	c := Default()
	data, err := fs.ReadFile(fileSystem, path)
	if err != nil {
		if os.IsNotExist(err) && path == common.DefaultConfigFile {
			return c, c.Validate()
		}
		return nil, errors.Wrap(err, "config: read")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks everything that must fail at startup rather than at
// runtime: rule regexes, range shapes, action names, listener settings.
func (c *Config) Validate() error {
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("config: proxy.port %d out of range", c.Proxy.Port)
	}
	if c.Proxy.MCPServerURL == "" {
		return fmt.Errorf("config: proxy.mcp_server_url is required")
	}
	switch sanitize.AnsiAction(c.Sanitization.AnsiEscapes.Action) {
	case sanitize.AnsiStrip, sanitize.AnsiReject, sanitize.AnsiEncode, "":
	default:
		return fmt.Errorf("config: unknown ansi action %q", c.Sanitization.AnsiEscapes.Action)
	}
	for _, r := range c.Sanitization.Whitelist.AllowedRanges {
		if r[0] > r[1] || r[0] < 0 {
			return fmt.Errorf("config: bad whitelist range [%d, %d]", r[0], r[1])
		}
	}
	// Compiling the matchers surfaces bad regexes now.
	if _, err := c.PatternMatcher(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if _, err := c.Detector(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if _, err := c.Validator(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	return nil
}

// AnsiFilter builds the shared ANSI filter.
func (c *Config) AnsiFilter() *sanitize.AnsiFilter {
	return sanitize.NewAnsiFilter(c.Sanitization.AnsiEscapes.Enabled,
		sanitize.AnsiAction(c.Sanitization.AnsiEscapes.Action))
}

// Whitelist builds the shared character whitelist.
func (c *Config) Whitelist() *sanitize.Whitelist {
	var ranges []sanitize.Range
	for _, r := range c.Sanitization.Whitelist.AllowedRanges {
		ranges = append(ranges, sanitize.Range{Lo: rune(r[0]), Hi: rune(r[1])})
	}
	var blacklist []rune
	for _, b := range c.Sanitization.Whitelist.Blacklist {
		blacklist = append(blacklist, rune(b))
	}
	return sanitize.NewWhitelist(c.Sanitization.Whitelist.Enabled, ranges, blacklist)
}

// PatternMatcher builds the shared pattern matcher.
func (c *Config) PatternMatcher() (*sanitize.PatternMatcher, error) {
	var rules []sanitize.Rule
	for _, r := range c.Sanitization.Patterns.Rules {
		rules = append(rules, sanitize.Rule{
			Name:     r.Name,
			Pattern:  r.Pattern,
			Action:   sanitize.RuleAction(r.Action),
			Severity: r.Severity,
		})
	}
	return sanitize.NewPatternMatcher(c.Sanitization.Patterns.Enabled, rules)
}

// Detector builds the shared secret detector.
func (c *Config) Detector() (*sanitize.Detector, error) {
	var custom []sanitize.CustomPattern
	for _, p := range c.APIKeyProtection.Detection.CustomPatterns {
		custom = append(custom, sanitize.CustomPattern{Name: p.Name, Pattern: p.Pattern})
	}
	return sanitize.NewDetector(c.APIKeyProtection.Detection.BuiltinPatterns,
		custom, c.APIKeyProtection.Detection.MinimumKeyLength)
}

// Validator builds the shared field validator.
func (c *Config) Validator() (*sanitize.Validator, error) {
	v := c.Sanitization.Validation
	return sanitize.NewValidator(sanitize.ValidationConfig{
		MaxMessageSize:      v.MaxMessageSize,
		MaxPromptLength:     v.MaxPromptLength,
		MaxToolNameLength:   v.MaxToolNameLength,
		MaxParamValueLength: v.MaxParamValueLength,
		ToolNamePattern:     v.Fields.ToolName.Pattern,
		StripHTML:           v.Fields.ToolParams.StripHTML,
		StripScripts:        v.Fields.ToolParams.StripScripts,
	})
}

// VaultConfig converts the storage options.
func (c *Config) VaultConfig() vault.Config {
	return vault.Config{
		Encryption:           c.APIKeyProtection.Storage.Encryption,
		TTL:                  time.Duration(c.APIKeyProtection.Storage.TTLSeconds) * time.Second,
		MaxKeysPerConnection: c.APIKeyProtection.Storage.MaxKeysPerConnection,
	}
}

// RateLimiterConfig converts the limiter scopes.
func (c *Config) RateLimiterConfig() ratelimit.Config {
	perMethod := make(map[string]ratelimit.ScopeConfig, len(c.RateLimiting.PerMethod))
	for m, s := range c.RateLimiting.PerMethod {
		perMethod[m] = ratelimit.ScopeConfig{
			RequestsPerMinute: s.RequestsPerMinute,
			RequestsPerHour:   s.RequestsPerHour,
		}
	}
	return ratelimit.Config{
		Enabled: c.RateLimiting.Enabled,
		Global: ratelimit.ScopeConfig{
			RequestsPerMinute: c.RateLimiting.Global.RequestsPerMinute,
			RequestsPerHour:   c.RateLimiting.Global.RequestsPerHour,
		},
		PerClient: ratelimit.ScopeConfig{
			RequestsPerMinute: c.RateLimiting.PerClient.RequestsPerMinute,
			RequestsPerHour:   c.RateLimiting.PerClient.RequestsPerHour,
		},
		PerMethod: perMethod,
	}
}

// ReconnectInitialDelay returns the first backoff delay.
func (c *Config) ReconnectInitialDelay() time.Duration {
	if c.Proxy.ReconnectInitialMS <= 0 {
		return time.Second
	}
	return time.Duration(c.Proxy.ReconnectInitialMS) * time.Millisecond
}

// HandshakeTimeout bounds session establishment.
func (c *Config) HandshakeTimeout() time.Duration {
	if c.Proxy.ConnectionTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Proxy.ConnectionTimeout) * time.Second
}
