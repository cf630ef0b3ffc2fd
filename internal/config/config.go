// Package config provides configuration management for the RouteCodex server.
// It handles loading and parsing YAML configuration files, environment
// variable overrides, and structured access to the route table, provider
// accounts, token daemon and parallel-runner settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AuthDir is the directory where authentication token files are stored.
	AuthDir string `yaml:"auth-dir"`

	// Debug enables or disables debug-level logging.
	Debug bool `yaml:"debug"`

	// LogToFile switches logging to rotating files under logs/.
	LogToFile bool `yaml:"log-to-file"`

	// ProxyURL is the URL of an optional proxy server for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to this gateway.
	APIKeys []string `yaml:"api-keys"`

	// AllowLocalhostUnauthenticated allows unauthenticated requests from localhost.
	AllowLocalhostUnauthenticated bool `yaml:"allow-localhost-unauthenticated"`

	// RemoteManagementKey is the bcrypt hash protecting management endpoints.
	// Empty disables the management surface entirely.
	RemoteManagementKey string `yaml:"remote-management-key"`

	// RequestRetry defines the retry count when an upstream request fails.
	RequestRetry int `yaml:"request-retry"`

	// Providers lists the upstream provider accounts available to routes.
	Providers []Provider `yaml:"providers"`

	// Routes is the virtual route table.
	Routes []Route `yaml:"routes"`

	// DefaultRoute names the route used when no pattern matches.
	DefaultRoute string `yaml:"default-route"`

	// Pool configures the module instance pool.
	Pool Pool `yaml:"pool"`

	// TokenDaemon configures the background token refresh daemon.
	TokenDaemon TokenDaemon `yaml:"token-daemon"`

	// SSE configures streaming behaviour.
	SSE SSE `yaml:"sse"`

	// Parallel configures the optional shadow pipeline runner.
	Parallel Parallel `yaml:"parallel"`
}

// Provider describes one upstream provider account.
type Provider struct {
	// ID is the unique identifier referenced by route modules.
	ID string `yaml:"id"`

	// Provider is the provider family key (qwen, iflow, gemini-cli, ...).
	Provider string `yaml:"provider"`

	// BaseURL overrides the provider family default base URL.
	BaseURL string `yaml:"base-url"`

	// Model overrides the default model for this account.
	Model string `yaml:"model"`

	// TimeoutSeconds overrides the provider family default request timeout.
	TimeoutSeconds int `yaml:"timeout-seconds"`

	// Auth selects the credential used for this account.
	Auth ProviderAuth `yaml:"auth"`
}

// ProviderAuth selects between OAuth token files and static API keys.
type ProviderAuth struct {
	// Type is "oauth" or "apikey".
	Type string `yaml:"type"`

	// Alias distinguishes multiple accounts for the same provider.
	// The reserved alias "static" disables auto-refresh.
	Alias string `yaml:"alias"`

	// Sequence disambiguates multiple credentials with the same alias.
	Sequence int `yaml:"sequence"`

	// APIKey is the static key when Type is "apikey".
	APIKey string `yaml:"api-key"`
}

// Route defines one entry of the virtual route table.
type Route struct {
	// ID is the unique route identifier.
	ID string `yaml:"id"`

	// Priority orders multi-match resolution; higher wins.
	Priority int `yaml:"priority"`

	// Pattern holds the request predicates for this route.
	Pattern Pattern `yaml:"pattern"`

	// Modules is the ordered module chain. The last module's type must
	// contain "llmswitch" (Tools Unique Entrance).
	Modules []ModuleSpec `yaml:"modules"`
}

// Pattern matches request attributes. Model accepts a literal or a regular
// expression; the compiled form is populated by Prepare and reused per
// request.
type Pattern struct {
	Model    string `yaml:"model"`
	HasTools *bool  `yaml:"has-tools"`

	compiledModel *regexp.Regexp
}

// ModelRegexp returns the compiled model pattern, or nil for literal match.
func (p *Pattern) ModelRegexp() *regexp.Regexp { return p.compiledModel }

// MatchModel reports whether the given model satisfies the pattern.
func (p *Pattern) MatchModel(model string) bool {
	if p.Model == "" {
		return true
	}
	if p.compiledModel != nil {
		return p.compiledModel.MatchString(model)
	}
	return p.Model == model
}

// ModuleSpec declares one module in a route chain.
type ModuleSpec struct {
	// Type selects the module factory (e.g. "compatibility-qwen",
	// "provider-qwen", "llmswitch-openai").
	Type string `yaml:"type"`

	// Config is the module-specific configuration blob.
	Config map[string]any `yaml:"config"`

	// Condition optionally gates the module per request.
	Condition *Condition `yaml:"condition"`
}

// Condition gates a module on a request field.
type Condition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"` // equals, contains, matches, exists, gt, lt
	Value    any    `yaml:"value"`
}

// Pool configures the module instance pool.
type Pool struct {
	MaxInstancesPerType int  `yaml:"max-instances-per-type"`
	WarmupInstances     bool `yaml:"warmup-instances"`
	IdleTimeoutSeconds  int  `yaml:"idle-timeout-seconds"`
}

// TokenDaemon configures the background refresh scanner.
type TokenDaemon struct {
	Enabled             bool   `yaml:"enabled"`
	IntervalSeconds     int    `yaml:"interval-seconds"`
	RefreshAheadSeconds int    `yaml:"refresh-ahead-seconds"`
	ThrottleSeconds     int    `yaml:"throttle-seconds"`
	MaxUserTimeouts     int    `yaml:"max-user-timeouts"`
	HistoryPath         string `yaml:"history-path"`
}

// SSE configures the streaming bridge.
type SSE struct {
	// HeartbeatMS is the heartbeat interval in milliseconds; 0 disables.
	HeartbeatMS int `yaml:"heartbeat-ms"`

	// TrimDeltaTrailingSpace enables the delta sanitizer for clients that
	// choke on trailing whitespace in streamed text.
	TrimDeltaTrailingSpace bool `yaml:"trim-delta-trailing-space"`
}

// Parallel configures the shadow pipeline runner.
type Parallel struct {
	Enabled           bool    `yaml:"enabled"`
	SampleRate        float64 `yaml:"sample-rate"`
	MaxConcurrency    int     `yaml:"max-concurrency"`
	TimeoutMS         int     `yaml:"timeout-ms"`
	ComparisonMode    string  `yaml:"comparison-mode"` // strict, lenient, none
	MetricsCollection bool    `yaml:"metrics-collection"`
}

// LoadConfig reads a YAML configuration file, applies environment overrides
// and defaults, compiles route patterns, and returns the result.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()
	if err = config.Prepare(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Prepare fills defaults and compiles route model patterns. It is idempotent
// and must be called before the config is handed to the pipeline.
func (c *Config) Prepare() error {
	if c.Port == 0 {
		c.Port = 5506
	}
	if c.AuthDir == "" {
		c.AuthDir = filepath.Join(Home(), "auth")
	}
	c.AuthDir = expandHome(c.AuthDir)
	if c.Pool.MaxInstancesPerType == 0 {
		c.Pool.MaxInstancesPerType = 8
	}
	if c.Pool.IdleTimeoutSeconds == 0 {
		c.Pool.IdleTimeoutSeconds = 600
	}
	if c.TokenDaemon.IntervalSeconds == 0 {
		c.TokenDaemon.IntervalSeconds = 60
	}
	if c.TokenDaemon.RefreshAheadSeconds == 0 {
		c.TokenDaemon.RefreshAheadSeconds = 300
	}
	if c.TokenDaemon.ThrottleSeconds == 0 {
		c.TokenDaemon.ThrottleSeconds = 300
	}
	if c.TokenDaemon.MaxUserTimeouts == 0 {
		c.TokenDaemon.MaxUserTimeouts = 3
	}
	if c.TokenDaemon.HistoryPath == "" {
		c.TokenDaemon.HistoryPath = filepath.Join(Home(), "quota", "refresh-history.db")
	}
	c.TokenDaemon.HistoryPath = expandHome(c.TokenDaemon.HistoryPath)
	if c.SSE.HeartbeatMS == 0 {
		c.SSE.HeartbeatMS = 15000
	}
	if c.Parallel.MaxConcurrency == 0 {
		c.Parallel.MaxConcurrency = 4
	}
	if c.Parallel.TimeoutMS == 0 {
		c.Parallel.TimeoutMS = 10000
	}
	if c.Parallel.ComparisonMode == "" {
		c.Parallel.ComparisonMode = "lenient"
	}

	for i := range c.Routes {
		pattern := &c.Routes[i].Pattern
		if pattern.Model == "" || !isRegexPattern(pattern.Model) {
			continue
		}
		compiled, err := regexp.Compile(pattern.Model)
		if err != nil {
			return fmt.Errorf("route %s: invalid model pattern %q: %w", c.Routes[i].ID, pattern.Model, err)
		}
		pattern.compiledModel = compiled
	}
	return nil
}

// ProviderByID returns the provider account with the given id.
func (c *Config) ProviderByID(id string) (*Provider, bool) {
	for i := range c.Providers {
		if c.Providers[i].ID == id {
			return &c.Providers[i], true
		}
	}
	return nil, false
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ROUTECODEX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	} else if v = os.Getenv("RCC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
}

// Home returns the RouteCodex home directory, honouring ROUTECODEX_HOME.
func Home() string {
	if v := os.Getenv("ROUTECODEX_HOME"); v != "" {
		return expandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".routecodex"
	}
	return filepath.Join(home, ".routecodex")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// isRegexPattern reports whether the model pattern should be treated as a
// regular expression rather than a literal model name.
func isRegexPattern(pattern string) bool {
	return strings.ContainsAny(pattern, ".*+?^$[]()|\\")
}
