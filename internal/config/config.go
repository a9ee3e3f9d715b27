// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, STUDYLOOP_ prefix)
//  2. Config file (~/.studyloop/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: provider, model, step budget for the tool loop
//   - HTTP: listen address, CORS origins
//   - Storage: PostgreSQL connection
//   - Tools: MCP tool server definitions, auto-enable rules, workflow tools
//   - Memory: recent-window size for the memory digest
//   - Observability: OTLP trace exporter endpoint
//
// Error handling uses sentinel errors checked with errors.Is(); Load
// validates immediately so a broken configuration fails at startup, not
// mid-request. Sensitive fields are masked in MarshalJSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidStepBudget indicates the model/tool round-trip cap is out of range.
	ErrInvalidStepBudget = errors.New("invalid step budget")

	// ErrInvalidMemoryWindow indicates the memory window is out of range.
	ErrInvalidMemoryWindow = errors.New("invalid memory window")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is unknown.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingJWTSecret indicates the JWT signing secret is not set.
	ErrMissingJWTSecret = errors.New("missing JWT secret")

	// ErrInvalidJWTSecret indicates the JWT signing secret is too short.
	ErrInvalidJWTSecret = errors.New("invalid JWT secret")

	// ErrInvalidRateLimit indicates a non-positive rate limit value.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidToolServer indicates a tool server definition is incomplete.
	ErrInvalidToolServer = errors.New("invalid tool server")

	// ErrInvalidAutoEnableRule indicates an auto-enable rule is incomplete.
	ErrInvalidAutoEnableRule = errors.New("invalid auto-enable rule")

	// ErrInvalidWorkflow indicates a workflow tool definition is incomplete.
	ErrInvalidWorkflow = errors.New("invalid workflow")
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderGoogleAI = "googleai"
)

const (
	// DefaultStepBudget caps model/tool round trips per turn.
	DefaultStepBudget = 5

	// MaxStepBudget is the absolute cap to keep a misconfigured turn bounded.
	MaxStepBudget = 20

	// DefaultMemoryWindow is the number of recent memory entries fed back
	// into the system prompt.
	DefaultMemoryWindow = 5

	// MaxMemoryWindow bounds the memory digest so prompts stay small.
	MaxMemoryWindow = 50

	// MinJWTSecretLen is the minimum accepted HMAC secret length.
	MinJWTSecretLen = 32
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, secrets, tokens), update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider   string `mapstructure:"provider" json:"provider"`       // "gemini" (default)
	ModelName  string `mapstructure:"model_name" json:"model_name"`   // e.g. "gemini-2.5-flash"
	StepBudget int    `mapstructure:"step_budget" json:"step_budget"` // model/tool round trips per turn
	Persona    string `mapstructure:"persona" json:"persona"`         // base persona prompt template

	// Agents maps agent ids to extra system prompt instructions, so a
	// frontend can offer named assistant variants without code changes.
	Agents map[string]string `mapstructure:"agents" json:"agents"`

	// LegacyModels lists models without native tool calling; the prompt
	// composer appends a textual tool-use addendum for them.
	LegacyModels []string `mapstructure:"legacy_models" json:"legacy_models"`

	// HTTP server configuration
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`

	// Auth configuration
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"` // SENSITIVE: masked in MarshalJSON

	// Per-user rate limiting on the chat endpoint
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Memory digest configuration
	MemoryWindow int `mapstructure:"memory_window" json:"memory_window"`

	// Tool configuration (see tools.go for type definitions)
	ToolServers    []ToolServer     `mapstructure:"tool_servers" json:"tool_servers"`
	AutoEnable     []AutoEnableRule `mapstructure:"auto_enable" json:"auto_enable"`
	Workflows      []Workflow       `mapstructure:"workflows" json:"workflows"`
	RegistryTTL    int              `mapstructure:"registry_ttl_seconds" json:"registry_ttl_seconds"`
	DefaultToolkit []string         `mapstructure:"default_toolkit" json:"default_toolkit"`

	// Observability configuration
	Otel OtelConfig `mapstructure:"otel" json:"otel"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// OtelConfig holds the OTLP trace exporter settings.
type OtelConfig struct {
	// Endpoint is the OTLP HTTP endpoint (host:port). Empty disables tracing.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (dev, staging, prod).
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name reported on spans.
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".studyloop")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env cover it.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* fields.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("step_budget", DefaultStepBudget)
	viper.SetDefault("persona", DefaultPersona)

	// HTTP defaults
	viper.SetDefault("addr", "127.0.0.1:8080")
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})

	// Rate limit defaults
	viper.SetDefault("rate_limit_rps", 2.0)
	viper.SetDefault("rate_limit_burst", 5)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "studyloop")
	viper.SetDefault("postgres_password", "studyloop_dev_password")
	viper.SetDefault("postgres_db_name", "studyloop")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Memory defaults
	viper.SetDefault("memory_window", DefaultMemoryWindow)

	// Tool registry defaults
	viper.SetDefault("registry_ttl_seconds", 60)

	// Observability defaults
	viper.SetDefault("otel.environment", "dev")
	viper.SetDefault("otel.service_name", "studyloop")

	// Logging defaults
	viper.SetDefault("log_level", "info")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY is read directly by the Genkit plugin, not via viper;
// Validate only checks configuration this package owns.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("jwt_secret", "STUDYLOOP_JWT_SECRET")
	mustBind("addr", "STUDYLOOP_ADDR")
	mustBind("provider", "STUDYLOOP_PROVIDER")
	mustBind("model_name", "STUDYLOOP_MODEL_NAME")
	mustBind("step_budget", "STUDYLOOP_STEP_BUDGET")
	mustBind("cors_origins", "STUDYLOOP_CORS_ORIGINS")
	mustBind("log_level", "STUDYLOOP_LOG_LEVEL")
	mustBind("otel.endpoint", "STUDYLOOP_OTEL_ENDPOINT")
	mustBind("database_url", "DATABASE_URL")
}

// parseDatabaseURL splits a DATABASE_URL into the postgres_* fields.
// Only applied when the variable is set; it wins over file and defaults.
func (c *Config) parseDatabaseURL() error {
	raw := viper.GetString("database_url")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("malformed port %q: %w", p, err)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	c.PostgresDBName = strings.TrimPrefix(u.Path, "/")
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// Validate performs fail-fast validation of the loaded configuration.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidModelName)
	}

	if c.StepBudget < 1 || c.StepBudget > MaxStepBudget {
		return fmt.Errorf("%w: %d (must be 1..%d)", ErrInvalidStepBudget, c.StepBudget, MaxStepBudget)
	}

	if c.MemoryWindow < 0 || c.MemoryWindow > MaxMemoryWindow {
		return fmt.Errorf("%w: %d (must be 0..%d)", ErrInvalidMemoryWindow, c.MemoryWindow, MaxMemoryWindow)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPostgresDBName)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("%w: rps=%v burst=%d", ErrInvalidRateLimit, c.RateLimitRPS, c.RateLimitBurst)
	}

	for i, ts := range c.ToolServers {
		if err := ts.validate(); err != nil {
			return fmt.Errorf("tool_servers[%d]: %w", i, err)
		}
	}
	for i, rule := range c.AutoEnable {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("auto_enable[%d]: %w", i, err)
		}
	}
	for i, wf := range c.Workflows {
		if err := wf.validate(); err != nil {
			return fmt.Errorf("workflows[%d]: %w", i, err)
		}
	}

	return nil
}

// ValidateServe performs the extra checks the HTTP server needs.
// Kept separate so offline subcommands (migrate, mcp) do not require a secret.
func (c *Config) ValidateServe() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: set STUDYLOOP_JWT_SECRET", ErrMissingJWTSecret)
	}
	if len(c.JWTSecret) < MinJWTSecretLen {
		return fmt.Errorf("%w: need at least %d bytes", ErrInvalidJWTSecret, MinJWTSecretLen)
	}
	return nil
}

// ConnString returns the PostgreSQL connection URL for pgx and migrations.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// FullModelName returns the provider-qualified model name for Genkit,
// e.g. "googleai/gemini-2.5-flash". A name already containing "/" is
// returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	return ProviderGoogleAI + "/" + c.ModelName
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matches against real secret content.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Short secrets are
// fully masked; longer ones keep the first and last two characters for
// debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.JWTSecret = maskSecret(a.JWTSecret)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
