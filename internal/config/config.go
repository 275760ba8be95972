// File: internal/config/config.go
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix used for every environment variable override.
const EnvPrefix = "COPILOT_PROBE"

// Capture modes.
const (
	CaptureModeNetwork = "network"
	CaptureModeStorage = "storage"
)

// Storage match modes. An empty value defers to the scenario default.
const (
	StorageMatchKey   = "key"
	StorageMatchValue = "value"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Capture() CaptureConfig
	Login() LoginConfig
	Cache() CacheConfig
	Webchat() WebchatConfig
	Database() DatabaseConfig

	SetBrowserHeadless(bool)
	SetCaptureMode(string)
	SetCaptureTimeout(time.Duration)
	SetLoggerLevel(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	CaptureCfg  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	LoginCfg    LoginConfig    `mapstructure:"login" yaml:"login"`
	CacheCfg    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	WebchatCfg  WebchatConfig  `mapstructure:"webchat" yaml:"webchat"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
}

var _ Interface = (*Config)(nil)

// --- Getters ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Capture() CaptureConfig   { return c.CaptureCfg }
func (c *Config) Login() LoginConfig       { return c.LoginCfg }
func (c *Config) Cache() CacheConfig       { return c.CacheCfg }
func (c *Config) Webchat() WebchatConfig   { return c.WebchatCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }

// --- Setters (CLI flag overrides) ---

func (c *Config) SetBrowserHeadless(b bool)         { c.BrowserCfg.Headless = b }
func (c *Config) SetCaptureMode(m string)           { c.CaptureCfg.Mode = m }
func (c *Config) SetCaptureTimeout(d time.Duration) { c.CaptureCfg.Timeout = d }
func (c *Config) SetLoggerLevel(level string)       { c.LoggerCfg.Level = level }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the single Chromium instance a run drives.
type BrowserConfig struct {
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	Incognito       bool           `mapstructure:"incognito" yaml:"incognito"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool           `mapstructure:"debug" yaml:"debug"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	// DefaultTimeout bounds every individual navigate/click/type/wait step.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// CaptureConfig configures how the bearer token is obtained from the browser.
type CaptureConfig struct {
	Mode            string        `mapstructure:"mode" yaml:"mode"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TokenURLPattern string        `mapstructure:"token_url_pattern" yaml:"token_url_pattern"`
	BearerMarkers   []string      `mapstructure:"bearer_markers" yaml:"bearer_markers"`
	ScopeMarker     string        `mapstructure:"scope_marker" yaml:"scope_marker"`
	StorageScope    string        `mapstructure:"storage_scope" yaml:"storage_scope"`
	StorageMatch    string        `mapstructure:"storage_match" yaml:"storage_match"`
	DiagnosticLog   string        `mapstructure:"diagnostic_log" yaml:"diagnostic_log"`
	BodySnippet     int           `mapstructure:"body_snippet" yaml:"body_snippet"`
}

// LoginConfig holds the credentials and pacing for the Microsoft sign-in flow.
type LoginConfig struct {
	Scenario      string        `mapstructure:"scenario" yaml:"scenario"`
	User          string        `mapstructure:"user" yaml:"user"`
	Password      string        `mapstructure:"password" yaml:"-"`
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	PostLoginWait time.Duration `mapstructure:"post_login_wait" yaml:"post_login_wait"`
	OutputFile    string        `mapstructure:"output_file" yaml:"output_file"`
	UseCache      bool          `mapstructure:"use_cache" yaml:"use_cache"`
}

// CacheConfig points at the on-disk token cache.
type CacheConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	Key  string `mapstructure:"key" yaml:"key"`
}

// WebchatConfig tunes the public webchat probes.
type WebchatConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	StartDelay      time.Duration `mapstructure:"start_delay" yaml:"start_delay"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	LiveOutput      string        `mapstructure:"live_output" yaml:"live_output"`
	KnowledgeOutput string        `mapstructure:"knowledge_output" yaml:"knowledge_output"`
}

// DatabaseConfig holds the database connection details. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "copilot-probe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", false)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.incognito", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport", map[string]int{"width": 1920, "height": 1080})
	v.SetDefault("browser.default_timeout", "15s")

	// -- Capture --
	v.SetDefault("capture.mode", CaptureModeNetwork)
	v.SetDefault("capture.timeout", "60s")
	v.SetDefault("capture.token_url_pattern", `login\.microsoftonline\.com/.+/oauth2/v2\.0/token`)
	v.SetDefault("capture.bearer_markers", []string{`"token_type":"Bearer"`, `"tokenType":"Bearer"`})
	v.SetDefault("capture.scope_marker", "substrate.office.com/sydney")
	v.SetDefault("capture.storage_scope", "https://substrate.office.com/sydney/.default")
	v.SetDefault("capture.storage_match", "")
	v.SetDefault("capture.diagnostic_log", "")
	v.SetDefault("capture.body_snippet", 512)

	// -- Login --
	v.SetDefault("login.scenario", "officeweb")
	v.SetDefault("login.user", "")
	v.SetDefault("login.password", "")
	v.SetDefault("login.settle_delay", "2s")
	v.SetDefault("login.post_login_wait", "10s")
	v.SetDefault("login.output_file", "token.txt")
	v.SetDefault("login.use_cache", false)

	// -- Cache --
	v.SetDefault("cache.path", "tokens.json")
	v.SetDefault("cache.key", "substrate_access_token")

	// -- Webchat --
	v.SetDefault("webchat.timeout", "30s")
	v.SetDefault("webchat.query_timeout", "60s")
	v.SetDefault("webchat.start_delay", "5s")
	v.SetDefault("webchat.probe_interval", "1s")
	v.SetDefault("webchat.live_output", "chat_exists_output.txt")
	v.SetDefault("webchat.knowledge_output", "knowledge_results.csv")

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
// Environment variables prefixed with COPILOT_PROBE_ override file values.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Credentials are commonly kept in a .env file under short names.
	_ = v.BindEnv("login.user", EnvPrefix+"_USER", EnvPrefix+"_LOGIN_USER")
	_ = v.BindEnv("login.password", EnvPrefix+"_PASSWORD", EnvPrefix+"_LOGIN_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.LoggerCfg.LogFile,
		&c.CaptureCfg.DiagnosticLog,
		&c.LoginCfg.OutputFile,
		&c.CacheCfg.Path,
		&c.WebchatCfg.LiveOutput,
		&c.WebchatCfg.KnowledgeOutput,
	} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.CaptureCfg.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	if c.BrowserCfg.DefaultTimeout <= 0 {
		return fmt.Errorf("browser.default_timeout must be a positive duration")
	}
	switch c.LoginCfg.Scenario {
	case "officeweb", "teamshub":
	default:
		return fmt.Errorf("login.scenario must be one of officeweb, teamshub (got %q)", c.LoginCfg.Scenario)
	}
	if c.WebchatCfg.Timeout <= 0 || c.WebchatCfg.QueryTimeout <= 0 {
		return fmt.Errorf("webchat timeouts must be positive durations")
	}
	if c.WebchatCfg.ProbeInterval < 0 {
		return fmt.Errorf("webchat.probe_interval must not be negative")
	}
	if c.CacheCfg.Key == "" {
		return fmt.Errorf("cache.key is a required configuration field")
	}
	return nil
}

// Validate checks the capture settings.
func (c *CaptureConfig) Validate() error {
	switch c.Mode {
	case CaptureModeNetwork, CaptureModeStorage:
	default:
		return fmt.Errorf("mode must be %q or %q (got %q)", CaptureModeNetwork, CaptureModeStorage, c.Mode)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	if _, err := regexp.Compile(c.TokenURLPattern); err != nil {
		return fmt.Errorf("token_url_pattern does not compile: %w", err)
	}
	if len(c.BearerMarkers) == 0 {
		return fmt.Errorf("at least one bearer marker is required")
	}
	switch c.StorageMatch {
	case "", StorageMatchKey, StorageMatchValue:
	default:
		return fmt.Errorf("storage_match must be %q, %q or empty (got %q)", StorageMatchKey, StorageMatchValue, c.StorageMatch)
	}
	return nil
}
