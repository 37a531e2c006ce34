// Package config handles Sidekick configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sidekick/config.yaml, /etc/sidekick/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sidekick", "config.yaml"))
	}

	paths = append(paths, "/etc/sidekick/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Sidekick configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Search    SearchConfig    `yaml:"search"`
	Weather   WeatherConfig   `yaml:"weather"`
	Calendar  CalendarConfig  `yaml:"calendar"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	DataDir   string          `yaml:"data_dir"`
	Timezone  string          `yaml:"timezone"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// Token guards the /v1 endpoints. Empty disables the REST and
	// websocket surfaces; health and the OAuth callback stay public.
	Token string `yaml:"token"`
}

// TelegramConfig defines the Bot API connection.
type TelegramConfig struct {
	Token         string `yaml:"token"`
	APIURL        string `yaml:"api_url"`         // default https://api.telegram.org
	PollTimeout   int    `yaml:"poll_timeout"`    // getUpdates long-poll seconds (default 30)
	MaxMessageLen int    `yaml:"max_message_len"` // default 4096
	MaxConcurrent int    `yaml:"max_concurrent"`  // concurrent update handlers (default 8)
	// AllowedUsers restricts the bot to these Telegram user IDs. Empty
	// allows everyone.
	AllowedUsers []int64 `yaml:"allowed_users"`
}

// Configured reports whether a bot token is set.
func (c TelegramConfig) Configured() bool { return c.Token != "" }

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is set.
func (c GeminiConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig defines the local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default     string                  `yaml:"default"`
	Temperature float64                 `yaml:"temperature"`
	Available   []ModelConfig           `yaml:"available"`
	Pricing     map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens for one model.
// Models without an entry are treated as free.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // gemini, ollama
}

// AgentConfig bounds the conversation loop.
type AgentConfig struct {
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	MaxParallelTools  int           `yaml:"max_parallel_tools"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	LLMTimeout        time.Duration `yaml:"llm_timeout"`
	// IntentDetection classifies free text into schedule intents before
	// falling through to the tool loop.
	IntentDetection bool `yaml:"intent_detection"`
}

// SchedulerConfig controls the schedule dispatcher.
type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	ProactiveInterval time.Duration `yaml:"proactive_interval"` // 0 disables
	// CatchUpWindow lets a delayed tick still fire an occurrence that
	// passed at most this long ago. 0 means exact minute match.
	CatchUpWindow   time.Duration `yaml:"catch_up_window"`
	ProactiveOwners []string      `yaml:"proactive_owners"`
}

// SearchConfig selects web search providers.
type SearchConfig struct {
	Default string        `yaml:"default"` // brave or searxng
	Brave   BraveConfig   `yaml:"brave"`
	SearXNG SearXNGConfig `yaml:"searxng"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearXNGConfig points at a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a SearXNG URL is set.
func (c SearXNGConfig) Configured() bool { return c.URL != "" }

// WeatherConfig controls the Open-Meteo capability.
type WeatherConfig struct {
	Enabled bool   `yaml:"enabled"`
	Units   string `yaml:"units"` // metric (default) or imperial
	// Location is used when a request names no place.
	Location string `yaml:"location"`
}

// CalendarConfig points the calendar capability at a CalDAV server.
type CalendarConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"` // CalDAV root, default Google's
}

// OAuthConfig holds the OAuth2 client used for calendar access.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
	// Secret derives the token encryption key and the state signing
	// key. Changing it invalidates stored tokens.
	Secret string `yaml:"secret"`
}

// Configured reports whether enough is set to run an OAuth flow.
func (c OAuthConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != "" && c.Secret != ""
}

// MQTTConfig defines the event publisher connection.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// DatabaseConfig selects the SQLite driver.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
}

// Load reads configuration from a YAML file, expands ${ENV}
// references, and fills defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials. The ask command uses it when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeout == 0 {
		c.Telegram.PollTimeout = 30
	}
	if c.Telegram.MaxMessageLen == 0 {
		c.Telegram.MaxMessageLen = 4096
	}
	if c.Telegram.MaxConcurrent == 0 {
		c.Telegram.MaxConcurrent = 8
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Models.Default == "" {
		c.Models.Default = "gemini-2.5-flash"
	}
	if c.Models.Temperature == 0 {
		c.Models.Temperature = 0.7
	}
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = 8
	}
	if c.Agent.MaxParallelTools == 0 {
		c.Agent.MaxParallelTools = 4
	}
	if c.Agent.ToolTimeout == 0 {
		c.Agent.ToolTimeout = 30 * time.Second
	}
	if c.Agent.LLMTimeout == 0 {
		c.Agent.LLMTimeout = 2 * time.Minute
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Search.Default == "" {
		if c.Search.Brave.APIKey != "" {
			c.Search.Default = "brave"
		} else if c.Search.SearXNG.Configured() {
			c.Search.Default = "searxng"
		}
	}
	if c.Weather.Units == "" {
		c.Weather.Units = "metric"
	}
	if c.Calendar.URL == "" {
		c.Calendar.URL = "https://apidata.googleusercontent.com/caldav/v2/"
	}
	if len(c.OAuth.Scopes) == 0 {
		c.OAuth.Scopes = []string{"https://www.googleapis.com/auth/calendar"}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sidekick"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "sidekick"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite3 or sqlite", c.Database.Driver))
	}
	if c.Agent.MaxToolIterations < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_iterations must be positive"))
	}
	if c.Agent.MaxParallelTools < 1 {
		errs = append(errs, fmt.Errorf("agent.max_parallel_tools must be positive"))
	}
	if c.Scheduler.TickInterval < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval %v is below 1s", c.Scheduler.TickInterval))
	}
	if c.Scheduler.CatchUpWindow < 0 {
		errs = append(errs, fmt.Errorf("scheduler.catch_up_window must not be negative"))
	}
	if c.Telegram.MaxMessageLen < 64 || c.Telegram.MaxMessageLen > 4096 {
		errs = append(errs, fmt.Errorf("telegram.max_message_len %d out of range 64-4096", c.Telegram.MaxMessageLen))
	}
	for _, m := range c.Models.Available {
		if m.Provider != "gemini" && m.Provider != "ollama" {
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.Calendar.Enabled && !c.OAuth.Configured() {
		errs = append(errs, fmt.Errorf("calendar.enabled requires oauth client_id, client_secret, redirect_url and secret"))
	}

	return errors.Join(errs...)
}

// Location resolves the configured timezone. Schedules are matched
// against wall-clock time in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ProviderFor returns the provider configured for model, inferring
// gemini for "gemini-*" names and ollama otherwise.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	if strings.HasPrefix(model, "gemini-") {
		return "gemini"
	}
	return "ollama"
}
