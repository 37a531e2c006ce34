package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("SIDEKICK_TEST_TOKEN", "secret123")
	path := writeConfig(t, "telegram:\n  token: ${SIDEKICK_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Telegram.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Telegram.Token, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gemini:\n  api_key: k\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen.port", cfg.Listen.Port, 8080},
		{"telegram.max_message_len", cfg.Telegram.MaxMessageLen, 4096},
		{"agent.max_tool_iterations", cfg.Agent.MaxToolIterations, 8},
		{"agent.max_parallel_tools", cfg.Agent.MaxParallelTools, 4},
		{"agent.tool_timeout", cfg.Agent.ToolTimeout, 30 * time.Second},
		{"agent.llm_timeout", cfg.Agent.LLMTimeout, 2 * time.Minute},
		{"scheduler.tick_interval", cfg.Scheduler.TickInterval, time.Minute},
		{"scheduler.catch_up_window", cfg.Scheduler.CatchUpWindow, time.Duration(0)},
		{"database.driver", cfg.Database.Driver, "sqlite3"},
		{"log_format", cfg.LogFormat, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Durations(t *testing.T) {
	cfg, err := Load(writeConfig(t, "scheduler:\n  tick_interval: 30s\n  catch_up_window: 5m\nagent:\n  tool_timeout: 10s\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Scheduler.TickInterval != 30*time.Second {
		t.Errorf("tick_interval = %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.CatchUpWindow != 5*time.Minute {
		t.Errorf("catch_up_window = %v", cfg.Scheduler.CatchUpWindow)
	}
	if cfg.Agent.ToolTimeout != 10*time.Second {
		t.Errorf("tool_timeout = %v", cfg.Agent.ToolTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"negative window", func(c *Config) { c.Scheduler.CatchUpWindow = -time.Minute }, "catch_up_window"},
		{"message len too big", func(c *Config) { c.Telegram.MaxMessageLen = 10000 }, "max_message_len"},
		{"unknown provider", func(c *Config) {
			c.Models.Available = []ModelConfig{{Name: "x", Provider: "openai"}}
		}, "unknown provider"},
		{"calendar without oauth", func(c *Config) { c.Calendar.Enabled = true }, "calendar.enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderFor(t *testing.T) {
	cfg := Default()
	cfg.Models.Available = []ModelConfig{{Name: "llama3.2", Provider: "ollama"}, {Name: "custom", Provider: "gemini"}}

	tests := map[string]string{
		"gemini-2.5-flash": "gemini",
		"custom":           "gemini",
		"llama3.2":         "ollama",
		"qwen3:4b":         "ollama",
	}
	for model, want := range tests {
		if got := cfg.ProviderFor(model); got != want {
			t.Errorf("ProviderFor(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("got %q, want TRACE", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any().(slog.Level) != slog.LevelInfo {
		t.Errorf("info level should pass through unchanged")
	}
}
