package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/sidekick/internal/database"
	"github.com/nugget/sidekick/internal/scheduler"
)

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: sidekick") {
			t.Errorf("run(%v) output missing usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "xml", "version"}, `unknown output format: "xml"`},
		{"ask without question", []string{"ask"}, "usage: sidekick ask"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "tick"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "Sidekick ") || !strings.Contains(stdout.String(), "go_version:") {
		t.Errorf("text version output:\n%s", stdout.String())
	}

	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("json version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode json version: %v\n%s", err, stdout.String())
	}
	for _, k := range []string{"version", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("json version missing %q: %v", k, info)
		}
	}
}

func TestRunInit(t *testing.T) {
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })

	dir := t.TempDir()
	var out bytes.Buffer
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The example must load and validate as shipped.
	if _, _, err := loadConfig(cfgPath); err != nil {
		t.Errorf("example config does not load: %v", err)
	}

	// A second run leaves the user's edits alone.
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := runInit(&out, dir); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if string(got) != "log_level: debug\n" {
		t.Errorf("config.yaml overwritten: %q", got)
	}
	if !strings.Contains(out.String(), "exists, left alone") {
		t.Errorf("second run output:\n%s", out.String())
	}
}

// fakeOllama answers every chat request with reply.
func fakeOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `{"model":"qwen3:8b","message":{"role":"assistant","content":%q},"done":true,"prompt_eval_count":10,"eval_count":3}`, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeConfig writes a pure-Go, UTC, Ollama-only config into a temp
// directory and returns its path and data directory.
func writeConfig(t *testing.T, ollamaURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	yaml := fmt.Sprintf(`
data_dir: %s
timezone: UTC
log_level: error
database:
  driver: sqlite
ollama:
  url: %s
models:
  default: qwen3:8b
  available:
    - name: qwen3:8b
      provider: ollama
scheduler:
  catch_up_window: 10m
`, dataDir, ollamaURL)
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}

func TestRun_Ask(t *testing.T) {
	srv := fakeOllama(t, "Forty-two.")
	cfgPath, _ := writeConfig(t, srv.URL)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "ask", "what", "is", "the", "answer?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := strings.TrimSpace(stdout.String()); got != "Forty-two." {
		t.Errorf("ask output = %q, want %q", got, "Forty-two.")
	}
}

func TestRun_Tick(t *testing.T) {
	srv := fakeOllama(t, "Good morning! Nothing on the calendar.")
	cfgPath, dataDir := writeConfig(t, srv.URL)

	now := time.Now().UTC()
	db, err := database.Open(database.DriverPureGo, filepath.Join(dataDir, databaseFile))
	if err != nil {
		t.Fatal(err)
	}
	store, err := scheduler.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	entries := []*scheduler.Entry{
		{
			OwnerID:       "42",
			Kind:          scheduler.KindStatic,
			Frequency:     scheduler.FrequencyOnce,
			ScheduledDate: now.Format(scheduler.DateLayout),
			TimeOfDay:     now.Format("15:04"),
			Content:       "Stretch your legs",
		},
		{
			OwnerID:   "7",
			Kind:      scheduler.KindGenerated,
			Frequency: scheduler.FrequencyDaily,
			TimeOfDay: now.Format("15:04"),
			Content:   "Brief me on today",
		},
	}
	for _, e := range entries {
		if err := store.Create(context.Background(), e); err != nil {
			t.Fatalf("create schedule: %v", err)
		}
	}
	db.Close()

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "tick"}); err != nil {
		t.Fatalf("tick: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{
		"[42] Stretch your legs",
		"[7] Good morning! Nothing on the calendar.",
		"due 2, fired 2, failed 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("tick output missing %q:\n%s", want, out)
		}
	}

	// Both entries have fired for this occurrence; a second tick is idle.
	stdout.Reset()
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "tick"}); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	var rep map[string]int
	if err := json.Unmarshal(stdout.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout.String())
	}
	if rep["due"] != 0 || rep["fired"] != 0 {
		t.Errorf("second tick report = %v, want nothing due", rep)
	}
}
