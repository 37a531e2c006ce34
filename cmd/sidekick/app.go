package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nugget/sidekick/internal/agent"
	"github.com/nugget/sidekick/internal/calendar"
	"github.com/nugget/sidekick/internal/config"
	"github.com/nugget/sidekick/internal/database"
	"github.com/nugget/sidekick/internal/fetch"
	"github.com/nugget/sidekick/internal/intent"
	"github.com/nugget/sidekick/internal/llm"
	"github.com/nugget/sidekick/internal/memory"
	"github.com/nugget/sidekick/internal/oauth"
	"github.com/nugget/sidekick/internal/scheduler"
	"github.com/nugget/sidekick/internal/search"
	"github.com/nugget/sidekick/internal/telegram"
	"github.com/nugget/sidekick/internal/todo"
	"github.com/nugget/sidekick/internal/tools"
	"github.com/nugget/sidekick/internal/usage"
	"github.com/nugget/sidekick/internal/weather"
)

// databaseFile is the SQLite file inside the data directory.
const databaseFile = "sidekick.db"

// app holds the components every subcommand shares. Transports that
// only serve needs (the API server, MQTT) are built by runServe.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	loc    *time.Location
	db     *sql.DB

	llm       llm.Client
	registry  *tools.Registry
	orch      *agent.Orchestrator
	schedules *scheduler.Store
	oauth     *oauth.Manager // nil unless configured
	events    scheduler.EventPublisher

	tg     *telegram.Client
	bridge *telegram.Bridge
}

// newApp opens the database and wires the stores, the capability
// registry and the orchestrator.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	dbPath := filepath.Join(cfg.DataDir, databaseFile)
	db, err := database.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, loc: loc, db: db}
	if err := a.wire(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sidekick initialized",
		"database", dbPath,
		"driver", cfg.Database.Driver,
		"timezone", loc.String(),
		"tools", len(a.registry.Names()),
	)
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	mem, err := memory.NewSQLiteStore(a.db, 0)
	if err != nil {
		return err
	}
	usageStore, err := usage.NewStore(a.db, cfg.Models.Pricing)
	if err != nil {
		return err
	}
	a.schedules, err = scheduler.NewStore(a.db)
	if err != nil {
		return err
	}
	todos, err := todo.NewStore(a.db)
	if err != nil {
		return err
	}

	a.llm, err = createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.OAuth.Configured() {
		tokens, err := oauth.NewTokenStore(a.db, cfg.OAuth.Secret)
		if err != nil {
			return fmt.Errorf("oauth token store: %w", err)
		}
		a.oauth, err = oauth.NewManager(cfg.OAuth, tokens, logger)
		if err != nil {
			return fmt.Errorf("oauth: %w", err)
		}
	}

	a.registry = tools.NewRegistry()
	if err := a.registerTools(todos, usageStore); err != nil {
		return err
	}

	a.orch = agent.New(logger, a.llm, mem, a.registry, agent.Config{
		Model:             cfg.Models.Default,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		MaxParallelTools:  cfg.Agent.MaxParallelTools,
		ToolTimeout:       cfg.Agent.ToolTimeout,
		LLMTimeout:        cfg.Agent.LLMTimeout,
		Location:          a.loc,
	})
	a.orch.SetUsageStore(usageStore)

	if cfg.Agent.IntentDetection {
		detector, err := intent.NewDetector(a.llm, cfg.Models.Default, logger)
		if err != nil {
			return err
		}
		a.orch.SetIntentHandler(intent.NewRouter(detector, a.schedules, a.loc, logger))
		logger.Info("intent detection enabled", "model", cfg.Models.Default)
	}
	return nil
}

// registerTools installs every capability the configuration enables.
func (a *app) registerTools(todos *todo.Store, usageStore *usage.Store) error {
	cfg, logger := a.cfg, a.logger

	if err := a.registry.RegisterScheduleTools(a.schedules); err != nil {
		return err
	}
	if err := a.registry.RegisterTodoTools(todos); err != nil {
		return err
	}
	if err := a.registry.RegisterUsageTools(usageStore); err != nil {
		return err
	}

	mgr := search.NewManager(cfg.Search.Default, logger)
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey, ""))
	}
	if cfg.Search.SearXNG.Configured() {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
	}
	if mgr.Configured() {
		if err := a.registry.RegisterSearchTools(mgr); err != nil {
			return err
		}
		logger.Info("web search enabled", "providers", mgr.Providers())
	}

	if err := a.registry.RegisterFetchTools(fetch.New()); err != nil {
		return err
	}

	if cfg.Weather.Enabled {
		var opts []weather.Option
		if cfg.Weather.Units == "imperial" {
			opts = append(opts, weather.WithImperial())
		}
		if err := a.registry.RegisterWeatherTools(weather.NewClient(opts...), cfg.Weather.Location); err != nil {
			return err
		}
	}

	if cfg.Calendar.Enabled && a.oauth != nil {
		svc := calendar.New(cfg.Calendar.URL, a.oauth, a.loc, logger)
		if err := a.registry.RegisterCalendarTools(svc); err != nil {
			return err
		}
		logger.Info("calendar enabled", "url", cfg.Calendar.URL)
	}
	return nil
}

// telegramBridge returns the bridge, creating it on first use.
func (a *app) telegramBridge() *telegram.Bridge {
	if a.bridge == nil {
		a.tg = telegram.NewClient(a.cfg.Telegram, a.logger)
		a.bridge = telegram.NewBridge(telegram.BridgeConfig{
			Client:        a.tg,
			Runner:        a.orch,
			Schedules:     a.schedules,
			Logger:        a.logger,
			AllowedUsers:  a.cfg.Telegram.AllowedUsers,
			MaxConcurrent: a.cfg.Telegram.MaxConcurrent,
		})
	}
	return a.bridge
}

// dispatcher builds a schedule dispatcher that delivers through out.
func (a *app) dispatcher(out scheduler.Deliverer) *scheduler.Dispatcher {
	sc := a.cfg.Scheduler
	d := scheduler.New(a.logger, a.schedules, a.orch.Generator(), out, scheduler.Config{
		TickInterval:      sc.TickInterval,
		ProactiveInterval: sc.ProactiveInterval,
		CatchUpWindow:     sc.CatchUpWindow,
		ProactiveOwners:   sc.ProactiveOwners,
		Location:          a.loc,
	})
	if sc.ProactiveInterval > 0 {
		d.SetProactive(a.orch.Proactive)
	}
	if a.events != nil {
		d.SetEventPublisher(a.events)
	}
	return d
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// createLLMClient builds a multi-provider client. Ollama is always
// present and serves any model not mapped to another provider.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	ollama := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Models.Temperature, logger)
	multi := llm.NewMultiClient(ollama)
	multi.AddProvider("ollama", ollama)

	if cfg.Gemini.Configured() {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, geminiPingModel(cfg), cfg.Models.Temperature, logger)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		multi.AddProvider("gemini", gemini)
		logger.Info("gemini provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	provider := cfg.ProviderFor(cfg.Models.Default)
	multi.AddModel(cfg.Models.Default, provider)
	if provider == "gemini" && !cfg.Gemini.Configured() {
		logger.Warn("default model needs gemini but no api key is set; falling back to ollama",
			"model", cfg.Models.Default)
	}

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", provider)
	return multi, nil
}

// geminiPingModel picks the model the Gemini client health-checks
// with: the default model when Gemini serves it, else the first
// Gemini model listed.
func geminiPingModel(cfg *config.Config) string {
	if cfg.ProviderFor(cfg.Models.Default) == "gemini" {
		return cfg.Models.Default
	}
	for _, m := range cfg.Models.Available {
		if m.Provider == "gemini" {
			return m.Name
		}
	}
	return "gemini-2.5-flash"
}

// writerDeliverer prints scheduled messages instead of sending them.
// The tick command uses it when Telegram is not configured.
type writerDeliverer struct {
	mu sync.Mutex
	w  io.Writer
}

func (d *writerDeliverer) Deliver(_ context.Context, ownerID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := fmt.Fprintf(d.w, "[%s] %s\n", ownerID, text)
	return err
}
