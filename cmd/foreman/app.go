package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/foremanworks/foreman/chat"
	"github.com/foremanworks/foreman/commands"
	"github.com/foremanworks/foreman/config"
	"github.com/foremanworks/foreman/escalation"
	"github.com/foremanworks/foreman/events"
	"github.com/foremanworks/foreman/failure"
	"github.com/foremanworks/foreman/grouping"
	"github.com/foremanworks/foreman/impact"
	"github.com/foremanworks/foreman/metrics"
	"github.com/foremanworks/foreman/orchestrator"
	"github.com/foremanworks/foreman/planner"
	"github.com/foremanworks/foreman/storage"
	"github.com/foremanworks/foreman/worker"
)

const suggestionSweepInterval = time.Hour

// App wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    storage.Store
	emitter  *events.Emitter
	planner  *planner.Planner
	analyzer *impact.Analyzer
	grouping *grouping.Engine
	failures *failure.Controller
	bridge   *escalation.Bridge
	orch     *orchestrator.Orchestrator

	registry   *chat.Registry
	dispatcher *chat.Dispatcher
	receiver   *chat.Receiver
	router     *commands.Router
	notifier   *commands.Notifier
	collector  *metrics.Collector

	httpServer *http.Server
	watcher    *config.Watcher
	cancel     context.CancelFunc
}

// NewApp creates the application. Component construction that needs I/O
// happens in Start.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg.Chat.AdminChatID == 0 {
		return nil, fmt.Errorf("admin chat id not configured: set TELEGRAM_ADMIN_CHAT_ID or chat.admin_chat_id")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.openStore(ctx); err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	a.emitter = events.NewEmitter(a.logger)
	a.planner = planner.New(a.logger)
	a.analyzer = impact.NewAnalyzer(a.store, a.logger)
	a.grouping = grouping.New(a.store, a.cfg.Grouping.Options(), a.logger)

	var publisher failure.Publisher
	if a.cfg.NATS.URL != "" {
		bridge, err := escalation.New(a.cfg.NATS.URL, a.store, a.emitter, a.logger)
		if err != nil {
			return fmt.Errorf("connect escalation bridge: %w", err)
		}
		if err := bridge.Start(runCtx); err != nil {
			return fmt.Errorf("start escalation bridge: %w", err)
		}
		a.bridge = bridge
		publisher = bridge
	}

	a.failures = failure.NewController(a.store, a.emitter, publisher, a.logger)
	a.failures.SetMaxRetries(a.cfg.Failure.MaxRetries)

	runner := worker.NewProcessRunner(a.cfg.Worker.Command, a.cfg.Worker.Args, a.logger)

	a.orch = orchestrator.New(orchestrator.Config{
		GlobalMaxAgents:  a.cfg.Orchestrator.GlobalMaxAgents,
		AgentType:        "build",
		ApprovalTimeout:  a.cfg.Orchestrator.ApprovalTimeout,
		HeartbeatTimeout: a.cfg.Orchestrator.AgentStuckAfter,
		WatchdogInterval: a.cfg.Orchestrator.WatchdogInterval,
	}, a.store, a.planner, a.failures, a.analyzer, a.emitter, runner, a.logger)

	if err := a.startChat(runCtx); err != nil {
		return err
	}

	if err := a.orch.Start(runCtx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	a.collector = metrics.NewCollector(a.emitter, nil, a.logger)
	a.collector.Start(runCtx)

	a.startHTTP()
	a.startSweeper(runCtx)

	a.logger.Info("Components initialized",
		"store", a.storeKind(),
		"nats", a.cfg.NATS.URL != "",
		"bots", len(a.registry.Types()))
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No database configured, using in-memory store")
		a.store = storage.NewMemory()
		return nil
	}

	pg, err := storage.NewPostgres(ctx, a.cfg.Database.DSN, a.logger)
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	a.store = pg
	return nil
}

func (a *App) storeKind() string {
	if a.cfg.Database.DSN == "" {
		return "memory"
	}
	return "postgres"
}

func (a *App) startChat(ctx context.Context) error {
	transport := chat.NewTransport(a.logger)
	a.registry = chat.NewRegistry(transport, a.logger)
	if a.registry.Empty() {
		return errConfig(fmt.Errorf("no bot credentials found: set at least one TELEGRAM_BOT_<TYPE> variable"))
	}

	a.dispatcher = chat.NewDispatcher(a.registry, transport, a.store, a.logger)
	a.dispatcher.SetMessagesPerMinute(a.cfg.Chat.MessagesPerMinute)

	a.router = commands.NewRouter(commands.Deps{
		Store:         a.store,
		Orchestrator:  a.orch,
		Grouping:      a.grouping,
		Analyzer:      a.analyzer,
		Planner:       a.planner,
		Dispatcher:    a.dispatcher,
		Logger:        a.logger,
		PrimaryUserID: a.cfg.Chat.PrimaryUserID,
		ProjectID:     a.cfg.Project.ID,
	})

	mode := chat.ModePolling
	if a.cfg.Chat.Mode == "webhook" {
		mode = chat.ModeWebhook
	}
	secret := os.Getenv("TELEGRAM_WEBHOOK_SECRET")
	a.receiver = chat.NewReceiver(a.registry, transport, a.router, mode, a.cfg.Chat.WebhookURL, secret, a.logger)

	a.registry.Start(ctx)
	if err := a.receiver.Start(ctx); err != nil {
		return fmt.Errorf("start chat receiver: %w", err)
	}

	a.notifier = commands.NewNotifier(a.emitter, a.dispatcher, a.router, a.logger)
	a.notifier.Start(ctx)

	a.dispatcher.SendWithRefs(ctx, chat.BotSystem, a.cfg.Chat.AdminChatID,
		"🟢 Foreman online.", chat.SendOptions{}, chat.Refs{Category: "system"})
	return nil
}

func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/webhook/{botType}", a.receiver.WebhookHandler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.httpServer = &http.Server{
		Addr:              a.cfg.Listen.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// startSweeper expires stale grouping suggestions periodically.
func (a *App) startSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(suggestionSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				n, err := a.grouping.Sweep(sweepCtx)
				cancel()
				if err != nil {
					a.logger.Warn("Suggestion sweep failed", "error", err)
				} else if n > 0 {
					a.logger.Info("Expired stale suggestions", "count", n)
				}
			}
		}
	}()
}

// WatchConfig hot-reloads runtime tunables from the given file.
func (a *App) WatchConfig(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path, a.applyReload, a.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	a.watcher = watcher
	return nil
}

// applyReload pushes reloaded tunables into live components. Connection
// settings are ignored; they need a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.grouping.SetOptions(cfg.Grouping.Options())
	a.failures.SetMaxRetries(cfg.Failure.MaxRetries)
	a.dispatcher.SetMessagesPerMinute(cfg.Chat.MessagesPerMinute)
	a.logger.Info("Applied reloaded tunables",
		"max_retries", cfg.Failure.MaxRetries,
		"messages_per_minute", cfg.Chat.MessagesPerMinute)
}

// Stop shuts down all components in reverse dependency order.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP shutdown failed", "error", err)
		}
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.receiver != nil {
		a.receiver.Stop()
	}
	if a.orch != nil {
		if err := a.orch.Stop(shutdownCtx); err != nil {
			a.logger.Warn("Orchestrator shutdown failed", "error", err)
		}
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.registry != nil {
		a.registry.Stop()
	}
	if a.bridge != nil {
		a.bridge.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.emitter != nil {
		a.emitter.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Store close failed", "error", err)
		}
	}
}
