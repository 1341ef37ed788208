package chat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Bot types. Each carries its own credential from TELEGRAM_BOT_<TYPE>.
const (
	BotSystem        = "system"
	BotMonitor       = "monitor"
	BotOrchestrator  = "orchestrator"
	BotBuild         = "build"
	BotSpec          = "spec"
	BotValidation    = "validation"
	BotSIA           = "sia"
	BotPlanning      = "planning"
	BotClarification = "clarification"
	BotHuman         = "human"
)

// KnownBotTypes lists every recognised bot type.
var KnownBotTypes = []string{
	BotSystem, BotMonitor, BotOrchestrator, BotBuild, BotSpec,
	BotValidation, BotSIA, BotPlanning, BotClarification, BotHuman,
}

// AgentBotType maps an agent type to the bot that reports for it. Unknown
// agent types fall back to the system bot.
func AgentBotType(agentType string) string {
	switch agentType {
	case "build":
		return BotBuild
	case "validation":
		return BotValidation
	case "sia":
		return BotSIA
	case "planning":
		return BotPlanning
	case "spec":
		return BotSpec
	default:
		return BotSystem
	}
}

// Bot is one configured chat identity.
type Bot struct {
	Type     string
	Token    string
	Username string

	mu      sync.RWMutex
	healthy bool
	breaker *gobreaker.CircuitBreaker
}

// Healthy reports the last health-check result, gated by the breaker state.
func (b *Bot) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy && b.breaker.State() != gobreaker.StateOpen
}

func (b *Bot) setHealthy(ok bool) {
	b.mu.Lock()
	b.healthy = ok
	b.mu.Unlock()
}

// Registry holds the configured bots and runs their health checks.
type Registry struct {
	transport *Transport
	logger    *slog.Logger
	interval  time.Duration

	mu   sync.RWMutex
	bots map[string]*Bot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry reads TELEGRAM_BOT_<TYPE> credentials from the environment.
// It is not an error for individual bots to be missing; sends fall back to
// the system bot, and a registry with no bots at all is reported so the
// process can exit with a config error.
func NewRegistry(transport *Transport, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		transport: transport,
		logger:    logger,
		interval:  5 * time.Minute,
		bots:      make(map[string]*Bot),
	}
	for _, bt := range KnownBotTypes {
		env := "TELEGRAM_BOT_" + strings.ToUpper(bt)
		token := os.Getenv(env)
		if token == "" {
			continue
		}
		r.bots[bt] = newBot(bt, token)
		logger.Info("bot configured", "bot_type", bt)
	}
	return r
}

func newBot(botType, token string) *Bot {
	b := &Bot{Type: botType, Token: token, healthy: true}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "telegram-" + botType,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return b
}

// AddBot registers a bot directly, used by tests.
func (r *Registry) AddBot(botType, token string) {
	r.mu.Lock()
	r.bots[botType] = newBot(botType, token)
	r.mu.Unlock()
}

// Bot returns the bot for a type, or nil when unconfigured.
func (r *Registry) Bot(botType string) *Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bots[botType]
}

// Empty reports whether no credentials were configured at all.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots) == 0
}

// Types returns the configured bot types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bots))
	for bt := range r.bots {
		out = append(out, bt)
	}
	return out
}

// Execute runs fn through the bot's circuit breaker.
func (b *Bot) Execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) { return nil, fn() })
	return err
}

// Start runs an immediate health check and then one every interval.
func (r *Registry) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.CheckHealth(runCtx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.CheckHealth(runCtx)
			}
		}
	}()
}

// Stop halts the health-check loop.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// CheckHealth probes every bot's identity endpoint with a 10s timeout.
func (r *Registry) CheckHealth(ctx context.Context) {
	r.mu.RLock()
	bots := make([]*Bot, 0, len(r.bots))
	for _, b := range r.bots {
		bots = append(bots, b)
	}
	r.mu.RUnlock()

	for _, b := range bots {
		checkCtx, cancel := context.WithTimeout(ctx, transportTimeout)
		err := b.Execute(func() error {
			username, err := r.transport.GetMe(checkCtx, b.Token)
			if err != nil {
				return err
			}
			b.mu.Lock()
			b.Username = username
			b.mu.Unlock()
			return nil
		})
		cancel()

		wasHealthy := b.Healthy()
		b.setHealthy(err == nil)
		if err != nil {
			r.logger.Warn("bot health check failed", "bot_type", b.Type, "error", err)
		} else if !wasHealthy {
			r.logger.Info("bot recovered", "bot_type", b.Type)
		}
	}
}

// ErrNoBots is returned when a send cannot be routed anywhere.
var ErrNoBots = fmt.Errorf("no chat bots configured")
