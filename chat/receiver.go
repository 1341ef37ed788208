package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Handler consumes inbound updates. Implemented by the command router.
type Handler interface {
	HandleMessage(ctx context.Context, botType string, chatID, userID int64, text string)
	HandleCallback(ctx context.Context, botType string, chatID, userID int64, data string)
}

// ReceiveMode selects how updates arrive. Exactly one mode is active.
type ReceiveMode string

const (
	ModeWebhook ReceiveMode = "webhook"
	ModePolling ReceiveMode = "polling"
)

const pollTimeoutSec = 30

// Receiver feeds inbound updates from every configured bot to the handler.
type Receiver struct {
	registry *Registry
	trans    *Transport
	handler  Handler
	logger   *slog.Logger

	mode       ReceiveMode
	webhookURL string // public base, e.g. https://host; bot path is appended
	secret     string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a receiver in the given mode.
func NewReceiver(registry *Registry, trans *Transport, handler Handler, mode ReceiveMode, webhookURL, secret string, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		registry:   registry,
		trans:      trans,
		handler:    handler,
		logger:     logger,
		mode:       mode,
		webhookURL: webhookURL,
		secret:     secret,
	}
}

// Start registers webhooks or launches polling loops.
func (r *Receiver) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	switch r.mode {
	case ModeWebhook:
		if r.webhookURL == "" {
			cancel()
			return fmt.Errorf("webhook mode requires a public URL")
		}
		for _, bt := range r.registry.Types() {
			bot := r.registry.Bot(bt)
			url := fmt.Sprintf("%s/webhook/%s", r.webhookURL, bt)
			if err := r.trans.SetWebhook(runCtx, bot.Token, url, r.secret); err != nil {
				cancel()
				return fmt.Errorf("set webhook for %s: %w", bt, err)
			}
			r.logger.Info("webhook registered", "bot_type", bt)
		}
	case ModePolling:
		for _, bt := range r.registry.Types() {
			bot := r.registry.Bot(bt)
			if err := r.trans.DeleteWebhook(runCtx, bot.Token); err != nil {
				r.logger.Warn("delete webhook before polling", "bot_type", bt, "error", err)
			}
			r.wg.Add(1)
			go r.poll(runCtx, bot)
		}
	default:
		cancel()
		return fmt.Errorf("unknown receive mode %q", r.mode)
	}
	return nil
}

// Stop halts polling loops. Webhook routes simply stop being served.
func (r *Receiver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// WebhookHandler returns the HTTP handler for /webhook/<botType> routes.
// Requests must carry the pre-shared secret header.
func (r *Receiver) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.secret != "" && req.Header.Get("X-Telegram-Bot-Api-Secret-Token") != r.secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		botType := req.PathValue("botType")
		if r.registry.Bot(botType) == nil {
			http.Error(w, "unknown bot", http.StatusNotFound)
			return
		}

		var upd Update
		if err := json.NewDecoder(req.Body).Decode(&upd); err != nil {
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		r.dispatch(req.Context(), botType, upd)
		w.WriteHeader(http.StatusOK)
	})
}

// poll long-polls one bot until the context ends.
func (r *Receiver) poll(ctx context.Context, bot *Bot) {
	defer r.wg.Done()
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := r.trans.GetUpdates(ctx, bot.Token, offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("poll failed", "bot_type", bot.Type, "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			r.dispatch(ctx, bot.Type, upd)
		}
	}
}

func (r *Receiver) dispatch(ctx context.Context, botType string, upd Update) {
	switch {
	case upd.Message != nil:
		var userID int64
		if upd.Message.From != nil {
			userID = upd.Message.From.ID
		}
		r.handler.HandleMessage(ctx, botType, upd.Message.Chat.ID, userID, upd.Message.Text)
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		var chatID, userID int64
		if cq.Message != nil {
			chatID = cq.Message.Chat.ID
		}
		if cq.From != nil {
			userID = cq.From.ID
		}
		r.handler.HandleCallback(ctx, botType, chatID, userID, cq.Data)
	}
}
