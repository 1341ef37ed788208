// Package chat delivers orchestrator notifications to users over the
// Telegram Bot API. Each logical bot type carries its own credential; the
// dispatcher adds duplicate suppression, per-chat rate limits, chunking and
// fallback to the system bot.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	apiBase          = "https://api.telegram.org"
	transportTimeout = 10 * time.Second

	// Telegram's global bot limit is ~30 msg/s; pace below it.
	transportRate  = 25
	transportBurst = 5
)

// Transport is the HTTP client for the Bot API. Connections are forced onto
// IPv4; some hosts advertise broken AAAA records for api.telegram.org.
// Long polls run on a second client without the global timeout, bounded by
// a per-call deadline instead, so an idle getUpdates can sit out the full
// poll window.
type Transport struct {
	client     *http.Client
	pollClient *http.Client
	limiter    *rate.Limiter
	base       string
	logger     *slog.Logger
}

// NewTransport creates a transport with the production endpoint.
func NewTransport(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{Timeout: transportTimeout}
	rt := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr)
		},
	}
	return &Transport{
		client:     &http.Client{Timeout: transportTimeout, Transport: rt},
		pollClient: &http.Client{Transport: rt},
		limiter:    rate.NewLimiter(rate.Limit(transportRate), transportBurst),
		base:       apiBase,
		logger:     logger,
	}
}

// SetBase overrides the API endpoint, used by tests.
func (t *Transport) SetBase(base string) { t.base = base }

// sendMessageRequest is the JSON body for sendMessage.
type sendMessageRequest struct {
	ChatID                int64       `json:"chat_id"`
	Text                  string      `json:"text"`
	ParseMode             string      `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool        `json:"disable_web_page_preview"`
	ReplyMarkup           *ReplyMarkup `json:"reply_markup,omitempty"`
}

// ReplyMarkup carries inline keyboard buttons.
type ReplyMarkup struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

// InlineButton is one callback button.
type InlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// apiResponse is the envelope every Bot API call returns.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// SendOptions tunes one send.
type SendOptions struct {
	ParseMode string // "HTML" or "Markdown"
	Buttons   [][]InlineButton
}

// SendMessage posts one message and returns the upstream message id.
func (t *Transport) SendMessage(ctx context.Context, token string, chatID int64, text string, opts SendOptions) (int64, error) {
	req := sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             opts.ParseMode,
		DisableWebPagePreview: true,
	}
	if len(opts.Buttons) > 0 {
		req.ReplyMarkup = &ReplyMarkup{InlineKeyboard: opts.Buttons}
	}

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := t.call(ctx, token, "sendMessage", req, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// GetMe calls the identity endpoint, used as the health check.
func (t *Transport) GetMe(ctx context.Context, token string) (string, error) {
	var result struct {
		Username string `json:"username"`
	}
	if err := t.call(ctx, token, "getMe", nil, &result); err != nil {
		return "", err
	}
	return result.Username, nil
}

// setWebhookRequest is the JSON body for setWebhook.
type setWebhookRequest struct {
	URL                string   `json:"url"`
	SecretToken        string   `json:"secret_token,omitempty"`
	AllowedUpdates     []string `json:"allowed_updates"`
	DropPendingUpdates bool     `json:"drop_pending_updates"`
}

// SetWebhook registers the inbound webhook for a bot.
func (t *Transport) SetWebhook(ctx context.Context, token, url, secret string) error {
	req := setWebhookRequest{
		URL:                url,
		SecretToken:        secret,
		AllowedUpdates:     []string{"message", "callback_query"},
		DropPendingUpdates: false,
	}
	return t.call(ctx, token, "setWebhook", req, nil)
}

// DeleteWebhook unregisters the webhook, required before long polling.
func (t *Transport) DeleteWebhook(ctx context.Context, token string) error {
	return t.call(ctx, token, "deleteWebhook", nil, nil)
}

// GetUpdates long-polls for inbound updates.
func (t *Transport) GetUpdates(ctx context.Context, token string, offset int64, timeoutSec int) ([]Update, error) {
	req := map[string]any{
		"offset":          offset,
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message", "callback_query"},
	}
	// deadline must outlive the server-side poll window
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second+transportTimeout)
	defer cancel()

	var updates []Update
	if err := t.do(ctx, t.pollClient, token, "getUpdates", req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Transport) call(ctx context.Context, token, method string, body, result any) error {
	return t.do(ctx, t.client, token, method, body, result)
}

func (t *Transport) do(ctx context.Context, client *http.Client, token, method string, body, result any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("transport pacing: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", method, err)
		}
		reader = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.base, token, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if !env.OK {
		return fmt.Errorf("%s: api error %d: %s", method, env.ErrorCode, env.Description)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Update is one inbound event from Telegram.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
}

// Chat identifies the conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User identifies the sender.
type User struct {
	ID int64 `json:"id"`
}

// CallbackQuery is an inline-button press.
type CallbackQuery struct {
	ID      string   `json:"id"`
	Data    string   `json:"data"`
	Message *Message `json:"message,omitempty"`
	From    *User    `json:"from,omitempty"`
}
