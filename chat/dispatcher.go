package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foremanworks/foreman/storage"
)

// Pipeline limits.
const (
	dedupWindow     = 60 * time.Second
	dedupPrefixLen  = 100
	dedupSweepAge   = 120 * time.Second
	dedupSweepSize  = 1000
	maxMessageChars = 4000
	chunkPause      = 500 * time.Millisecond

	// DefaultMessagesPerMinute caps sends per chat in a fixed minute window.
	DefaultMessagesPerMinute = 10
)

// Refs ties a logged message to the entities it describes.
type Refs struct {
	Category string
	TaskID   string
	ListID   string
	AgentID  string
}

// Dispatcher owns the outbound send pipeline. All sends are best-effort:
// the only caller signal is the returned bool.
type Dispatcher struct {
	registry *Registry
	trans    *Transport
	log      storage.ChatLogStore
	logger   *slog.Logger

	perMinute int

	mu     sync.Mutex
	dedup  map[string]time.Time // (chatID|prefix) -> last send
	window map[int64]*minuteWindow

	suppressedDup  int64
	suppressedRate int64
}

type minuteWindow struct {
	start time.Time
	count int
}

// NewDispatcher creates the send pipeline.
func NewDispatcher(registry *Registry, trans *Transport, log storage.ChatLogStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		trans:     trans,
		log:       log,
		logger:    logger,
		perMinute: DefaultMessagesPerMinute,
		dedup:     make(map[string]time.Time),
		window:    make(map[int64]*minuteWindow),
	}
}

// SetMessagesPerMinute overrides the per-chat window cap, used by config.
func (d *Dispatcher) SetMessagesPerMinute(n int) {
	if n > 0 {
		d.mu.Lock()
		d.perMinute = n
		d.mu.Unlock()
	}
}

// Send runs the full pipeline: bot fallback, duplicate suppression, the
// per-minute window, chunking, transport, and the chat log. It returns
// whether at least the first chunk was delivered.
func (d *Dispatcher) Send(ctx context.Context, botType string, chatID int64, text string, opts SendOptions) bool {
	return d.send(ctx, botType, chatID, text, opts, Refs{})
}

// SendWithRefs is Send plus chat-log references.
func (d *Dispatcher) SendWithRefs(ctx context.Context, botType string, chatID int64, text string, opts SendOptions, refs Refs) bool {
	return d.send(ctx, botType, chatID, text, opts, refs)
}

func (d *Dispatcher) send(ctx context.Context, botType string, chatID int64, text string, opts SendOptions, refs Refs) bool {
	bot := d.resolveBot(botType)
	if bot == nil {
		d.logger.Error("send dropped, no usable bot", "bot_type", botType, "chat_id", chatID)
		return false
	}

	if !d.admit(chatID, text) {
		return false
	}

	chunks := Chunk(text, maxMessageChars)
	delivered := false
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-time.After(chunkPause):
			case <-ctx.Done():
				return delivered
			}
		}
		chunkOpts := opts
		if i > 0 {
			// buttons only on the first chunk
			chunkOpts.Buttons = nil
		}

		var msgID int64
		err := bot.Execute(func() error {
			var sendErr error
			msgID, sendErr = d.trans.SendMessage(ctx, bot.Token, chatID, chunk, chunkOpts)
			return sendErr
		})
		if err != nil {
			d.logger.Warn("chat send failed",
				"bot_type", bot.Type, "chat_id", chatID, "chunk", i+1, "error", err)
			return delivered
		}
		if i == 0 {
			delivered = true
		}
		d.logMessage(ctx, bot.Type, chatID, chunk, msgID, refs)
	}
	return delivered
}

// resolveBot applies the fallback chain: requested bot if configured and
// healthy, else the system bot, else nothing.
func (d *Dispatcher) resolveBot(botType string) *Bot {
	if bot := d.registry.Bot(botType); bot != nil && bot.Healthy() {
		return bot
	}
	if botType != BotSystem {
		if bot := d.registry.Bot(BotSystem); bot != nil && bot.Healthy() {
			d.logger.Debug("falling back to system bot", "requested", botType)
			return bot
		}
	}
	return nil
}

// admit applies duplicate suppression and the per-minute window. Both
// suppressions are logged and counted; no transport call is made.
func (d *Dispatcher) admit(chatID int64, text string) bool {
	now := time.Now()
	prefix := text
	if len(prefix) > dedupPrefixLen {
		prefix = prefix[:dedupPrefixLen]
	}
	key := fmt.Sprintf("%d|%s", chatID, prefix)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.dedup[key]; ok && now.Sub(last) < dedupWindow {
		d.suppressedDup++
		d.logger.Debug("duplicate suppressed", "chat_id", chatID)
		return false
	}

	w := d.window[chatID]
	if w == nil || now.Sub(w.start) >= time.Minute {
		w = &minuteWindow{start: now}
		d.window[chatID] = w
	}
	if w.count >= d.perMinute {
		d.suppressedRate++
		d.logger.Debug("rate limit suppressed", "chat_id", chatID, "count", w.count)
		return false
	}

	w.count++
	d.dedup[key] = now
	if len(d.dedup) > dedupSweepSize {
		d.sweepLocked(now)
	}
	return true
}

// sweepLocked drops dedup entries older than the sweep age. Caller holds mu.
func (d *Dispatcher) sweepLocked(now time.Time) {
	for k, at := range d.dedup {
		if now.Sub(at) > dedupSweepAge {
			delete(d.dedup, k)
		}
	}
	for id, w := range d.window {
		if now.Sub(w.start) >= time.Minute {
			delete(d.window, id)
		}
	}
}

// Suppressed returns (duplicate, rate-limit) suppression counts.
func (d *Dispatcher) Suppressed() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressedDup, d.suppressedRate
}

func (d *Dispatcher) logMessage(ctx context.Context, botType string, chatID int64, text string, msgID int64, refs Refs) {
	if d.log == nil {
		return
	}
	m := &storage.ChatMessage{
		ID:        storage.NewID(),
		BotType:   botType,
		ChatID:    chatID,
		Category:  refs.Category,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if msgID != 0 {
		m.UpstreamMessageID = &msgID
	}
	if refs.TaskID != "" {
		m.TaskID = &refs.TaskID
	}
	if refs.ListID != "" {
		m.ListID = &refs.ListID
	}
	if refs.AgentID != "" {
		m.AgentID = &refs.AgentID
	}
	if err := d.log.InsertChatMessage(ctx, m); err != nil {
		d.logger.Warn("chat log append failed", "error", err)
	}
}

// Chunk splits text into at most max-character pieces. Long messages break
// on the last newline past half the window; each piece gets an [i/N] prefix.
// Text at or under the limit is returned untouched.
func Chunk(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}

	// reserve room for the "[i/N] " prefix
	const prefixReserve = 8
	body := max - prefixReserve

	var parts []string
	rest := text
	for len(rest) > body {
		cut := body
		if i := strings.LastIndexByte(rest[:body], '\n'); i > body/2 {
			cut = i + 1
		}
		parts = append(parts, rest[:cut])
		rest = rest[cut:]
	}
	if len(rest) > 0 {
		parts = append(parts, rest)
	}

	n := len(parts)
	for i, p := range parts {
		parts[i] = fmt.Sprintf("[%d/%d] %s", i+1, n, strings.TrimRight(p, "\n"))
	}
	return parts
}
