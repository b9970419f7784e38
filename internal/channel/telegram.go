package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mensabot/internal/domain"
	"mensabot/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 1
)

// Telegram implements domain.Channel for the Telegram Bot API. It runs in
// one of two modes: long polling (Start with no webhook path) or webhook
// (Handler mounted on the HTTP server, Start only wires the outbound side).
type Telegram struct {
	token       string
	allowFrom   []int64 // allowed user IDs (empty = allow all)
	secretToken string  // expected X-Telegram-Bot-Api-Secret-Token
	webhookPath string
	publicURL   string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
	now    func() time.Time
}

type TelegramConfig struct {
	Token       string
	AllowFrom   []string // user IDs as strings
	SecretToken string
	WebhookPath string // empty = long polling
	PublicURL   string // when set, registers publicURL+webhookPath with Telegram
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:       cfg.Token,
		allowFrom:   allowed,
		secretToken: cfg.SecretToken,
		webhookPath: cfg.WebhookPath,
		publicURL:   cfg.PublicURL,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Path returns the webhook mount path, or "" in polling mode.
func (t *Telegram) Path() string { return t.webhookPath }

// Start connects to Telegram, registers the outbound handler and, in polling
// mode, consumes updates until ctx is cancelled. In webhook mode it registers
// the webhook URL (when a public URL is configured) and blocks on ctx.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			metrics.ReplyFailures.Inc()
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	if t.webhookPath != "" {
		if t.publicURL != "" {
			if err := t.registerWebhook(); err != nil {
				return err
			}
		}
		t.logger.Info("telegram webhook mode", "path", t.webhookPath)
		<-ctx.Done()
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if !t.handleUpdate(update) {
				t.logger.Warn("telegram update dropped: bus saturated",
					"update_id", update.UpdateID)
			}
		}
	}
}

// Stop is a no-op: the channel stops when Start's context is cancelled.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, content)
	return nil
}

func (t *Telegram) registerWebhook() error {
	url := strings.TrimRight(t.publicURL, "/") + t.webhookPath
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("telegram webhook config: %w", err)
	}
	wh.SecretToken = t.secretToken
	if _, err := t.bot.Request(wh); err != nil {
		return fmt.Errorf("telegram set webhook: %w", err)
	}
	t.logger.Info("telegram webhook registered", "url", url)
	return nil
}

// Handler validates and accepts Telegram webhook updates. Requests are
// acknowledged as soon as the update is on the bus; the reply goes out
// asynchronously through the Bot API, never in the HTTP response.
func (t *Telegram) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if t.secretToken != "" && r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != t.secretToken {
			metrics.WebhookRejected.Inc()
			t.logger.Warn("telegram webhook rejected: bad secret token", "remote", r.RemoteAddr)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Bad Request", http.StatusBadRequest)
			return
		}

		var update tgbotapi.Update
		if err := json.Unmarshal(body, &update); err != nil {
			metrics.WebhookRejected.Inc()
			t.logger.Warn("telegram webhook rejected: invalid JSON", "err", err)
			http.Error(rw, "Invalid JSON", http.StatusBadRequest)
			return
		}

		metrics.WebhookRequests.Inc()
		if !t.handleUpdate(update) {
			// Telegram redelivers on non-2xx, so a saturated bus turns
			// into a retry instead of a lost update.
			http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}
}

// handleUpdate puts a well-formed update on the bus. It reports false only
// when the bus refused the message; dropped updates still count as handled.
func (t *Telegram) handleUpdate(update tgbotapi.Update) bool {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return true
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return true
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return true
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	received := time.Unix(int64(update.Message.Date), 0)
	if update.Message.Date == 0 {
		received = t.now()
	}

	return t.bus.TryPublish(domain.InboundMessage{
		ID:         uuid.NewString(),
		Channel:    "telegram",
		ChatID:     strconv.FormatInt(chatID, 10),
		SenderID:   strconv.FormatInt(userID, 10),
		Content:    text,
		ReceivedAt: received,
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with one bounded retry. A reply that
// still fails is dropped and counted; the pipeline never blocks on delivery.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		_, err := t.bot.Send(msg)
		if err == nil {
			metrics.RepliesSent.Inc()
			return
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
				backoff = 3 * time.Second
			}
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed, dropping reply", "chat_id", chatID, "err", err)
		metrics.ReplyFailures.Inc()
	}
}
