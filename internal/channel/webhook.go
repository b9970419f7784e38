package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"mensabot/internal/domain"
	"mensabot/internal/metrics"

	"github.com/google/uuid"
)

// Webhook implements a generic inbound channel: HTTP POSTs carrying one
// query event or a batch of them. The request is acknowledged once every
// valid event is on the bus; replies are delivered asynchronously to the
// event's reply_url when one is given.
type Webhook struct {
	path   string
	secret string // HMAC secret for X-Signature-256
	bus    domain.MessageBus
	logger *slog.Logger
	client *http.Client

	// replyTo remembers where to deliver replies per chat. Entries are
	// overwritten on every event, so a chat always replies to its most
	// recent callback URL. Stale targets are pruned on insert and the map
	// is capped so unknown chat_ids cannot grow it without bound.
	replyTo   map[string]replyTarget
	replyTTL  time.Duration
	replyMax  int
	replyToMu sync.Mutex
	now       func() time.Time
}

// replyTarget is a callback URL plus the time it was last seen.
type replyTarget struct {
	url  string
	seen time.Time
}

const (
	defaultReplyTTL = 24 * time.Hour
	defaultReplyMax = 4096
)

// WebhookConfig configures the generic webhook channel.
type WebhookConfig struct {
	Path   string
	Secret string
	Logger *slog.Logger
}

// webhookEvent is one query in a webhook request body.
type webhookEvent struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	Content  string `json:"content"`
	ReplyURL string `json:"reply_url,omitempty"`
}

// webhookPayload is the request body: either a bare event or a batch.
type webhookPayload struct {
	webhookEvent
	Events []webhookEvent `json:"events"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook/generic"
	}
	return &Webhook{
		path:     cfg.Path,
		secret:   cfg.Secret,
		logger:   cfg.Logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		replyTo:  make(map[string]replyTarget),
		replyTTL: defaultReplyTTL,
		replyMax: defaultReplyMax,
		now:      time.Now,
	}
}

// rememberReplyURL records the callback URL for a chat, expiring targets not
// seen within replyTTL and evicting the oldest one once replyMax is reached.
func (w *Webhook) rememberReplyURL(chatID, url string) {
	w.replyToMu.Lock()
	defer w.replyToMu.Unlock()

	now := w.now()
	for id, t := range w.replyTo {
		if now.Sub(t.seen) > w.replyTTL {
			delete(w.replyTo, id)
		}
	}
	if len(w.replyTo) >= w.replyMax {
		oldestID := ""
		var oldest time.Time
		for id, t := range w.replyTo {
			if oldestID == "" || t.seen.Before(oldest) {
				oldestID, oldest = id, t.seen
			}
		}
		delete(w.replyTo, oldestID)
	}
	w.replyTo[chatID] = replyTarget{url: url, seen: now}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Path() string { return w.path }

// Start wires the outbound handler and blocks until ctx is cancelled. The
// HTTP side is served by the shared server via Handler.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	bus.OnOutbound("webhook", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		w.deliverReply(msg)
	})

	w.logger.Info("webhook channel ready", "path", w.path)
	<-ctx.Done()
	return nil
}

func (w *Webhook) Stop() error { return nil }

func (w *Webhook) Send(ctx context.Context, chatID string, content string) error {
	w.deliverReply(domain.OutboundMessage{Channel: "webhook", ChatID: chatID, Content: content})
	return nil
}

// Handler validates and accepts webhook requests. Events in a batch are
// independent: a malformed sibling is rejected in the response body without
// affecting the rest.
func (w *Webhook) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Bad Request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if w.secret != "" {
			sig := r.Header.Get("X-Signature-256")
			if sig == "" {
				metrics.WebhookRejected.Inc()
				http.Error(rw, "Missing signature", http.StatusUnauthorized)
				return
			}
			if !verifyHMAC(body, w.secret, sig) {
				metrics.WebhookRejected.Inc()
				w.logger.Warn("webhook rejected: invalid signature", "remote", r.RemoteAddr)
				http.Error(rw, "Invalid signature", http.StatusForbidden)
				return
			}
		}

		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Invalid JSON", http.StatusBadRequest)
			return
		}

		events := payload.Events
		if events == nil {
			events = []webhookEvent{payload.webhookEvent}
		}

		accepted, rejected, saturated := 0, 0, 0
		received := time.Now()
		for _, ev := range events {
			if strings.TrimSpace(ev.Content) == "" {
				rejected++
				continue
			}
			if ev.ChatID == "" {
				ev.ChatID = "webhook-default"
			}
			if ev.UserID == "" {
				ev.UserID = "webhook"
			}
			if ev.ReplyURL != "" {
				w.rememberReplyURL(ev.ChatID, ev.ReplyURL)
			}

			// Non-blocking so the ack stays inside the sender's retry
			// budget even when the bus is saturated.
			ok := w.bus.TryPublish(domain.InboundMessage{
				ID:         uuid.NewString(),
				Channel:    "webhook",
				ChatID:     ev.ChatID,
				SenderID:   ev.UserID,
				Content:    ev.Content,
				ReceivedAt: received,
			})
			if !ok {
				saturated++
				rejected++
				continue
			}
			accepted++
		}

		if accepted == 0 {
			metrics.WebhookRejected.Inc()
			if saturated > 0 {
				w.logger.Warn("webhook batch dropped: bus saturated", "events", saturated)
				http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			http.Error(rw, "No valid events", http.StatusBadRequest)
			return
		}

		metrics.WebhookRequests.Inc()
		w.logger.Info("webhook batch accepted", "accepted", accepted, "rejected", rejected, "saturated", saturated)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(rw).Encode(map[string]int{
			"accepted": accepted,
			"rejected": rejected,
		})
	}
}

// deliverReply POSTs the reply to the chat's registered callback URL, signed
// with the same shared secret as inbound traffic. Chats without a callback
// URL get their reply logged and dropped.
func (w *Webhook) deliverReply(msg domain.OutboundMessage) {
	w.replyToMu.Lock()
	url := w.replyTo[msg.ChatID].url
	w.replyToMu.Unlock()

	if url == "" {
		w.logger.Debug("webhook outbound without reply_url, dropping",
			"chat_id", msg.ChatID, "content_len", len(msg.Content))
		return
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": msg.ChatID,
		"content": msg.Content,
	})
	if err != nil {
		w.logger.Error("webhook reply encode failed", "err", err)
		metrics.ReplyFailures.Inc()
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("webhook reply request failed", "url", url, "err", err)
		metrics.ReplyFailures.Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Signature-256", signHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("webhook reply delivery failed", "url", url, "err", err)
		metrics.ReplyFailures.Inc()
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		w.logger.Error("webhook reply rejected by callback", "url", url, "status", resp.StatusCode)
		metrics.ReplyFailures.Inc()
		return
	}
	metrics.RepliesSent.Inc()
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
