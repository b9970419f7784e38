package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mensabot/internal/domain"
	"mensabot/internal/metrics"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel via the Events API over HTTP. Slack
// retries deliveries that are not acknowledged within 3 seconds, so the
// handler acks immediately and the reply is posted asynchronously through
// chat.postMessage.
type Slack struct {
	botToken      string
	signingSecret string
	client        *slack.Client
	bus           domain.MessageBus
	logger        *slog.Logger
	botUID        string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	Logger        *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken:      cfg.BotToken,
		signingSecret: cfg.SigningSecret,
		logger:        cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start authenticates against Slack and wires the outbound handler, then
// blocks until ctx is cancelled. Inbound traffic arrives via Handler.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus
	s.client = slack.New(s.botToken)

	authResp, err := s.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	bus.OnOutbound("slack", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		s.sendMessage(msg.ChatID, msg.Content)
	})

	<-ctx.Done()
	s.logger.Info("slack channel stopping")
	return nil
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	s.sendMessage(chatID, content)
	return nil
}

// Handler verifies Events API request signatures and accepts message and
// app_mention events. URL verification challenges are answered inline.
func (s *Slack) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		verifier, err := slack.NewSecretsVerifier(r.Header, s.signingSecret)
		if err != nil {
			metrics.WebhookRejected.Inc()
			s.logger.Warn("slack webhook rejected: missing signature headers", "remote", r.RemoteAddr)
			http.Error(rw, "Unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Bad Request", http.StatusBadRequest)
			return
		}
		if _, err := verifier.Write(body); err != nil {
			metrics.WebhookRejected.Inc()
			http.Error(rw, "Bad Request", http.StatusBadRequest)
			return
		}
		if err := verifier.Ensure(); err != nil {
			metrics.WebhookRejected.Inc()
			s.logger.Warn("slack webhook rejected: invalid signature", "remote", r.RemoteAddr)
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}

		event, err := slackevents.ParseEvent(body, slackevents.OptionNoVerifyToken())
		if err != nil {
			metrics.WebhookRejected.Inc()
			s.logger.Warn("slack webhook rejected: unparseable event", "err", err)
			http.Error(rw, "Invalid JSON", http.StatusBadRequest)
			return
		}

		switch event.Type {
		case slackevents.URLVerification:
			var ch slackevents.ChallengeResponse
			if err := json.Unmarshal(body, &ch); err != nil {
				metrics.WebhookRejected.Inc()
				http.Error(rw, "Invalid JSON", http.StatusBadRequest)
				return
			}
			rw.Header().Set("Content-Type", "text/plain")
			_, _ = rw.Write([]byte(ch.Challenge))
			return

		case slackevents.CallbackEvent:
			metrics.WebhookRequests.Inc()
			if !s.handleCallback(event) {
				// Slack redelivers on non-2xx, so a saturated bus turns
				// into a retry instead of a lost event.
				http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			rw.WriteHeader(http.StatusOK)
			return

		default:
			// Event types the bot has no use for still get a clean ack,
			// otherwise Slack keeps retrying them.
			rw.WriteHeader(http.StatusOK)
		}
	}
}

// handleCallback routes the inner event onto the bus. It reports false only
// when the bus refused the message; ignored events still count as handled.
func (s *Slack) handleCallback(event slackevents.EventsAPIEvent) bool {
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore the bot's own messages and message_changed subtypes.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return true
		}
		return s.publish(ev.Channel, ev.User, ev.Text, ev.TimeStamp)

	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		return s.publish(ev.Channel, ev.User, content, ev.TimeStamp)
	}
	return true
}

func (s *Slack) publish(channelID, userID, text, ts string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}

	s.logger.Info("slack message received",
		"user", userID,
		"channel", channelID,
		"content_len", len(text),
	)

	return s.bus.TryPublish(domain.InboundMessage{
		ID:         uuid.NewString(),
		Channel:    "slack",
		ChatID:     channelID,
		SenderID:   userID,
		Content:    text,
		ReceivedAt: slackTimestamp(ts),
	})
}

// slackTimestamp parses Slack's "1726754203.000200" event timestamps.
func slackTimestamp(ts string) time.Time {
	if i := strings.IndexByte(ts, '.'); i > 0 {
		ts = ts[:i]
	}
	var secs int64
	if _, err := fmt.Sscanf(ts, "%d", &secs); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}

func (s *Slack) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(
			channelID,
			slack.MsgOptionText(chunk, false),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
			metrics.ReplyFailures.Inc()
			continue
		}
		metrics.RepliesSent.Inc()
	}
}
