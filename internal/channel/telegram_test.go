package channel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const telegramUpdate = `{
	"update_id": 10000,
	"message": {
		"message_id": 1,
		"date": 1767265200,
		"chat": {"id": 123456789, "type": "private"},
		"from": {"id": 987654321, "is_bot": false, "first_name": "Tester"},
		"text": "/mensa morgen"
	}
}`

func newTestTelegram(cfg TelegramConfig) (*Telegram, *fakeBus) {
	cfg.Logger = testLogger()
	tg := NewTelegram(cfg)
	bus := newFakeBus()
	tg.bus = bus
	return tg, bus
}

func TestTelegramHandler_RejectsBadSecretToken(t *testing.T) {
	tg, bus := newTestTelegram(TelegramConfig{Token: "x", SecretToken: "expected", WebhookPath: "/webhook/telegram"})

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(telegramUpdate))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	rec := httptest.NewRecorder()
	tg.Handler()(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if n := bus.publishedCount(); n != 0 {
		t.Errorf("rejected update must not publish, got %d", n)
	}
}

func TestTelegramHandler_RejectsBadJSON(t *testing.T) {
	tg, bus := newTestTelegram(TelegramConfig{Token: "x", WebhookPath: "/webhook/telegram"})

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	tg.Handler()(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if n := bus.publishedCount(); n != 0 {
		t.Errorf("rejected update must not publish, got %d", n)
	}
}

func TestTelegramHandler_AcceptsUpdate(t *testing.T) {
	tg, bus := newTestTelegram(TelegramConfig{Token: "x", SecretToken: "expected", WebhookPath: "/webhook/telegram"})

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(telegramUpdate))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "expected")
	rec := httptest.NewRecorder()
	tg.Handler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if n := bus.publishedCount(); n != 1 {
		t.Fatalf("published %d messages, want 1", n)
	}
	got := bus.published[0]
	if got.Channel != "telegram" || got.ChatID != "123456789" || got.SenderID != "987654321" {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.Content != "/mensa morgen" {
		t.Errorf("content = %q", got.Content)
	}
	if got.ID == "" {
		t.Error("inbound message must carry an event ID")
	}
	if got.ReceivedAt.Unix() != 1767265200 {
		t.Errorf("ReceivedAt = %v, want update date", got.ReceivedAt)
	}
}

func TestTelegramHandler_SaturatedBusAsksForRetry(t *testing.T) {
	tg, bus := newTestTelegram(TelegramConfig{Token: "x", WebhookPath: "/webhook/telegram"})
	bus.full = true

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(telegramUpdate))
	rec := httptest.NewRecorder()
	tg.Handler()(rec, req)

	// Non-2xx makes Telegram redeliver the update later.
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if n := bus.publishedCount(); n != 0 {
		t.Errorf("published %d messages, want 0", n)
	}
}

func TestTelegramHandler_AllowList(t *testing.T) {
	tg, bus := newTestTelegram(TelegramConfig{
		Token:       "x",
		AllowFrom:   []string{"111"},
		WebhookPath: "/webhook/telegram",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(telegramUpdate))
	rec := httptest.NewRecorder()
	tg.Handler()(rec, req)

	// The request itself is well-formed, so it is acked, but the
	// disallowed sender never reaches the bus.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if n := bus.publishedCount(); n != 0 {
		t.Errorf("disallowed user must not publish, got %d", n)
	}
}

func TestSplitMessage_LongText(t *testing.T) {
	long := strings.Repeat("Tellergericht mit Salzkartoffeln\n", 300)
	chunks := splitMessage(long, telegramMaxMsgLen)
	if len(chunks) < 2 {
		t.Fatalf("expected long text to be split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > telegramMaxMsgLen {
			t.Errorf("chunk %d exceeds limit: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks must reassemble to the original text")
	}
}
