// Package dispatch drives inbound messages from the bus to a composed reply:
// parse the query, resolve the menu, render, and hand the reply back to the
// originating channel.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"mensabot/internal/compose"
	"mensabot/internal/domain"
	"mensabot/internal/menucache"
	"mensabot/internal/metrics"
	"mensabot/internal/query"
)

const (
	defaultConcurrency  = 5
	defaultReplyTimeout = 25 * time.Second
)

// MenuProvider resolves the menu for a location and date. Satisfied by
// menucache.Cache.
type MenuProvider interface {
	GetMenu(ctx context.Context, loc domain.Location, date time.Time) (*domain.Menu, bool, error)
}

// LocationLister exposes the registered locations for the help text.
type LocationLister interface {
	All() []domain.Location
}

// Pipeline consumes inbound messages and replies through the bus.
type Pipeline struct {
	bus          domain.MessageBus
	interp       *query.Interpreter
	menus        MenuProvider
	locations    LocationLister
	logger       *slog.Logger
	concurrency  int
	replyTimeout time.Duration
	now          func() time.Time
}

// PipelineConfig holds the pipeline's dependencies and tuning parameters.
type PipelineConfig struct {
	Bus          domain.MessageBus
	Interpreter  *query.Interpreter
	Menus        MenuProvider
	Locations    LocationLister
	Logger       *slog.Logger
	Concurrency  int           // max parallel messages (default 5)
	ReplyTimeout time.Duration // budget per reply (default 25s)
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		bus:          cfg.Bus,
		interp:       cfg.Interpreter,
		menus:        cfg.Menus,
		locations:    cfg.Locations,
		logger:       cfg.Logger,
		concurrency:  cfg.Concurrency,
		replyTimeout: cfg.ReplyTimeout,
		now:          time.Now,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is
// cancelled or the bus closes.
func (p *Pipeline) Run(ctx context.Context) {
	p.logger.Info("dispatch pipeline started", "concurrency", p.concurrency)

	sem := make(chan struct{}, p.concurrency)
	inbound := p.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("dispatch pipeline stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				p.logger.Info("inbound channel closed, dispatch pipeline stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				p.processMessage(ctx, m)
			}(msg)
		}
	}
}

// ProcessDirect answers a query synchronously. Used by the CLI.
func (p *Pipeline) ProcessDirect(ctx context.Context, content string) string {
	return p.reply(ctx, domain.InboundMessage{
		Channel:    "cli",
		ChatID:     "cli",
		SenderID:   "user",
		Content:    content,
		ReceivedAt: p.now(),
	})
}

// processMessage answers one inbound message and sends the reply back
// through the bus. A panic while handling one message turns into the
// apology text instead of taking down sibling messages.
func (p *Pipeline) processMessage(ctx context.Context, msg domain.InboundMessage) {
	metrics.EventsProcessed.Inc()

	p.logger.Info("processing message",
		"event_id", msg.ID,
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)

	content := p.reply(ctx, msg)

	p.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
	})
}

// reply produces the outbound text for one inbound message. It never
// returns an empty string.
func (p *Pipeline) reply(ctx context.Context, msg domain.InboundMessage) (out string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling message", "event_id", msg.ID, "panic", r)
			out = compose.Unavailable()
		}
	}()

	if isHelpCommand(msg.Content) {
		return compose.Help(p.locations.All())
	}

	received := msg.ReceivedAt
	if received.IsZero() {
		received = p.now()
	}

	intent := p.interp.Parse(msg.Content, received)

	ctx, cancel := context.WithTimeout(ctx, p.replyTimeout)
	defer cancel()

	menu, stale, err := p.menus.GetMenu(ctx, intent.Location, intent.Date)
	switch {
	case errors.Is(err, menucache.ErrNoMenu):
		return compose.NoMenu(intent.Location, intent.Date, received)
	case err != nil:
		p.logger.Warn("menu unavailable",
			"event_id", msg.ID,
			"location", intent.Location.ID,
			"date", intent.Date.Format("2006-01-02"),
			"err", err,
		)
		return compose.Unavailable()
	case menu.Closed:
		return compose.Closed(intent.Location, intent.Date, received)
	default:
		return compose.Menu(menu, intent.Slot, stale, received)
	}
}

func isHelpCommand(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/help", "/start", "help", "hilfe":
		return true
	}
	return false
}
