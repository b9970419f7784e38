package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mensabot/internal/domain"
	"mensabot/internal/metrics"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel over the Discord gateway.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger

	// pending holds deferred slash-command interactions per channel until
	// the reply arrives. Deferred responses must be completed through the
	// interaction endpoints; a plain channel message leaves Discord in the
	// "thinking" state forever.
	pending   map[string]*discordgo.Interaction
	pendingMu sync.Mutex
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
		pending: make(map[string]*discordgo.Interaction),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord and listens for messages and the /mensa slash
// command until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		// In guild channels only react when addressed; DMs always count.
		if m.GuildID != "" && !d.addressed(s, m) {
			return
		}

		content := strings.TrimSpace(stripMention(m.Content, s.State.User.ID))
		if content == "" {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(content),
		)

		bus.Publish(domain.InboundMessage{
			ID:         uuid.NewString(),
			Channel:    "discord",
			ChatID:     m.ChannelID,
			SenderID:   m.Author.ID,
			Content:    content,
			ReceivedAt: time.Now(),
		})
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		if data.Name != "mensa" {
			return
		}
		content := slashCommandContent(data)

		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		}); err != nil {
			d.logger.Error("discord interaction defer failed", "err", err)
			return
		}
		d.rememberInteraction(i.ChannelID, i.Interaction)

		senderID := ""
		if i.Member != nil && i.Member.User != nil {
			senderID = i.Member.User.ID
		} else if i.User != nil {
			senderID = i.User.ID
		}

		bus.Publish(domain.InboundMessage{
			ID:         uuid.NewString(),
			Channel:    "discord",
			ChatID:     i.ChannelID,
			SenderID:   senderID,
			Content:    content,
			ReceivedAt: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	d.registerSlashCommand()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	d.sendMessage(chatID, content)
	return nil
}

// addressed reports whether the message mentions the bot or starts with a
// menu command.
func (d *Discord) addressed(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			return true
		}
	}
	lower := strings.ToLower(strings.TrimSpace(m.Content))
	return strings.HasPrefix(lower, "/mensa") || strings.HasPrefix(lower, "!mensa")
}

func stripMention(content, botID string) string {
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return content
}

// slashCommandContent reassembles a /mensa invocation from its options.
func slashCommandContent(data discordgo.ApplicationCommandInteractionData) string {
	content := "/mensa"
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			content += " " + opt.StringValue()
		}
	}
	return content
}

func (d *Discord) rememberInteraction(chatID string, i *discordgo.Interaction) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	d.pending[chatID] = i
}

// takeInteraction pops the pending interaction for a chat, if any. Each
// deferred interaction is taken at most once.
func (d *Discord) takeInteraction(chatID string) *discordgo.Interaction {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	i := d.pending[chatID]
	delete(d.pending, chatID)
	return i
}

func (d *Discord) sendMessage(channelID, content string) {
	chunks := splitMessage(content, discordMaxMsgLen)

	if i := d.takeInteraction(channelID); i != nil {
		d.completeInteraction(i, chunks)
		return
	}

	for _, chunk := range chunks {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
			metrics.ReplyFailures.Inc()
			continue
		}
		metrics.RepliesSent.Inc()
	}
}

// completeInteraction resolves a deferred slash-command response. The first
// chunk edits the "thinking" placeholder; further chunks go out as
// follow-up messages on the same interaction token.
func (d *Discord) completeInteraction(i *discordgo.Interaction, chunks []string) {
	first := chunks[0]
	if _, err := d.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &first}); err != nil {
		d.logger.Error("discord interaction edit failed", "err", err)
		metrics.ReplyFailures.Inc()
		return
	}
	metrics.RepliesSent.Inc()

	for _, chunk := range chunks[1:] {
		if _, err := d.session.FollowupMessageCreate(i, true, &discordgo.WebhookParams{Content: chunk}); err != nil {
			d.logger.Error("discord followup failed", "err", err)
			metrics.ReplyFailures.Inc()
			continue
		}
		metrics.RepliesSent.Inc()
	}
}

func (d *Discord) registerSlashCommand() {
	cmd := &discordgo.ApplicationCommand{
		Name:        "mensa",
		Description: "Den Mensa-Speiseplan abrufen",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "frage",
				Description: "Tag, Mensa oder Mahlzeit, z. B. \"morgen vita\"",
				Required:    false,
			},
		},
	}
	if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
		d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
	}
}

// splitMessage splits a message into chunks that fit within maxLen, cutting
// on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
