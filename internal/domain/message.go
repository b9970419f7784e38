package domain

import "time"

// InboundMessage is a normalized inbound chat event. Channels construct one
// per user message and publish it to the bus; it is immutable afterwards.
type InboundMessage struct {
	ID         string // per-event UUID, stamped at normalization
	Channel    string
	ChatID     string
	SenderID   string
	Content    string
	ReceivedAt time.Time
}

// OutboundMessage is a reply addressed to one chat on one channel. It is
// consumed exactly once by the channel's outbound handler.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // "" (plain) | "html"
}
