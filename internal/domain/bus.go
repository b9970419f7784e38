package domain

// MessageBus routes messages between channels and the dispatch pipeline.
type MessageBus interface {
	Publish(msg InboundMessage)
	TryPublish(msg InboundMessage) bool
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
