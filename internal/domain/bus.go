package domain

// MessageBus routes contexts from channels to the plugin pipeline and replies back.
type MessageBus interface {
	Publish(msg Context)
	Subscribe() <-chan Context
	SendOutbound(msg OutboundMessage) error
	OnOutbound(channelName string, handler func(OutboundMessage) error)
	Close()
}
