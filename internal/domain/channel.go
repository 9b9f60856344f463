package domain

import "context"

// Channel is the interface for a chat platform (WeChat, Wechaty, Telegram, console).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, receiver string, reply Reply) error
}
