package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wxbot/internal/domain"
)

const publishTimeout = 10 * time.Second

// ErrNoHandler is returned for replies to a channel that never registered.
var ErrNoHandler = errors.New("no outbound handler for channel")

// InMemoryBus moves inbound contexts to the gateway and replies back to channels.
type InMemoryBus struct {
	inbound  chan domain.Context
	handlers map[string]func(domain.OutboundMessage) error
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.Context, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage) error),
		logger:   logger,
	}
}

// Publish blocks up to publishTimeout when the buffer is full, then drops.
func (b *InMemoryBus) Publish(msg domain.Context) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "channel", msg.Channel)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting", "channel", msg.Channel, "receiver", msg.Receiver)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
		case <-timer.C:
			b.logger.Error("message dropped: bus full",
				"channel", msg.Channel,
				"receiver", msg.Receiver,
				"wait", publishTimeout,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Context {
	return b.inbound
}

// SendOutbound delivers msg through the handler of its channel.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) error {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Channel)
	}
	return handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
