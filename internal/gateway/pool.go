// Package gateway runs the plugin pipeline for every context on the bus.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
	"wxbot/internal/metrics"
	"wxbot/internal/plugin"
	"wxbot/internal/store"

	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 5
	defaultTimeout     = 120 * time.Second
)

// MessageLog records inbound and outbound traffic.
type MessageLog interface {
	LogMessage(ctx context.Context, rec store.MessageRecord) error
}

type Config struct {
	Bus           domain.MessageBus
	Plugins       *plugin.Registry
	Events        *bus.EventBus // optional
	Log           MessageLog    // optional
	Concurrency   int           // max contexts in the pipeline at once
	Timeout       time.Duration // per context
	RateBurst     int
	RatePerMinute float64 // per session; 0 disables
	Logger        *slog.Logger
}

// Pool consumes the inbound bus with bounded concurrency.
type Pool struct {
	bus         domain.MessageBus
	plugins     *plugin.Registry
	events      *bus.EventBus
	log         MessageLog
	concurrency int
	timeout     time.Duration
	limiter     *sessionLimiter
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		bus:         cfg.Bus,
		plugins:     cfg.Plugins,
		events:      cfg.Events,
		log:         cfg.Log,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		limiter:     newSessionLimiter(cfg.RateBurst, cfg.RatePerMinute),
		logger:      cfg.Logger.With("component", "gateway"),
		now:         time.Now,
	}
}

// Run blocks until ctx is done or the bus is closed, then waits for the
// contexts still in the pipeline.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("gateway started", "concurrency", p.concurrency, "timeout", p.timeout)

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	inbound := p.bus.Subscribe()

loop:
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("gateway stopping")
			break loop
		case c, ok := <-inbound:
			if !ok {
				p.logger.Info("inbound bus closed, gateway stopping")
				break loop
			}
			if !p.limiter.Allow(c.SessionID) {
				p.logger.Warn("rate limited", "channel", c.Channel, "session", c.SessionID)
				p.emit(bus.EventMessageDropped, map[string]any{"channel": c.Channel, "reason": "rate_limited"})
				continue
			}
			g.Go(func() error {
				p.Process(ctx, c)
				return nil
			})
		}
	}
	return g.Wait()
}

// Process runs one context through receive, handle, decorate and send.
func (p *Pool) Process(parent context.Context, c domain.Context) {
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic", "channel", c.Channel, "panic", r)
		}
	}()

	start := p.now()
	p.record(ctx, c, store.DirectionIn, c.Type.String(), c.Content)

	ec := p.plugins.Emit(ctx, &plugin.EventContext{Event: plugin.EventReceiveMessage, Context: &c})
	if ec.Breaked() && ec.Reply == nil {
		p.logger.Debug("context consumed on receive", "plugin", ec.HandledBy)
		return
	}

	reply := ec.Reply
	if reply == nil {
		ec = p.plugins.Emit(ctx, &plugin.EventContext{Event: plugin.EventHandleContext, Context: &c})
		reply = ec.Reply
		if ec.HandledBy != "" {
			p.emit(bus.EventPluginHandled, map[string]any{"plugin": ec.HandledBy, "channel": c.Channel})
		}
	}
	if reply == nil || reply.Type == 0 {
		p.logger.Debug("no reply", "channel", c.Channel, "type", c.Type)
		return
	}

	ec = p.plugins.Emit(ctx, &plugin.EventContext{Event: plugin.EventDecorateReply, Context: &c, Reply: reply})
	if ec.Reply == nil {
		return
	}
	if ec.Action != plugin.ActionBreakPass {
		decorate(c, ec.Reply)
	}

	ec = p.plugins.Emit(ctx, &plugin.EventContext{Event: plugin.EventSendReply, Context: &c, Reply: ec.Reply})
	if ec.Reply == nil || ec.Action == plugin.ActionBreakPass {
		return
	}
	p.send(ctx, c, *ec.Reply, start)
}

func (p *Pool) send(ctx context.Context, c domain.Context, reply domain.Reply, start time.Time) {
	err := p.bus.SendOutbound(domain.OutboundMessage{
		Channel:  c.Channel,
		Receiver: c.Receiver,
		IsGroup:  c.IsGroup,
		Reply:    reply,
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		p.logger.Error("reply failed", "channel", c.Channel, "receiver", c.Receiver, "type", reply.Type, "err", err)
		p.emit(bus.EventReplyFailed, map[string]any{"channel": c.Channel, "type": reply.Type.String(), "err": err.Error()})
		return
	}

	latency := p.now().Sub(start)
	p.logger.Info("reply sent", "channel", c.Channel, "receiver", c.Receiver, "type", reply.Type, "latency", latency)
	p.emit(bus.EventReplySent, map[string]any{"channel": c.Channel, "type": reply.Type.String(), "latency": latency})
	p.record(ctx, c, store.DirectionOut, reply.Type.String(), reply.Content)
}

func (p *Pool) record(ctx context.Context, c domain.Context, direction, kind, content string) {
	if p.log == nil {
		return
	}
	sender := c.ActualUserName
	if sender == "" {
		sender = c.SessionID
	}
	rec := store.MessageRecord{
		Channel:   c.Channel,
		Kind:      kind,
		Sender:    sender,
		Receiver:  c.Receiver,
		IsGroup:   c.IsGroup,
		Direction: direction,
		Content:   content,
		CreatedAt: p.now(),
	}
	if err := p.log.LogMessage(context.WithoutCancel(ctx), rec); err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("message log failed", "err", err)
	}
}

func (p *Pool) emit(eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: eventType, Source: "gateway", Payload: payload, Timestamp: p.now()})
}

// decorate applies the default reply formatting: ERROR and INFO get a tag,
// and group text replies address the sender.
func decorate(c domain.Context, reply *domain.Reply) {
	switch reply.Type {
	case domain.ReplyError:
		reply.Content = "[ERROR]\n" + reply.Content
	case domain.ReplyInfo:
		reply.Content = "[INFO]\n" + reply.Content
	case domain.ReplyText:
		if c.IsGroup && c.ActualNickName != "" {
			reply.Content = fmt.Sprintf("@%s\n%s", c.ActualNickName, reply.Content)
		}
	}
}
