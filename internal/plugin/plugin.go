// Package plugin runs inbound contexts through a priority-ordered chain of
// plugins. Each plugin sees every stage and may answer, rewrite or stop it.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"wxbot/internal/domain"
)

// Event is a pipeline stage.
type Event int

const (
	// EventReceiveMessage runs before anything else; plugins may rewrite the context.
	EventReceiveMessage Event = iota + 1
	// EventHandleContext produces the reply.
	EventHandleContext
	// EventDecorateReply may transform the reply, e.g. text to voice.
	EventDecorateReply
	// EventSendReply runs right before delivery.
	EventSendReply
)

func (e Event) String() string {
	switch e {
	case EventReceiveMessage:
		return "receive_message"
	case EventHandleContext:
		return "handle_context"
	case EventDecorateReply:
		return "decorate_reply"
	case EventSendReply:
		return "send_reply"
	default:
		return "unknown"
	}
}

// Action tells the registry what to do after a plugin ran.
type Action int

const (
	// ActionContinue passes the event to the next plugin.
	ActionContinue Action = iota
	// ActionBreak stops the chain; the gateway still runs its default step.
	ActionBreak
	// ActionBreakPass stops the chain and skips the default step.
	ActionBreakPass
)

// EventContext is shared by all plugins handling one event.
type EventContext struct {
	Event     Event
	Context   *domain.Context
	Reply     *domain.Reply
	Action    Action
	HandledBy string
}

// Breaked reports whether a plugin stopped the chain.
func (ec *EventContext) Breaked() bool {
	return ec.Action != ActionContinue
}

// Plugin is one step in the chain. Handle is called for every event; a
// plugin that does not care about ec.Event returns nil without touching ec.
type Plugin interface {
	Name() string
	Priority() int
	Handle(ctx context.Context, ec *EventContext) error
	HelpText() string
}

// Registry holds plugins ordered by descending priority.
type Registry struct {
	mu       sync.RWMutex
	plugins  []Plugin
	disabled map[string]bool
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		disabled: make(map[string]bool),
		logger:   logger,
	}
}

// Register adds p, replacing a plugin of the same name.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.plugins {
		if strings.EqualFold(existing.Name(), p.Name()) {
			r.plugins = append(r.plugins[:i], r.plugins[i+1:]...)
			break
		}
	}
	r.plugins = append(r.plugins, p)
	sort.SliceStable(r.plugins, func(i, j int) bool {
		return r.plugins[i].Priority() > r.plugins[j].Priority()
	})
	r.logger.Debug("registered plugin", "name", p.Name(), "priority", p.Priority())
}

func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.plugins {
		if strings.EqualFold(p.Name(), name) {
			return p
		}
	}
	return nil
}

// SetEnabled toggles a plugin without unregistering it.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	if r.Get(name) == nil {
		return fmt.Errorf("unknown plugin: %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[strings.ToLower(name)] = !enabled
	return nil
}

// Names returns the enabled plugins in execution order.
func (r *Registry) Names() []string {
	var names []string
	for _, p := range r.active() {
		names = append(names, p.Name())
	}
	return names
}

func (r *Registry) active() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		if !r.disabled[strings.ToLower(p.Name())] {
			out = append(out, p)
		}
	}
	return out
}

// Emit runs ec through the enabled plugins until one breaks the chain.
// A failing plugin is logged and skipped.
func (r *Registry) Emit(ctx context.Context, ec *EventContext) *EventContext {
	for _, p := range r.active() {
		if ctx.Err() != nil {
			return ec
		}
		ec.Action = ActionContinue
		if err := p.Handle(ctx, ec); err != nil {
			r.logger.Warn("plugin failed", "plugin", p.Name(), "event", ec.Event, "err", err)
			ec.Action = ActionContinue
			continue
		}
		if ec.Breaked() {
			ec.HandledBy = p.Name()
			r.logger.Debug("plugin broke chain", "plugin", p.Name(), "event", ec.Event, "action", ec.Action)
			return ec
		}
	}
	return ec
}

// HelpText concatenates the help of every enabled plugin that has one.
func (r *Registry) HelpText() string {
	var sb strings.Builder
	for _, p := range r.active() {
		help := strings.TrimSpace(p.HelpText())
		if help == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", p.Name(), help)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// textReply answers ec with a TEXT reply and stops the chain.
func textReply(ec *EventContext, text string) {
	ec.Reply = &domain.Reply{Type: domain.ReplyText, Content: text}
	ec.Action = ActionBreakPass
}

// command splits "#trigger rest" when content starts with trigger.
func command(content, trigger string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, trigger) {
		return "", false
	}
	rest := content[len(trigger):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}
