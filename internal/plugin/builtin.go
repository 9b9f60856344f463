package plugin

import (
	"context"

	"wxbot/internal/domain"
)

// Help answers "#help" with the help text of every enabled plugin.
type Help struct {
	registry *Registry
}

func NewHelp(r *Registry) *Help { return &Help{registry: r} }

func (h *Help) Name() string     { return "help" }
func (h *Help) Priority() int    { return 1000 }
func (h *Help) HelpText() string { return "#help lists the available commands" }

func (h *Help) Handle(ctx context.Context, ec *EventContext) error {
	if ec.Event != EventHandleContext || ec.Context.Type != domain.ContextText {
		return nil
	}
	if _, ok := command(ec.Context.Content, "#help"); !ok {
		return nil
	}
	textReply(ec, h.registry.HelpText())
	return nil
}

// Echo repeats "#echo <text>". Handy for checking a channel end to end.
type Echo struct{}

func (Echo) Name() string     { return "echo" }
func (Echo) Priority() int    { return 900 }
func (Echo) HelpText() string { return "#echo <text> repeats the text" }

func (Echo) Handle(ctx context.Context, ec *EventContext) error {
	if ec.Event != EventHandleContext || ec.Context.Type != domain.ContextText {
		return nil
	}
	text, ok := command(ec.Context.Content, "#echo")
	if !ok || text == "" {
		return nil
	}
	textReply(ec, text)
	return nil
}
