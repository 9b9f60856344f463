package plugin

import (
	"context"
	"log/slog"

	"wxbot/internal/domain"
)

// IntentMatcher resolves text to an intent and the reply configured for it.
type IntentMatcher interface {
	MatchIntent(ctx context.Context, text string) (intent, say string, err error)
}

// BDUnit answers text messages that hit an intent of the Baidu UNIT bot.
// Misses fall through to the next plugin.
type BDUnit struct {
	unit   IntentMatcher
	logger *slog.Logger
}

func NewBDUnit(unit IntentMatcher, logger *slog.Logger) *BDUnit {
	return &BDUnit{unit: unit, logger: logger}
}

func (b *BDUnit) Name() string  { return "bdunit" }
func (b *BDUnit) Priority() int { return 0 }
func (b *BDUnit) HelpText() string {
	return "answers date, weather, arithmetic and other skills configured in Baidu UNIT"
}

func (b *BDUnit) Handle(ctx context.Context, ec *EventContext) error {
	if ec.Event != EventHandleContext || ec.Context.Type != domain.ContextText {
		return nil
	}
	intent, say, err := b.unit.MatchIntent(ctx, ec.Context.Content)
	if err != nil {
		return err
	}
	if intent == "" {
		return nil
	}
	b.logger.Debug("bdunit intent", "intent", intent)
	textReply(ec, say)
	return nil
}
