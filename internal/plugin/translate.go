package plugin

import (
	"context"
	"strings"

	"wxbot/internal/domain"
)

// Translator translates text between Baidu language codes.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// baiduLanguages are the target codes accepted as the first argument.
var baiduLanguages = map[string]bool{
	"zh": true, "en": true, "yue": true, "wyw": true, "jp": true, "kor": true,
	"fra": true, "spa": true, "th": true, "ara": true, "ru": true, "pt": true,
	"de": true, "it": true, "el": true, "nl": true, "pl": true, "bul": true,
	"est": true, "dan": true, "fin": true, "cs": true, "rom": true, "slo": true,
	"swe": true, "hu": true, "cht": true, "vie": true,
}

// Translate handles "#translate [lang] <text>". Without a language code the
// text goes to English.
type Translate struct {
	translator Translator
	trigger    string
}

func NewTranslate(t Translator, trigger string) *Translate {
	if trigger == "" {
		trigger = "#translate"
	}
	return &Translate{translator: t, trigger: trigger}
}

func (t *Translate) Name() string  { return "translate" }
func (t *Translate) Priority() int { return 500 }
func (t *Translate) HelpText() string {
	return t.trigger + " [lang] <text> translates text, e.g. " + t.trigger + " jp good morning"
}

func (t *Translate) Handle(ctx context.Context, ec *EventContext) error {
	if ec.Event != EventHandleContext || ec.Context.Type != domain.ContextText {
		return nil
	}
	args, ok := command(ec.Context.Content, t.trigger)
	if !ok {
		return nil
	}
	if args == "" {
		textReply(ec, t.HelpText())
		return nil
	}

	to := "en"
	if first, rest, found := strings.Cut(args, " "); found && baiduLanguages[strings.ToLower(first)] {
		to = strings.ToLower(first)
		args = strings.TrimSpace(rest)
	}

	out, err := t.translator.Translate(ctx, args, "", to)
	if err != nil {
		ec.Reply = &domain.Reply{Type: domain.ReplyError, Content: "translate failed: " + err.Error()}
		ec.Action = ActionBreakPass
		return nil
	}
	textReply(ec, out)
	return nil
}
