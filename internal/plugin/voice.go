package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wxbot/internal/domain"
	"wxbot/internal/provider"
)

// Synthesizer renders text as an audio file and returns its path.
type Synthesizer interface {
	SynthesizeToFile(ctx context.Context, text string) (string, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (*provider.TranscriptionResult, error)
}

// TTS turns text replies into voice replies. With Always unset only
// contexts that arrived as voice get a voice answer.
type TTS struct {
	synth  Synthesizer
	always bool
	logger *slog.Logger
}

func NewTTS(s Synthesizer, always bool, logger *slog.Logger) *TTS {
	return &TTS{synth: s, always: always, logger: logger}
}

func (t *TTS) Name() string     { return "tts" }
func (t *TTS) Priority() int    { return 0 }
func (t *TTS) HelpText() string { return "" }

func (t *TTS) Handle(ctx context.Context, ec *EventContext) error {
	if ec.Event != EventDecorateReply || ec.Reply == nil || ec.Reply.Type != domain.ReplyText {
		return nil
	}
	if !t.always && ec.Context.Arrival() != domain.ContextVoice {
		return nil
	}
	if strings.TrimSpace(ec.Reply.Content) == "" {
		return nil
	}
	path, err := t.synth.SynthesizeToFile(ctx, ec.Reply.Content)
	if err != nil {
		// keep the text reply
		return fmt.Errorf("synthesize reply: %w", err)
	}
	ec.Reply = &domain.Reply{Type: domain.ReplyVoice, Content: path}
	return nil
}

// STT rewrites voice contexts into text contexts so the text plugins can
// answer them.
type STT struct {
	transcriber Transcriber
	logger      *slog.Logger
}

func NewSTT(t Transcriber, logger *slog.Logger) *STT {
	return &STT{transcriber: t, logger: logger}
}

func (s *STT) Name() string     { return "stt" }
func (s *STT) Priority() int    { return 1000 }
func (s *STT) HelpText() string { return "" }

func (s *STT) Handle(ctx context.Context, ec *EventContext) error {
	c := ec.Context
	if ec.Event != EventReceiveMessage || c.Type != domain.ContextVoice || c.Payload == nil {
		return nil
	}
	audio, err := c.Payload.Download(ctx)
	if err != nil {
		return fmt.Errorf("download voice: %w", err)
	}
	res, err := s.transcriber.Transcribe(ctx, audio, c.Payload.FileName())
	if err != nil {
		return fmt.Errorf("transcribe voice: %w", err)
	}
	s.logger.Info("voice transcribed", "file", c.Payload.FileName(), "text_len", len(res.Text))
	if c.OriginType == 0 {
		c.OriginType = c.Type
	}
	c.Type = domain.ContextText
	c.Content = res.Text
	return nil
}
