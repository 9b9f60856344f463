package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultElevenLabsBase  = "https://api.elevenlabs.io/v1"
	defaultElevenLabsModel = "eleven_multilingual_v1"
	defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
)

// TTSConfig configures the text-to-speech provider.
type TTSConfig struct {
	Provider string // "elevenlabs" | "openai"
	APIBase  string
	APIKey   string
	Model    string // e.g. "eleven_multilingual_v1" or "tts-1"
	Voice    string // ElevenLabs voice id or OpenAI voice name
	TmpDir   string // where SynthesizeToFile writes
	Client   *http.Client
	Logger   *slog.Logger
}

// TTSProvider turns reply text into an MP3 voice reply.
type TTSProvider struct {
	provider string
	apiBase  string
	apiKey   string
	model    string
	voice    string
	tmpDir   string
	client   *http.Client
	retry    retryPolicy
	logger   *slog.Logger
}

func NewTTSProvider(cfg TTSConfig) *TTSProvider {
	if cfg.Provider == "" {
		cfg.Provider = "elevenlabs"
	}
	switch cfg.Provider {
	case "elevenlabs":
		if cfg.APIBase == "" {
			cfg.APIBase = defaultElevenLabsBase
		}
		if cfg.Model == "" {
			cfg.Model = defaultElevenLabsModel
		}
		if cfg.Voice == "" {
			cfg.Voice = defaultElevenLabsVoice
		}
	case "openai":
		if cfg.APIBase == "" {
			cfg.APIBase = "https://api.openai.com/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "tts-1"
		}
		if cfg.Voice == "" {
			cfg.Voice = "alloy"
		}
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(60 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TTSProvider{
		provider: cfg.Provider,
		apiBase:  cfg.APIBase,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		voice:    cfg.Voice,
		tmpDir:   cfg.TmpDir,
		client:   cfg.Client,
		retry:    defaultRetry,
		logger:   cfg.Logger,
	}
}

// Synthesize returns MP3 audio for text.
func (t *TTSProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var (
		endpoint string
		payload  any
		header   = http.Header{}
	)
	switch t.provider {
	case "elevenlabs":
		endpoint = t.apiBase + "/text-to-speech/" + t.voice
		payload = map[string]string{"text": text, "model_id": t.model}
		header.Set("xi-api-key", t.apiKey)
		header.Set("Accept", "audio/mpeg")
	case "openai":
		endpoint = t.apiBase + "/audio/speech"
		payload = map[string]string{"model": t.model, "input": text, "voice": t.voice}
		header.Set("Authorization", "Bearer "+t.apiKey)
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %s", t.provider)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	resp, err := doWithRetry(ctx, t.client, t.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = header.Clone()
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("%s TTS request: %w", t.provider, err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read TTS audio: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s TTS error (status %d): %s", t.provider, resp.StatusCode, truncate(string(audio), 300))
	}
	return audio, nil
}

// SynthesizeToFile writes the audio to reply-<unix>-<hash>.mp3 in the tmp
// dir and returns the path.
func (t *TTSProvider) SynthesizeToFile(ctx context.Context, text string) (string, error) {
	audio, err := t.Synthesize(ctx, text)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(t.tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	path := filepath.Join(t.tmpDir, replyFileName(time.Now(), text))
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write voice reply: %w", err)
	}
	t.logger.Info("voice reply synthesized", "provider", t.provider, "path", path, "bytes", len(audio))
	return path, nil
}

func replyFileName(now time.Time, text string) string {
	h := fnv.New32a()
	h.Write([]byte(text))
	return fmt.Sprintf("reply-%d-%d.mp3", now.Unix(), h.Sum32()&0x7fffffff)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
