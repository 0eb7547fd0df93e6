// Package stt turns voice messages into text through an OpenAI-compatible
// transcription endpoint (Whisper on Groq by default).
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Defaults.
const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "whisper-large-v3"
	DefaultTimeout = 60 * time.Second
)

// FailureMessage is sent when a voice message cannot be transcribed.
const FailureMessage = "I couldn't understand that voice message."

// ErrEmptyTranscript is returned when the audio held no recognizable speech.
var ErrEmptyTranscript = errors.New("empty transcript")

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Config configures the Whisper transcriber.
type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration

	HTTPClient *http.Client
}

// Whisper transcribes audio through the audio/transcriptions endpoint.
type Whisper struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewWhisper creates a transcriber.
func NewWhisper(cfg Config, logger *slog.Logger) *Whisper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &Whisper{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.With("component", "stt"),
	}
}

// Transcribe sends the audio and returns the trimmed transcript. The call
// is bounded by the configured timeout.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyTranscript
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.cfg.Model,
		FilePath: filename,
		Reader:   bytes.NewReader(audio),
		Language: w.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filename, err)
	}

	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("audio transcribed",
		"bytes", len(audio),
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}
