// Package tts synthesizes spoken replies. Three engines are available:
// Piper (local CLI, fast on CPU), an XTTS sidecar over HTTP (higher
// quality, usually GPU) and the OpenAI-compatible speech endpoint.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Engine names a synthesis backend.
type Engine string

const (
	EnginePiper  Engine = "piper"
	EngineXTTS   Engine = "xtts"
	EngineOpenAI Engine = "openai"
)

// Engines lists the selectable engines.
var Engines = []Engine{EnginePiper, EngineXTTS, EngineOpenAI}

// DefaultTimeout bounds one synthesis.
const DefaultTimeout = 90 * time.Second

// ErrUnavailable marks a backend that could not be reached.
var ErrUnavailable = errors.New("tts backend unavailable")

// ParseEngine maps a loose engine name to an Engine. Unknown names select
// Piper.
func ParseEngine(s string) Engine {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xtts", "xtts-v2", "xttsv2":
		return EngineXTTS
	case "openai":
		return EngineOpenAI
	default:
		return EnginePiper
	}
}

// DisplayName is the label shown in settings.
func (e Engine) DisplayName() string {
	switch e {
	case EngineXTTS:
		return "XTTS-v2 (Quality/GPU)"
	case EngineOpenAI:
		return "OpenAI (Cloud)"
	default:
		return "Piper (Fast/CPU)"
	}
}

// Audio is synthesized speech.
type Audio struct {
	Data     []byte
	MIMEType string

	// Filename suggests a name with the right extension for uploads.
	Filename string
}

// Provider is one synthesis backend.
type Provider interface {
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
}

// Synthesizer produces speech with the engine chosen by the user.
type Synthesizer interface {
	Speak(ctx context.Context, text string, engine Engine) (Audio, error)
}

// Options configures a Manager.
type Options struct {
	Timeout time.Duration

	// Voice is passed to the backend; empty uses each backend's default.
	Voice string
}

// Manager routes synthesis to the configured providers. When XTTS cannot
// be reached it is skipped until ResetXTTS is called, and Piper is used
// instead.
type Manager struct {
	providers map[Engine]Provider
	opts      Options
	logger    *slog.Logger

	xttsAvailable atomic.Bool
}

// NewManager creates a manager over the given providers. Engines without a
// provider fall back to Piper.
func NewManager(providers map[Engine]Provider, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	m := &Manager{
		providers: providers,
		opts:      opts,
		logger:    logger.With("component", "tts"),
	}
	m.xttsAvailable.Store(true)
	return m
}

// ResetXTTS marks the XTTS sidecar as worth trying again.
func (m *Manager) ResetXTTS() {
	m.xttsAvailable.Store(true)
}

// XTTSAvailable reports whether XTTS will be tried.
func (m *Manager) XTTSAvailable() bool {
	return m.xttsAvailable.Load()
}

// Speak synthesizes text with the engine, bounded by the configured timeout.
func (m *Manager) Speak(ctx context.Context, text string, engine Engine) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, fmt.Errorf("tts: empty text")
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	if engine == EngineXTTS {
		if !m.xttsAvailable.Load() {
			m.logger.Debug("xtts known unavailable, using piper")
			return m.speak(ctx, EnginePiper, text)
		}
		audio, err := m.speak(ctx, EngineXTTS, text)
		if err == nil {
			return audio, nil
		}
		if errors.Is(err, ErrUnavailable) {
			m.xttsAvailable.Store(false)
			m.logger.Warn("xtts sidecar not reachable, disabled until reselected; falling back to piper", "error", err)
		} else {
			m.logger.Warn("xtts failed, falling back to piper", "error", err)
		}
		return m.speak(ctx, EnginePiper, text)
	}
	return m.speak(ctx, engine, text)
}

func (m *Manager) speak(ctx context.Context, engine Engine, text string) (Audio, error) {
	p, ok := m.providers[engine]
	if !ok {
		if engine == EnginePiper {
			return Audio{}, fmt.Errorf("tts: no provider for %s", engine)
		}
		p, ok = m.providers[EnginePiper]
		if !ok {
			return Audio{}, fmt.Errorf("tts: no provider for %s", engine)
		}
		engine = EnginePiper
	}

	start := time.Now()
	audio, err := p.Synthesize(ctx, text, m.opts.Voice)
	if err != nil {
		return Audio{}, fmt.Errorf("tts %s: %w", engine, err)
	}
	m.logger.Debug("speech synthesized",
		"engine", engine,
		"bytes", len(audio.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return audio, nil
}
