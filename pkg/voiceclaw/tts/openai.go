package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// maxSpeechInput is the speech endpoint's input limit in characters.
const maxSpeechInput = 4096

// OpenAIConfig configures the speech endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string

	HTTPClient *http.Client
}

// OpenAI synthesizes speech through an OpenAI-compatible audio/speech
// endpoint. Output is Opus in Ogg, which messaging apps play as voice notes.
type OpenAI struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

// NewOpenAI creates the provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = "nova"
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  openai.SpeechModel(cfg.Model),
		voice:  openai.SpeechVoice(cfg.Voice),
	}
}

// Synthesize returns Ogg/Opus audio.
func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if len(text) > maxSpeechInput {
		text = text[:maxSpeechInput-3] + "..."
	}
	v := o.voice
	if voice != "" {
		v = openai.SpeechVoice(voice)
	}

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          v,
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return Audio{}, fmt.Errorf("openai speech: reading audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("openai speech: empty audio response")
	}
	return Audio{Data: data, MIMEType: "audio/ogg", Filename: "reply.ogg"}, nil
}
