package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// XTTSConfig points at the XTTS sidecar.
type XTTSConfig struct {
	URL      string
	Language string

	// ConnectTimeout fails fast when the sidecar is down.
	ConnectTimeout time.Duration

	HTTPClient *http.Client
}

// XTTS calls the sidecar's POST /tts endpoint, which returns WAV bytes.
type XTTS struct {
	url      string
	language string
	client   *http.Client
}

// NewXTTS creates an XTTS provider.
func NewXTTS(cfg XTTSConfig) *XTTS {
	if cfg.URL == "" {
		cfg.URL = "http://localhost:8020"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		}
	}
	return &XTTS{url: strings.TrimRight(cfg.URL, "/"), language: cfg.Language, client: client}
}

// Synthesize requests speech from the sidecar. Connection failures wrap
// ErrUnavailable.
func (x *XTTS) Synthesize(ctx context.Context, text, _ string) (Audio, error) {
	body, err := json.Marshal(map[string]string{"text": text, "language": x.language})
	if err != nil {
		return Audio{}, fmt.Errorf("xtts: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url+"/tts", bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("xtts: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return Audio{}, fmt.Errorf("%w: xtts sidecar not reachable at %s: %v", ErrUnavailable, x.url, err)
		}
		return Audio{}, fmt.Errorf("xtts: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Audio{}, fmt.Errorf("xtts: sidecar returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("xtts: reading audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("xtts: empty audio response")
	}
	return Audio{Data: data, MIMEType: "audio/wav", Filename: "reply.wav"}, nil
}
