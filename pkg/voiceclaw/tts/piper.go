package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Piper emits raw s16le mono PCM at this rate with --output-raw.
const piperSampleRate = 22050

// PiperConfig locates the piper binary and voice model.
type PiperConfig struct {
	Binary    string
	ModelPath string

	// LibPath is exported as LD_LIBRARY_PATH for bundled shared objects.
	LibPath string
}

// Piper runs the piper CLI.
type Piper struct {
	cfg PiperConfig
}

// NewPiper creates a Piper provider. Binary defaults to "piper" on PATH.
func NewPiper(cfg PiperConfig) *Piper {
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	return &Piper{cfg: cfg}
}

// Synthesize feeds text on stdin and wraps the PCM output as WAV. The
// voice is fixed by the model.
func (p *Piper) Synthesize(ctx context.Context, text, _ string) (Audio, error) {
	args := []string{"--output-raw"}
	if p.cfg.ModelPath != "" {
		args = append([]string{"--model", p.cfg.ModelPath}, args...)
	}

	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	if p.cfg.LibPath != "" {
		cmd.Env = append(cmd.Environ(), "LD_LIBRARY_PATH="+p.cfg.LibPath)
	}
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, fmt.Errorf("piper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return Audio{}, fmt.Errorf("piper produced no audio")
	}
	return Audio{
		Data:     PCMToWAV(stdout.Bytes(), piperSampleRate, 1, 16),
		MIMEType: "audio/wav",
		Filename: "reply.wav",
	}, nil
}
