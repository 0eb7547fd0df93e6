package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Shell runs command lines through bash (or sh when bash is missing).
type Shell struct {
	// Dir is the working directory; empty means the process directory.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// Run executes the command and returns stdout followed by stderr prefixed
// with "STDERR: ". When ctx ends, the whole process group is killed and
// the context error is returned with whatever output was captured.
func (s Shell) Run(ctx context.Context, command string) (string, error) {
	bin, err := exec.LookPath("bash")
	if err != nil {
		bin = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, bin, "-c", command)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out := combineOutput(stdout.String(), stderr.String())

	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if out == "" {
				out = fmt.Sprintf("(exit status %d)", exitErr.ExitCode())
			}
			return out, fmt.Errorf("exit status %d", exitErr.ExitCode())
		}
		return out, fmt.Errorf("run command: %w", runErr)
	}
	return out, nil
}

func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += "STDERR: " + stderr
	}
	return out
}
