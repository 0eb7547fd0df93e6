package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Built-in tool names.
const (
	RunCommand    = "run_command"
	GetTime       = "get_time"
	WebSearch     = "web_search"
	UpdatePersona = "update_persona"
)

// PersonaFiles are the persona documents update_persona may rewrite.
var PersonaFiles = []string{"SOUL", "IDENTITY", "SECURITY"}

// ErrNotAdmin is returned when a non-admin asks for an admin-only tool.
var ErrNotAdmin = errors.New("only an admin may do this")

// PersonaWriter rewrites one persona document.
type PersonaWriter interface {
	UpdateFile(name, content string) error
}

// BuiltinOptions wires the built-in tools to their collaborators.
type BuiltinOptions struct {
	Shell Shell

	// CommandTimeout overrides the executor timeout for run_command.
	CommandTimeout time.Duration

	Search SearchOptions

	// Persona and IsAdmin enable update_persona when both are set.
	Persona PersonaWriter
	IsAdmin func(identity string) bool
}

// RegisterBuiltins adds run_command, get_time, web_search and, when
// configured, update_persona.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) {
	r.MustRegister(Tool{
		Name:        RunCommand,
		Description: "Execute a shell command on the server. Risky commands require admin approval.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to execute"}
			},
			"required": ["command"]
		}`),
		Timeout: opts.CommandTimeout,
		Handler: runCommandHandler(opts.Shell),
	})

	r.MustRegister(Tool{
		Name:        GetTime,
		Description: "Get the current date and time, optionally in an IANA timezone.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone such as Europe/Lisbon"}
			}
		}`),
		Handler: getTimeHandler(time.Now),
	})

	r.MustRegister(Tool{
		Name:        WebSearch,
		Description: "Search the web for information. Returns a summary of results.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search query"}
			},
			"required": ["query"]
		}`),
		Handler: NewSearcher(opts.Search).Handler,
	})

	if opts.Persona != nil && opts.IsAdmin != nil {
		r.MustRegister(Tool{
			Name:        UpdatePersona,
			Description: "Update a bot persona file (SOUL, IDENTITY, or SECURITY). Admin-only.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"file_name": {
						"type": "string",
						"enum": ["SOUL", "IDENTITY", "SECURITY"],
						"description": "Which persona file to update"
					},
					"new_content": {"type": "string", "description": "The new markdown content for the file"}
				},
				"required": ["file_name", "new_content"]
			}`),
			Handler: updatePersonaHandler(opts.Persona, opts.IsAdmin),
		})
	}
}

type runCommandArgs struct {
	Command string `json:"command"`
}

func runCommandHandler(sh Shell) Handler {
	return func(ctx context.Context, call Call) (string, error) {
		var args runCommandArgs
		if err := DecodeArgs(call.Args, &args); err != nil {
			return "", err
		}
		if strings.TrimSpace(args.Command) == "" {
			return "", fmt.Errorf("command is required")
		}
		return sh.Run(ctx, args.Command)
	}
}

type getTimeArgs struct {
	Timezone string `json:"timezone"`
}

func getTimeHandler(now func() time.Time) Handler {
	return func(_ context.Context, call Call) (string, error) {
		var args getTimeArgs
		if err := DecodeArgs(call.Args, &args); err != nil {
			return "", err
		}
		t := now()
		if args.Timezone != "" {
			loc, err := time.LoadLocation(args.Timezone)
			if err != nil {
				return "", fmt.Errorf("unknown timezone %q", args.Timezone)
			}
			t = t.In(loc)
		}
		return t.Format("Monday, 02 January 2006 15:04:05 MST"), nil
	}
}

type updatePersonaArgs struct {
	FileName   string `json:"file_name"`
	NewContent string `json:"new_content"`
}

func updatePersonaHandler(w PersonaWriter, isAdmin func(string) bool) Handler {
	return func(_ context.Context, call Call) (string, error) {
		if !isAdmin(call.Requester) {
			return "", ErrNotAdmin
		}
		var args updatePersonaArgs
		if err := DecodeArgs(call.Args, &args); err != nil {
			return "", err
		}
		name := strings.ToUpper(strings.TrimSuffix(args.FileName, ".md"))
		if err := w.UpdateFile(name, args.NewContent); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.md updated (%d chars). The previous version was saved as %s.md.bak.",
			name, len(args.NewContent), name), nil
	}
}
