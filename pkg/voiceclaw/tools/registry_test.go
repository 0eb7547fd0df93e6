package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinOptions{
		Persona: personaFunc(func(string, string) error { return nil }),
		IsAdmin: func(string) bool { return true },
	})
	return r
}

func TestRegistryDefinitions(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t)

	assert.Equal(t, []string{RunCommand, GetTime, WebSearch, UpdatePersona}, r.Names())
	defs := r.Definitions()
	require.Len(t, defs, 4)
	assert.True(t, json.Valid(defs[0].Parameters))
	assert.Contains(t, r.Describe(), "- **web_search**: Search the web")

	noPersona := NewRegistry()
	RegisterBuiltins(noPersona, BuiltinOptions{})
	assert.False(t, noPersona.Has(UpdatePersona))
}

func TestParseArguments(t *testing.T) {
	t.Parallel()
	r := builtinRegistry(t)

	args, err := r.ParseArguments(RunCommand, `{"command":"ls"}`)
	require.NoError(t, err)
	assert.Equal(t, "ls", args["command"])

	args, err = r.ParseArguments(GetTime, "")
	require.NoError(t, err)
	assert.Empty(t, args)

	tests := []struct {
		name string
		tool string
		raw  string
	}{
		{"missing required", RunCommand, `{}`},
		{"wrong type", RunCommand, `{"command": 5}`},
		{"not an object", RunCommand, `["ls"]`},
		{"broken json", RunCommand, `{"command":`},
		{"enum", UpdatePersona, `{"file_name":"SECRETS","new_content":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ParseArguments(tt.tool, tt.raw)
			var argErr *ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, tt.tool, argErr.Tool)
			assert.NotEmpty(t, argErr.Problems)
		})
	}

	_, err = r.ParseArguments("launch", `{}`)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	err := r.Register(Tool{
		Name:       "x",
		Parameters: json.RawMessage(`{"type": 12}`),
		Handler:    func(context.Context, Call) (string, error) { return "", nil },
	})
	assert.Error(t, err)
	assert.Error(t, r.Register(Tool{Name: "y"}))
}

func TestDecodeArgs(t *testing.T) {
	t.Parallel()
	var a updatePersonaArgs
	require.NoError(t, DecodeArgs(map[string]any{"file_name": "SOUL", "new_content": "hi"}, &a))
	assert.Equal(t, updatePersonaArgs{FileName: "SOUL", NewContent: "hi"}, a)
}
