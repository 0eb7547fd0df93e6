// Package tools holds the tools the model may call and the executor that
// runs them against a hard timeout, at most once per invocation.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
)

// ErrUnknownTool is returned for calls to tools that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Call is what a handler receives.
type Call struct {
	InvocationID   string
	ConversationID string
	Requester      string
	Args           map[string]any
}

// Handler runs a tool. The returned text becomes the tool result; an error
// marks the result failed.
type Handler func(ctx context.Context, call Call) (string, error)

// Tool is a callable tool.
type Tool struct {
	Name        string
	Description string

	// Parameters is the JSON schema of the arguments object.
	Parameters json.RawMessage

	// Timeout overrides the executor default when positive.
	Timeout time.Duration

	Handler Handler
}

type registeredTool struct {
	Tool
	schema *gojsonschema.Schema
}

// Registry is the set of available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool, compiling its schema. Registering a name twice
// replaces the earlier tool.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	rt := &registeredTool{Tool: t}
	if len(t.Parameters) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		rt.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = rt
	return nil
}

// MustRegister is Register for built-ins whose schemas are constants.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) get(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.get(name)
	return ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions returns the tool list sent to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Describe lists the tools for the system prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, def := range r.Definitions() {
		fmt.Fprintf(&b, "- **%s**: %s\n", def.Name, def.Description)
	}
	return b.String()
}

// ArgumentError reports arguments that do not match a tool's schema.
type ArgumentError struct {
	Tool     string
	Problems []string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// ParseArguments decodes the model's JSON arguments and validates them
// against the tool schema.
func (r *Registry) ParseArguments(name, raw string) (map[string]any, error) {
	t, ok := r.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return nil, &ArgumentError{Tool: name, Problems: []string{"arguments are not a JSON object"}}
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.validate(args); err != nil {
		return nil, err
	}
	return args, nil
}

func (t *registeredTool) validate(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	res, err := t.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("validate %s arguments: %w", t.Name, err)
	}
	if res.Valid() {
		return nil
	}
	problems := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		problems = append(problems, e.String())
	}
	sort.Strings(problems)
	return &ArgumentError{Tool: t.Name, Problems: problems}
}

// DecodeArgs decodes validated arguments into a typed struct.
func DecodeArgs(args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "json",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(args); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
