// Package companion – tools.go holds the tool registry and dispatcher.
// Tools declare JSON-schema inputs; dispatch resolves the handler by name
// and threads the request context (carrying the chat id) explicitly.
package companion

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// ctxKeyChatID carries the current chat id through the tool call chain.
type ctxKeyChatID struct{}

// ContextWithChatID returns a context carrying the chat id, so handlers
// invoked deep in the LLM loop can resolve their chat without explicit
// threading.
func ContextWithChatID(ctx context.Context, chatID int64) context.Context {
	return context.WithValue(ctx, ctxKeyChatID{}, chatID)
}

// ChatIDFromContext extracts the chat id, returning 0 when absent.
func ChatIDFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(ctxKeyChatID{}).(int64); ok {
		return v
	}
	return 0
}

// ToolHandler executes one tool call with parsed arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// ToolDef declares a tool to the model.
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// registeredTool bundles a definition with its handler.
type registeredTool struct {
	def     ToolDef
	handler ToolHandler
}

// ToolRegistry implements ToolDispatcher over a named handler set.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	logger *slog.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	return &ToolRegistry{
		tools:  make(map[string]*registeredTool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(def ToolDef, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = &registeredTool{def: def, handler: handler}
	r.logger.Debug("tool registered", "name", def.Name)
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolDefs returns the provider wire-format schemas, sorted by name.
func (r *ToolRegistry) ToolDefs() []APIToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]APIToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		schema := t.def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, _ := json.Marshal(schema)
		defs = append(defs, APIToolDef{
			Name:        t.def.Name,
			Description: t.def.Description,
			InputSchema: raw,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ExecuteTool dispatches one tool call. Unknown names and malformed
// arguments are InvalidInput; policy violations surface as AccessDenied
// from the handlers.
func (r *ToolRegistry) ExecuteTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", Errorf(ErrInvalidInput, "unknown tool %q", name)
	}

	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", Errorf(ErrInvalidInput, "invalid tool arguments: %v", err)
		}
	}

	r.logger.Debug("executing tool", "name", name, "chat_id", ChatIDFromContext(ctx))
	out, err := tool.handler(ctx, args)
	if err != nil {
		return "", err
	}
	return out, nil
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", Errorf(ErrInvalidInput, "missing required argument %q", key)
	}
	return v, nil
}

// optStringArg extracts an optional string argument.
func optStringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// optIntArg extracts an optional integer argument (JSON numbers decode as
// float64).
func optIntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// objSchema is a shorthand for a JSON-schema object definition.
func objSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// prop is a shorthand for a JSON-schema property.
func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

var _ ToolDispatcher = (*ToolRegistry)(nil)
