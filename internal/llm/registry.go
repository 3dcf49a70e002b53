package llm

import "context"

// ToolFunc executes one tool call and returns the structured response
// fed back to the model.
type ToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// ToolDef is one entry of the tool registry: name, parameter schema,
// execution class, timeout/retry policy and optional fallback.
type ToolDef struct {
	Name        string
	Description string
	Schema      ParamSchema
	Class       ToolClass
	TimeoutMS   int
	RetryLimit  int
	Fallback    string // name of the fallback tool, if any
	Fn          ToolFunc
}

// Registry holds every tool the turn engine may invoke.
type Registry struct {
	tools map[string]ToolDef
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ToolDef)}
}

// Register adds or replaces a ToolDef.
func (r *Registry) Register(def ToolDef) {
	r.tools = clone(r.tools)
	r.tools[def.Name] = def
}

func clone(m map[string]ToolDef) map[string]ToolDef {
	if m == nil {
		return make(map[string]ToolDef)
	}
	return m
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (ToolDef, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// All returns every registered tool, e.g. to build the provider's tool
// list for a turn.
func (r *Registry) All() []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}
