package tool

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/agentloop/internal/logging"
	"github.com/opencode-ai/agentloop/internal/permission"
	"github.com/opencode-ai/agentloop/internal/provider"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
		log:   logging.Component("tool"),
	}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name()]; ok {
		r.log.Warn().Str("tool", tool.Name()).Msg("replacing registered tool")
	}
	r.tools[tool.Name()] = tool
	r.log.Debug().Str("tool", tool.Name()).Msg("registered tool")
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the tool declarations sent to the model.
func (r *Registry) Specs() ([]provider.ToolSpec, error) {
	tools := r.List()
	specs := make([]provider.ToolSpec, 0, len(tools))
	for _, t := range tools {
		schema, err := Schema(t)
		if err != nil {
			return nil, err
		}
		specs = append(specs, provider.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      schema,
		})
	}
	return specs, nil
}

// Options selects the built-in tools.
type Options struct {
	// Restricted runs bash under the read-only policy.
	Restricted bool
	// BashRules extend the bash policy.
	BashRules permission.Rules
	// Driver enables the computer tool.
	Driver Driver
	// WebFetch enables the webfetch tool.
	WebFetch bool
}

// DefaultRegistry creates a registry with the built-in tools.
func DefaultRegistry(workDir string, opts Options) *Registry {
	r := NewRegistry()

	policy := &permission.Policy{ReadOnly: opts.Restricted, Rules: opts.BashRules}
	r.Register(NewBashTool(workDir, WithPolicy(policy)))
	r.Register(NewGlobTool(workDir))
	if !opts.Restricted {
		r.Register(NewEditTool(workDir))
	}
	if opts.WebFetch {
		r.Register(NewWebFetchTool())
	}
	if opts.Driver != nil {
		r.Register(NewComputerTool(opts.Driver))
	}

	r.log.Debug().
		Str("workDir", workDir).
		Bool("restricted", opts.Restricted).
		Strs("tools", r.Names()).
		Msg("default registry created")
	return r
}

