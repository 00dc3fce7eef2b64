package tool

import (
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/relayforge/agentcore/internal/agent"
	"github.com/relayforge/agentcore/internal/bus"
	"github.com/relayforge/agentcore/internal/logging"
	"github.com/relayforge/agentcore/internal/permission"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
	todos   *TodoStore
}

// NewRegistry creates a new tool registry with its own in-memory TodoStore.
func NewRegistry(workDir string) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		todos:   NewTodoStore(),
	}
}

// Todos returns the registry's todo store.
func (r *Registry) Todos() *TodoStore {
	return r.todos
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Logger.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// DefaultRegistry creates a registry with all built-in tools. b wires the
// bash tool's interactive permission checker onto the fan-out bus; pass
// nil to skip bus notifications (e.g. in tests).
func DefaultRegistry(workDir string, b *bus.Bus) *Registry {
	r := NewRegistry(workDir)
	todos := r.todos
	logging.Logger.Info().Str("workDir", workDir).Msg("creating default tool registry")

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(NewWriteTool(workDir))
	r.Register(NewEditTool(workDir))
	r.Register(NewBashTool(workDir, WithPermissionChecker(permission.NewChecker(b))))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, todos))
	r.Register(NewTodoReadTool(workDir, todos))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	logging.Logger.Info().Int("count", len(r.tools)).Strs("ids", r.IDs()).Msg("default tool registry ready")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	logging.Logger.Debug().Msg("registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			logging.Logger.Debug().Msg("task executor configured")
		}
	}
}
