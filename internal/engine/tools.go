package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/storytime/internal/workflow"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrWrongStep        = errors.New("tool not valid for current step")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

var toolNameRE = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// ToolDefinition is what the planner sees of a tool.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type registeredTool struct {
	step   workflow.Step
	def    ToolDefinition
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry binds tools to pipeline steps. A tool belongs to exactly one
// step; a step may offer several tools.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]registeredTool{}}
}

func (r *ToolRegistry) Register(step workflow.Step, def ToolDefinition, tool Tool) error {
	if !step.Valid() || step.Terminal() {
		return fmt.Errorf("tool %s: invalid step %q", def.Name, step)
	}
	if !toolNameRE.MatchString(def.Name) {
		return fmt.Errorf("invalid tool name %q", def.Name)
	}
	if tool == nil {
		return fmt.Errorf("tool %s missing implementation", def.Name)
	}
	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", def.Name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = registeredTool{step: step, def: def, tool: tool, schema: schema}
	return nil
}

// ForStep returns the definitions of the tools valid at step, sorted by name.
func (r *ToolRegistry) ForStep(step workflow.Step) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolDefinition
	for _, t := range r.tools {
		if t.step == step {
			out = append(out, t.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MissingSteps returns the production steps that have no tool registered.
func (r *ToolRegistry) MissingSteps() []workflow.Step {
	var missing []workflow.Step
	for _, st := range workflow.ProductionSteps() {
		if len(r.ForStep(st)) == 0 {
			missing = append(missing, st)
		}
	}
	return missing
}

// resolve checks a proposed call against the current step and the tool's
// parameter schema. The returned arguments are normalized JSON.
func (r *ToolRegistry) resolve(call ToolCall, current workflow.Step) (registeredTool, json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return registeredTool{}, nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	if t.step != current {
		return registeredTool{}, nil, fmt.Errorf("%w: %s belongs to %s, current step is %s", ErrWrongStep, call.Name, t.step, current)
	}
	args, err := validateArgs(t.schema, call.Arguments)
	if err != nil {
		return registeredTool{}, nil, fmt.Errorf("%w for %s: %v", ErrInvalidArguments, call.Name, err)
	}
	return t, args, nil
}

func validateArgs(schema *jsonschema.Schema, raw json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := schema.Validate(args); err != nil {
		return nil, err
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// withFeedback returns args with a "feedback" field set, for regenerating a
// step when the planner offers no revised call of its own.
func withFeedback(args json.RawMessage, feedback string) json.RawMessage {
	m := map[string]any{}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &m)
		if m == nil {
			m = map[string]any{}
		}
	}
	m["feedback"] = feedback
	b, _ := json.Marshal(m)
	return b
}
