package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/reactor/pkg/llm"
)

// DefaultTimeout bounds a single tool execution unless the tool
// declares its own.
const DefaultTimeout = 30 * time.Second

// confirmedKey is the argument flag an explicit human approval sets to
// let a confirmation-gated call through
const confirmedKey = "confirmed"

// ToolHandler is the function signature for tool execution. The result
// string is fed back to the model as conversational data.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (string, error)

// ConfirmFunc decides whether a call with these parsed arguments needs
// explicit human approval before executing. Returning a function of the
// arguments enables per-call risk assessment.
type ConfirmFunc func(params map[string]interface{}) bool

// AlwaysConfirm gates every call behind approval
func AlwaysConfirm(map[string]interface{}) bool { return true }

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata, policies and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	Confirm     ConfirmFunc     `json:"-"`
	Timeout     time.Duration   `json:"-"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success bool          `json:"success"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	return &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name, or nil
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// Definitions returns the provider-facing tool declarations for all
// registered tools
func (te *ToolExecutor) Definitions() []llm.ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := te.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  parameterSchema(tool.Parameters),
		})
	}

	return defs
}

// NeedsConfirmation reports whether this call must be deferred to an
// explicit approval round-trip: the tool's policy asks for confirmation
// and the arguments do not carry the affirmative flag.
func (te *ToolExecutor) NeedsConfirmation(name string, params map[string]interface{}) bool {
	tool := te.GetTool(name)
	if tool == nil || tool.Confirm == nil {
		return false
	}
	if !tool.Confirm(params) {
		return false
	}
	confirmed, _ := params[confirmedKey].(bool)
	return !confirmed
}

// Execute runs a tool with validated parameters under its timeout.
// Handler errors, timeouts and panics are all converted into a failed
// ToolResult; they never propagate to the caller.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}) ToolResult {
	startTime := time.Now()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
			Elapsed: time.Since(startTime),
		}
	}

	if err := validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
			Elapsed: time.Since(startTime),
		}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errChan <- fmt.Errorf("tool panicked: %v", r)
			}
		}()
		result, err := tool.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		elapsed := time.Since(startTime)
		log.Debug().
			Str("tool", toolName).
			Dur("duration", elapsed).
			Msg("Tool execution completed")
		return ToolResult{Success: true, Output: result, Elapsed: elapsed}

	case err := <-errChan:
		elapsed := time.Since(startTime)
		log.Warn().
			Str("tool", toolName).
			Dur("duration", elapsed).
			Err(err).
			Msg("Tool execution failed")
		return ToolResult{Success: false, Error: err.Error(), Elapsed: elapsed}

	case <-timeoutCtx.Done():
		elapsed := time.Since(startTime)
		// A cancelled run is not a tool timeout
		if ctx.Err() != nil {
			log.Warn().
				Str("tool", toolName).
				Dur("duration", elapsed).
				Msg("Tool execution cancelled")
			return ToolResult{
				Success: false,
				Error:   "tool execution cancelled",
				Elapsed: elapsed,
			}
		}
		log.Warn().
			Str("tool", toolName).
			Dur("duration", elapsed).
			Msg("Tool execution timeout")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool execution timeout after %v", timeout),
			Elapsed: elapsed,
		}
	}
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// parameterSchema builds the JSON-Schema-shaped object all providers
// consume: type object, a properties map and a required array
func parameterSchema(params []ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return schema
}

func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(parameterSchema(def.Parameters)))
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		errs := result.Errors()
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%v", msgs)
	}

	return nil
}
