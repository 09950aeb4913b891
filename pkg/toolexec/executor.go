// Package toolexec manages tool registration and execution for agent runs.
// Read-only tools run directly; mutating tools go through a two-phase
// preview/commit protocol enforced by the Gate, so no write reaches the
// backend without an explicit confirmation bound to the previewed arguments.
package toolexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sightlinehq/sightline/internal/observability"
	"github.com/sightlinehq/sightline/pkg/rpc"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolHandler is the function signature for read-only tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// PreviewHandler computes what a mutating tool would change without
// performing the change. It must not issue any write to the backend.
type PreviewHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// CommitHandler performs the mutation previously previewed. It must issue
// exactly one backend mutation.
type CommitHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handlers. Read-only tools set
// Handler; mutating tools set Mutating plus Preview and Commit.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Mutating    bool            `json:"mutating"`
	Handler     ToolHandler     `json:"-"`
	Preview     PreviewHandler  `json:"-"`
	Commit      CommitHandler   `json:"-"`
}

// ExecutionContext provides runtime information for a tool invocation.
type ExecutionContext struct {
	RunID     string
	AgentName string
	Timeout   time.Duration
}

// ToolResult represents the outcome of a tool invocation. Error always holds
// a sentence safe to place in front of the model and the end user.
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PreviewEnvelope is the output of a mutating tool invoked without
// confirmation. The token must be echoed back, unchanged, alongside the same
// arguments to commit the change.
type PreviewEnvelope struct {
	RequiresConfirmation bool        `json:"requires_confirmation"`
	ConfirmationToken    string      `json:"confirmation_token"`
	Preview              interface{} `json:"preview"`
}

const (
	paramConfirmed         = "confirmed"
	paramConfirmationToken = "confirmation_token"

	defaultTimeout = 30 * time.Second
)

// Executor manages and executes tools
type Executor struct {
	tools      map[string]*ToolDefinition
	schemas    map[string]*gojsonschema.Schema
	rawSchemas map[string]map[string]interface{}
	gate       *Gate
	mu         sync.RWMutex
}

// New creates a new Executor
func New(gate *Gate) *Executor {
	observability.EnsureRegistered()

	ex := &Executor{
		tools:      make(map[string]*ToolDefinition),
		schemas:    make(map[string]*gojsonschema.Schema),
		rawSchemas: make(map[string]map[string]interface{}),
		gate:       gate,
	}

	log.Info().Msg("Tool executor initialized")

	return ex
}

// RegisterTool registers a new tool
func (ex *Executor) RegisterTool(def ToolDefinition) error {
	if err := ex.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := ex.generateSchemaMap(def)
	schema, err := compileSchema(schemaMap)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	if _, exists := ex.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	ex.tools[def.Name] = &def
	ex.schemas[def.Name] = schema
	ex.rawSchemas[def.Name] = schemaMap

	log.Info().Str("tool", def.Name).Bool("mutating", def.Mutating).Msg("Tool registered")

	return nil
}

// GetTool returns a tool definition by name
func (ex *Executor) GetTool(name string) *ToolDefinition {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	return ex.tools[name]
}

// ListTools returns all registered tool names
func (ex *Executor) ListTools() []string {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	tools := make([]string, 0, len(ex.tools))
	for name := range ex.tools {
		tools = append(tools, name)
	}

	return tools
}

// Execute runs a tool invocation end to end: parameter validation, the
// preview/commit gate for mutating tools, timeout enforcement, and a single
// retry for read-only transport failures. Parameter validation happens before
// any handler runs, so an invalid call never reaches the backend.
func (ex *Executor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	ex.mu.RLock()
	tool := ex.tools[toolName]
	schema := ex.schemas[toolName]
	ex.mu.RUnlock()

	if tool == nil {
		log.Error().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}
	}

	if err := ex.validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(toolName, time.Since(startTime), false)
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("invalid parameters: %v", err),
		}
	}

	timeout := defaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	var result ToolResult
	if tool.Mutating {
		result = ex.executeMutating(ctx, tool, params, execCtx, timeout)
	} else {
		result = ex.executeReadOnly(ctx, tool, params, timeout)
	}

	duration := time.Since(startTime)
	result.Metadata = mergeMetadata(result.Metadata, map[string]interface{}{
		"duration": duration.Milliseconds(),
	})
	observability.RecordToolExecution(toolName, duration, result.Success)

	return result
}

// executeReadOnly runs a read-only handler. A transport-level failure gets a
// single retry; application rejections do not.
func (ex *Executor) executeReadOnly(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, timeout time.Duration) ToolResult {
	output, err := ex.runWithTimeout(ctx, tool.Handler, params, timeout)
	if err != nil {
		if rpcErr, ok := rpc.AsError(err); ok && rpcErr.IsTransport() && ctx.Err() == nil {
			log.Warn().Str("tool", tool.Name).Err(err).Msg("Transport failure on read-only tool, retrying once")
			output, err = ex.runWithTimeout(ctx, tool.Handler, params, timeout)
		}
	}
	if err != nil {
		return ex.failureResult(tool.Name, err)
	}

	truncated, wasTruncated := truncateOutput(output)
	return ToolResult{
		Success:   true,
		Output:    truncated,
		Truncated: wasTruncated,
	}
}

// executeMutating routes a mutating invocation through the gate. Without
// confirmation the preview handler runs and a one-time token is minted; with
// confirmation the token is consumed and the commit handler runs exactly
// once. Commits run on a context detached from cancellation so a client
// disconnect cannot abandon a half-applied write.
func (ex *Executor) executeMutating(ctx context.Context, tool *ToolDefinition, params map[string]interface{}, execCtx *ExecutionContext, timeout time.Duration) ToolResult {
	runID := ""
	if execCtx != nil {
		runID = execCtx.RunID
	}

	confirmed, _ := params[paramConfirmed].(bool)
	token, _ := params[paramConfirmationToken].(string)
	args := stripConfirmationParams(params)

	if !confirmed {
		output, err := ex.runWithTimeout(ctx, ToolHandler(tool.Preview), args, timeout)
		if err != nil {
			return ex.failureResult(tool.Name, err)
		}

		mintedToken, err := ex.gate.MintToken(runID, tool.Name, args)
		if err != nil {
			return ex.failureResult(tool.Name, err)
		}

		observability.RecordMutationPreview(tool.Name)
		log.Debug().Str("tool", tool.Name).Str("run_id", runID).Msg("Mutation previewed")

		return ToolResult{
			Success: true,
			Output: PreviewEnvelope{
				RequiresConfirmation: true,
				ConfirmationToken:    mintedToken,
				Preview:              output,
			},
		}
	}

	if err := ex.gate.ConsumeToken(runID, tool.Name, args, token); err != nil {
		observability.RecordMutationCommit(tool.Name, false)
		return ToolResult{
			Success: false,
			Error:   err.Error(),
		}
	}

	// One commit at a time per run. Parallel tool dispatch only ever applies
	// to read-only calls, but the gate enforces it regardless of the caller.
	unlock := ex.gate.LockRun(runID)
	defer unlock()

	commitCtx := context.WithoutCancel(ctx)
	output, err := ex.runWithTimeout(commitCtx, ToolHandler(tool.Commit), args, timeout)
	if err != nil {
		observability.RecordMutationCommit(tool.Name, false)
		return ex.failureResult(tool.Name, err)
	}

	observability.RecordMutationCommit(tool.Name, true)
	log.Info().Str("tool", tool.Name).Str("run_id", runID).Msg("Mutation committed")

	truncated, wasTruncated := truncateOutput(output)
	return ToolResult{
		Success:   true,
		Output:    truncated,
		Truncated: wasTruncated,
	}
}

// runWithTimeout executes a handler in its own goroutine and waits for the
// result or the deadline.
func (ex *Executor) runWithTimeout(ctx context.Context, handler ToolHandler, params map[string]interface{}, timeout time.Duration) (interface{}, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		result, err := handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		return result, nil
	case err := <-errChan:
		return nil, err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("tool execution timeout after %v", timeout)
	}
}

// failureResult maps a handler error to a user-safe result. Backend errors
// carry their normalized sentence; everything else is reported verbatim since
// it originates inside the process.
func (ex *Executor) failureResult(toolName string, err error) ToolResult {
	log.Error().Str("tool", toolName).Err(err).Msg("Tool execution failed")

	if rpcErr, ok := rpc.AsError(err); ok {
		return ToolResult{
			Success: false,
			Error:   rpcErr.UserMessage(),
			Metadata: map[string]interface{}{
				"code": string(rpcErr.Code),
			},
		}
	}

	return ToolResult{
		Success: false,
		Error:   err.Error(),
	}
}

func (ex *Executor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Mutating {
		if def.Preview == nil || def.Commit == nil {
			return fmt.Errorf("mutating tool %s must define preview and commit handlers", def.Name)
		}
		if def.Handler != nil {
			return fmt.Errorf("mutating tool %s cannot define a read-only handler", def.Name)
		}
	} else {
		if def.Handler == nil {
			return fmt.Errorf("tool handler cannot be nil")
		}
		if def.Preview != nil || def.Commit != nil {
			return fmt.Errorf("read-only tool %s cannot define mutation handlers", def.Name)
		}
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Name == paramConfirmed || param.Name == paramConfirmationToken {
			return fmt.Errorf("parameter name %s is reserved", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}

	return nil
}

// ToolSchema returns the tool's parameter schema as a plain map, the shape
// provider adapters hand to the model.
func (ex *Executor) ToolSchema(name string) map[string]interface{} {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	return ex.rawSchemas[name]
}

// generateSchemaMap builds a JSON Schema from tool parameters. Mutating tools
// get the confirmation properties appended so the model can supply them
// without the tool author declaring them.
func (ex *Executor) generateSchemaMap(def ToolDefinition) map[string]interface{} {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if def.Mutating {
		properties[paramConfirmed] = map[string]interface{}{
			"type":        "boolean",
			"description": "Set true only after the user has approved the previewed change.",
		}
		properties[paramConfirmationToken] = map[string]interface{}{
			"type":        "string",
			"description": "Token returned by the preview. Required when confirmed is true.",
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return schemaMap
}

func compileSchema(schemaMap map[string]interface{}) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func (ex *Executor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	paramsLoader := gojsonschema.NewGoLoader(params)
	result, err := schema.Validate(paramsLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		errors := []string{}
		for _, verr := range result.Errors() {
			errors = append(errors, verr.String())
		}
		return fmt.Errorf("validation errors: %v", errors)
	}

	return nil
}

func stripConfirmationParams(params map[string]interface{}) map[string]interface{} {
	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		if k == paramConfirmed || k == paramConfirmationToken {
			continue
		}
		args[k] = v
	}
	return args
}

func mergeMetadata(base, extra map[string]interface{}) map[string]interface{} {
	if base == nil {
		return extra
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}

// truncateOutput truncates output if it exceeds the size limit
func truncateOutput(output interface{}) (interface{}, bool) {
	const maxSize = 10 * 1024 // 10KB

	str := fmt.Sprintf("%v", output)
	if len(str) <= maxSize {
		return output, false
	}

	truncated := str[:maxSize] + "\n... [output truncated]"
	log.Warn().
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return truncated, true
}
