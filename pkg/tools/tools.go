// Package tools defines the assistant's domain tool catalog: annotations,
// funnels, goals, short links, and a read-only analytics query tool. Every
// tool is closed over the run's session context, so the tenant and website
// binding comes from the authenticated request rather than from model output.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sightlinehq/sightline/pkg/rpc"
	"github.com/sightlinehq/sightline/pkg/sessionctx"
	"github.com/sightlinehq/sightline/pkg/toolexec"
)

// Deps carries what every tool handler needs: the backend caller bound to the
// request's headers and the immutable session context.
type Deps struct {
	Caller  rpc.Caller
	Session *sessionctx.SessionContext
}

// RegisterAll registers the full tool catalog on the executor.
func RegisterAll(ex *toolexec.Executor, deps Deps) error {
	if deps.Caller == nil {
		return fmt.Errorf("tools: caller is required")
	}
	if deps.Session == nil {
		return fmt.Errorf("tools: session context is required")
	}

	groups := [][]toolexec.ToolDefinition{
		AnnotationTools(deps),
		FunnelTools(deps),
		GoalTools(deps),
		LinkTools(deps),
		QueryTools(deps),
	}
	for _, group := range groups {
		for _, def := range group {
			if err := ex.RegisterTool(def); err != nil {
				return err
			}
		}
	}
	return nil
}

// call invokes a backend procedure and decodes the raw result into out when
// out is non-nil.
func call(ctx context.Context, deps Deps, router, method string, input map[string]interface{}, out interface{}) (json.RawMessage, error) {
	raw, err := deps.Caller.Call(ctx, router, method, input)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to decode %s.%s response: %w", router, method, err)
		}
	}
	return raw, nil
}

// countRows reports how many elements a raw JSON array holds, zero when the
// payload is not an array.
func countRows(raw json.RawMessage) int {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return 0
	}
	return len(rows)
}

func strArg(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func optStrArg(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok && v != ""
}

func boolArg(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func numArg(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key].(float64)
	return v, ok
}

// validateDay accepts calendar dates in YYYY-MM-DD form.
func validateDay(value, field string) error {
	if _, err := time.Parse("2006-01-02", value); err != nil {
		return fmt.Errorf("%s must be in YYYY-MM-DD format (e.g., 2024-01-15)", field)
	}
	return nil
}

// validateTimestamp accepts RFC 3339 timestamps.
func validateTimestamp(value, field string) error {
	if _, err := time.Parse(time.RFC3339, value); err != nil {
		return fmt.Errorf("%s must be a valid RFC 3339 timestamp (e.g., 2024-01-15T10:30:00Z)", field)
	}
	return nil
}

// optionalDay validates a date argument only when present.
func optionalDay(params map[string]interface{}, key string) error {
	if v, ok := optStrArg(params, key); ok {
		return validateDay(v, key)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
