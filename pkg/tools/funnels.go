package tools

import (
	"context"
	"fmt"

	"github.com/sightlinehq/sightline/pkg/toolexec"
)

const (
	minFunnelSteps = 2
	maxFunnelSteps = 10
)

// FunnelTools builds the funnel tool set. A funnel tracks a multi-step user
// journey; analytics report conversion and drop-off per step.
func FunnelTools(deps Deps) []toolexec.ToolDefinition {
	websiteID := deps.Session.WebsiteID

	dateRangeParams := []toolexec.ToolParameter{
		{Name: "startDate", Type: "string", Description: "Start date in YYYY-MM-DD format (defaults to 30 days ago)"},
		{Name: "endDate", Type: "string", Description: "End date in YYYY-MM-DD format (defaults to today)"},
	}

	analyticsInput := func(params map[string]interface{}) map[string]interface{} {
		input := map[string]interface{}{
			"funnelId":  strArg(params, "funnelId"),
			"websiteId": websiteID,
		}
		if v, ok := optStrArg(params, "startDate"); ok {
			input["startDate"] = v
		}
		if v, ok := optStrArg(params, "endDate"); ok {
			input["endDate"] = v
		}
		return input
	}

	validateDateRange := func(params map[string]interface{}) error {
		if err := optionalDay(params, "startDate"); err != nil {
			return err
		}
		return optionalDay(params, "endDate")
	}

	funnelInput := func(params map[string]interface{}) map[string]interface{} {
		input := map[string]interface{}{
			"websiteId":          websiteID,
			"name":               strArg(params, "name"),
			"steps":              params["steps"],
			"ignoreHistoricData": boolArg(params, "ignoreHistoricData"),
		}
		if v, ok := optStrArg(params, "description"); ok {
			input["description"] = v
		}
		if v, ok := params["filters"]; ok {
			input["filters"] = v
		}
		return input
	}

	return []toolexec.ToolDefinition{
		{
			Name:        "list_funnels",
			Description: "List all funnels for the current website. Returns funnels with their steps, filters, and metadata.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				raw, err := call(ctx, deps, "funnels", "list", map[string]interface{}{
					"websiteId": websiteID,
				}, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"funnels": raw,
					"count":   countRows(raw),
				}, nil
			},
		},
		{
			Name:        "get_funnel_by_id",
			Description: "Get a specific funnel by ID. Returns detailed information including steps, filters, and configuration.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The funnel ID", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return call(ctx, deps, "funnels", "getById", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, nil)
			},
		},
		{
			Name:        "get_funnel_analytics",
			Description: "Get analytics data for a funnel. Returns conversion rates, drop-off points, and step-by-step metrics.",
			Parameters: append([]toolexec.ToolParameter{
				{Name: "funnelId", Type: "string", Description: "The funnel ID", Required: true},
			}, dateRangeParams...),
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateDateRange(params); err != nil {
					return nil, err
				}
				return call(ctx, deps, "funnels", "getAnalytics", analyticsInput(params), nil)
			},
		},
		{
			Name:        "get_funnel_analytics_by_referrer",
			Description: "Get funnel analytics broken down by referrer/traffic source. Shows which sources drive the best conversions.",
			Parameters: append([]toolexec.ToolParameter{
				{Name: "funnelId", Type: "string", Description: "The funnel ID", Required: true},
			}, dateRangeParams...),
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateDateRange(params); err != nil {
					return nil, err
				}
				return call(ctx, deps, "funnels", "getAnalyticsByReferrer", analyticsInput(params), nil)
			},
		},
		{
			Name:        "create_funnel",
			Description: "Create a new funnel to track a user journey. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "name", Type: "string", Description: "The funnel name (1-100 characters)", Required: true},
				{Name: "description", Type: "string", Description: "Optional description of the funnel"},
				{Name: "steps", Type: "array", Description: "Funnel steps (2-10), each {type: PAGE_VIEW|EVENT|CUSTOM, target, name, conditions?}", Required: true},
				{Name: "filters", Type: "array", Description: "Optional filters, each {field, operator, value}"},
				{Name: "ignoreHistoricData", Type: "boolean", Description: "Whether to ignore data recorded before funnel creation (default: false)"},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				steps, err := validateFunnelSteps(params["steps"])
				if err != nil {
					return nil, err
				}
				if err := validateName(strArg(params, "name"), 100); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":             "create funnel",
					"message":            "Please review the funnel details below and confirm if you want to create it:",
					"name":               strArg(params, "name"),
					"description":        orDefault(strArg(params, "description"), "No description"),
					"steps":              formatFunnelSteps(steps),
					"ignoreHistoricData": boolArg(params, "ignoreHistoricData"),
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if _, err := validateFunnelSteps(params["steps"]); err != nil {
					return nil, err
				}
				if err := validateName(strArg(params, "name"), 100); err != nil {
					return nil, err
				}
				raw, err := call(ctx, deps, "funnels", "create", funnelInput(params), nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": fmt.Sprintf("Funnel %q created successfully", strArg(params, "name")),
					"funnel":  raw,
				}, nil
			},
		},
		{
			Name:        "update_funnel",
			Description: "Update an existing funnel's name, description, steps, or filters. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The funnel ID to update", Required: true},
				{Name: "name", Type: "string", Description: "New funnel name (1-100 characters)"},
				{Name: "description", Type: "string", Description: "New funnel description"},
				{Name: "steps", Type: "array", Description: "Replacement steps (2-10), each {type, target, name, conditions?}"},
				{Name: "filters", Type: "array", Description: "Replacement filters, each {field, operator, value}"},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				changes, err := funnelUpdateChanges(params)
				if err != nil {
					return nil, err
				}
				var current map[string]interface{}
				if _, err := call(ctx, deps, "funnels", "getById", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, &current); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":  "update funnel",
					"message": "Please review the changes below and confirm if you want to apply them:",
					"current": current,
					"changes": changes,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				changes, err := funnelUpdateChanges(params)
				if err != nil {
					return nil, err
				}
				input := map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}
				for k, v := range changes {
					input[k] = v
				}
				raw, err := call(ctx, deps, "funnels", "update", input, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Funnel updated successfully",
					"funnel":  raw,
				}, nil
			},
		},
		{
			Name:        "delete_funnel",
			Description: "Delete a funnel permanently, including its analytics history. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The funnel ID to delete", Required: true},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var current map[string]interface{}
				if _, err := call(ctx, deps, "funnels", "getById", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, &current); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":  "delete funnel",
					"message": "Are you sure you want to delete this funnel? This action cannot be undone and will permanently remove all funnel analytics data.",
					"funnel":  current,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if _, err := call(ctx, deps, "funnels", "delete", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, nil); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Funnel deleted successfully",
				}, nil
			},
		},
	}
}

// validateFunnelSteps checks the 2-10 step bound and each step's shape.
func validateFunnelSteps(raw interface{}) ([]map[string]interface{}, error) {
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("steps must be an array of funnel steps")
	}
	if len(list) < minFunnelSteps || len(list) > maxFunnelSteps {
		return nil, fmt.Errorf("funnels require between %d and %d steps, got %d", minFunnelSteps, maxFunnelSteps, len(list))
	}

	validTypes := map[string]bool{"PAGE_VIEW": true, "EVENT": true, "CUSTOM": true}
	steps := make([]map[string]interface{}, 0, len(list))
	for i, entry := range list {
		step, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d must be an object", i+1)
		}
		stepType, _ := step["type"].(string)
		if !validTypes[stepType] {
			return nil, fmt.Errorf("step %d has invalid type %q, expected PAGE_VIEW, EVENT, or CUSTOM", i+1, stepType)
		}
		if target, _ := step["target"].(string); target == "" {
			return nil, fmt.Errorf("step %d is missing a target", i+1)
		}
		if name, _ := step["name"].(string); name == "" {
			return nil, fmt.Errorf("step %d is missing a name", i+1)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func formatFunnelSteps(steps []map[string]interface{}) []string {
	out := make([]string, len(steps))
	for i, step := range steps {
		out[i] = fmt.Sprintf("%d. %s (%s: %s)", i+1, step["name"], step["type"], step["target"])
	}
	return out
}

func funnelUpdateChanges(params map[string]interface{}) (map[string]interface{}, error) {
	changes := map[string]interface{}{}
	if name, ok := optStrArg(params, "name"); ok {
		if err := validateName(name, 100); err != nil {
			return nil, err
		}
		changes["name"] = name
	}
	if desc, ok := optStrArg(params, "description"); ok {
		changes["description"] = desc
	}
	if raw, ok := params["steps"]; ok {
		if _, err := validateFunnelSteps(raw); err != nil {
			return nil, err
		}
		changes["steps"] = raw
	}
	if filters, ok := params["filters"]; ok {
		changes["filters"] = filters
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("no changes provided, specify at least one field to update")
	}
	return changes, nil
}

func validateName(name string, maxLen int) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > maxLen {
		return fmt.Errorf("name must be at most %d characters", maxLen)
	}
	return nil
}
