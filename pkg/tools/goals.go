package tools

import (
	"context"
	"fmt"

	"github.com/sightlinehq/sightline/pkg/toolexec"
)

// GoalTools builds the conversion-goal tool set.
func GoalTools(deps Deps) []toolexec.ToolDefinition {
	websiteID := deps.Session.WebsiteID

	goalTypeParam := toolexec.ToolParameter{
		Name:        "type",
		Type:        "string",
		Description: "Goal type: PAGE_VIEW for page paths, EVENT for custom events",
		Enum:        []string{"PAGE_VIEW", "EVENT", "CUSTOM"},
	}

	goalChanges := func(params map[string]interface{}) (map[string]interface{}, error) {
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
		if goalType, ok := optStrArg(params, "type"); ok {
			changes["type"] = goalType
		}
		if target, ok := optStrArg(params, "target"); ok {
			changes["target"] = target
		}
		if filters, ok := params["filters"]; ok {
			changes["filters"] = filters
		}
		if len(changes) == 0 {
			return nil, fmt.Errorf("no changes provided, specify at least one field to update")
		}
		return changes, nil
	}

	return []toolexec.ToolDefinition{
		{
			Name:        "list_goals",
			Description: "List all conversion goals for the current website.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				raw, err := call(ctx, deps, "goals", "list", map[string]interface{}{
					"websiteId": websiteID,
				}, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"goals": raw,
					"count": countRows(raw),
				}, nil
			},
		},
		{
			Name:        "get_goal_by_id",
			Description: "Get a specific goal by ID.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The goal ID", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return call(ctx, deps, "goals", "getById", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, nil)
			},
		},
		{
			Name:        "get_goal_analytics",
			Description: "Get analytics data for a goal. Returns completion counts and conversion rates over the date range.",
			Parameters: []toolexec.ToolParameter{
				{Name: "goalId", Type: "string", Description: "The goal ID", Required: true},
				{Name: "startDate", Type: "string", Description: "Start date in YYYY-MM-DD format (defaults to 30 days ago)"},
				{Name: "endDate", Type: "string", Description: "End date in YYYY-MM-DD format (defaults to today)"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := optionalDay(params, "startDate"); err != nil {
					return nil, err
				}
				if err := optionalDay(params, "endDate"); err != nil {
					return nil, err
				}
				input := map[string]interface{}{
					"goalId":    strArg(params, "goalId"),
					"websiteId": websiteID,
				}
				if v, ok := optStrArg(params, "startDate"); ok {
					input["startDate"] = v
				}
				if v, ok := optStrArg(params, "endDate"); ok {
					input["endDate"] = v
				}
				return call(ctx, deps, "goals", "getAnalytics", input, nil)
			},
		},
		{
			Name:        "create_goal",
			Description: "Create a new conversion goal. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "name", Type: "string", Description: "The goal name (1-100 characters)", Required: true},
				{Name: "description", Type: "string", Description: "Optional description of the goal"},
				{Name: "type", Type: "string", Description: goalTypeParam.Description, Required: true, Enum: goalTypeParam.Enum},
				{Name: "target", Type: "string", Description: "Goal target: page path (e.g., '/thank-you') or event name (e.g., 'purchase_complete')", Required: true},
				{Name: "filters", Type: "array", Description: "Optional filters, each {field, operator, value}"},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateName(strArg(params, "name"), 100); err != nil {
					return nil, err
				}
				if strArg(params, "target") == "" {
					return nil, fmt.Errorf("goal target cannot be empty")
				}
				return map[string]interface{}{
					"action":      "create goal",
					"message":     "Please review the goal details below and confirm if you want to create it:",
					"name":        strArg(params, "name"),
					"description": orDefault(strArg(params, "description"), "No description"),
					"type":        strArg(params, "type"),
					"target":      strArg(params, "target"),
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateName(strArg(params, "name"), 100); err != nil {
					return nil, err
				}
				if strArg(params, "target") == "" {
					return nil, fmt.Errorf("goal target cannot be empty")
				}
				input := map[string]interface{}{
					"websiteId": websiteID,
					"name":      strArg(params, "name"),
					"type":      strArg(params, "type"),
					"target":    strArg(params, "target"),
				}
				if v, ok := optStrArg(params, "description"); ok {
					input["description"] = v
				}
				if v, ok := params["filters"]; ok {
					input["filters"] = v
				}
				raw, err := call(ctx, deps, "goals", "create", input, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": fmt.Sprintf("Goal %q created successfully", strArg(params, "name")),
					"goal":    raw,
				}, nil
			},
		},
		{
			Name:        "update_goal",
			Description: "Update an existing goal's name, description, type, target, or filters. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The goal ID to update", Required: true},
				{Name: "name", Type: "string", Description: "New goal name (1-100 characters)"},
				{Name: "description", Type: "string", Description: "New goal description"},
				{Name: "type", Type: "string", Description: "New goal type", Enum: goalTypeParam.Enum},
				{Name: "target", Type: "string", Description: "New goal target"},
				{Name: "filters", Type: "array", Description: "Replacement filters, each {field, operator, value}"},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				changes, err := goalChanges(params)
				if err != nil {
					return nil, err
				}
				var current map[string]interface{}
				if _, err := call(ctx, deps, "goals", "getById", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, &current); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":  "update goal",
					"message": "Please review the changes below and confirm if you want to apply them:",
					"current": current,
					"changes": changes,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				changes, err := goalChanges(params)
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
				raw, err := call(ctx, deps, "goals", "update", input, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Goal updated successfully",
					"goal":    raw,
				}, nil
			},
		},
		{
			Name:        "delete_goal",
			Description: "Delete a goal permanently, including its analytics history. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The goal ID to delete", Required: true},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var current map[string]interface{}
				if _, err := call(ctx, deps, "goals", "getById", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, &current); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":  "delete goal",
					"message": "Are you sure you want to delete this goal? This action cannot be undone and will permanently remove all goal analytics data.",
					"goal":    current,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if _, err := call(ctx, deps, "goals", "delete", map[string]interface{}{
					"id":        strArg(params, "id"),
					"websiteId": websiteID,
				}, nil); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Goal deleted successfully",
				}, nil
			},
		},
	}
}
