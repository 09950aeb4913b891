package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sightlinehq/sightline/pkg/toolexec"
)

const defaultAnnotationColor = "#3B82F6"

// AnnotationTools builds the chart-annotation tool set. Annotations mark
// events or periods on dashboard charts; point and line annotations carry one
// timestamp, range annotations carry a start and an end.
func AnnotationTools(deps Deps) []toolexec.ToolDefinition {
	websiteID := deps.Session.WebsiteID

	chartContextParam := toolexec.ToolParameter{
		Name:        "chartContext",
		Type:        "object",
		Description: "Chart context: {dateRange: {start_date, end_date, granularity}, filters?, metrics?}",
		Required:    true,
	}

	validateAnnotationArgs := func(params map[string]interface{}) error {
		xValue := strArg(params, "xValue")
		if err := validateTimestamp(xValue, "xValue"); err != nil {
			return err
		}
		if xEnd, ok := optStrArg(params, "xEndValue"); ok {
			if err := validateTimestamp(xEnd, "xEndValue"); err != nil {
				return err
			}
		}
		if strArg(params, "annotationType") == "range" {
			if _, ok := optStrArg(params, "xEndValue"); !ok {
				return fmt.Errorf("range annotations require an xEndValue to define the end of the time period")
			}
		}
		return nil
	}

	createInput := func(params map[string]interface{}) map[string]interface{} {
		input := map[string]interface{}{
			"websiteId":      websiteID,
			"chartType":      strArg(params, "chartType"),
			"chartContext":   params["chartContext"],
			"annotationType": strArg(params, "annotationType"),
			"xValue":         strArg(params, "xValue"),
			"text":           strArg(params, "text"),
			"color":          orDefault(strArg(params, "color"), defaultAnnotationColor),
			"isPublic":       boolArg(params, "isPublic"),
		}
		if xEnd, ok := optStrArg(params, "xEndValue"); ok {
			input["xEndValue"] = xEnd
		}
		if y, ok := numArg(params, "yValue"); ok {
			input["yValue"] = y
		}
		if tags, ok := params["tags"]; ok {
			input["tags"] = tags
		}
		return input
	}

	return []toolexec.ToolDefinition{
		{
			Name:        "list_annotations",
			Description: "List annotations for the current website's charts. Returns annotations with their type, position, and text.",
			Parameters: []toolexec.ToolParameter{
				{Name: "chartType", Type: "string", Description: "The type of chart (currently only 'metrics' is supported)", Required: true, Enum: []string{"metrics"}},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				raw, err := call(ctx, deps, "annotations", "list", map[string]interface{}{
					"websiteId": websiteID,
					"chartType": strArg(params, "chartType"),
				}, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"annotations": raw,
					"count":       countRows(raw),
				}, nil
			},
		},
		{
			Name:        "get_annotation_by_id",
			Description: "Get a specific annotation by ID.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The annotation ID", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return call(ctx, deps, "annotations", "getById", map[string]interface{}{
					"id": strArg(params, "id"),
				}, nil)
			},
		},
		{
			Name:        "create_annotation",
			Description: "Create a new annotation on a chart. Annotations mark important events or periods on charts. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "chartType", Type: "string", Description: "The type of chart (currently only 'metrics' is supported)", Required: true, Enum: []string{"metrics"}},
				chartContextParam,
				{Name: "annotationType", Type: "string", Description: "'point' for a single moment, 'line' for a vertical line, 'range' for a time period", Required: true, Enum: []string{"point", "line", "range"}},
				{Name: "xValue", Type: "string", Description: "X-axis timestamp in RFC 3339 format (e.g., '2024-01-15T10:30:00Z')", Required: true},
				{Name: "xEndValue", Type: "string", Description: "End timestamp for range annotations (required for 'range' type)"},
				{Name: "yValue", Type: "number", Description: "Optional Y-axis value for point annotations"},
				{Name: "text", Type: "string", Description: "Annotation text (1-500 characters)", Required: true},
				{Name: "tags", Type: "array", Description: "Optional tags for categorizing the annotation"},
				{Name: "color", Type: "string", Description: "Optional color in hex format (e.g., '#3B82F6'). Defaults to blue."},
				{Name: "isPublic", Type: "boolean", Description: "Whether the annotation is visible to all team members. Defaults to false."},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateAnnotationArgs(params); err != nil {
					return nil, err
				}
				if err := validateAnnotationText(strArg(params, "text")); err != nil {
					return nil, err
				}
				position := strArg(params, "xValue")
				if xEnd, ok := optStrArg(params, "xEndValue"); ok {
					position = fmt.Sprintf("%s to %s", position, xEnd)
				}
				return map[string]interface{}{
					"action":   "create annotation",
					"message":  "Please review the annotation details below and confirm if you want to create it:",
					"type":     strArg(params, "annotationType"),
					"position": position,
					"text":     strArg(params, "text"),
					"color":    orDefault(strArg(params, "color"), defaultAnnotationColor),
					"isPublic": boolArg(params, "isPublic"),
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if err := validateAnnotationArgs(params); err != nil {
					return nil, err
				}
				if err := validateAnnotationText(strArg(params, "text")); err != nil {
					return nil, err
				}
				raw, err := call(ctx, deps, "annotations", "create", createInput(params), nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success":    true,
					"message":    "Annotation created successfully",
					"annotation": raw,
				}, nil
			},
		},
		{
			Name:        "update_annotation",
			Description: "Update an existing annotation's text, tags, color, or visibility. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The annotation ID to update", Required: true},
				{Name: "text", Type: "string", Description: "Updated annotation text (1-500 characters)"},
				{Name: "tags", Type: "array", Description: "Updated array of tags"},
				{Name: "color", Type: "string", Description: "Updated color in hex format (e.g., '#3B82F6')"},
				{Name: "isPublic", Type: "boolean", Description: "Updated visibility (public or private)"},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if text, ok := optStrArg(params, "text"); ok {
					if err := validateAnnotationText(text); err != nil {
						return nil, err
					}
				}
				var current map[string]interface{}
				if _, err := call(ctx, deps, "annotations", "getById", map[string]interface{}{
					"id": strArg(params, "id"),
				}, &current); err != nil {
					return nil, err
				}
				changes := map[string]interface{}{}
				for _, field := range []string{"text", "color"} {
					if v, ok := optStrArg(params, field); ok {
						changes[field] = v
					}
				}
				if v, ok := params["tags"]; ok {
					changes["tags"] = v
				}
				if v, ok := params["isPublic"]; ok {
					changes["isPublic"] = v
				}
				if len(changes) == 0 {
					return nil, fmt.Errorf("no changes provided, specify at least one field to update")
				}
				return map[string]interface{}{
					"action":  "update annotation",
					"message": "Please review the changes below and confirm if you want to apply them:",
					"current": current,
					"changes": changes,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				input := map[string]interface{}{"id": strArg(params, "id")}
				for _, field := range []string{"text", "color"} {
					if v, ok := optStrArg(params, field); ok {
						input[field] = v
					}
				}
				if v, ok := params["tags"]; ok {
					input["tags"] = v
				}
				if v, ok := params["isPublic"]; ok {
					input["isPublic"] = v
				}
				raw, err := call(ctx, deps, "annotations", "update", input, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success":    true,
					"message":    "Annotation updated successfully",
					"annotation": raw,
				}, nil
			},
		},
		{
			Name:        "delete_annotation",
			Description: "Delete an annotation permanently. Always preview first and ask the user to confirm.",
			Parameters: []toolexec.ToolParameter{
				{Name: "id", Type: "string", Description: "The annotation ID to delete", Required: true},
			},
			Mutating: true,
			Preview: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				var current map[string]interface{}
				if _, err := call(ctx, deps, "annotations", "getById", map[string]interface{}{
					"id": strArg(params, "id"),
				}, &current); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"action":     "delete annotation",
					"message":    "Are you sure you want to delete this annotation? This action cannot be undone.",
					"annotation": current,
				}, nil
			},
			Commit: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if _, err := call(ctx, deps, "annotations", "delete", map[string]interface{}{
					"id": strArg(params, "id"),
				}, nil); err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"success": true,
					"message": "Annotation deleted successfully",
				}, nil
			},
		},
	}
}

func validateAnnotationText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("annotation text cannot be empty")
	}
	if len(text) > 500 {
		return fmt.Errorf("annotation text must be at most 500 characters")
	}
	return nil
}
