package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightlinehq/sightline/pkg/sessionctx"
	"github.com/sightlinehq/sightline/pkg/toolexec"
)

type recordedCall struct {
	Router string
	Method string
	Input  map[string]interface{}
}

// fakeCaller is a scripted backend: responses and errors are keyed by
// "router.method"; every call is recorded.
type fakeCaller struct {
	mu        sync.Mutex
	calls     []recordedCall
	responses map[string]json.RawMessage
	errs      map[string]error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		responses: map[string]json.RawMessage{},
		errs:      map[string]error{},
	}
}

func (f *fakeCaller) Call(ctx context.Context, router, method string, input interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inputMap, _ := input.(map[string]interface{})
	f.calls = append(f.calls, recordedCall{Router: router, Method: method, Input: inputMap})

	key := router + "." + method
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if resp, ok := f.responses[key]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeCaller) callCount(router, method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.calls {
		if c.Router == router && c.Method == method {
			n++
		}
	}
	return n
}

func (f *fakeCaller) lastCall() recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestDeps(t *testing.T, caller *fakeCaller) Deps {
	t.Helper()
	session, err := sessionctx.Build(sessionctx.BuildParams{
		TenantID:  "org-1",
		WebsiteID: "web-1",
		Domain:    "example.com",
		CallerID:  "user-1",
	})
	require.NoError(t, err)
	return Deps{Caller: caller, Session: session}
}

func findTool(t *testing.T, defs []toolexec.ToolDefinition, name string) toolexec.ToolDefinition {
	t.Helper()
	for _, def := range defs {
		if def.Name == name {
			return def
		}
	}
	t.Fatalf("tool %s not found", name)
	return toolexec.ToolDefinition{}
}

func TestRegisterAll(t *testing.T) {
	t.Run("should register the full catalog without conflicts", func(t *testing.T) {
		ex := toolexec.New(toolexec.NewGate(0))
		require.NoError(t, RegisterAll(ex, newTestDeps(t, newFakeCaller())))

		names := ex.ListTools()
		for _, expected := range []string{
			"list_annotations", "get_annotation_by_id", "create_annotation", "update_annotation", "delete_annotation",
			"list_funnels", "get_funnel_by_id", "get_funnel_analytics", "get_funnel_analytics_by_referrer",
			"create_funnel", "update_funnel", "delete_funnel",
			"list_goals", "get_goal_by_id", "get_goal_analytics", "create_goal", "update_goal", "delete_goal",
			"list_links", "get_link", "search_links", "create_link", "update_link", "delete_link",
			"run_query",
		} {
			assert.Contains(t, names, expected)
		}
	})

	t.Run("should require a caller and a session", func(t *testing.T) {
		ex := toolexec.New(toolexec.NewGate(0))
		require.Error(t, RegisterAll(ex, Deps{}))
	})
}

func TestFunnelTools(t *testing.T) {
	validSteps := []interface{}{
		map[string]interface{}{"type": "PAGE_VIEW", "target": "/signup", "name": "Sign Up Page"},
		map[string]interface{}{"type": "EVENT", "target": "purchase", "name": "Purchase"},
	}

	t.Run("should bind the session website on list", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["funnels.list"] = json.RawMessage(`[{"id":"f-1"},{"id":"f-2"}]`)
		deps := newTestDeps(t, caller)

		list := findTool(t, FunnelTools(deps), "list_funnels")
		out, err := list.Handler(context.Background(), map[string]interface{}{})
		require.NoError(t, err)

		assert.Equal(t, "web-1", caller.lastCall().Input["websiteId"])
		assert.Equal(t, 2, out.(map[string]interface{})["count"])
	})

	t.Run("should reject funnels with too few steps before calling the backend", func(t *testing.T) {
		caller := newFakeCaller()
		deps := newTestDeps(t, caller)

		create := findTool(t, FunnelTools(deps), "create_funnel")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"name": "Checkout",
			"steps": []interface{}{
				map[string]interface{}{"type": "PAGE_VIEW", "target": "/cart", "name": "Cart"},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "between 2 and 10 steps")
		assert.Empty(t, caller.calls, "validation failures must not reach the backend")
	})

	t.Run("should reject steps with an unknown type", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, FunnelTools(deps), "create_funnel")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"name": "Checkout",
			"steps": []interface{}{
				map[string]interface{}{"type": "CLICK", "target": "/cart", "name": "Cart"},
				map[string]interface{}{"type": "EVENT", "target": "purchase", "name": "Purchase"},
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid type")
	})

	t.Run("should commit a valid funnel create", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["funnels.create"] = json.RawMessage(`{"id":"f-9","name":"Checkout"}`)
		deps := newTestDeps(t, caller)

		create := findTool(t, FunnelTools(deps), "create_funnel")
		out, err := create.Commit(context.Background(), map[string]interface{}{
			"name":  "Checkout",
			"steps": validSteps,
		})
		require.NoError(t, err)
		assert.Equal(t, true, out.(map[string]interface{})["success"])
		assert.Equal(t, 1, caller.callCount("funnels", "create"))
		assert.Equal(t, "web-1", caller.lastCall().Input["websiteId"])
	})

	t.Run("should validate analytics date formats", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		analytics := findTool(t, FunnelTools(deps), "get_funnel_analytics")
		_, err := analytics.Handler(context.Background(), map[string]interface{}{
			"funnelId":  "f-1",
			"startDate": "15/01/2024",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "YYYY-MM-DD")
	})
}

func TestAnnotationTools(t *testing.T) {
	t.Run("should require RFC 3339 timestamps", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, AnnotationTools(deps), "create_annotation")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"chartType":      "metrics",
			"annotationType": "point",
			"xValue":         "yesterday",
			"text":           "Launch",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RFC 3339")
	})

	t.Run("should require an end timestamp for range annotations", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, AnnotationTools(deps), "create_annotation")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"chartType":      "metrics",
			"annotationType": "range",
			"xValue":         "2024-01-15T10:30:00Z",
			"text":           "Campaign",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "xEndValue")
	})

	t.Run("should cap annotation text at 500 characters", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, AnnotationTools(deps), "create_annotation")
		long := make([]byte, 501)
		for i := range long {
			long[i] = 'a'
		}
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"chartType":      "metrics",
			"annotationType": "point",
			"xValue":         "2024-01-15T10:30:00Z",
			"text":           string(long),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "500")
	})

	t.Run("should default the color on commit", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["annotations.create"] = json.RawMessage(`{"id":"a-1"}`)
		deps := newTestDeps(t, caller)

		create := findTool(t, AnnotationTools(deps), "create_annotation")
		_, err := create.Commit(context.Background(), map[string]interface{}{
			"chartType":      "metrics",
			"annotationType": "point",
			"xValue":         "2024-01-15T10:30:00Z",
			"text":           "Launch day",
		})
		require.NoError(t, err)
		assert.Equal(t, defaultAnnotationColor, caller.lastCall().Input["color"])
	})

	t.Run("should fetch the current annotation for a delete preview", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["annotations.getById"] = json.RawMessage(`{"id":"a-1","text":"Launch"}`)
		deps := newTestDeps(t, caller)

		del := findTool(t, AnnotationTools(deps), "delete_annotation")
		out, err := del.Preview(context.Background(), map[string]interface{}{"id": "a-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, caller.callCount("annotations", "getById"))
		assert.Contains(t, out.(map[string]interface{})["message"], "cannot be undone")
	})
}

func TestGoalTools(t *testing.T) {
	t.Run("should reject an update with no changes", func(t *testing.T) {
		caller := newFakeCaller()
		deps := newTestDeps(t, caller)

		update := findTool(t, GoalTools(deps), "update_goal")
		_, err := update.Preview(context.Background(), map[string]interface{}{"id": "g-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no changes")
		assert.Empty(t, caller.calls)
	})

	t.Run("should require a target on create", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, GoalTools(deps), "create_goal")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"name": "Purchases",
			"type": "EVENT",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "target")
	})
}

func TestLinkTools(t *testing.T) {
	websiteResponse := json.RawMessage(`{"id":"web-1","organizationId":"org-1"}`)

	t.Run("should resolve the organization once per tool set", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["websites.getById"] = websiteResponse
		caller.responses["links.list"] = json.RawMessage(`[]`)
		deps := newTestDeps(t, caller)

		defs := LinkTools(deps)
		list := findTool(t, defs, "list_links")

		_, err := list.Handler(context.Background(), map[string]interface{}{})
		require.NoError(t, err)
		_, err = list.Handler(context.Background(), map[string]interface{}{})
		require.NoError(t, err)

		assert.Equal(t, 1, caller.callCount("websites", "getById"))
		assert.Equal(t, 2, caller.callCount("links", "list"))
	})

	t.Run("should fail when the website has no organization", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["websites.getById"] = json.RawMessage(`{"id":"web-1"}`)
		deps := newTestDeps(t, caller)

		list := findTool(t, LinkTools(deps), "list_links")
		_, err := list.Handler(context.Background(), map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "organization")
	})

	t.Run("should retry the organization lookup after a transient failure", func(t *testing.T) {
		caller := newFakeCaller()
		caller.errs["websites.getById"] = fmt.Errorf("connection reset")
		caller.responses["links.list"] = json.RawMessage(`[]`)
		deps := newTestDeps(t, caller)

		defs := LinkTools(deps)
		list := findTool(t, defs, "list_links")

		_, err := list.Handler(context.Background(), map[string]interface{}{})
		require.Error(t, err)

		delete(caller.errs, "websites.getById")
		caller.responses["websites.getById"] = websiteResponse

		_, err = list.Handler(context.Background(), map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, 2, caller.callCount("websites", "getById"))
	})

	t.Run("should validate slugs", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, LinkTools(deps), "create_link")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"name":      "Sale",
			"targetUrl": "https://example.com/sale",
			"slug":      "a b",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "slug")
	})

	t.Run("should validate the target URL", func(t *testing.T) {
		deps := newTestDeps(t, newFakeCaller())
		create := findTool(t, LinkTools(deps), "create_link")
		_, err := create.Preview(context.Background(), map[string]interface{}{
			"name":      "Sale",
			"targetUrl": "not-a-url",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "targetUrl")
	})

	t.Run("should filter links on search", func(t *testing.T) {
		caller := newFakeCaller()
		caller.responses["websites.getById"] = websiteResponse
		caller.responses["links.list"] = json.RawMessage(`[
			{"id":"l-1","name":"Black Friday","slug":"bf","targetUrl":"https://example.com/sale"},
			{"id":"l-2","name":"Docs","slug":"docs","targetUrl":"https://docs.example.com"}
		]`)
		deps := newTestDeps(t, caller)

		search := findTool(t, LinkTools(deps), "search_links")
		out, err := search.Handler(context.Background(), map[string]interface{}{"query": "friday"})
		require.NoError(t, err)
		assert.Equal(t, 1, out.(map[string]interface{})["count"])
	})
}

func TestToolErrorsPropagate(t *testing.T) {
	caller := newFakeCaller()
	caller.errs["goals.list"] = fmt.Errorf("boom")
	deps := newTestDeps(t, caller)

	list := findTool(t, GoalTools(deps), "list_goals")
	_, err := list.Handler(context.Background(), map[string]interface{}{})
	require.Error(t, err)
}
