package assistant

import (
	"fmt"

	"github.com/sightlinehq/sightline/internal/config"
	"github.com/sightlinehq/sightline/pkg/agent"
	"github.com/sightlinehq/sightline/pkg/memorytier"
	"github.com/sightlinehq/sightline/pkg/sessionctx"
)

// Agent names. Handoff targets and model-tier routing refer to these.
const (
	AgentTriage        = "triage"
	AgentAnalytics     = "analytics"
	AgentFunnels       = "funnels"
	AgentReflection    = "reflection"
	AgentReflectionMax = "reflection-max"
)

// DelegateToolName is the tool through which reflection agents put a focused
// question to the analytics specialist.
const DelegateToolName = "ask_analytics_agent"

// Model tiers a client may request on the chat endpoint.
const (
	TierDefault  = ""
	TierChat     = "chat"
	TierAgent    = "agent"
	TierAgentMax = "agent-max"
)

var analyticsReadTools = []string{
	"run_query",
	"list_annotations", "get_annotation_by_id",
	"list_goals", "get_goal_by_id", "get_goal_analytics",
	"list_links", "get_link", "search_links",
}

var analyticsWriteTools = []string{
	"create_annotation", "update_annotation", "delete_annotation",
	"create_goal", "update_goal", "delete_goal",
	"create_link", "update_link", "delete_link",
}

var analyticsTools = append(append([]string{}, analyticsReadTools...), analyticsWriteTools...)

var funnelTools = []string{
	"run_query",
	"list_funnels", "get_funnel_by_id",
	"get_funnel_analytics", "get_funnel_analytics_by_referrer",
	"create_funnel", "update_funnel", "delete_funnel",
}

// Catalog holds the agent definitions for one run, with instructions already
// closed over the run's session context.
type Catalog struct {
	defs map[string]agent.Definition
}

// NewCatalog builds the agent catalog for a session.
func NewCatalog(models config.ModelsConfig, session *sessionctx.SessionContext) *Catalog {
	defs := map[string]agent.Definition{
		AgentTriage: {
			Name:         AgentTriage,
			Model:        models.Router,
			Instructions: triageInstructions(session),
			Handoffs:     []string{AgentAnalytics, AgentFunnels, AgentReflection},
			MaxTurns:     1,
			PinnedTool:   agent.HandoffToolName,
			MemoryTier:   memorytier.TierMinimal,
		},
		AgentAnalytics: {
			Name:         AgentAnalytics,
			Model:        models.Specialist,
			Instructions: analyticsInstructions(session),
			Tools:        analyticsTools,
			Handoffs:     []string{AgentFunnels},
			MaxTurns:     8,
			MaxSteps:     24,
			MemoryTier:   memorytier.TierStandard,
		},
		AgentFunnels: {
			Name:         AgentFunnels,
			Model:        models.Specialist,
			Instructions: funnelsInstructions(session),
			Tools:        funnelTools,
			Handoffs:     []string{AgentAnalytics},
			MaxTurns:     8,
			MaxSteps:     24,
			MemoryTier:   memorytier.TierStandard,
		},
		AgentReflection: {
			Name:         AgentReflection,
			Model:        models.Specialist,
			Instructions: reflectionInstructions(session),
			Tools:        []string{DelegateToolName},
			MaxTurns:     6,
			MaxSteps:     12,
			MemoryTier:   memorytier.TierExtended,
		},
		AgentReflectionMax: {
			Name:         AgentReflectionMax,
			Model:        models.Max,
			Instructions: reflectionInstructions(session),
			Tools:        []string{DelegateToolName},
			MaxTurns:     10,
			MaxSteps:     30,
			MemoryTier:   memorytier.TierMaximum,
		},
	}

	return &Catalog{defs: defs}
}

// Get returns the definition for a named agent.
func (c *Catalog) Get(name string) (agent.Definition, error) {
	def, ok := c.defs[name]
	if !ok {
		return agent.Definition{}, fmt.Errorf("unknown agent %q", name)
	}
	return def, nil
}

// Entry resolves the requested model tier to its entry agent.
func (c *Catalog) Entry(tier string) (agent.Definition, error) {
	switch tier {
	case TierDefault, TierChat:
		return c.Get(AgentTriage)
	case TierAgent:
		return c.Get(AgentAnalytics)
	case TierAgentMax:
		return c.Get(AgentReflectionMax)
	default:
		return agent.Definition{}, fmt.Errorf("unknown model tier %q", tier)
	}
}

// Delegate returns the definition the reflection agents drive through
// ask_analytics_agent: the analytics specialist without its own handoffs, so
// a delegation always comes back with an answer. The delegate is also
// read-only: a mutation previewed inside a sub-run mints a confirmation
// token bound to that sub-run's id, and the user's confirmation arrives in a
// later request under a fresh id, so it could never be committed.
func (c *Catalog) Delegate() (agent.Definition, error) {
	def, err := c.Get(AgentAnalytics)
	if err != nil {
		return agent.Definition{}, err
	}
	def.Handoffs = nil
	def.Tools = analyticsReadTools
	return def, nil
}
