// Package memorytier maps a requested conversation-memory tier to the number
// of prior turns loaded into an agent run. Resolution is a pure lookup so the
// same request always yields the same window regardless of runtime state.
package memorytier

import "fmt"

// Tier names a conversation-memory depth requested by the caller.
type Tier string

const (
	TierMinimal  Tier = "minimal"
	TierStandard Tier = "standard"
	TierExtended Tier = "extended"
	TierMaximum  Tier = "maximum"
)

// DefaultTier is applied when the caller does not request a tier.
const DefaultTier = TierStandard

var turnLimits = map[Tier]int{
	TierMinimal:  0,
	TierStandard: 10,
	TierExtended: 25,
	TierMaximum:  50,
}

// Resolve returns the maximum number of prior turns to load for the given
// tier. An empty tier resolves to DefaultTier; an unrecognized tier is an
// error rather than a silent fallback.
func Resolve(tier Tier) (int, error) {
	if tier == "" {
		tier = DefaultTier
	}
	limit, ok := turnLimits[tier]
	if !ok {
		return 0, fmt.Errorf("unknown memory tier %q", tier)
	}
	return limit, nil
}

// Valid reports whether the tier is one of the recognized names. The empty
// tier is valid because Resolve substitutes the default for it.
func Valid(tier Tier) bool {
	if tier == "" {
		return true
	}
	_, ok := turnLimits[tier]
	return ok
}
