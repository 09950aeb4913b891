package memorytier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Run("should map each tier to its turn window", func(t *testing.T) {
		cases := map[Tier]int{
			TierMinimal:  0,
			TierStandard: 10,
			TierExtended: 25,
			TierMaximum:  50,
		}
		for tier, want := range cases {
			got, err := Resolve(tier)
			require.NoError(t, err)
			assert.Equal(t, want, got, "tier %s", tier)
		}
	})

	t.Run("should default empty tier to standard", func(t *testing.T) {
		got, err := Resolve("")
		require.NoError(t, err)
		assert.Equal(t, 10, got)
	})

	t.Run("should reject unknown tiers", func(t *testing.T) {
		_, err := Resolve("infinite")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "infinite")
	})
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(""))
	assert.True(t, Valid(TierMaximum))
	assert.False(t, Valid("deep"))
}
