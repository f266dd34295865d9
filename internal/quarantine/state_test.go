package quarantine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_HappyPath(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateScanning))
	assert.True(t, CanTransition(StateScanning, StateClean))
	assert.True(t, CanTransition(StateClean, StatePromoted))
	assert.True(t, CanTransition(StatePending, StateClean)) // scanning disabled
}

func TestCanTransition_TerminalStatesAreSealed(t *testing.T) {
	terminals := []State{StatePromoted, StateInfected, StateExpired}
	all := []State{StatePending, StateScanning, StateClean, StatePromoted, StateInfected, StateFailed, StateExpired}

	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestCanTransition_NoBackwardsEdges(t *testing.T) {
	assert.False(t, CanTransition(StateScanning, StatePending))
	assert.False(t, CanTransition(StateClean, StateScanning))
	assert.False(t, CanTransition(StateClean, StatePending))
	// failed may only be reclaimed by expiry
	assert.False(t, CanTransition(StateFailed, StatePending))
	assert.True(t, CanTransition(StateFailed, StateExpired))
}

func TestParseState(t *testing.T) {
	st, err := ParseState("scanning")
	require.NoError(t, err)
	assert.Equal(t, StateScanning, st)

	_, err = ParseState("turbo")
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StatePromoted.Terminal())
	assert.True(t, StateInfected.Terminal())
	assert.True(t, StateExpired.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateScanning.Terminal())
	assert.False(t, StateClean.Terminal())
}
