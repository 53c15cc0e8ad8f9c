package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/runtime/fault"
)

func TestGateAdmitsUpToLimit(t *testing.T) {
	g := NewGate(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Enter())
	}
	assert.Equal(t, 3, g.InFlight())

	err := g.Enter()
	require.Error(t, err)
	assert.Equal(t, fault.Backpressure, fault.KindOf(err))
	assert.Equal(t, "too_many_requests", fault.CodeOf(err, ""))
	assert.True(t, fault.IsRetryable(err), "backpressure is retryable")
}

func TestGateLeaveReopensSlot(t *testing.T) {
	g := NewGate(1)
	require.NoError(t, g.Enter())
	require.Error(t, g.Enter())

	g.Leave()
	require.NoError(t, g.Enter())
	assert.Equal(t, 1, g.InFlight())
}

func TestGateLeaveNeverGoesNegative(t *testing.T) {
	g := NewGate(2)
	g.Leave()
	g.Leave()
	assert.Equal(t, 0, g.InFlight())

	require.NoError(t, g.Enter())
	require.NoError(t, g.Enter())
	require.Error(t, g.Enter())
}

func TestGateDefaultLimit(t *testing.T) {
	g := NewGate(0)
	for i := 0; i < DefaultMaxInFlight; i++ {
		require.NoError(t, g.Enter())
	}
	require.Error(t, g.Enter())
}
