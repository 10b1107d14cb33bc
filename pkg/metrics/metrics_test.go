package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelGuardCapsCardinality(t *testing.T) {
	g := NewLabelGuard(2, 100)
	assert.Equal(t, "a", g.Label("a"))
	assert.Equal(t, "b", g.Label("b"))
	assert.Equal(t, overflowLabel, g.Label("c"))
	// previously-seen values remain stable even after overflow begins
	assert.Equal(t, "a", g.Label("a"))
}

func TestLabelGuardPairCap(t *testing.T) {
	g := NewLabelGuard(100, 1)
	tenant, bot := g.Pair("t1", "b1")
	assert.Equal(t, "t1", tenant)
	assert.Equal(t, "b1", bot)

	tenant2, bot2 := g.Pair("t1", "b2")
	assert.Equal(t, "t1", tenant2)
	assert.Equal(t, overflowLabel, bot2)
}

func TestRegistryObservationsNeverPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg, 1000, 1000)

	require.NotPanics(t, func() {
		r.ObserveRequest("/guardrail/evaluate")
		r.ObserveDecision("deny", "block", "t1", "b1")
		r.ObserveReplayCount(3)
		r.IncTouches()
		r.IncStuckLocks()
		r.SetDLQLength(5)
		r.ObserveRouterRank("t1", "b1")
		r.SetArmMode("normal", []string{"normal", "egress_only", "execute_locked", "full_quarantine"})
		r.ObserveArmTransition("normal", "execute_locked")
	})
}

func TestRegistryDoubleRegisterDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() {
		NewRegistry(reg, 0, 0)
		NewRegistry(reg, 0, 0) // duplicate registration is swallowed, not fatal
	})
}
