package breaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solatis/synthkeeper/internal/types"
)

func TestBreaker_OpensAfterFatalThreshold(t *testing.T) {
	b := New(Config{MaxFatalErrors: 2, MaxTransitoryErrors: 20, ResetOnSuccess: true}, nil)
	calls := 0
	failing := func() error {
		calls++
		return types.NewMissingDependency("sensor.gone")
	}

	for i := 0; i < 2; i++ {
		err := b.Execute("power", failing)
		require.Equal(t, types.KindMissingDependency, types.KindOf(err))
	}

	err := b.Execute("power", failing)
	require.ErrorIs(t, err, types.ErrCircuitOpen)
	require.Equal(t, 2, calls, "evaluator must not run while the circuit is open")
	require.Equal(t, []string{"power"}, b.Open())
}

func TestBreaker_TransitoryNeverOpens(t *testing.T) {
	b := New(Config{MaxFatalErrors: 1, MaxTransitoryErrors: 3}, nil)
	for i := 0; i < 5; i++ {
		b.Record("power", types.NewTransitory("sensor.a", types.StateUnavailable))
	}
	require.NoError(t, b.Allow("power"))

	st := b.Status("power")
	require.Equal(t, 5, st.Transitory)
	require.True(t, st.Degraded)
	require.False(t, st.Open)
}

func TestBreaker_SelfReferenceIsNotFatal(t *testing.T) {
	b := New(Config{MaxFatalErrors: 1}, nil)
	b.Record("power", types.NewSelfReferenceUnavailable("power"))
	require.NoError(t, b.Allow("power"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(Config{MaxFatalErrors: 2, ResetOnSuccess: true}, nil)
	b.Record("power", types.NewEvaluationError(errors.New("x")))
	b.Record("power", nil)
	b.Record("power", types.NewEvaluationError(errors.New("x")))
	require.NoError(t, b.Allow("power"))
	require.Equal(t, 1, b.Status("power").Fatal)
}

func TestBreaker_NoResetOnSuccess(t *testing.T) {
	b := New(Config{MaxFatalErrors: 2, ResetOnSuccess: false}, nil)
	b.Record("power", types.NewEvaluationError(errors.New("x")))
	b.Record("power", nil)
	b.Record("power", types.NewEvaluationError(errors.New("x")))
	require.ErrorIs(t, b.Allow("power"), types.ErrCircuitOpen)
}

func TestBreaker_FormulasIsolated(t *testing.T) {
	b := New(Config{MaxFatalErrors: 1}, nil)
	b.Record("a", types.NewMissingDependency("x"))
	require.Error(t, b.Allow("a"))
	require.NoError(t, b.Allow("b"))

	b.Reset("a")
	require.NoError(t, b.Allow("a"))
}

func TestBreaker_CircuitOpenNotRecounted(t *testing.T) {
	b := New(Config{MaxFatalErrors: 1}, nil)
	b.Record("a", types.NewMissingDependency("x"))
	b.Record("a", types.NewCircuitOpen("a", 1))
	require.Equal(t, 1, b.Status("a").Fatal)

	snap := b.Snapshot()
	require.True(t, snap["a"].Open)
	b.ResetAll()
	require.Empty(t, b.Snapshot())
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(Config{}, nil)
	for i := 0; i < 4; i++ {
		b.Record("a", types.NewMissingDependency("x"))
	}
	require.NoError(t, b.Allow("a"))
	b.Record("a", types.NewMissingDependency("x"))
	require.Error(t, b.Allow("a"))
}
