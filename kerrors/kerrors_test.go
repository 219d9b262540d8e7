package kerrors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecoverable_ConstructionErrorsAreNot(t *testing.T) {
	for _, k := range []Kind{KindBadTrack, KindBadConfig, KindBadGrid} {
		err := New(k, "bad input", nil)
		require.False(t, err.Recoverable(), "%s should not be recoverable", k)
	}
}

func TestRecoverable_PerTickErrorsAreAfterRollback(t *testing.T) {
	for _, k := range []Kind{KindNumericalBlowup, KindInvariantViolation} {
		err := New(k, "tick aborted", nil)
		require.True(t, err.Recoverable(), "%s should be recoverable once the tick rolls back", k)
	}
}

func TestError_WrapsCauseInMessage(t *testing.T) {
	cause := New(KindBadConfig, "inner", nil)
	err := New(KindBadTrack, "outer", cause)
	require.ErrorContains(t, err, "outer")
	require.ErrorContains(t, err, "inner")
	require.ErrorIs(t, err, cause)
}
