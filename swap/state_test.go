package swap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var allStates = []PaymentState{
	StateCreated, StatePending, StateWaitingFeeAcceptance, StateComplete,
	StateRefundable, StateRefundPending, StateFailed,
}

// TestValidateTransition checks the full transition table against the
// allowed set.
func TestValidateTransition(t *testing.T) {
	allowed := map[PaymentState][]PaymentState{
		StatePending: {
			StateCreated, StatePending, StateWaitingFeeAcceptance,
		},
		StateWaitingFeeAcceptance: {
			StateCreated, StatePending, StateWaitingFeeAcceptance,
		},
		StateComplete: {
			StateCreated, StatePending,
		},
		StateRefundable: {
			StateCreated, StatePending, StateWaitingFeeAcceptance,
			StateRefundable, StateRefundPending,
		},
		StateRefundPending: {
			StateCreated, StatePending, StateWaitingFeeAcceptance,
			StateRefundable, StateRefundPending,
		},
		StateFailed: {
			StateCreated, StatePending, StateWaitingFeeAcceptance,
			StateRefundable, StateRefundPending, StateFailed,
		},
	}

	for _, from := range allStates {
		for _, to := range allStates {
			var ok bool
			for _, validFrom := range allowed[to] {
				if from == validFrom {
					ok = true
				}
			}

			err := ValidateTransition(from, to)
			if ok {
				require.NoError(t, err, "%v -> %v", from, to)
			} else {
				require.Error(t, err, "%v -> %v", from, to)
			}
		}
	}
}

// TestCompletedSwapsStayCompleted pins the two hard rules of the graph: a
// completed swap never fails and nothing re-enters Created.
func TestCompletedSwapsStayCompleted(t *testing.T) {
	require.Error(t, ValidateTransition(StateComplete, StateFailed))

	for _, from := range allStates {
		require.Error(t, ValidateTransition(from, StateCreated))
	}
}

func TestIsFinal(t *testing.T) {
	for _, state := range allStates {
		final := state == StateComplete || state == StateFailed
		require.Equal(t, final, state.IsFinal(), state)
	}
}
