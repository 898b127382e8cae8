package swap

import "fmt"

// PaymentState indicates the current state of a swap. A single enumeration is
// used for all three swap types to be able to reduce code duplication that
// would otherwise be required.
type PaymentState uint8

const (
	// StateCreated is the initial state of a swap. At that point, the
	// swap request has been accepted by the server and the swap has been
	// persisted, but no funds have moved on either chain.
	StateCreated PaymentState = 0

	// StatePending is reached when a lockup transaction has been observed
	// for the swap. The lockup may still be unconfirmed, or confirmed but
	// not yet claimed.
	StatePending PaymentState = 1

	// StateWaitingFeeAcceptance is reached when the server adjusted the
	// swap amount in flight and user approval of the new fees is required
	// before the swap can proceed.
	StateWaitingFeeAcceptance PaymentState = 2

	// StateComplete is the final success state. It is only set once the
	// claim transaction has been independently observed confirmed
	// on-chain.
	StateComplete PaymentState = 3

	// StateRefundable indicates that the lockup has expired or failed
	// without a claim and the locked funds are eligible for refund.
	StateRefundable PaymentState = 4

	// StateRefundPending indicates that a refund transaction has been
	// broadcast but is not yet confirmed. If the broadcast is evicted or
	// double-spent the swap regresses to StateRefundable.
	StateRefundPending PaymentState = 5

	// StateFailed is the final failure state. For swaps that were
	// refunded, the refund transaction has confirmed.
	StateFailed PaymentState = 6
)

// String returns the string representation of the payment state.
func (s PaymentState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StatePending:
		return "Pending"
	case StateWaitingFeeAcceptance:
		return "WaitingFeeAcceptance"
	case StateComplete:
		return "Complete"
	case StateRefundable:
		return "Refundable"
	case StateRefundPending:
		return "RefundPending"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsFinal returns true if the swap is in a terminal state.
func (s PaymentState) IsFinal() bool {
	return s == StateComplete || s == StateFailed
}

// ValidateTransition returns an error if moving a swap from state from to
// state to would violate the state graph. Transitions are monotonic forward
// except that Pending may regress to Refundable on timeout expiry and
// RefundPending may regress to Refundable when a refund broadcast is evicted.
func ValidateTransition(from, to PaymentState) error {
	switch to {
	case StateCreated:
		return fmt.Errorf("cannot transition from %v to Created", from)

	case StatePending:
		switch from {
		case StateCreated, StatePending, StateWaitingFeeAcceptance:
			return nil
		}

	case StateWaitingFeeAcceptance:
		switch from {
		case StateCreated, StatePending, StateWaitingFeeAcceptance:
			return nil
		}

	case StateComplete:
		switch from {
		case StateCreated, StatePending:
			return nil
		}

	case StateRefundable:
		switch from {
		case StateCreated, StatePending, StateWaitingFeeAcceptance,
			StateRefundable, StateRefundPending:

			return nil
		}

	case StateRefundPending:
		switch from {
		case StateCreated, StatePending, StateWaitingFeeAcceptance,
			StateRefundable, StateRefundPending:

			return nil
		}

	case StateFailed:
		if from != StateComplete {
			return nil
		}
	}

	return fmt.Errorf("cannot transition from %v to %v", from, to)
}
