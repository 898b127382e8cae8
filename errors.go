package tideswap

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrClientNotStarted is returned when an operation is attempted
	// before Run has completed its initialization.
	ErrClientNotStarted = errors.New("client not started")

	// ErrAlreadyClaimed is returned when a claim is attempted for a swap
	// whose claim transaction was already broadcast.
	ErrAlreadyClaimed = errors.New("swap already claimed")

	// ErrAlreadyPaid is returned when an action is attempted on a swap
	// that already completed.
	ErrAlreadyPaid = errors.New("swap already paid")

	// ErrPaymentInProgress is returned when a lockup is attempted for a
	// swap that already has a lockup transaction.
	ErrPaymentInProgress = errors.New("payment already in progress")

	// ErrRefundInProgress is returned when a refund is attempted for a
	// swap that already has a refund transaction.
	ErrRefundInProgress = errors.New("refund already in progress")

	// ErrAmountOutOfRange is returned when a swap amount falls outside
	// the limits of the current pair.
	ErrAmountOutOfRange = errors.New("amount out of range")

	// ErrInvalidInvoice is returned when an invoice cannot be decoded or
	// does not match the swap parameters.
	ErrInvalidInvoice = errors.New("invalid invoice")

	// ErrInvalidPreimage is returned when a preimage does not hash to the
	// committed swap hash.
	ErrInvalidPreimage = errors.New("invalid preimage")

	// ErrInsufficientFunds is returned by the wallet when it cannot fund
	// a lockup transaction.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidOrExpiredFees is returned when the server rejects a
	// pinned fee schedule.
	ErrInvalidOrExpiredFees = errors.New("invalid or expired fees")

	// ErrPairsNotFound is returned when the server has no pair for the
	// requested swap kind.
	ErrPairsNotFound = errors.New("pairs not found")

	// ErrPaymentTimeout is returned when the server stays unresponsive
	// past the request timeout bound.
	ErrPaymentTimeout = errors.New("payment timed out")

	// ErrFeesNotAccepted is returned when an action requires the swap to
	// await fee acceptance but it does not.
	ErrFeesNotAccepted = errors.New("swap is not waiting for fee " +
		"acceptance")
)

// Stage identifies the operation stage a failure occurred in.
type Stage uint8

const (
	// StagePersist covers swap store reads and writes.
	StagePersist Stage = iota

	// StageSigner covers key derivation and signing.
	StageSigner

	// StageReceive covers receive-side swap operations.
	StageReceive

	// StageSend covers send-side swap operations.
	StageSend
)

// String returns the string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StagePersist:
		return "persist"
	case StageSigner:
		return "signer"
	case StageReceive:
		return "receive"
	case StageSend:
		return "send"
	default:
		return "unknown"
	}
}

// StageError tags an underlying failure with the operation stage it occurred
// in.
type StageError struct {
	// Stage is the stage the failure occurred in.
	Stage Stage

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%v error: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying failure.
func (e *StageError) Unwrap() error {
	return e.Err
}

func persistError(err error) error {
	return &StageError{Stage: StagePersist, Err: err}
}

func signerError(err error) error {
	return &StageError{Stage: StageSigner, Err: err}
}

func receiveError(err error) error {
	return &StageError{Stage: StageReceive, Err: err}
}

func sendError(err error) error {
	return &StageError{Stage: StageSend, Err: err}
}

// RefundedError reports that a swap did not complete but its locked funds
// were recovered. It is a terminal outcome, not a failure.
type RefundedError struct {
	// Reason is the server status that triggered the refund.
	Reason string

	// RefundTxID is the broadcast refund transaction.
	RefundTxID chainhash.Hash
}

// Error implements the error interface.
func (e *RefundedError) Error() string {
	return fmt.Sprintf("swap refunded (%v): refund tx %v", e.Reason,
		e.RefundTxID)
}
