package swap

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Contract contains the fields common to all swap types. The server-assigned
// id is stable for the lifetime of the swap and is the primary key under
// which the swap is persisted.
type Contract struct {
	// ID is the server-assigned swap id.
	ID string

	// CreatedAt is the creation time of the swap.
	CreatedAt time.Time

	// UpdatedAt is the time of the last local mutation. Chain-derived
	// reconciliation backs off from swaps that were touched within the
	// network propagation grace period.
	UpdatedAt time.Time

	// State is the current payment state of the swap.
	State PaymentState

	// PreimageHash is the hash committed in the lockup script.
	PreimageHash lntypes.Hash

	// Preimage is the secret whose revelation authorizes the claim. For
	// Send and outgoing Chain swaps it is unknown until revealed by the
	// server's cooperative claim. For Receive and incoming Chain swaps it
	// is generated locally and secret until the claim tx is broadcast.
	Preimage *lntypes.Preimage

	// CreateResponse is the server's swap-parameters blob, kept verbatim
	// so the lockup script can be reconstructed deterministically.
	CreateResponse string
}

// SendSwap tracks an outgoing swap: the wallet locks up funds on the home
// chain and the server pays a Lightning invoice.
type SendSwap struct {
	Contract

	// Invoice is the invoice the server has agreed to pay.
	Invoice string

	// PayerAmount is the amount sent to the lockup address, in sat.
	PayerAmount btcutil.Amount

	// ReceiverAmount is the invoice amount, in sat.
	ReceiverAmount btcutil.Amount

	// LockupAddress is the address of the swap script output.
	LockupAddress string

	// RefundKey is the per-swap private key able to spend the refund
	// path of the lockup script.
	RefundKey KeyDescriptor

	// ClaimPubKey is the server's claim public key.
	ClaimPubKey [33]byte

	// TimeoutBlockHeight is the absolute height at which the refund path
	// becomes spendable.
	TimeoutBlockHeight uint32

	// LockupTxID is the observed lockup transaction, if any.
	LockupTxID *chainhash.Hash

	// RefundTxID is the broadcast refund transaction, if any.
	RefundTxID *chainhash.Hash

	// RefundAddress is an optional user-provided refund destination.
	RefundAddress string
}

// ReceiveSwap tracks an incoming swap: the server locks up funds on the home
// chain against an invoice payable by the counterparty, and the wallet
// claims them.
type ReceiveSwap struct {
	Contract

	// Invoice is the invoice handed out for payment.
	Invoice string

	// PayerAmount is the invoice amount, in sat.
	PayerAmount btcutil.Amount

	// ReceiverAmount is the amount the wallet will claim, in sat.
	ReceiverAmount btcutil.Amount

	// ClaimKey is the per-swap private key able to spend the claim path
	// of the lockup script. It is never shared with the server.
	ClaimKey KeyDescriptor

	// RefundPubKey is the server's refund public key.
	RefundPubKey [33]byte

	// ClaimAddress is the wallet address the claim pays to.
	ClaimAddress string

	// LockupAddress is the address of the swap script output.
	LockupAddress string

	// TimeoutBlockHeight is the absolute height at which the server can
	// take its locked funds back.
	TimeoutBlockHeight uint32

	// LockupTxID is the observed server lockup transaction, if any.
	LockupTxID *chainhash.Hash

	// ClaimTxID is the broadcast claim transaction, if any. The swap only
	// becomes Complete once it confirms.
	ClaimTxID *chainhash.Hash
}

// ChainSwap tracks a cross-chain swap. Depending on the direction, the roles
// of the lockup and claim scripts invert between the two chains.
type ChainSwap struct {
	Contract

	// Direction indicates which way funds move, as seen from the home
	// chain.
	Direction Direction

	// PayerAmount is the amount locked up by the payer, in sat.
	PayerAmount btcutil.Amount

	// ReceiverAmount is the amount claimed by the receiver, in sat.
	ReceiverAmount btcutil.Amount

	// ActualPayerAmount is the server-adjusted payer amount for swaps in
	// StateWaitingFeeAcceptance, if any.
	ActualPayerAmount btcutil.Amount

	// LockupAddress is the swap script address on the lockup chain.
	LockupAddress string

	// ClaimAddress is the destination of the claim transaction.
	ClaimAddress string

	// ClaimKey is the per-swap private key for the claim path on the
	// claim chain.
	ClaimKey KeyDescriptor

	// RefundKey is the per-swap private key for the refund path on the
	// lockup chain.
	RefundKey KeyDescriptor

	// ServerPubKey is the server's key on both scripts.
	ServerPubKey [33]byte

	// LockupTimeoutHeight is the refund timeout on the lockup chain.
	LockupTimeoutHeight uint32

	// ClaimTimeoutHeight is the refund timeout on the claim chain.
	ClaimTimeoutHeight uint32

	// UserLockupTxID is the lockup tx broadcast by the paying side.
	UserLockupTxID *chainhash.Hash

	// ServerLockupTxID is the lockup tx broadcast by the server on the
	// claim chain.
	ServerLockupTxID *chainhash.Hash

	// ClaimTxID is the claim transaction, if any. The swap only becomes
	// Complete once it confirms.
	ClaimTxID *chainhash.Hash

	// RefundTxID is the refund transaction, if any.
	RefundTxID *chainhash.Hash

	// RefundAddress is an optional user-provided refund destination.
	RefundAddress string
}

// Swap is the tagged union over the three swap variants. Exactly one of the
// kind fields is non-nil.
type Swap struct {
	Send    *SendSwap
	Receive *ReceiveSwap
	Chain   *ChainSwap
}

// Type returns the variant tag of the swap.
func (s *Swap) Type() Type {
	switch {
	case s.Send != nil:
		return TypeSend
	case s.Receive != nil:
		return TypeReceive
	default:
		return TypeChain
	}
}

// ID returns the server-assigned id of the swap.
func (s *Swap) ID() string {
	return s.contract().ID
}

// State returns the current payment state of the swap.
func (s *Swap) State() PaymentState {
	return s.contract().State
}

// SetState sets the payment state of the swap.
func (s *Swap) SetState(state PaymentState) {
	s.contract().State = state
}

// Touch records a local mutation timestamp.
func (s *Swap) Touch(now time.Time) {
	s.contract().UpdatedAt = now
}

// UpdatedAt returns the time of the last local mutation.
func (s *Swap) UpdatedAt() time.Time {
	return s.contract().UpdatedAt
}

func (s *Swap) contract() *Contract {
	switch {
	case s.Send != nil:
		return &s.Send.Contract
	case s.Receive != nil:
		return &s.Receive.Contract
	case s.Chain != nil:
		return &s.Chain.Contract
	default:
		panic("swap without variant")
	}
}
