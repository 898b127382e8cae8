package tideswap

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tidewallet/tideswap/swap"
)

// SwapInfo exposes the relevant information of an ongoing or finished swap
// to callers of the client API.
type SwapInfo struct {
	// SwapType is the kind of the swap.
	SwapType swap.Type

	// SwapID is the server-assigned swap id.
	SwapID string

	// State is the current payment state.
	State swap.PaymentState

	// CreatedAt is the creation time of the swap.
	CreatedAt time.Time

	// LastUpdate is the time of the last local mutation.
	LastUpdate time.Time

	// PayerAmount is the amount locked up by the payer, in sat.
	PayerAmount btcutil.Amount

	// ReceiverAmount is the amount claimed by the receiver, in sat.
	ReceiverAmount btcutil.Amount

	// LockupTxID is the observed lockup transaction, if any.
	LockupTxID *chainhash.Hash

	// ClaimTxID is the broadcast or observed claim transaction, if any.
	ClaimTxID *chainhash.Hash

	// RefundTxID is the broadcast refund transaction, if any.
	RefundTxID *chainhash.Hash

	// Invoice is the Lightning invoice tied to the swap, if any. For
	// receive swaps this is the invoice the counterparty pays.
	Invoice string

	// LockupAddress is the address lockup funds go to.
	LockupAddress string
}

// newSwapInfo summarizes a swap for the client API.
func newSwapInfo(s *swap.Swap) *SwapInfo {
	info := &SwapInfo{
		SwapType:   s.Type(),
		SwapID:     s.ID(),
		State:      s.State(),
		LastUpdate: s.UpdatedAt(),
	}

	switch {
	case s.Send != nil:
		info.CreatedAt = s.Send.CreatedAt
		info.PayerAmount = s.Send.PayerAmount
		info.ReceiverAmount = s.Send.ReceiverAmount
		info.LockupTxID = s.Send.LockupTxID
		info.RefundTxID = s.Send.RefundTxID
		info.Invoice = s.Send.Invoice
		info.LockupAddress = s.Send.LockupAddress

	case s.Receive != nil:
		info.CreatedAt = s.Receive.CreatedAt
		info.PayerAmount = s.Receive.PayerAmount
		info.ReceiverAmount = s.Receive.ReceiverAmount
		info.LockupTxID = s.Receive.LockupTxID
		info.ClaimTxID = s.Receive.ClaimTxID
		info.Invoice = s.Receive.Invoice
		info.LockupAddress = s.Receive.LockupAddress

	case s.Chain != nil:
		info.CreatedAt = s.Chain.CreatedAt
		info.PayerAmount = s.Chain.PayerAmount
		info.ReceiverAmount = s.Chain.ReceiverAmount
		info.LockupTxID = s.Chain.UserLockupTxID
		info.ClaimTxID = s.Chain.ClaimTxID
		info.RefundTxID = s.Chain.RefundTxID
		info.LockupAddress = s.Chain.LockupAddress
	}

	return info
}
