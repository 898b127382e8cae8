package tideswap

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tideswap/recovery"
	"github.com/tidewallet/tideswap/swap"
)

// Pair kinds understood by the server's fee schedule endpoint.
const (
	pairSend    = "send"
	pairReceive = "receive"
	pairChain   = "chain"
)

// SendSwapRequest contains the required parameters for a send swap.
type SendSwapRequest struct {
	// Invoice is the invoice the server shall pay.
	Invoice string

	// RefundAddress is an optional destination for a refund of the
	// lockup. Defaults to a fresh wallet address.
	RefundAddress string

	// PairHash optionally pins a previously quoted fee schedule.
	PairHash string
}

// ReceiveSwapRequest contains the required parameters for a receive swap.
type ReceiveSwapRequest struct {
	// Amount is the invoice amount in sat.
	Amount btcutil.Amount

	// PairHash optionally pins a previously quoted fee schedule.
	PairHash string
}

// ChainSwapRequest contains the required parameters for a chain swap.
type ChainSwapRequest struct {
	// Amount is the amount the payer locks up, in sat. For incoming
	// swaps zero requests an amountless swap, where the actual amount is
	// learnt from the lockup and requires fee acceptance.
	Amount btcutil.Amount

	// Direction indicates which way funds move, as seen from the home
	// chain.
	Direction swap.Direction

	// ClaimAddress is the destination of the claim. Required for
	// outgoing swaps, defaults to a fresh wallet address for incoming
	// ones.
	ClaimAddress string

	// RefundAddress is an optional destination for a refund of the user
	// lockup.
	RefundAddress string

	// PairHash optionally pins a previously quoted fee schedule.
	PairHash string
}

// Wallet is the funding capability consumed by the swap handlers. It is
// backed by whatever on-chain wallet the embedding application runs.
type Wallet interface {
	// NewAddress returns a fresh receive address on the home chain.
	NewAddress(ctx context.Context) (string, error)

	// Balance returns the confirmed wallet balance.
	Balance(ctx context.Context) (btcutil.Amount, error)

	// BuildTx funds and signs a transaction paying the given amount to
	// the given address. Returns ErrInsufficientFunds when the wallet
	// cannot fund it.
	BuildTx(ctx context.Context, address string, amount btcutil.Amount) (
		*wire.MsgTx, error)

	// BuildDrainTx funds and signs a transaction sending the entire
	// spendable balance to the given address.
	BuildDrainTx(ctx context.Context, address string) (*wire.MsgTx, error)

	// Transactions lists the wallet's own transactions, used to break
	// classification ties during recovery.
	Transactions(ctx context.Context) ([]recovery.WalletTx, error)
}
