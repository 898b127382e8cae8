package swapdb

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/tidewallet/tideswap/swap"
)

var (
	// ErrSwapNotFound is returned when the requested swap is not in the
	// store.
	ErrSwapNotFound = errors.New("swap not found")

	// ErrSwapExists is returned when inserting a swap whose id is
	// already present.
	ErrSwapExists = errors.New("swap already stored")

	// ErrCacheItemNotFound is returned when a cached item key is not in
	// the store.
	ErrCacheItemNotFound = errors.New("cached item not found")
)

// TxUpdate carries the transaction ids recorded alongside a state update.
// Nil fields leave the stored value untouched, so a failed action can still
// record the tx id it attempted.
type TxUpdate struct {
	// LockupTxID is the observed lockup transaction.
	LockupTxID *chainhash.Hash

	// ClaimTxID is the broadcast or observed claim transaction.
	ClaimTxID *chainhash.Hash

	// RefundTxID is the broadcast refund transaction.
	RefundTxID *chainhash.Hash

	// ServerLockupTxID is the server-side lockup of a chain swap.
	ServerLockupTxID *chainhash.Hash
}

// Persister is the durable swap store consumed by the swap handlers and the
// recoverer. Implementations own no business logic. Every call commits fully
// or not at all; callers must not assume transactional isolation across
// multiple calls.
type Persister interface {
	// InsertSwap stores a newly created swap.
	InsertSwap(ctx context.Context, s *swap.Swap) error

	// UpdateSwapState transitions the stored state of a swap and records
	// any newly observed transaction ids in the same commit.
	UpdateSwapState(ctx context.Context, id string,
		state swap.PaymentState, txs TxUpdate) error

	// UpdateSwap replaces the stored swap wholesale, used when recovery
	// rewrites several fields at once.
	UpdateSwap(ctx context.Context, s *swap.Swap) error

	// GetSwap fetches a swap by id. Returns ErrSwapNotFound if absent.
	GetSwap(ctx context.Context, id string) (*swap.Swap, error)

	// ListOngoingSwaps lists all swaps that are not in a final state.
	ListOngoingSwaps(ctx context.Context) ([]*swap.Swap, error)

	// ListSwaps lists all stored swaps. Completed and failed swaps are
	// never deleted, they remain for audit and recovery disambiguation.
	ListSwaps(ctx context.Context) ([]*swap.Swap, error)

	// GetCachedItem fetches a cached metadata value.
	GetCachedItem(ctx context.Context, key string) (string, error)

	// SetCachedItem stores a cached metadata value.
	SetCachedItem(ctx context.Context, key, value string) error
}
