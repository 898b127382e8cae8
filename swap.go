package tideswap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/events"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
)

// handlerKit bundles the collaborators shared by the three swap handlers.
type handlerKit struct {
	cfg    *Config
	events *events.Manager
}

// swapLog returns a logger prefixed with the given swap's short id.
func (k *handlerKit) swapLog(s *swap.Swap) *SwapLog {
	return &SwapLog{Logger: log, SwapID: s.ID()}
}

// transition moves a swap to a new state, persisting the new state together
// with any newly observed txids in one commit, and notifies listeners. The
// in-memory swap is updated to match.
func (k *handlerKit) transition(ctx context.Context, s *swap.Swap,
	to swap.PaymentState, txs swapdb.TxUpdate) error {

	from := s.State()
	if err := swap.ValidateTransition(from, to); err != nil {
		return err
	}

	err := k.cfg.Store.UpdateSwapState(ctx, s.ID(), to, txs)
	if err != nil {
		return persistError(err)
	}

	s.SetState(to)
	s.Touch(k.cfg.Clock.Now())
	applyTxUpdate(s, txs)

	k.swapLog(s).Infof("State %v -> %v", from, to)
	k.notify(s)

	return nil
}

// notify maps the swap's current state onto an observable event and
// delivers it. Created maps to no event.
func (k *handlerKit) notify(s *swap.Swap) {
	var eventType events.EventType

	switch s.State() {
	case swap.StatePending:
		eventType = events.EventWaitingConfirmation
	case swap.StateWaitingFeeAcceptance:
		eventType = events.EventWaitingFeeAcceptance
	case swap.StateComplete:
		eventType = events.EventSucceeded
	case swap.StateRefundable:
		eventType = events.EventRefundable
	case swap.StateRefundPending:
		eventType = events.EventRefundPending
	case swap.StateFailed:
		eventType = events.EventFailed
	default:
		return
	}

	k.events.Notify(events.Event{
		Type:     eventType,
		SwapID:   s.ID(),
		SwapType: s.Type(),
		State:    s.State(),
	})
}

// applyTxUpdate mirrors a persisted tx update onto the in-memory swap.
func applyTxUpdate(s *swap.Swap, txs swapdb.TxUpdate) {
	switch {
	case s.Send != nil:
		if txs.LockupTxID != nil {
			s.Send.LockupTxID = txs.LockupTxID
		}
		if txs.RefundTxID != nil {
			s.Send.RefundTxID = txs.RefundTxID
		}

	case s.Receive != nil:
		if txs.LockupTxID != nil {
			s.Receive.LockupTxID = txs.LockupTxID
		}
		if txs.ClaimTxID != nil {
			s.Receive.ClaimTxID = txs.ClaimTxID
		}

	case s.Chain != nil:
		if txs.LockupTxID != nil {
			s.Chain.UserLockupTxID = txs.LockupTxID
		}
		if txs.ServerLockupTxID != nil {
			s.Chain.ServerLockupTxID = txs.ServerLockupTxID
		}
		if txs.ClaimTxID != nil {
			s.Chain.ClaimTxID = txs.ClaimTxID
		}
		if txs.RefundTxID != nil {
			s.Chain.RefundTxID = txs.RefundTxID
		}
	}
}

// sweepFeeRate returns the fee rate to use for a claim or refund sweep. A
// caller-provided non-zero rate wins, otherwise the chain's half hour
// estimate is used.
func (k *handlerKit) sweepFeeRate(ctx context.Context, svc chain.Service,
	feeRate btcutil.Amount) (btcutil.Amount, error) {

	if feeRate > 0 {
		return feeRate, nil
	}

	fees, err := svc.RecommendedFees(ctx)
	if err != nil {
		return 0, fmt.Errorf("fee estimate: %w", err)
	}

	return fees.HalfHourFee, nil
}

// lockupOutpoint locates the swap output of the given lockup tx on chain.
func (k *handlerKit) lockupOutpoint(ctx context.Context, svc chain.Service,
	script *swap.Script, lockupTxID chainhash.Hash) (*wire.OutPoint,
	btcutil.Amount, error) {

	txs, err := svc.GetTransactions(
		ctx, []chainhash.Hash{lockupTxID},
	)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch lockup tx: %w", err)
	}
	if len(txs) == 0 || txs[0] == nil {
		return nil, 0, fmt.Errorf("lockup tx %v not found",
			lockupTxID)
	}

	return swap.GetScriptOutput(txs[0], script.PkScript)
}
