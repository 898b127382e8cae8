package recovery

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/swap"
)

// WalletTx is one wallet transaction together with its net effect on the
// wallet balance.
type WalletTx struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Tx is the full transaction.
	Tx *wire.MsgTx

	// Timestamp is the block time, or the time the tx was first seen for
	// unconfirmed ones.
	Timestamp time.Time

	// BalanceSat is the net amount the tx moved in or out of the wallet,
	// negative for outgoing.
	BalanceSat int64
}

// TxMap indexes the wallet's transactions by id, partitioned by direction.
// It is the ground truth for telling our own lockup, claim and refund txs
// apart from the counterparty's inside a script history.
type TxMap struct {
	Outgoing map[chainhash.Hash]WalletTx
	Incoming map[chainhash.Hash]WalletTx
}

// NewTxMap partitions the given wallet transactions by direction.
func NewTxMap(txs []WalletTx) *TxMap {
	m := &TxMap{
		Outgoing: make(map[chainhash.Hash]WalletTx),
		Incoming: make(map[chainhash.Hash]WalletTx),
	}
	for _, tx := range txs {
		if tx.BalanceSat < 0 {
			m.Outgoing[tx.TxID] = tx
		} else {
			m.Incoming[tx.TxID] = tx
		}
	}

	return m
}

// DetermineIncomingTxs splits the history of an incoming swap's lockup
// script into the server lockup tx and our claim tx.
//
// The history tolerates a wallet tx map that lags behind chain data. With a
// single entry that entry is the lockup. With two entries a known incoming
// tx is the claim and the other the lockup. If neither is known, the entries
// are lockup and server refund: the one confirmed at the lower height is the
// lockup. Two unconfirmed unknown entries are ambiguous and yield nothing,
// as do histories longer than two entries.
func DetermineIncomingTxs(history []chain.History,
	txMap *TxMap) (*chain.History, *chain.History) {

	switch len(history) {
	case 1:
		return &history[0], nil

	case 2:
		first, second := history[0], history[1]

		if _, ok := txMap.Incoming[first.TxID]; ok {
			return &second, &first
		}
		if _, ok := txMap.Incoming[second.TxID]; ok {
			return &first, &second
		}

		switch {
		case first.Confirmed() && second.Confirmed():
			if first.Height < second.Height {
				return &first, nil
			}
			return &second, nil

		case first.Confirmed():
			return &first, nil

		case second.Confirmed():
			return &second, nil

		default:
			log.Warnf("Found 2 unconfirmed txs in an incoming " +
				"swap's script history, unable to tell a " +
				"server refund from a claim")
			return nil, nil
		}

	default:
		log.Warnf("Unexpected script history length %d for an "+
			"incoming swap", len(history))
		return nil, nil
	}
}

// recoveredSend is the chain-derived view of a send swap.
type recoveredSend struct {
	lockupTx *chain.History
	claimTx  *chain.History
	refundTx *chain.History
}

// derivePartialState maps the recovered txs onto a payment state. The second
// return value is false when the chain data supports no conclusion.
func (r *recoveredSend) derivePartialState(
	expired bool) (swap.PaymentState, bool) {

	switch {
	case r.lockupTx == nil && expired:
		return swap.StateFailed, true

	case r.lockupTx == nil:
		return 0, false

	case r.claimTx != nil:
		return swap.StateComplete, true

	case r.refundTx != nil && r.refundTx.Confirmed():
		return swap.StateFailed, true

	case r.refundTx != nil:
		return swap.StateRefundPending, true

	case expired:
		return swap.StateRefundPending, true

	default:
		return swap.StatePending, true
	}
}

// recoveredReceive is the chain-derived view of a receive swap.
type recoveredReceive struct {
	lockupTx *chain.History
	claimTx  *chain.History
}

func (r *recoveredReceive) derivePartialState(
	expired bool) (swap.PaymentState, bool) {

	switch {
	case r.lockupTx == nil && expired:
		return swap.StateFailed, true

	case r.lockupTx == nil:
		return 0, false

	case r.claimTx != nil && r.claimTx.Confirmed():
		return swap.StateComplete, true

	case r.claimTx != nil:
		return swap.StatePending, true

	case expired:
		return swap.StateFailed, true

	default:
		return swap.StatePending, true
	}
}

// recoveredChainSend is the chain-derived view of an outgoing chain swap.
type recoveredChainSend struct {
	userLockupTx   *chain.History
	refundTx       *chain.History
	serverLockupTx *chain.History
	claimTx        *chain.History
}

func (r *recoveredChainSend) derivePartialState(
	expired bool) (swap.PaymentState, bool) {

	if r.userLockupTx == nil {
		if expired {
			return swap.StateFailed, true
		}
		return 0, false
	}

	switch {
	case r.claimTx != nil && r.refundTx == nil:
		if r.claimTx.Confirmed() {
			return swap.StateComplete, true
		}
		return swap.StatePending, true

	case r.claimTx == nil && r.refundTx != nil:
		if r.refundTx.Confirmed() {
			return swap.StateFailed, true
		}
		return swap.StateRefundPending, true

	case r.claimTx != nil && r.refundTx != nil:
		if !r.claimTx.Confirmed() {
			return swap.StatePending, true
		}
		if r.refundTx.Confirmed() {
			return swap.StateComplete, true
		}
		return swap.StateRefundPending, true

	case expired:
		return swap.StateRefundPending, true

	default:
		return swap.StatePending, true
	}
}

// recoveredChainReceive is the chain-derived view of an incoming chain swap.
type recoveredChainReceive struct {
	serverLockupTx *chain.History
	claimTx        *chain.History
	userLockupTx   *chain.History
	refundTx       *chain.History

	// lockupAmountSat is the amount the payer locked up, zero when no
	// lockup was found.
	lockupAmountSat int64

	// lockupBalanceSat is the confirmed balance still sitting on the
	// lockup script.
	lockupBalanceSat int64
}

func (r *recoveredChainReceive) derivePartialState(expectedLockupSat int64,
	expired, waitingFeeAcceptance bool) (swap.PaymentState, bool) {

	unexpectedAmount := expectedLockupSat > 0 &&
		expectedLockupSat != r.lockupAmountSat
	expiredRefundable := expired && r.lockupBalanceSat > 0
	refundable := expiredRefundable || unexpectedAmount

	if r.userLockupTx == nil {
		if expired {
			return swap.StateFailed, true
		}
		return 0, false
	}

	switch {
	case r.claimTx != nil && r.refundTx == nil:
		if !r.claimTx.Confirmed() {
			return swap.StatePending, true
		}
		if expiredRefundable {
			return swap.StateRefundable, true
		}
		return swap.StateComplete, true

	case r.claimTx == nil && r.refundTx != nil:
		if !r.refundTx.Confirmed() {
			return swap.StateRefundPending, true
		}
		if expiredRefundable {
			return swap.StateRefundable, true
		}
		return swap.StateFailed, true

	case r.claimTx != nil && r.refundTx != nil:
		if !r.claimTx.Confirmed() {
			return swap.StatePending, true
		}
		if !r.refundTx.Confirmed() {
			return swap.StateRefundPending, true
		}
		if expiredRefundable {
			return swap.StateRefundable, true
		}
		return swap.StateComplete, true

	case refundable:
		return swap.StateRefundable, true

	case waitingFeeAcceptance:
		return swap.StateWaitingFeeAcceptance, true

	default:
		return swap.StatePending, true
	}
}
