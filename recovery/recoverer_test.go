package recovery

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/swap"
)

func testHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

// TestDetermineIncomingTxs asserts how a lockup script history is split
// into lockup and claim txs.
func TestDetermineIncomingTxs(t *testing.T) {
	txA, txB := testHash(0xaa), testHash(0xbb)

	emptyMap := NewTxMap(nil)
	knownIncoming := NewTxMap([]WalletTx{{TxID: txB, BalanceSat: 1000}})

	tests := []struct {
		name       string
		history    []chain.History
		txMap      *TxMap
		wantLockup *chainhash.Hash
		wantClaim  *chainhash.Hash
	}{{
		name:       "single entry is the lockup",
		history:    []chain.History{{TxID: txA, Height: 100}},
		txMap:      emptyMap,
		wantLockup: &txA,
	}, {
		name: "known incoming tx is the claim",
		history: []chain.History{
			{TxID: txA, Height: 100},
			{TxID: txB, Height: 101},
		},
		txMap:      knownIncoming,
		wantLockup: &txA,
		wantClaim:  &txB,
	}, {
		name: "lower height is the lockup",
		history: []chain.History{
			{TxID: txA, Height: 100},
			{TxID: txB, Height: 50},
		},
		txMap:      emptyMap,
		wantLockup: &txB,
	}, {
		name: "only confirmed entry is the lockup",
		history: []chain.History{
			{TxID: txA, Height: 0},
			{TxID: txB, Height: 50},
		},
		txMap:      emptyMap,
		wantLockup: &txB,
	}, {
		name: "two unconfirmed entries are ambiguous",
		history: []chain.History{
			{TxID: txA, Height: 0},
			{TxID: txB, Height: 0},
		},
		txMap: emptyMap,
	}, {
		name: "oversized history yields nothing",
		history: []chain.History{
			{TxID: txA, Height: 1},
			{TxID: txB, Height: 2},
			{TxID: testHash(0xcc), Height: 3},
		},
		txMap: emptyMap,
	}, {
		name:  "empty history yields nothing",
		txMap: emptyMap,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			lockup, claim := DetermineIncomingTxs(
				tc.history, tc.txMap,
			)

			if tc.wantLockup == nil {
				require.Nil(t, lockup)
			} else {
				require.NotNil(t, lockup)
				require.Equal(t, *tc.wantLockup, lockup.TxID)
			}

			if tc.wantClaim == nil {
				require.Nil(t, claim)
			} else {
				require.NotNil(t, claim)
				require.Equal(t, *tc.wantClaim, claim.TxID)
			}
		})
	}
}

// TestDeriveSendState asserts the state derived from recovered send swap
// txs.
func TestDeriveSendState(t *testing.T) {
	confirmed := &chain.History{TxID: testHash(1), Height: 100}
	unconfirmed := &chain.History{TxID: testHash(2), Height: 0}

	tests := []struct {
		name      string
		recovered recoveredSend
		expired   bool
		want      swap.PaymentState
		none      bool
	}{{
		name: "no data, not expired",
		none: true,
	}, {
		name:    "no lockup after expiry",
		expired: true,
		want:    swap.StateFailed,
	}, {
		name:      "lockup only",
		recovered: recoveredSend{lockupTx: confirmed},
		want:      swap.StatePending,
	}, {
		name: "claimed",
		recovered: recoveredSend{
			lockupTx: confirmed, claimTx: confirmed,
		},
		want: swap.StateComplete,
	}, {
		name: "refund confirmed",
		recovered: recoveredSend{
			lockupTx: confirmed, refundTx: confirmed,
		},
		want: swap.StateFailed,
	}, {
		name: "refund in flight",
		recovered: recoveredSend{
			lockupTx: confirmed, refundTx: unconfirmed,
		},
		want: swap.StateRefundPending,
	}, {
		name:      "expired without spend",
		recovered: recoveredSend{lockupTx: confirmed},
		expired:   true,
		want:      swap.StateRefundPending,
	}}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			state, ok := tc.recovered.derivePartialState(
				tc.expired,
			)
			if tc.none {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.want, state)
		})
	}
}

// TestDeriveChainReceiveState asserts the refundable detection of incoming
// chain swaps.
func TestDeriveChainReceiveState(t *testing.T) {
	confirmed := &chain.History{TxID: testHash(1), Height: 100}

	// Lockup of an unexpected amount is refundable even while funds sit
	// unspent.
	r := recoveredChainReceive{
		userLockupTx:    confirmed,
		lockupAmountSat: 90_000,
	}
	state, ok := r.derivePartialState(100_000, false, false)
	require.True(t, ok)
	require.Equal(t, swap.StateRefundable, state)

	// The expected amount keeps the swap pending.
	r.lockupAmountSat = 100_000
	state, ok = r.derivePartialState(100_000, false, false)
	require.True(t, ok)
	require.Equal(t, swap.StatePending, state)

	// An amountless swap awaiting fee acceptance stays in that state.
	state, ok = r.derivePartialState(0, false, true)
	require.True(t, ok)
	require.Equal(t, swap.StateWaitingFeeAcceptance, state)

	// Funds still on the script after expiry are refundable, even when
	// the claim confirmed.
	r.claimTx = confirmed
	r.lockupBalanceSat = 100_000
	state, ok = r.derivePartialState(100_000, true, false)
	require.True(t, ok)
	require.Equal(t, swap.StateRefundable, state)

	// A confirmed claim with a swept script is complete.
	r.lockupBalanceSat = 0
	state, ok = r.derivePartialState(100_000, true, false)
	require.True(t, ok)
	require.Equal(t, swap.StateComplete, state)
}

// TestReconcileState asserts that chain-derived states only overwrite the
// persisted state along valid transitions.
func TestReconcileState(t *testing.T) {
	s := &swap.Swap{Send: &swap.SendSwap{
		Contract: swap.Contract{
			ID:    "swap1",
			State: swap.StatePending,
		},
	}}

	// A valid forward transition is adopted.
	reconcileState(s, swap.StateComplete)
	require.Equal(t, swap.StateComplete, s.State())

	// A contradictory derivation leaves the persisted state alone.
	reconcileState(s, swap.StateRefundPending)
	require.Equal(t, swap.StateComplete, s.State())

	// Reapplying the same derivation is a no-op.
	reconcileState(s, swap.StateComplete)
	require.Equal(t, swap.StateComplete, s.State())
}

// TestExtractClaimPreimage asserts preimage extraction from a claim tx
// witness.
func TestExtractClaimPreimage(t *testing.T) {
	var preimage lntypes.Preimage
	copy(preimage[:], []byte("a secret that is 32 bytes long!."))
	hash := preimage.Hash()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		Witness: wire.TxWitness{
			[]byte{0x01, 0x02},
			preimage[:],
			[]byte{0x03},
		},
	})

	got, err := ExtractClaimPreimage(tx, hash)
	require.NoError(t, err)
	require.Equal(t, preimage, *got)

	// A witness without the matching preimage fails.
	var other lntypes.Hash
	other[0] = 0xff
	_, err = ExtractClaimPreimage(tx, other)
	require.Error(t, err)

	_, err = ExtractClaimPreimage(wire.NewMsgTx(2), hash)
	require.Error(t, err)
}
