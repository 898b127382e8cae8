package tideswap

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapserver"
)

// sendSwapScenario sets up a server hook answering send swap creation with
// a lockup address derived from the submitted refund key, the way a real
// server would.
func sendSwapScenario(t *testing.T, ctx *testContext) (*swap.Swap,
	[33]byte) {

	_, preimageHash := testPreimage(t)
	_, serverClaimPub := ctx.newKey()

	ctx.server.sendHook = func(req *swapserver.CreateSendSwapRequest) (
		*swapserver.CreateSendSwapResponse, error) {

		refundPub, err := parsePubKey(req.RefundPubKey)
		require.NoError(t, err)

		script, err := swap.NewScript(
			swap.ScriptTaproot, 800_100, serverClaimPub,
			refundPub, preimageHash,
			&chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		return &swapserver.CreateSendSwapResponse{
			ID:                 "send-1",
			LockupAddress:      script.Address.String(),
			ExpectedAmount:     51_000,
			ClaimPublicKey:     hex.EncodeToString(serverClaimPub[:]),
			TimeoutBlockHeight: 800_100,
			Raw:                "{}",
		}, nil
	}

	invoice := makeInvoice(
		t, &chaincfg.RegressionNetParams, preimageHash, 50_000,
	)

	s, err := ctx.send.create(context.Background(), &SendSwapRequest{
		Invoice: invoice,
	})
	require.NoError(t, err)

	return s, serverClaimPub
}

func TestSendSwapCreate(t *testing.T) {
	ctx := newTestContext(t)

	s, _ := sendSwapScenario(t, ctx)

	require.Equal(t, swap.StateCreated, s.State())
	require.Equal(t, amt(51_000), s.Send.PayerAmount)
	require.Equal(t, amt(50_000), s.Send.ReceiverAmount)
	require.Nil(t, s.Send.LockupTxID)

	ctx.store.AssertSwapStored("send-1")
	require.Contains(t, ctx.stream.trackedIDs(), "send-1")
}

func TestSendSwapCreateInvalidInvoice(t *testing.T) {
	ctx := newTestContext(t)

	_, err := ctx.send.create(context.Background(), &SendSwapRequest{
		Invoice: "lnbcrtnotaninvoice",
	})
	require.ErrorIs(t, err, ErrInvalidInvoice)
}

func TestSendSwapCreateFeesNotCovered(t *testing.T) {
	ctx := newTestContext(t)

	_, preimageHash := testPreimage(t)
	_, serverClaimPub := ctx.newKey()

	// A lockup amount not exceeding the invoice amount means the server
	// quoted nonsensical fees.
	ctx.server.sendHook = func(req *swapserver.CreateSendSwapRequest) (
		*swapserver.CreateSendSwapResponse, error) {

		return &swapserver.CreateSendSwapResponse{
			ID:             "send-bad",
			ExpectedAmount: 50_000,
			ClaimPublicKey: hex.EncodeToString(serverClaimPub[:]),
		}, nil
	}

	invoice := makeInvoice(
		t, &chaincfg.RegressionNetParams, preimageHash, 50_000,
	)

	_, err := ctx.send.create(context.Background(), &SendSwapRequest{
		Invoice: invoice,
	})
	require.ErrorIs(t, err, ErrInvalidOrExpiredFees)
}

func TestSendSwapPayOnInvoiceSet(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	err := ctx.send.handleStatus(
		context.Background(), s, &swapserver.StatusUpdate{
			ID:     s.ID(),
			Status: swapserver.StatusInvoiceSet,
		},
	)
	require.NoError(t, err)

	// The lockup txid is persisted before the broadcast, then the swap
	// moves to Pending.
	ctx.store.AssertState(swap.StateCreated)
	ctx.store.AssertState(swap.StatePending)

	require.Equal(t, swap.StatePending, s.State())
	require.NotNil(t, s.Send.LockupTxID)
	require.Len(t, ctx.home.broadcasts, 1)

	// A repeated status must not double-pay.
	err = ctx.send.handleStatus(
		context.Background(), s, &swapserver.StatusUpdate{
			ID:     s.ID(),
			Status: swapserver.StatusInvoiceSet,
		},
	)
	require.NoError(t, err)
	require.Len(t, ctx.home.broadcasts, 1)
}

func TestSendSwapBroadcastFailureRollsBack(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	ctx.home.broadcastErr = errBroadcast

	_, err := ctx.send.pay(context.Background(), s)
	require.Error(t, err)

	// The preliminarily persisted txid must be unset again.
	require.Nil(t, s.Send.LockupTxID)
	require.Equal(t, swap.StateCreated, s.State())
}

func TestSendSwapFailureWithoutLockup(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	err := ctx.send.handleStatus(
		context.Background(), s, &swapserver.StatusUpdate{
			ID:     s.ID(),
			Status: swapserver.StatusInvoiceFailedToPay,
		},
	)
	require.NoError(t, err)

	// Nothing was locked up, so there is nothing to refund.
	require.Equal(t, swap.StateFailed, s.State())
}

func TestSendSwapFailureRefundsLockup(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	// Fund the lockup first.
	_, err := ctx.send.pay(context.Background(), s)
	require.NoError(t, err)

	err = ctx.send.handleStatus(
		context.Background(), s, &swapserver.StatusUpdate{
			ID:     s.ID(),
			Status: swapserver.StatusSwapExpired,
		},
	)
	require.NoError(t, err)

	// Cooperative signing is unavailable in the mock, so the script path
	// refund must have been broadcast.
	require.Equal(t, swap.StateRefundPending, s.State())
	require.NotNil(t, s.Send.RefundTxID)
	require.Len(t, ctx.home.broadcasts, 2)

	refundTx := ctx.home.broadcasts[1]
	require.Equal(t, *s.Send.RefundTxID, refundTx.TxHash())
	require.Equal(
		t, uint32(s.Send.TimeoutBlockHeight), refundTx.LockTime,
	)

	// Once the refund confirms the swap fails for good.
	script, err := s.Send.LockupScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	ctx.home.addHistory(script.PkScript, *s.Send.RefundTxID, 800_201)

	err = ctx.send.handleBlock(context.Background(), s, 800_201)
	require.NoError(t, err)
	require.Equal(t, swap.StateFailed, s.State())
}

func TestSendSwapClaimOfferBadPreimage(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	// The server offers a preimage that does not match the invoice hash.
	ctx.server.claimDetails = &swapserver.ClaimTxDetails{
		Preimage: hex.EncodeToString(make([]byte, 32)),
	}

	err := ctx.send.handleStatus(
		context.Background(), s, &swapserver.StatusUpdate{
			ID:     s.ID(),
			Status: swapserver.StatusTxClaimPending,
		},
	)
	require.ErrorIs(t, err, ErrInvalidPreimage)
	require.Nil(t, s.Send.Preimage)
}

func TestSendSwapResolveClaim(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	_, err := ctx.send.pay(context.Background(), s)
	require.NoError(t, err)

	preimage, _ := testPreimage(t)
	script, err := s.Send.LockupScript(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	// The server's claim spends the lockup, revealing the preimage in
	// its witness.
	claimTx := wire.NewMsgTx(2)
	claimTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash: *s.Send.LockupTxID,
		},
		Witness: wire.TxWitness{make([]byte, 64), preimage[:]},
	})
	claimTx.AddTxOut(wire.NewTxOut(50_500, p2wkhScript(t)))

	ctx.home.addTx(claimTx, 0)
	ctx.home.addHistory(script.PkScript, claimTx.TxHash(), 0)

	// Unconfirmed claim: preimage is learnt but the swap stays Pending.
	err = ctx.send.handleStatus(
		context.Background(), s, &swapserver.StatusUpdate{
			ID:     s.ID(),
			Status: swapserver.StatusTxClaimed,
		},
	)
	require.NoError(t, err)
	require.NotNil(t, s.Send.Preimage)
	require.Equal(t, preimage, *s.Send.Preimage)
	require.Equal(t, swap.StatePending, s.State())

	// Confirmed claim completes the swap.
	ctx.home.setHistory(script.PkScript, []chain.History{
		{TxID: claimTx.TxHash(), Height: 800_010},
	})

	err = ctx.send.handleBlock(context.Background(), s, 800_010)
	require.NoError(t, err)
	require.Equal(t, swap.StateComplete, s.State())
}
