package tideswap

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
	"github.com/tidewallet/tideswap/swapserver"
)

// receiveHandler drives receive swaps: the server locks up funds on the
// home chain against an invoice and the wallet claims them.
type receiveHandler struct {
	*handlerKit
}

func newReceiveHandler(kit *handlerKit) *receiveHandler {
	return &receiveHandler{handlerKit: kit}
}

// create generates a fresh preimage and claim key, negotiates a receive
// swap with the server and persists it Created. The preimage never leaves
// the process until the claim tx is broadcast.
func (h *receiveHandler) create(ctx context.Context,
	req *ReceiveSwapRequest) (*swap.Swap, error) {

	pair, err := h.cfg.Server.GetPair(ctx, pairReceive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairsNotFound, err)
	}
	if req.Amount < pair.MinimalAmount ||
		req.Amount > pair.MaximalAmount {

		return nil, fmt.Errorf("%w: %v not in [%v, %v]",
			ErrAmountOutOfRange, req.Amount, pair.MinimalAmount,
			pair.MaximalAmount)
	}

	preimage, err := generatePreimage()
	if err != nil {
		return nil, err
	}
	preimageHash := preimage.Hash()

	claimKey, err := h.cfg.Signer.DeriveNextKey(ctx, swap.KeyFamily)
	if err != nil {
		return nil, signerError(err)
	}

	pairHash := req.PairHash
	if pairHash == "" {
		pairHash = pair.Hash
	}

	resp, err := h.cfg.Server.CreateReceiveSwap(
		ctx, &swapserver.CreateReceiveSwapRequest{
			PreimageHash: preimageHash,
			ClaimPubKey: hex.EncodeToString(
				claimKey.PubKey[:],
			),
			InvoiceAmount: req.Amount,
			PairHash:      pairHash,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create receive swap: %w", err)
	}

	// The server built the invoice, so check it actually commits to our
	// preimage hash and amount before handing it out.
	invoiceHash, err := swap.GetInvoicePaymentHash(
		h.cfg.HomeParams, resp.Invoice,
	)
	if err != nil || invoiceHash != preimageHash {
		return nil, fmt.Errorf("%w: invoice does not commit to our "+
			"preimage hash", ErrInvalidInvoice)
	}
	invoiceAmt, err := swap.GetInvoiceAmt(h.cfg.HomeParams, resp.Invoice)
	if err != nil || invoiceAmt != req.Amount {
		return nil, fmt.Errorf("%w: invoice amount %v does not "+
			"match requested %v", ErrInvalidInvoice, invoiceAmt,
			req.Amount)
	}

	refundPubKey, err := parsePubKey(resp.RefundPublicKey)
	if err != nil {
		return nil, err
	}

	claimAddress, err := h.cfg.Wallet.NewAddress(ctx)
	if err != nil {
		return nil, err
	}

	now := h.cfg.Clock.Now()
	receiveSwap := &swap.ReceiveSwap{
		Contract: swap.Contract{
			ID:             resp.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
			State:          swap.StateCreated,
			PreimageHash:   preimageHash,
			Preimage:       &preimage,
			CreateResponse: resp.Raw,
		},
		Invoice:            resp.Invoice,
		PayerAmount:        req.Amount,
		ReceiverAmount:     resp.OnchainAmount,
		ClaimKey:           claimKey,
		RefundPubKey:       refundPubKey,
		ClaimAddress:       claimAddress,
		LockupAddress:      resp.LockupAddress,
		TimeoutBlockHeight: resp.TimeoutBlockHeight,
	}

	script, err := receiveSwap.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return nil, err
	}
	if script.Address.String() != resp.LockupAddress {
		return nil, fmt.Errorf("server lockup address %v does not "+
			"match derived %v", resp.LockupAddress,
			script.Address)
	}

	s := &swap.Swap{Receive: receiveSwap}
	if err := h.cfg.Store.InsertSwap(ctx, s); err != nil {
		return nil, persistError(err)
	}

	if err := h.cfg.Stream.TrackSwapID(s.ID()); err != nil {
		h.swapLog(s).Warnf("Could not track swap: %v", err)
	}

	h.swapLog(s).Infof("Created receive swap: invoice %v sat, claiming "+
		"%v sat, timeout height %v", receiveSwap.PayerAmount,
		receiveSwap.ReceiverAmount, receiveSwap.TimeoutBlockHeight)

	return s, nil
}

// handleStatus reacts to one server status update for a receive swap.
func (h *receiveHandler) handleStatus(ctx context.Context, s *swap.Swap,
	update *swapserver.StatusUpdate) error {

	h.swapLog(s).Infof("Receive swap status: %v", update.Status)

	switch update.Status {
	// The server lockup entered the mempool. Verify it and claim right
	// away if zero-conf acceptance applies.
	case swapserver.StatusTxMempool:
		if update.Transaction == nil {
			return fmt.Errorf("status %v without transaction",
				update.Status)
		}

		tx, err := h.verifyLockup(ctx, s, update.Transaction, false)
		if err != nil {
			return err
		}

		txid := tx.TxHash()
		err = h.transition(ctx, s, swap.StatePending,
			swapdb.TxUpdate{LockupTxID: &txid})
		if err != nil {
			return err
		}

		if update.ZeroConfRejected {
			h.swapLog(s).Infof("Zero-conf rejected by server, " +
				"waiting for confirmation")
			return nil
		}

		if h.acceptZeroConf(ctx, s, tx) {
			return h.claim(ctx, s)
		}
		return nil

	// The server lockup confirmed, claim unconditionally.
	case swapserver.StatusTxConfirmed:
		if update.Transaction == nil {
			return fmt.Errorf("status %v without transaction",
				update.Status)
		}

		tx, err := h.verifyLockup(ctx, s, update.Transaction, true)
		if err != nil {
			return err
		}

		if s.Receive.LockupTxID == nil {
			txid := tx.TxHash()
			err = h.transition(ctx, s, swap.StatePending,
				swapdb.TxUpdate{LockupTxID: &txid})
			if err != nil {
				return err
			}
		}

		return h.claim(ctx, s)

	// Nothing was ever locked up for us, or the server took its funds
	// back. There is nothing to refund on the receive side.
	case swapserver.StatusInvoiceExpired,
		swapserver.StatusSwapExpired,
		swapserver.StatusTxFailed,
		swapserver.StatusTxRefunded:

		if s.State() == swap.StateComplete {
			return nil
		}

		h.swapLog(s).Warnf("Receive swap failed with status %v",
			update.Status)
		return h.transition(
			ctx, s, swap.StateFailed, swapdb.TxUpdate{},
		)

	default:
		h.swapLog(s).Debugf("Unhandled receive swap status %v",
			update.Status)
		return nil
	}
}

// verifyLockup checks the server-provided lockup tx against our own chain
// source before trusting it.
func (h *receiveHandler) verifyLockup(ctx context.Context, s *swap.Swap,
	txInfo *swapserver.TxInfo, requireConfirmed bool) (*wire.MsgTx,
	error) {

	script, err := s.Receive.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return nil, err
	}

	txid, err := chainhash.NewHashFromStr(txInfo.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup txid: %w", err)
	}
	rawTx, err := hex.DecodeString(txInfo.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid lockup tx hex: %w", err)
	}

	tx, err := h.cfg.HomeChain.VerifyTx(
		ctx, script.PkScript, *txid, rawTx, requireConfirmed,
	)
	if err != nil {
		return nil, fmt.Errorf("lockup verification: %w", err)
	}

	return tx, nil
}

// acceptZeroConf decides whether an unconfirmed lockup is safe to claim:
// the amount must be within the zero-conf limit, the tx must not signal
// replaceability and it must pay a fee rate that will get it mined.
func (h *receiveHandler) acceptZeroConf(ctx context.Context, s *swap.Swap,
	tx *wire.MsgTx) bool {

	if h.cfg.MaxZeroConfAmount == 0 {
		return false
	}

	script, err := s.Receive.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return false
	}

	amount := outputSumToScript(tx, script.PkScript)
	if amount == 0 || amount > h.cfg.MaxZeroConfAmount {
		h.swapLog(s).Infof("Lockup amount %v above zero-conf limit "+
			"%v", amount, h.cfg.MaxZeroConfAmount)
		return false
	}

	if txSignalsRBF(tx) {
		h.swapLog(s).Infof("Lockup signals RBF, not accepting " +
			"zero-conf")
		return false
	}

	feeRate, err := h.lockupFeeRate(ctx, tx)
	if err != nil {
		h.swapLog(s).Warnf("Could not compute lockup fee rate: %v",
			err)
		return false
	}
	minRate := h.cfg.ZeroConfMinFeeRate * zeroConfFeeRateTolerance
	if feeRate < minRate {
		h.swapLog(s).Infof("Lockup fee rate %.2f below zero-conf "+
			"floor %.2f", feeRate, minRate)
		return false
	}

	h.swapLog(s).Infof("Accepting zero-conf lockup of %v sat at %.2f "+
		"sat/vb", amount, feeRate)
	return true
}

// lockupFeeRate computes the fee rate of a lockup tx in sat/vbyte by
// resolving its inputs.
func (h *receiveHandler) lockupFeeRate(ctx context.Context,
	tx *wire.MsgTx) (float64, error) {

	prevTxids := make([]chainhash.Hash, 0, len(tx.TxIn))
	for _, txIn := range tx.TxIn {
		prevTxids = append(prevTxids, txIn.PreviousOutPoint.Hash)
	}

	prevTxs, err := h.cfg.HomeChain.GetTransactions(ctx, prevTxids)
	if err != nil {
		return 0, err
	}

	prevOuts := make(map[chainhash.Hash]*wire.MsgTx, len(prevTxs))
	for _, prevTx := range prevTxs {
		prevOuts[prevTx.TxHash()] = prevTx
	}

	var inSum, outSum int64
	for _, txIn := range tx.TxIn {
		prevTx, ok := prevOuts[txIn.PreviousOutPoint.Hash]
		if !ok {
			return 0, fmt.Errorf("input tx %v not found",
				txIn.PreviousOutPoint.Hash)
		}
		idx := txIn.PreviousOutPoint.Index
		if idx >= uint32(len(prevTx.TxOut)) {
			return 0, fmt.Errorf("input index %d out of range",
				idx)
		}
		inSum += prevTx.TxOut[idx].Value
	}
	for _, txOut := range tx.TxOut {
		outSum += txOut.Value
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	vsize := (weight + 3) / 4

	return float64(inSum-outSum) / float64(vsize), nil
}

// claim sweeps the server lockup to the wallet, revealing the preimage. The
// cooperative key path is attempted first, the script path is the fallback.
func (h *receiveHandler) claim(ctx context.Context, s *swap.Swap) error {
	if s.Receive.ClaimTxID != nil {
		return ErrAlreadyClaimed
	}
	if s.Receive.LockupTxID == nil {
		return fmt.Errorf("no lockup to claim")
	}

	script, err := s.Receive.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return err
	}

	prevOut, prevValue, err := h.lockupOutpoint(
		ctx, h.cfg.HomeChain, script, *s.Receive.LockupTxID,
	)
	if err != nil {
		return err
	}
	if prevValue < s.Receive.ReceiverAmount {
		h.swapLog(s).Warnf("Lockup value %v below expected %v",
			prevValue, s.Receive.ReceiverAmount)
	}

	feeRate, err := h.sweepFeeRate(ctx, h.cfg.HomeChain, 0)
	if err != nil {
		return err
	}
	fee := swap.EstimateClaimFee(script, feeRate)

	destPkScript, err := addressPkScript(
		s.Receive.ClaimAddress, h.cfg.HomeParams,
	)
	if err != nil {
		return err
	}

	claimKey, err := h.cfg.Signer.DerivePrivKey(
		ctx, s.Receive.ClaimKey.KeyLocator,
	)
	if err != nil {
		return signerError(err)
	}

	tx, err := newKeySpendTx(*prevOut, prevValue, destPkScript, fee)
	if err != nil {
		return err
	}

	err = h.cooperativeClaimSpend(
		ctx, s.ID(), script, claimKey, s.Receive.RefundPubKey,
		*s.Receive.Preimage, tx, prevValue,
	)
	if err != nil {
		h.swapLog(s).Warnf("Cooperative claim failed, using script "+
			"path: %v", err)

		tx, err = swap.NewClaimTx(
			script, *prevOut, prevValue, destPkScript, fee,
			*s.Receive.Preimage, claimKey,
		)
		if err != nil {
			return err
		}
	}

	txid, err := h.cfg.HomeChain.Broadcast(ctx, tx)
	if err != nil {
		return receiveError(fmt.Errorf("claim broadcast: %w", err))
	}

	h.swapLog(s).Infof("Broadcast claim tx %v", txid)

	return h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{
		ClaimTxID: txid,
	})
}

// handleBlock advances a receive swap on a new home chain block.
func (h *receiveHandler) handleBlock(ctx context.Context, s *swap.Swap,
	height uint32) error {

	switch s.State() {
	case swap.StateCreated:
		if height >= s.Receive.TimeoutBlockHeight {
			h.swapLog(s).Warnf("Swap expired without a lockup "+
				"at height %v", height)
			return h.transition(
				ctx, s, swap.StateFailed, swapdb.TxUpdate{},
			)
		}

	case swap.StatePending:
		if s.Receive.ClaimTxID != nil {
			return h.checkClaimConfirmed(ctx, s)
		}

		// A lockup was seen but never claimed, typically because a
		// confirmation status got lost. Claim once confirmed.
		if s.Receive.LockupTxID != nil {
			return h.claimIfConfirmed(ctx, s)
		}
	}

	return nil
}

// claimIfConfirmed claims the lockup if the chain now shows it confirmed.
func (h *receiveHandler) claimIfConfirmed(ctx context.Context,
	s *swap.Swap) error {

	script, err := s.Receive.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return err
	}

	history, err := h.cfg.HomeChain.GetScriptHistory(ctx, script.PkScript)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if entry.TxID == *s.Receive.LockupTxID &&
			entry.Confirmed() {

			return h.claim(ctx, s)
		}
	}

	return nil
}

// checkClaimConfirmed completes the swap once its claim tx has confirmed.
func (h *receiveHandler) checkClaimConfirmed(ctx context.Context,
	s *swap.Swap) error {

	script, err := s.Receive.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return err
	}

	history, err := h.cfg.HomeChain.GetScriptHistory(ctx, script.PkScript)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if entry.TxID == *s.Receive.ClaimTxID && entry.Confirmed() {
			return h.transition(
				ctx, s, swap.StateComplete,
				swapdb.TxUpdate{},
			)
		}
	}

	return nil
}
