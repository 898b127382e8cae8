package tideswap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/tidewallet/tideswap/recovery"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
	"github.com/tidewallet/tideswap/swapserver"
)

// sendHandler drives send swaps: the wallet locks up funds on the home
// chain and the server pays the invoice.
type sendHandler struct {
	*handlerKit
}

func newSendHandler(kit *handlerKit) *sendHandler {
	return &sendHandler{handlerKit: kit}
}

// create negotiates a send swap with the server and persists it Created. No
// funds move until pay broadcasts the lockup.
func (h *sendHandler) create(ctx context.Context,
	req *SendSwapRequest) (*swap.Swap, error) {

	receiverAmt, err := swap.GetInvoiceAmt(h.cfg.HomeParams, req.Invoice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	preimageHash, err := swap.GetInvoicePaymentHash(
		h.cfg.HomeParams, req.Invoice,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	pair, err := h.cfg.Server.GetPair(ctx, pairSend)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairsNotFound, err)
	}
	if receiverAmt < pair.MinimalAmount ||
		receiverAmt > pair.MaximalAmount {

		return nil, fmt.Errorf("%w: %v not in [%v, %v]",
			ErrAmountOutOfRange, receiverAmt, pair.MinimalAmount,
			pair.MaximalAmount)
	}

	refundKey, err := h.cfg.Signer.DeriveNextKey(ctx, swap.KeyFamily)
	if err != nil {
		return nil, signerError(err)
	}

	pairHash := req.PairHash
	if pairHash == "" {
		pairHash = pair.Hash
	}

	resp, err := h.cfg.Server.CreateSendSwap(
		ctx, &swapserver.CreateSendSwapRequest{
			Invoice: req.Invoice,
			RefundPubKey: hex.EncodeToString(
				refundKey.PubKey[:],
			),
			PairHash: pairHash,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create send swap: %w", err)
	}

	if resp.ExpectedAmount <= receiverAmt {
		return nil, fmt.Errorf("%w: lockup %v does not cover "+
			"invoice %v", ErrInvalidOrExpiredFees,
			resp.ExpectedAmount, receiverAmt)
	}

	claimPubKey, err := parsePubKey(resp.ClaimPublicKey)
	if err != nil {
		return nil, err
	}

	now := h.cfg.Clock.Now()
	sendSwap := &swap.SendSwap{
		Contract: swap.Contract{
			ID:             resp.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
			State:          swap.StateCreated,
			PreimageHash:   preimageHash,
			CreateResponse: resp.Raw,
		},
		Invoice:            req.Invoice,
		PayerAmount:        resp.ExpectedAmount,
		ReceiverAmount:     receiverAmt,
		LockupAddress:      resp.LockupAddress,
		RefundKey:          refundKey,
		ClaimPubKey:        claimPubKey,
		TimeoutBlockHeight: resp.TimeoutBlockHeight,
		RefundAddress:      req.RefundAddress,
	}

	// The server must not be able to hand us a script we cannot refund
	// from, so the lockup address is rederived locally.
	script, err := sendSwap.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return nil, err
	}
	if script.Address.String() != resp.LockupAddress {
		return nil, fmt.Errorf("server lockup address %v does not "+
			"match derived %v", resp.LockupAddress,
			script.Address)
	}

	s := &swap.Swap{Send: sendSwap}
	if err := h.cfg.Store.InsertSwap(ctx, s); err != nil {
		return nil, persistError(err)
	}

	if err := h.cfg.Stream.TrackSwapID(s.ID()); err != nil {
		h.swapLog(s).Warnf("Could not track swap: %v", err)
	}

	h.swapLog(s).Infof("Created send swap: %v sat lockup to %v, "+
		"timeout height %v", sendSwap.PayerAmount,
		sendSwap.LockupAddress, sendSwap.TimeoutBlockHeight)

	return s, nil
}

// pay funds and broadcasts the lockup transaction. The lockup txid is
// persisted before broadcast and unset again if the broadcast fails, so a
// crash in between leaves a txid that recovery can confirm or refute.
func (h *sendHandler) pay(ctx context.Context, s *swap.Swap) (
	*chainhash.Hash, error) {

	if s.State() == swap.StateComplete {
		return nil, ErrAlreadyPaid
	}
	if s.Send.LockupTxID != nil {
		return nil, ErrPaymentInProgress
	}

	tx, err := h.cfg.Wallet.BuildTx(
		ctx, s.Send.LockupAddress, s.Send.PayerAmount,
	)
	if err != nil {
		return nil, sendError(err)
	}
	txid := tx.TxHash()

	s.Send.LockupTxID = &txid
	s.Touch(h.cfg.Clock.Now())
	if err := h.cfg.Store.UpdateSwap(ctx, s); err != nil {
		return nil, persistError(err)
	}

	if _, err := h.cfg.HomeChain.Broadcast(ctx, tx); err != nil {
		s.Send.LockupTxID = nil
		if dbErr := h.cfg.Store.UpdateSwap(ctx, s); dbErr != nil {
			h.swapLog(s).Errorf("Could not unset lockup txid "+
				"after failed broadcast: %v", dbErr)
		}

		return nil, sendError(fmt.Errorf("lockup broadcast: %w", err))
	}

	h.swapLog(s).Infof("Broadcast lockup tx %v", txid)

	err = h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{
		LockupTxID: &txid,
	})
	if err != nil {
		return nil, err
	}

	return &txid, nil
}

// handleStatus reacts to one server status update for a send swap.
func (h *sendHandler) handleStatus(ctx context.Context, s *swap.Swap,
	update *swapserver.StatusUpdate) error {

	h.swapLog(s).Infof("Send swap status: %v", update.Status)

	switch update.Status {
	// The server accepted the invoice and awaits our lockup.
	case swapserver.StatusCreated, swapserver.StatusInvoiceSet:
		if s.Send.LockupTxID != nil {
			h.swapLog(s).Debugf("Lockup already broadcast: %v",
				s.Send.LockupTxID)
			return nil
		}

		_, err := h.pay(ctx, s)
		return err

	// The server saw our lockup.
	case swapserver.StatusTxMempool, swapserver.StatusTxConfirmed:
		if update.Transaction == nil || s.Send.LockupTxID != nil {
			return nil
		}

		txid, err := chainhash.NewHashFromStr(update.Transaction.ID)
		if err != nil {
			return fmt.Errorf("invalid lockup txid: %w", err)
		}

		return h.transition(ctx, s, swap.StatePending,
			swapdb.TxUpdate{LockupTxID: txid})

	// The server paid the invoice and offers a cooperative claim.
	case swapserver.StatusTxClaimPending:
		return h.acceptClaimOffer(ctx, s)

	case swapserver.StatusInvoicePaid:
		h.swapLog(s).Infof("Invoice settled by server")
		return nil

	// The server broadcast its claim. Learn the preimage from chain if
	// the cooperative exchange was missed and complete the swap once the
	// claim confirms.
	case swapserver.StatusTxClaimed:
		return h.resolveClaim(ctx, s)

	case swapserver.StatusInvoiceFailedToPay,
		swapserver.StatusTxLockupFailed,
		swapserver.StatusTxFailed,
		swapserver.StatusSwapExpired:

		return h.handleFailure(ctx, s, update.Status)

	default:
		h.swapLog(s).Debugf("Unhandled send swap status %v",
			update.Status)
		return nil
	}
}

// acceptClaimOffer verifies the preimage revealed in the server's claim
// offer and signs our half of the cooperative claim. The preimage is
// persisted before any signature leaves the process.
func (h *sendHandler) acceptClaimOffer(ctx context.Context,
	s *swap.Swap) error {

	details, err := h.cfg.Server.GetClaimTxDetails(ctx, s.ID())
	if err != nil {
		return fmt.Errorf("claim tx details: %w", err)
	}

	raw, err := hex.DecodeString(details.Preimage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	}
	preimage, err := lntypes.MakePreimage(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPreimage, err)
	}
	if preimage.Hash() != s.Send.PreimageHash {
		return fmt.Errorf("%w: preimage does not match swap hash",
			ErrInvalidPreimage)
	}

	if s.Send.Preimage == nil {
		s.Send.Preimage = &preimage
		s.Touch(h.cfg.Clock.Now())
		if err := h.cfg.Store.UpdateSwap(ctx, s); err != nil {
			return persistError(err)
		}

		h.swapLog(s).Infof("Recovered payment preimage from claim " +
			"offer")
	}

	script, err := s.Send.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return err
	}
	rootHash, err := script.TaprootRootHash()
	if err != nil {
		return err
	}

	refundKey, err := h.cfg.Signer.DerivePrivKey(
		ctx, s.Send.RefundKey.KeyLocator,
	)
	if err != nil {
		return signerError(err)
	}

	session, err := swap.NewMusig2Session(
		refundKey, s.Send.ClaimPubKey, rootHash,
	)
	if err != nil {
		return err
	}

	sigHash, err := parseSigHash(details.TransactionHash)
	if err != nil {
		return err
	}
	serverNonce, err := parseNonce(details.PubNonce)
	if err != nil {
		return err
	}

	partialSig, err := session.Sign(serverNonce, sigHash)
	if err != nil {
		return err
	}

	ourNonce := session.PublicNonce()
	err = h.cfg.Server.SendClaimSignature(
		ctx, s.ID(), hex.EncodeToString(ourNonce[:]),
		hex.EncodeToString(partialSig),
	)
	if err != nil {
		return fmt.Errorf("send claim signature: %w", err)
	}

	h.swapLog(s).Infof("Cooperative claim signature sent")
	return nil
}

// resolveClaim inspects the lockup script history for the server's claim
// tx, recovers the preimage from its witness if it is still unknown and
// completes the swap once the claim has confirmed.
func (h *sendHandler) resolveClaim(ctx context.Context, s *swap.Swap) error {
	script, err := s.Send.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return err
	}

	history, err := h.cfg.HomeChain.GetScriptHistoryWithRetry(
		ctx, script.PkScript, h.cfg.ChainRetries,
	)
	if err != nil {
		return fmt.Errorf("lockup history: %w", err)
	}

	for _, entry := range history {
		if s.Send.LockupTxID != nil &&
			entry.TxID == *s.Send.LockupTxID {

			continue
		}
		if s.Send.RefundTxID != nil &&
			entry.TxID == *s.Send.RefundTxID {

			continue
		}

		if s.Send.Preimage == nil {
			txs, err := h.cfg.HomeChain.GetTransactions(
				ctx, []chainhash.Hash{entry.TxID},
			)
			if err != nil || len(txs) == 0 {
				h.swapLog(s).Warnf("Could not fetch claim "+
					"candidate %v: %v", entry.TxID, err)
				continue
			}

			preimage, err := recovery.ExtractClaimPreimage(
				txs[0], s.Send.PreimageHash,
			)
			if err != nil {
				h.swapLog(s).Debugf("Tx %v is not the "+
					"claim: %v", entry.TxID, err)
				continue
			}

			s.Send.Preimage = preimage
			s.Touch(h.cfg.Clock.Now())
			err = h.cfg.Store.UpdateSwap(ctx, s)
			if err != nil {
				return persistError(err)
			}

			h.swapLog(s).Infof("Recovered payment preimage " +
				"from claim witness")
		}

		if !entry.Confirmed() {
			h.swapLog(s).Infof("Claim tx %v not yet confirmed",
				entry.TxID)
			return nil
		}

		return h.transition(
			ctx, s, swap.StateComplete, swapdb.TxUpdate{},
		)
	}

	h.swapLog(s).Infof("No claim tx found on chain yet")
	return nil
}

// handleFailure resolves a server-reported failure. With no lockup on chain
// the swap simply fails; otherwise the locked funds are refunded.
func (h *sendHandler) handleFailure(ctx context.Context, s *swap.Swap,
	status swapserver.Status) error {

	if s.Send.RefundTxID != nil {
		h.swapLog(s).Warnf("Refund already broadcast: %v",
			s.Send.RefundTxID)
		return nil
	}

	h.swapLog(s).Warnf("Send swap got unrecoverable status %v", status)

	if s.Send.LockupTxID == nil {
		return h.transition(
			ctx, s, swap.StateFailed, swapdb.TxUpdate{},
		)
	}

	err := h.transition(ctx, s, swap.StateRefundable, swapdb.TxUpdate{})
	if err != nil {
		return err
	}

	if _, err := h.refund(ctx, s, "", 0, true); err != nil {
		h.swapLog(s).Warnf("Refund attempt failed, will retry on "+
			"new blocks: %v", err)
	}

	return nil
}

// refund spends the lockup back to the wallet, preferring the cooperative
// key path and falling back to the script path once the timeout allows it.
func (h *sendHandler) refund(ctx context.Context, s *swap.Swap,
	address string, feeRate btcutil.Amount, cooperative bool) (
	*chainhash.Hash, error) {

	if s.Send.RefundTxID != nil {
		return nil, ErrRefundInProgress
	}
	if s.Send.LockupTxID == nil {
		return nil, errors.New("no lockup to refund")
	}

	script, err := s.Send.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return nil, err
	}

	prevOut, prevValue, err := h.lockupOutpoint(
		ctx, h.cfg.HomeChain, script, *s.Send.LockupTxID,
	)
	if err != nil {
		return nil, err
	}

	feeRate, err = h.sweepFeeRate(ctx, h.cfg.HomeChain, feeRate)
	if err != nil {
		return nil, err
	}
	fee := swap.EstimateRefundFee(script, feeRate)

	if address == "" {
		address = s.Send.RefundAddress
	}
	if address == "" {
		address, err = h.cfg.Wallet.NewAddress(ctx)
		if err != nil {
			return nil, err
		}
	}
	destPkScript, err := addressPkScript(address, h.cfg.HomeParams)
	if err != nil {
		return nil, err
	}

	refundKey, err := h.cfg.Signer.DerivePrivKey(
		ctx, s.Send.RefundKey.KeyLocator,
	)
	if err != nil {
		return nil, signerError(err)
	}

	tx, err := newKeySpendTx(*prevOut, prevValue, destPkScript, fee)
	if err != nil {
		return nil, err
	}

	if cooperative {
		err = h.cooperativeRefundSpend(
			ctx, s.ID(), script, refundKey, s.Send.ClaimPubKey,
			tx, prevValue,
		)
		if err != nil {
			h.swapLog(s).Warnf("Cooperative refund failed: %v",
				err)
			cooperative = false
		}
	}

	if !cooperative {
		tx, err = swap.NewRefundTx(
			script, *prevOut, prevValue, destPkScript, fee,
			s.Send.TimeoutBlockHeight, refundKey,
		)
		if err != nil {
			return nil, err
		}
	}

	txid, err := h.cfg.HomeChain.Broadcast(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("refund broadcast: %w", err)
	}

	h.swapLog(s).Infof("Broadcast refund tx %v", txid)

	err = h.transition(ctx, s, swap.StateRefundPending, swapdb.TxUpdate{
		RefundTxID: txid,
	})
	if err != nil {
		return nil, err
	}

	return txid, nil
}

// handleBlock advances a send swap on a new home chain block: claims are
// checked for confirmation, expired lockups become refundable and pending
// refunds are confirmed.
func (h *sendHandler) handleBlock(ctx context.Context, s *swap.Swap,
	height uint32) error {

	switch s.State() {
	case swap.StatePending:
		if s.Send.Preimage != nil {
			return h.resolveClaim(ctx, s)
		}

		if s.Send.LockupTxID != nil &&
			height >= s.Send.TimeoutBlockHeight {

			h.swapLog(s).Warnf("Lockup expired at height %v",
				height)
			err := h.transition(
				ctx, s, swap.StateRefundable,
				swapdb.TxUpdate{},
			)
			if err != nil {
				return err
			}

			_, err = h.refund(ctx, s, "", 0, true)
			return err
		}

	case swap.StateRefundable:
		_, err := h.refund(ctx, s, "", 0, true)
		return err

	case swap.StateRefundPending:
		return h.checkRefundConfirmed(ctx, s)
	}

	return nil
}

// checkRefundConfirmed fails the swap once its refund tx has confirmed.
func (h *sendHandler) checkRefundConfirmed(ctx context.Context,
	s *swap.Swap) error {

	if s.Send.RefundTxID == nil {
		return nil
	}

	script, err := s.Send.LockupScript(h.cfg.HomeParams)
	if err != nil {
		return err
	}

	history, err := h.cfg.HomeChain.GetScriptHistory(ctx, script.PkScript)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if entry.TxID == *s.Send.RefundTxID && entry.Confirmed() {
			return h.transition(
				ctx, s, swap.StateFailed, swapdb.TxUpdate{},
			)
		}
	}

	return nil
}
