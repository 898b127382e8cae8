package tideswap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
	"github.com/tidewallet/tideswap/swapserver"
)

// chainHandler drives chain swaps in both directions. The payer's lockup
// lives on one chain, the claimable server lockup on the other.
type chainHandler struct {
	*handlerKit
}

func newChainHandler(kit *handlerKit) *chainHandler {
	return &chainHandler{handlerKit: kit}
}

// lockupChain returns the chain the payer locks up on.
func (h *chainHandler) lockupChain(s *swap.ChainSwap) (chain.Service,
	*chaincfg.Params) {

	if s.Direction == swap.DirectionOutgoing {
		return h.cfg.HomeChain, h.cfg.HomeParams
	}
	return h.cfg.RemoteChain, h.cfg.RemoteParams
}

// claimChain returns the chain the server locks up on and the claim spends
// from.
func (h *chainHandler) claimChain(s *swap.ChainSwap) (chain.Service,
	*chaincfg.Params) {

	if s.Direction == swap.DirectionOutgoing {
		return h.cfg.RemoteChain, h.cfg.RemoteParams
	}
	return h.cfg.HomeChain, h.cfg.HomeParams
}

// create negotiates a chain swap with the server and persists it Created.
func (h *chainHandler) create(ctx context.Context,
	req *ChainSwapRequest) (*swap.Swap, error) {

	incoming := req.Direction == swap.DirectionIncoming
	if !incoming && req.ClaimAddress == "" {
		return nil, errors.New("claim address required for " +
			"outgoing chain swaps")
	}
	if !incoming && req.Amount == 0 {
		return nil, fmt.Errorf("%w: outgoing chain swaps need an "+
			"amount", ErrAmountOutOfRange)
	}

	pair, err := h.cfg.Server.GetPair(ctx, pairChain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPairsNotFound, err)
	}
	if req.Amount != 0 && (req.Amount < pair.MinimalAmount ||
		req.Amount > pair.MaximalAmount) {

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
	refundKey, err := h.cfg.Signer.DeriveNextKey(ctx, swap.KeyFamily)
	if err != nil {
		return nil, signerError(err)
	}

	pairHash := req.PairHash
	if pairHash == "" {
		pairHash = pair.Hash
	}

	resp, err := h.cfg.Server.CreateChainSwap(
		ctx, &swapserver.CreateChainSwapRequest{
			PreimageHash: preimageHash,
			ClaimPubKey: hex.EncodeToString(
				claimKey.PubKey[:],
			),
			RefundPubKey: hex.EncodeToString(
				refundKey.PubKey[:],
			),
			UserLockAmount: req.Amount,
			Incoming:       incoming,
			PairHash:       pairHash,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create chain swap: %w", err)
	}

	serverLockupKey, err := parsePubKey(resp.LockupLeg.ServerPublicKey)
	if err != nil {
		return nil, err
	}
	serverClaimKey, err := parsePubKey(resp.ClaimLeg.ServerPublicKey)
	if err != nil {
		return nil, err
	}
	if serverLockupKey != serverClaimKey {
		return nil, errors.New("server key mismatch between legs")
	}

	claimAddress := req.ClaimAddress
	if claimAddress == "" {
		claimAddress, err = h.cfg.Wallet.NewAddress(ctx)
		if err != nil {
			return nil, err
		}
	}

	now := h.cfg.Clock.Now()
	chainSwap := &swap.ChainSwap{
		Contract: swap.Contract{
			ID:             resp.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
			State:          swap.StateCreated,
			PreimageHash:   preimageHash,
			Preimage:       &preimage,
			CreateResponse: resp.Raw,
		},
		Direction:           req.Direction,
		PayerAmount:         resp.LockupLeg.Amount,
		ReceiverAmount:      resp.ClaimLeg.Amount,
		LockupAddress:       resp.LockupLeg.LockupAddress,
		ClaimAddress:        claimAddress,
		ClaimKey:            claimKey,
		RefundKey:           refundKey,
		ServerPubKey:        serverLockupKey,
		LockupTimeoutHeight: resp.LockupLeg.TimeoutBlockHeight,
		ClaimTimeoutHeight:  resp.ClaimLeg.TimeoutBlockHeight,
		RefundAddress:       req.RefundAddress,
	}

	_, lockupParams := h.lockupChain(chainSwap)
	_, claimParams := h.claimChain(chainSwap)

	lockupScript, err := chainSwap.LockupScript(lockupParams)
	if err != nil {
		return nil, err
	}
	if lockupScript.Address.String() != resp.LockupLeg.LockupAddress {
		return nil, fmt.Errorf("server lockup address %v does not "+
			"match derived %v", resp.LockupLeg.LockupAddress,
			lockupScript.Address)
	}
	claimScript, err := chainSwap.ClaimScript(claimParams)
	if err != nil {
		return nil, err
	}
	if claimScript.Address.String() != resp.ClaimLeg.LockupAddress {
		return nil, fmt.Errorf("server claim address %v does not "+
			"match derived %v", resp.ClaimLeg.LockupAddress,
			claimScript.Address)
	}

	s := &swap.Swap{Chain: chainSwap}
	if err := h.cfg.Store.InsertSwap(ctx, s); err != nil {
		return nil, persistError(err)
	}

	if err := h.cfg.Stream.TrackSwapID(s.ID()); err != nil {
		h.swapLog(s).Warnf("Could not track swap: %v", err)
	}

	h.swapLog(s).Infof("Created %v chain swap: %v sat lockup, %v sat "+
		"claim, timeout heights %v/%v", req.Direction,
		chainSwap.PayerAmount, chainSwap.ReceiverAmount,
		chainSwap.LockupTimeoutHeight, chainSwap.ClaimTimeoutHeight)

	return s, nil
}

// handleStatus reacts to one server status update for a chain swap.
func (h *chainHandler) handleStatus(ctx context.Context, s *swap.Swap,
	update *swapserver.StatusUpdate) error {

	h.swapLog(s).Infof("%v chain swap status: %v", s.Chain.Direction,
		update.Status)

	if s.Chain.Direction == swap.DirectionOutgoing {
		return h.handleOutgoingStatus(ctx, s, update)
	}
	return h.handleIncomingStatus(ctx, s, update)
}

func (h *chainHandler) handleOutgoingStatus(ctx context.Context,
	s *swap.Swap, update *swapserver.StatusUpdate) error {

	switch update.Status {
	// The swap is set up, fund the lockup.
	case swapserver.StatusCreated:
		if s.Chain.UserLockupTxID != nil {
			h.swapLog(s).Debugf("Lockup already broadcast: %v",
				s.Chain.UserLockupTxID)
			return nil
		}

		return h.lockupFunds(ctx, s)

	// The server saw our lockup.
	case swapserver.StatusTxMempool, swapserver.StatusTxConfirmed:
		if update.Transaction == nil ||
			s.Chain.UserLockupTxID != nil {

			return nil
		}

		txid, err := chainhash.NewHashFromStr(update.Transaction.ID)
		if err != nil {
			return fmt.Errorf("invalid lockup txid: %w", err)
		}

		return h.transition(ctx, s, swap.StatePending,
			swapdb.TxUpdate{LockupTxID: txid})

	case swapserver.StatusTxServerMempool:
		return h.handleServerLockup(ctx, s, update, false)

	case swapserver.StatusTxServerConfirmed:
		return h.handleServerLockup(ctx, s, update, true)

	case swapserver.StatusTxFailed,
		swapserver.StatusTxLockupFailed,
		swapserver.StatusTxRefunded,
		swapserver.StatusSwapExpired:

		return h.handleOutgoingFailure(ctx, s, update.Status)

	default:
		h.swapLog(s).Debugf("Unhandled chain swap status %v",
			update.Status)
		return nil
	}
}

func (h *chainHandler) handleIncomingStatus(ctx context.Context,
	s *swap.Swap, update *swapserver.StatusUpdate) error {

	switch update.Status {
	// The counterparty lockup was seen on the remote chain.
	case swapserver.StatusTxMempool, swapserver.StatusTxConfirmed:
		if update.Transaction == nil ||
			s.Chain.UserLockupTxID != nil {

			return nil
		}

		txid, err := chainhash.NewHashFromStr(update.Transaction.ID)
		if err != nil {
			return fmt.Errorf("invalid lockup txid: %w", err)
		}

		return h.transition(ctx, s, swap.StatePending,
			swapdb.TxUpdate{LockupTxID: txid})

	case swapserver.StatusTxServerMempool:
		return h.handleServerLockup(ctx, s, update, false)

	case swapserver.StatusTxServerConfirmed:
		return h.handleServerLockup(ctx, s, update, true)

	// An amountless swap's lockup does not match any agreed amount, the
	// adjusted fees need explicit acceptance before the swap proceeds.
	case swapserver.StatusTxLockupFailed:
		if s.Chain.PayerAmount == 0 {
			return h.awaitFeeAcceptance(ctx, s)
		}

		return h.handleIncomingFailure(ctx, s, update.Status)

	case swapserver.StatusTxFailed,
		swapserver.StatusTxRefunded,
		swapserver.StatusSwapExpired:

		return h.handleIncomingFailure(ctx, s, update.Status)

	default:
		h.swapLog(s).Debugf("Unhandled chain swap status %v",
			update.Status)
		return nil
	}
}

// lockupFunds funds and broadcasts the user lockup of an outgoing chain
// swap. Like the send swap lockup, the txid is persisted before broadcast.
func (h *chainHandler) lockupFunds(ctx context.Context, s *swap.Swap) error {
	tx, err := h.cfg.Wallet.BuildTx(
		ctx, s.Chain.LockupAddress, s.Chain.PayerAmount,
	)
	if errors.Is(err, ErrInsufficientFunds) {
		h.swapLog(s).Warnf("Insufficient funds for lockup, " +
			"attempting to drain the wallet")
		tx, err = h.cfg.Wallet.BuildDrainTx(
			ctx, s.Chain.LockupAddress,
		)
	}
	if err != nil {
		return sendError(err)
	}
	txid := tx.TxHash()

	s.Chain.UserLockupTxID = &txid
	s.Touch(h.cfg.Clock.Now())
	if err := h.cfg.Store.UpdateSwap(ctx, s); err != nil {
		return persistError(err)
	}

	if _, err := h.cfg.HomeChain.Broadcast(ctx, tx); err != nil {
		s.Chain.UserLockupTxID = nil
		if dbErr := h.cfg.Store.UpdateSwap(ctx, s); dbErr != nil {
			h.swapLog(s).Errorf("Could not unset lockup txid "+
				"after failed broadcast: %v", dbErr)
		}

		return sendError(fmt.Errorf("lockup broadcast: %w", err))
	}

	h.swapLog(s).Infof("Broadcast lockup tx %v", txid)

	return h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{
		LockupTxID: &txid,
	})
}

// handleServerLockup verifies an announced server lockup and claims once it
// is safe to do so.
func (h *chainHandler) handleServerLockup(ctx context.Context, s *swap.Swap,
	update *swapserver.StatusUpdate, confirmed bool) error {

	if s.Chain.ClaimTxID != nil {
		h.swapLog(s).Warnf("Claim tx already broadcast: %v",
			s.Chain.ClaimTxID)
		return nil
	}
	if update.Transaction == nil {
		return fmt.Errorf("status %v without transaction",
			update.Status)
	}

	// Confirmed server lockups also require the user lockup to check
	// out, an unconfirmed one only gates a zero-conf claim.
	if confirmed {
		if err := h.verifyUserLockup(ctx, s); err != nil {
			return fmt.Errorf("user lockup verification: %w", err)
		}
	}

	tx, err := h.verifyServerLockup(ctx, s, update.Transaction, confirmed)
	if err != nil {
		return fmt.Errorf("server lockup verification: %w", err)
	}

	txid := tx.TxHash()
	err = h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{
		ServerLockupTxID: &txid,
	})
	if err != nil {
		return err
	}

	if !confirmed {
		script, err := h.serverLockupScript(s)
		if err != nil {
			return err
		}
		amount := outputSumToScript(tx, script.PkScript)
		if h.cfg.MaxZeroConfAmount == 0 ||
			amount > h.cfg.MaxZeroConfAmount ||
			update.ZeroConfRejected {

			h.swapLog(s).Infof("Waiting for server lockup " +
				"confirmation")
			return nil
		}
	}

	return h.claim(ctx, s)
}

// serverLockupScript returns the swap script of the server lockup on the
// claim chain.
func (h *chainHandler) serverLockupScript(s *swap.Swap) (*swap.Script,
	error) {

	_, params := h.claimChain(s.Chain)
	return s.Chain.ClaimScript(params)
}

// verifyServerLockup checks the server-provided lockup tx against our own
// view of the claim chain.
func (h *chainHandler) verifyServerLockup(ctx context.Context, s *swap.Swap,
	txInfo *swapserver.TxInfo, requireConfirmed bool) (*wire.MsgTx,
	error) {

	svc, _ := h.claimChain(s.Chain)
	script, err := h.serverLockupScript(s)
	if err != nil {
		return nil, err
	}

	txid, err := chainhash.NewHashFromStr(txInfo.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid server lockup txid: %w", err)
	}
	rawTx, err := hex.DecodeString(txInfo.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid server lockup tx hex: %w",
			err)
	}

	tx, err := svc.VerifyTx(
		ctx, script.PkScript, *txid, rawTx, requireConfirmed,
	)
	if err != nil {
		return nil, err
	}

	if !requireConfirmed && txSignalsRBF(tx) {
		return nil, errors.New("server lockup signals RBF")
	}

	amount := outputSumToScript(tx, script.PkScript)
	if amount < s.Chain.ReceiverAmount {
		return nil, fmt.Errorf("server lockup value %v below "+
			"expected %v", amount, s.Chain.ReceiverAmount)
	}

	return tx, nil
}

// verifyUserLockup checks that the user lockup is present in the lockup
// script's history, adopting the first history entry when no lockup txid
// was recorded yet.
func (h *chainHandler) verifyUserLockup(ctx context.Context,
	s *swap.Swap) error {

	svc, params := h.lockupChain(s.Chain)
	script, err := s.Chain.LockupScript(params)
	if err != nil {
		return err
	}

	history, err := svc.GetScriptHistoryWithRetry(
		ctx, script.PkScript, h.cfg.ChainRetries,
	)
	if err != nil {
		return err
	}

	if s.Chain.UserLockupTxID != nil {
		for _, entry := range history {
			if entry.TxID == *s.Chain.UserLockupTxID {
				return nil
			}
		}

		return fmt.Errorf("lockup tx %v not in script history",
			s.Chain.UserLockupTxID)
	}

	if len(history) == 0 {
		return errors.New("lockup script history is empty")
	}

	txid := history[0].TxID
	return h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{
		LockupTxID: &txid,
	})
}

// awaitFeeAcceptance parks an amountless incoming swap until the adjusted
// fees are explicitly accepted.
func (h *chainHandler) awaitFeeAcceptance(ctx context.Context,
	s *swap.Swap) error {

	if err := h.verifyUserLockup(ctx, s); err != nil {
		return h.handleIncomingFailure(
			ctx, s, swapserver.StatusTxLockupFailed,
		)
	}

	svc, params := h.lockupChain(s.Chain)
	script, err := s.Chain.LockupScript(params)
	if err != nil {
		return err
	}

	txs, err := svc.GetTransactions(
		ctx, []chainhash.Hash{*s.Chain.UserLockupTxID},
	)
	if err != nil || len(txs) == 0 {
		return fmt.Errorf("fetch lockup tx: %w", err)
	}

	actual := outputSumToScript(txs[0], script.PkScript)
	s.Chain.ActualPayerAmount = actual
	s.Touch(h.cfg.Clock.Now())
	if err := h.cfg.Store.UpdateSwap(ctx, s); err != nil {
		return persistError(err)
	}

	h.swapLog(s).Infof("Lockup of %v sat needs fee acceptance", actual)

	return h.transition(
		ctx, s, swap.StateWaitingFeeAcceptance, swapdb.TxUpdate{},
	)
}

// acceptFees confirms the server-adjusted amount of an amountless incoming
// swap and lets it proceed.
func (h *chainHandler) acceptFees(ctx context.Context, s *swap.Swap) error {
	if s.State() != swap.StateWaitingFeeAcceptance {
		return ErrFeesNotAccepted
	}

	pair, err := h.cfg.Server.GetPair(ctx, pairChain)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPairsNotFound, err)
	}

	actual := s.Chain.ActualPayerAmount
	s.Chain.PayerAmount = actual
	s.Chain.ReceiverAmount = actual - swap.CalcFee(
		actual, pair.FeeBase, pair.FeeRate,
	)
	s.Touch(h.cfg.Clock.Now())
	if err := h.cfg.Store.UpdateSwap(ctx, s); err != nil {
		return persistError(err)
	}

	h.swapLog(s).Infof("Fees accepted, proceeding with %v sat lockup",
		actual)

	return h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{})
}

// claim sweeps the server lockup on the claim chain, revealing the
// preimage. The cooperative key path is attempted first.
func (h *chainHandler) claim(ctx context.Context, s *swap.Swap) error {
	if s.Chain.ClaimTxID != nil {
		return ErrAlreadyClaimed
	}
	if s.Chain.ServerLockupTxID == nil {
		return errors.New("no server lockup to claim")
	}

	svc, params := h.claimChain(s.Chain)
	script, err := s.Chain.ClaimScript(params)
	if err != nil {
		return err
	}

	prevOut, prevValue, err := h.lockupOutpoint(
		ctx, svc, script, *s.Chain.ServerLockupTxID,
	)
	if err != nil {
		return err
	}

	feeRate, err := h.sweepFeeRate(ctx, svc, 0)
	if err != nil {
		return err
	}
	fee := swap.EstimateClaimFee(script, feeRate)

	destPkScript, err := addressPkScript(s.Chain.ClaimAddress, params)
	if err != nil {
		return err
	}

	claimKey, err := h.cfg.Signer.DerivePrivKey(
		ctx, s.Chain.ClaimKey.KeyLocator,
	)
	if err != nil {
		return signerError(err)
	}

	tx, err := newKeySpendTx(*prevOut, prevValue, destPkScript, fee)
	if err != nil {
		return err
	}

	err = h.cooperativeClaimSpend(
		ctx, s.ID(), script, claimKey, s.Chain.ServerPubKey,
		*s.Chain.Preimage, tx, prevValue,
	)
	if err != nil {
		h.swapLog(s).Warnf("Cooperative claim failed, using script "+
			"path: %v", err)

		tx, err = swap.NewClaimTx(
			script, *prevOut, prevValue, destPkScript, fee,
			*s.Chain.Preimage, claimKey,
		)
		if err != nil {
			return err
		}
	}

	txid, err := svc.Broadcast(ctx, tx)
	if err != nil {
		return receiveError(fmt.Errorf("claim broadcast: %w", err))
	}

	h.swapLog(s).Infof("Broadcast claim tx %v", txid)

	return h.transition(ctx, s, swap.StatePending, swapdb.TxUpdate{
		ClaimTxID: txid,
	})
}

// handleOutgoingFailure refunds the wallet's own lockup, or fails the swap
// if it never made it to the chain.
func (h *chainHandler) handleOutgoingFailure(ctx context.Context,
	s *swap.Swap, status swapserver.Status) error {

	if s.Chain.RefundTxID != nil {
		h.swapLog(s).Warnf("Refund already broadcast: %v",
			s.Chain.RefundTxID)
		return nil
	}

	h.swapLog(s).Warnf("Chain swap got unrecoverable status %v", status)

	if err := h.verifyUserLockup(ctx, s); err != nil {
		h.swapLog(s).Infof("No user lockup on chain, failing: %v",
			err)
		return h.transition(
			ctx, s, swap.StateFailed, swapdb.TxUpdate{},
		)
	}

	_, err := h.refund(ctx, s, "", 0, true)
	return err
}

// handleIncomingFailure marks an incoming swap refundable when the
// counterparty lockup is on chain, otherwise fails it. Incoming refunds
// need an explicit destination on the remote chain, so they are never
// broadcast automatically.
func (h *chainHandler) handleIncomingFailure(ctx context.Context,
	s *swap.Swap, status swapserver.Status) error {

	if s.Chain.RefundTxID != nil {
		h.swapLog(s).Warnf("Refund already broadcast: %v",
			s.Chain.RefundTxID)
		return nil
	}

	h.swapLog(s).Warnf("Chain swap got unrecoverable status %v", status)

	if err := h.verifyUserLockup(ctx, s); err != nil {
		h.swapLog(s).Infof("No user lockup on chain, failing: %v",
			err)
		return h.transition(
			ctx, s, swap.StateFailed, swapdb.TxUpdate{},
		)
	}

	return h.transition(ctx, s, swap.StateRefundable, swapdb.TxUpdate{})
}

// refund spends the user lockup back, preferring the cooperative key path.
// For outgoing swaps the destination defaults to a fresh wallet address,
// incoming refunds require one on the remote chain.
func (h *chainHandler) refund(ctx context.Context, s *swap.Swap,
	address string, feeRate btcutil.Amount, cooperative bool) (
	*chainhash.Hash, error) {

	if s.Chain.RefundTxID != nil {
		return nil, ErrRefundInProgress
	}
	if s.Chain.UserLockupTxID == nil {
		return nil, errors.New("no lockup to refund")
	}

	svc, params := h.lockupChain(s.Chain)
	script, err := s.Chain.LockupScript(params)
	if err != nil {
		return nil, err
	}

	if address == "" {
		address = s.Chain.RefundAddress
	}
	if address == "" {
		if s.Chain.Direction == swap.DirectionIncoming {
			return nil, errors.New("refund address required " +
				"for incoming chain swaps")
		}
		address, err = h.cfg.Wallet.NewAddress(ctx)
		if err != nil {
			return nil, err
		}
	}
	destPkScript, err := addressPkScript(address, params)
	if err != nil {
		return nil, err
	}

	prevOut, prevValue, err := h.lockupOutpoint(
		ctx, svc, script, *s.Chain.UserLockupTxID,
	)
	if err != nil {
		return nil, err
	}

	feeRate, err = h.sweepFeeRate(ctx, svc, feeRate)
	if err != nil {
		return nil, err
	}
	fee := swap.EstimateRefundFee(script, feeRate)

	refundKey, err := h.cfg.Signer.DerivePrivKey(
		ctx, s.Chain.RefundKey.KeyLocator,
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
			ctx, s.ID(), script, refundKey, s.Chain.ServerPubKey,
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
			s.Chain.LockupTimeoutHeight, refundKey,
		)
		if err != nil {
			return nil, err
		}
	}

	txid, err := svc.Broadcast(ctx, tx)
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

// handleBlock advances a chain swap on new blocks on either chain.
func (h *chainHandler) handleBlock(ctx context.Context, s *swap.Swap,
	homeHeight, remoteHeight uint32) error {

	if s.Chain.Direction == swap.DirectionOutgoing {
		return h.handleOutgoingBlock(ctx, s, homeHeight)
	}
	return h.handleIncomingBlock(ctx, s, remoteHeight)
}

func (h *chainHandler) handleOutgoingBlock(ctx context.Context,
	s *swap.Swap, homeHeight uint32) error {

	switch s.State() {
	case swap.StatePending:
		if s.Chain.ClaimTxID != nil {
			return h.checkOutgoingClaimConfirmed(ctx, s)
		}

		// An expired lockup with no server lockup in sight is
		// reclaimed.
		if s.Chain.UserLockupTxID != nil &&
			s.Chain.ServerLockupTxID == nil &&
			homeHeight >= s.Chain.LockupTimeoutHeight {

			h.swapLog(s).Warnf("Lockup expired at height %v",
				homeHeight)
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

// handleIncomingBlock rescans an incoming chain swap around and past its
// expiry. Unspent expired lockup funds surface as Refundable, a swept
// script settles to Complete or Failed.
func (h *chainHandler) handleIncomingBlock(ctx context.Context,
	s *swap.Swap, remoteHeight uint32) error {

	if s.State() == swap.StatePending && s.Chain.ClaimTxID != nil {
		if err := h.checkIncomingClaimConfirmed(ctx, s); err != nil {
			return err
		}
	}

	expired := remoteHeight > s.Chain.LockupTimeoutHeight
	monitoringExpired := remoteHeight > s.Chain.LockupTimeoutHeight+
		chainSwapMonitoringPeriodBlocks

	if !(expired && !monitoringExpired) &&
		s.State() != swap.StateRefundPending {

		return nil
	}

	svc, params := h.lockupChain(s.Chain)
	script, err := s.Chain.LockupScript(params)
	if err != nil {
		return err
	}

	balance, err := svc.ScriptBalance(ctx, script.PkScript)
	if err != nil {
		return err
	}

	h.swapLog(s).Infof("Lockup script holds %v confirmed and %v "+
		"unconfirmed sat", balance.Confirmed, balance.Unconfirmed)

	switch {
	case balance.Confirmed > 0 && balance.Unconfirmed == 0 &&
		s.State() != swap.StateRefundable:

		h.swapLog(s).Infof("Unspent expired lockup funds, marking " +
			"refundable")
		return h.transition(
			ctx, s, swap.StateRefundable, swapdb.TxUpdate{},
		)

	case balance.Confirmed == 0 && balance.Unconfirmed == 0:
		to := swap.StateFailed
		if s.Chain.ClaimTxID != nil {
			to = swap.StateComplete
		}
		if to == s.State() {
			return nil
		}

		return h.transition(ctx, s, to, swapdb.TxUpdate{})
	}

	return nil
}

// checkOutgoingClaimConfirmed completes an outgoing swap once its claim tx
// confirmed on the remote chain.
func (h *chainHandler) checkOutgoingClaimConfirmed(ctx context.Context,
	s *swap.Swap) error {

	svc, params := h.claimChain(s.Chain)
	pkScript, err := addressPkScript(s.Chain.ClaimAddress, params)
	if err != nil {
		return err
	}

	history, err := svc.GetScriptHistory(ctx, pkScript)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if entry.TxID == *s.Chain.ClaimTxID && entry.Confirmed() {
			return h.transition(
				ctx, s, swap.StateComplete,
				swapdb.TxUpdate{},
			)
		}
	}

	return nil
}

// checkIncomingClaimConfirmed completes an incoming swap once its claim tx
// confirmed on the home chain.
func (h *chainHandler) checkIncomingClaimConfirmed(ctx context.Context,
	s *swap.Swap) error {

	svc, _ := h.claimChain(s.Chain)
	script, err := h.serverLockupScript(s)
	if err != nil {
		return err
	}

	history, err := svc.GetScriptHistory(ctx, script.PkScript)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if entry.TxID == *s.Chain.ClaimTxID && entry.Confirmed() {
			return h.transition(
				ctx, s, swap.StateComplete,
				swapdb.TxUpdate{},
			)
		}
	}

	return nil
}

// checkRefundConfirmed fails the swap once its refund tx confirmed.
func (h *chainHandler) checkRefundConfirmed(ctx context.Context,
	s *swap.Swap) error {

	if s.Chain.RefundTxID == nil {
		return nil
	}

	svc, params := h.lockupChain(s.Chain)
	script, err := s.Chain.LockupScript(params)
	if err != nil {
		return err
	}

	history, err := svc.GetScriptHistory(ctx, script.PkScript)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if entry.TxID == *s.Chain.RefundTxID && entry.Confirmed() {
			return h.transition(
				ctx, s, swap.StateFailed, swapdb.TxUpdate{},
			)
		}
	}

	return nil
}
