package recovery

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"golang.org/x/sync/errgroup"

	"github.com/tidewallet/tideswap/chain"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapserver"
)

// networkPropagationGracePeriod is how long a locally broadcast tx is
// trusted over its absence from chain queries. Within this window recovery
// does not clear txids the wallet set itself.
const networkPropagationGracePeriod = 30 * time.Second

// Tips carries the chain tips recovery reconciles against.
type Tips struct {
	// Home is the tip height of the home chain.
	Home uint32

	// Remote is the tip height of the remote chain of chain swaps.
	Remote uint32
}

// Config groups the external collaborators of the Recoverer.
type Config struct {
	// HomeChain queries the home chain.
	HomeChain chain.Service

	// RemoteChain queries the remote chain of chain swaps.
	RemoteChain chain.Service

	// HomeParams are the home chain parameters.
	HomeParams *chaincfg.Params

	// RemoteParams are the remote chain parameters.
	RemoteParams *chaincfg.Params

	// Swapper recovers preimages cooperatively.
	Swapper swapserver.Swapper

	// Clock is the clock grace periods are measured against.
	Clock clock.Clock
}

// Recoverer reconstructs swap txids and states from script histories. It is
// used on startup and after stream reconnects, when status updates may have
// been missed entirely.
type Recoverer struct {
	cfg *Config
}

// New creates a Recoverer.
func New(cfg *Config) *Recoverer {
	return &Recoverer{cfg: cfg}
}

// historyMaps are the prefetched script histories of a recovery run, keyed
// by pkScript.
type historyMaps struct {
	home   map[string][]chain.History
	remote map[string][]chain.History
}

// RecoverFromOnchain updates the given swaps in place with txids and states
// derived from their script histories. Chain tips are fetched when tips is
// nil. The caller persists the reconstructed swaps.
//
// A derived state is only adopted when it is a valid transition from the
// persisted one. Contradictions are logged and left untouched, the
// persisted state is the authority on what the wallet already acted on.
func (r *Recoverer) RecoverFromOnchain(ctx context.Context,
	swaps []*swap.Swap, walletTxs []WalletTx, tips *Tips) error {

	if tips == nil {
		homeTip, err := r.cfg.HomeChain.Tip(ctx)
		if err != nil {
			return fmt.Errorf("home tip: %w", err)
		}
		remoteTip, err := r.cfg.RemoteChain.Tip(ctx)
		if err != nil {
			return fmt.Errorf("remote tip: %w", err)
		}
		tips = &Tips{Home: homeTip, Remote: remoteTip}
	}

	startedAt := r.cfg.Clock.Now()
	txMap := NewTxMap(walletTxs)

	histories, err := r.fetchHistories(ctx, swaps)
	if err != nil {
		return err
	}

	for _, s := range swaps {
		withinGrace := startedAt.Sub(s.UpdatedAt()) <
			networkPropagationGracePeriod

		var err error
		switch {
		case s.Send != nil:
			err = r.recoverSend(
				ctx, s.Send, histories, txMap, tips,
				withinGrace,
			)

		case s.Receive != nil:
			err = r.recoverReceive(
				s.Receive, histories, txMap, tips, withinGrace,
			)

		case s.Chain != nil &&
			s.Chain.Direction == swap.DirectionOutgoing:

			err = r.recoverChainSend(
				ctx, s.Chain, histories, txMap, tips,
				withinGrace,
			)

		case s.Chain != nil:
			err = r.recoverChainReceive(
				ctx, s.Chain, histories, txMap, tips,
				withinGrace,
			)
		}
		if err != nil {
			log.Warnf("Error recovering data for swap %v: %v",
				s.ID(), err)
		}
	}

	return nil
}

// fetchHistories batch-fetches the script histories of all swaps, one batch
// per chain.
func (r *Recoverer) fetchHistories(ctx context.Context,
	swaps []*swap.Swap) (*historyMaps, error) {

	var homeScripts, remoteScripts [][]byte
	for _, s := range swaps {
		home, remote, err := r.swapScripts(s)
		if err != nil {
			log.Warnf("Skipping swap %v in recovery: %v", s.ID(),
				err)
			continue
		}
		homeScripts = append(homeScripts, home...)
		remoteScripts = append(remoteScripts, remote...)
	}

	maps := &historyMaps{
		home:   make(map[string][]chain.History),
		remote: make(map[string][]chain.History),
	}

	// The two chains are independent backends, query them in parallel.
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		homeHistories, err := r.cfg.HomeChain.GetScriptsHistory(
			egCtx, homeScripts,
		)
		if err != nil {
			return fmt.Errorf("home histories: %w", err)
		}
		for i, h := range homeHistories {
			maps.home[string(homeScripts[i])] = h
		}

		return nil
	})

	if len(remoteScripts) > 0 {
		eg.Go(func() error {
			remoteHistories, err := r.cfg.RemoteChain.GetScriptsHistory(
				egCtx, remoteScripts,
			)
			if err != nil {
				return fmt.Errorf("remote histories: %w", err)
			}
			for i, h := range remoteHistories {
				maps.remote[string(remoteScripts[i])] = h
			}

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return maps, nil
}

// swapScripts returns the pkScripts of a swap on the home and remote chain.
func (r *Recoverer) swapScripts(s *swap.Swap) ([][]byte, [][]byte, error) {
	switch {
	case s.Send != nil:
		script, err := s.Send.LockupScript(r.cfg.HomeParams)
		if err != nil {
			return nil, nil, err
		}
		return [][]byte{script.PkScript}, nil, nil

	case s.Receive != nil:
		script, err := s.Receive.LockupScript(r.cfg.HomeParams)
		if err != nil {
			return nil, nil, err
		}
		return [][]byte{script.PkScript}, nil, nil

	case s.Chain != nil &&
		s.Chain.Direction == swap.DirectionOutgoing:

		lockup, err := s.Chain.LockupScript(r.cfg.HomeParams)
		if err != nil {
			return nil, nil, err
		}
		claim, err := s.Chain.ClaimScript(r.cfg.RemoteParams)
		if err != nil {
			return nil, nil, err
		}
		return [][]byte{lockup.PkScript},
			[][]byte{claim.PkScript}, nil

	case s.Chain != nil:
		lockup, err := s.Chain.LockupScript(r.cfg.RemoteParams)
		if err != nil {
			return nil, nil, err
		}
		claim, err := s.Chain.ClaimScript(r.cfg.HomeParams)
		if err != nil {
			return nil, nil, err
		}
		return [][]byte{claim.PkScript},
			[][]byte{lockup.PkScript}, nil

	default:
		return nil, nil, errors.New("swap without variant")
	}
}

// reconcileState adopts the derived state when it is a valid transition
// from the persisted one.
func reconcileState(s *swap.Swap, derived swap.PaymentState) {
	current := s.State()
	if derived == current {
		return
	}

	if err := swap.ValidateTransition(current, derived); err != nil {
		log.Warnf("Swap %v: chain data suggests state %v but "+
			"persisted state is %v, keeping persisted: %v",
			s.ID(), derived, current, err)
		return
	}

	log.Infof("Swap %v: state %v -> %v from chain data", s.ID(), current,
		derived)
	s.SetState(derived)
}

// recoverSend reconstructs the txids and state of a send swap.
func (r *Recoverer) recoverSend(ctx context.Context, s *swap.SendSwap,
	histories *historyMaps, txMap *TxMap, tips *Tips,
	withinGrace bool) error {

	log.Debugf("Recovering data for send swap %v", s.ID)

	script, err := s.LockupScript(r.cfg.HomeParams)
	if err != nil {
		return err
	}
	history := histories.home[string(script.PkScript)]

	recovered := &recoveredSend{}

	// A history tx we sent is the lockup, one we received is a refund.
	// With the lockup identified, a tx that is neither ours going out
	// nor coming in is the server's claim.
	for i := range history {
		entry := history[i]
		if _, ok := txMap.Outgoing[entry.TxID]; ok {
			if recovered.lockupTx == nil {
				recovered.lockupTx = &entry
			}
			continue
		}
		if _, ok := txMap.Incoming[entry.TxID]; ok {
			if recovered.refundTx == nil {
				recovered.refundTx = &entry
			}
			continue
		}
		if recovered.claimTx == nil {
			recovered.claimTx = &entry
		}
	}

	if recovered.lockupTx == nil && len(history) > 0 {
		log.Errorf("No lockup tx found when recovering send swap %v",
			s.ID)
		recovered.claimTx = nil
	}

	// The claim reveals the preimage, recover it while we are at it.
	var preimage *lntypes.Preimage
	if recovered.claimTx != nil && s.Preimage == nil {
		preimage, err = r.recoverSendPreimage(
			ctx, s, recovered.claimTx.TxID,
		)
		if err != nil || preimage == nil {
			log.Warnf("Could not recover preimage for send "+
				"swap %v: %v", s.ID, err)
			recovered.claimTx = nil
		}
	}

	lockupCleared := s.LockupTxID != nil && recovered.lockupTx == nil
	refundCleared := s.RefundTxID != nil && recovered.refundTx == nil
	if withinGrace && (lockupCleared || refundCleared) {
		log.Warnf("Send swap %v was updated recently, skipping "+
			"recovery that would clear a tx we may have just "+
			"broadcast", s.ID)
		return nil
	}

	s.LockupTxID = historyTxID(recovered.lockupTx)
	s.RefundTxID = historyTxID(recovered.refundTx)
	if preimage != nil {
		s.Preimage = preimage
	}

	expired := tips.Home >= s.TimeoutBlockHeight
	if state, ok := recovered.derivePartialState(expired); ok {
		reconcileState(&swap.Swap{Send: s}, state)
	}

	return nil
}

// recoverSendPreimage obtains the preimage of a paid send swap, first
// cooperatively from the server, then from the claim tx witness.
func (r *Recoverer) recoverSendPreimage(ctx context.Context,
	s *swap.SendSwap, claimTxID chainhash.Hash) (*lntypes.Preimage,
	error) {

	details, err := r.cfg.Swapper.GetClaimTxDetails(ctx, s.ID)
	if err == nil {
		preimage, err := parsePreimage(details.Preimage)
		if err == nil && preimage.Hash() == s.PreimageHash {
			log.Debugf("Recovered send swap %v preimage "+
				"cooperatively", s.ID)
			return preimage, nil
		}
	}

	txs, err := r.cfg.HomeChain.GetTransactions(
		ctx, []chainhash.Hash{claimTxID},
	)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("claim tx %v not found", claimTxID)
	}

	preimage, err := ExtractClaimPreimage(txs[0], s.PreimageHash)
	if err != nil {
		return nil, err
	}

	log.Debugf("Recovered send swap %v preimage from claim witness",
		s.ID)

	return preimage, nil
}

// recoverReceive reconstructs the txids and state of a receive swap.
func (r *Recoverer) recoverReceive(s *swap.ReceiveSwap,
	histories *historyMaps, txMap *TxMap, tips *Tips,
	withinGrace bool) error {

	log.Debugf("Recovering data for receive swap %v", s.ID)

	script, err := s.LockupScript(r.cfg.HomeParams)
	if err != nil {
		return err
	}

	// Entries at or above the timeout height belong to the server taking
	// its funds back, they say nothing about the swap outcome.
	var history []chain.History
	for _, entry := range histories.home[string(script.PkScript)] {
		if entry.Height < int32(s.TimeoutBlockHeight) {
			history = append(history, entry)
		}
	}

	lockupTx, claimTx := DetermineIncomingTxs(history, txMap)
	recovered := &recoveredReceive{lockupTx: lockupTx, claimTx: claimTx}

	claimCleared := s.ClaimTxID != nil && recovered.claimTx == nil
	if withinGrace && claimCleared {
		log.Warnf("Receive swap %v was updated recently, skipping "+
			"recovery that would clear a claim we may have just "+
			"broadcast", s.ID)
		return nil
	}

	s.LockupTxID = historyTxID(recovered.lockupTx)
	s.ClaimTxID = historyTxID(recovered.claimTx)

	expired := tips.Home >= s.TimeoutBlockHeight
	if state, ok := recovered.derivePartialState(expired); ok {
		reconcileState(&swap.Swap{Receive: s}, state)
	}

	return nil
}

// recoverChainSend reconstructs the txids and state of an outgoing chain
// swap.
func (r *Recoverer) recoverChainSend(ctx context.Context, s *swap.ChainSwap,
	histories *historyMaps, txMap *TxMap, tips *Tips,
	withinGrace bool) error {

	log.Debugf("Recovering data for outgoing chain swap %v", s.ID)

	lockupScript, err := s.LockupScript(r.cfg.HomeParams)
	if err != nil {
		return err
	}
	claimScript, err := s.ClaimScript(r.cfg.RemoteParams)
	if err != nil {
		return err
	}

	lockupHistory := histories.home[string(lockupScript.PkScript)]
	claimHistory := histories.remote[string(claimScript.PkScript)]

	recovered := &recoveredChainSend{}

	for i := range lockupHistory {
		entry := lockupHistory[i]
		if _, ok := txMap.Outgoing[entry.TxID]; ok {
			if recovered.userLockupTx == nil {
				recovered.userLockupTx = &entry
			}
		} else if _, ok := txMap.Incoming[entry.TxID]; ok {
			if recovered.refundTx == nil {
				recovered.refundTx = &entry
			}
		}
	}

	if recovered.userLockupTx == nil && len(lockupHistory) > 0 {
		log.Errorf("No lockup tx found when recovering outgoing "+
			"chain swap %v", s.ID)
	}

	// On the remote leg the wallet has no tx map, the full txs tell the
	// server lockup apart from the claim: the lockup pays to the swap
	// script, the claim spends from it.
	switch len(claimHistory) {
	case 0:

	case 1:
		recovered.serverLockupTx = &claimHistory[0]

	case 2:
		txs, err := r.cfg.RemoteChain.GetTransactions(
			ctx, []chainhash.Hash{claimHistory[0].TxID},
		)
		if err != nil {
			return fmt.Errorf("remote claim txs: %w", err)
		}
		if len(txs) == 0 {
			return fmt.Errorf("remote tx %v not found",
				claimHistory[0].TxID)
		}

		if claimScript.MatchesOutput(txs[0]) {
			recovered.serverLockupTx = &claimHistory[0]
			recovered.claimTx = &claimHistory[1]
		} else {
			recovered.serverLockupTx = &claimHistory[1]
			recovered.claimTx = &claimHistory[0]
		}

	default:
		log.Warnf("Unexpected remote script history length %d for "+
			"outgoing chain swap %v", len(claimHistory), s.ID)
	}

	lockupCleared := s.UserLockupTxID != nil &&
		recovered.userLockupTx == nil
	refundCleared := s.RefundTxID != nil && recovered.refundTx == nil
	claimCleared := s.ClaimTxID != nil && recovered.claimTx == nil
	if withinGrace && (lockupCleared || refundCleared || claimCleared) {
		log.Warnf("Outgoing chain swap %v was updated recently, "+
			"skipping recovery that would clear a tx we may "+
			"have just broadcast", s.ID)
		return nil
	}

	s.UserLockupTxID = historyTxID(recovered.userLockupTx)
	s.RefundTxID = historyTxID(recovered.refundTx)
	s.ServerLockupTxID = historyTxID(recovered.serverLockupTx)
	s.ClaimTxID = historyTxID(recovered.claimTx)

	expired := tips.Home >= s.LockupTimeoutHeight ||
		tips.Remote >= s.ClaimTimeoutHeight
	if state, ok := recovered.derivePartialState(expired); ok {
		reconcileState(&swap.Swap{Chain: s}, state)
	}

	return nil
}

// recoverChainReceive reconstructs the txids and state of an incoming chain
// swap.
func (r *Recoverer) recoverChainReceive(ctx context.Context,
	s *swap.ChainSwap, histories *historyMaps, txMap *TxMap, tips *Tips,
	withinGrace bool) error {

	log.Debugf("Recovering data for incoming chain swap %v", s.ID)

	lockupScript, err := s.LockupScript(r.cfg.RemoteParams)
	if err != nil {
		return err
	}
	claimScript, err := s.ClaimScript(r.cfg.HomeParams)
	if err != nil {
		return err
	}

	claimHistory := histories.home[string(claimScript.PkScript)]
	lockupHistory := histories.remote[string(lockupScript.PkScript)]

	recovered := &recoveredChainReceive{}
	recovered.serverLockupTx, recovered.claimTx = DetermineIncomingTxs(
		claimHistory, txMap,
	)

	err = r.recoverRemoteLockupLeg(
		ctx, s, lockupScript, lockupHistory, recovered,
	)
	if err != nil {
		return err
	}

	claimCleared := s.ClaimTxID != nil && recovered.claimTx == nil
	refundCleared := s.RefundTxID != nil && recovered.refundTx == nil
	if withinGrace && (claimCleared || refundCleared) {
		log.Warnf("Incoming chain swap %v was updated recently, "+
			"skipping recovery that would clear a tx we may "+
			"have just broadcast", s.ID)
		return nil
	}

	s.ServerLockupTxID = historyTxID(recovered.serverLockupTx)
	s.ClaimTxID = historyTxID(recovered.claimTx)
	s.UserLockupTxID = historyTxID(recovered.userLockupTx)
	s.RefundTxID = historyTxID(recovered.refundTx)

	if recovered.lockupAmountSat > 0 {
		s.ActualPayerAmount = btcutil.Amount(
			recovered.lockupAmountSat,
		)
	}

	expired := tips.Remote >= s.LockupTimeoutHeight
	waitingFee := s.State == swap.StateWaitingFeeAcceptance
	state, ok := recovered.derivePartialState(
		int64(s.PayerAmount), expired, waitingFee,
	)
	if ok {
		reconcileState(&swap.Swap{Chain: s}, state)
	}

	return nil
}

// recoverRemoteLockupLeg fills in the user lockup, refund and balance data
// of an incoming chain swap's remote leg.
func (r *Recoverer) recoverRemoteLockupLeg(ctx context.Context,
	s *swap.ChainSwap, lockupScript *swap.Script,
	lockupHistory []chain.History,
	recovered *recoveredChainReceive) error {

	if len(lockupHistory) == 0 {
		return nil
	}

	txids := make([]chainhash.Hash, len(lockupHistory))
	for i, entry := range lockupHistory {
		txids[i] = entry.TxID
	}
	txs, err := r.cfg.RemoteChain.GetTransactions(ctx, txids)
	if err != nil {
		return fmt.Errorf("remote lockup txs: %w", err)
	}

	balance, err := r.cfg.RemoteChain.ScriptBalance(
		ctx, lockupScript.PkScript,
	)
	if err != nil {
		log.Warnf("Could not fetch lockup balance for chain swap "+
			"%v: %v", s.ID, err)
	} else {
		recovered.lockupBalanceSat = int64(balance.Confirmed)
	}

	// Txs paying to the lockup script are incoming lockups, the rest
	// spend from it.
	var outgoing []chain.History
	for i, tx := range txs {
		if lockupScript.MatchesOutput(tx) {
			if recovered.userLockupTx != nil {
				continue
			}
			recovered.userLockupTx = &lockupHistory[i]

			for _, out := range tx.TxOut {
				if string(out.PkScript) ==
					string(lockupScript.PkScript) {

					recovered.lockupAmountSat = out.Value
					break
				}
			}

			continue
		}

		outgoing = append(outgoing, lockupHistory[i])
	}

	// Prefer the last unconfirmed spend, it is the one still in flight.
	var lastOutgoing *chain.History
	for i := len(outgoing) - 1; i >= 0; i-- {
		if !outgoing[i].Confirmed() {
			lastOutgoing = &outgoing[i]
			break
		}
	}
	if lastOutgoing == nil && len(outgoing) > 0 {
		lastOutgoing = &outgoing[len(outgoing)-1]
	}

	// With the claim already made, a single spend of the lockup leg is
	// the server sweeping, only additional spends can be our refund.
	if recovered.claimTx != nil {
		if len(outgoing) > 1 {
			recovered.refundTx = lastOutgoing
		}
	} else {
		recovered.refundTx = lastOutgoing
	}

	return nil
}

// ExtractClaimPreimage pulls the payment preimage out of a claim tx
// witness and verifies it against the expected hash.
func ExtractClaimPreimage(tx *wire.MsgTx, hash lntypes.Hash) (
	*lntypes.Preimage, error) {

	if len(tx.TxIn) == 0 {
		return nil, errors.New("claim tx has no inputs")
	}

	for _, txIn := range tx.TxIn {
		for _, item := range txIn.Witness {
			if len(item) != lntypes.PreimageSize {
				continue
			}

			preimage, err := lntypes.MakePreimage(item)
			if err != nil {
				continue
			}
			if preimage.Hash() == hash {
				return &preimage, nil
			}
		}
	}

	return nil, errors.New("no matching preimage in claim tx witness")
}

func parsePreimage(preimageHex string) (*lntypes.Preimage, error) {
	raw, err := hex.DecodeString(preimageHex)
	if err != nil {
		return nil, err
	}
	preimage, err := lntypes.MakePreimage(raw)
	if err != nil {
		return nil, err
	}

	return &preimage, nil
}

func historyTxID(h *chain.History) *chainhash.Hash {
	if h == nil {
		return nil
	}
	txid := h.TxID

	return &txid
}
