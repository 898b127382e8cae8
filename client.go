package tideswap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/tidewallet/tideswap/events"
	"github.com/tidewallet/tideswap/recovery"
	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
)

// Client performs the client side part of swaps. One instance drives all
// ongoing swaps of a wallet.
type Client struct {
	started uint32 // To be used atomically.

	cfg       *Config
	events    *events.Manager
	executor  *executor
	recoverer *recovery.Recoverer

	send    *sendHandler
	receive *receiveHandler
	chains  *chainHandler

	// mainCtx is the context swaps run under. Set once Run starts.
	mainCtx context.Context

	resumeReady chan struct{}
	wg          sync.WaitGroup
}

// NewClient returns a new instance to initiate swaps with.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	eventManager := events.NewManager()
	kit := &handlerKit{
		cfg:    cfg,
		events: eventManager,
	}

	executor := newExecutor(kit)

	recoverer := recovery.New(&recovery.Config{
		HomeChain:    cfg.HomeChain,
		RemoteChain:  cfg.RemoteChain,
		HomeParams:   cfg.HomeParams,
		RemoteParams: cfg.RemoteParams,
		Swapper:      cfg.Server,
		Clock:        cfg.Clock,
	})

	return &Client{
		cfg:         cfg,
		events:      eventManager,
		executor:    executor,
		recoverer:   recoverer,
		send:        executor.send,
		receive:     executor.receive,
		chains:      executor.chains,
		resumeReady: make(chan struct{}),
	}, nil
}

// Run is a blocking call that executes all swaps. Any pending swaps are
// restored from persistent storage and resumed. The call terminates when
// the context is cancelled.
func (s *Client) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return errors.New("swap client can only be started once")
	}

	mainCtx, mainCancel := context.WithCancel(ctx)
	defer mainCancel()
	s.mainCtx = mainCtx

	// Query the store before starting the event loop so swaps created
	// after startup are never double-resumed.
	pending, err := s.cfg.Store.ListOngoingSwaps(mainCtx)
	if err != nil {
		return err
	}

	streamShutdown := make(chan struct{})
	defer close(streamShutdown)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cfg.Stream.Start(mainCtx, streamShutdown)
	}()

	blockChan := make(chan tipHeights)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollTips(mainCtx, blockChan)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.resumeSwaps(mainCtx, pending)

		// Signal that new requests can be accepted.
		close(s.resumeReady)
	}()

	log.Infof("Starting swap client with %v ongoing swaps", len(pending))

	err = s.executor.run(mainCtx, s.cfg.Stream.Updates(), blockChan)

	// Consider canceled as happy flow.
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if err != nil {
		log.Errorf("Swap client terminating: %v", err)
	} else {
		log.Info("Swap client terminating")
	}

	mainCancel()

	log.Debug("Wait for executor to finish")
	s.executor.waitFinished()

	log.Debug("Wait for goroutines to finish")
	s.wg.Wait()

	s.events.Stop()

	log.Info("Swap client terminated")

	return err
}

// resumeSwaps reconciles the pending swaps against the chains and hands
// them to the executor.
func (s *Client) resumeSwaps(ctx context.Context, pending []*swap.Swap) {
	for _, pend := range pending {
		if err := s.cfg.Stream.TrackSwapID(pend.ID()); err != nil {
			log.Warnf("Could not track swap %v: %v",
				ShortID(pend.ID()), err)
		}
	}

	if err := s.recoverSwaps(ctx, pending); err != nil {
		log.Errorf("Swap recovery: %v", err)
	}

	for _, pend := range pending {
		if pend.State().IsFinal() {
			continue
		}

		s.executor.track(ctx, pend)
	}
}

// recoverSwaps reconciles the given swaps against on-chain data and
// persists any state the stored view was missing.
func (s *Client) recoverSwaps(ctx context.Context,
	swaps []*swap.Swap) error {

	if len(swaps) == 0 {
		return nil
	}

	walletTxs, err := s.cfg.Wallet.Transactions(ctx)
	if err != nil {
		return fmt.Errorf("wallet txs: %w", err)
	}

	before := make(map[string]swap.PaymentState, len(swaps))
	for _, sw := range swaps {
		before[sw.ID()] = sw.State()
	}

	err = s.recoverer.RecoverFromOnchain(ctx, swaps, walletTxs, nil)
	if err != nil {
		return err
	}

	for _, sw := range swaps {
		if sw.State() == before[sw.ID()] {
			continue
		}

		log.Infof("Recovered swap %v: %v -> %v", ShortID(sw.ID()),
			before[sw.ID()], sw.State())

		if err := s.cfg.Store.UpdateSwap(ctx, sw); err != nil {
			return persistError(err)
		}

		s.executor.kit.notify(sw)
	}

	return nil
}

// OnStreamReconnect reconciles all ongoing swaps after the status stream
// reconnected, since updates may have been missed while it was down.
func (s *Client) OnStreamReconnect() {
	ctx := s.mainCtx
	if ctx == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-s.resumeReady:
		case <-ctx.Done():
			return
		}

		log.Infof("Stream reconnected, reconciling ongoing swaps")

		pending, err := s.cfg.Store.ListOngoingSwaps(ctx)
		if err != nil {
			log.Errorf("Could not list ongoing swaps: %v", err)
			return
		}

		if err := s.recoverSwaps(ctx, pending); err != nil {
			log.Errorf("Reconnect recovery: %v", err)
		}
	}()
}

// pollTips feeds fresh chain tips into the executor on every tick.
func (s *Client) pollTips(ctx context.Context, blockChan chan<- tipHeights) {
	tipTicker := ticker.New(s.cfg.PollInterval)
	tipTicker.Resume()
	defer tipTicker.Stop()

	var last tipHeights

	for {
		select {
		case <-tipTicker.Ticks():
			home, err := s.cfg.HomeChain.Tip(ctx)
			if err != nil {
				log.Warnf("Home tip: %v", err)
				continue
			}
			remote, err := s.cfg.RemoteChain.Tip(ctx)
			if err != nil {
				log.Warnf("Remote tip: %v", err)
				continue
			}

			tips := tipHeights{home: home, remote: remote}
			if tips == last {
				continue
			}
			last = tips

			select {
			case blockChan <- tips:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// waitForInitialized blocks until the client is started and all pending
// swaps were resumed, so new swaps cannot collide with resumed ones.
func (s *Client) waitForInitialized(ctx context.Context) error {
	if atomic.LoadUint32(&s.started) != 1 {
		return ErrClientNotStarted
	}

	select {
	case <-s.executor.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.resumeReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// SendSwap initiates a swap that pays the given Lightning invoice from
// on-chain funds. When the call returns the swap has been persisted and
// runs to completion in the background, surviving restarts.
func (s *Client) SendSwap(ctx context.Context,
	req *SendSwapRequest) (*SwapInfo, error) {

	if err := s.waitForInitialized(ctx); err != nil {
		return nil, err
	}

	sw, err := s.send.create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.executor.track(s.mainCtx, sw)

	return newSwapInfo(sw), nil
}

// ReceiveSwap initiates a swap that receives on-chain funds for a
// Lightning payment. The returned info carries the invoice the
// counterparty has to pay.
func (s *Client) ReceiveSwap(ctx context.Context,
	req *ReceiveSwapRequest) (*SwapInfo, error) {

	if err := s.waitForInitialized(ctx); err != nil {
		return nil, err
	}

	sw, err := s.receive.create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.executor.track(s.mainCtx, sw)

	return newSwapInfo(sw), nil
}

// ChainSwap initiates a swap that moves funds between the home and the
// remote chain. The returned info carries the lockup address the payer
// side funds.
func (s *Client) ChainSwap(ctx context.Context,
	req *ChainSwapRequest) (*SwapInfo, error) {

	if err := s.waitForInitialized(ctx); err != nil {
		return nil, err
	}

	sw, err := s.chains.create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.executor.track(s.mainCtx, sw)

	return newSwapInfo(sw), nil
}

// AcceptFees lets an amountless incoming chain swap proceed with the
// amounts derived from the actual lockup.
func (s *Client) AcceptFees(ctx context.Context, swapID string) error {
	if err := s.waitForInitialized(ctx); err != nil {
		return err
	}

	sw, err := s.loadSwap(ctx, swapID)
	if err != nil {
		return err
	}
	if sw.Type() != swap.TypeChain {
		return fmt.Errorf("swap %v is not a chain swap", swapID)
	}

	return s.chains.acceptFees(ctx, sw)
}

// RefundSwap broadcasts a refund for a refundable swap to the given
// address. A zero fee rate uses the chain's estimate, cooperative refunds
// fall back to the script path on failure.
func (s *Client) RefundSwap(ctx context.Context, swapID, address string,
	feeRate btcutil.Amount, cooperative bool) (*chainhash.Hash, error) {

	if err := s.waitForInitialized(ctx); err != nil {
		return nil, err
	}

	sw, err := s.loadSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	switch sw.Type() {
	case swap.TypeSend:
		return s.send.refund(ctx, sw, address, feeRate, cooperative)

	case swap.TypeChain:
		return s.chains.refund(ctx, sw, address, feeRate, cooperative)

	default:
		return nil, fmt.Errorf("swap %v is not refundable", swapID)
	}
}

// loadSwap returns the executor's live instance when tracked, falling back
// to the store.
func (s *Client) loadSwap(ctx context.Context, swapID string) (*swap.Swap,
	error) {

	if sw := s.executor.get(swapID); sw != nil {
		return sw, nil
	}

	sw, err := s.cfg.Store.GetSwap(ctx, swapID)
	if errors.Is(err, swapdb.ErrSwapNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, persistError(err)
	}

	return sw, nil
}

// GetSwapInfo returns the current view of one swap.
func (s *Client) GetSwapInfo(ctx context.Context, swapID string) (*SwapInfo,
	error) {

	sw, err := s.loadSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	return newSwapInfo(sw), nil
}

// ListSwaps returns all swaps currently in the database.
func (s *Client) ListSwaps(ctx context.Context) ([]*SwapInfo, error) {
	swaps, err := s.cfg.Store.ListSwaps(ctx)
	if err != nil {
		return nil, persistError(err)
	}

	infos := make([]*SwapInfo, 0, len(swaps))
	for _, sw := range swaps {
		infos = append(infos, newSwapInfo(sw))
	}

	return infos, nil
}

// Events returns the manager swap lifecycle events can be subscribed on.
func (s *Client) Events() *events.Manager {
	return s.events
}
