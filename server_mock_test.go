package tideswap

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/tidewallet/tideswap/swapserver"
)

var testPair = &swapserver.Pair{
	Hash:                  "pair-hash-1",
	Rate:                  1,
	FeeBase:               100,
	FeeRate:               5000,
	MinimalAmount:         10_000,
	MaximalAmount:         10_000_000,
	MaximalZeroConfAmount: 500_000,
}

// serverMock implements swapserver.Swapper with canned responses that tests
// override per scenario.
type serverMock struct {
	mu sync.Mutex

	pair *swapserver.Pair

	// The create hooks let tests answer with parameters derived from the
	// request, e.g. a lockup address matching the submitted keys.
	sendHook func(req *swapserver.CreateSendSwapRequest) (
		*swapserver.CreateSendSwapResponse, error)
	receiveHook func(req *swapserver.CreateReceiveSwapRequest) (
		*swapserver.CreateReceiveSwapResponse, error)
	chainHook func(req *swapserver.CreateChainSwapRequest) (
		*swapserver.CreateChainSwapResponse, error)

	claimDetails *swapserver.ClaimTxDetails

	// claimSigs collects the nonces of the claim signatures handed out.
	claimSigs []string

	// coopErr makes every cooperative signing call fail, forcing the
	// script path.
	coopErr error
}

func newServerMock() *serverMock {
	return &serverMock{
		pair:    testPair,
		coopErr: errors.New("cooperative signing unavailable"),
	}
}

func (s *serverMock) CreateSendSwap(_ context.Context,
	req *swapserver.CreateSendSwapRequest) (
	*swapserver.CreateSendSwapResponse, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendHook == nil {
		return nil, errors.New("no send hook configured")
	}
	return s.sendHook(req)
}

func (s *serverMock) CreateReceiveSwap(_ context.Context,
	req *swapserver.CreateReceiveSwapRequest) (
	*swapserver.CreateReceiveSwapResponse, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.receiveHook == nil {
		return nil, errors.New("no receive hook configured")
	}
	return s.receiveHook(req)
}

func (s *serverMock) CreateChainSwap(_ context.Context,
	req *swapserver.CreateChainSwapRequest) (
	*swapserver.CreateChainSwapResponse, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainHook == nil {
		return nil, errors.New("no chain hook configured")
	}
	return s.chainHook(req)
}

func (s *serverMock) GetPair(_ context.Context, _ string) (*swapserver.Pair,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pair == nil {
		return nil, errors.New("no pair configured")
	}
	return s.pair, nil
}

func (s *serverMock) GetClaimTxDetails(_ context.Context, _ string) (
	*swapserver.ClaimTxDetails, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.claimDetails == nil {
		return nil, errors.New("no claim details configured")
	}
	return s.claimDetails, nil
}

func (s *serverMock) SendClaimSignature(_ context.Context, _, pubNonce,
	_ string) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.claimSigs = append(s.claimSigs, pubNonce)
	return nil
}

func (s *serverMock) GetClaimPartialSig(_ context.Context, _ string,
	_ lntypes.Preimage, _, _ string) (*swapserver.PartialSigDetails,
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return nil, s.coopErr
}

func (s *serverMock) GetRefundPartialSig(_ context.Context, _, _,
	_ string) (*swapserver.PartialSigDetails, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return nil, s.coopErr
}

// streamMock implements swapserver.StatusStream. Tracked ids are recorded,
// updates are pushed by tests.
type streamMock struct {
	mu      sync.Mutex
	tracked []string
	updates chan *swapserver.StatusUpdate
}

func newStreamMock() *streamMock {
	return &streamMock{
		updates: make(chan *swapserver.StatusUpdate, 8),
	}
}

func (s *streamMock) Start(ctx context.Context, shutdown <-chan struct{}) {
	select {
	case <-shutdown:
	case <-ctx.Done():
	}
}

func (s *streamMock) TrackSwapID(swapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracked = append(s.tracked, swapID)
	return nil
}

func (s *streamMock) Updates() <-chan *swapserver.StatusUpdate {
	return s.updates
}

func (s *streamMock) trackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.tracked...)
}

var _ swapserver.Swapper = (*serverMock)(nil)
var _ swapserver.StatusStream = (*streamMock)(nil)

// amt is a shorthand for amounts in tests.
func amt(v int64) btcutil.Amount {
	return btcutil.Amount(v)
}
