package swapdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidewallet/tideswap/swap"
)

// StoreMock implements an in-memory mock of the Persister contract.
type StoreMock struct {
	sync.RWMutex

	Swaps   map[string]*swap.Swap
	Updates map[string][]swap.PaymentState
	Cache   map[string]string

	storeChan  chan string
	updateChan chan swap.PaymentState

	t *testing.T
}

// NewStoreMock instantiates a new mock store.
func NewStoreMock(t *testing.T) *StoreMock {
	return &StoreMock{
		Swaps:      make(map[string]*swap.Swap),
		Updates:    make(map[string][]swap.PaymentState),
		Cache:      make(map[string]string),
		storeChan:  make(chan string, 8),
		updateChan: make(chan swap.PaymentState, 8),
		t:          t,
	}
}

// InsertSwap stores a newly created swap.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) InsertSwap(ctx context.Context, sw *swap.Swap) error {
	s.Lock()
	defer s.Unlock()

	id := sw.ID()
	if _, ok := s.Swaps[id]; ok {
		return ErrSwapExists
	}

	s.Swaps[id] = sw
	s.Updates[id] = []swap.PaymentState{sw.State()}
	s.storeChan <- id

	return nil
}

// UpdateSwapState transitions the stored state of a swap.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) UpdateSwapState(ctx context.Context, id string,
	state swap.PaymentState, txs TxUpdate) error {

	s.Lock()
	defer s.Unlock()

	sw, ok := s.Swaps[id]
	if !ok {
		return ErrSwapNotFound
	}

	sw.SetState(state)
	applyTxUpdate(sw, txs)
	s.Updates[id] = append(s.Updates[id], state)
	s.updateChan <- state

	return nil
}

// UpdateSwap replaces the stored swap wholesale.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) UpdateSwap(ctx context.Context, sw *swap.Swap) error {
	s.Lock()
	defer s.Unlock()

	id := sw.ID()
	if _, ok := s.Swaps[id]; !ok {
		return ErrSwapNotFound
	}

	s.Swaps[id] = sw
	s.Updates[id] = append(s.Updates[id], sw.State())
	s.updateChan <- sw.State()

	return nil
}

// GetSwap fetches a swap by id.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) GetSwap(ctx context.Context, id string) (
	*swap.Swap, error) {

	s.RLock()
	defer s.RUnlock()

	sw, ok := s.Swaps[id]
	if !ok {
		return nil, ErrSwapNotFound
	}

	return sw, nil
}

// ListOngoingSwaps lists all swaps that are not in a final state.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) ListOngoingSwaps(ctx context.Context) (
	[]*swap.Swap, error) {

	s.RLock()
	defer s.RUnlock()

	var result []*swap.Swap
	for _, sw := range s.Swaps {
		if !sw.State().IsFinal() {
			result = append(result, sw)
		}
	}

	return result, nil
}

// ListSwaps lists all stored swaps.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) ListSwaps(ctx context.Context) ([]*swap.Swap, error) {
	s.RLock()
	defer s.RUnlock()

	result := make([]*swap.Swap, 0, len(s.Swaps))
	for _, sw := range s.Swaps {
		result = append(result, sw)
	}

	return result, nil
}

// GetCachedItem fetches a cached metadata value.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) GetCachedItem(ctx context.Context, key string) (
	string, error) {

	s.RLock()
	defer s.RUnlock()

	value, ok := s.Cache[key]
	if !ok {
		return "", ErrCacheItemNotFound
	}

	return value, nil
}

// SetCachedItem stores a cached metadata value.
//
// NOTE: Part of the Persister interface.
func (s *StoreMock) SetCachedItem(ctx context.Context, key,
	value string) error {

	s.Lock()
	defer s.Unlock()

	s.Cache[key] = value
	return nil
}

// AssertSwapStored asserts that a swap insertion is persisted.
func (s *StoreMock) AssertSwapStored(expectedID string) {
	s.t.Helper()

	select {
	case id := <-s.storeChan:
		require.Equal(s.t, expectedID, id)

	case <-time.After(5 * time.Second):
		s.t.Fatalf("expected swap to be stored")
	}
}

// AssertState asserts that the next persisted state update matches the
// expected state.
func (s *StoreMock) AssertState(expectedState swap.PaymentState) {
	s.t.Helper()

	select {
	case state := <-s.updateChan:
		require.Equal(s.t, expectedState, state)

	case <-time.After(5 * time.Second):
		s.t.Fatalf("expected swap state to be stored")
	}
}

// AssertNoUpdate asserts that no state update is persisted within a short
// window.
func (s *StoreMock) AssertNoUpdate() {
	s.t.Helper()

	select {
	case state := <-s.updateChan:
		s.t.Fatalf("unexpected state update %v", state)

	case <-time.After(100 * time.Millisecond):
	}
}

func applyTxUpdate(sw *swap.Swap, txs TxUpdate) {
	switch {
	case sw.Send != nil:
		if txs.LockupTxID != nil {
			sw.Send.LockupTxID = txs.LockupTxID
		}
		if txs.RefundTxID != nil {
			sw.Send.RefundTxID = txs.RefundTxID
		}

	case sw.Receive != nil:
		if txs.LockupTxID != nil {
			sw.Receive.LockupTxID = txs.LockupTxID
		}
		if txs.ClaimTxID != nil {
			sw.Receive.ClaimTxID = txs.ClaimTxID
		}

	case sw.Chain != nil:
		if txs.LockupTxID != nil {
			sw.Chain.UserLockupTxID = txs.LockupTxID
		}
		if txs.ServerLockupTxID != nil {
			sw.Chain.ServerLockupTxID = txs.ServerLockupTxID
		}
		if txs.ClaimTxID != nil {
			sw.Chain.ClaimTxID = txs.ClaimTxID
		}
		if txs.RefundTxID != nil {
			sw.Chain.RefundTxID = txs.RefundTxID
		}
	}
}
