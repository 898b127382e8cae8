package tideswap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapserver"
)

// runExecutor starts an executor loop for a test and returns the channels
// feeding it.
func runExecutor(t *testing.T, ctx *testContext) (*executor,
	chan *swapserver.StatusUpdate, chan tipHeights, context.CancelFunc,
	chan error) {

	exec := newExecutor(ctx.kit)
	statusChan := make(chan *swapserver.StatusUpdate)
	blockChan := make(chan tipHeights)

	runCtx, cancel := context.WithCancel(context.Background())

	errChan := make(chan error, 1)
	go func() {
		errChan <- exec.run(runCtx, statusChan, blockChan)
	}()
	<-exec.ready

	return exec, statusChan, blockChan, cancel, errChan
}

func TestExecutorStatusDispatch(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	exec, statusChan, _, cancel, errChan := runExecutor(t, ctx)
	defer cancel()

	exec.track(context.Background(), s)
	require.Eventually(t, func() bool {
		return exec.get(s.ID()) != nil
	}, time.Second, 10*time.Millisecond)

	statusChan <- &swapserver.StatusUpdate{
		ID:     s.ID(),
		Status: swapserver.StatusInvoiceFailedToPay,
	}

	// The worker persists the failure and the executor drops the settled
	// swap.
	ctx.store.AssertState(swap.StateFailed)
	require.Eventually(t, func() bool {
		return exec.get(s.ID()) == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errChan, context.Canceled)
}

func TestExecutorResumesUntrackedSwap(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	_, statusChan, _, cancel, errChan := runExecutor(t, ctx)
	defer cancel()

	// An update for an unknown id is dropped without stalling the loop.
	statusChan <- &swapserver.StatusUpdate{
		ID:     "unknown",
		Status: swapserver.StatusCreated,
	}

	// An update for a stored but untracked swap loads it from the store.
	statusChan <- &swapserver.StatusUpdate{
		ID:     s.ID(),
		Status: swapserver.StatusInvoiceFailedToPay,
	}

	ctx.store.AssertState(swap.StateFailed)
	require.Equal(t, swap.StateFailed, s.State())

	cancel()
	require.ErrorIs(t, <-errChan, context.Canceled)
}

func TestExecutorBlockFanout(t *testing.T) {
	ctx := newTestContext(t)
	s, _ := sendSwapScenario(t, ctx)

	exec, statusChan, blockChan, cancel, errChan := runExecutor(t, ctx)
	defer cancel()

	exec.track(context.Background(), s)
	require.Eventually(t, func() bool {
		return exec.get(s.ID()) != nil
	}, time.Second, 10*time.Millisecond)

	statusChan <- &swapserver.StatusUpdate{
		ID:     s.ID(),
		Status: swapserver.StatusInvoiceSet,
	}

	// The lockup txid is persisted before the broadcast, then the swap
	// moves to pending.
	ctx.store.AssertState(swap.StateCreated)
	ctx.store.AssertState(swap.StatePending)

	// Past the swap timeout the block dispatch reclaims the lockup.
	blockChan <- tipHeights{home: 800_100}

	ctx.store.AssertState(swap.StateRefundable)
	ctx.store.AssertState(swap.StateRefundPending)

	cancel()
	require.ErrorIs(t, <-errChan, context.Canceled)
}
