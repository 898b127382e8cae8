package tideswap

import (
	"context"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/tidewallet/tideswap/swap"
	"github.com/tidewallet/tideswap/swapdb"
	"github.com/tidewallet/tideswap/swapserver"
)

// tipHeights carries the chain tips a block message was observed at.
type tipHeights struct {
	home   uint32
	remote uint32
}

// swapMsg is one unit of work for a swap. Either a server status update or
// a pair of new chain tips.
type swapMsg struct {
	status *swapserver.StatusUpdate
	tips   tipHeights
}

// executor serializes all work per swap. Every tracked swap owns a
// concurrent queue and a worker goroutine, so status updates and block
// notifications for one swap never race while distinct swaps progress
// independently.
type executor struct {
	wg    sync.WaitGroup
	ready chan struct{}

	kit      *handlerKit
	send     *sendHandler
	receive  *receiveHandler
	chains   *chainHandler
	newSwaps chan *swap.Swap

	mu     sync.Mutex
	queues map[string]*queue.ConcurrentQueue
	swaps  map[string]*swap.Swap
}

func newExecutor(kit *handlerKit) *executor {
	return &executor{
		ready:    make(chan struct{}),
		kit:      kit,
		send:     newSendHandler(kit),
		receive:  newReceiveHandler(kit),
		chains:   newChainHandler(kit),
		newSwaps: make(chan *swap.Swap),
		queues:   make(map[string]*queue.ConcurrentQueue),
		swaps:    make(map[string]*swap.Swap),
	}
}

// run starts the executor event loop. It accepts new swaps, routes server
// status updates to the owning swap's queue and fans out block
// notifications to every tracked swap.
func (e *executor) run(ctx context.Context,
	statusChan <-chan *swapserver.StatusUpdate,
	blockChan <-chan tipHeights) error {

	swapDoneChan := make(chan string)

	defer func() {
		e.mu.Lock()
		for _, q := range e.queues {
			q.Stop()
		}
		e.queues = make(map[string]*queue.ConcurrentQueue)
		e.mu.Unlock()

		e.wg.Wait()
	}()

	close(e.ready)

	for {
		select {
		case s := <-e.newSwaps:
			e.startSwap(ctx, s, swapDoneChan)

		case update, ok := <-statusChan:
			if !ok {
				return errors.New("status stream closed")
			}

			e.mu.Lock()
			q, tracked := e.queues[update.ID]
			e.mu.Unlock()

			if !tracked {
				q = e.resumeSwap(ctx, update.ID, swapDoneChan)
				if q == nil {
					continue
				}
			}

			select {
			case q.ChanIn() <- swapMsg{status: update}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case tips := <-blockChan:
			e.mu.Lock()
			queues := make(
				[]*queue.ConcurrentQueue, 0, len(e.queues),
			)
			for _, q := range e.queues {
				queues = append(queues, q)
			}
			e.mu.Unlock()

			for _, q := range queues {
				select {
				case q.ChanIn() <- swapMsg{tips: tips}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

		case id := <-swapDoneChan:
			e.mu.Lock()
			if q, ok := e.queues[id]; ok {
				q.Stop()
				delete(e.queues, id)
				delete(e.swaps, id)
			}
			e.mu.Unlock()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// track hands a swap to the executor main loop.
func (e *executor) track(ctx context.Context, s *swap.Swap) {
	select {
	case e.newSwaps <- s:
	case <-ctx.Done():
	}
}

// startSwap registers a swap and spins up its worker.
func (e *executor) startSwap(ctx context.Context, s *swap.Swap,
	swapDoneChan chan string) *queue.ConcurrentQueue {

	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queues[s.ID()]; ok {
		return q
	}

	q := queue.NewConcurrentQueue(10)
	q.Start()
	e.queues[s.ID()] = q
	e.swaps[s.ID()] = s

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		for {
			select {
			case item, ok := <-q.ChanOut():
				if !ok {
					return
				}

				msg := item.(swapMsg)
				e.dispatch(ctx, s, msg)

				if s.State().IsFinal() {
					log.Infof("Swap %v finished in "+
						"state %v", ShortID(s.ID()),
						s.State())

					select {
					case swapDoneChan <- s.ID():
					case <-ctx.Done():
					}
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return q
}

// resumeSwap loads a swap the stream knows about but the executor does not
// track yet. Returns nil when the swap is unknown or already settled.
func (e *executor) resumeSwap(ctx context.Context, id string,
	swapDoneChan chan string) *queue.ConcurrentQueue {

	s, err := e.kit.cfg.Store.GetSwap(ctx, id)
	if errors.Is(err, swapdb.ErrSwapNotFound) {
		log.Debugf("Status update for unknown swap %v", ShortID(id))
		return nil
	}
	if err != nil {
		log.Errorf("Could not load swap %v: %v", ShortID(id), err)
		return nil
	}

	if s.State().IsFinal() {
		log.Debugf("Status update for settled swap %v", ShortID(id))
		return nil
	}

	return e.startSwap(ctx, s, swapDoneChan)
}

// dispatch runs one message through the matching handler. Handler errors
// are logged, not fatal, the next status or block gets another attempt.
func (e *executor) dispatch(ctx context.Context, s *swap.Swap, msg swapMsg) {
	var err error

	switch {
	case msg.status != nil:
		switch s.Type() {
		case swap.TypeSend:
			err = e.send.handleStatus(ctx, s, msg.status)
		case swap.TypeReceive:
			err = e.receive.handleStatus(ctx, s, msg.status)
		case swap.TypeChain:
			err = e.chains.handleStatus(ctx, s, msg.status)
		}

	default:
		switch s.Type() {
		case swap.TypeSend:
			err = e.send.handleBlock(ctx, s, msg.tips.home)
		case swap.TypeReceive:
			err = e.receive.handleBlock(ctx, s, msg.tips.home)
		case swap.TypeChain:
			err = e.chains.handleBlock(
				ctx, s, msg.tips.home, msg.tips.remote,
			)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		e.kit.swapLog(s).Errorf("Handler error: %v", err)
	}
}

// get returns a tracked swap, or nil.
func (e *executor) get(id string) *swap.Swap {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.swaps[id]
}

// waitFinished waits for all swap workers to finish.
func (e *executor) waitFinished() {
	e.wg.Wait()
}
