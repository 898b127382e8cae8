// Package events distributes observable swap state transitions to
// registered listeners and an internal broadcast channel.
package events

import (
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/tidewallet/tideswap/swap"
)

// EventType enumerates the observable swap transitions.
type EventType uint8

const (
	// EventWaitingConfirmation signals an observed, unconfirmed lockup.
	EventWaitingConfirmation EventType = iota

	// EventWaitingFeeAcceptance signals an amount-adjusted swap awaiting
	// user approval.
	EventWaitingFeeAcceptance

	// EventSucceeded signals a confirmed claim.
	EventSucceeded

	// EventRefundable signals an expired or failed lockup eligible for
	// refund.
	EventRefundable

	// EventRefundPending signals a broadcast, unconfirmed refund.
	EventRefundPending

	// EventFailed signals a terminal failure.
	EventFailed
)

func (e EventType) String() string {
	switch e {
	case EventWaitingConfirmation:
		return "WaitingConfirmation"
	case EventWaitingFeeAcceptance:
		return "WaitingFeeAcceptance"
	case EventSucceeded:
		return "Succeeded"
	case EventRefundable:
		return "Refundable"
	case EventRefundPending:
		return "RefundPending"
	case EventFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event is a single observable swap transition.
type Event struct {
	// Type classifies the transition.
	Type EventType

	// SwapID is the affected swap.
	SwapID string

	// SwapType is the kind of the affected swap.
	SwapType swap.Type

	// State is the new payment state.
	State swap.PaymentState
}

// Listener consumes swap events.
type Listener interface {
	// OnEvent is invoked once per observable transition. It must not
	// block.
	OnEvent(e Event)
}

// Manager fans each event out to all registered listeners and to the
// internal broadcast queue.
type Manager struct {
	mu        sync.Mutex
	listeners map[string]Listener
	nextID    uint64

	broadcast *queue.ConcurrentQueue
}

// NewManager creates an event manager. Stop must be called to release the
// broadcast queue.
func NewManager() *Manager {
	broadcast := queue.NewConcurrentQueue(16)
	broadcast.Start()

	return &Manager{
		listeners: make(map[string]Listener),
		broadcast: broadcast,
	}
}

// Add registers a listener and returns its registration id.
func (m *Manager) Add(listener Listener) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("listener-%d", m.nextID)
	m.listeners[id] = listener

	return id
}

// Remove deregisters a listener by registration id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.listeners, id)
}

// Notify delivers one event to every listener and the broadcast queue.
func (m *Manager) Notify(e Event) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnEvent(e)
	}

	m.broadcast.ChanIn() <- e
}

// Subscribe returns the internal broadcast channel. Events arrive in notify
// order.
func (m *Manager) Subscribe() <-chan interface{} {
	return m.broadcast.ChanOut()
}

// Stop tears down the broadcast queue.
func (m *Manager) Stop() {
	m.broadcast.Stop()
}
