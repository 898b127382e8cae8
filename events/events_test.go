package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidewallet/tideswap/swap"
)

type recordingListener struct {
	events []Event
}

func (r *recordingListener) OnEvent(e Event) {
	r.events = append(r.events, e)
}

func TestManagerListeners(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	first := &recordingListener{}
	second := &recordingListener{}

	firstID := m.Add(first)
	m.Add(second)

	e := Event{
		Type:     EventSucceeded,
		SwapID:   "swap-1",
		SwapType: swap.TypeSend,
		State:    swap.StateComplete,
	}
	m.Notify(e)

	require.Equal(t, []Event{e}, first.events)
	require.Equal(t, []Event{e}, second.events)

	// A removed listener no longer receives events.
	m.Remove(firstID)
	m.Notify(e)

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 2)
}

func TestManagerBroadcastOrder(t *testing.T) {
	m := NewManager()
	defer m.Stop()

	sub := m.Subscribe()

	sent := []Event{
		{Type: EventWaitingConfirmation, SwapID: "a"},
		{Type: EventRefundable, SwapID: "b"},
		{Type: EventFailed, SwapID: "b"},
	}
	for _, e := range sent {
		m.Notify(e)
	}

	for _, want := range sent {
		select {
		case got := <-sub:
			require.Equal(t, want, got.(Event))

		case <-time.After(time.Second):
			t.Fatal("timeout waiting for broadcast event")
		}
	}
}
