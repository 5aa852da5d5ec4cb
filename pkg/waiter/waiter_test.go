package waiter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

const (
	evExit EventType = 1 << iota
	evStop
)

func TestWaiter(t *testing.T) {
	n := neko.Modern(t)

	n.It("fires callbacks whose mask matches", func(t *testing.T) {
		var w Waiter

		var got EventType
		w.Register(&Event{
			Mask:     evExit,
			Callback: func(_ *Event, mask EventType) { got = mask },
		})

		w.Notify(evStop)
		require.Zero(t, got)

		w.Notify(evExit | evStop)
		require.Equal(t, evExit, got)
	})

	n.It("stops firing after unregister", func(t *testing.T) {
		var w Waiter

		var calls int
		e := &Event{
			Mask:     evExit,
			Callback: func(*Event, EventType) { calls++ },
		}

		w.Register(e)
		w.Notify(evExit)

		w.Unregister(e)
		w.Notify(evExit)

		require.Equal(t, 1, calls)
	})

	n.It("coalesces channel notifications instead of blocking", func(t *testing.T) {
		var w Waiter

		c := make(chan struct{}, 1)
		w.RegisterChannel(evExit, c)

		w.Notify(evExit)
		w.Notify(evExit)

		<-c

		select {
		case <-c:
			t.Fatal("second notification was queued")
		default:
		}
	})

	n.Meow()
}
