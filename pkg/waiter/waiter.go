// Package waiter delivers kernel lifecycle events to registered
// listeners. Notify runs callbacks inline on the kernel path, so
// callbacks must never block.
package waiter

import (
	"sync"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/pkg/ilist"
)

type EventType uint64

// Event is one registration. Callback fires with the intersection of
// the notified mask and the registered one, under the waiter's read
// lock.
type Event struct {
	ilist.Entry

	Mask     EventType
	Context  interface{}
	Callback func(e *Event, mask EventType)
}

// Waiter fans event notifications out to its registrations. The zero
// value is ready to use.
type Waiter struct {
	mu     sync.RWMutex
	events ilist.List
}

func (w *Waiter) Register(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events.PushBack(e)
}

// RegisterChannel registers a coalescing channel listener: a notify
// arriving while the channel is full is dropped, the way a
// level-triggered wakeup would be.
func (w *Waiter) RegisterChannel(mask EventType, c chan struct{}) *Event {
	e := &Event{
		Mask:     mask,
		Context:  c,
		Callback: notifyChan,
	}

	w.Register(e)

	return e
}

func notifyChan(e *Event, _ EventType) {
	select {
	case e.Context.(chan struct{}) <- struct{}{}:
	default:
	}
}

func (w *Waiter) Unregister(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.events.Remove(e)
}

// Notify fires every registration whose mask intersects mask.
func (w *Waiter) Notify(mask EventType) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for it := w.events.Front(); it != nil; it = it.Next() {
		e := it.(*Event)
		if m := mask & e.Mask; m != 0 {
			e.Callback(e, m)
		}
	}
}
