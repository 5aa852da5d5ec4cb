package kernel

import (
	"sync"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/pkg/ilist"
)

type futexWaiter struct {
	ilist.Entry
	id  TaskID
	key uint64
}

// Futexes keys wait queues by the physical address behind the user
// virtual address, so processes sharing a frame share the futex.
type Futexes struct {
	mu     sync.Mutex
	queues map[uint64]*ilist.List
	byTask map[TaskID]*futexWaiter
}

func NewFutexes() *Futexes {
	return &Futexes{
		queues: make(map[uint64]*ilist.List),
		byTask: make(map[TaskID]*futexWaiter),
	}
}

// Wait re-reads the word at uaddr under the futex lock; if it still
// matches expected the task joins the queue in FIFO order and blocks.
func (f *Futexes) Wait(t *Task, uaddr uint64, expected uint32) int64 {
	p := t.Process()

	key, err := p.Space.PhysAddr(uaddr)
	if err != nil {
		return -abi.EFAULT
	}

	f.mu.Lock()

	var cur uint32
	if p.CopyIn(uaddr, &cur) != nil {
		f.mu.Unlock()
		return -abi.EFAULT
	}

	if cur != expected {
		f.mu.Unlock()
		return -abi.EAGAIN
	}

	w := &futexWaiter{id: t.ID, key: key}

	q := f.queues[key]
	if q == nil {
		q = new(ilist.List)
		f.queues[key] = q
	}

	q.PushBack(w)
	f.byTask[t.ID] = w

	f.mu.Unlock()

	log.L.Trace("futex-wait", "task", t.ID, "key", key, "value", expected)

	t.Kernel.Block(t, BlockFutex, false)

	return RetBlocked
}

// Wake releases up to count waiters on uaddr's queue, oldest first,
// and reports how many it woke. Each woken task observes a zero
// futex result.
func (f *Futexes) Wake(p *Process, uaddr uint64, count int) int64 {
	key, err := p.Space.PhysAddr(uaddr)
	if err != nil {
		return -abi.EFAULT
	}

	var woken []*futexWaiter

	f.mu.Lock()

	q := f.queues[key]
	for q != nil && !q.Empty() && len(woken) < count {
		w := q.Front().(*futexWaiter)
		q.Remove(w)
		delete(f.byTask, w.id)
		woken = append(woken, w)
	}

	if q != nil && q.Empty() {
		delete(f.queues, key)
	}

	f.mu.Unlock()

	k := p.Kernel

	for _, w := range woken {
		t := k.Table.Task(w.id)
		if t == nil {
			continue
		}

		t.DeliverResult(0)
		k.Sched.Unblock(t)
	}

	log.L.Trace("futex-wake", "key", key, "woken", len(woken))

	return int64(len(woken))
}

// Forget drops t from whatever queue it sits on. Used when a signal
// or exit yanks a waiter out before a wake arrives.
func (f *Futexes) Forget(t *Task) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.byTask[t.ID]
	if !ok {
		return false
	}

	delete(f.byTask, t.ID)

	if q := f.queues[w.key]; q != nil {
		q.Remove(w)

		if q.Empty() {
			delete(f.queues, w.key)
		}
	}

	return true
}
