package kernel

import (
	"sync"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
)

// Scheduler is a strict-priority round-robin scheduler: 32 FIFO ready
// queues, highest priority wins, equal priorities rotate when their
// time slice runs out.
//
// Interrupt context only decides (TimerTick sets the resched flag);
// the switch itself happens later, at a return-to-user checkpoint,
// after this lock is released.
type Scheduler struct {
	mu          sync.Mutex
	table       *Table
	queues      [NumPriorities][]TaskID
	current     TaskID
	needResched bool
}

func NewScheduler(tb *Table) *Scheduler {
	return &Scheduler{table: tb}
}

// Enqueue makes t ready and pushes it on the tail of its priority
// queue.
func (s *Scheduler) Enqueue(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enqueueLocked(t)
}

func (s *Scheduler) enqueueLocked(t *Task) {
	t.State = TaskReady
	t.Reason = BlockNone
	s.queues[t.Priority] = append(s.queues[t.Priority], t.ID)

	if cur := s.table.Task(s.current); cur != nil && t.Priority > cur.Priority {
		s.needResched = true
	}
}

// Current is the running task id, zero when no task is current.
func (s *Scheduler) Current() TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current
}

func (s *Scheduler) StateOf(t *Task) TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return t.State
}

// BlockedFor reports whether t is blocked for the given reason.
func (s *Scheduler) BlockedFor(t *Task, reason BlockReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return t.State == TaskBlocked && t.Reason == reason
}

// TimerTick burns one tick of the current slice. It only marks the
// need to reschedule; no queues move here.
func (s *Scheduler) TimerTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.table.Task(s.current)
	if cur == nil || cur.State != TaskRunning {
		return
	}

	if cur.Slice > 0 {
		cur.Slice--
	}

	if cur.Slice == 0 {
		s.needResched = true
	}
}

func (s *Scheduler) NeedResched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.needResched
}

func (s *Scheduler) RequestResched() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.needResched = true
}

// PickNext chooses the next task to run. If the current task is still
// runnable it goes to the tail of its queue. The chosen task is marked
// running with a fresh slice; the caller performs the actual context
// switch after this returns.
func (s *Scheduler) PickNext() (prev, next *Task, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.table.Task(s.current)

	if prev != nil && prev.State == TaskRunning {
		prev.State = TaskReady
		s.queues[prev.Priority] = append(s.queues[prev.Priority], prev.ID)
	}

	for pri := NumPriorities - 1; pri >= 0; pri-- {
		q := s.queues[pri]
		if len(q) == 0 {
			continue
		}

		id := q[0]
		s.queues[pri] = q[1:]

		next = s.table.Task(id)
		if next == nil {
			log.L.Warn("ready queue held unknown task", "task", id)
			pri++
			continue
		}

		next.State = TaskRunning
		next.Slice = DefaultSlice
		s.current = next.ID
		s.needResched = false

		return prev, next, true
	}

	// Nothing runnable. prev either blocked or died; either way it
	// is no longer current.
	s.current = 0
	s.needResched = false

	return prev, nil, false
}

// Block parks the current task. The caller blocks only from syscall
// context, so t is the running task.
func (s *Scheduler) Block(t *Task, reason BlockReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.State = TaskBlocked
	t.Reason = reason
	s.needResched = true

	log.L.Trace("task-block", "task", t.ID, "pid", t.Pid, "reason", reason)
}

// Unblock makes a blocked task ready again. Waking an already-ready
// or dead task is a no-op.
func (s *Scheduler) Unblock(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.State != TaskBlocked {
		return
	}

	log.L.Trace("task-unblock", "task", t.ID, "pid", t.Pid, "reason", t.Reason)

	s.enqueueLocked(t)
}

// Terminate moves a task to zombie and scrubs it from the ready
// queues so it can never be picked again.
func (s *Scheduler) Terminate(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.State = TaskZombie
	t.Reason = BlockNone

	for pri := range s.queues {
		q := s.queues[pri]
		for i, id := range q {
			if id == t.ID {
				s.queues[pri] = append(q[:i:i], q[i+1:]...)
				break
			}
		}
	}

	if s.current == t.ID {
		s.needResched = true
	}
}

// ReadyCount reports how many tasks are waiting to run.
func (s *Scheduler) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, q := range s.queues {
		n += len(q)
	}

	return n
}
