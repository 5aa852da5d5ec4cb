package kernel

import (
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/boundary"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/pkg/waiter"
	"github.com/pkg/errors"
)

const (
	ProcessExited waiter.EventType = 1 << iota
)

var ErrNoProcess = errors.New("no such process")

// DefaultMaxProcs bounds the process table; fork fails cleanly past
// it rather than exhausting frames on page tables.
const DefaultMaxProcs = 256

type Kernel struct {
	Mem     *mem.Manager
	Table   *Table
	Sched   *Scheduler
	Futexes *Futexes

	FS       boundary.FileSource
	Notifier boundary.KillNotifier

	// Events fires on process lifecycle transitions; external
	// supervisors register here.
	Events waiter.Waiter
}

func NewKernel(mm *mem.Manager, fs boundary.FileSource) *Kernel {
	k := &Kernel{
		Mem:     mm,
		Table:   NewTable(DefaultMaxProcs),
		Futexes: NewFutexes(),
		FS:      fs,
	}

	k.Sched = NewScheduler(k.Table)

	return k
}

func (k *Kernel) CurrentTask() *Task {
	return k.Table.Task(k.Sched.Current())
}

// Block parks t and arms the restart policy for its eventual wake.
func (k *Kernel) Block(t *Task, reason BlockReason, restart bool) {
	if restart {
		t.SetRestart()
	}

	k.Sched.Block(t, reason)
}

// Kernel stacks live in the shared upper half, one span per task id
// with an unmapped guard gap between neighbours.
func KernelStackBase(id TaskID) uint64 {
	return mem.KernelBase + uint64(id)*2*KernelStackSize
}

func (k *Kernel) mapKernelStack(t *Task) error {
	return k.Mem.MapKernel(KernelStackBase(t.ID), KernelStackSize)
}

func (k *Kernel) unmapKernelStack(t *Task) {
	k.Mem.UnmapKernel(KernelStackBase(t.ID), KernelStackSize)
}

// SendSignal posts sig to pid. SIGKILL is not queued: the target
// dies here. Blocked tasks of the target wake so delivery is not
// deferred until a timer happens to preempt them.
func (k *Kernel) SendSignal(pid, sig int) error {
	p := k.Table.Process(pid)
	if p == nil || p.Status() != ProcessAlive {
		return errors.Wrapf(ErrNoProcess, "pid %d", pid)
	}

	if sig == linux.SIGKILL {
		k.KillProcess(p, linux.SIGKILL)
		return nil
	}

	err := p.signals.Send(sig)
	if err != nil {
		return err
	}

	log.L.Trace("signal-send", "pid", pid, "signal", sig)

	k.interruptTasks(p)

	return nil
}

// interruptTasks wakes any blocked task of p so it can act on a
// pending signal. A futex sleeper leaves its queue with EINTR; a
// wait4 sleeper re-executes and re-checks.
func (k *Kernel) interruptTasks(p *Process) {
	for _, id := range p.Tasks() {
		t := k.Table.Task(id)
		if t == nil {
			continue
		}

		if k.Sched.StateOf(t) != TaskBlocked {
			continue
		}

		if k.Futexes.Forget(t) {
			t.DeliverResult(-abi.EINTR)
		}

		k.Sched.Unblock(t)
	}
}

// wakeWaiters readies every task of p blocked for the given reason.
func (k *Kernel) wakeWaiters(p *Process, reason BlockReason) {
	for _, id := range p.Tasks() {
		t := k.Table.Task(id)
		if t != nil && k.Sched.BlockedFor(t, reason) {
			k.Sched.Unblock(t)
		}
	}
}

// KillProcess terminates p as if by an uncaught fatal signal.
func (k *Kernel) KillProcess(p *Process, sig int) {
	log.L.Trace("process-kill", "pid", p.Pid, "signal", sig)

	p.Exit(0, sig)
	k.Sched.RequestResched()
}

// ReapChild implements the wait4 core: find a zombie child of parent
// matching the pid filter (-1 for any), release it, and hand back its
// pid and status. A nil error with a zero pid means children exist
// but none are reapable yet.
func (k *Kernel) ReapChild(parent *Process, pidFilter int) (int, ExitStatus, error) {
	children := k.Table.Children(parent.Pid)

	var matched bool

	for _, c := range children {
		if pidFilter != -1 && c.Pid != pidFilter {
			continue
		}

		matched = true

		if c.Status() != ProcessZombie {
			continue
		}

		st := c.ExitStatus()
		c.reap()

		return c.Pid, st, nil
	}

	if !matched {
		return 0, ExitStatus{}, ErrNoChildren
	}

	return 0, ExitStatus{}, nil
}
