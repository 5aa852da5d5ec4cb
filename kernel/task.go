package kernel

import (
	"math"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
)

const (
	NumPriorities   = 32
	DefaultPriority = 16
	DefaultSlice    = 10

	KernelStackSize = 16 * 1024
)

// Sentinel returns from syscall handlers. Both are far outside the
// errno range, so they can never collide with a real result.
const (
	// RetBlocked means the calling task blocked; its saved context
	// carries the eventual result.
	RetBlocked int64 = math.MinInt64

	// RetNoReturn means the handler rewrote the task context
	// (execve, sigreturn, exit) and no result is stuffed.
	RetNoReturn int64 = math.MinInt64 + 1
)

type TaskID int

type TaskState int

const (
	TaskNew TaskState = iota
	TaskReady
	TaskRunning
	TaskBlocked
	TaskZombie
	TaskReaped
)

func (s TaskState) String() string {
	switch s {
	case TaskNew:
		return "new"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskZombie:
		return "zombie"
	case TaskReaped:
		return "reaped"
	}

	return "unknown"
}

type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockChildExit
	BlockFutex
	BlockIO
)

func (r BlockReason) String() string {
	switch r {
	case BlockNone:
		return "none"
	case BlockChildExit:
		return "child-exit"
	case BlockFutex:
		return "futex"
	case BlockIO:
		return "io"
	}

	return "unknown"
}

type TaskStats struct {
	ContextSwitches uint64
	Syscalls        uint64
	PageFaults      uint64
}

// Task is one schedulable thread of control. State, Reason and Slice
// are guarded by the scheduler lock; Ctx is owned by the running cpu
// while the task is current and by the switch engine otherwise.
type Task struct {
	ID       TaskID
	Pid      int
	Kernel   *Kernel
	Priority int

	State  TaskState
	Reason BlockReason
	Slice  int

	Ctx            cpu.Context
	KernelStackTop uint64

	Stats TaskStats

	sigFrame      *cpu.Context
	restartOnWake bool
}

func (t *Task) Process() *Process {
	return t.Kernel.Table.Process(t.Pid)
}

// SetRestart arms re-execution of the trapping instruction when the
// task is next woken.
func (t *Task) SetRestart() {
	t.restartOnWake = true
}

// TakeRestart consumes the restart request.
func (t *Task) TakeRestart() bool {
	r := t.restartOnWake
	t.restartOnWake = false
	return r
}

// DeliverResult stuffs a syscall result into the saved context of a
// task that blocked without restart.
func (t *Task) DeliverResult(v int64) {
	t.Ctx.R[0] = uint64(v)
}

// PushSignalFrame saves the interrupted context ahead of running a
// user handler. Only one frame is kept; a second push fails and the
// signal stays queued.
func (t *Task) PushSignalFrame(saved cpu.Context) bool {
	if t.sigFrame != nil {
		return false
	}

	frame := saved
	t.sigFrame = &frame
	return true
}

// PopSignalFrame returns the context interrupted by the current
// handler, or nil when no handler is active.
func (t *Task) PopSignalFrame() *cpu.Context {
	frame := t.sigFrame
	t.sigFrame = nil
	return frame
}
