package kernel

import (
	"sync"

	"github.com/pkg/errors"
)

var ErrNoPids = errors.New("out of pids")

// Table is the flat process and task registry. Pids are reused from
// the lowest free slot below the high-water mark; task ids are never
// reused.
type Table struct {
	mu        sync.RWMutex
	maxProcs  int
	highWater int
	procs     map[int]*Process
	tasks     map[TaskID]*Task
	nextTask  TaskID
}

func NewTable(maxProcs int) *Table {
	return &Table{
		maxProcs: maxProcs,
		procs:    make(map[int]*Process),
		tasks:    make(map[TaskID]*Task),
	}
}

// AssignPid registers proc under the lowest free pid.
func (tb *Table) AssignPid(proc *Process) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.maxProcs > 0 && len(tb.procs) >= tb.maxProcs {
		return 0, ErrNoPids
	}

	for i := 1; i <= tb.highWater; i++ {
		if _, ok := tb.procs[i]; !ok {
			proc.Pid = i
			tb.procs[i] = proc
			return i, nil
		}
	}

	tb.highWater++
	pid := tb.highWater
	tb.procs[pid] = proc
	proc.Pid = pid

	return pid, nil
}

// NewTask registers a task for pid. The kernel stack span is derived
// from the task id; the caller maps it before the task first runs.
func (tb *Table) NewTask(k *Kernel, pid, priority int) *Task {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.nextTask++
	id := tb.nextTask

	t := &Task{
		ID:             id,
		Pid:            pid,
		Kernel:         k,
		Priority:       priority,
		State:          TaskNew,
		Slice:          DefaultSlice,
		KernelStackTop: KernelStackBase(id) + KernelStackSize,
	}

	tb.tasks[id] = t

	return t
}

func (tb *Table) Process(pid int) *Process {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return tb.procs[pid]
}

func (tb *Table) Task(id TaskID) *Task {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	return tb.tasks[id]
}

func (tb *Table) RemoveProcess(pid int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	delete(tb.procs, pid)
}

func (tb *Table) RemoveTask(id TaskID) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	delete(tb.tasks, id)
}

// Children snapshots the live and zombie children of pid.
func (tb *Table) Children(pid int) []*Process {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	var out []*Process
	for _, p := range tb.procs {
		if p.Parent == pid {
			out = append(out, p)
		}
	}

	return out
}

func (tb *Table) Processes() []*Process {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	out := make([]*Process, 0, len(tb.procs))
	for _, p := range tb.procs {
		out = append(out, p)
	}

	return out
}
