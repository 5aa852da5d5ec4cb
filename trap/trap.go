// Package trap handles every user-to-kernel transition: syscalls,
// page faults, invalid instructions and timer interrupts. It is the
// only place that performs context switches and signal delivery, both
// of which happen at the return-to-user checkpoint after the
// scheduler lock is released.
package trap

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/syscalls"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// sigRedZone is skipped below the interrupted SP before a handler
// frame, so the handler cannot clobber live stack data.
const sigRedZone = 128

type Handler struct {
	K *kernel.Kernel
	L hclog.Logger

	invoker *syscalls.Invoker
}

func New(k *kernel.Kernel) *Handler {
	return &Handler{
		K:       k,
		L:       log.L,
		invoker: &syscalls.Invoker{Kernel: k},
	}
}

// Syscall dispatches the call in the saved context, then runs the
// return-to-user checkpoint. Number in R7, arguments in R0..R5,
// result in R0.
func (h *Handler) Syscall(m *cpu.Machine) error {
	cur := h.K.CurrentTask()
	if cur == nil {
		return errors.New("syscall with no current task")
	}

	// Interrupts stay off until the kernel stack is established.
	m.IntEnabled = false
	cur.Ctx = m.Ctx
	m.Ctx.SP = m.KStackTop
	m.Ctx.User = false
	m.IntEnabled = true

	cur.Stats.Syscalls++

	args := syscalls.SysArgs{
		Num: int(cur.Ctx.R[7]),
		Args: syscalls.SyscallRequest{
			R0: cur.Ctx.R[0],
			R1: cur.Ctx.R[1],
			R2: cur.Ctx.R[2],
			R3: cur.Ctx.R[3],
			R4: cur.Ctx.R[4],
			R5: cur.Ctx.R[5],
		},
	}

	h.L.Trace("syscall", "pid", cur.Pid, "task", cur.ID, "num", args.Num)

	ret := h.invoker.InvokeSyscall(context.Background(), cur, args)

	if ret == kernel.RetBlocked {
		if cur.TakeRestart() {
			// Re-execute the trapping instruction on wake.
			cur.Ctx.PC -= cpu.InstrSize
		}
	} else if ret != kernel.RetNoReturn {
		cur.Ctx.R[0] = uint64(ret)
	}

	// Handlers may have rewritten the saved context (execve,
	// sigreturn); always reload it.
	m.Ctx = cur.Ctx

	return h.returnToUser(m)
}

// PageFault resolves copy-on-write write faults and kills the process
// on anything else. PC has not advanced, so a resolved fault simply
// retries the instruction.
func (h *Handler) PageFault(m *cpu.Machine, f cpu.Fault) error {
	cur := h.K.CurrentTask()

	if !m.Ctx.User || cur == nil {
		return errors.Errorf("page fault in kernel context: addr=%#x access=%s", f.Addr, f.Access)
	}

	cur.Stats.PageFaults++

	p := cur.Process()

	err := p.Space.ResolveFault(f.Addr, f.Access)
	if err == nil {
		h.L.Trace("cow-fault-resolved", "pid", cur.Pid, "addr", f.Addr)
		return nil
	}

	h.L.Trace("fatal-fault", "pid", cur.Pid, "addr", f.Addr, "access", f.Access, "pc", m.Ctx.PC)

	h.K.KillProcess(p, linux.SIGSEGV)

	return h.returnToUser(m)
}

// InvalidOp kills the process with SIGILL.
func (h *Handler) InvalidOp(m *cpu.Machine) error {
	cur := h.K.CurrentTask()
	if cur == nil {
		return errors.Errorf("invalid instruction in kernel context: pc=%#x", m.Ctx.PC)
	}

	h.L.Trace("invalid-op", "pid", cur.Pid, "pc", m.Ctx.PC)

	h.K.KillProcess(cur.Process(), linux.SIGILL)

	return h.returnToUser(m)
}

// Tick is the timer interrupt. It only burns the slice and marks the
// need to reschedule; the switch itself happens on the way back to
// user mode.
func (h *Handler) Tick(m *cpu.Machine) error {
	h.K.Sched.TimerTick()

	if cur := h.K.CurrentTask(); cur != nil {
		cur.Ctx = m.Ctx
	}

	return h.returnToUser(m)
}

// returnToUser is the single checkpoint every trap exits through:
// switch away from a dead or preempted task, deliver pending signals,
// and validate the resume state. Each pass either returns to user
// mode or strictly shrinks the set of live tasks, so the loop
// terminates.
func (h *Handler) returnToUser(m *cpu.Machine) error {
	for {
		cur := h.K.CurrentTask()

		if cur == nil || h.K.Sched.StateOf(cur) != kernel.TaskRunning {
			if !h.switchNext(m) {
				return nil
			}
			continue
		}

		if h.deliverSignal(m, cur) {
			continue
		}

		if !h.validResume(m) {
			h.L.Trace("bad resume state", "pid", cur.Pid, "pc", m.Ctx.PC, "sp", m.Ctx.SP)
			h.K.KillProcess(cur.Process(), linux.SIGSEGV)
			continue
		}

		if h.K.Sched.NeedResched() {
			prev, next, ok := h.K.Sched.PickNext()
			if !ok {
				if !h.idle(m, prev) {
					return nil
				}
				continue
			}

			h.K.Switch(m, prev, next)
			continue
		}

		return nil
	}
}

// switchNext moves the machine onto the next runnable task. False
// means nothing is runnable and the machine halted.
func (h *Handler) switchNext(m *cpu.Machine) bool {
	prev, next, ok := h.K.Sched.PickNext()
	if !ok {
		return h.idle(m, prev)
	}

	h.K.Switch(m, prev, next)

	return true
}

// idle handles an empty ready queue. With every task gone the machine
// halts; blocked tasks with no runnable waker are a hang, which gets
// the same treatment plus a loud log line.
func (h *Handler) idle(m *cpu.Machine, prev *kernel.Task) bool {
	var blocked int

	for _, p := range h.K.Table.Processes() {
		for _, id := range p.Tasks() {
			t := h.K.Table.Task(id)
			if t != nil && h.K.Sched.StateOf(t) == kernel.TaskBlocked {
				blocked++
			}
		}
	}

	if blocked > 0 {
		h.L.Error("all runnable tasks gone with sleepers remaining", "blocked", blocked)
	} else {
		h.L.Info("no tasks remain; halting")
	}

	m.Halt()

	return false
}

// deliverSignal pops one pending signal for the running task and acts
// on it. True means machine state changed and the checkpoint must
// rescan.
func (h *Handler) deliverSignal(m *cpu.Machine, cur *kernel.Task) bool {
	p := cur.Process()

	sig, act, ok := p.Signals().Dequeue()
	if !ok {
		return false
	}

	switch act.Handler {
	case linux.SIG_IGN:
		return true

	case linux.SIG_DFL:
		if kernel.DefaultIgnored(sig) {
			return true
		}

		h.L.Trace("signal-default-kill", "pid", cur.Pid, "signal", sig)
		h.K.KillProcess(p, sig)

		return true

	default:
		if !cur.PushSignalFrame(m.Ctx) {
			// A handler is already active; redeliver when it
			// returns.
			p.Signals().Requeue(sig)
			return false
		}

		h.L.Trace("signal-handler-enter", "pid", cur.Pid, "signal", sig, "handler", act.Handler)

		m.Ctx.PC = act.Handler
		m.Ctx.R[0] = uint64(sig)
		m.Ctx.SP = (m.Ctx.SP - sigRedZone) &^ 7

		return false
	}
}

// validResume rejects a user context that cannot legally run: a PC
// outside the user half or misaligned, or a bad stack pointer.
func (h *Handler) validResume(m *cpu.Machine) bool {
	if !m.Ctx.User {
		return false
	}

	if m.Ctx.PC >= mem.UserLimit || m.Ctx.PC%cpu.InstrSize != 0 {
		return false
	}

	if m.Ctx.SP > mem.UserLimit || m.Ctx.SP%8 != 0 {
		return false
	}

	return true
}
