package kernel

import (
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
)

// Switch is the context-switch engine: pure mechanism, no policy. It
// saves the live machine state into from, loads to's saved state, and
// retargets translation and the kernel stack only when crossing a
// process boundary. Callers must not hold the scheduler lock.
func (k *Kernel) Switch(m *cpu.Machine, from, to *Task) {
	if from != nil {
		from.Ctx = m.Ctx
	}

	m.Ctx = to.Ctx
	to.Stats.ContextSwitches++

	if from == nil || from.Pid != to.Pid {
		p := to.Process()
		if p == nil {
			log.L.Error("switch to task with no process", "task", to.ID, "pid", to.Pid)
			m.Halt()
			return
		}

		m.Mem = p.Space
		m.KStackTop = to.KernelStackTop
	}

	log.L.Trace("context-switch", "to", to.ID, "pid", to.Pid, "pc", m.Ctx.PC)
}
