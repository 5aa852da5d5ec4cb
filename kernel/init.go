package kernel

import (
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
	"github.com/pkg/errors"
)

// StartInit creates pid 1 from the program at path and points m at
// it. This is the boot primitive: it runs exactly once, before the
// machine executes its first instruction.
func (k *Kernel) StartInit(m *cpu.Machine, path string, argv, envp []string) (*Process, error) {
	if k.Sched.Current() != 0 {
		return nil, errors.New("init already started")
	}

	proc := &Process{
		Kernel: k,
	}

	pid, err := k.Table.AssignPid(proc)
	if err != nil {
		return nil, err
	}

	proc.Space = k.Mem.NewSpace()

	t := k.Table.NewTask(k, pid, DefaultPriority)

	err = k.mapKernelStack(t)
	if err != nil {
		k.Table.RemoveTask(t.ID)
		proc.Space.Destroy()
		k.Table.RemoveProcess(pid)
		return nil, err
	}

	proc.addTask(t.ID)

	err = k.Exec(t, path, argv, envp)
	if err != nil {
		t.State = TaskReaped
		k.unmapKernelStack(t)
		k.Table.RemoveTask(t.ID)
		proc.Space.Destroy()
		k.Table.RemoveProcess(pid)
		return nil, err
	}

	k.Sched.Enqueue(t)

	prev, next, ok := k.Sched.PickNext()
	if !ok || next != t {
		return nil, errors.New("init did not schedule")
	}

	k.Switch(m, prev, next)
	m.IntEnabled = true

	log.L.Info("init started", "pid", pid, "path", path, "entry", m.Ctx.PC)

	return proc, nil
}
