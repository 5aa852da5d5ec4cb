package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

func sysFork(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	child, err := t.Process().Fork(t)
	if err != nil {
		l.Error("fork failed", "pid", t.Pid, "error", err)

		switch {
		case errors.Is(err, kernel.ErrNoPids):
			return -abi.EAGAIN
		case errors.Is(err, mem.ErrNoFrames):
			return -abi.ENOMEM
		}

		return -abi.ENOMEM
	}

	return int64(child.Pid)
}

func sysWait4(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		pid      = int(int32(uint32(args.Args.R0)))
		statAddr = args.Args.R1
		flags    = args.Args.R2
	)

	// Process-group waits are not supported.
	if pid == 0 || pid < -1 {
		return -abi.EINVAL
	}

	cpid, status, err := t.Kernel.ReapChild(t.Process(), pid)
	if err != nil {
		return -abi.ECHILD
	}

	if cpid == 0 {
		if flags&linux.WNOHANG != 0 {
			return 0
		}

		// Re-executes and re-checks on wake; a child may have
		// been reaped by then.
		t.Kernel.Block(t, kernel.BlockChildExit, true)

		return kernel.RetBlocked
	}

	if statAddr != 0 {
		err = t.Process().CopyOut(statAddr, status.Wait())
		if err != nil {
			l.Error("wait4 status copyout", "pid", t.Pid, "error", err)
			return -abi.EFAULT
		}
	}

	l.Trace("wait4-reaped", "parent", t.Pid, "child", cpid, "status", status.Wait())

	return int64(cpid)
}

func init() {
	Syscalls[linux.SYS_FORK] = sysFork
	Syscalls[linux.SYS_WAIT4] = sysWait4
}
