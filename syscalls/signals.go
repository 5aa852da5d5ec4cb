package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// userSigAction is the wire form of struct sigaction.
type userSigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

func sysRtSigaction(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		signo   = int(int32(uint32(args.Args.R0)))
		actAddr = args.Args.R1
		oldAddr = args.Args.R2
	)

	p := t.Process()
	sig := p.Signals()

	var old kernel.SigAction

	if actAddr == 0 {
		var err error
		old, err = sig.Action(signo)
		if err != nil {
			return -abi.EINVAL
		}
	} else {
		var ua userSigAction
		err := p.CopyIn(actAddr, &ua)
		if err != nil {
			return -abi.EFAULT
		}

		old, err = sig.SetAction(signo, kernel.SigAction{
			Handler:  ua.Handler,
			Flags:    ua.Flags,
			Restorer: ua.Restorer,
			Mask:     ua.Mask,
		})
		if err != nil {
			return -abi.EINVAL
		}

		l.Trace("sigaction", "pid", t.Pid, "signal", signo, "handler", ua.Handler)
	}

	if oldAddr != 0 {
		err := p.CopyOut(oldAddr, userSigAction{
			Handler:  old.Handler,
			Flags:    old.Flags,
			Restorer: old.Restorer,
			Mask:     old.Mask,
		})
		if err != nil {
			return -abi.EFAULT
		}
	}

	return 0
}

func sysRtSigprocmask(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		how     = int(int32(uint32(args.Args.R0)))
		setAddr = args.Args.R1
		oldAddr = args.Args.R2
	)

	p := t.Process()
	sig := p.Signals()

	old := sig.Blocked()

	if setAddr != 0 {
		var set uint64
		err := p.CopyIn(setAddr, &set)
		if err != nil {
			return -abi.EFAULT
		}

		old, err = sig.ProcMask(how, set)
		if err != nil {
			return -abi.EINVAL
		}
	}

	if oldAddr != 0 {
		err := p.CopyOut(oldAddr, old)
		if err != nil {
			return -abi.EFAULT
		}
	}

	return 0
}

func sysRtSigreturn(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	frame := t.PopSignalFrame()
	if frame == nil {
		// sigreturn outside a handler is a corrupt stack.
		l.Warn("sigreturn with no active handler", "pid", t.Pid)
		t.Kernel.KillProcess(t.Process(), linux.SIGSEGV)
		return kernel.RetNoReturn
	}

	t.Ctx = *frame

	return kernel.RetNoReturn
}

func sysKill(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		pid   = int(int32(uint32(args.Args.R0)))
		signo = int(int32(uint32(args.Args.R1)))
	)

	if pid <= 0 {
		// Group and broadcast targets are not supported.
		return -abi.EINVAL
	}

	err := t.Kernel.SendSignal(pid, signo)
	if err != nil {
		if errors.Is(err, kernel.ErrNoProcess) {
			return -abi.ESRCH
		}

		return -abi.EINVAL
	}

	return 0
}

func init() {
	Syscalls[linux.SYS_RT_SIGACTION] = sysRtSigaction
	Syscalls[linux.SYS_RT_SIGPROCMASK] = sysRtSigprocmask
	Syscalls[linux.SYS_RT_SIGRETURN] = sysRtSigreturn
	Syscalls[linux.SYS_KILL] = sysKill
}
