package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
)

type Invoker struct {
	Kernel *kernel.Kernel
}

func (i *Invoker) InvokeSyscall(ctx context.Context, t *kernel.Task, args SysArgs) int64 {
	if args.Num < 0 || args.Num >= len(Syscalls) {
		log.L.Warn("syscall number out of range", "num", args.Num, "pid", t.Pid)
		return -abi.ENOSYS
	}

	f := Syscalls[args.Num]
	if f == nil {
		log.L.Warn("unimplemented syscall", "num", args.Num, "pid", t.Pid)
		return -abi.ENOSYS
	}

	return f(ctx, log.L, t, args)
}
