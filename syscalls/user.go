package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysGetPid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	return int64(t.Pid)
}

func sysGetPPid(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	return int64(t.Process().Parent)
}

// Everything runs as root.
func sysGetUID(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	return 0
}

func sysSchedYield(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	t.Kernel.Sched.RequestResched()
	return 0
}

func init() {
	Syscalls[linux.SYS_GETPID] = sysGetPid
	Syscalls[linux.SYS_GETPPID] = sysGetPPid
	Syscalls[linux.SYS_GETUID] = sysGetUID
	Syscalls[linux.SYS_GETGID] = sysGetUID
	Syscalls[linux.SYS_GETEUID] = sysGetUID
	Syscalls[linux.SYS_GETEGID] = sysGetUID
	Syscalls[linux.SYS_SCHED_YIELD] = sysSchedYield
}
