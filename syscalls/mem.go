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

func protPerm(prot uint64) mem.Perm {
	var p mem.Perm

	if prot&linux.PROT_READ != 0 {
		p |= mem.PermRead
	}
	if prot&linux.PROT_WRITE != 0 {
		p |= mem.PermWrite
	}
	if prot&linux.PROT_EXEC != 0 {
		p |= mem.PermExec
	}

	return p
}

func sysMprotect(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		addr   = args.Args.R0
		length = args.Args.R1
		prot   = args.Args.R2
	)

	if addr%mem.PageSize != 0 {
		return -abi.EINVAL
	}

	if length == 0 {
		return 0
	}

	err := t.Process().Space.Protect(addr, length, protPerm(prot))
	if err != nil {
		l.Trace("mprotect failed", "pid", t.Pid, "addr", addr, "error", err)

		switch {
		case errors.Is(err, mem.ErrNotMapped):
			return -abi.ENOMEM
		case errors.Is(err, mem.ErrBadAddress):
			return -abi.EINVAL
		}

		return -abi.EINVAL
	}

	return 0
}

func sysBrk(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	return int64(t.Process().Brk(args.Args.R0))
}

func init() {
	Syscalls[linux.SYS_MPROTECT] = sysMprotect
	Syscalls[linux.SYS_BRK] = sysBrk
}
