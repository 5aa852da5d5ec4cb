package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

func sysFutex(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	var (
		uaddr = args.Args.R0
		op    = int(args.Args.R1) & linux.FUTEX_CMD_MASK
		val   = args.Args.R2
	)

	if uaddr%4 != 0 {
		return -abi.EINVAL
	}

	switch op {
	case linux.FUTEX_WAIT:
		return t.Kernel.Futexes.Wait(t, uaddr, uint32(val))
	case linux.FUTEX_WAKE:
		count := int(int32(uint32(val)))
		if count < 0 {
			return -abi.EINVAL
		}

		return t.Kernel.Futexes.Wake(t.Process(), uaddr, count)
	}

	return -abi.ENOSYS
}

func init() {
	Syscalls[linux.SYS_FUTEX] = sysFutex
}
