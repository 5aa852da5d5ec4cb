// Package syscalls holds the syscall handlers. Each file registers
// its handlers into the dispatch table from init, keyed by the Linux
// x86-64 numbers.
package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	hclog "github.com/hashicorp/go-hclog"
)

type SysArgs struct {
	Num  int
	Args SyscallRequest
}

type SyscallRequest struct {
	R0, R1, R2, R3, R4, R5 uint64
}

// Handlers return a result for R0, a negated errno, or one of the
// kernel.Ret sentinels when the task blocked or its context was
// rewritten.
var Syscalls [512]func(context.Context, hclog.Logger, *kernel.Task, SysArgs) int64
