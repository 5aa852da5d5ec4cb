package syscalls

import (
	"context"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/boundary"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/loader"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// copyStringArray reads a NULL-terminated array of string pointers.
func copyStringArray(t *kernel.Task, addr uint64) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}

	p := t.Process()

	var out []string

	for {
		var ptr uint64
		err := p.CopyIn(addr, &ptr)
		if err != nil {
			return nil, err
		}

		if ptr == 0 {
			break
		}

		s, err := p.ReadCString(ptr)
		if err != nil {
			return nil, err
		}

		out = append(out, string(s))
		addr += 8
	}

	return out, nil
}

func sysExecve(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	path, err := t.Process().ReadCString(args.Args.R0)
	if err != nil {
		return -abi.EFAULT
	}

	argv, err := copyStringArray(t, args.Args.R1)
	if err != nil {
		return -abi.EFAULT
	}

	envp, err := copyStringArray(t, args.Args.R2)
	if err != nil {
		return -abi.EFAULT
	}

	err = t.Kernel.Exec(t, string(path), argv, envp)
	if err != nil {
		l.Trace("execve failed", "pid", t.Pid, "path", string(path), "error", err)

		switch {
		case errors.Is(err, boundary.ErrUnknownPath):
			return -abi.ENOENT
		case errors.Is(err, loader.ErrBadMagic),
			errors.Is(err, loader.ErrBadImage),
			errors.Is(err, loader.ErrTruncated):
			return -abi.ENOEXEC
		}

		return -abi.ENOMEM
	}

	return kernel.RetNoReturn
}

func sysExit(ctx context.Context, l hclog.Logger, t *kernel.Task, args SysArgs) int64 {
	code := int(int32(uint32(args.Args.R0)))

	t.Process().Exit(code, 0)

	return kernel.RetNoReturn
}

func init() {
	Syscalls[linux.SYS_EXECVE] = sysExecve
	Syscalls[linux.SYS_EXIT] = sysExit
	Syscalls[linux.SYS_EXIT_GROUP] = sysExit
}
