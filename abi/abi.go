package abi

// Errno values returned (negated) from syscall handlers.
const (
	EPERM   = 1
	ENOENT  = 2
	ESRCH   = 3
	EINTR   = 4
	ENOEXEC = 8
	ECHILD  = 10
	EAGAIN  = 11
	ENOMEM  = 12
	EFAULT  = 14
	EINVAL  = 22
	ENOSYS  = 38
)
