package linux

// Signal numbers (x86-64).
const (
	SIGHUP   = 1
	SIGINT   = 2
	SIGQUIT  = 3
	SIGILL   = 4
	SIGTRAP  = 5
	SIGABRT  = 6
	SIGBUS   = 7
	SIGFPE   = 8
	SIGKILL  = 9
	SIGUSR1  = 10
	SIGSEGV  = 11
	SIGUSR2  = 12
	SIGPIPE  = 13
	SIGALRM  = 14
	SIGTERM  = 15
	SIGCHLD  = 17
	SIGCONT  = 18
	SIGSTOP  = 19
	SIGTSTP  = 20
	SIGURG   = 23
	SIGWINCH = 28

	// NSIG is the number of disposition slots per process.
	NSIG = 64
)

// sigaction handler sentinels.
const (
	SIG_DFL = 0
	SIG_IGN = 1
)

// sigprocmask how values.
const (
	SIG_BLOCK   = 0
	SIG_UNBLOCK = 1
	SIG_SETMASK = 2
)

// mmap/mprotect protection bits.
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// wait4 options.
const (
	WNOHANG = 1
)

// futex operations. FUTEX_PRIVATE_FLAG is accepted and ignored: there
// is a single futex namespace keyed by physical address.
const (
	FUTEX_WAIT         = 0
	FUTEX_WAKE         = 1
	FUTEX_PRIVATE_FLAG = 128
	FUTEX_CMD_MASK     = ^FUTEX_PRIVATE_FLAG
)

// Syscall numbers (x86-64).
const (
	SYS_MPROTECT       = 10
	SYS_BRK            = 12
	SYS_RT_SIGACTION   = 13
	SYS_RT_SIGPROCMASK = 14
	SYS_RT_SIGRETURN   = 15
	SYS_SCHED_YIELD    = 24
	SYS_GETPID         = 39
	SYS_FORK           = 57
	SYS_EXECVE         = 59
	SYS_EXIT           = 60
	SYS_WAIT4          = 61
	SYS_KILL           = 62
	SYS_GETUID         = 102
	SYS_GETGID         = 104
	SYS_GETEUID        = 107
	SYS_GETEGID        = 108
	SYS_GETPPID        = 110
	SYS_FUTEX          = 202
	SYS_EXIT_GROUP     = 231
)
