package cpu

// NumRegs is the number of general-purpose registers.
const NumRegs = 8

// Context is the register state of one task. It is saved and restored
// only by the context-switch engine; everything else treats it as an
// opaque snapshot.
type Context struct {
	PC uint64
	SP uint64
	R  [NumRegs]uint64

	// User is true when the context executes at user privilege.
	User bool
}

// Access classifies a memory access.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	}

	return "unknown"
}

// Fault describes a memory access the MMU could not satisfy.
type Fault struct {
	Addr   uint64
	Access Access
}
