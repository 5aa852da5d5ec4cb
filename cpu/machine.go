package cpu

import "github.com/pkg/errors"

// Memory is the active address translation for the running context.
// Accesses are performed at user privilege; a nil Fault means the
// access completed.
type Memory interface {
	FetchExec(va uint64) (uint64, *Fault)
	Load(va uint64) (uint64, *Fault)
	Store(va uint64, val uint64) *Fault
}

// Trap receives every transition out of user execution. An error
// return is fatal to the whole machine, never to a single task.
type Trap interface {
	// Syscall is entered after PC has advanced past the trapping
	// instruction, so the saved context resumes at the next one.
	Syscall(m *Machine) error

	// PageFault is entered with PC still at the faulting
	// instruction; if the handler resolves the fault the
	// instruction is retried transparently.
	PageFault(m *Machine, f Fault) error

	// InvalidOp is entered on an undecodable instruction.
	InvalidOp(m *Machine) error

	// Tick is the timer interrupt, delivered between instructions
	// while interrupts are enabled.
	Tick(m *Machine) error
}

var ErrNoMemory = errors.New("machine has no active address space")

// Machine is a single logical processor. Ctx, Mem and KStackTop are
// switched together by the context-switch engine.
type Machine struct {
	Ctx Context
	Mem Memory

	// KStackTop is the kernel stack established on the next
	// user-to-kernel transition for the running task.
	KStackTop uint64

	// IntEnabled masks timer delivery while false.
	IntEnabled bool

	Trap Trap

	// TickEvery is the instruction count between timer interrupts.
	TickEvery int

	steps  uint64
	halted bool
}

func (m *Machine) Halt() {
	m.halted = true
}

func (m *Machine) Halted() bool {
	return m.halted
}

func (m *Machine) Steps() uint64 {
	return m.steps
}

// Run executes up to max instructions (forever when max <= 0),
// stopping early when the machine halts. The returned error is a
// kernel invariant violation and leaves the machine halted.
func (m *Machine) Run(max int) error {
	for n := 0; max <= 0 || n < max; n++ {
		if m.halted {
			return nil
		}

		if m.TickEvery > 0 && m.IntEnabled && m.steps > 0 && m.steps%uint64(m.TickEvery) == 0 {
			// Bump first so a tick that switches tasks does
			// not re-fire before the new task executes.
			m.steps++

			if err := m.Trap.Tick(m); err != nil {
				m.halted = true
				return err
			}

			if m.halted {
				return nil
			}
		} else {
			m.steps++
		}

		if err := m.Step(); err != nil {
			m.halted = true
			return err
		}
	}

	return nil
}

// Step executes a single instruction of the active context. A faulting
// access leaves PC untouched so the instruction retries once the trap
// layer has resolved the fault.
func (m *Machine) Step() error {
	if m.Mem == nil {
		return ErrNoMemory
	}

	word, flt := m.Mem.FetchExec(m.Ctx.PC)
	if flt != nil {
		return m.Trap.PageFault(m, *flt)
	}

	op, ra, rb, imm := Decode(word)

	switch op {
	case OpNop:
		m.Ctx.PC += InstrSize
	case OpMovImm:
		m.Ctx.R[ra] = uint64(int64(imm))
		m.Ctx.PC += InstrSize
	case OpMov:
		m.Ctx.R[ra] = m.Ctx.R[rb]
		m.Ctx.PC += InstrSize
	case OpAddImm:
		m.Ctx.R[ra] += uint64(int64(imm))
		m.Ctx.PC += InstrSize
	case OpAdd:
		m.Ctx.R[ra] += m.Ctx.R[rb]
		m.Ctx.PC += InstrSize
	case OpLoad:
		v, flt := m.Mem.Load(m.Ctx.R[rb] + uint64(int64(imm)))
		if flt != nil {
			return m.Trap.PageFault(m, *flt)
		}

		m.Ctx.R[ra] = v
		m.Ctx.PC += InstrSize
	case OpStore:
		flt := m.Mem.Store(m.Ctx.R[rb]+uint64(int64(imm)), m.Ctx.R[ra])
		if flt != nil {
			return m.Trap.PageFault(m, *flt)
		}

		m.Ctx.PC += InstrSize
	case OpJmp:
		m.Ctx.PC = uint64(uint32(imm))
	case OpBne:
		if m.Ctx.R[ra] != m.Ctx.R[rb] {
			m.Ctx.PC = uint64(uint32(imm))
		} else {
			m.Ctx.PC += InstrSize
		}
	case OpBeq:
		if m.Ctx.R[ra] == m.Ctx.R[rb] {
			m.Ctx.PC = uint64(uint32(imm))
		} else {
			m.Ctx.PC += InstrSize
		}
	case OpSyscall:
		m.Ctx.PC += InstrSize
		return m.Trap.Syscall(m)
	default:
		return m.Trap.InvalidOp(m)
	}

	return nil
}
