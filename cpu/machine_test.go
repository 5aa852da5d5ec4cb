package cpu

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

// flatMem is a permissionless test memory; addresses past its length
// fault.
type flatMem struct {
	data []byte
}

func (f *flatMem) word(va uint64, access Access) (uint64, *Fault) {
	if va%8 != 0 || va+8 > uint64(len(f.data)) {
		return 0, &Fault{Addr: va, Access: access}
	}

	return binary.LittleEndian.Uint64(f.data[va:]), nil
}

func (f *flatMem) FetchExec(va uint64) (uint64, *Fault) {
	return f.word(va, AccessExec)
}

func (f *flatMem) Load(va uint64) (uint64, *Fault) {
	return f.word(va, AccessRead)
}

func (f *flatMem) Store(va uint64, val uint64) *Fault {
	if va%8 != 0 || va+8 > uint64(len(f.data)) {
		return &Fault{Addr: va, Access: AccessWrite}
	}

	binary.LittleEndian.PutUint64(f.data[va:], val)

	return nil
}

type recordTrap struct {
	syscalls []uint64
	faults   []Fault
	invalid  int
	ticks    int
	haltOn   uint64
}

func (r *recordTrap) Syscall(m *Machine) error {
	r.syscalls = append(r.syscalls, m.Ctx.R[7])

	if m.Ctx.R[7] == r.haltOn {
		m.Halt()
	}

	return nil
}

func (r *recordTrap) PageFault(m *Machine, f Fault) error {
	r.faults = append(r.faults, f)
	m.Halt()
	return nil
}

func (r *recordTrap) InvalidOp(m *Machine) error {
	r.invalid++
	m.Halt()
	return nil
}

func (r *recordTrap) Tick(m *Machine) error {
	r.ticks++
	return nil
}

func program(words ...uint64) *flatMem {
	return &flatMem{data: Pack(words)}
}

func TestMachine(t *testing.T) {
	n := neko.Modern(t)

	n.It("executes arithmetic and branches", func(t *testing.T) {
		// r0 = 5; r1 = 3; r0 += r1; loop: r0 -= 1; bne r0,r2 loop
		mem := program(
			Encode(OpMovImm, 0, 0, 5),
			Encode(OpMovImm, 1, 0, 3),
			Encode(OpAdd, 0, 1, 0),
			Encode(OpAddImm, 0, 0, -1),
			Encode(OpBne, 0, 2, 24),
			Encode(OpSyscall, 0, 0, 0),
		)

		tr := &recordTrap{}
		m := &Machine{Mem: mem, Trap: tr}

		require.NoError(t, m.Run(100))
		require.Len(t, tr.syscalls, 1)
		require.Equal(t, uint64(0), m.Ctx.R[0])
	})

	n.It("advances PC past a syscall before trapping", func(t *testing.T) {
		mem := program(
			Encode(OpMovImm, 7, 0, 60),
			Encode(OpSyscall, 0, 0, 0),
			Encode(OpNop, 0, 0, 0),
		)

		tr := &recordTrap{haltOn: 60}
		m := &Machine{Mem: mem, Trap: tr}

		require.NoError(t, m.Run(10))
		require.Equal(t, []uint64{60}, tr.syscalls)
		require.Equal(t, uint64(2*InstrSize), m.Ctx.PC)
	})

	n.It("leaves PC at a faulting load", func(t *testing.T) {
		mem := program(
			Encode(OpMovImm, 1, 0, 0x4000),
			Encode(OpLoad, 0, 1, 0),
		)

		tr := &recordTrap{}
		m := &Machine{Mem: mem, Trap: tr}

		require.NoError(t, m.Run(10))
		require.Len(t, tr.faults, 1)
		require.Equal(t, uint64(0x4000), tr.faults[0].Addr)
		require.Equal(t, AccessRead, tr.faults[0].Access)
		require.Equal(t, uint64(InstrSize), m.Ctx.PC)
	})

	n.It("traps undecodable instructions", func(t *testing.T) {
		mem := program(Encode(Op(0xee), 0, 0, 0))

		tr := &recordTrap{}
		m := &Machine{Mem: mem, Trap: tr}

		require.NoError(t, m.Run(10))
		require.Equal(t, 1, tr.invalid)
	})

	n.It("delivers timer ticks only while interrupts are enabled", func(t *testing.T) {
		words := make([]uint64, 64)
		for i := range words {
			words[i] = Encode(OpNop, 0, 0, 0)
		}

		tr := &recordTrap{}
		m := &Machine{Mem: program(words...), Trap: tr, TickEvery: 10}

		require.NoError(t, m.Run(40))
		require.Equal(t, 0, tr.ticks)

		m2 := &Machine{Mem: program(words...), Trap: tr, TickEvery: 10, IntEnabled: true}

		require.NoError(t, m2.Run(40))
		require.NotZero(t, tr.ticks)
	})

	n.Meow()
}
