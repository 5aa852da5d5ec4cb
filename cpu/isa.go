package cpu

import "encoding/binary"

// The machine executes fixed-width 64-bit instruction words:
//
//	byte 0      opcode
//	byte 1      ra
//	byte 2      rb
//	byte 3      unused
//	bytes 4-7   imm (signed 32-bit, little-endian)
//
// Syscall convention: number in R7, arguments in R0..R5, result in R0.

const InstrSize = 8

type Op uint8

const (
	OpNop Op = iota
	OpMovImm
	OpMov
	OpAddImm
	OpAdd
	OpLoad
	OpStore
	OpJmp
	OpBne
	OpBeq
	OpSyscall
)

func (o Op) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpMovImm:
		return "movi"
	case OpMov:
		return "mov"
	case OpAddImm:
		return "addi"
	case OpAdd:
		return "add"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpJmp:
		return "jmp"
	case OpBne:
		return "bne"
	case OpBeq:
		return "beq"
	case OpSyscall:
		return "syscall"
	}

	return "op?"
}

func Encode(op Op, ra, rb int, imm int32) uint64 {
	return uint64(op) |
		uint64(ra&0x7)<<8 |
		uint64(rb&0x7)<<16 |
		uint64(uint32(imm))<<32
}

func Decode(word uint64) (Op, int, int, int32) {
	return Op(word & 0xff),
		int(word >> 8 & 0x7),
		int(word >> 16 & 0x7),
		int32(uint32(word >> 32))
}

// Pack serializes instruction words into their in-memory form.
func Pack(words []uint64) []byte {
	out := make([]byte, len(words)*InstrSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*InstrSize:], w)
	}

	return out
}
