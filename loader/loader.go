// Package loader parses flat program images and installs them into an
// address space. Parsing is strict and complete before any mapping
// happens, so a bad image never leaves a half-built space behind.
package loader

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var (
	ErrBadMagic  = errors.New("bad image magic")
	ErrBadImage  = errors.New("malformed image")
	ErrTruncated = errors.New("truncated image")
)

var magic = [4]byte{'U', 'K', 'I', '1'}

const (
	maxSegments = 64

	// DefaultStackSize is used when the image header asks for none.
	DefaultStackSize = 64 * 1024

	// StackTop is where user stacks end; they grow down from here.
	StackTop = mem.UserLimit
)

// Segment permission flags in the image header.
const (
	FlagRead  = 1 << iota
	FlagWrite
	FlagExec
)

type fileHeader struct {
	Magic     [4]byte `struc:"[4]byte"`
	Entry     uint64  `struc:"uint64"`
	StackSize uint32  `struc:"uint32"`
	NumSegs   uint32  `struc:"uint32"`
}

type segHeader struct {
	Vaddr    uint64 `struc:"uint64"`
	MemSize  uint32 `struc:"uint32"`
	FileSize uint32 `struc:"uint32"`
	Flags    uint32 `struc:"uint32"`
}

type Segment struct {
	Vaddr   uint64
	MemSize uint32
	Flags   uint32
	Data    []byte
}

func (s *Segment) Perm() mem.Perm {
	var p mem.Perm

	if s.Flags&FlagRead != 0 {
		p |= mem.PermRead
	}
	if s.Flags&FlagWrite != 0 {
		p |= mem.PermWrite
	}
	if s.Flags&FlagExec != 0 {
		p |= mem.PermExec
	}

	return p
}

type Image struct {
	Entry     uint64
	StackSize uint32
	Segments  []Segment
}

// End is the first address past every segment, page aligned. The
// program break starts here.
func (img *Image) End() uint64 {
	var end uint64

	for _, s := range img.Segments {
		e := s.Vaddr + uint64(s.MemSize)
		if e > end {
			end = e
		}
	}

	return (end + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// Parse validates the whole image up front.
func Parse(data []byte) (*Image, error) {
	r := bytes.NewReader(data)

	var hdr fileHeader
	err := struc.UnpackWithOrder(r, &hdr, binary.LittleEndian)
	if err != nil {
		return nil, errors.Wrap(ErrTruncated, "header")
	}

	if hdr.Magic != magic {
		return nil, ErrBadMagic
	}

	if hdr.NumSegs == 0 || hdr.NumSegs > maxSegments {
		return nil, errors.Wrapf(ErrBadImage, "segment count %d", hdr.NumSegs)
	}

	img := &Image{
		Entry:     hdr.Entry,
		StackSize: hdr.StackSize,
	}

	if img.StackSize == 0 {
		img.StackSize = DefaultStackSize
	}

	headers := make([]segHeader, hdr.NumSegs)
	for i := range headers {
		err = struc.UnpackWithOrder(r, &headers[i], binary.LittleEndian)
		if err != nil {
			return nil, errors.Wrapf(ErrTruncated, "segment header %d", i)
		}
	}

	for i, sh := range headers {
		err = checkSegment(sh, img.StackSize)
		if err != nil {
			return nil, errors.Wrapf(err, "segment %d", i)
		}

		for _, prev := range img.Segments {
			if overlaps(sh.Vaddr, uint64(sh.MemSize), prev.Vaddr, uint64(prev.MemSize)) {
				return nil, errors.Wrapf(ErrBadImage, "segment %d overlaps", i)
			}
		}

		seg := Segment{
			Vaddr:   sh.Vaddr,
			MemSize: sh.MemSize,
			Flags:   sh.Flags,
		}

		if sh.FileSize > 0 {
			seg.Data = make([]byte, sh.FileSize)
			_, err = io.ReadFull(r, seg.Data)
			if err != nil {
				return nil, errors.Wrapf(ErrTruncated, "segment %d data", i)
			}
		}

		img.Segments = append(img.Segments, seg)
	}

	if !contains(img.Entry, img.Segments) {
		return nil, errors.Wrapf(ErrBadImage, "entry %#x outside image", img.Entry)
	}

	return img, nil
}

func checkSegment(sh segHeader, stackSize uint32) error {
	if sh.Vaddr%mem.PageSize != 0 {
		return errors.Wrapf(ErrBadImage, "vaddr %#x not page aligned", sh.Vaddr)
	}

	if sh.MemSize == 0 || sh.FileSize > sh.MemSize {
		return errors.Wrapf(ErrBadImage, "sizes mem=%d file=%d", sh.MemSize, sh.FileSize)
	}

	end := sh.Vaddr + uint64(sh.MemSize)
	if end > StackTop-uint64(stackSize) {
		return errors.Wrapf(ErrBadImage, "segment end %#x reaches the stack", end)
	}

	return nil
}

func overlaps(aOff, aLen, bOff, bLen uint64) bool {
	return aOff < bOff+bLen && bOff < aOff+aLen
}

func contains(va uint64, segs []Segment) bool {
	for _, s := range segs {
		if va >= s.Vaddr && va < s.Vaddr+uint64(s.MemSize) {
			return true
		}
	}

	return false
}

// MapImage installs every segment of a parsed image.
func MapImage(space *mem.AddressSpace, img *Image) error {
	for i, s := range img.Segments {
		err := space.LoadSegment(s.Vaddr, s.Data, uint64(s.MemSize), s.Perm())
		if err != nil {
			return errors.Wrapf(err, "mapping segment %d", i)
		}
	}

	return nil
}

// SetupStack maps the user stack and builds the argc/argv/envp block
// at its top:
//
//	sp -> argc
//	      argv[0..n] NULL
//	      envp[0..m] NULL
//	      string bytes
//
// The returned sp is 16-aligned.
func SetupStack(space *mem.AddressSpace, size uint32, argv, envp []string) (uint64, error) {
	base := StackTop - uint64(size)

	err := space.Map(base, uint64(size), mem.PermRead|mem.PermWrite)
	if err != nil {
		return 0, err
	}

	var strings bytes.Buffer
	argvOff := make([]uint64, len(argv))
	envpOff := make([]uint64, len(envp))

	for i, s := range argv {
		argvOff[i] = uint64(strings.Len())
		strings.WriteString(s)
		strings.WriteByte(0)
	}

	for i, s := range envp {
		envpOff[i] = uint64(strings.Len())
		strings.WriteString(s)
		strings.WriteByte(0)
	}

	strBase := (StackTop - uint64(strings.Len())) &^ 7

	vecWords := 1 + len(argv) + 1 + len(envp) + 1
	sp := (strBase - uint64(vecWords)*8) &^ 15

	if sp < base {
		return 0, errors.Wrap(ErrBadImage, "arguments overflow the stack")
	}

	block := make([]byte, int(strBase-sp))

	binary.LittleEndian.PutUint64(block, uint64(len(argv)))
	off := 8

	for _, o := range argvOff {
		binary.LittleEndian.PutUint64(block[off:], strBase+o)
		off += 8
	}
	off += 8 // argv NULL

	for _, o := range envpOff {
		binary.LittleEndian.PutUint64(block[off:], strBase+o)
		off += 8
	}

	_, err = space.WriteAt(block, int64(sp))
	if err != nil {
		return 0, err
	}

	_, err = space.WriteAt(strings.Bytes(), int64(strBase))
	if err != nil {
		return 0, err
	}

	return sp, nil
}
