package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// Build serializes an Image back into wire form. Tooling and tests
// use this to produce boot payloads.
func Build(img *Image) ([]byte, error) {
	var buf bytes.Buffer

	hdr := fileHeader{
		Magic:     magic,
		Entry:     img.Entry,
		StackSize: img.StackSize,
		NumSegs:   uint32(len(img.Segments)),
	}

	err := struc.PackWithOrder(&buf, &hdr, binary.LittleEndian)
	if err != nil {
		return nil, err
	}

	for i := range img.Segments {
		s := &img.Segments[i]

		sh := segHeader{
			Vaddr:    s.Vaddr,
			MemSize:  s.MemSize,
			FileSize: uint32(len(s.Data)),
			Flags:    s.Flags,
		}

		err = struc.PackWithOrder(&buf, &sh, binary.LittleEndian)
		if err != nil {
			return nil, err
		}
	}

	for i := range img.Segments {
		buf.Write(img.Segments[i].Data)
	}

	return buf.Bytes(), nil
}
