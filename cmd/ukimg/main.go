// ukimg inspects program images: header, segment table and a
// disassembly of the executable segments.
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/loader"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"
)

var (
	fVerbose = pflag.BoolP("verbose", "v", false, "dump the parsed image structure")
	fDisasm  = pflag.BoolP("disasm", "d", false, "disassemble executable segments")
)

func dump(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	img, err := loader.Parse(data)
	if err != nil {
		return err
	}

	fmt.Printf("entry: %#x\nstack: %d bytes\nbreak: %#x\n", img.Entry, img.StackSize, img.End())

	fmt.Printf("\n[segments]\n")

	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	fmt.Fprintf(tr, "vaddr\tmem\tfile\tperm\n")

	for _, s := range img.Segments {
		fmt.Fprintf(tr, "%#x\t%d\t%d\t%s\n", s.Vaddr, s.MemSize, len(s.Data), permString(s.Flags))
	}

	tr.Flush()

	if *fDisasm {
		for _, s := range img.Segments {
			if s.Flags&loader.FlagExec == 0 {
				continue
			}

			fmt.Printf("\n[code @ %#x]\n", s.Vaddr)
			disasm(s.Vaddr, s.Data)
		}
	}

	if *fVerbose {
		spew.Dump(img)
	}

	return nil
}

func permString(flags uint32) string {
	out := []byte("---")

	if flags&loader.FlagRead != 0 {
		out[0] = 'r'
	}
	if flags&loader.FlagWrite != 0 {
		out[1] = 'w'
	}
	if flags&loader.FlagExec != 0 {
		out[2] = 'x'
	}

	return string(out)
}

func disasm(base uint64, data []byte) {
	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)

	for off := 0; off+cpu.InstrSize <= len(data); off += cpu.InstrSize {
		var word uint64
		for i := 0; i < 8; i++ {
			word |= uint64(data[off+i]) << (8 * i)
		}

		op, ra, rb, imm := cpu.Decode(word)
		fmt.Fprintf(tr, "%#x\t%v\tr%d\tr%d\t%d\n", base+uint64(off), op, ra, rb, imm)
	}

	tr.Flush()
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ukimg [flags] <image>")
		os.Exit(1)
	}

	err := dump(pflag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
