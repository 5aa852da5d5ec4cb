package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/boundary"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/kernel"
	clog "github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/trap"
	"github.com/spf13/pflag"
)

var (
	fRoot   = pflag.StringP("root", "r", ".", "directory to load program images from")
	fFrames = pflag.IntP("frames", "m", 4096, "physical frames to boot with")
	fTick   = pflag.IntP("tick", "t", 1000, "instructions per timer tick")
)

type reporter struct{}

func (reporter) ProcessKilled(pid, sig int) {
	fmt.Fprintf(os.Stderr, "pid %d killed by signal %d\n", pid, sig)
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()
	clog.EnableDebug()

	inputArgs := pflag.Args()
	if len(inputArgs) == 0 {
		log.Fatal("usage: ukern [flags] <image> [args...]")
	}

	cmd := inputArgs[0]
	args := append([]string{filepath.Base(cmd)}, inputArgs[1:]...)

	pool := mem.NewPool(*fFrames)
	k := kernel.NewKernel(mem.NewManager(pool), boundary.DirSource{Root: *fRoot})
	k.Notifier = reporter{}

	exits := make(chan struct{}, 1)
	k.Events.RegisterChannel(kernel.ProcessExited, exits)

	go func() {
		for range exits {
			clog.L.Debug("process exited", "alive", len(k.Table.Processes()))
		}
	}()

	m := &cpu.Machine{
		Trap:      trap.New(k),
		TickEvery: *fTick,
	}

	proc, err := k.StartInit(m, cmd, args, os.Environ())
	if err != nil {
		log.Fatal(err)
	}

	proc.HookupStdio(os.Stdin, closeProtect{os.Stdout}, closeProtect{os.Stderr})

	err = m.Run(0)

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}

	if st := proc.ExitStatus(); st.Signo == 0 {
		os.Exit(st.Code)
	}
}

type closeProtect struct {
	*os.File
}

func (_ closeProtect) Close() error {
	return nil
}
