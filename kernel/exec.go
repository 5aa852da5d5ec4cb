package kernel

import (
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/loader"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
)

// Exec replaces t's process image with the program at path. On any
// error, lookup, format or frame exhaustion, the caller's image is
// untouched and it can handle the failure.
func (k *Kernel) Exec(t *Task, path string, argv, envp []string) error {
	data, err := k.FS.ReadFile(path)
	if err != nil {
		return err
	}

	img, err := loader.Parse(data)
	if err != nil {
		return err
	}

	p := t.Process()

	// The new image is staged in a scratch space; the old one is only
	// torn down at the swap, so a mapping failure leaves the caller
	// running its original program.
	staged := k.Mem.NewSpace()

	err = loader.MapImage(staged, img)
	if err != nil {
		staged.Destroy()
		return err
	}

	sp, err := loader.SetupStack(staged, img.StackSize, argv, envp)
	if err != nil {
		staged.Destroy()
		return err
	}

	p.Space.ReplaceUser(staged)

	p.signals.ResetActions()
	p.setBrk(img.End())
	t.PopSignalFrame()

	t.Ctx = cpu.Context{
		PC:   img.Entry,
		SP:   sp,
		User: true,
	}

	log.L.Trace("process-exec", "pid", p.Pid, "path", path, "entry", img.Entry, "sp", sp)

	return nil
}
