package kernel

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/log"
	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/mem"
	"github.com/pkg/errors"
)

var (
	ErrUnknownFile = errors.New("unknown file")
	ErrNoChildren  = errors.New("no children")
)

type ProcessStatus int

const (
	ProcessAlive ProcessStatus = iota
	ProcessZombie
	ProcessReaped
)

// ExitStatus records how a process died: a normal exit code, or the
// signal that killed it.
type ExitStatus struct {
	Code  int
	Signo int
}

// Wait encodes the status the way wait4 reports it.
func (e ExitStatus) Wait() int32 {
	return int32(e.Code&0xff)<<8 | int32(e.Signo&0x7f)
}

type Process struct {
	Kernel *Kernel
	Pid    int
	Parent int

	Space *mem.AddressSpace

	mu         sync.Mutex
	fds        []*File
	signals    SignalState
	status     ProcessStatus
	exitStatus ExitStatus
	tasks      []TaskID
	brk        uint64
}

func (p *Process) Signals() *SignalState {
	return &p.signals
}

func (p *Process) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

func (p *Process) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitStatus
}

func (p *Process) Tasks() []TaskID {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]TaskID(nil), p.tasks...)
}

func (p *Process) addTask(id TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tasks = append(p.tasks, id)
}

// Fork creates a copy-on-write duplicate of p running a new task that
// resumes at t's context with a zero return value. Failure leaves the
// parent untouched.
func (p *Process) Fork(t *Task) (*Process, error) {
	k := p.Kernel

	child := &Process{
		Kernel: k,
		Parent: p.Pid,
	}

	pid, err := k.Table.AssignPid(child)
	if err != nil {
		return nil, err
	}

	space, err := p.Space.CloneCOW()
	if err != nil {
		k.Table.RemoveProcess(pid)
		return nil, err
	}

	child.Space = space

	ct := k.Table.NewTask(k, pid, t.Priority)

	err = k.mapKernelStack(ct)
	if err != nil {
		k.Table.RemoveTask(ct.ID)
		space.Destroy()
		k.Table.RemoveProcess(pid)
		return nil, err
	}

	p.mu.Lock()

	for _, file := range p.fds {
		if file != nil {
			file.incRef()
		}
		child.fds = append(child.fds, file)
	}

	child.signals = p.signals.Fork()
	child.brk = p.brk

	p.mu.Unlock()

	ct.Ctx = t.Ctx
	ct.Ctx.R[0] = 0

	child.addTask(ct.ID)

	k.Sched.Enqueue(ct)

	log.L.Trace("process-fork", "parent", p.Pid, "child", pid, "task", ct.ID)

	return child, nil
}

// Exit turns p into a zombie: files close, tasks stop being
// schedulable, the parent gets SIGCHLD and any wait4 sleepers wake.
// The address space survives until the parent reaps.
func (p *Process) Exit(code, signo int) {
	log.L.Trace("process-exit", "pid", p.Pid, "code", code, "signal", signo)

	p.mu.Lock()

	if p.status != ProcessAlive {
		p.mu.Unlock()
		return
	}

	p.status = ProcessZombie
	p.exitStatus = ExitStatus{Code: code, Signo: signo}

	fds := p.fds
	p.fds = nil
	tasks := append([]TaskID(nil), p.tasks...)

	p.mu.Unlock()

	for _, file := range fds {
		if file != nil {
			file.Close()
		}
	}

	k := p.Kernel

	for _, id := range tasks {
		if t := k.Table.Task(id); t != nil {
			k.Futexes.Forget(t)
			k.Sched.Terminate(t)
		}
	}

	if parent := k.Table.Process(p.Parent); parent != nil {
		parent.signals.Send(linux.SIGCHLD)
		k.wakeWaiters(parent, BlockChildExit)
	}

	if signo != 0 && k.Notifier != nil {
		k.Notifier.ProcessKilled(p.Pid, signo)
	}

	k.Events.Notify(ProcessExited)
}

// reap releases everything a zombie still holds. Table mappings for
// the process and its tasks go away and the pid becomes reusable.
func (p *Process) reap() {
	k := p.Kernel

	p.mu.Lock()
	p.status = ProcessReaped
	tasks := append([]TaskID(nil), p.tasks...)
	p.tasks = nil
	p.mu.Unlock()

	for _, id := range tasks {
		if t := k.Table.Task(id); t != nil {
			t.State = TaskReaped
			k.unmapKernelStack(t)
			k.Table.RemoveTask(id)
		}
	}

	if p.Space != nil {
		p.Space.Destroy()
	}

	k.Table.RemoveProcess(p.Pid)

	log.L.Trace("process-reap", "pid", p.Pid)
}

// Brk queries or moves the program break. A zero addr is a query;
// growth maps zeroed writable pages, shrinking unmaps them. On any
// failure the old break is returned unchanged.
func (p *Process) Brk(addr uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr == 0 {
		return p.brk
	}

	oldEnd := pageUp(p.brk)
	newEnd := pageUp(addr)

	switch {
	case newEnd > oldEnd:
		err := p.Space.Map(oldEnd, newEnd-oldEnd, mem.PermRead|mem.PermWrite)
		if err != nil {
			return p.brk
		}
	case newEnd < oldEnd:
		if p.Space.Unmap(newEnd, oldEnd-newEnd) != nil {
			return p.brk
		}
	}

	p.brk = addr

	return p.brk
}

func (p *Process) setBrk(addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.brk = addr
}

func pageUp(v uint64) uint64 {
	return (v + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

func (p *Process) GetFile(fd int) (*File, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fd < 0 || fd >= len(p.fds) {
		return nil, false
	}

	file := p.fds[fd]
	if file == nil {
		return nil, false
	}

	return file, true
}

func (p *Process) CloseFile(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fd < 0 || fd >= len(p.fds) {
		return ErrUnknownFile
	}

	file := p.fds[fd]
	if file == nil {
		return ErrUnknownFile
	}

	p.fds[fd] = nil

	return file.Close()
}

func (p *Process) HookupStdio(in io.ReadCloser, out, errw io.WriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fds = append(p.fds,
		&File{refs: 1, r: in},
		&File{refs: 1, w: out},
		&File{refs: 1, w: errw},
	)
}

func (p *Process) ReadCString(ptr uint64) ([]byte, error) {
	var buf bytes.Buffer

	var t [1]byte

	off := int64(ptr)

	for {
		_, err := p.Space.ReadAt(t[:], off)
		if err != nil {
			return nil, err
		}

		if t[0] == 0 {
			break
		}

		buf.WriteByte(t[0])
		off += 1
	}

	return buf.Bytes(), nil
}

type readAdapter struct {
	sub    io.ReaderAt
	offset int64
}

func (ra readAdapter) Read(b []byte) (int, error) {
	return ra.sub.ReadAt(b, ra.offset)
}

type writeAdapter struct {
	sub    io.WriterAt
	offset int64
}

func (wa writeAdapter) Write(b []byte) (int, error) {
	return wa.sub.WriteAt(b, wa.offset)
}

func (p *Process) CopyIn(addr uint64, val interface{}) error {
	return binary.Read(readAdapter{sub: p.Space, offset: int64(addr)}, binary.LittleEndian, val)
}

func (p *Process) CopyOut(addr uint64, val interface{}) error {
	return binary.Write(writeAdapter{sub: p.Space, offset: int64(addr)}, binary.LittleEndian, val)
}
