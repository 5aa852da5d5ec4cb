package mem

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	PageSize  = 4096
	PageShift = 12
)

var ErrNoFrames = errors.New("out of physical frames")

// Frame identifies one physical page frame.
type Frame uint32

// Addr is the physical address of the frame's first byte.
func (f Frame) Addr() uint64 {
	return uint64(f) << PageShift
}

// Pool is the physical frame allocator. Every present page-table leaf
// holds a reference; a frame is returned to the free list only when
// the last reference drops.
type Pool struct {
	mu   sync.Mutex
	data []byte
	refs []uint32
	free []Frame
}

func NewPool(frames int) *Pool {
	p := &Pool{
		data: make([]byte, frames*PageSize),
		refs: make([]uint32, frames),
		free: make([]Frame, 0, frames),
	}

	for i := frames - 1; i >= 0; i-- {
		p.free = append(p.free, Frame(i))
	}

	return p
}

// Alloc returns a zeroed frame with a reference count of one.
func (p *Pool) Alloc() (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, ErrNoFrames
	}

	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.refs[f] = 1

	b := p.frameData(f)
	for i := range b {
		b[i] = 0
	}

	return f, nil
}

func (p *Pool) IncRef(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs[f] == 0 {
		panic("mem: incref of free frame")
	}

	p.refs[f]++
}

// DecRef drops one reference, freeing the frame when none remain.
func (p *Pool) DecRef(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs[f] == 0 {
		panic("mem: decref of free frame")
	}

	p.refs[f]--

	if p.refs[f] == 0 {
		p.free = append(p.free, f)
	}
}

func (p *Pool) Refs(f Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return int(p.refs[f])
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}

// Data is the backing bytes of a frame. The caller must hold a
// reference for the duration of the access.
func (p *Pool) Data(f Frame) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.frameData(f)
}

func (p *Pool) frameData(f Frame) []byte {
	off := int(f) * PageSize
	return p.data[off : off+PageSize]
}
