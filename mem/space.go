package mem

import (
	"encoding/binary"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/cpu"
)

// Page-table geometry: 32-bit virtual addresses, 4 KiB pages, a
// 1024-entry root of 1024-entry leaf tables. The low 512 root slots
// (2 GiB) are the per-process user half; the high 512 are the kernel
// half, shared structurally by every AddressSpace.
const (
	entriesPerTable = 1024
	tableSpan       = entriesPerTable * PageSize

	userRootEntries = 512

	// UserLimit is the first address above user space.
	UserLimit = uint64(userRootEntries) * tableSpan

	// KernelBase is the start of the shared kernel half.
	KernelBase = UserLimit

	maxVA = uint64(1) << 32

	tlbSize = 512
)

// Leaf entry: physical frame address in the high bits, flags below.
type pte uint64

const (
	ptePresent pte = 1 << 0
	pteWrite   pte = 1 << 1
	pteUser    pte = 1 << 2
	pteExec    pte = 1 << 3
	pteCOW     pte = 1 << 4

	// pteWantWrite records the permission the mapping asked for while
	// pteWrite is held clear for a pending copy. A write fault on a
	// CoW page resolves only when this bit is set.
	pteWantWrite pte = 1 << 5

	pteFlagMask pte = PageSize - 1
)

func (e pte) frame() Frame {
	return Frame(e >> PageShift)
}

func mkpte(f Frame, flags pte) pte {
	return pte(f.Addr()) | flags
}

// Perm is a user mapping permission set.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

func permBits(perm Perm) pte {
	bits := ptePresent
	if perm != 0 {
		bits |= pteUser
	}
	if perm&PermWrite != 0 {
		bits |= pteWrite | pteWantWrite
	}
	if perm&PermExec != 0 {
		bits |= pteExec
	}

	return bits
}

var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrNotMapped           = errors.New("range not mapped")
	ErrAlreadyMapped       = errors.New("range already mapped")
	ErrBadAddress          = errors.New("address outside addressable range")

	// ErrFatalFault marks a fault ResolveFault cannot repair; the
	// caller terminates the offending process.
	ErrFatalFault = errors.New("unresolvable user fault")
)

type table [entriesPerTable]pte

// Manager owns the frame pool and the shared kernel half. It is the
// single creator and destroyer of AddressSpaces.
type Manager struct {
	mu     sync.Mutex
	pool   *Pool
	kernel [entriesPerTable - userRootEntries]*table
}

func NewManager(pool *Pool) *Manager {
	return &Manager{pool: pool}
}

func (m *Manager) Pool() *Pool {
	return m.pool
}

// NewSpace creates an empty address space whose kernel half aliases
// the shared kernel tables.
func (m *Manager) NewSpace() *AddressSpace {
	tlb, _ := lru.New(tlbSize)

	return &AddressSpace{
		mgr: m,
		tlb: tlb,
	}
}

// MapKernel installs supervisor-only mappings in the shared kernel
// half, visible in every AddressSpace.
func (m *Manager) MapKernel(va uint64, length int) error {
	if va < KernelBase || va%PageSize != 0 {
		return errors.Wrapf(ErrBadAddress, "kernel map at %#x", va)
	}

	end := va + pageRound(uint64(length))
	if end > maxVA {
		return errors.Wrapf(ErrBadAddress, "kernel map end %#x", end)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for p := va; p < end; p += PageSize {
		ri := int(p>>22) - userRootEntries

		tbl := m.kernel[ri]
		if tbl == nil {
			tbl = new(table)
			m.kernel[ri] = tbl
		}

		idx := int(p >> PageShift & (entriesPerTable - 1))
		if tbl[idx]&ptePresent != 0 {
			continue
		}

		f, err := m.pool.Alloc()
		if err != nil {
			return err
		}

		tbl[idx] = mkpte(f, ptePresent|pteWrite)
	}

	return nil
}

// UnmapKernel releases supervisor mappings installed by MapKernel.
func (m *Manager) UnmapKernel(va uint64, length int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := va + pageRound(uint64(length))

	for p := va; p < end && p >= KernelBase && p < maxVA; p += PageSize {
		ri := int(p>>22) - userRootEntries

		tbl := m.kernel[ri]
		if tbl == nil {
			continue
		}

		idx := int(p >> PageShift & (entriesPerTable - 1))
		if e := tbl[idx]; e&ptePresent != 0 {
			m.pool.DecRef(e.frame())
			tbl[idx] = 0
		}
	}
}

func (m *Manager) kernelTable(ri int) *table {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.kernel[ri-userRootEntries]
}

func pageRound(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// AddressSpace is one process's page-table tree plus its cached
// translations. The space is the root handle loaded on switch-in.
type AddressSpace struct {
	mu   sync.Mutex
	mgr  *Manager
	user [userRootEntries]*table

	// tlb caches leaf entries keyed by virtual page number. Any
	// mutation of a leaf entry must remove the page from the cache
	// before the mutating call returns, or a downgraded page stays
	// writable through the stale translation.
	tlb *lru.Cache
}

func (s *AddressSpace) Manager() *Manager {
	return s.mgr
}

// walk returns the leaf table and index for va, or nil when the leaf
// table does not exist (and create is false). Caller holds s.mu for
// user-half walks.
func (s *AddressSpace) walk(va uint64, create bool) (*table, int) {
	if va >= maxVA {
		return nil, 0
	}

	ri := int(va >> 22)

	var tbl *table
	if ri >= userRootEntries {
		tbl = s.mgr.kernelTable(ri)
	} else {
		tbl = s.user[ri]
		if tbl == nil && create {
			tbl = new(table)
			s.user[ri] = tbl
		}
	}

	if tbl == nil {
		return nil, 0
	}

	return tbl, int(va >> PageShift & (entriesPerTable - 1))
}

func checkAccess(e pte, access cpu.Access, user bool) bool {
	if e&ptePresent == 0 {
		return false
	}

	if user && e&pteUser == 0 {
		return false
	}

	switch access {
	case cpu.AccessWrite:
		return e&pteWrite != 0
	case cpu.AccessExec:
		return e&pteExec != 0
	}

	return true
}

// translate resolves va under s.mu, consulting the cache for
// user-half pages.
func (s *AddressSpace) translate(va uint64, access cpu.Access, user bool) (uint64, error) {
	page := va >> PageShift

	var e pte

	if va < UserLimit {
		if v, ok := s.tlb.Get(page); ok {
			e = v.(pte)
		} else {
			tbl, idx := s.walk(va, false)
			if tbl == nil {
				return 0, ErrNotMapped
			}

			e = tbl[idx]
			if e&ptePresent != 0 {
				s.tlb.Add(page, e)
			}
		}
	} else {
		tbl, idx := s.walk(va, false)
		if tbl == nil {
			return 0, ErrNotMapped
		}

		e = tbl[idx]
	}

	if !checkAccess(e, access, user) {
		return 0, ErrInvalidMemoryAccess
	}

	return e.frame().Addr() + va&(PageSize-1), nil
}

// Map allocates zeroed frames for [va, va+length) with the given
// permissions. The operation is all-or-nothing: frame exhaustion
// rolls back every page mapped so far.
func (s *AddressSpace) Map(va, length uint64, perm Perm) error {
	if va%PageSize != 0 || va+pageRound(length) > UserLimit || length == 0 {
		return errors.Wrapf(ErrBadAddress, "map %#x+%#x", va, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end := va + pageRound(length)

	for p := va; p < end; p += PageSize {
		tbl, idx := s.walk(p, false)
		if tbl != nil && tbl[idx]&ptePresent != 0 {
			return errors.Wrapf(ErrAlreadyMapped, "page %#x", p)
		}
	}

	bits := permBits(perm)

	for p := va; p < end; p += PageSize {
		tbl, idx := s.walk(p, true)

		f, err := s.mgr.pool.Alloc()
		if err != nil {
			for q := va; q < p; q += PageSize {
				qt, qi := s.walk(q, false)
				s.mgr.pool.DecRef(qt[qi].frame())
				qt[qi] = 0
			}

			return err
		}

		tbl[idx] = mkpte(f, bits)
	}

	return nil
}

// Unmap removes any present mappings in [va, va+length).
func (s *AddressSpace) Unmap(va, length uint64) error {
	if va%PageSize != 0 || va+pageRound(length) > UserLimit {
		return errors.Wrapf(ErrBadAddress, "unmap %#x+%#x", va, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for p := va; p < va+pageRound(length); p += PageSize {
		tbl, idx := s.walk(p, false)
		if tbl == nil {
			continue
		}

		if e := tbl[idx]; e&ptePresent != 0 {
			s.mgr.pool.DecRef(e.frame())
			tbl[idx] = 0
			s.tlb.Remove(p >> PageShift)
		}
	}

	return nil
}

// Protect rewrites the permissions of every leaf entry in the range
// and drops the cached translations before returning. An unmapped
// page anywhere in the range fails the whole call with no change.
func (s *AddressSpace) Protect(va, length uint64, perm Perm) error {
	if va%PageSize != 0 || va+pageRound(length) > UserLimit || length == 0 {
		return errors.Wrapf(ErrBadAddress, "protect %#x+%#x", va, length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	end := va + pageRound(length)

	for p := va; p < end; p += PageSize {
		tbl, idx := s.walk(p, false)
		if tbl == nil || tbl[idx]&ptePresent == 0 {
			return errors.Wrapf(ErrNotMapped, "page %#x", p)
		}
	}

	for p := va; p < end; p += PageSize {
		tbl, idx := s.walk(p, false)
		e := tbl[idx]

		bits := permBits(perm)

		// A CoW page stays read-only regardless of the new
		// permissions; pteWantWrite carries the requested
		// protection, and fault resolution restores the write bit
		// only when it asks for one.
		if e&pteCOW != 0 {
			bits = bits&^pteWrite | pteCOW
		}

		tbl[idx] = mkpte(e.frame(), bits)
		s.tlb.Remove(p >> PageShift)
	}

	return nil
}

// CloneCOW builds a copy-on-write duplicate of the user half. Every
// present writable leaf loses its write bit in both trees and gains
// the CoW marker; all present frames gain a reference.
func (s *AddressSpace) CloneCOW() (*AddressSpace, error) {
	child := s.mgr.NewSpace()

	s.mu.Lock()
	defer s.mu.Unlock()

	for ri, tbl := range s.user {
		if tbl == nil {
			continue
		}

		ct := new(table)
		child.user[ri] = ct

		for i, e := range tbl {
			if e&ptePresent == 0 {
				ct[i] = e
				continue
			}

			s.mgr.pool.IncRef(e.frame())

			if e&pteWrite != 0 {
				ne := e&^pteWrite | pteCOW
				tbl[i] = ne
				ct[i] = ne

				page := uint64(ri)<<10 + uint64(i)
				s.tlb.Remove(page)
			} else {
				ct[i] = e
			}
		}
	}

	return child, nil
}

// ResolveFault repairs a CoW write fault. With a sole reference the
// write bit is simply restored; otherwise the page contents move to a
// fresh private frame. Any other fault is ErrFatalFault.
func (s *AddressSpace) ResolveFault(va uint64, access cpu.Access) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolveFaultLocked(va, access)
}

func (s *AddressSpace) resolveFaultLocked(va uint64, access cpu.Access) error {
	if va >= UserLimit {
		return ErrFatalFault
	}

	tbl, idx := s.walk(va, false)
	if tbl == nil {
		return ErrFatalFault
	}

	e := tbl[idx]
	if access != cpu.AccessWrite || e&ptePresent == 0 || e&pteCOW == 0 {
		return ErrFatalFault
	}

	// A page downgraded by mprotect keeps its CoW marker but must
	// not become writable through fault resolution.
	if e&pteWantWrite == 0 {
		return ErrFatalFault
	}

	pool := s.mgr.pool
	f := e.frame()

	if pool.Refs(f) == 1 {
		tbl[idx] = e&^pteCOW | pteWrite
	} else {
		nf, err := pool.Alloc()
		if err != nil {
			return err
		}

		copy(pool.Data(nf), pool.Data(f))

		tbl[idx] = mkpte(nf, e&pteFlagMask&^pteCOW|pteWrite)
		pool.DecRef(f)
	}

	s.tlb.Remove(va >> PageShift)

	return nil
}

// ResetUser unmaps the entire user half, dropping frame references.
// The kernel half is untouched.
func (s *AddressSpace) ResetUser() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetUserLocked()
}

func (s *AddressSpace) resetUserLocked() {
	for ri, tbl := range s.user {
		if tbl == nil {
			continue
		}

		for i, e := range tbl {
			if e&ptePresent != 0 {
				s.mgr.pool.DecRef(e.frame())
				tbl[i] = 0
			}
		}

		s.user[ri] = nil
	}

	s.tlb.Purge()
}

// ReplaceUser adopts the user half built in staged and releases the
// old mappings. The swap is the commit point of an image replacement:
// until it runs the original mappings are intact, so a caller that
// fails to build staged can simply destroy it and carry on. staged is
// empty afterwards and must be discarded.
func (s *AddressSpace) ReplaceUser(staged *AddressSpace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged.mu.Lock()
	defer staged.mu.Unlock()

	s.resetUserLocked()

	s.user = staged.user
	staged.user = [userRootEntries]*table{}
	staged.tlb.Purge()
}

// Destroy releases the space. Called exactly once, by the table when
// the owning process is reaped.
func (s *AddressSpace) Destroy() {
	s.ResetUser()
}

// LoadSegment maps [va, va+len(data)) with the given permissions and
// writes data through the physical frames, bypassing the permission
// bits the way a loader writing pre-activation does.
func (s *AddressSpace) LoadSegment(va uint64, data []byte, memSize uint64, perm Perm) error {
	if memSize < uint64(len(data)) {
		memSize = uint64(len(data))
	}

	if err := s.Map(va, memSize, perm); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for off := 0; off < len(data); {
		p := va + uint64(off)
		tbl, idx := s.walk(p, false)

		fb := s.mgr.pool.Data(tbl[idx].frame())
		n := copy(fb[p&(PageSize-1):], data[off:])
		off += n
	}

	return nil
}

// PhysAddr translates a user virtual address for reading, returning
// the physical address. Used as the futex key.
func (s *AddressSpace) PhysAddr(va uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.translate(va, cpu.AccessRead, true)
}

// ReadAt and WriteAt are the kernel-privilege user-memory accessors
// used for syscall argument marshalling. Writes resolve CoW the same
// way a hardware fault would; a genuinely read-only page fails.
func (s *AddressSpace) ReadAt(b []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	va := uint64(off)

	for n := 0; n < len(b); {
		pa, err := s.translate(va, cpu.AccessRead, false)
		if err != nil {
			return n, errors.Wrapf(ErrInvalidMemoryAccess, "read at %#x", va)
		}

		fb := s.mgr.pool.Data(Frame(pa >> PageShift))
		c := copy(b[n:], fb[pa&(PageSize-1):])
		n += c
		va += uint64(c)
	}

	return len(b), nil
}

func (s *AddressSpace) WriteAt(b []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	va := uint64(off)

	for n := 0; n < len(b); {
		pa, err := s.translate(va, cpu.AccessWrite, false)
		if err != nil {
			if rerr := s.resolveFaultLocked(va, cpu.AccessWrite); rerr != nil {
				return n, errors.Wrapf(ErrInvalidMemoryAccess, "write at %#x", va)
			}

			continue
		}

		fb := s.mgr.pool.Data(Frame(pa >> PageShift))
		c := copy(fb[pa&(PageSize-1):], b[n:])
		n += c
		va += uint64(c)
	}

	return len(b), nil
}

// cpu.Memory: user-privilege accesses of the active context. Word
// accesses must be 8-byte aligned so they never split a page.

func (s *AddressSpace) FetchExec(va uint64) (uint64, *cpu.Fault) {
	return s.word(va, cpu.AccessExec)
}

func (s *AddressSpace) Load(va uint64) (uint64, *cpu.Fault) {
	return s.word(va, cpu.AccessRead)
}

func (s *AddressSpace) word(va uint64, access cpu.Access) (uint64, *cpu.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if va%8 != 0 {
		return 0, &cpu.Fault{Addr: va, Access: access}
	}

	pa, err := s.translate(va, access, true)
	if err != nil {
		return 0, &cpu.Fault{Addr: va, Access: access}
	}

	fb := s.mgr.pool.Data(Frame(pa >> PageShift))

	return binary.LittleEndian.Uint64(fb[pa&(PageSize-1):]), nil
}

func (s *AddressSpace) Store(va uint64, val uint64) *cpu.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	if va%8 != 0 {
		return &cpu.Fault{Addr: va, Access: cpu.AccessWrite}
	}

	pa, err := s.translate(va, cpu.AccessWrite, true)
	if err != nil {
		return &cpu.Fault{Addr: va, Access: cpu.AccessWrite}
	}

	fb := s.mgr.pool.Data(Frame(pa >> PageShift))
	binary.LittleEndian.PutUint64(fb[pa&(PageSize-1):], val)

	return nil
}
