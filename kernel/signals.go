package kernel

import (
	"sync"

	"github.com/RedHatOnTop/kernel-performed-illegal-operation-sub002/abi/linux"
	"github.com/pkg/errors"
)

var (
	ErrBadSignal       = errors.New("bad signal number")
	ErrProtectedSignal = errors.New("signal cannot be caught or blocked")
)

// protectedMask covers the signals whose disposition and blocking are
// fixed. Every mask mutation has these bits forced clear.
const protectedMask = 1<<linux.SIGKILL | 1<<linux.SIGSTOP

type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

// SignalState is the per-process signal bookkeeping: a pending set, a
// blocked mask and one disposition per signal number.
type SignalState struct {
	mu      sync.Mutex
	pending uint64
	blocked uint64
	actions [linux.NSIG]SigAction
}

func sigBit(sig int) (uint64, bool) {
	if sig < 1 || sig >= linux.NSIG {
		return 0, false
	}

	return 1 << uint(sig), true
}

// Send marks sig pending. Duplicate sends before delivery collapse
// into one.
func (s *SignalState) Send(sig int) error {
	bit, ok := sigBit(sig)
	if !ok {
		return ErrBadSignal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending |= bit

	return nil
}

func (s *SignalState) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending
}

func (s *SignalState) Blocked() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blocked
}

// SetAction installs a new disposition, returning the previous one.
func (s *SignalState) SetAction(sig int, act SigAction) (SigAction, error) {
	if _, ok := sigBit(sig); !ok {
		return SigAction{}, ErrBadSignal
	}

	if sig == linux.SIGKILL || sig == linux.SIGSTOP {
		return SigAction{}, ErrProtectedSignal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.actions[sig]
	act.Mask &^= protectedMask
	s.actions[sig] = act

	return old, nil
}

func (s *SignalState) Action(sig int) (SigAction, error) {
	if _, ok := sigBit(sig); !ok {
		return SigAction{}, ErrBadSignal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.actions[sig], nil
}

// ProcMask mutates the blocked mask, returning the previous mask.
// SIGKILL and SIGSTOP can never end up blocked.
func (s *SignalState) ProcMask(how int, set uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.blocked

	switch how {
	case linux.SIG_BLOCK:
		s.blocked |= set
	case linux.SIG_UNBLOCK:
		s.blocked &^= set
	case linux.SIG_SETMASK:
		s.blocked = set
	default:
		return old, errors.Errorf("bad sigprocmask how: %d", how)
	}

	s.blocked &^= protectedMask

	return old, nil
}

// Dequeue pops the lowest-numbered pending signal that is not
// blocked, along with its disposition.
func (s *SignalState) Dequeue() (int, SigAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deliverable := s.pending &^ s.blocked
	if deliverable == 0 {
		return 0, SigAction{}, false
	}

	for sig := 1; sig < linux.NSIG; sig++ {
		bit := uint64(1) << uint(sig)
		if deliverable&bit == 0 {
			continue
		}

		s.pending &^= bit

		return sig, s.actions[sig], true
	}

	return 0, SigAction{}, false
}

// Requeue puts a dequeued signal back, used when no handler frame is
// available yet.
func (s *SignalState) Requeue(sig int) {
	bit, ok := sigBit(sig)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending |= bit
}

// Fork copies dispositions and the blocked mask for a new child; the
// pending set is not inherited.
func (s *SignalState) Fork() SignalState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SignalState{
		blocked: s.blocked,
		actions: s.actions,
	}
}

// ResetActions reverts every caught signal to its default
// disposition, keeping the blocked mask. Done on execve.
func (s *SignalState) ResetActions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.actions {
		s.actions[i] = SigAction{}
	}
}

// DefaultIgnored reports whether sig's default action is to be
// discarded rather than to terminate the process.
func DefaultIgnored(sig int) bool {
	switch sig {
	case linux.SIGCHLD, linux.SIGCONT, linux.SIGSTOP, linux.SIGTSTP, linux.SIGURG, linux.SIGWINCH:
		return true
	}

	return false
}
