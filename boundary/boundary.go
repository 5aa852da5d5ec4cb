// Package boundary defines the seams between the kernel core and its
// external collaborators. The core never sees filesystem or console
// internals, only these interfaces.
package boundary

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var ErrUnknownPath = errors.New("unknown path")

// FileSource reads a whole program image by path. execve's view of
// the VFS collaborator.
type FileSource interface {
	ReadFile(path string) ([]byte, error)
}

// KillNotifier is told when a process is terminated by a signal,
// so a parent-facing shell can report it.
type KillNotifier interface {
	ProcessKilled(pid int, sig int)
}

// DirSource serves images out of a host directory.
type DirSource struct {
	Root string
}

func (d DirSource) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Root, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrUnknownPath, path)
	}

	return data, err
}

// MapSource serves images from memory; used by tests and the packed
// boot payload.
type MapSource map[string][]byte

func (m MapSource) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, errors.Wrap(ErrUnknownPath, path)
	}

	return data, nil
}
