package sandbox

import (
	"errors"
	"os"
)

// NamespaceHandles holds open references to a guard's mount, pid and user
// namespaces, in that order. Whoever holds the value owns the files.
type NamespaceHandles struct {
	files [3]*os.File
}

func NewNamespaceHandles(mnt, pid, user *os.File) *NamespaceHandles {
	return &NamespaceHandles{files: [3]*os.File{mnt, pid, user}}
}

func (h *NamespaceHandles) Mount() *os.File { return h.files[0] }
func (h *NamespaceHandles) PID() *os.File   { return h.files[1] }
func (h *NamespaceHandles) User() *os.File  { return h.files[2] }

// Files returns the handles in wire order.
func (h *NamespaceHandles) Files() []*os.File {
	return h.files[:]
}

// FDs returns the raw descriptors in wire order.
func (h *NamespaceHandles) FDs() []int {
	fds := make([]int, 0, len(h.files))
	for _, f := range h.files {
		fds = append(fds, int(f.Fd()))
	}
	return fds
}

// Close closes every handle still open.
func (h *NamespaceHandles) Close() error {
	var errs []error
	for i, f := range h.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		h.files[i] = nil
	}
	return errors.Join(errs...)
}
