package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/harunnryd/rocker/internal/errors"
)

// procFS resolves per-process files under a proc mount, normally /proc.
type procFS struct {
	root string
}

func (p procFS) path(pid int, elem ...string) string {
	return filepath.Join(append([]string{p.root, strconv.Itoa(pid)}, elem...)...)
}

// children lists the direct children of pid across all of its threads.
func (p procFS) children(pid int) ([]int, error) {
	taskFiles, err := filepath.Glob(p.path(pid, "task", "*", "children"))
	if err != nil {
		return nil, errors.Internal(fmt.Sprintf("glob tasks: %v", err))
	}
	if len(taskFiles) == 0 {
		return nil, errors.NotFound(fmt.Sprintf("no tasks for pid %d", pid))
	}

	var pids []int
	for _, f := range taskFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.System("read children", err)
		}
		for _, field := range strings.Fields(string(data)) {
			child, err := strconv.Atoi(field)
			if err != nil {
				return nil, errors.Malformed(fmt.Sprintf("children entry %q", field))
			}
			pids = append(pids, child)
		}
	}
	return pids, nil
}

// namespaceHolder returns the pid of the process holding the guard's user
// namespace: the guard's only child right after setup.
func (p procFS) namespaceHolder(guardPID int) (int, error) {
	kids, err := p.children(guardPID)
	if err != nil {
		return 0, err
	}
	if len(kids) != 1 {
		return 0, errors.Internal(fmt.Sprintf("guard %d has %d children during setup, want 1", guardPID, len(kids)))
	}
	return kids[0], nil
}

// writeIDMaps maps uid (and gid when set) to root inside the user
// namespace of pid. setgroups is denied before gid_map as the kernel requires.
func (p procFS) writeIDMaps(pid int, uid uint32, gid *uint32) error {
	if gid != nil {
		if err := writeProcFile(p.path(pid, "setgroups"), "deny"); err != nil {
			return err
		}
		if err := writeProcFile(p.path(pid, "gid_map"), fmt.Sprintf("0 %d 1", *gid)); err != nil {
			return err
		}
	}
	return writeProcFile(p.path(pid, "uid_map"), fmt.Sprintf("0 %d 1", uid))
}

func writeProcFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.System("open "+path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return errors.System("write "+path, err)
	}
	return nil
}

// openNamespaces opens mnt and pid of the guard and user of the holder.
func (p procFS) openNamespaces(guardPID, holderPID int) (*NamespaceHandles, error) {
	paths := []string{
		p.path(guardPID, "ns", "mnt"),
		p.path(guardPID, "ns", "pid"),
		p.path(holderPID, "ns", "user"),
	}
	files := make([]*os.File, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			for _, opened := range files {
				opened.Close()
			}
			return nil, errors.System("open "+path, err)
		}
		files = append(files, f)
	}
	return NewNamespaceHandles(files[0], files[1], files[2]), nil
}

// comm reads the process name of pid.
func (p procFS) comm(pid int) (string, error) {
	data, err := os.ReadFile(p.path(pid, "comm"))
	if err != nil {
		return "", errors.System("read comm", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}
