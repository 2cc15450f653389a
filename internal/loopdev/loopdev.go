// Package loopdev drives the kernel loop block driver through
// /dev/loop-control: allocate a free device, bind a backing file, unbind
// and remove it.
package loopdev

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	rerrors "github.com/harunnryd/rocker/internal/errors"
)

const bindAttempts = 3

type ioctler interface {
	retInt(fd int, req uint) (int, error)
	setInt(fd int, req uint, value int) error
}

type sysIoctl struct{}

func (sysIoctl) retInt(fd int, req uint) (int, error) { return unix.IoctlRetInt(fd, req) }

func (sysIoctl) setInt(fd int, req uint, value int) error { return unix.IoctlSetInt(fd, req, value) }

// Control is an open handle on the loop control device. One Control is
// shared by every caller in a process; the kernel serializes allocation on it.
type Control struct {
	file   *os.File
	devDir string
	ioctl  ioctler
}

// OpenControl opens the loop control device at path, normally /dev/loop-control.
func OpenControl(path string) (*Control, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, rerrors.System("open loop control", err)
	}
	return &Control{file: f, devDir: filepath.Dir(path), ioctl: sysIoctl{}}, nil
}

func (c *Control) Close() error {
	return c.file.Close()
}

func (c *Control) fd() int {
	return int(c.file.Fd())
}

// DevicePath returns the block device node for id.
func (c *Control) DevicePath(id int) string {
	return filepath.Join(c.devDir, "loop"+strconv.Itoa(id))
}

// AllocateFree returns the id of an unbound device, creating one if every
// existing device is busy.
func (c *Control) AllocateFree() (int, error) {
	id, err := c.ioctl.retInt(c.fd(), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return -1, rerrors.System("ioctl LOOP_CTL_GET_FREE", err)
	}
	return id, nil
}

// OpenDevice opens the device node for id.
func (c *Control) OpenDevice(id int, flag int) (*os.File, error) {
	f, err := os.OpenFile(c.DevicePath(id), flag|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, rerrors.System("open loop device", err)
	}
	return f, nil
}

// Bind attaches backing to loop. It fails with EBUSY when loop is already bound.
func (c *Control) Bind(loop, backing *os.File) error {
	if err := c.ioctl.setInt(int(loop.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return rerrors.System("ioctl LOOP_SET_FD", err)
	}
	return nil
}

// Unbind detaches the backing file so the device can be allocated again.
func (c *Control) Unbind(loop *os.File) error {
	if err := c.ioctl.setInt(int(loop.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return rerrors.System("ioctl LOOP_CLR_FD", err)
	}
	return nil
}

// UnbindID opens device id and unbinds it.
func (c *Control) UnbindID(id int) error {
	loop, err := c.OpenDevice(id, os.O_RDONLY)
	if err != nil {
		return err
	}
	defer loop.Close()
	return c.Unbind(loop)
}

// Destroy removes device id. Other holders may still have it open, so a
// failure is only logged.
func (c *Control) Destroy(id int) {
	if err := c.ioctl.setInt(c.fd(), unix.LOOP_CTL_REMOVE, id); err != nil {
		slog.Warn("Loop device destroy failed", "loop_id", id, "error", err)
		return
	}
	slog.Debug("Loop device destroyed", "loop_id", id)
}

// Attach allocates a free device and binds backingPath to it read-only.
// A device taken by a concurrent allocator between GET_FREE and SET_FD is
// skipped and allocation retried. The returned file keeps the binding alive
// until it is mounted or closed.
func (c *Control) Attach(backingPath string) (int, *os.File, error) {
	backing, err := os.OpenFile(backingPath, os.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, nil, rerrors.System("open backing file", err)
	}
	defer backing.Close()

	var lastErr error
	for attempt := 0; attempt < bindAttempts; attempt++ {
		id, err := c.AllocateFree()
		if err != nil {
			return -1, nil, err
		}
		loop, err := c.OpenDevice(id, os.O_RDONLY)
		if err != nil {
			return -1, nil, err
		}
		if err := c.Bind(loop, backing); err != nil {
			loop.Close()
			if errors.Is(err, unix.EBUSY) {
				lastErr = err
				slog.Debug("Loop device taken concurrently, retrying", "loop_id", id, "attempt", attempt+1)
				continue
			}
			return -1, nil, err
		}
		return id, loop, nil
	}
	return -1, nil, fmt.Errorf("bind after %d attempts: %w", bindAttempts, lastErr)
}
