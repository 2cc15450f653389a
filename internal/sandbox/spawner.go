package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	rerrors "github.com/harunnryd/rocker/internal/errors"
)

// Hidden subcommands the running binary is re-executed with.
const (
	GuardCommand  = "guard"
	HolderCommand = "holder"
)

// Guard is a started guard process and the resources the master owns for it.
type Guard interface {
	PID() int
	Signal(sig syscall.Signal) error
	// Reap waits up to timeout for the process to be gone, collecting it
	// if nobody else has.
	Reap(timeout time.Duration) bool
	// Release drops the master's handle on the process. It does not signal it.
	Release() error
}

// Spawner starts a guard in fresh mount and pid namespaces, handing it the
// guard end of the setup channel.
type Spawner interface {
	Spawn(ctx context.Context, channel *os.File) (Guard, error)
}

// ExecSpawner re-executes Binary with the guard subcommand. The channel
// becomes fd 3 in the child.
type ExecSpawner struct {
	Binary string
	Stderr io.Writer
}

// ChannelFD is where the guard finds its end of the setup channel.
const ChannelFD = 3

func (s *ExecSpawner) Spawn(ctx context.Context, channel *os.File) (Guard, error) {
	binary := s.Binary
	if binary == "" {
		binary = "/proc/self/exe"
	}

	cmd := exec.Command(binary, GuardCommand)
	cmd.ExtraFiles = []*os.File{channel}
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWPID,
		Setpgid:    true,
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, rerrors.System("spawn guard", err)
	}
	return &execGuard{proc: cmd.Process}, nil
}

type execGuard struct {
	proc *os.Process
}

func (g *execGuard) PID() int {
	return g.proc.Pid
}

// Signal returns os.ErrProcessDone once the process has exited.
func (g *execGuard) Signal(sig syscall.Signal) error {
	return g.proc.Signal(sig)
}

func (g *execGuard) Reap(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(g.proc.Pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.ECHILD):
			return true
		case err == nil && pid == g.proc.Pid:
			return true
		case err != nil && !errors.Is(err, unix.EINTR):
			return false
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (g *execGuard) Release() error {
	return g.proc.Release()
}
