package sandbox

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	rerrors "github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/loopdev"
	"github.com/harunnryd/rocker/internal/logger"
)

// RunGuard is the body of the guard process. The caller must be running on
// the main OS thread so the process name lands on the thread /proc reports.
func RunGuard(channel *os.File, stderr *os.File) int {
	unix.CloseOnExec(int(channel.Fd()))

	spec, err := readSpec(channel)
	if err != nil {
		slog.Error("Guard could not read its spec", "error", err)
		return 1
	}
	logger.SetupWriter(stderr, spec.LogLevel, "component", "guard", "identity", spec.Identity)

	g := &guardRunner{
		spec:    spec,
		channel: channel,
		ops:     sysGuardOps{procRoot: "/proc"},
		sleep:   time.Sleep,
		log:     slog.Default(),
	}
	return g.run()
}

// RunHolder keeps a user namespace alive for as long as its guard lives.
func RunHolder() {
	for {
		time.Sleep(time.Hour)
	}
}

type sysGuardOps struct {
	procRoot string
}

func (sysGuardOps) makePrivate() error {
	return rerrors.System("mount / rprivate", unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""))
}

func (sysGuardOps) setName(name string) error {
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return rerrors.InvalidInput("identity contains NUL")
	}
	return rerrors.System("prctl PR_SET_NAME", unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0))
}

func (sysGuardOps) mountProc() error {
	flags := uintptr(unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOSUID | unix.MS_RELATIME)
	return rerrors.System("mount proc", unix.Mount("proc", "/proc", "proc", flags, ""))
}

// attachPackage mounts pkg read-only at target through a fresh loop device.
// A device bound here but not mounted is unbound again before returning.
func (sysGuardOps) attachPackage(control, pkg, target string) (int, error) {
	ctl, err := loopdev.OpenControl(control)
	if err != nil {
		return -1, err
	}
	defer ctl.Close()

	id, loop, err := ctl.Attach(pkg)
	if err != nil {
		return -1, err
	}
	defer loop.Close()

	if err := unix.Mount(ctl.DevicePath(id), target, "squashfs", unix.MS_RDONLY, ""); err != nil {
		if unbindErr := ctl.Unbind(loop); unbindErr != nil {
			slog.Warn("Failed to unbind loop device after mount failure", "loop_id", id, "error", unbindErr)
		}
		return -1, rerrors.System("mount squashfs", err)
	}
	return id, nil
}

func (sysGuardOps) mountOverlay(lower, upper, work string) error {
	return rerrors.System("mount overlay", unix.Mount("overlay", lower, "overlay", 0, overlayOptions(lower, upper, work)))
}

// startHolder spawns the process that owns the sandbox's user namespace.
// Its id maps are written by the master.
func (sysGuardOps) startHolder() (int, error) {
	cmd := exec.Command("/proc/self/exe", HolderCommand)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER,
		Pdeathsig:  syscall.SIGKILL,
	}
	if err := cmd.Start(); err != nil {
		return 0, rerrors.System("clone user namespace", err)
	}
	return cmd.Process.Pid, nil
}

func (sysGuardOps) reapChildren() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
	}
}

func (o sysGuardOps) processes() ([]int, error) {
	return listPIDs(o.procRoot)
}

func listPIDs(procRoot string) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, rerrors.System("read proc", err)
	}
	var pids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if pid, err := strconv.Atoi(e.Name()); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
