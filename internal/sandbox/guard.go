package sandbox

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Upper and work directories of an overlay live under these prefixes in
// the data dir, followed by the overlaid path: <data>/.upperdir____/usr.
const (
	upperPrefix = ".upperdir____"
	workPrefix  = ".workdir____"
)

func overlayDirs(dataDir, lower string) (upper, work string) {
	return filepath.Join(dataDir, upperPrefix+lower), filepath.Join(dataDir, workPrefix+lower)
}

func overlayOptions(lower, upper, work string) string {
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
}

// guardOps are the privileged operations the guard performs, in call order.
type guardOps interface {
	makePrivate() error
	setName(name string) error
	mountProc() error
	attachPackage(control, pkg, target string) (int, error)
	mountOverlay(lower, upper, work string) error
	startHolder() (int, error)
	reapChildren()
	processes() ([]int, error)
}

type guardRunner struct {
	spec    GuardSpec
	channel io.Writer
	ops     guardOps
	sleep   func(time.Duration)
	log     *slog.Logger
}

// fail reports code to the master and returns the guard's exit status.
func (g *guardRunner) fail(state State, code int32, err error) int {
	g.log.Error("Guard setup step failed", "state", state.String(), "error", err)
	if sendErr := sendStatus(g.channel, code); sendErr != nil {
		g.log.Error("Failed to report setup failure", "error", sendErr)
	}
	return 1
}

func (g *guardRunner) step(state State) {
	g.log.Debug("Guard entering state", "state", state.String())
}

// run builds the sandbox and supervises it until it is empty. The user
// namespace is created last because it gives up the privilege the mounts need.
func (g *guardRunner) run() int {
	g.step(StatePrivateRoot)
	if err := g.ops.makePrivate(); err != nil {
		return g.fail(StatePrivateRoot, statusPrivateMount, err)
	}
	if err := g.ops.setName(g.spec.Identity); err != nil {
		return g.fail(StatePrivateRoot, statusSetIdentity, err)
	}

	g.step(StateProcMount)
	if err := g.ops.mountProc(); err != nil {
		return g.fail(StateProcMount, statusProcMount, err)
	}

	g.step(StateLoopMount)
	loopID, err := g.ops.attachPackage(g.spec.LoopControl, g.spec.PackagePath, g.spec.ExecDir)
	if err != nil {
		return g.fail(StateLoopMount, statusLoopMount, err)
	}
	if err := sendStatus(g.channel, int32(loopID)); err != nil {
		g.log.Error("Failed to report loop id", "loop_id", loopID, "error", err)
		return 1
	}

	g.step(StateOverlayMount)
	for _, lower := range g.spec.OverlayDirs {
		upper, work := overlayDirs(g.spec.DataDir, lower)
		if err := os.MkdirAll(upper, 0o755); err != nil {
			return g.fail(StateOverlayMount, statusOverlayMount, err)
		}
		if err := os.MkdirAll(work, 0o755); err != nil {
			return g.fail(StateOverlayMount, statusOverlayMount, err)
		}
		if err := g.ops.mountOverlay(lower, upper, work); err != nil {
			return g.fail(StateOverlayMount, statusOverlayMount, fmt.Errorf("%s: %w", lower, err))
		}
	}

	g.step(StateUserNamespace)
	holder, err := g.ops.startHolder()
	if err != nil {
		return g.fail(StateUserNamespace, statusUserNamespace, err)
	}

	if err := sendStatus(g.channel, statusSuccess); err != nil {
		g.log.Error("Failed to report success", "error", err)
		return 1
	}
	g.step(StateReady)

	g.supervise(holder)
	g.step(StateSolitary)
	return 0
}

// supervise returns once the guard and the namespace holder are the only
// processes left in the pid namespace. The first check waits StartupGrace
// so a client has time to join.
func (g *guardRunner) supervise(holder int) {
	g.sleep(g.spec.StartupGrace)
	for {
		g.ops.reapChildren()
		pids, err := g.ops.processes()
		if err != nil {
			g.log.Warn("Failed to list processes", "error", err)
		} else if solitary(pids, holder) {
			return
		}
		g.sleep(g.spec.SuperviseInterval)
	}
}

func solitary(pids []int, holder int) bool {
	for _, pid := range pids {
		if pid != 1 && pid != holder {
			return false
		}
	}
	return true
}
