package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeGuard struct {
	pid int

	mu       sync.Mutex
	signals  []syscall.Signal
	reaped   bool
	released int
	dead     bool
	// stuck guards ignore SIGKILL until exit is called.
	stuck bool
}

func (g *fakeGuard) PID() int { return g.pid }

func (g *fakeGuard) Signal(sig syscall.Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dead {
		return os.ErrProcessDone
	}
	if sig != 0 {
		g.signals = append(g.signals, sig)
	}
	if sig == syscall.SIGKILL && !g.stuck {
		g.dead = true
	}
	return nil
}

func (g *fakeGuard) Reap(time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reaped = g.dead
	return g.dead
}

func (g *fakeGuard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
	return nil
}

func (g *fakeGuard) exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dead = true
}

func (g *fakeGuard) killed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dead && g.reaped
}

// script is what the fake guard does with its channel end: messages are
// sent in order, then the end is held open until the test finishes.
type script struct {
	messages []int32
	closeEnd bool
}

type fakeSpawner struct {
	t      *testing.T
	guard  *fakeGuard
	script script
	specs  chan GuardSpec
	err    error
}

func (s *fakeSpawner) Spawn(ctx context.Context, channel *os.File) (Guard, error) {
	if s.err != nil {
		return nil, s.err
	}
	fd, err := unix.Dup(int(channel.Fd()))
	require.NoError(s.t, err)
	end := os.NewFile(uintptr(fd), "fake-guard")

	go func() {
		spec, err := readSpec(end)
		if err == nil {
			s.specs <- spec
		}
		for _, m := range s.script.messages {
			if sendStatus(end, m) != nil {
				return
			}
		}
		if s.script.closeEnd {
			end.Close()
		}
	}()
	s.t.Cleanup(func() { end.Close() })
	return s.guard, nil
}

type fakeLoops struct {
	mu        sync.Mutex
	unbound   []int
	destroyed []int
	unbindErr error
}

func (l *fakeLoops) UnbindID(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unbound = append(l.unbound, id)
	return l.unbindErr
}

func (l *fakeLoops) Destroy(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = append(l.destroyed, id)
}

func (l *fakeLoops) snapshot() ([]int, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.unbound...), append([]int(nil), l.destroyed...)
}

type fakeAccounts struct {
	users  map[uint32]bool
	groups map[uint32]bool
}

func (a fakeAccounts) UserExists(uid uint32) bool  { return a.users[uid] }
func (a fakeAccounts) GroupExists(gid uint32) bool { return a.groups[gid] }

// fakeProc lays out the /proc files the master reads and writes for a
// guard and its namespace holder.
func fakeProc(t *testing.T, guardPID, holderPID int) string {
	t.Helper()
	root := t.TempDir()
	g := strconv.Itoa(guardPID)
	h := strconv.Itoa(holderPID)

	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write(filepath.Join(g, "task", g, "children"), h+" ")
	write(filepath.Join(g, "task", "9999", "children"), "")
	write(filepath.Join(g, "ns", "mnt"), "mnt")
	write(filepath.Join(g, "ns", "pid"), "pid")
	write(filepath.Join(g, "comm"), "fffffffffffffff\n")
	write(filepath.Join(h, "ns", "user"), "user")
	write(filepath.Join(h, "uid_map"), "")
	write(filepath.Join(h, "gid_map"), "")
	write(filepath.Join(h, "setgroups"), "")
	return root
}

type fixture struct {
	builder  *Builder
	spawner  *fakeSpawner
	loops    *fakeLoops
	guard    *fakeGuard
	procRoot string
	req      Request
}

const (
	testGuardPID  = 4242
	testHolderPID = 4243
)

func newFixture(t *testing.T, sc script) *fixture {
	t.Helper()
	guard := &fakeGuard{pid: testGuardPID}
	spawner := &fakeSpawner{t: t, guard: guard, script: sc, specs: make(chan GuardSpec, 1)}
	loops := &fakeLoops{}
	procRoot := fakeProc(t, testGuardPID, testHolderPID)

	b, err := NewBuilder(Options{
		Spawner:          spawner,
		Loops:            loops,
		Accounts:         fakeAccounts{users: map[uint32]bool{1000: true}, groups: map[uint32]bool{1000: true}},
		Identities:       NewIdentitySource(time.Unix(0, 0)),
		ProcRoot:         procRoot,
		LoopControl:      "/dev/loop-control",
		HandshakeTimeout: 200 * time.Millisecond,
		ReleaseGrace:     time.Millisecond,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	pkg := filepath.Join(dir, "app.squashfs")
	require.NoError(t, os.WriteFile(pkg, []byte("hsqs"), 0o600))
	gid := uint32(1000)

	return &fixture{
		builder:  b,
		spawner:  spawner,
		loops:    loops,
		guard:    guard,
		procRoot: procRoot,
		req: Request{
			AppID:       0xFFFF,
			UID:         1000,
			GID:         &gid,
			PackagePath: pkg,
			ExecDir:     filepath.Join(dir, "exec"),
			DataDir:     filepath.Join(dir, "data"),
			OverlayDirs: []string{"/usr", "/lib"},
		},
	}
}

func (f *fixture) readProc(t *testing.T, pid int, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.procRoot, strconv.Itoa(pid), name))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) waitBackground(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.builder.Wait(ctx))
}
