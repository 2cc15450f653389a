package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/registry"
)

type fakeLoops struct {
	mu        sync.Mutex
	unbound   []int
	destroyed []int
}

func (l *fakeLoops) UnbindID(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unbound = append(l.unbound, id)
	return nil
}

func (l *fakeLoops) Destroy(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = append(l.destroyed, id)
}

type infoEntry struct{ info registry.Info }

func (e infoEntry) Info() registry.Info { return e.info }
func (e infoEntry) Release()            {}

func info(pid, loop int, id string) registry.Info {
	return registry.Info{PID: pid, LoopID: loop, Identity: id, AppID: 1, UID: 1000, CreatedAt: time.Unix(1700000000, 0).UTC()}
}

func TestJournalFollowsRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "sandboxes.json")
	j, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, j.Entries())

	reg := registry.New(j)
	require.NoError(t, reg.Insert(20, infoEntry{info(20, 2, "ffffffffffffff2")}))
	require.NoError(t, reg.Insert(10, infoEntry{info(10, 1, "ffffffffffffff1")}))

	onDisk, err := Read(path)
	require.NoError(t, err)
	require.Len(t, onDisk, 2)
	assert.Equal(t, 10, onDisk[0].PID)
	assert.Equal(t, info(20, 2, "ffffffffffffff2"), onDisk[1])

	_, ok := reg.Remove(10)
	require.True(t, ok)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []registry.Info{info(20, 2, "ffffffffffffff2")}, reopened.Entries())
}

func TestReadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	infos, err := Read(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, infos)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = Open(bad)
	assert.ErrorIs(t, err, errors.ErrMalformedRequest)
}

func TestSweepTearsDownDeadOrphans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxes.json")
	previous, err := Open(path)
	require.NoError(t, err)
	previous.Added(info(10, 1, "ffffffffffffff1"))
	previous.Added(info(11, 2, "ffffffffffffff2"))
	previous.Added(info(12, 3, "ffffffffffffff3"))
	previous.Added(info(13, -1, "ffffffffffffff4"))

	j, err := Open(path)
	require.NoError(t, err)
	reg := registry.New(j)
	require.NoError(t, reg.Insert(12, infoEntry{info(12, 3, "ffffffffffffff3")}))

	loops := &fakeLoops{}
	alive := func(i registry.Info) bool { return i.PID == 11 }
	s := NewSweeper(j, reg, loops, alive)

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, []int{1}, loops.unbound)
	assert.Equal(t, []int{1}, loops.destroyed)

	remaining, err := Read(path)
	require.NoError(t, err)
	pids := make([]int, 0, len(remaining))
	for _, r := range remaining {
		pids = append(pids, r.PID)
	}
	assert.Equal(t, []int{11, 12}, pids)

	assert.Zero(t, s.Sweep())
}

func TestSweepLeavesCurrentRunToReaper(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "sandboxes.json"))
	require.NoError(t, err)
	reg := registry.New(j)

	// 31 is journaled but not registered, as during the window between a
	// reaper Remove and the journal hearing about it.
	require.NoError(t, reg.Insert(30, infoEntry{info(30, 7, "ffffffffffffff7")}))
	j.Added(info(31, 8, "ffffffffffffff8"))

	loops := &fakeLoops{}
	s := NewSweeper(j, reg, loops, func(registry.Info) bool { return false })

	_, ok := reg.Remove(30)
	require.True(t, ok)

	assert.Empty(t, j.Carried())
	assert.Zero(t, s.Sweep())
	assert.Empty(t, loops.unbound)
	assert.Empty(t, loops.destroyed)
	assert.Len(t, j.Entries(), 1)
}

func TestCarriedEntriesSurviveReusedPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxes.json")
	previous, err := Open(path)
	require.NoError(t, err)
	previous.Added(info(40, 4, "ffffffffffffff4"))

	j, err := Open(path)
	require.NoError(t, err)
	reg := registry.New(j)
	require.NoError(t, reg.Insert(40, infoEntry{info(40, 9, "ffffffffffffff9")}))

	onDisk, err := Read(path)
	require.NoError(t, err)
	assert.Len(t, onDisk, 2)

	loops := &fakeLoops{}
	s := NewSweeper(j, reg, loops, func(registry.Info) bool { return false })
	assert.Zero(t, s.Sweep())

	_, ok := reg.Remove(40)
	require.True(t, ok)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []int{4}, loops.unbound)
	assert.Empty(t, j.Entries())
}

func TestSweeperSchedule(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "sandboxes.json"))
	require.NoError(t, err)
	s := NewSweeper(j, registry.New(), &fakeLoops{}, nil)

	assert.Error(t, s.Start("not a schedule"))
	require.NoError(t, s.Start("*/5 * * * *"))
	require.NoError(t, s.Start("*/5 * * * *"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestProcGuardAliveRejectsMissingPID(t *testing.T) {
	assert.False(t, ProcGuardAlive(registry.Info{PID: 1 << 30, Identity: "fffffffffffffff"}))
}
