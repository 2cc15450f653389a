package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/registry"
)

func TestInitSuccess(t *testing.T) {
	f := newFixture(t, script{messages: []int32{7, statusSuccess}})
	ctx := context.Background()

	c, err := f.builder.New(ctx, f.req)
	require.NoError(t, err)
	assert.Equal(t, StateValidated, c.State())

	_, err = c.PID()
	assert.ErrorIs(t, err, rerrors.ErrNotReady)

	require.NoError(t, c.Init(ctx))
	assert.Equal(t, StateReady, c.State())

	pid, err := c.PID()
	require.NoError(t, err)
	assert.Equal(t, testGuardPID, pid)

	loopID, ok := c.LoopID()
	assert.True(t, ok)
	assert.Equal(t, 7, loopID)

	spec := <-f.spawner.specs
	assert.Equal(t, c.Identity().String(), spec.Identity)
	assert.Equal(t, f.req.ExecDir, spec.ExecDir)
	assert.Equal(t, []string{"/usr", "/lib"}, spec.OverlayDirs)

	assert.Equal(t, "deny", f.readProc(t, testHolderPID, "setgroups"))
	assert.Equal(t, "0 1000 1", f.readProc(t, testHolderPID, "gid_map"))
	assert.Equal(t, "0 1000 1", f.readProc(t, testHolderPID, "uid_map"))
	assert.False(t, f.guard.killed())

	handles, err := c.NamespaceHandles(ctx)
	require.NoError(t, err)
	defer handles.Close()
	require.Len(t, handles.Files(), 3)
	assert.Equal(t, filepath.Join(f.procRoot, "4242", "ns", "mnt"), handles.Mount().Name())
	assert.Equal(t, filepath.Join(f.procRoot, "4242", "ns", "pid"), handles.PID().Name())
	assert.Equal(t, filepath.Join(f.procRoot, "4243", "ns", "user"), handles.User().Name())
}

func TestInitWithoutGIDSkipsGroupMap(t *testing.T) {
	f := newFixture(t, script{messages: []int32{0, statusSuccess}})
	f.req.GID = nil

	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	assert.Equal(t, "", f.readProc(t, testHolderPID, "setgroups"))
	assert.Equal(t, "", f.readProc(t, testHolderPID, "gid_map"))
	assert.Equal(t, "0 1000 1", f.readProc(t, testHolderPID, "uid_map"))
}

func TestInitWithoutOverlays(t *testing.T) {
	f := newFixture(t, script{messages: []int32{3, statusSuccess}})
	f.req.OverlayDirs = nil

	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	spec := <-f.spawner.specs
	assert.Empty(t, spec.OverlayDirs)
}

func TestInitGuardFailures(t *testing.T) {
	tests := []struct {
		name        string
		messages    []int32
		want        error
		releaseLoop int
	}{
		{name: "private mount", messages: []int32{statusPrivateMount}, want: ErrPrivateMount, releaseLoop: -1},
		{name: "identity", messages: []int32{statusSetIdentity}, want: ErrSetIdentity, releaseLoop: -1},
		{name: "proc mount", messages: []int32{statusProcMount}, want: ErrProcMount, releaseLoop: -1},
		{name: "loop mount", messages: []int32{statusLoopMount}, want: ErrLoopMount, releaseLoop: -1},
		{name: "overlay mount", messages: []int32{5, statusOverlayMount}, want: ErrOverlayMount, releaseLoop: 5},
		{name: "user namespace", messages: []int32{6, statusUserNamespace}, want: ErrUserNamespace, releaseLoop: 6},
		{name: "unknown status", messages: []int32{6, -77}, want: ErrUnknownStatus, releaseLoop: 6},
		{name: "success before loop id", messages: []int32{statusSuccess}, want: ErrOutOfOrder, releaseLoop: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, script{messages: tt.messages})
			c, err := f.builder.New(context.Background(), f.req)
			require.NoError(t, err)

			err = c.Init(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, rerrors.ErrGuardLifecycle)
			assert.True(t, f.guard.killed(), "guard must be killed and collected before Init returns")

			f.waitBackground(t)
			unbound, destroyed := f.loops.snapshot()
			if tt.releaseLoop < 0 {
				assert.Empty(t, unbound)
				assert.Empty(t, destroyed)
			} else {
				assert.Equal(t, []int{tt.releaseLoop}, unbound)
				assert.Equal(t, []int{tt.releaseLoop}, destroyed)
			}
			assert.Equal(t, StateReleased, c.State())
		})
	}
}

func TestInitFailureHoldsLoopUntilGuardCollected(t *testing.T) {
	f := newFixture(t, script{messages: []int32{7, statusOverlayMount}})
	f.guard.stuck = true
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)

	err = c.Init(context.Background())
	assert.ErrorIs(t, err, ErrOverlayMount)
	assert.Equal(t, StateFailed, c.State())

	time.Sleep(3 * reapRetryInterval)
	unbound, destroyed := f.loops.snapshot()
	assert.Empty(t, unbound, "loop must stay bound while the guard may hold its mount")
	assert.Empty(t, destroyed)

	f.guard.exit()
	f.waitBackground(t)
	unbound, destroyed = f.loops.snapshot()
	assert.Equal(t, []int{7}, unbound)
	assert.Equal(t, []int{7}, destroyed)
	assert.Equal(t, StateReleased, c.State())
}

func TestAbortWithoutCauseStillFails(t *testing.T) {
	f := newFixture(t, script{})
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)

	err = c.abort(context.Background(), nil)
	assert.ErrorIs(t, err, rerrors.ErrInternal)
	f.waitBackground(t)
	assert.Equal(t, StateReleased, c.State())
}

func TestInitHandshakeTimeoutKillsGuard(t *testing.T) {
	for _, messages := range [][]int32{nil, {4}} {
		f := newFixture(t, script{messages: messages})
		c, err := f.builder.New(context.Background(), f.req)
		require.NoError(t, err)

		start := time.Now()
		err = c.Init(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
		assert.True(t, rerrors.IsRetryable(err))
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.True(t, f.guard.killed())
	}
}

func TestInitSpawnFailure(t *testing.T) {
	f := newFixture(t, script{})
	f.spawner.err = rerrors.System("spawn guard", syscall.EPERM)

	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)

	err = c.Init(context.Background())
	assert.ErrorIs(t, err, syscall.EPERM)
	assert.Equal(t, StateFailed, c.State())
	_, err = c.PID()
	assert.ErrorIs(t, err, rerrors.ErrNotReady)
}

func TestInitTwiceRejected(t *testing.T) {
	f := newFixture(t, script{messages: []int32{1, statusSuccess}})
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	assert.ErrorIs(t, c.Init(context.Background()), rerrors.ErrInternal)
}

func TestNamespaceHandlesFailureKillsGuard(t *testing.T) {
	f := newFixture(t, script{messages: []int32{1, statusSuccess}})
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	require.NoError(t, os.Remove(filepath.Join(f.procRoot, "4243", "ns", "user")))
	_, err = c.NamespaceHandles(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrSystem)
	assert.True(t, f.guard.killed())

	f.waitBackground(t)
	unbound, _ := f.loops.snapshot()
	assert.Equal(t, []int{1}, unbound)
	assert.Equal(t, StateReleased, c.State())
}

func TestNamespaceHandlesBeforeReady(t *testing.T) {
	f := newFixture(t, script{})
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)

	_, err = c.NamespaceHandles(context.Background())
	assert.ErrorIs(t, err, rerrors.ErrNotReady)
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t, script{messages: []int32{1, statusSuccess}})
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	reg := registry.New()
	require.NoError(t, c.Register(reg))
	assert.ErrorIs(t, c.Register(reg), registry.ErrDuplicate)

	entry, ok := reg.Remove(testGuardPID)
	require.True(t, ok)
	assert.Same(t, c, entry)
	info := entry.Info()
	assert.Equal(t, testGuardPID, info.PID)
	assert.Equal(t, 1, info.LoopID)
	assert.Equal(t, c.Identity().String(), info.Identity)
}

func TestReleaseInfallibleAndOnce(t *testing.T) {
	f := newFixture(t, script{messages: []int32{9, statusSuccess}})
	f.loops.unbindErr = errors.New("device busy")

	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	assert.NotPanics(t, c.Release)
	assert.NotPanics(t, c.Release)

	unbound, destroyed := f.loops.snapshot()
	assert.Equal(t, []int{9}, unbound)
	assert.Equal(t, []int{9}, destroyed)
	assert.Equal(t, 1, f.guard.released)
	assert.Equal(t, StateReleased, c.State())
}

func TestAlive(t *testing.T) {
	f := newFixture(t, script{messages: []int32{1, statusSuccess}})
	c, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	assert.False(t, c.Alive())

	require.NoError(t, c.Init(context.Background()))
	assert.True(t, c.Alive())

	c.Kill(context.Background())
	assert.False(t, c.Alive())
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, r *Request)
		want   error
	}{
		{
			name:   "unknown uid",
			mutate: func(_ *fixture, r *Request) { r.UID = 4321 },
			want:   ErrInvalidUID,
		},
		{
			name: "unknown gid",
			mutate: func(_ *fixture, r *Request) {
				gid := uint32(4321)
				r.GID = &gid
			},
			want: ErrInvalidGID,
		},
		{
			name:   "missing package",
			mutate: func(_ *fixture, r *Request) { r.PackagePath += ".missing" },
			want:   ErrInvalidPath,
		},
		{
			name:   "package is a directory",
			mutate: func(_ *fixture, r *Request) { r.PackagePath = filepath.Dir(r.PackagePath) },
			want:   ErrInvalidPath,
		},
		{
			name: "exec dir is a file",
			mutate: func(_ *fixture, r *Request) {
				r.ExecDir = r.PackagePath
			},
			want: ErrInvalidPath,
		},
		{
			name:   "relative data dir",
			mutate: func(_ *fixture, r *Request) { r.DataDir = "data" },
			want:   ErrInvalidPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, script{})
			req := f.req
			tt.mutate(f, &req)

			_, err := f.builder.New(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, rerrors.ErrInvalidInput)
		})
	}
}

func TestNewCreatesDirectories(t *testing.T) {
	f := newFixture(t, script{})
	_, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)

	for _, dir := range []string{f.req.ExecDir, f.req.DataDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestNewAssignsDistinctIdentities(t *testing.T) {
	f := newFixture(t, script{})
	a, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	b, err := f.builder.New(context.Background(), f.req)
	require.NoError(t, err)
	assert.NotEqual(t, a.Identity(), b.Identity())
}

func TestBuildRegistersAndReturnsHandles(t *testing.T) {
	f := newFixture(t, script{messages: []int32{5, statusSuccess}})
	reg := registry.New()

	built, err := f.builder.Build(context.Background(), f.req, reg)
	require.NoError(t, err)
	defer built.Handles.Close()

	assert.Equal(t, testGuardPID, built.PID)
	assert.False(t, built.Identity.IsZero())
	assert.True(t, reg.Contains(testGuardPID))
	require.Len(t, built.Handles.Files(), 3)
}

func TestBuildFailureLeavesNothingRegistered(t *testing.T) {
	f := newFixture(t, script{messages: []int32{5, statusOverlayMount}})
	reg := registry.New()

	_, err := f.builder.Build(context.Background(), f.req, reg)
	assert.ErrorIs(t, err, ErrOverlayMount)
	assert.Zero(t, reg.Len())
	assert.True(t, f.guard.killed())

	f.waitBackground(t)
	unbound, destroyed := f.loops.snapshot()
	assert.Equal(t, []int{5}, unbound)
	assert.Equal(t, []int{5}, destroyed)
}

func TestBuildGuardGoneBeforeRegistration(t *testing.T) {
	f := newFixture(t, script{messages: []int32{6, statusSuccess}})
	reg := registry.New()

	// A reaper that collected the guard early leaves Signal(0) failing.
	f.guard.dead = true

	_, err := f.builder.Build(context.Background(), f.req, reg)
	assert.ErrorIs(t, err, ErrGuardExited)
	assert.Zero(t, reg.Len())

	f.waitBackground(t)
	unbound, _ := f.loops.snapshot()
	assert.Equal(t, []int{6}, unbound)
}

func TestBuildDuplicatePID(t *testing.T) {
	f := newFixture(t, script{messages: []int32{8, statusSuccess}})
	reg := registry.New()
	require.NoError(t, reg.Insert(testGuardPID, stubEntry{}))

	_, err := f.builder.Build(context.Background(), f.req, reg)
	assert.ErrorIs(t, err, registry.ErrDuplicate)
	assert.True(t, f.guard.killed())
	f.waitBackground(t)
}

type stubEntry struct{}

func (stubEntry) Info() registry.Info { return registry.Info{PID: testGuardPID} }
func (stubEntry) Release()            {}
