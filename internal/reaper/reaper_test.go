package reaper

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/harunnryd/rocker/internal/registry"
)

type waitResult struct {
	exit Exit
	err  error
}

// scriptedWaiter returns its results in order, then blocks until ctx ends.
type scriptedWaiter struct {
	mu      sync.Mutex
	results []waitResult
	calls   atomic.Int32
}

func (w *scriptedWaiter) Wait(ctx context.Context) (Exit, error) {
	w.calls.Add(1)
	w.mu.Lock()
	if len(w.results) > 0 {
		next := w.results[0]
		w.results = w.results[1:]
		w.mu.Unlock()
		return next.exit, next.err
	}
	w.mu.Unlock()
	<-ctx.Done()
	return Exit{}, ctx.Err()
}

type entry struct {
	pid      int
	released chan struct{}
	once     sync.Once
}

func newEntry(pid int) *entry {
	return &entry{pid: pid, released: make(chan struct{})}
}

func (e *entry) Info() registry.Info { return registry.Info{PID: e.pid, LoopID: 3} }
func (e *entry) Release()            { e.once.Do(func() { close(e.released) }) }

func runReaper(t *testing.T, r *Reaper) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func TestReaperReleasesRegisteredGuard(t *testing.T) {
	reg := registry.New()
	e := newEntry(100)
	require.NoError(t, reg.Insert(100, e))

	waiter := &scriptedWaiter{results: []waitResult{
		{exit: Exit{PID: 55}},
		{exit: Exit{PID: 100}},
	}}
	r := New(reg, waiter, time.Millisecond)
	cancel, done := runReaper(t, r)

	select {
	case <-e.released:
	case <-time.After(2 * time.Second):
		t.Fatal("entry was not released")
	}
	assert.False(t, reg.Contains(100))

	cancel()
	<-done
	require.NoError(t, r.Wait(context.Background()))
}

func TestReaperSurvivesWaitErrors(t *testing.T) {
	reg := registry.New()
	e := newEntry(7)
	require.NoError(t, reg.Insert(7, e))

	waiter := &scriptedWaiter{results: []waitResult{
		{err: unix.ECHILD},
		{err: errors.New("unexpected")},
		{err: unix.ECHILD},
		{exit: Exit{PID: 7}},
	}}
	_, _ = runReaper(t, New(reg, waiter, time.Millisecond))

	select {
	case <-e.released:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper stopped after a wait error")
	}
	assert.GreaterOrEqual(t, waiter.calls.Load(), int32(4))
}

func TestReaperStopsOnCancel(t *testing.T) {
	r := New(registry.New(), &scriptedWaiter{}, time.Millisecond)
	cancel, done := runReaper(t, r)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestSignalWaiterCollectsChild(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	w := NewSignalWaiter(20 * time.Millisecond)
	defer w.Stop()

	cmd := exec.Command(sh, "-c", "exit 3")
	require.NoError(t, cmd.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exit, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, exit.PID)
	assert.Equal(t, 3, exit.Status.ExitStatus())

	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, unix.ECHILD)
}
