package sandbox

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGuardOps struct {
	calls    []string
	failAt   string
	loopID   int
	holder   int
	overlays [][3]string
	procs    [][]int
}

func (o *fakeGuardOps) record(name string) error {
	o.calls = append(o.calls, name)
	if o.failAt == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (o *fakeGuardOps) makePrivate() error      { return o.record("private") }
func (o *fakeGuardOps) setName(string) error    { return o.record("name") }
func (o *fakeGuardOps) mountProc() error        { return o.record("proc") }
func (o *fakeGuardOps) reapChildren()           { o.calls = append(o.calls, "reap") }
func (o *fakeGuardOps) startHolder() (int, error) { return o.holder, o.record("holder") }

func (o *fakeGuardOps) attachPackage(control, pkg, target string) (int, error) {
	if err := o.record("loop"); err != nil {
		return -1, err
	}
	return o.loopID, nil
}

func (o *fakeGuardOps) mountOverlay(lower, upper, work string) error {
	o.overlays = append(o.overlays, [3]string{lower, upper, work})
	return o.record("overlay")
}

func (o *fakeGuardOps) processes() ([]int, error) {
	if len(o.procs) == 0 {
		return []int{1, o.holder}, nil
	}
	next := o.procs[0]
	o.procs = o.procs[1:]
	return next, nil
}

type statusBuffer struct {
	codes []int32
}

func (b *statusBuffer) Write(p []byte) (int, error) {
	if len(p) != 4 {
		return 0, io.ErrShortWrite
	}
	b.codes = append(b.codes, int32(binary.NativeEndian.Uint32(p)))
	return len(p), nil
}

func newRunner(t *testing.T, ops *fakeGuardOps, overlays ...string) (*guardRunner, *statusBuffer, *[]time.Duration) {
	t.Helper()
	out := &statusBuffer{}
	var slept []time.Duration
	return &guardRunner{
		spec: GuardSpec{
			Identity:          "fffffffffffffff",
			DataDir:           t.TempDir(),
			OverlayDirs:       overlays,
			SuperviseInterval: time.Second,
			StartupGrace:      20 * time.Second,
		},
		channel: out,
		ops:     ops,
		sleep:   func(d time.Duration) { slept = append(slept, d) },
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, out, &slept
}

func TestGuardRunOrderAndMessages(t *testing.T) {
	ops := &fakeGuardOps{loopID: 12, holder: 2, procs: [][]int{{1, 2, 5}, {1, 2}}}
	g, out, slept := newRunner(t, ops, "/usr", "/etc")

	assert.Equal(t, 0, g.run())
	assert.Equal(t, []int32{12, statusSuccess}, out.codes)
	assert.Equal(t, []string{"private", "name", "proc", "loop", "overlay", "overlay", "holder", "reap", "reap"}, ops.calls)
	assert.Equal(t, []time.Duration{20 * time.Second, time.Second}, *slept)

	require.Len(t, ops.overlays, 2)
	upper, work := overlayDirs(g.spec.DataDir, "/usr")
	assert.Equal(t, [3]string{"/usr", upper, work}, ops.overlays[0])
	for _, dir := range []string{upper, work} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestGuardRunFailures(t *testing.T) {
	tests := []struct {
		failAt string
		codes  []int32
		calls  []string
	}{
		{failAt: "private", codes: []int32{statusPrivateMount}, calls: []string{"private"}},
		{failAt: "name", codes: []int32{statusSetIdentity}, calls: []string{"private", "name"}},
		{failAt: "proc", codes: []int32{statusProcMount}, calls: []string{"private", "name", "proc"}},
		{failAt: "loop", codes: []int32{statusLoopMount}, calls: []string{"private", "name", "proc", "loop"}},
		{failAt: "overlay", codes: []int32{3, statusOverlayMount}, calls: []string{"private", "name", "proc", "loop", "overlay"}},
		{failAt: "holder", codes: []int32{3, statusUserNamespace}, calls: []string{"private", "name", "proc", "loop", "overlay", "holder"}},
	}

	for _, tt := range tests {
		t.Run(tt.failAt, func(t *testing.T) {
			ops := &fakeGuardOps{failAt: tt.failAt, loopID: 3, holder: 2}
			g, out, _ := newRunner(t, ops, "/usr")

			assert.Equal(t, 1, g.run())
			assert.Equal(t, tt.codes, out.codes)
			assert.Equal(t, tt.calls, ops.calls)
		})
	}
}

func TestSolitary(t *testing.T) {
	assert.True(t, solitary([]int{1}, 2))
	assert.True(t, solitary([]int{1, 2}, 2))
	assert.False(t, solitary([]int{1, 2, 3}, 2))
	assert.False(t, solitary([]int{1, 7}, 2))
}

func TestOverlayPaths(t *testing.T) {
	upper, work := overlayDirs("/data/app", "/usr")
	assert.Equal(t, "/data/app/.upperdir____/usr", upper)
	assert.Equal(t, "/data/app/.workdir____/usr", work)
	assert.Equal(t,
		"lowerdir=/usr,upperdir=/data/app/.upperdir____/usr,workdir=/data/app/.workdir____/usr",
		overlayOptions("/usr", upper, work))
}

func TestListPIDs(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"1", "2", "17", "self", "sys"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "3"), nil, 0o644))

	pids, err := listPIDs(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 17}, pids)
}

func TestProtocolRoundTrip(t *testing.T) {
	conn, guardEnd, err := newChannel()
	require.NoError(t, err)
	defer conn.Close()
	defer guardEnd.Close()

	spec := GuardSpec{Identity: "ffffffffffffff0", OverlayDirs: []string{"/usr"}, StartupGrace: time.Second}
	require.NoError(t, sendSpec(conn, spec))
	got, err := readSpec(guardEnd)
	require.NoError(t, err)
	assert.Equal(t, spec, got)

	require.NoError(t, sendStatus(guardEnd, 42))
	code, err := recvStatus(conn, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(42), code)

	_, err = recvStatus(conn, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}
