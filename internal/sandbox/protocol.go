package sandbox

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	rerrors "github.com/harunnryd/rocker/internal/errors"
)

// GuardSpec is the first message on the channel, master to guard. It tells
// the guard everything it needs to build the sandbox.
type GuardSpec struct {
	Identity          string        `json:"identity"`
	PackagePath       string        `json:"package_path"`
	ExecDir           string        `json:"exec_dir"`
	DataDir           string        `json:"data_dir"`
	OverlayDirs       []string      `json:"overlay_dirs"`
	LoopControl       string        `json:"loop_control"`
	SuperviseInterval time.Duration `json:"supervise_interval"`
	StartupGrace      time.Duration `json:"startup_grace"`
	LogLevel          string        `json:"log_level"`
}

const maxSpecSize = 64 << 10

// newChannel returns a connected datagram pair: the master end wrapped for
// deadlines, and the raw guard end for the child.
func newChannel() (*net.UnixConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, rerrors.System("socketpair", err)
	}
	masterFile := os.NewFile(uintptr(fds[0]), "rocker-master")
	guardFile := os.NewFile(uintptr(fds[1]), "rocker-guard")

	conn, err := net.FileConn(masterFile)
	masterFile.Close()
	if err != nil {
		guardFile.Close()
		return nil, nil, rerrors.System("wrap master channel", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		guardFile.Close()
		return nil, nil, rerrors.Internal(fmt.Sprintf("master channel is %T", conn))
	}
	return uc, guardFile, nil
}

func sendSpec(w io.Writer, spec GuardSpec) error {
	payload, err := json.Marshal(spec)
	if err != nil {
		return rerrors.Internal(fmt.Sprintf("marshal guard spec: %v", err))
	}
	if _, err := w.Write(payload); err != nil {
		return rerrors.System("send guard spec", err)
	}
	return nil
}

func readSpec(r io.Reader) (GuardSpec, error) {
	buf := make([]byte, maxSpecSize)
	n, err := r.Read(buf)
	if err != nil {
		return GuardSpec{}, rerrors.System("read guard spec", err)
	}
	var spec GuardSpec
	if err := json.Unmarshal(buf[:n], &spec); err != nil {
		return GuardSpec{}, rerrors.Malformed(fmt.Sprintf("decode guard spec: %v", err))
	}
	return spec, nil
}

func sendStatus(w io.Writer, code int32) error {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], uint32(code))
	if _, err := w.Write(b[:]); err != nil {
		return rerrors.System("send guard status", err)
	}
	return nil
}

// recvStatus waits at most timeout for one status message.
func recvStatus(conn *net.UnixConn, timeout time.Duration) (int32, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, rerrors.System("set channel deadline", err)
	}
	var b [4]byte
	n, err := conn.Read(b[:])
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, fmt.Errorf("no message within %v: %w", timeout, ErrHandshakeTimeout)
		}
		return 0, rerrors.System("receive guard status", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("guard closed the channel: %w", rerrors.ErrGuardLifecycle)
	}
	if n != len(b) {
		return 0, rerrors.Malformed(fmt.Sprintf("guard status of %d bytes", n))
	}
	return int32(binary.NativeEndian.Uint32(b[:])), nil
}
