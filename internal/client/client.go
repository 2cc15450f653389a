// Package client requests sandboxes from a rocker server and runs commands
// inside them.
package client

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/sandbox"
	"github.com/harunnryd/rocker/internal/wire"
)

const (
	defaultTimeout = 10 * time.Second
	// maxAbstractName leaves room for the leading NUL in sun_path.
	maxAbstractName = 107
)

type Client struct {
	SocketName string
	// Timeout bounds one Build when ctx has no earlier deadline.
	Timeout time.Duration
}

func New(socketName string) *Client {
	if socketName == "" {
		socketName = wire.DefaultSocketName
	}
	return &Client{SocketName: socketName, Timeout: defaultTimeout}
}

// Result is a built sandbox. The caller owns Handles.
type Result struct {
	PID      int
	Identity sandbox.Identity
	Handles  *sandbox.NamespaceHandles
}

// Build sends req to the server and waits for its reply. Failures are
// *Error values carrying the step that failed.
func (c *Client) Build(ctx context.Context, req sandbox.Request) (*Result, error) {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, newError(CodeParamInvalid, err)
	}

	if c.SocketName == "" || len(c.SocketName) > maxAbstractName {
		return nil, newError(CodeServerUnreachable, errors.InvalidInput(fmt.Sprintf("socket name %q", c.SocketName)))
	}
	server := &net.UnixAddr{Name: wire.AbstractAddr(c.SocketName), Net: "unixgram"}

	conn, err := autobind()
	if err != nil {
		return nil, newError(CodeGenLocalAddrFailed, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, newError(CodeSys, errors.System("set deadline", err))
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.WriteToUnix(payload, server); err != nil {
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
			return nil, newError(CodeServerUnreachable, errors.System("send request", err))
		}
		return nil, newError(CodeSendReqFailed, errors.System("send request", err))
	}

	reply, handles, err := wire.ReadReply(conn)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		return nil, newError(CodeRecvRespFailed, err)
	}
	if reply.Failed() {
		return nil, newError(CodeBuildFailed, errors.Internal("server could not build the sandbox"))
	}

	return &Result{PID: int(reply.PID), Identity: reply.Identity, Handles: handles}, nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

// autobind opens a datagram socket bound to a kernel-chosen abstract name,
// so the server has an address to reply to.
func autobind() (*net.UnixConn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.System("socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{}); err != nil {
		unix.Close(fd)
		return nil, errors.System("autobind", err)
	}

	f := os.NewFile(uintptr(fd), "rocker-client")
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.System("wrap socket", err)
	}
	return c.(*net.UnixConn), nil
}

// Command prepares argv to run inside the sandbox through nsenter. The
// namespace handles become descriptors 3, 4 and 5 of nsenter.
func (r *Result) Command(ctx context.Context, nsenter string, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, newError(CodeParamInvalid, errors.InvalidInput("empty command"))
	}
	if r.Handles == nil {
		return nil, newError(CodeEnterFailed, errors.NotReady("no namespace handles"))
	}
	if nsenter == "" {
		nsenter = "nsenter"
	}
	bin, err := exec.LookPath(nsenter)
	if err != nil {
		return nil, newError(CodeEnterFailed, err)
	}

	fd := func(i int) string { return "/proc/self/fd/" + strconv.Itoa(3+i) }
	args := []string{
		"--mount=" + fd(0),
		"--pid=" + fd(1),
		"--user=" + fd(2),
		"--",
	}
	cmd := exec.CommandContext(ctx, bin, append(args, argv...)...)
	cmd.ExtraFiles = r.Handles.Files()
	return cmd, nil
}

// Run starts argv in the sandbox with the caller's stdio and waits for it.
func (r *Result) Run(ctx context.Context, nsenter string, argv []string) error {
	cmd, err := r.Command(ctx, nsenter, argv)
	if err != nil {
		return err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return newError(CodeEnterFailed, err)
	}
	if err := cmd.Wait(); err != nil {
		return newError(CodeAppExecFailed, err)
	}
	return nil
}

// GuardName reads the process name of pid.
func GuardName(pid int) (string, error) {
	name, err := sandbox.GuardName(pid)
	if err != nil {
		return "", newError(CodeGetGuardNameFailed, err)
	}
	return name, nil
}

// VerifyGuard reports whether pid still runs the guard named by id. Check
// it before signalling a guard pid that may have been reused.
func VerifyGuard(pid int, id sandbox.Identity) (bool, error) {
	name, err := GuardName(pid)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(name) == id.String(), nil
}
