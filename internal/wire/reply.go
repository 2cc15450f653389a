package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/sandbox"
)

// ReplySize is the byte size of a reply datagram body.
const ReplySize = 4 + sandbox.IdentitySize

// NamespaceFDs is the number of descriptors a successful reply carries.
const NamespaceFDs = 3

// Reply reports the guard of a built sandbox, or failure with PID -1.
type Reply struct {
	PID      int32
	Identity sandbox.Identity
}

// FailureReply carries no identity and no descriptors.
var FailureReply = Reply{PID: -1}

func (r Reply) Failed() bool {
	return r.PID < 0
}

func (r Reply) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, ReplySize))
	if err := binary.Write(buf, binary.NativeEndian, r.PID); err != nil {
		return nil, err
	}
	buf.Write(r.Identity[:])
	return buf.Bytes(), nil
}

func DecodeReply(b []byte) (Reply, error) {
	if len(b) < ReplySize {
		return Reply{}, errors.Malformed(fmt.Sprintf("reply of %d bytes, want %d", len(b), ReplySize))
	}
	var r Reply
	r.PID = int32(binary.NativeEndian.Uint32(b[:4]))
	copy(r.Identity[:], b[4:ReplySize])
	return r, nil
}

// WriteReply sends r to addr. On success the handles travel as SCM_RIGHTS;
// the caller still owns its copies and closes them after this returns nil.
func WriteReply(conn *net.UnixConn, addr *net.UnixAddr, r Reply, handles *sandbox.NamespaceHandles) error {
	body, err := r.MarshalBinary()
	if err != nil {
		return errors.Internal(fmt.Sprintf("marshal reply: %v", err))
	}

	var oob []byte
	if handles != nil && !r.Failed() {
		oob = unix.UnixRights(handles.FDs()...)
	}

	n, oobn, err := conn.WriteMsgUnix(body, oob, addr)
	if err != nil {
		return errors.System("sendmsg reply", err)
	}
	if n != len(body) || oobn != len(oob) {
		return errors.Transient(fmt.Sprintf("short reply write: %d/%d body, %d/%d oob", n, len(body), oobn, len(oob)))
	}
	return nil
}

// ReadReply receives one reply and any descriptors passed with it.
func ReadReply(conn *net.UnixConn) (Reply, *sandbox.NamespaceHandles, error) {
	body := make([]byte, ReplySize)
	oob := make([]byte, unix.CmsgSpace(NamespaceFDs*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(body, oob)
	if err != nil {
		return Reply{}, nil, errors.System("recvmsg reply", err)
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return Reply{}, nil, err
	}

	r, err := DecodeReply(body[:n])
	if err != nil {
		closeFDs(fds)
		return Reply{}, nil, err
	}
	if r.Failed() {
		closeFDs(fds)
		return r, nil, nil
	}
	if len(fds) != NamespaceFDs {
		closeFDs(fds)
		return Reply{}, nil, errors.Malformed(fmt.Sprintf("reply carried %d descriptors, want %d", len(fds), NamespaceFDs))
	}

	handles := sandbox.NewNamespaceHandles(
		os.NewFile(uintptr(fds[0]), "mnt"),
		os.NewFile(uintptr(fds[1]), "pid"),
		os.NewFile(uintptr(fds[2]), "user"),
	)
	return r, handles, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.System("parse control message", err)
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
