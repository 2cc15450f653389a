// Package wire holds the datagram layouts exchanged between rocker clients
// and the server: a fixed header of native-endian int32 fields followed by
// NUL-terminated strings for requests, and a pid plus guard identity for
// replies, with namespace descriptors travelling as SCM_RIGHTS.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/sandbox"
)

const (
	// MaxDatagram bounds both request encoding and the server receive buffer.
	MaxDatagram = 512
	// MaxOverlays is the number of overlay length slots in the header.
	MaxOverlays = 16

	headerFields = 3 + 3 + MaxOverlays
	fieldSize    = 4
	// HeaderSize is the byte size of the fixed request header.
	HeaderSize = headerFields * fieldSize

	// DefaultSocketName is the abstract socket name the server binds.
	DefaultSocketName = "rocker_server_uau"
)

const (
	fieldAppID = iota
	fieldUID
	fieldGID
	fieldPkgLen
	fieldExecLen
	fieldDataLen
	fieldOverlayLen
)

// AbstractAddr returns the Go form of an abstract unix socket name.
func AbstractAddr(name string) string {
	return "@" + name
}

// EncodeRequest lays req out as a single datagram.
func EncodeRequest(req sandbox.Request) ([]byte, error) {
	if req.AppID == 0 || req.AppID > 1<<31-1 {
		return nil, errors.InvalidInput(fmt.Sprintf("app id %d out of range", req.AppID))
	}
	if req.UID == 0 || req.UID > 1<<31-1 {
		return nil, errors.InvalidInput(fmt.Sprintf("uid %d out of range", req.UID))
	}
	if req.GID != nil && (*req.GID == 0 || *req.GID > 1<<31-1) {
		return nil, errors.InvalidInput(fmt.Sprintf("gid %d out of range", *req.GID))
	}
	if len(req.OverlayDirs) > MaxOverlays {
		return nil, errors.InvalidInput(fmt.Sprintf("%d overlay dirs exceed the limit of %d", len(req.OverlayDirs), MaxOverlays))
	}

	strs := append([]string{req.PackagePath, req.ExecDir, req.DataDir}, req.OverlayDirs...)
	header := make([]int32, headerFields)
	header[fieldAppID] = int32(req.AppID)
	header[fieldUID] = int32(req.UID)
	header[fieldGID] = -1
	if req.GID != nil {
		header[fieldGID] = int32(*req.GID)
	}

	size := HeaderSize
	for i, s := range strs {
		if s == "" {
			return nil, errors.InvalidInput(fmt.Sprintf("path %d is empty", i))
		}
		if bytes.IndexByte([]byte(s), 0) >= 0 {
			return nil, errors.InvalidInput(fmt.Sprintf("path %q contains NUL", s))
		}
		header[fieldPkgLen+i] = int32(len(s) + 1)
		size += len(s) + 1
	}
	if size > MaxDatagram {
		return nil, errors.InvalidInput(fmt.Sprintf("encoded request is %d bytes, limit %d", size, MaxDatagram))
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.NativeEndian, header); err != nil {
		return nil, errors.Internal(fmt.Sprintf("write header: %v", err))
	}
	for _, s := range strs {
		buf.WriteString(s)
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// DecodeRequest parses one datagram. It touches no system resource, so a
// malformed request is rejected before any sandbox work begins.
func DecodeRequest(b []byte) (sandbox.Request, error) {
	if len(b) < HeaderSize {
		return sandbox.Request{}, errors.Malformed(fmt.Sprintf("datagram of %d bytes is shorter than the %d byte header", len(b), HeaderSize))
	}

	header := make([]int32, headerFields)
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.NativeEndian, header); err != nil {
		return sandbox.Request{}, errors.Malformed(fmt.Sprintf("read header: %v", err))
	}

	want := 0
	for i := fieldPkgLen; i < headerFields; i++ {
		if header[i] < 0 {
			return sandbox.Request{}, errors.Malformed(fmt.Sprintf("field %d has negative length %d", i, header[i]))
		}
		want += int(header[i])
	}
	if len(b)-HeaderSize < want {
		return sandbox.Request{}, errors.Malformed(fmt.Sprintf("payload of %d bytes is shorter than the declared %d", len(b)-HeaderSize, want))
	}

	for i := fieldAppID; i < fieldOverlayLen; i++ {
		if i == fieldGID && header[i] < 0 {
			continue
		}
		if header[i] <= 0 {
			return sandbox.Request{}, errors.Malformed(fmt.Sprintf("field %d must be positive, got %d", i, header[i]))
		}
	}

	strs := make([]string, 0, headerFields-fieldPkgLen)
	off := HeaderSize
	for i := fieldPkgLen; i < headerFields; i++ {
		n := int(header[i])
		if n == 0 {
			continue
		}
		s, err := cString(b[off : off+n])
		if err != nil {
			return sandbox.Request{}, errors.Malformed(fmt.Sprintf("field %d: %v", i, err))
		}
		off += n
		strs = append(strs, s)
	}

	req := sandbox.Request{
		AppID:       uint32(header[fieldAppID]),
		UID:         uint32(header[fieldUID]),
		PackagePath: strs[0],
		ExecDir:     strs[1],
		DataDir:     strs[2],
	}
	if header[fieldGID] >= 0 {
		gid := uint32(header[fieldGID])
		req.GID = &gid
	}
	if len(strs) > 3 {
		req.OverlayDirs = strs[3:]
	}
	return req, nil
}

// cString requires exactly one NUL, in the final byte.
func cString(b []byte) (string, error) {
	idx := bytes.IndexByte(b, 0)
	switch {
	case idx < 0:
		return "", fmt.Errorf("missing NUL terminator")
	case idx != len(b)-1:
		return "", fmt.Errorf("interior NUL at %d", idx)
	case idx == 0:
		return "", fmt.Errorf("empty string")
	}
	return string(b[:idx]), nil
}
