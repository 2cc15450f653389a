package sandbox

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/harunnryd/rocker/internal/errors"
)

// IdentitySize is the byte length of a guard identity, terminator included.
const IdentitySize = 16

// identityDigits is the number of hex digits an identity carries.
const identityDigits = IdentitySize - 1

const identityMax = 1<<(4*identityDigits) - 1

// Identity is the guard's process name: 15 lowercase hex digits followed
// by a single NUL. No other byte is zero, so it fits the kernel's comm
// field unchanged and reads back verbatim from /proc/<pid>/comm.
type Identity [IdentitySize]byte

func encodeIdentity(v uint64) Identity {
	var id Identity
	s := fmt.Sprintf("%0*x", identityDigits, v&identityMax)
	copy(id[:], s)
	return id
}

// ParseIdentity accepts the 15 digit form returned by String.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimRight(s, "\x00\n")
	if len(s) != identityDigits {
		return Identity{}, errors.InvalidInput(fmt.Sprintf("identity %q must be %d hex digits", s, identityDigits))
	}
	if _, err := hex.DecodeString("0" + s); err != nil || strings.ToLower(s) != s {
		return Identity{}, errors.InvalidInput(fmt.Sprintf("identity %q is not lowercase hex", s))
	}
	var id Identity
	copy(id[:], s)
	return id, nil
}

func (id Identity) String() string {
	if i := strings.IndexByte(string(id[:]), 0); i >= 0 {
		return string(id[:i])
	}
	return string(id[:])
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

// IdentitySource hands out identities from a counter that only decreases.
// Its start value is derived from the creation time, so a restarted server
// continues below the values issued by the previous one.
type IdentitySource struct {
	next atomic.Uint64
}

func NewIdentitySource(now time.Time) *IdentitySource {
	s := &IdentitySource{}
	s.next.Store(identityMax - uint64(now.Unix())<<20)
	return s
}

func (s *IdentitySource) Next() Identity {
	return encodeIdentity(s.next.Add(^uint64(0)) + 1)
}
