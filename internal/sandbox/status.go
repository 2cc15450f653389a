package sandbox

import (
	"fmt"

	"github.com/harunnryd/rocker/internal/errors"
)

// Status codes the guard reports over its channel. Non-negative values in
// the first message are loop ids.
const (
	statusSuccess       int32 = -10000
	statusProcMount     int32 = -1
	statusLoopMount     int32 = -2
	statusOverlayMount  int32 = -3
	statusUserNamespace int32 = -4
	statusSetIdentity   int32 = -5
	statusPrivateMount  int32 = -6
)

// Guard lifecycle failures, one per construction phase.
var (
	ErrPrivateMount     = fmt.Errorf("make root mount private: %w", errors.ErrGuardLifecycle)
	ErrSetIdentity      = fmt.Errorf("set guard identity: %w", errors.ErrGuardLifecycle)
	ErrProcMount        = fmt.Errorf("mount proc: %w", errors.ErrGuardLifecycle)
	ErrLoopMount        = fmt.Errorf("mount package via loop device: %w", errors.ErrGuardLifecycle)
	ErrOverlayMount     = fmt.Errorf("mount overlay: %w", errors.ErrGuardLifecycle)
	ErrUserNamespace    = fmt.Errorf("create user namespace: %w", errors.ErrGuardLifecycle)
	ErrHandshakeTimeout = fmt.Errorf("guard handshake timed out: %w: %w", errors.ErrGuardLifecycle, errors.ErrTransient)
	ErrUnknownStatus    = fmt.Errorf("guard sent unknown status: %w", errors.ErrGuardLifecycle)
	ErrGuardExited      = fmt.Errorf("guard exited: %w", errors.ErrGuardLifecycle)
	ErrOutOfOrder       = fmt.Errorf("guard status out of order: %w", errors.ErrGuardLifecycle)
)

// Validation failures.
var (
	ErrInvalidUID  = fmt.Errorf("uid does not resolve to an account: %w", errors.ErrInvalidInput)
	ErrInvalidGID  = fmt.Errorf("gid does not resolve to a group: %w", errors.ErrInvalidInput)
	ErrInvalidPath = fmt.Errorf("invalid path: %w", errors.ErrInvalidInput)
)

var statusErrors = map[int32]error{
	statusPrivateMount:  ErrPrivateMount,
	statusSetIdentity:   ErrSetIdentity,
	statusProcMount:     ErrProcMount,
	statusLoopMount:     ErrLoopMount,
	statusOverlayMount:  ErrOverlayMount,
	statusUserNamespace: ErrUserNamespace,
}

func statusError(code int32) error {
	if code == statusSuccess {
		return nil
	}
	if err, ok := statusErrors[code]; ok {
		return err
	}
	return fmt.Errorf("code %d: %w", code, ErrUnknownStatus)
}
