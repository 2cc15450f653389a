package sandbox

import (
	"fmt"
	"log/slog"
	"os/user"
	"strconv"

	"github.com/harunnryd/rocker/internal/errors"
	"github.com/harunnryd/rocker/internal/pathutil"
)

// Request is what a caller asks for. It is not modified after decoding.
type Request struct {
	AppID       uint32
	UID         uint32
	GID         *uint32
	PackagePath string
	ExecDir     string
	DataDir     string
	OverlayDirs []string
}

// Normalize checks the path fields without touching the filesystem and
// returns a copy with cleaned paths and duplicate overlay dirs dropped.
func (r Request) Normalize() (Request, error) {
	out := r
	for _, field := range []struct {
		name string
		val  *string
	}{
		{"package path", &out.PackagePath},
		{"exec dir", &out.ExecDir},
		{"data dir", &out.DataDir},
	} {
		clean, err := cleanAbs(field.name, *field.val)
		if err != nil {
			return Request{}, err
		}
		*field.val = clean
	}

	seen := make(map[string]struct{}, len(r.OverlayDirs))
	out.OverlayDirs = make([]string, 0, len(r.OverlayDirs))
	for _, dir := range r.OverlayDirs {
		clean, err := cleanAbs("overlay dir", dir)
		if err != nil {
			return Request{}, err
		}
		if clean == "/" {
			return Request{}, fmt.Errorf("overlay dir %q: %w", dir, ErrInvalidPath)
		}
		if _, dup := seen[clean]; dup {
			slog.Debug("Dropping duplicate overlay dir", "dir", clean, "app_id", r.AppID)
			continue
		}
		seen[clean] = struct{}{}
		out.OverlayDirs = append(out.OverlayDirs, clean)
	}
	return out, nil
}

func cleanAbs(name, path string) (string, error) {
	clean, err := pathutil.CleanAbs(path)
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", name, err, ErrInvalidPath)
	}
	return clean, nil
}

// AccountResolver answers whether ids belong to real accounts.
type AccountResolver interface {
	UserExists(uid uint32) bool
	GroupExists(gid uint32) bool
}

// SystemAccounts resolves ids through the host account database.
type SystemAccounts struct{}

func (SystemAccounts) UserExists(uid uint32) bool {
	_, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	return err == nil
}

func (SystemAccounts) GroupExists(gid uint32) bool {
	_, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	return err == nil
}

func validateAccounts(accounts AccountResolver, r Request) error {
	if !accounts.UserExists(r.UID) {
		return fmt.Errorf("uid %d: %w", r.UID, ErrInvalidUID)
	}
	if r.GID != nil && !accounts.GroupExists(*r.GID) {
		return fmt.Errorf("gid %d: %w", *r.GID, ErrInvalidGID)
	}
	return nil
}

// Validate reports whether Normalize would succeed.
func (r Request) Validate() error {
	_, err := r.Normalize()
	if err != nil {
		return errors.Wrap(err, "validate request")
	}
	return nil
}
