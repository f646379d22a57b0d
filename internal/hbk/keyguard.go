package hbk

import (
	"fmt"
	"io/fs"
)

// RequiredKeyMode is the only mode accepted for the public key file.
const RequiredKeyMode fs.FileMode = 0o400

// KeyGuard checks that the public key has not been left open to tampering.
// A substituted public key would silently redirect every future backup to an
// attacker, so the check runs before any key material is generated.
type KeyGuard struct {
	fsmgr FilesystemManager
}

// NewKeyGuard creates a KeyGuard.
func NewKeyGuard(fsmgr FilesystemManager) *KeyGuard {
	return &KeyGuard{fsmgr: fsmgr}
}

// Validate returns a PreflightError wrapping ErrPermission unless the file at
// publicKeyPath has mode exactly 0400 and is owned by uid:gid.
func (g *KeyGuard) Validate(publicKeyPath string, uid, gid int) error {
	st, err := g.fsmgr.Stat(publicKeyPath)
	if err != nil {
		return &PreflightError{Op: "validate public key", Err: fmt.Errorf("stat %s: %w", publicKeyPath, err)}
	}
	if !st.IsRegular() {
		return &PreflightError{Op: "validate public key", Err: fmt.Errorf("%w: %s is not a regular file", ErrPermission, publicKeyPath)}
	}

	if perm := st.Mode.Perm(); perm != RequiredKeyMode || st.Mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky) != 0 {
		return &PreflightError{Op: "validate public key", Err: fmt.Errorf("%w: %s has mode %04o, want %04o", ErrPermission, publicKeyPath, perm, RequiredKeyMode)}
	}
	if st.UID != uid {
		return &PreflightError{Op: "validate public key", Err: fmt.Errorf("%w: %s is owned by uid %d, want %d", ErrPermission, publicKeyPath, st.UID, uid)}
	}
	if st.GID != gid {
		return &PreflightError{Op: "validate public key", Err: fmt.Errorf("%w: %s is owned by gid %d, want %d", ErrPermission, publicKeyPath, st.GID, gid)}
	}
	return nil
}
