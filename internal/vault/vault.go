package vault

import (
	"errors"
	"fmt"

	"hbk-go/internal/hbk"
)

// ErrNotFound is returned by GetArtifact when the mirror has no such file.
var ErrNotFound = errors.New("artifact not found in vault")

// validName accepts only artifact file names, which keeps object keys and
// paths inside the vault.
func validName(name string) error {
	if _, _, ok := hbk.ParseArtifactName(name); !ok {
		return fmt.Errorf("not an artifact file name: %q", name)
	}
	return nil
}
