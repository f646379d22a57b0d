package hbk

import "context"

// Packer bundles source directories into the single payload file the cipher
// consumes. Most deployments leave packing to an external dump job and
// configure no sources.
type Packer interface {
	// Pack writes an archive of sources to destPath and returns the number
	// of files archived. destPath appears only once the archive is complete.
	Pack(ctx context.Context, sources []string, destPath string) (int, error)
}
