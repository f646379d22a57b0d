package hbk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Restore decrypts an artifact into req.OutputPath.
//
// Restore does not take the run lock: it is operator-driven and not expected
// to race a scheduled backup. An operator restoring while a backup prunes
// the same artifact can see a ResolutionError or CipherError.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*ResolvedPaths, error) {
	resolved, err := s.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("restore started", "payload", resolved.PayloadPath, "key", resolved.KeyPath, "output", resolved.OutputPath)

	if err := s.verifyCatalog(resolved); err != nil {
		return nil, err
	}

	if err := s.cipher.Decrypt(ctx, resolved.PayloadPath, resolved.KeyPath, resolved.PrivateKeyPath, resolved.OutputPath); err != nil {
		return nil, err
	}

	s.logger.Info("restore complete", "output", resolved.OutputPath)
	return resolved, nil
}

// verifyCatalog checks the artifact against what was recorded when it was
// placed: the cipher mode it was written in and the digests of both files.
// Artifacts the catalog does not know about, e.g. ones copied in from
// another host, are left to the cipher's own checks.
func (s *Service) verifyCatalog(resolved *ResolvedPaths) error {
	if resolved.ID == "" {
		return nil
	}
	rec, err := s.catalog.FindArtifact(resolved.ID)
	if err != nil {
		return &ResolutionError{Op: "look up artifact", Err: err}
	}
	if rec == nil {
		s.logger.Debug("artifact not in catalog, skipping digest check", "id", string(resolved.ID))
		return nil
	}

	if rec.CipherMode != "" && rec.CipherMode != s.cipher.Mode() {
		return &CipherError{Op: "check mode", Err: fmt.Errorf("%w: artifact %s was written in %s, configured %s",
			ErrModeMismatch, resolved.ID, rec.CipherMode, s.cipher.Mode())}
	}

	for _, c := range []struct {
		path string
		want string
	}{
		{resolved.PayloadPath, rec.PayloadDigest},
		{resolved.KeyPath, rec.KeyDigest},
	} {
		got, err := s.digestFile(c.path)
		if err != nil {
			return &ResolutionError{Op: "verify digest", Err: err}
		}
		if got != c.want {
			return &ResolutionError{Op: "verify digest", Err: fmt.Errorf("%s does not match the digest recorded at backup time", c.path)}
		}
	}
	return nil
}

// Fetch downloads both files of artifact id from the mirror into destDir,
// key last, so the pair can be restored on a machine holding the private
// key. Existing files are never overwritten.
func (s *Service) Fetch(ctx context.Context, id ArtifactID, destDir string) (*Artifact, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("no mirror configured")
	}
	if !id.Valid() {
		return nil, fmt.Errorf("invalid artifact id: %q", id)
	}
	if err := s.fsmgr.CheckWritable(destDir); err != nil {
		return nil, &ResolutionError{Op: "check destination", Err: err}
	}

	a := &Artifact{
		ID:          id,
		PayloadPath: filepath.Join(destDir, id.PayloadName()),
		KeyPath:     filepath.Join(destDir, id.KeyName()),
	}
	for _, path := range []string{a.PayloadPath, a.KeyPath} {
		exists, err := s.fsmgr.Exists(path)
		if err != nil {
			return nil, &ResolutionError{Op: "check destination", Err: err}
		}
		if exists {
			return nil, &ResolutionError{Op: "check destination", Err: fmt.Errorf("%s already exists", path)}
		}
	}

	// Only files this call linked into place are removed on failure; a file
	// that appeared at a destination meanwhile belongs to someone else.
	var linked []string
	for _, path := range []string{a.PayloadPath, a.KeyPath} {
		if err := s.download(ctx, filepath.Base(path), path); err != nil {
			for _, p := range linked {
				os.Remove(p)
			}
			return nil, err
		}
		linked = append(linked, path)
	}

	if st, err := s.fsmgr.Stat(a.PayloadPath); err == nil {
		a.PayloadSize = st.Size
		a.ModTime = st.ModTime
	}
	s.logger.Info("artifact fetched", "id", string(id), "dir", destDir)
	return a, nil
}

// download writes name from the mirror to a temp file in dest's directory
// and links it into place, failing if dest appeared in the meantime.
func (s *Service) download(ctx context.Context, name, dest string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".hbk-fetch-*")
	if err != nil {
		return &IOError{Op: "fetch " + name, Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := s.vault.GetArtifact(ctx, name, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return &IOError{Op: "fetch " + name, Err: err}
	}

	if err := os.Link(tmpPath, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &ResolutionError{Op: "fetch " + name, Err: fmt.Errorf("%s already exists", dest)}
		}
		return &IOError{Op: "fetch " + name, Err: err}
	}
	return nil
}
