package hbk

import (
	"fmt"
	"path/filepath"
)

// RestoreRequest is what the operator supplies. Only PayloadPath and
// OutputPath are required; the rest are derived by convention.
type RestoreRequest struct {
	PayloadPath    string
	KeyPath        string
	PrivateKeyPath string
	OutputPath     string
}

// ResolvedPaths are absolute, validated inputs for EnvelopeCipher.Decrypt.
type ResolvedPaths struct {
	ID             ArtifactID // empty when the payload name does not follow the convention
	PayloadPath    string
	KeyPath        string
	PrivateKeyPath string
	OutputPath     string
}

// RestoreResolver fills in companion paths for a restore and checks that the
// restore can proceed without touching anything.
type RestoreResolver struct {
	fsmgr          FilesystemManager
	publicKeyPath  string
	privateKeyPath string
	workDir        string
}

// NewRestoreResolver creates a resolver. privateKeyPath may be empty, in which
// case it is derived from publicKeyPath.
func NewRestoreResolver(fsmgr FilesystemManager, publicKeyPath, privateKeyPath, workDir string) *RestoreResolver {
	return &RestoreResolver{
		fsmgr:          fsmgr,
		publicKeyPath:  publicKeyPath,
		privateKeyPath: privateKeyPath,
		workDir:        workDir,
	}
}

// Resolve derives missing paths and validates them. Every failure is a
// *ResolutionError and nothing on disk is modified.
func (r *RestoreResolver) Resolve(req RestoreRequest) (*ResolvedPaths, error) {
	if req.PayloadPath == "" {
		return nil, &ResolutionError{Op: "resolve payload", Err: fmt.Errorf("payload path is required")}
	}
	if req.OutputPath == "" {
		return nil, &ResolutionError{Op: "resolve output", Err: fmt.Errorf("output path is required")}
	}

	payloadPath, err := filepath.Abs(req.PayloadPath)
	if err != nil {
		return nil, &ResolutionError{Op: "resolve payload", Err: err}
	}

	keyPath := req.KeyPath
	if keyPath == "" {
		keyPath, err = KeyPathForPayload(payloadPath)
		if err != nil {
			return nil, &ResolutionError{Op: "derive key path", Err: err}
		}
	}
	if keyPath, err = filepath.Abs(keyPath); err != nil {
		return nil, &ResolutionError{Op: "resolve key", Err: err}
	}

	privPath := req.PrivateKeyPath
	if privPath == "" {
		privPath = r.privateKeyPath
	}
	if privPath == "" {
		privPath, err = PrivateKeyPathForPublic(r.publicKeyPath)
		if err != nil {
			return nil, &ResolutionError{Op: "derive private key path", Err: err}
		}
	}
	if privPath, err = filepath.Abs(privPath); err != nil {
		return nil, &ResolutionError{Op: "resolve private key", Err: err}
	}

	outputPath, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return nil, &ResolutionError{Op: "resolve output", Err: err}
	}

	for _, c := range []struct {
		what string
		path string
	}{
		{"payload file", payloadPath},
		{"key file", keyPath},
		{"private key", privPath},
	} {
		if err := r.fsmgr.CheckReadable(c.path); err != nil {
			return nil, &ResolutionError{Op: "check " + c.what, Err: fmt.Errorf("%s %s is not readable: %w", c.what, c.path, err)}
		}
	}

	exists, err := r.fsmgr.Exists(outputPath)
	if err != nil {
		return nil, &ResolutionError{Op: "check output", Err: err}
	}
	if exists {
		return nil, &ResolutionError{Op: "check output", Err: fmt.Errorf("output %s already exists", outputPath)}
	}

	if err := r.fsmgr.CheckWritable(filepath.Dir(outputPath)); err != nil {
		return nil, &ResolutionError{Op: "check output directory", Err: fmt.Errorf("%s is not writable: %w", filepath.Dir(outputPath), err)}
	}
	if r.workDir != "" {
		if err := r.fsmgr.CheckWritable(r.workDir); err != nil {
			return nil, &ResolutionError{Op: "check working directory", Err: fmt.Errorf("%s is not writable: %w", r.workDir, err)}
		}
	}

	resolved := &ResolvedPaths{
		PayloadPath:    payloadPath,
		KeyPath:        keyPath,
		PrivateKeyPath: privPath,
		OutputPath:     outputPath,
	}
	if id, part, ok := ParseArtifactName(filepath.Base(payloadPath)); ok && part == PartPayload {
		resolved.ID = id
	}
	return resolved, nil
}
