package hbk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// Settings are the paths and policy the service runs with. They are built
// once from configuration and never change during a run.
type Settings struct {
	WorkDir        string
	PayloadPath    string
	PublicKeyPath  string
	PrivateKeyPath string   // optional; derived from PublicKeyPath when empty
	LockPath       string
	Sources        []string // packed into PayloadPath when non-empty
	RetentionDays  int
	UniqueSuffix   bool
	AllowRoot      bool
}

// RunResult describes a finished backup run.
type RunResult struct {
	RunID    string
	Artifact *Artifact
	Packed   int
	Mirrored bool
	Pruned   *PruneResult
}

// Service is the orchestration layer: it runs the encrypt pipeline under the
// run lock and the restore pipeline on operator request.
type Service struct {
	settings Settings
	fsmgr    FilesystemManager
	guard    *KeyGuard
	resolver *RestoreResolver
	cipher   EnvelopeCipher
	store    ArtifactStore
	catalog  Catalog
	vault    Vault
	packer   Packer
	metrics  Metrics
	logger   Logger
	clock    Clock
	idgen    IDGenerator
}

// NewService creates a Service with the required collaborators. A mirror,
// packer and metrics sink can be attached with the With* methods.
func NewService(settings Settings, fsmgr FilesystemManager, cipher EnvelopeCipher, store ArtifactStore, catalog Catalog, logger Logger, clock Clock, idgen IDGenerator) *Service {
	return &Service{
		settings: settings,
		fsmgr:    fsmgr,
		guard:    NewKeyGuard(fsmgr),
		resolver: NewRestoreResolver(fsmgr, settings.PublicKeyPath, settings.PrivateKeyPath, settings.WorkDir),
		cipher:   cipher,
		store:    store,
		catalog:  catalog,
		metrics:  NopMetrics{},
		logger:   logger,
		clock:    clock,
		idgen:    idgen,
	}
}

// WithVault attaches an offsite mirror that receives every placed artifact.
func (s *Service) WithVault(v Vault) *Service {
	s.vault = v
	return s
}

// WithPacker attaches the packer used when Settings.Sources is non-empty.
func (s *Service) WithPacker(p Packer) *Service {
	s.packer = p
	return s
}

// WithMetrics attaches a metrics sink.
func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// Backup runs the encrypt pipeline:
//
//	lock -> key guard -> pack -> encrypt -> place -> record -> mirror -> prune -> unlock
//
// Preflight failures abort before any key material is generated. Once the
// lock is held it is released on every return path.
func (s *Service) Backup(ctx context.Context) (*RunResult, error) {
	start := s.clock.Now()

	uid, gid := s.fsmgr.EffectiveIDs()
	if uid == 0 && !s.settings.AllowRoot {
		return nil, &PreflightError{Op: "check privileges", Err: ErrRunningAsRoot}
	}

	var result *RunResult
	err := WithLock(s.settings.LockPath, func() error {
		var err error
		result, err = s.backupLocked(ctx, uid, gid)
		return err
	})

	if !errors.Is(err, ErrAlreadyRunning) {
		s.observe("backup", start, err)
	}
	if err != nil {
		s.logger.Error("backup failed", "error", err)
		return result, err
	}
	return result, nil
}

// backupLocked is the part of Backup that runs with the lock held.
func (s *Service) backupLocked(ctx context.Context, uid, gid int) (*RunResult, error) {
	if err := s.guard.Validate(s.settings.PublicKeyPath, uid, gid); err != nil {
		return nil, err
	}

	result := &RunResult{RunID: s.idgen.New()}
	run, err := s.catalog.StartRun(result.RunID, "backup", s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}
	s.logger.Info("backup started", "run", result.RunID)

	err = s.runPipeline(ctx, run, result)

	status, message := RunStatusSuccess, ""
	if err != nil {
		status, message = RunStatusError, err.Error()
	}
	if ferr := s.catalog.FinishRun(run.ID, status, message, s.clock.Now()); ferr != nil {
		err = errors.Join(err, fmt.Errorf("recording run finish: %w", ferr))
	}
	return result, err
}

func (s *Service) runPipeline(ctx context.Context, run *RunRecord, result *RunResult) error {
	if len(s.settings.Sources) > 0 {
		if s.packer == nil {
			return fmt.Errorf("sources configured but no packer available")
		}
		n, err := s.packer.Pack(ctx, s.settings.Sources, s.settings.PayloadPath)
		if err != nil {
			return fmt.Errorf("packing sources: %w", err)
		}
		result.Packed = n
		s.logger.Info("sources packed", "files", n, "payload", s.settings.PayloadPath)
	}

	// Never hand a missing payload to the cipher.
	st, err := s.fsmgr.Stat(s.settings.PayloadPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &CipherError{Op: "check payload", Err: fmt.Errorf("%w: %s", ErrPayloadMissing, s.settings.PayloadPath)}
		}
		return &CipherError{Op: "check payload", Err: err}
	}
	if !st.IsRegular() {
		return &CipherError{Op: "check payload", Err: fmt.Errorf("%w: %s is not a regular file", ErrPayloadMissing, s.settings.PayloadPath)}
	}

	req := EncryptRequest{
		PayloadPath:   s.settings.PayloadPath,
		PublicKeyPath: s.settings.PublicKeyPath,
		PayloadOut:    filepath.Join(s.settings.WorkDir, ".hbk-"+result.RunID+".payload.tmp"),
		KeyOut:        filepath.Join(s.settings.WorkDir, ".hbk-"+result.RunID+".key.tmp"),
	}

	sealed, err := s.cipher.Encrypt(ctx, req)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	token := ""
	if s.settings.UniqueSuffix {
		token = shortToken(result.RunID)
	}
	id := NewArtifactID(now, token)

	// The plaintext is gone by now, so a failed placement must leave the
	// ciphertexts where the operator can place them by hand.
	artifact, err := s.store.Place(sealed.PayloadPath, sealed.KeyPath, id)
	if err != nil {
		s.logger.Error("placement failed, ciphertexts kept in working directory",
			"id", string(id), "payload", sealed.PayloadPath, "key", sealed.KeyPath, "error", err)
		return fmt.Errorf("%w (ciphertexts kept at %s and %s)", err, sealed.PayloadPath, sealed.KeyPath)
	}
	result.Artifact = artifact
	s.metrics.ObserveArtifact(artifact.PayloadSize)
	s.logger.Info("artifact placed", "id", string(id), "payload", artifact.PayloadPath, "size", artifact.PayloadSize)

	if err := s.recordArtifact(run, artifact, now); err != nil {
		return err
	}

	if s.vault != nil {
		if err := s.mirror(ctx, artifact); err != nil {
			return fmt.Errorf("mirroring artifact %s: %w", id, err)
		}
		result.Mirrored = true
		if err := s.catalog.MarkArtifactMirrored(id, s.clock.Now()); err != nil {
			return fmt.Errorf("recording mirror: %w", err)
		}
	}

	pruned, err := s.prune()
	result.Pruned = pruned
	return err
}

func (s *Service) recordArtifact(run *RunRecord, a *Artifact, now time.Time) error {
	payloadDigest, err := s.digestFile(a.PayloadPath)
	if err != nil {
		return fmt.Errorf("digesting payload: %w", err)
	}
	keyDigest, err := s.digestFile(a.KeyPath)
	if err != nil {
		return fmt.Errorf("digesting key: %w", err)
	}

	rec := &ArtifactRecord{
		ID:            a.ID,
		RunID:         run.ID,
		PayloadName:   filepath.Base(a.PayloadPath),
		KeyName:       filepath.Base(a.KeyPath),
		PayloadDigest: payloadDigest,
		KeyDigest:     keyDigest,
		PayloadSize:   a.PayloadSize,
		CipherMode:    s.cipher.Mode(),
		CreatedAt:     now,
	}
	if err := s.catalog.RecordArtifact(rec); err != nil {
		return fmt.Errorf("recording artifact: %w", err)
	}
	return nil
}

// mirror uploads the payload first and the key last, so a key present in the
// mirror implies its payload is too.
func (s *Service) mirror(ctx context.Context, a *Artifact) error {
	for _, path := range []string{a.PayloadPath, a.KeyPath} {
		if err := s.uploadFile(ctx, path); err != nil {
			return err
		}
	}
	s.logger.Info("artifact mirrored", "id", string(a.ID))
	return nil
}

func (s *Service) uploadFile(ctx context.Context, path string) error {
	st, err := s.fsmgr.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	f, err := s.fsmgr.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if err := s.vault.PutArtifact(ctx, filepath.Base(path), f, st.Size); err != nil {
		return fmt.Errorf("uploading %s: %w", filepath.Base(path), err)
	}
	return nil
}

// prune applies retention and records removed artifacts. Individual delete
// failures do not stop the pass; they come back together in the error.
func (s *Service) prune() (*PruneResult, error) {
	if s.settings.RetentionDays <= 0 {
		return &PruneResult{}, nil
	}

	now := s.clock.Now()
	res, err := s.store.Prune(s.settings.RetentionDays, now)
	if res != nil {
		s.metrics.ObservePrune(res.Count(), res.Failed)
		for _, name := range res.Deleted {
			s.logger.Info("pruned", "file", name)
		}
		for _, id := range res.RemovedIDs {
			if merr := s.catalog.MarkArtifactPruned(id, now); merr != nil {
				s.logger.Warn("recording prune failed", "id", string(id), "error", merr)
			}
		}
	}
	return res, err
}

// Prune runs retention on its own, under the run lock.
func (s *Service) Prune(ctx context.Context) (*PruneResult, error) {
	start := s.clock.Now()

	var res *PruneResult
	err := WithLock(s.settings.LockPath, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		res, err = s.prune()
		return err
	})

	s.observe("prune", start, err)
	return res, err
}

// List returns the complete artifacts currently in the repository.
func (s *Service) List() ([]*Artifact, error) {
	artifacts, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("listing repository: %w", err)
	}
	return artifacts, nil
}

// History returns the most recent runs, newest first.
func (s *Service) History(limit int) ([]*RunRecord, error) {
	runs, err := s.catalog.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (s *Service) observe(operation string, start time.Time, err error) {
	status := RunStatusSuccess
	if err != nil {
		status = RunStatusError
	}
	end := s.clock.Now()
	s.metrics.ObserveRun(operation, status, end.Sub(start), end)
	if ferr := s.metrics.Flush(); ferr != nil {
		s.logger.Warn("writing metrics failed", "error", ferr)
	}
}

// shortToken returns the first six hex characters of a run id.
func shortToken(runID string) string {
	token := make([]byte, 0, 6)
	for i := 0; i < len(runID) && len(token) < 6; i++ {
		c := runID[i]
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' {
			token = append(token, c)
		}
	}
	return string(token)
}
