package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"hbk-go/internal/archive"
	"hbk-go/internal/config"
	"hbk-go/internal/database"
	"hbk-go/internal/encryption"
	"hbk-go/internal/fs"
	"hbk-go/internal/hbk"
	"hbk-go/internal/metrics"
	"hbk-go/internal/repository"
	"hbk-go/internal/vault"
)

// Options carries what the CLI supplies beyond the config file.
type Options struct {
	// Passphrase unlocks a passphrase-protected private key during restore.
	Passphrase encryption.PassphraseFunc
	// Stderr receives a copy of every log line. nil logs to the file only.
	Stderr io.Writer
}

// HBKApp is the application layer between the CLI and hbk.Service.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, and manages the catalog lifecycle on Close.
type HBKApp struct {
	cfg     *config.Config
	catalog hbk.Catalog
	vault   hbk.Vault
	service *hbk.Service
	logger  hbk.Logger
	op      *Operation
	logFile io.Closer
}

// NewHBKApp creates a fully wired HBKApp from the given config.
// operation identifies the CLI command being run (e.g. "backup", "restore").
// The caller must call Close when done.
func NewHBKApp(ctx context.Context, cfg *config.Config, operation string, opts Options) (*HBKApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := NewOperation(operation, hbk.RealClock{}.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, cfg.Log, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger.With("op", operation)}

	a, err := wire(ctx, cfg, op, log, opts)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.logFile = logFile
	return a, nil
}

// wire builds the service. On error everything it opened is closed again.
func wire(ctx context.Context, cfg *config.Config, op *Operation, log hbk.Logger, opts Options) (*HBKApp, error) {
	if err := os.MkdirAll(cfg.Paths.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	pruneMode, err := hbk.ParsePruneMode(cfg.Retention.Mode)
	if err != nil {
		return nil, err
	}
	store, err := repository.NewFileSystemRepository(cfg.Paths.RepositoryDir, pruneMode)
	if err != nil {
		return nil, fmt.Errorf("creating repository: %w", err)
	}

	cipher, err := encryption.NewCipherFromConfig(ctx, cfg.Cipher, cfg.Paths.WorkDir, opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Mirror)
	if err != nil {
		return nil, fmt.Errorf("creating mirror: %w", err)
	}

	m, err := metrics.NewMetricsFromConfig(cfg.Metrics, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	catalog, err := database.NewCatalogFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating catalog: %w", err)
	}
	if checker, ok := catalog.(interface{ CheckMigrations() error }); ok {
		if err := checker.CheckMigrations(); err != nil {
			catalog.Close()
			return nil, fmt.Errorf("catalog schema out of date: %w", err)
		}
	}

	settings := hbk.Settings{
		WorkDir:        cfg.Paths.WorkDir,
		PayloadPath:    cfg.Paths.PayloadPath,
		PublicKeyPath:  cfg.Keys.PublicKeyPath,
		PrivateKeyPath: cfg.Keys.PrivateKeyPath,
		LockPath:       cfg.Paths.LockPath,
		Sources:        cfg.Pack.Sources,
		RetentionDays:  cfg.Retention.MaxAgeDays,
		UniqueSuffix:   cfg.Repository.UniqueSuffix,
		AllowRoot:      cfg.AllowRoot,
	}
	svc := hbk.NewService(settings, fs.NewOSFilesystemManager(), cipher, store, catalog, log, hbk.RealClock{}, hbk.UUIDGenerator{}).
		WithMetrics(m)
	if v != nil {
		svc.WithVault(v)
	}
	if len(cfg.Pack.Sources) > 0 {
		packer, err := archive.NewTarPacker(cfg.Pack.Ignore, cfg.Pack.Compression, log)
		if err != nil {
			catalog.Close()
			return nil, fmt.Errorf("creating packer: %w", err)
		}
		svc.WithPacker(packer)
	}

	return &HBKApp{
		cfg:     cfg,
		catalog: catalog,
		vault:   v,
		service: svc,
		logger:  log,
		op:      op,
	}, nil
}

// Operation returns the operation this app was created for.
func (a *HBKApp) Operation() *Operation {
	return a.op
}

// Backup runs the encrypt pipeline once.
func (a *HBKApp) Backup(ctx context.Context) (*hbk.RunResult, error) {
	res, err := a.service.Backup(ctx)
	return res, a.op.Fail(err)
}

// Restore decrypts the artifact whose payload is at rawPayload into rawOutput.
// rawKey and rawPrivateKey may be empty to use the naming convention.
func (a *HBKApp) Restore(ctx context.Context, rawPayload, rawKey, rawPrivateKey, rawOutput string) (*hbk.ResolvedPaths, error) {
	res, err := a.service.Restore(ctx, hbk.RestoreRequest{
		PayloadPath:    rawPayload,
		KeyPath:        rawKey,
		PrivateKeyPath: rawPrivateKey,
		OutputPath:     rawOutput,
	})
	return res, a.op.Fail(err)
}

// Prune applies retention without running a backup.
func (a *HBKApp) Prune(ctx context.Context) (*hbk.PruneResult, error) {
	res, err := a.service.Prune(ctx)
	return res, a.op.Fail(err)
}

// Fetch downloads artifact id from the mirror into rawDir.
func (a *HBKApp) Fetch(ctx context.Context, id string, rawDir string) (*hbk.Artifact, error) {
	dir, err := filepath.Abs(rawDir)
	if err != nil {
		return nil, a.op.Fail(fmt.Errorf("resolving path: %w", err))
	}
	res, err := a.service.Fetch(ctx, hbk.ArtifactID(id), dir)
	return res, a.op.Fail(err)
}

// List returns the complete artifacts in the repository, oldest first.
func (a *HBKApp) List() ([]*hbk.Artifact, error) {
	res, err := a.service.List()
	return res, a.op.Fail(err)
}

// History returns the most recent runs, newest first.
func (a *HBKApp) History(limit int) ([]*hbk.RunRecord, error) {
	res, err := a.service.History(limit)
	return res, a.op.Fail(err)
}

// CheckMirror verifies the configured mirror is reachable.
func (a *HBKApp) CheckMirror(ctx context.Context) error {
	if a.vault == nil {
		return a.op.Fail(errors.New("no mirror configured"))
	}
	return a.op.Fail(a.vault.ValidateSetup(ctx))
}

// Close releases all resources. After a mutating operation on a file-backed
// catalog it first refreshes the catalog snapshot next to the database.
func (a *HBKApp) Close() error {
	var errs []error

	if a.op.Mutating() {
		if err := a.snapshotCatalog(); err != nil {
			a.logger.Warn("catalog snapshot failed", "error", err)
			errs = append(errs, err)
		}
	}

	if err := a.catalog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing catalog: %w", err))
	}

	a.logger.Info("operation finished", "status", a.op.Status)
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SnapshotPath returns where the catalog snapshot is written, or "" when the
// catalog is not file-backed.
func (a *HBKApp) SnapshotPath() string {
	if a.cfg.Database.Type != "sqlite" {
		return ""
	}
	return filepath.Join(a.cfg.Database.DataDir, a.cfg.HostID+".db.bak")
}

// snapshotCatalog copies the catalog to a temp file and renames it over the
// previous snapshot, so a snapshot on disk is always complete.
func (a *HBKApp) snapshotCatalog() error {
	dest := a.SnapshotPath()
	if dest == "" {
		return nil
	}
	backer, ok := a.catalog.(interface{ BackupTo(string) error })
	if !ok {
		return nil
	}

	tmp := dest + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale snapshot: %w", err)
	}
	if err := backer.BackupTo(tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshotting catalog: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing catalog snapshot: %w", err)
	}
	return nil
}
