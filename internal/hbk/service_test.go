package hbk_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hbk-go/internal/archive"
	"hbk-go/internal/database"
	"hbk-go/internal/encryption"
	"hbk-go/internal/hbk"
	"hbk-go/internal/repository"
	"hbk-go/internal/testutil"
)

const testUID, testGID = 1000, 1000

// harness is a complete backup host laid out in a temp dir.
type harness struct {
	base    string
	work    string
	repoDir string
	pub     string
	priv    string
	payload string
	lock    string

	settings hbk.Settings
	fsmgr    *testutil.MockFilesystemManager
	cipher   *encryption.TestCipher
	store    *repository.FileSystemRepository
	catalog  *database.SQLiteCatalog
	clock    *testutil.StubClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	h := &harness{
		base:    base,
		work:    filepath.Join(base, "work"),
		repoDir: filepath.Join(base, "repository"),
		pub:     filepath.Join(base, "keys", "hbk.pub"),
		priv:    filepath.Join(base, "keys", "hbk"),
		fsmgr:   testutil.NewMockFilesystemManager(),
		cipher:  testutil.NewTestCipher(),
		catalog: testutil.NewTestCatalog(t),
		clock:   testutil.FixedClock(),
	}
	h.payload = filepath.Join(h.work, "backup.tar")
	h.lock = filepath.Join(h.work, "hbk.lock")

	for _, d := range []string{h.work, filepath.Dir(h.pub)} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(h.pub, []byte("age1testrecipient\n"), 0o400); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(h.pub, 0o400); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.priv, []byte("AGE-SECRET-KEY-TEST\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	h.fsmgr.SetEffectiveIDs(testUID, testGID)
	h.fsmgr.SetOwner(h.pub, testUID, testGID)

	store, err := repository.NewFileSystemRepository(h.repoDir, hbk.PrunePair)
	if err != nil {
		t.Fatal(err)
	}
	h.store = store

	h.settings = hbk.Settings{
		WorkDir:       h.work,
		PayloadPath:   h.payload,
		PublicKeyPath: h.pub,
		LockPath:      h.lock,
		RetentionDays: 30,
	}
	return h
}

func (h *harness) service() *hbk.Service {
	return hbk.NewService(h.settings, h.fsmgr, h.cipher, h.store, h.catalog,
		hbk.NewNopLogger(), h.clock, testutil.NewStubIDGenerator())
}

func (h *harness) writePayload(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(h.payload, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// seedArtifact drops a fake artifact pair into the repository with both
// files age old relative to the harness clock.
func (h *harness) seedArtifact(t *testing.T, id hbk.ArtifactID, age time.Duration) {
	t.Helper()
	mtime := h.clock.Now().Add(-age)
	for _, name := range []string{id.PayloadName(), id.KeyName()} {
		path := filepath.Join(h.repoDir, name)
		if err := os.WriteFile(path, []byte(name), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) repoNames(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.repoDir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func assertNotExist(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		t.Errorf("%s exists, want it absent (err = %v)", path, err)
	}
}

func assertWorkDirClean(t *testing.T, h *harness) {
	t.Helper()
	entries, err := os.ReadDir(h.work)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".hbk-") {
			t.Errorf("temporary file %s left in working directory", e.Name())
		}
	}
}

func TestService_Backup(t *testing.T) {
	t.Run("places a sealed artifact pair", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		svc := h.service()

		result, err := svc.Backup(context.Background())
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}

		wantPayload := filepath.Join(h.repoDir, "backup.2024-01-15-103000.tar.e")
		wantKey := filepath.Join(h.repoDir, "backup.2024-01-15-103000.aes.key.e")
		if result.Artifact.PayloadPath != wantPayload || result.Artifact.KeyPath != wantKey {
			t.Errorf("artifact = %+v, want %s and %s", result.Artifact, wantPayload, wantKey)
		}
		for _, p := range []string{wantPayload, wantKey} {
			info, err := os.Stat(p)
			if err != nil {
				t.Fatalf("stat %s: %v", p, err)
			}
			if perm := info.Mode().Perm(); perm != 0o600 {
				t.Errorf("%s mode = %04o, want 0600", filepath.Base(p), perm)
			}
		}

		assertNotExist(t, h.payload)
		assertNotExist(t, h.lock)
		assertWorkDirClean(t, h)

		if result.RunID != "000001" {
			t.Errorf("RunID = %q, want 000001", result.RunID)
		}
		if result.Mirrored {
			t.Error("Mirrored = true without a vault")
		}
	})

	t.Run("records run and digests in the catalog", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		svc := h.service()

		result, err := svc.Backup(context.Background())
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}

		rec, err := h.catalog.FindArtifact(result.Artifact.ID)
		if err != nil || rec == nil {
			t.Fatalf("FindArtifact() = %v, %v", rec, err)
		}
		payload, _ := os.ReadFile(result.Artifact.PayloadPath)
		key, _ := os.ReadFile(result.Artifact.KeyPath)
		if rec.PayloadDigest != testutil.Blake3Hex(payload) {
			t.Error("payload digest does not match placed file")
		}
		if rec.KeyDigest != testutil.Blake3Hex(key) {
			t.Error("key digest does not match placed file")
		}
		if rec.CipherMode != hbk.ModePBKDF2 {
			t.Errorf("CipherMode = %q, want pbkdf2", rec.CipherMode)
		}
		if rec.PayloadSize != int64(len(payload)) {
			t.Errorf("PayloadSize = %d, want %d", rec.PayloadSize, len(payload))
		}

		runs, err := svc.History(10)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(runs) != 1 || runs[0].Status != hbk.RunStatusSuccess || runs[0].Operation != "backup" {
			t.Fatalf("History() = %+v, want one successful backup", runs)
		}
		if runs[0].FinishedAt == nil {
			t.Error("FinishedAt not recorded")
		}
	})

	t.Run("existing lock aborts before touching anything", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		if err := os.WriteFile(h.lock, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		svc := h.service()

		_, err := svc.Backup(context.Background())
		if !errors.Is(err, hbk.ErrAlreadyRunning) {
			t.Fatalf("Backup() error = %v, want ErrAlreadyRunning", err)
		}
		var pe *hbk.PreflightError
		if !errors.As(err, &pe) {
			t.Errorf("error %T is not a *PreflightError", err)
		}
		if n := h.cipher.EncryptCalls(); n != 0 {
			t.Errorf("Encrypt called %d times", n)
		}
		if _, err := os.Stat(h.payload); err != nil {
			t.Errorf("payload disturbed: %v", err)
		}
		if _, err := os.Stat(h.lock); err != nil {
			t.Error("foreign lock was removed")
		}
		if names := h.repoNames(t); len(names) != 0 {
			t.Errorf("repository = %v, want empty", names)
		}
		if runs, _ := svc.History(0); len(runs) != 0 {
			t.Errorf("History() = %d runs, want 0", len(runs))
		}
	})

	t.Run("lock is released when encryption fails", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		h.cipher.FailEncrypt = errors.New("disk full")
		svc := h.service()

		_, err := svc.Backup(context.Background())
		var ce *hbk.CipherError
		if !errors.As(err, &ce) {
			t.Fatalf("Backup() error = %v, want *CipherError", err)
		}
		assertNotExist(t, h.lock)
		if _, err := os.Stat(h.payload); err != nil {
			t.Errorf("plaintext removed after failed encryption: %v", err)
		}
		if names := h.repoNames(t); len(names) != 0 {
			t.Errorf("repository = %v, want empty", names)
		}

		runs, _ := svc.History(1)
		if len(runs) != 1 || runs[0].Status != hbk.RunStatusError || !strings.Contains(runs[0].Message, "disk full") {
			t.Errorf("History() = %+v, want one failed run mentioning the cause", runs)
		}

		// The lock is free again, so the next run proceeds.
		h.cipher.FailEncrypt = nil
		if _, err := svc.Backup(context.Background()); err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
	})

	t.Run("missing payload", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		svc := h.service()

		_, err := svc.Backup(context.Background())
		if !errors.Is(err, hbk.ErrPayloadMissing) {
			t.Fatalf("Backup() error = %v, want ErrPayloadMissing", err)
		}
		var ce *hbk.CipherError
		if !errors.As(err, &ce) {
			t.Errorf("error %T is not a *CipherError", err)
		}
		if n := h.cipher.EncryptCalls(); n != 0 {
			t.Errorf("Encrypt called %d times for a missing payload", n)
		}
		assertNotExist(t, h.lock)
	})

	t.Run("payload that is a directory", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		if err := os.Mkdir(h.payload, 0o700); err != nil {
			t.Fatal(err)
		}

		if _, err := h.service().Backup(context.Background()); !errors.Is(err, hbk.ErrPayloadMissing) {
			t.Fatalf("Backup() error = %v, want ErrPayloadMissing", err)
		}
	})
}

func TestService_BackupKeyGuard(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{"world readable", func(h *harness) { os.Chmod(h.pub, 0o644) }},
		{"owner writable", func(h *harness) { os.Chmod(h.pub, 0o600) }},
		{"foreign owner", func(h *harness) { h.fsmgr.SetOwner(h.pub, 0, 0) }},
		{"foreign group", func(h *harness) { h.fsmgr.SetOwner(h.pub, testUID, 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.writePayload(t, "database dump")
			tt.setup(h)

			_, err := h.service().Backup(context.Background())
			if !errors.Is(err, hbk.ErrPermission) {
				t.Fatalf("Backup() error = %v, want ErrPermission", err)
			}
			var pe *hbk.PreflightError
			if !errors.As(err, &pe) {
				t.Errorf("error %T is not a *PreflightError", err)
			}
			if n := h.cipher.EncryptCalls(); n != 0 {
				t.Errorf("Encrypt called %d times", n)
			}
			if _, err := os.Stat(h.payload); err != nil {
				t.Errorf("payload disturbed: %v", err)
			}
			assertNotExist(t, h.lock)
		})
	}
}

func TestService_BackupAsRoot(t *testing.T) {
	t.Run("refused by default", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		h.fsmgr.SetEffectiveIDs(0, 0)
		h.fsmgr.SetOwner(h.pub, 0, 0)

		_, err := h.service().Backup(context.Background())
		if !errors.Is(err, hbk.ErrRunningAsRoot) {
			t.Fatalf("Backup() error = %v, want ErrRunningAsRoot", err)
		}
		assertNotExist(t, h.lock)
		if n := h.cipher.EncryptCalls(); n != 0 {
			t.Errorf("Encrypt called %d times", n)
		}
	})

	t.Run("allowed when configured", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		h.fsmgr.SetEffectiveIDs(0, 0)
		h.fsmgr.SetOwner(h.pub, 0, 0)
		h.settings.AllowRoot = true

		if _, err := h.service().Backup(context.Background()); err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
	})
}

func TestService_BackupRetention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writePayload(t, "database dump")

	const day = 24 * time.Hour
	now := h.clock.Now()
	ages := map[int]hbk.ArtifactID{}
	for _, d := range []int{0, 29, 30, 31} {
		// Keep ids distinct from the artifact this run places.
		id := hbk.NewArtifactID(now.Add(-time.Duration(d)*day-time.Hour), "")
		h.seedArtifact(t, id, time.Duration(d)*day)
		ages[d] = id
	}
	foreign := filepath.Join(h.repoDir, "README")
	os.WriteFile(foreign, []byte("not an artifact"), 0o600)
	old := now.Add(-90 * day)
	os.Chtimes(foreign, old, old)

	result, err := h.service().Backup(context.Background())
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	for d, id := range ages {
		_, errP := os.Stat(filepath.Join(h.repoDir, id.PayloadName()))
		_, errK := os.Stat(filepath.Join(h.repoDir, id.KeyName()))
		wantGone := d > 30
		if gone := os.IsNotExist(errP) && os.IsNotExist(errK); gone != wantGone {
			t.Errorf("artifact aged %d days: gone = %v, want %v", d, gone, wantGone)
		}
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Error("non-artifact file was pruned")
	}
	if _, err := os.Stat(result.Artifact.PayloadPath); err != nil {
		t.Error("the artifact just placed was pruned")
	}

	if result.Pruned.Count() != 2 {
		t.Errorf("Pruned.Count() = %d, want 2", result.Pruned.Count())
	}
	if len(result.Pruned.RemovedIDs) != 1 || result.Pruned.RemovedIDs[0] != ages[31] {
		t.Errorf("RemovedIDs = %v, want [%s]", result.Pruned.RemovedIDs, ages[31])
	}
}

func TestService_BackupRetentionDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.writePayload(t, "database dump")
	h.settings.RetentionDays = 0
	id := hbk.NewArtifactID(h.clock.Now().AddDate(-1, 0, 0), "")
	h.seedArtifact(t, id, 365*24*time.Hour)

	if _, err := h.service().Backup(context.Background()); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.repoDir, id.PayloadName())); err != nil {
		t.Error("artifact pruned with retention disabled")
	}
}

func TestService_BackupSameSecond(t *testing.T) {
	t.Run("second run collides without a suffix", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		svc := h.service()

		h.writePayload(t, "first")
		if _, err := svc.Backup(context.Background()); err != nil {
			t.Fatalf("first Backup() error = %v", err)
		}

		h.writePayload(t, "second")
		_, err := svc.Backup(context.Background())
		if !errors.Is(err, hbk.ErrArtifactExists) {
			t.Fatalf("second Backup() error = %v, want ErrArtifactExists", err)
		}
		var ioe *hbk.IOError
		if !errors.As(err, &ioe) {
			t.Errorf("error %T is not an *IOError", err)
		}
		assertNotExist(t, h.lock)

		// The plaintext is gone, so the second run's ciphertexts must survive
		// for a manual placement, and the error must say where they are.
		kept := []string{
			filepath.Join(h.work, ".hbk-000002.payload.tmp"),
			filepath.Join(h.work, ".hbk-000002.key.tmp"),
		}
		for _, p := range kept {
			if _, serr := os.Stat(p); serr != nil {
				t.Errorf("ciphertext %s removed after failed placement: %v", filepath.Base(p), serr)
			}
			if !strings.Contains(err.Error(), p) {
				t.Errorf("error %q does not name %s", err, p)
			}
		}
		out := filepath.Join(h.base, "second.tar")
		if derr := h.cipher.Decrypt(context.Background(), kept[0], kept[1], h.priv, out); derr != nil {
			t.Fatalf("decrypting kept ciphertexts: %v", derr)
		}
		if data, _ := os.ReadFile(out); string(data) != "second" {
			t.Errorf("kept ciphertexts decrypt to %q, want %q", data, "second")
		}
		if names := h.repoNames(t); len(names) != 2 {
			t.Errorf("repository = %v, want the first pair only", names)
		}
	})

	t.Run("unique suffix keeps both", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.settings.UniqueSuffix = true
		svc := h.service()

		var ids []hbk.ArtifactID
		for _, content := range []string{"first", "second"} {
			h.writePayload(t, content)
			result, err := svc.Backup(context.Background())
			if err != nil {
				t.Fatalf("Backup() error = %v", err)
			}
			ids = append(ids, result.Artifact.ID)
		}

		want := []hbk.ArtifactID{"2024-01-15-103000-000001", "2024-01-15-103000-000002"}
		for i := range want {
			if ids[i] != want[i] {
				t.Errorf("artifact %d id = %q, want %q", i, ids[i], want[i])
			}
		}
		listed, err := svc.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(listed) != 2 {
			t.Errorf("List() = %d artifacts, want 2", len(listed))
		}
	})
}

func TestService_BackupMirror(t *testing.T) {
	t.Run("uploads both files", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		v := testutil.NewTestVault()
		svc := h.service().WithVault(v)

		result, err := svc.Backup(context.Background())
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if !result.Mirrored {
			t.Error("Mirrored = false")
		}
		want := []string{"backup.2024-01-15-103000.aes.key.e", "backup.2024-01-15-103000.tar.e"}
		got := v.Names()
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("vault names = %v, want %v", got, want)
		}

		rec, _ := h.catalog.FindArtifact(result.Artifact.ID)
		if rec == nil || rec.MirroredAt == nil {
			t.Errorf("catalog record = %+v, want MirroredAt set", rec)
		}
	})

	t.Run("upload failure fails the run but keeps the artifact", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		v := testutil.NewTestVault()
		v.FailPuts(errors.New("bucket unreachable"))
		svc := h.service().WithVault(v)

		result, err := svc.Backup(context.Background())
		if err == nil || !strings.Contains(err.Error(), "bucket unreachable") {
			t.Fatalf("Backup() error = %v, want upload failure", err)
		}
		if result == nil || result.Artifact == nil {
			t.Fatal("result should describe the placed artifact")
		}
		if _, err := os.Stat(result.Artifact.PayloadPath); err != nil {
			t.Error("placed artifact removed after mirror failure")
		}
		if v.Puts() != 1 {
			t.Errorf("Puts() = %d, want 1 (stop after the payload fails)", v.Puts())
		}
		assertNotExist(t, h.lock)

		runs, _ := svc.History(1)
		if len(runs) != 1 || runs[0].Status != hbk.RunStatusError {
			t.Errorf("History() = %+v, want one failed run", runs)
		}
	})
}

func TestService_BackupReadsThroughFilesystemManager(t *testing.T) {
	t.Run("digests and uploads open placed files via the manager", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		svc := h.service().WithVault(testutil.NewTestVault())

		result, err := svc.Backup(context.Background())
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		counts := make(map[string]int)
		for _, p := range h.fsmgr.Opened() {
			counts[p]++
		}
		for _, p := range []string{result.Artifact.PayloadPath, result.Artifact.KeyPath} {
			// Once for the digest, once for the upload.
			if counts[p] != 2 {
				t.Errorf("%s opened %d times through the manager, want 2", filepath.Base(p), counts[p])
			}
		}
	})

	t.Run("unreadable placed payload fails the run and keeps the artifact", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		id := hbk.NewArtifactID(h.clock.Now(), "")
		placed := filepath.Join(h.repoDir, id.PayloadName())
		h.fsmgr.DenyOpen(placed)

		_, err := h.service().Backup(context.Background())
		if err == nil || !strings.Contains(err.Error(), "digesting payload") {
			t.Fatalf("Backup() error = %v, want a digest failure", err)
		}
		if _, err := os.Stat(placed); err != nil {
			t.Errorf("placed payload removed: %v", err)
		}
		assertNotExist(t, h.lock)
	})
}

func TestService_BackupPack(t *testing.T) {
	t.Run("packs sources before encrypting", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		src := filepath.Join(h.base, "etc")
		os.MkdirAll(filepath.Join(src, "app"), 0o700)
		os.WriteFile(filepath.Join(src, "hosts"), []byte("127.0.0.1 localhost\n"), 0o600)
		os.WriteFile(filepath.Join(src, "app", "config.ini"), []byte("[main]\n"), 0o600)
		h.settings.Sources = []string{src}

		packer, err := archive.NewTarPacker(nil, archive.CompressionZstd, hbk.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}
		svc := h.service().WithPacker(packer)

		result, err := svc.Backup(context.Background())
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if result.Packed != 2 {
			t.Errorf("Packed = %d, want 2", result.Packed)
		}
		assertNotExist(t, h.payload)
		if _, err := os.Stat(result.Artifact.PayloadPath); err != nil {
			t.Errorf("packed artifact not placed: %v", err)
		}
	})

	t.Run("sources without a packer", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.settings.Sources = []string{h.base}

		if _, err := h.service().Backup(context.Background()); err == nil {
			t.Fatal("Backup() should fail when sources are configured without a packer")
		}
		assertNotExist(t, h.lock)
	})
}

func TestService_Prune(t *testing.T) {
	t.Run("removes expired artifacts under the lock", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		expired := hbk.NewArtifactID(h.clock.Now().AddDate(0, 0, -40), "")
		fresh := hbk.NewArtifactID(h.clock.Now().AddDate(0, 0, -1), "")
		h.seedArtifact(t, expired, 40*24*time.Hour)
		h.seedArtifact(t, fresh, 24*time.Hour)

		res, err := h.service().Prune(context.Background())
		if err != nil {
			t.Fatalf("Prune() error = %v", err)
		}
		if res.Count() != 2 || len(res.RemovedIDs) != 1 || res.RemovedIDs[0] != expired {
			t.Errorf("Prune() = %+v, want the expired pair removed", res)
		}
		if _, err := os.Stat(filepath.Join(h.repoDir, fresh.PayloadName())); err != nil {
			t.Error("fresh artifact pruned")
		}
		assertNotExist(t, h.lock)
	})

	t.Run("refuses while a run is in progress", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		expired := hbk.NewArtifactID(h.clock.Now().AddDate(0, 0, -40), "")
		h.seedArtifact(t, expired, 40*24*time.Hour)
		os.WriteFile(h.lock, nil, 0o600)

		if _, err := h.service().Prune(context.Background()); !errors.Is(err, hbk.ErrAlreadyRunning) {
			t.Fatalf("Prune() error = %v, want ErrAlreadyRunning", err)
		}
		if _, err := os.Stat(filepath.Join(h.repoDir, expired.PayloadName())); err != nil {
			t.Error("artifact pruned while the lock was held")
		}
	})

	t.Run("marks pruned artifacts in the catalog", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.writePayload(t, "database dump")
		svc := h.service()
		result, err := svc.Backup(context.Background())
		if err != nil {
			t.Fatal(err)
		}

		// Age the placed files past retention.
		old := h.clock.Now().AddDate(0, 0, -31)
		os.Chtimes(result.Artifact.PayloadPath, old, old)
		os.Chtimes(result.Artifact.KeyPath, old, old)

		if _, err := svc.Prune(context.Background()); err != nil {
			t.Fatalf("Prune() error = %v", err)
		}
		rec, _ := h.catalog.FindArtifact(result.Artifact.ID)
		if rec == nil || rec.PrunedAt == nil {
			t.Errorf("catalog record = %+v, want PrunedAt set", rec)
		}
	})
}

// recordingMetrics remembers observed runs.
type recordingMetrics struct {
	mu      sync.Mutex
	runs    []string
	sizes   []int64
	prunes  int
	flushes int
}

func (m *recordingMetrics) ObserveRun(operation, status string, _ time.Duration, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, operation+":"+status)
}

func (m *recordingMetrics) ObserveArtifact(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *recordingMetrics) ObservePrune(int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prunes++
}

func (m *recordingMetrics) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func TestService_Metrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	m := &recordingMetrics{}
	svc := h.service().WithMetrics(m)

	h.writePayload(t, "database dump")
	if _, err := svc.Backup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Backup(context.Background()); err == nil {
		t.Fatal("Backup() without payload should fail")
	}
	os.WriteFile(h.lock, nil, 0o600)
	svc.Backup(context.Background())

	want := []string{"backup:success", "backup:error"}
	if len(m.runs) != len(want) {
		t.Fatalf("observed runs = %v, want %v (lock contention is not observed)", m.runs, want)
	}
	for i := range want {
		if m.runs[i] != want[i] {
			t.Errorf("run %d = %q, want %q", i, m.runs[i], want[i])
		}
	}
	if m.flushes != 2 {
		t.Errorf("Flush() called %d times, want 2", m.flushes)
	}
	if len(m.sizes) != 1 || m.sizes[0] <= 0 {
		t.Errorf("artifact sizes = %v, want one positive size", m.sizes)
	}
	if m.prunes != 1 {
		t.Errorf("prune observations = %d, want 1", m.prunes)
	}
}
