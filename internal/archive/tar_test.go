package archive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"hbk-go/internal/hbk"
)

// readArchive returns name -> content for every regular file in the archive.
func readArchive(t *testing.T, path, compression string) map[string]string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compression == CompressionZstd {
		zr, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("zstd reader: %v", err)
		}
		defer zr.Close()
		r = zr
	}

	files := make(map[string]string)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading %s: %v", hdr.Name, err)
		}
		files[hdr.Name] = string(data)
	}
	return files
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestNewTarPacker(t *testing.T) {
	tests := []struct {
		compression string
		want        string
		wantErr     bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"none", CompressionNone, false},
		{"gzip", "", true},
	}
	for _, tt := range tests {
		p, err := NewTarPacker(nil, tt.compression, hbk.NewNopLogger())
		if (err != nil) != tt.wantErr {
			t.Errorf("NewTarPacker(%q) error = %v, wantErr %v", tt.compression, err, tt.wantErr)
			continue
		}
		if err == nil && p.compression != tt.want {
			t.Errorf("NewTarPacker(%q).compression = %q, want %q", tt.compression, p.compression, tt.want)
		}
	}
}

func TestTarPacker_Pack(t *testing.T) {
	for _, compression := range []string{CompressionZstd, CompressionNone} {
		t.Run(compression, func(t *testing.T) {
			t.Parallel()
			base := t.TempDir()
			src := filepath.Join(base, "etc")
			writeTree(t, src, map[string]string{
				"hosts":          "127.0.0.1 localhost\n",
				"app/config.ini": "[main]\n",
				"app/debug.log":  "noise",
				"cache/blob":     "skip me",
				".hbkignore":     "cache\n",
			})
			single := filepath.Join(base, "dump.sql")
			if err := os.WriteFile(single, []byte("CREATE TABLE t;"), 0o600); err != nil {
				t.Fatal(err)
			}

			p, err := NewTarPacker([]string{"*.log"}, compression, hbk.NewNopLogger())
			if err != nil {
				t.Fatal(err)
			}
			dest := filepath.Join(base, "backup.tar")

			n, err := p.Pack(context.Background(), []string{src, single}, dest)
			if err != nil {
				t.Fatalf("Pack() error = %v", err)
			}
			if n != 3 {
				t.Errorf("Pack() = %d files, want 3", n)
			}

			got := readArchive(t, dest, compression)
			want := []string{"dump.sql", "etc/app/config.ini", "etc/hosts"}
			if names := keys(got); len(names) != len(want) {
				t.Fatalf("archive has %v, want %v", names, want)
			} else {
				for i := range want {
					if names[i] != want[i] {
						t.Errorf("archive entry %d = %q, want %q", i, names[i], want[i])
					}
				}
			}
			if got["etc/hosts"] != "127.0.0.1 localhost\n" {
				t.Errorf("etc/hosts content = %q", got["etc/hosts"])
			}

			entries, _ := os.ReadDir(base)
			for _, e := range entries {
				if filepath.Ext(e.Name()) != ".tar" && e.Name() != "etc" && e.Name() != "dump.sql" {
					t.Errorf("unexpected leftover %s", e.Name())
				}
			}
		})
	}
}

func TestTarPacker_PackReplacesStalePayload(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	src := filepath.Join(base, "data")
	writeTree(t, src, map[string]string{"a": "fresh"})
	dest := filepath.Join(base, "backup.tar")
	if err := os.WriteFile(dest, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, _ := NewTarPacker(nil, CompressionNone, hbk.NewNopLogger())
	if _, err := p.Pack(context.Background(), []string{src}, dest); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if got := readArchive(t, dest, CompressionNone); got["data/a"] != "fresh" {
		t.Errorf("archive = %v, want data/a=fresh", got)
	}
}

func TestTarPacker_PackFailureLeavesNoPayload(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	dest := filepath.Join(base, "backup.tar")

	p, _ := NewTarPacker(nil, CompressionZstd, hbk.NewNopLogger())
	_, err := p.Pack(context.Background(), []string{filepath.Join(base, "missing")}, dest)
	if err == nil {
		t.Fatal("Pack() with missing source should fail")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("payload exists after failed pack: %v", err)
	}
	entries, _ := os.ReadDir(base)
	if len(entries) != 0 {
		t.Errorf("failed pack left %d entries behind", len(entries))
	}
}

func TestTarPacker_DuplicateSourceNames(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	a := filepath.Join(base, "one", "data")
	b := filepath.Join(base, "two", "data")
	writeTree(t, a, map[string]string{"x": "1"})
	writeTree(t, b, map[string]string{"y": "2"})

	p, _ := NewTarPacker(nil, CompressionNone, hbk.NewNopLogger())
	if _, err := p.Pack(context.Background(), []string{a, b}, filepath.Join(base, "backup.tar")); err == nil {
		t.Error("Pack() should refuse two sources with the same base name")
	}
}

func TestTarPacker_Cancelled(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	src := filepath.Join(base, "data")
	writeTree(t, src, map[string]string{"a": "1", "b": "2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := NewTarPacker(nil, CompressionNone, hbk.NewNopLogger())
	_, err := p.Pack(ctx, []string{src}, filepath.Join(base, "backup.tar"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Pack() error = %v, want context.Canceled", err)
	}
}

func TestTarPacker_Symlink(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	src := filepath.Join(base, "data")
	writeTree(t, src, map[string]string{"real": "content"})
	if err := os.Symlink("real", filepath.Join(src, "alias")); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(base, "backup.tar")

	p, _ := NewTarPacker(nil, CompressionNone, hbk.NewNopLogger())
	n, err := p.Pack(context.Background(), []string{src}, dest)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Pack() = %d files, want 1 (links are not counted)", n)
	}

	f, _ := os.Open(dest)
	defer f.Close()
	tr := tar.NewReader(f)
	found := false
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Name == "data/alias" {
			found = true
			if hdr.Typeflag != tar.TypeSymlink || hdr.Linkname != "real" {
				t.Errorf("alias header = %+v, want symlink to real", hdr)
			}
		}
	}
	if !found {
		t.Error("symlink missing from archive")
	}
}

type fakeInfo struct {
	size  int64
	mode  os.FileMode
	mtime time.Time
}

func (f fakeInfo) Name() string       { return "f" }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() os.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mtime }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

func TestValidateStatUnchanged(t *testing.T) {
	now := time.Now()
	base := fakeInfo{size: 10, mode: 0o644, mtime: now}

	tests := []struct {
		name    string
		after   fakeInfo
		wantErr bool
	}{
		{"unchanged", base, false},
		{"size", fakeInfo{size: 11, mode: 0o644, mtime: now}, true},
		{"mode", fakeInfo{size: 10, mode: 0o600, mtime: now}, true},
		{"mtime", fakeInfo{size: 10, mode: 0o644, mtime: now.Add(time.Second)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStatUnchanged(base, tt.after)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateStatUnchanged() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errChanged) {
				t.Errorf("error %v does not wrap errChanged", err)
			}
		})
	}
}
