package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	hbkfs "hbk-go/internal/fs"
	"hbk-go/internal/hbk"
)

// Compression values accepted by NewTarPacker.
const (
	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// TarPacker implements hbk.Packer by writing a tar stream, optionally zstd
// compressed, of every source into one file.
type TarPacker struct {
	ignore      []string
	compression string
	logger      hbk.Logger
}

// NewTarPacker creates a packer. ignore holds extra patterns applied under
// every source on top of each source's .hbkignore. Empty compression means zstd.
func NewTarPacker(ignore []string, compression string, logger hbk.Logger) (*TarPacker, error) {
	switch compression {
	case "":
		compression = CompressionZstd
	case CompressionZstd, CompressionNone:
	default:
		return nil, fmt.Errorf("unknown compression: %q", compression)
	}
	return &TarPacker{ignore: ignore, compression: compression, logger: logger}, nil
}

// Pack archives sources into destPath. Each source appears in the archive
// under its base name. The archive is built in a temp file next to destPath
// and renamed over it only when complete, so a failed pack never leaves a
// truncated payload behind for the cipher.
func (p *TarPacker) Pack(ctx context.Context, sources []string, destPath string) (n int, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".hbk-pack-*")
	if err != nil {
		return 0, fmt.Errorf("creating archive: %w", err)
	}
	tmpPath := tmp.Name()

	var (
		out io.Writer = tmp
		zw  *zstd.Encoder
	)
	defer func() {
		if err != nil {
			if zw != nil {
				zw.Close()
			}
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if p.compression == CompressionZstd {
		zw, err = zstd.NewWriter(tmp)
		if err != nil {
			return 0, fmt.Errorf("creating compressor: %w", err)
		}
		out = zw
	}
	tw := tar.NewWriter(out)

	seen := make(map[string]bool)
	for _, src := range sources {
		abs, err := filepath.Abs(src)
		if err != nil {
			return n, fmt.Errorf("resolving source %s: %w", src, err)
		}
		prefix := filepath.Base(abs)
		if seen[prefix] {
			return n, fmt.Errorf("two sources share the name %q", prefix)
		}
		seen[prefix] = true

		count, err := p.addSource(ctx, tw, abs, prefix)
		n += count
		if err != nil {
			return n, err
		}
	}

	if err := tw.Close(); err != nil {
		return n, fmt.Errorf("finishing tar stream: %w", err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return n, fmt.Errorf("finishing compression: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return n, fmt.Errorf("moving archive into place: %w", err)
	}
	return n, nil
}

// addSource writes one source tree to tw and returns the number of regular
// files archived.
func (p *TarPacker) addSource(ctx context.Context, tw *tar.Writer, root, prefix string) (int, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		if err := p.addEntry(tw, root, prefix, info); err != nil {
			return 0, err
		}
		if info.Mode().IsRegular() {
			return 1, nil
		}
		return 0, nil
	}

	matcher, err := hbkfs.LoadIgnoreMatcher(root, p.ignore)
	if err != nil {
		return 0, fmt.Errorf("loading ignore patterns for %s: %w", root, err)
	}

	count := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		name := prefix
		if rel != "." {
			name = prefix + "/" + filepath.ToSlash(rel)
		}
		if err := p.addEntry(tw, path, name, info); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("archiving %s: %w", root, err)
	}
	return count, nil
}

// addEntry writes the header and, for regular files, the content of path.
// Sockets, devices and pipes are skipped.
func (p *TarPacker) addEntry(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	mode := info.Mode()
	var link string
	switch {
	case mode.IsRegular(), mode.IsDir():
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return fmt.Errorf("reading link %s: %w", path, err)
		}
		link = target
	default:
		p.logger.Warn("skipping special file", "path", path, "mode", mode.String())
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("building header for %s: %w", path, err)
	}
	hdr.Name = name
	if mode.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	// Numeric ids only: the restore host may not share the user database.
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", path, err)
	}
	if !mode.IsRegular() {
		return nil
	}
	return copyUnchanged(tw, path, info)
}

// copyUnchanged copies path into w and fails if the file was modified while
// it was being read.
func copyUnchanged(w io.Writer, path string, before fs.FileInfo) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	written, err := io.Copy(w, io.LimitReader(f, before.Size()))
	if err != nil {
		return fmt.Errorf("copying %s: %w", path, err)
	}
	if written != before.Size() {
		return fmt.Errorf("file changed during pack: %s: %w", path, io.ErrUnexpectedEOF)
	}

	after, err := f.Stat()
	if err != nil {
		return fmt.Errorf("re-stat %s: %w", path, err)
	}
	if err := validateStatUnchanged(before, after); err != nil {
		return fmt.Errorf("file changed during pack: %s: %w", path, err)
	}
	return nil
}

// errChanged is wrapped by validateStatUnchanged failures.
var errChanged = errors.New("file metadata changed")

// validateStatUnchanged checks that file metadata hasn't changed.
// Access time is ignored as our own read may change it.
func validateStatUnchanged(before, after fs.FileInfo) error {
	if before.Size() != after.Size() {
		return fmt.Errorf("%w: size %d -> %d", errChanged, before.Size(), after.Size())
	}
	if before.Mode() != after.Mode() {
		return fmt.Errorf("%w: mode %v -> %v", errChanged, before.Mode(), after.Mode())
	}
	if !before.ModTime().Equal(after.ModTime()) {
		return fmt.Errorf("%w: mtime %v -> %v", errChanged, before.ModTime(), after.ModTime())
	}
	return nil
}

var _ hbk.Packer = (*TarPacker)(nil)
