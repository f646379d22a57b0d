package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"hbk-go/internal/hbk"
)

const day = 24 * time.Hour

// FileSystemRepository is the local backup repository: a flat directory of
// artifact pairs.
//
//	<root>/
//	  backup.2024-01-15-103000.tar.e       (payload ciphertext)
//	  backup.2024-01-15-103000.aes.key.e   (wrapped secret)
//
// Files whose names do not follow the artifact convention are ignored by
// List and never pruned.
type FileSystemRepository struct {
	root string
	mode hbk.PruneMode

	rename func(oldpath, newpath string) error
	remove func(path string) error
}

var _ hbk.ArtifactStore = (*FileSystemRepository)(nil)

// NewFileSystemRepository creates a repository rooted at root, creating the
// directory if needed.
func NewFileSystemRepository(root string, mode hbk.PruneMode) (*FileSystemRepository, error) {
	if mode == "" {
		mode = hbk.PrunePair
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}
	return &FileSystemRepository{
		root:   root,
		mode:   mode,
		rename: os.Rename,
		remove: os.Remove,
	}, nil
}

func (r *FileSystemRepository) Root() string { return r.root }

// Place moves both ciphertexts into the repository, payload first. The temp
// files must be on the same filesystem as the repository.
func (r *FileSystemRepository) Place(tempPayload, tempKey string, id hbk.ArtifactID) (*hbk.Artifact, error) {
	if !id.Valid() {
		return nil, &hbk.IOError{Op: "place", Err: fmt.Errorf("invalid artifact id %q", id)}
	}

	payloadDest := filepath.Join(r.root, id.PayloadName())
	keyDest := filepath.Join(r.root, id.KeyName())
	for _, dest := range []string{payloadDest, keyDest} {
		if _, err := os.Lstat(dest); err == nil {
			return nil, &hbk.IOError{Op: "place", Err: fmt.Errorf("%w: %s", hbk.ErrArtifactExists, filepath.Base(dest))}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, &hbk.IOError{Op: "place", Err: err}
		}
	}

	if err := r.rename(tempPayload, payloadDest); err != nil {
		return nil, &hbk.IOError{Op: "place payload", Err: err}
	}
	if err := r.rename(tempKey, keyDest); err != nil {
		if rerr := r.rename(payloadDest, tempPayload); rerr != nil {
			err = errors.Join(err, fmt.Errorf("rolling back payload: %w", rerr))
		}
		return nil, &hbk.IOError{Op: "place key", Err: err}
	}

	info, err := os.Stat(payloadDest)
	if err != nil {
		return nil, &hbk.IOError{Op: "place", Err: err}
	}
	return &hbk.Artifact{
		ID:          id,
		PayloadPath: payloadDest,
		KeyPath:     keyDest,
		PayloadSize: info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

// repoFile is one artifact file found in the repository.
type repoFile struct {
	name    string
	part    hbk.ArtifactPart
	size    int64
	modTime time.Time
}

// scan groups the repository's artifact files by id.
func (r *FileSystemRepository) scan() (map[hbk.ArtifactID][]repoFile, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("reading repository: %w", err)
	}

	groups := make(map[hbk.ArtifactID][]repoFile)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		id, part, ok := hbk.ParseArtifactName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		groups[id] = append(groups[id], repoFile{
			name:    e.Name(),
			part:    part,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return groups, nil
}

func sortedIDs(groups map[hbk.ArtifactID][]repoFile) []hbk.ArtifactID {
	ids := make([]hbk.ArtifactID, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// List returns every id that has both its payload and its key.
func (r *FileSystemRepository) List() ([]*hbk.Artifact, error) {
	groups, err := r.scan()
	if err != nil {
		return nil, err
	}

	var artifacts []*hbk.Artifact
	for _, id := range sortedIDs(groups) {
		a := &hbk.Artifact{ID: id}
		for _, f := range groups[id] {
			switch f.part {
			case hbk.PartPayload:
				a.PayloadPath = filepath.Join(r.root, f.name)
				a.PayloadSize = f.size
				a.ModTime = f.modTime
			case hbk.PartKey:
				a.KeyPath = filepath.Join(r.root, f.name)
			}
		}
		if a.PayloadPath != "" && a.KeyPath != "" {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

// ageInDays counts whole days elapsed, rounding down like find -mtime.
func ageInDays(modTime, now time.Time) int {
	return int(now.Sub(modTime) / day)
}

// Prune deletes files whose age in whole days is strictly greater than
// maxAgeDays. In pair mode an id is deleted only when all of its remaining
// files are eligible; the key goes first so a half-deleted pair is never
// listed. In file mode each file is judged alone.
func (r *FileSystemRepository) Prune(maxAgeDays int, now time.Time) (*hbk.PruneResult, error) {
	res := &hbk.PruneResult{}
	if maxAgeDays <= 0 {
		return res, nil
	}

	groups, err := r.scan()
	if err != nil {
		return nil, &hbk.IOError{Op: "prune", Err: err}
	}

	var merr *multierror.Error
	for _, id := range sortedIDs(groups) {
		files := groups[id]
		sort.Slice(files, func(i, j int) bool { return files[i].part > files[j].part })

		var doomed []repoFile
		for _, f := range files {
			if ageInDays(f.modTime, now) > maxAgeDays {
				doomed = append(doomed, f)
			} else if r.mode == hbk.PrunePair {
				doomed = nil
				break
			}
		}

		deleted := 0
		for _, f := range doomed {
			if err := r.remove(filepath.Join(r.root, f.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				merr = multierror.Append(merr, &hbk.IOError{Op: "delete " + f.name, Err: err})
				res.Failed++
				continue
			}
			res.Deleted = append(res.Deleted, f.name)
			deleted++
		}
		if deleted > 0 && deleted == len(files) {
			res.RemovedIDs = append(res.RemovedIDs, id)
		}
	}
	return res, merr.ErrorOrNil()
}
