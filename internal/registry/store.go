// Package registry is the artifact store: a directory whose immediate
// subdirectories are model artifacts, each named by its model id.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelforge/internal/common/fsutil"
	"modelforge/internal/errs"
	"modelforge/internal/ledger"
	"modelforge/pkg/types"
)

// weightExts are the file extensions counted as model weights.
var weightExts = map[string]bool{
	".gguf":        true,
	".safetensors": true,
	".bin":         true,
	".pt":          true,
	".pth":         true,
}

// Store resolves model ids to artifact directories under a root.
type Store struct {
	root string
}

// Open returns a Store rooted at dir. A leading '~' is expanded and the path
// made absolute; the directory must exist.
func Open(dir string) (*Store, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if !fsutil.IsDir(abs) {
		return nil, errs.NotFound(abs, "artifact store directory does not exist")
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute store directory.
func (s *Store) Root() string { return s.root }

// Path returns the artifact directory for id; it does not check existence.
func (s *Store) Path(id string) string { return filepath.Join(s.root, id) }

// Exists reports whether id names an artifact directory in the store.
func (s *Store) Exists(id string) bool {
	return ValidateID(id) == nil && fsutil.IsDir(s.Path(id))
}

// Lookup describes the artifact id. Kind and transformation count come from
// the artifact's ledger; an artifact without a ledger is an original.
func (s *Store) Lookup(id string) (types.ModelArtifact, error) {
	if err := ValidateID(id); err != nil {
		return types.ModelArtifact{}, err
	}
	dir := s.Path(id)
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return types.ModelArtifact{}, errs.NotFound(id, "no artifact directory in %s", s.root)
	}
	art := types.ModelArtifact{ID: id, Path: dir, Kind: types.KindOriginal, CreatedAt: fi.ModTime().UTC()}

	doc, err := ledger.Read(dir)
	switch {
	case err == nil:
		art.Kind = doc.Kind()
		art.Transformations = len(doc.Records)
		art.CreatedAt = doc.Header.CreatedAt
	case errs.IsNotFound(err):
		// no ledger yet
	default:
		return art, err
	}

	size, err := WeightBytes(dir)
	if err != nil {
		return art, errs.IO(dir, err)
	}
	art.SizeBytes = size
	return art, nil
}

// List returns every artifact in the store sorted by id. Hidden directories
// and plain files at the store root are ignored.
func (s *Store) List() ([]types.ModelArtifact, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.IO(s.root, fmt.Errorf("read dir: %w", err))
	}
	var out []types.ModelArtifact
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		art, err := s.Lookup(e.Name())
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", e.Name(), err)
		}
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ValidateID checks that id can be used as a single directory name.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errs.Validation("model id", "empty")
	case id == "." || id == "..":
		return errs.Validation(id, "not a valid model id")
	case strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, os.PathSeparator):
		return errs.Validation(id, "model id must not contain path separators")
	case strings.TrimSpace(id) != id:
		return errs.Validation(id, "model id must not have leading or trailing spaces")
	}
	return nil
}

// IsControlFile reports whether name is bookkeeping written by this tool
// rather than artifact content.
func IsControlFile(name string) bool {
	switch name {
	case SpecFileName, ledger.FileName, ledger.LockName:
		return true
	}
	return fsutil.IsTempName(name) || strings.HasPrefix(name, ledger.LockName+".")
}

// HasArtifact reports whether dir holds anything besides control files.
// A missing directory holds nothing.
func HasArtifact(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if !IsControlFile(e.Name()) {
			return true, nil
		}
	}
	return false, nil
}

// WeightBytes sums the real sizes of the weight files under dir. When no
// file has a known weight extension every non-control file is counted.
func WeightBytes(dir string) (int64, error) {
	n, err := fsutil.DirSize(dir, func(name string) bool {
		return !weightExts[strings.ToLower(filepath.Ext(name))]
	})
	if err != nil || n > 0 {
		return n, err
	}
	return fsutil.DirSize(dir, IsControlFile)
}
