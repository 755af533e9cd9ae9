package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Snapshot records the files and directories present under a root before a
// stage runs so that anything created afterwards can be removed.
type Snapshot struct {
	// Files maps a path to the sha256 of its content. The hash is empty when
	// the content could not be read or was not listed.
	Files map[string]string
	Dirs  map[string]struct{}
}

// Delta is the set of paths absent from a snapshot.
type Delta struct {
	Files []string
	// Dirs is ordered deepest first so children are removed before parents.
	Dirs []string
	// Modified lists snapshot files whose content hash changed.
	Modified []string
}

// CleanResult reports what Clean removed.
type CleanResult struct {
	Removed     []string
	RemovedDirs []string
	Modified    []string
}

// Capture walks root and records every file with its content hash and every
// directory, relative to root. Anything under a .git directory is ignored.
func Capture(root string) (*Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "capture", Path: root, Err: errors.New("not a directory")}
	}

	snap := &Snapshot{Files: map[string]string{}, Dirs: map[string]struct{}{}}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrPermission) {
				return nil
			}
			return walkErr
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if isGitPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			snap.Dirs[rel] = struct{}{}
			return nil
		}
		hash := ""
		if d.Type().IsRegular() {
			hash, _ = hashFile(path)
		}
		snap.Files[rel] = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// FromListing builds a snapshot from plain path listings, as returned by a
// remote find. Hashes are left empty.
func FromListing(files, dirs []string) *Snapshot {
	snap := &Snapshot{Files: map[string]string{}, Dirs: map[string]struct{}{}}
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			snap.Files[f] = ""
		}
	}
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			snap.Dirs[d] = struct{}{}
		}
	}
	return snap
}

// Delta compares the current state against the snapshot. A file is new when
// its path is not in the snapshot; content is only used to flag modifications.
func (s *Snapshot) Delta(current *Snapshot) Delta {
	var delta Delta
	for path, hash := range current.Files {
		if isGitPath(path) {
			continue
		}
		old, ok := s.Files[path]
		if !ok {
			delta.Files = append(delta.Files, path)
			continue
		}
		if old != "" && hash != "" && old != hash {
			delta.Modified = append(delta.Modified, path)
		}
	}
	for dir := range current.Dirs {
		if isGitPath(dir) {
			continue
		}
		if _, ok := s.Dirs[dir]; !ok {
			delta.Dirs = append(delta.Dirs, dir)
		}
	}

	sort.Strings(delta.Files)
	sort.Strings(delta.Modified)
	sortDeepestFirst(delta.Dirs)
	return delta
}

// Clean removes every file under root that is not in the snapshot, then every
// new directory left empty. Non-empty directories are kept.
func (s *Snapshot) Clean(root string) (*CleanResult, error) {
	current, err := Capture(root)
	if err != nil {
		return nil, err
	}
	delta := s.Delta(current)

	result := &CleanResult{Modified: delta.Modified}
	for _, rel := range delta.Files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return result, err
		}
		result.Removed = append(result.Removed, rel)
	}
	for _, rel := range delta.Dirs {
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
			continue
		}
		result.RemovedDirs = append(result.RemovedDirs, rel)
	}
	return result, nil
}

func sortDeepestFirst(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] > dirs[j]
	})
}

func isGitPath(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".git" {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
