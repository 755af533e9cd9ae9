package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyArtifacts copies the named artifacts from src into dst. It reports
// false without error when there is nothing to copy. Every artifact is
// checked before the first byte is written so a missing artifact never
// leaves a partial copy behind.
func CopyArtifacts(src, dst string, artifacts []string) (bool, error) {
	if len(artifacts) == 0 || src == "" || dst == "" {
		return false, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("copy source %s is not a directory", src)
	}

	for _, name := range artifacts {
		if _, err := os.Stat(filepath.Join(src, name)); err != nil {
			return false, fmt.Errorf("artifact %s: %w", name, err)
		}
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return false, err
	}
	for _, name := range artifacts {
		if err := copyTree(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return false, fmt.Errorf("copy artifact %s: %w", name, err)
		}
	}
	return true, nil
}

func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(destPath, 0755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, destPath, info.Mode())
	})
}

func copyFile(src, dest string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return nil
}
