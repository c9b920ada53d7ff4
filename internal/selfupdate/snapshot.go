package selfupdate

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoBackup is returned when a restore is attempted without a snapshot.
var ErrNoBackup = errors.New("no backup snapshot")

// Snapshot is a copy of every whitelisted path taken before a patch is
// applied. Restoring it makes each path identical to the copy, and removes
// paths that did not exist when the snapshot was taken.
type Snapshot struct {
	Dir       string
	workspace string
	paths     map[string]bool // allow path -> existed
}

// TakeSnapshot copies each allow path under workspace into backupDir, which
// must not exist yet.
func TakeSnapshot(workspace, backupDir string, allowPaths []string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(backupDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	// an existing directory may hold files from another snapshot
	if err := os.Mkdir(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	s := &Snapshot{Dir: backupDir, workspace: workspace, paths: make(map[string]bool)}
	for _, ap := range allowPaths {
		rel := normalizeAllow(ap)
		if rel == "" {
			continue
		}
		src := filepath.Join(workspace, filepath.FromSlash(rel))
		_, err := os.Lstat(src)
		if errors.Is(err, fs.ErrNotExist) {
			s.paths[rel] = false
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", src, err)
		}
		if err := copyTree(src, s.backupPath(rel)); err != nil {
			return nil, fmt.Errorf("failed to back up %s: %w", rel, err)
		}
		s.paths[rel] = true
	}
	return s, nil
}

func (s *Snapshot) backupPath(rel string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(strings.Trim(rel, "/")))
}

// Restore replaces every whitelisted path by its snapshot copy.
func (s *Snapshot) Restore() error {
	if s == nil {
		return ErrNoBackup
	}
	var errs []error
	for rel, existed := range s.paths {
		dst := filepath.Join(s.workspace, filepath.FromSlash(rel))
		if err := os.RemoveAll(dst); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", rel, err))
			continue
		}
		if !existed {
			continue
		}
		if err := copyTree(s.backupPath(rel), dst); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

// copyTree copies a file or directory tree, keeping file modes. Symlinks are
// recreated, not followed.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
