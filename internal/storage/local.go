package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend stores objects on the local filesystem.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{root: root}, nil
}

// Path returns the filesystem location of an object.
func (l *LocalBackend) Path(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

func (l *LocalBackend) Read(path string) (io.ReadCloser, error) {
	f, err := os.Open(l.Path(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return f, err
}

// Write is atomic: data goes to a temp file in the target directory, is
// synced, and then renamed into place.
func (l *LocalBackend) Write(path string, fill func(io.Writer) error) error {
	full := l.Path(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("write sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write close: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("write rename: %w", err)
	}
	cleanup = false
	syncDir(dir)
	return nil
}

func (l *LocalBackend) Stat(path string) (ObjectInfo, error) {
	fi, err := os.Stat(l.Path(path))
	if errors.Is(err, os.ErrNotExist) {
		return ObjectInfo{}, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return ObjectInfo{}, err
	}
	if !fi.Mode().IsRegular() {
		return ObjectInfo{}, fmt.Errorf("%s: not a regular file", path)
	}
	return ObjectInfo{Path: path, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *LocalBackend) Delete(path string) error {
	err := os.Remove(l.Path(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *LocalBackend) List(prefix string) ([]string, error) {
	dir := l.Path(prefix)
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		paths = append(paths, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return paths, err
}

// syncDir makes a rename durable on filesystems that need it. Failures are
// ignored; the rename itself already succeeded.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

var _ Backend = (*LocalBackend)(nil)
