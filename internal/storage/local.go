package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend stores files under a directory on the local filesystem.
type LocalBackend struct {
	root string
}

func NewLocalBackend(root string) (*LocalBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalBackend{root: root}, nil
}

// Root returns the directory the backend is rooted at.
func (l *LocalBackend) Root() string { return l.root }

func (l *LocalBackend) path(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

func (l *LocalBackend) Read(path string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotExist)
	}
	return f, err
}

// Write creates the file through a temp file in the same directory and a
// rename, so concurrent readers see either nothing or the whole file.
func (l *LocalBackend) Write(path string, data []byte) error {
	full := l.path(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (l *LocalBackend) Has(path string) (bool, error) {
	_, err := os.Stat(l.path(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (l *LocalBackend) Delete(path string) error {
	err := os.Remove(l.path(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// List skips temp files left behind by interrupted writes.
func (l *LocalBackend) List(prefix string) ([]string, error) {
	dir := l.path(prefix)
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
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

var _ Backend = (*LocalBackend)(nil)
