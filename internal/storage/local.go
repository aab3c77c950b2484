package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// tempPattern marks half-written objects. Names starting with a dot are
// never listed.
const tempPattern = ".put-*"

// LocalStorage is an ObjectStorage over a directory tree. Object paths map
// to files below the root; the root cannot be escaped.
type LocalStorage struct {
	fs afero.Fs
}

// NewLocalStorage roots a store at dir, creating it if needed.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("local storage: create %s: %w", dir, err)
	}
	return NewFsStorage(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewFsStorage stores objects in an arbitrary afero filesystem, such as
// afero.NewMemMapFs in tests.
func NewFsStorage(fsys afero.Fs) *LocalStorage {
	return &LocalStorage{fs: fsys}
}

// Put writes to a temp file beside the target and renames it into place,
// so readers never observe a partial object.
func (l *LocalStorage) Put(ctx context.Context, objectPath string, data []byte) error {
	if err := l.precheck(ctx, objectPath); err != nil {
		return err
	}
	name := filepath.FromSlash(objectPath)
	dir := filepath.Dir(name)
	if err := l.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("local storage: mkdir for %s: %w", objectPath, err)
	}

	tmp, err := afero.TempFile(l.fs, dir, tempPattern)
	if err != nil {
		return fmt.Errorf("local storage: temp file for %s: %w", objectPath, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			l.fs.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("local storage: write %s: %w", objectPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("local storage: sync %s: %w", objectPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("local storage: close %s: %w", objectPath, err)
	}
	if err := l.fs.Rename(tmpName, name); err != nil {
		return fmt.Errorf("local storage: commit %s: %w", objectPath, err)
	}
	committed = true
	return nil
}

func (l *LocalStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if err := l.precheck(ctx, objectPath); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(l.fs, filepath.FromSlash(objectPath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(objectPath)
	}
	if err != nil {
		return nil, fmt.Errorf("local storage: read %s: %w", objectPath, err)
	}
	return data, nil
}

func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := l.precheck(ctx, objectPath); err != nil {
		return err
	}
	err := l.fs.Remove(filepath.FromSlash(objectPath))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local storage: delete %s: %w", objectPath, err)
	}
	return nil
}

func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := l.precheck(ctx, objectPath); err != nil {
		return false, err
	}
	info, err := l.fs.Stat(filepath.FromSlash(objectPath))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("local storage: stat %s: %w", objectPath, err)
	}
	return !info.IsDir(), nil
}

// ListObjects walks the deepest directory the prefix names and keeps the
// files whose slash path starts with prefix, matching S3 semantics.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := "."
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		root = path.Clean(prefix[:i])
	}
	if root == ".." || strings.HasPrefix(root, "../") || strings.HasPrefix(root, "/") {
		return nil, fmt.Errorf("%w: prefix %q", ErrInvalidPath, prefix)
	}

	var objects []string
	err := afero.Walk(l.fs, filepath.FromSlash(root), func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel := filepath.ToSlash(filepath.Clean(name))
		if strings.HasPrefix(rel, prefix) {
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local storage: list %q: %w", prefix, err)
	}
	sort.Strings(objects)
	return objects, nil
}

func (l *LocalStorage) precheck(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return checkPath(objectPath)
}
