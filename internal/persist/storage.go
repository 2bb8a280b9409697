package persist

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// File is one open destination.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Storage creates destinations by name. sizeHint lets backends reserve
// space before the payload arrives. Remove deletes a destination left
// incomplete by a failed write; a missing name is not an error.
type Storage interface {
	Open(name string, sizeHint int) (File, error)
	Remove(name string) error
}

// DirOptions tunes DirStorage.
type DirOptions struct {
	// DropCache advises the kernel to evict written pages on close so large
	// frames do not crowd out the process working set.
	DropCache bool
	// SyncFilesystem issues sync(2) after every close.
	SyncFilesystem bool
}

// DirStorage writes one file per name inside a directory.
type DirStorage struct {
	dir  string
	opts DirOptions
}

// NewDirStorage creates dir if needed and verifies it is writable.
func NewDirStorage(dir string, opts DirOptions) (*DirStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("persist: output directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("persist: %s not writable: %w", dir, err)
	}
	name := tmp.Name()
	tmp.Close()
	os.Remove(name)

	return &DirStorage{dir: dir, opts: opts}, nil
}

// Dir returns the output directory.
func (s *DirStorage) Dir() string { return s.dir }

// Path returns the full path for name.
func (s *DirStorage) Path(name string) string { return filepath.Join(s.dir, name) }

// Open truncates or creates name and preallocates sizeHint bytes where the
// filesystem supports it.
func (s *DirStorage) Open(name string, sizeHint int) (File, error) {
	f, err := os.OpenFile(s.Path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if sizeHint > 0 {
		if err := preallocate(f, int64(sizeHint)); err != nil {
			f.Close()
			return nil, fmt.Errorf("preallocate %d bytes: %w", sizeHint, err)
		}
	}
	return &dirFile{File: f, opts: s.opts}, nil
}

// Remove deletes name.
func (s *DirStorage) Remove(name string) error {
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type dirFile struct {
	*os.File
	opts DirOptions
}

func (f *dirFile) Close() error {
	if f.opts.DropCache {
		_ = dropCache(f.File) // advisory
	}
	err := f.File.Close()
	if f.opts.SyncFilesystem {
		syncFilesystem()
	}
	return err
}
