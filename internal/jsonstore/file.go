// Durable file backend: stat, read and whole-document write of one JSON file.

package jsonstore

import (
	"fmt"
	"os"
	"time"
)

// Backend is the byte-level storage under a Store.
type Backend interface {
	// Name identifies the backing file, for logs and watches.
	Name() string
	// ModTime returns the last modification time, or false if the file is
	// inaccessible.
	ModTime() (time.Time, bool)
	// ReadAll returns the whole document.
	ReadAll() ([]byte, error)
	// WriteAll replaces the whole document.
	WriteAll(data []byte) error
}

// File is a Backend over a single file on the local filesystem.
//
// The parent directory must already exist; File never creates it.
type File struct {
	path string
}

// NewFile returns a File for path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Name implements [Backend].
func (f *File) Name() string {
	return f.path
}

// ModTime implements [Backend].
func (f *File) ModTime() (time.Time, bool) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// ReadAll implements [Backend].
func (f *File) ReadAll() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return data, nil
}

// WriteAll implements [Backend].
//
// The file is overwritten in place with a single write so that watchers on
// the file keep observing it.
func (f *File) WriteAll(data []byte) error {
	if err := os.WriteFile(f.path, data, 0o644); err != nil { //nolint:gosec // G306: shared with other local processes of the same user
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	return nil
}
