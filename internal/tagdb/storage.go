// Package tagdb stores tag names per file path in a dictionary-encoded JSON
// file shared by every process of the application.
package tagdb

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rvcalisto/mxiv-sub000/internal/fsutil"
	"github.com/rvcalisto/mxiv-sub000/internal/jsonstore"
)

// Options configures a Storage.
type Options struct {
	// ScanLimit bounds concurrent stat calls in ListOrphans. 0 means
	// GOMAXPROCS.
	ScanLimit int
}

// Storage is the tag database: a set of tag names per file path.
//
// Paths are used verbatim; callers pass absolute, normalized paths.
type Storage struct {
	store *jsonstore.Store[*State]
	opts  Options
}

// Info summarizes the tag database.
type Info struct {
	Files int
	Tags  int
}

// LogValue implements slog.LogValuer.
func (i Info) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("files", i.Files), slog.Int("tags", i.Tags))
}

// Open returns a Storage over the tag file at path. The file is created on
// the first write; its directory must exist.
func Open(path string, opts Options) *Storage {
	return New(jsonstore.NewFile(path), opts)
}

// New returns a Storage over backend.
//
// Orphaned tag IDs are reclaimed before every write so the tag table never
// outgrows the set of names in use.
func New(backend jsonstore.Backend, opts Options) *Storage {
	return &Storage{
		store: jsonstore.New(backend, NewState, jsonstore.BeforeSave(sweep)),
		opts:  opts,
	}
}

func sweep(st *State) {
	if freed := st.DeleteOrphanedTags(); len(freed) > 0 {
		slog.Debug("tagdb: freed orphaned tag IDs", "count", len(freed))
	}
}

// Path returns the tag file path.
func (s *Storage) Path() string {
	return s.store.Name()
}

// TagFile adds tags to path. It reports false when every tag was already
// present, in which case nothing is written.
func (s *Storage) TagFile(path string, tags ...string) (bool, error) {
	return s.store.Write(func(st *State) error {
		current := st.Get(path)
		merged := union(current, tags)
		if len(merged) == len(current) {
			return jsonstore.ErrRollback
		}
		st.Set(path, merged)
		return nil
	})
}

// UntagFile removes tags from path. It reports false when none of the tags
// were present, in which case nothing is written.
func (s *Storage) UntagFile(path string, tags ...string) (bool, error) {
	return s.store.Write(func(st *State) error {
		current := st.Get(path)
		remaining := difference(current, tags)
		if len(remaining) == len(current) {
			return jsonstore.ErrRollback
		}
		st.Set(path, remaining)
		return nil
	})
}

// GetTags returns the tags of path, or nil if it has none.
func (s *Storage) GetTags(path string) ([]string, error) {
	st, err := s.store.GetState(true)
	if err != nil {
		return nil, err
	}
	return st.Get(path), nil
}

// UniqueTags returns every tag name in use, sorted.
func (s *Storage) UniqueTags() ([]string, error) {
	st, err := s.store.GetState(true)
	if err != nil {
		return nil, err
	}
	tags := st.UniqueTags()
	slices.Sort(tags)
	return tags, nil
}

// ListOrphans returns the tagged paths that no longer exist on disk, sorted.
// If deleteOrphans is set, their entries are removed.
func (s *Storage) ListOrphans(ctx context.Context, deleteOrphans bool) ([]string, error) {
	st, err := s.store.GetState(true)
	if err != nil {
		return nil, err
	}
	missing, err := fsutil.Missing(ctx, slices.Collect(st.Keys()), s.opts.ScanLimit)
	if err != nil {
		return nil, err
	}
	if !deleteOrphans || len(missing) == 0 {
		return missing, nil
	}
	deleted := 0
	changed, err := s.store.Write(func(st *State) error {
		deleted = 0
		for _, path := range missing {
			if st.Delete(path) {
				deleted++
			}
		}
		if deleted == 0 {
			return jsonstore.ErrRollback
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		slog.InfoContext(ctx, "tagdb: removed orphaned entries", "count", deleted)
	}
	return missing, nil
}

// Info returns file and tag counts for diagnostics.
func (s *Storage) Info() (Info, error) {
	st, err := s.store.GetState(true)
	if err != nil {
		return Info{}, err
	}
	return Info{Files: st.Len(), Tags: len(st.UniqueTags())}, nil
}

// OnChange calls callback whenever another process changes the tag file,
// until ctx is done.
func (s *Storage) OnChange(ctx context.Context, callback func()) error {
	return s.store.Watch(ctx, callback)
}

// union returns a followed by the elements of b not in a, without duplicates.
func union(a, b []string) []string {
	out := slices.Clone(a)
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// difference returns the elements of a not in b.
func difference(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, v := range b {
		drop[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := drop[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
