// Package library keeps the catalog of folders and archives the user added to
// the library.
package library

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rvcalisto/mxiv-sub000/internal/fsutil"
	"github.com/rvcalisto/mxiv-sub000/internal/jsonstore"
)

// Kind is the type of a catalog entry.
type Kind string

const (
	// KindFolder is a directory of media files.
	KindFolder Kind = "folder"
	// KindArchive is a compressed archive of media files.
	KindArchive Kind = "archive"
)

var errInvalidKind = errors.New("kind must be folder or archive")

// Entry is one catalog item, keyed by its absolute path.
type Entry struct {
	Name  string    `json:"name"`
	Kind  Kind      `json:"kind"`
	Added time.Time `json:"added"`
	// Cover is the path of the thumbnail, if one was generated.
	Cover string `json:"cover,omitempty"`
}

// Validate checks that the entry is well-formed.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return errors.New("name is required")
	}
	if e.Kind != KindFolder && e.Kind != KindArchive {
		return errInvalidKind
	}
	return nil
}

// Item is an Entry with its path.
type Item struct {
	Path string
	Entry
}

// Catalog is the library catalog, backed by a JSON file.
type Catalog struct {
	store     *jsonstore.Store[*jsonstore.Map]
	scanLimit int
}

// Open returns a Catalog over the file at path. scanLimit bounds concurrent
// stat calls in ListOrphans.
func Open(path string, scanLimit int) *Catalog {
	return &Catalog{
		store:     jsonstore.Open(path, jsonstore.NewMap),
		scanLimit: scanLimit,
	}
}

// Path returns the catalog file path.
func (c *Catalog) Path() string {
	return c.store.Name()
}

// Add inserts or updates the entry for path. It reports false when an
// identical entry already exists. A zero Added time is set to now; updating
// an entry keeps its original Added time.
func (c *Catalog) Add(path string, e Entry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, fmt.Errorf("invalid entry for %s: %w", path, err)
	}
	return c.store.Write(func(m *jsonstore.Map) error {
		prev, ok, err := jsonstore.Value[Entry](m, path)
		if err != nil {
			return err
		}
		if ok {
			e.Added = prev.Added
			if e == prev {
				return jsonstore.ErrRollback
			}
		}
		if e.Added.IsZero() {
			e.Added = time.Now().UTC().Truncate(time.Second)
		}
		return m.SetValue(path, e)
	})
}

// Remove deletes the entries for paths and returns how many existed.
func (c *Catalog) Remove(paths ...string) (int, error) {
	removed := 0
	_, err := c.store.Write(func(m *jsonstore.Map) error {
		removed = 0
		for _, p := range paths {
			if m.Delete(p) {
				removed++
			}
		}
		if removed == 0 {
			return jsonstore.ErrRollback
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Get returns the entry for path.
func (c *Catalog) Get(path string) (Entry, bool, error) {
	m, err := c.store.GetState(true)
	if err != nil {
		return Entry{}, false, err
	}
	return jsonstore.Value[Entry](m, path)
}

// List returns every entry, sorted by name then path.
func (c *Catalog) List() ([]Item, error) {
	m, err := c.store.GetState(true)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, m.Len())
	for path := range m.Keys() {
		e, _, err := jsonstore.Value[Entry](m, path)
		if err != nil {
			return nil, err
		}
		items = append(items, Item{Path: path, Entry: e})
	}
	slices.SortFunc(items, func(a, b Item) int {
		return cmp.Or(cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), cmp.Compare(a.Path, b.Path))
	})
	return items, nil
}

// ListOrphans returns the catalog paths that no longer exist, sorted. If
// deleteOrphans is set, their entries are removed.
func (c *Catalog) ListOrphans(ctx context.Context, deleteOrphans bool) ([]string, error) {
	m, err := c.store.GetState(true)
	if err != nil {
		return nil, err
	}
	missing, err := fsutil.Missing(ctx, slices.Collect(m.Keys()), c.scanLimit)
	if err != nil {
		return nil, err
	}
	if deleteOrphans && len(missing) > 0 {
		if _, err := c.Remove(missing...); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

// OnChange calls callback whenever another process changes the catalog
// file, until ctx is done.
func (c *Catalog) OnChange(ctx context.Context, callback func()) error {
	return c.store.Watch(ctx, callback)
}
