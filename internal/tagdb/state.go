// Dictionary-encoded snapshot of the tag database.

package tagdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/rvcalisto/mxiv-sub000/internal/jsonstore"
)

// Reserved top-level keys of the tag file.
const (
	keyFiles   = "files"
	keyTags    = "tags"
	keyControl = "control"
)

// TagID is the interned form of a tag name.
type TagID int

// control holds the ID allocator state.
type control struct {
	NextID    TagID   `json:"nextID" jsonschema:"description=Next never used tag ID"`
	OrphanIDs []TagID `json:"orphanIDs" jsonschema:"description=Free list of tag IDs referenced by no file"`
}

// State maps file paths to tag names.
//
// Underneath, each file stores a list of tag IDs and a single table maps IDs
// to names. A State is materialized for one read or one transaction and then
// discarded; it is not safe for concurrent use.
type State struct {
	files   map[string][]TagID
	tags    map[TagID]string
	control control
	// extra holds unknown top-level keys, preserved verbatim.
	extra *jsonstore.Entries

	// byName is the inverted tags table, built on first Set.
	byName map[string]TagID
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		files: make(map[string][]TagID),
		tags:  make(map[TagID]string),
		extra: jsonstore.NewEntries(),
	}
}

// Load implements [jsonstore.Document].
func (s *State) Load(entries *jsonstore.Entries) error {
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		var err error
		switch pair.Key {
		case keyFiles:
			err = json.Unmarshal(pair.Value, &s.files)
		case keyTags:
			err = json.Unmarshal(pair.Value, &s.tags)
		case keyControl:
			err = json.Unmarshal(pair.Value, &s.control)
		default:
			s.extra.Set(pair.Key, pair.Value)
		}
		if err != nil {
			return fmt.Errorf("invalid %q: %w", pair.Key, err)
		}
	}
	// An explicit null decodes to a nil map.
	if s.files == nil {
		s.files = make(map[string][]TagID)
	}
	if s.tags == nil {
		s.tags = make(map[TagID]string)
	}
	return nil
}

// Entries implements [jsonstore.Document].
func (s *State) Entries() (*jsonstore.Entries, error) {
	ctl := s.control
	if ctl.OrphanIDs == nil {
		ctl.OrphanIDs = []TagID{}
	}
	out := jsonstore.NewEntries()
	for _, kv := range []struct {
		key string
		v   any
	}{{keyFiles, s.files}, {keyTags, s.tags}, {keyControl, ctl}} {
		data, err := json.Marshal(kv.v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %q: %w", kv.key, err)
		}
		out.Set(kv.key, data)
	}
	for pair := s.extra.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	return out, nil
}

// Get returns the tag names of path, or nil if it has none.
func (s *State) Get(path string) []string {
	ids := s.files[path]
	if len(ids) == 0 {
		return nil
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, s.tags[id])
	}
	return names
}

// Set replaces the tags of path. Duplicate names are dropped. An empty list
// removes path.
//
// Names are the caller's responsibility: Set never rejects one.
func (s *State) Set(path string, names []string) {
	s.buildIndex()
	ids := make([]TagID, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		id, ok := s.byName[name]
		if !ok {
			id = s.allocate()
			s.tags[id] = name
			s.byName[name] = id
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		delete(s.files, path)
		return
	}
	s.files[path] = ids
}

// Delete removes path and reports whether it was present. Its tag IDs are
// reclaimed by the next DeleteOrphanedTags.
func (s *State) Delete(path string) bool {
	_, ok := s.files[path]
	delete(s.files, path)
	return ok
}

// Has reports whether path has tags.
func (s *State) Has(path string) bool {
	_, ok := s.files[path]
	return ok
}

// Len returns the number of tagged files.
func (s *State) Len() int {
	return len(s.files)
}

// Keys iterates over tagged paths in lexical order.
func (s *State) Keys() iter.Seq[string] {
	return slices.Values(slices.Sorted(maps.Keys(s.files)))
}

// All iterates over tagged paths in lexical order with their tag names.
func (s *State) All() iter.Seq2[string, []string] {
	return func(yield func(string, []string) bool) {
		for path := range s.Keys() {
			if !yield(path, s.Get(path)) {
				return
			}
		}
	}
}

// UniqueTags returns every live tag name, in no particular order. Names left
// behind by IDs on the free list are not live.
func (s *State) UniqueTags() []string {
	free := s.freeIDs()
	out := make([]string, 0, len(s.tags))
	for id, name := range s.tags {
		if _, ok := free[id]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// DeleteOrphanedTags drops tag names referenced by no file and moves their
// IDs to the free list. It returns the freed IDs.
func (s *State) DeleteOrphanedTags() map[TagID]struct{} {
	used := make(map[TagID]struct{}, len(s.tags))
	for _, ids := range s.files {
		for _, id := range ids {
			used[id] = struct{}{}
		}
	}
	free := s.freeIDs()
	freed := make(map[TagID]struct{})
	for _, id := range slices.Sorted(maps.Keys(s.tags)) {
		if _, ok := used[id]; ok {
			continue
		}
		if _, ok := free[id]; ok {
			// Stale name of an ID that is already free.
			delete(s.tags, id)
			continue
		}
		if s.byName != nil {
			delete(s.byName, s.tags[id])
		}
		delete(s.tags, id)
		s.control.OrphanIDs = append(s.control.OrphanIDs, id)
		freed[id] = struct{}{}
	}
	return freed
}

// Check verifies the encoding invariants. It reports problems and never
// repairs them.
func (s *State) Check() error {
	var errs []error
	orphans := s.freeIDs()
	if len(orphans) != len(s.control.OrphanIDs) {
		errs = append(errs, fmt.Errorf("duplicate IDs in free list %v", s.control.OrphanIDs))
	}
	for _, path := range slices.Sorted(maps.Keys(s.files)) {
		ids := s.files[path]
		if len(ids) == 0 {
			errs = append(errs, fmt.Errorf("%q: empty tag list", path))
		}
		seen := make(map[TagID]struct{}, len(ids))
		for _, id := range ids {
			if _, ok := s.tags[id]; !ok {
				errs = append(errs, fmt.Errorf("%q: dangling tag ID %d", path, id))
			}
			if _, ok := orphans[id]; ok {
				errs = append(errs, fmt.Errorf("%q: references free tag ID %d", path, id))
			}
			if _, dup := seen[id]; dup {
				errs = append(errs, fmt.Errorf("%q: duplicate tag ID %d", path, id))
			}
			seen[id] = struct{}{}
		}
	}
	names := make(map[string]TagID, len(s.tags))
	for _, id := range slices.Sorted(maps.Keys(s.tags)) {
		name := s.tags[id]
		if _, free := orphans[id]; free {
			continue
		}
		if other, dup := names[name]; dup {
			errs = append(errs, fmt.Errorf("tag %q has IDs %d and %d", name, other, id))
		}
		names[name] = id
		if id >= s.control.NextID {
			errs = append(errs, fmt.Errorf("tag ID %d not below nextID %d", id, s.control.NextID))
		}
	}
	return errors.Join(errs...)
}

func (s *State) buildIndex() {
	if s.byName != nil {
		return
	}
	free := s.freeIDs()
	s.byName = make(map[string]TagID, len(s.tags))
	for id, name := range s.tags {
		if _, ok := free[id]; !ok {
			s.byName[name] = id
		}
	}
}

func (s *State) freeIDs() map[TagID]struct{} {
	free := make(map[TagID]struct{}, len(s.control.OrphanIDs))
	for _, id := range s.control.OrphanIDs {
		free[id] = struct{}{}
	}
	return free
}

// allocate returns a free ID, preferring the most recently freed one.
func (s *State) allocate() TagID {
	if n := len(s.control.OrphanIDs); n > 0 {
		id := s.control.OrphanIDs[n-1]
		s.control.OrphanIDs = s.control.OrphanIDs[:n-1]
		// A stale name left on a free ID is never indexed; the caller
		// overwrites it.
		return id
	}
	id := s.control.NextID
	s.control.NextID++
	return id
}
