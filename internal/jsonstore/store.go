package jsonstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrRollback is returned by a transaction to abort without persisting.
	// It is not reported as an error by [Store.Write].
	ErrRollback = errors.New("rollback")

	// ErrCorrupt is wrapped by errors caused by undecodable file content.
	ErrCorrupt = errors.New("corrupt store file")
)

// Entries holds the top-level key/value pairs of a document in file order.
type Entries = orderedmap.OrderedMap[string, json.RawMessage]

// NewEntries returns an empty Entries.
func NewEntries() *Entries {
	return orderedmap.New[string, json.RawMessage]()
}

// Document is the in-memory form of a store file.
type Document interface {
	// Load populates the document from the decoded top-level entries. It is
	// called once, on a freshly constructed document.
	Load(entries *Entries) error
	// Entries returns the top-level entries to persist.
	Entries() (*Entries, error)
}

// Option configures a Store.
type Option[D Document] func(*Store[D])

// BeforeSave registers fn to run on every document right before it is
// serialized by [Store.SetState].
func BeforeSave[D Document](fn func(D)) Option[D] {
	return func(s *Store[D]) {
		s.beforeSave = append(s.beforeSave, fn)
	}
}

// Store is a snapshot store over a single JSON document.
type Store[D Document] struct {
	backend    Backend
	newDoc     func() D
	beforeSave []func(D)

	// txMu serializes Write transactions. It is never held by GetState so a
	// transaction can read the store again.
	txMu sync.Mutex

	mu      sync.Mutex
	loaded  bool
	modTime time.Time
	// cached is the last decoded file content; nil until the file was read
	// or written once. Snapshots are built from copies of it.
	cached *Entries
}

// New returns a Store over backend. newDoc returns an empty document.
func New[D Document](backend Backend, newDoc func() D, opts ...Option[D]) *Store[D] {
	s := &Store[D]{
		backend: backend,
		newDoc:  newDoc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open returns a Store over the file at path.
func Open[D Document](path string, newDoc func() D, opts ...Option[D]) *Store[D] {
	return New(NewFile(path), newDoc, opts...)
}

// Name returns the backing file name.
func (s *Store[D]) Name() string {
	return s.backend.Name()
}

// LastModified returns the backing file's modification time, or false if the
// file is inaccessible. A missing file is a valid, never written, state.
func (s *Store[D]) LastModified() (time.Time, bool) {
	return s.backend.ModTime()
}

// GetState returns a fresh snapshot of the document.
//
// The file is read again only when its mtime differs from the cached one. If
// the file does not exist and suppressErrors is set, the last cached snapshot
// is returned instead, or an empty document when nothing was ever read. Any
// other failure is always reported; an unreadable or undecodable file is
// never treated as empty.
func (s *Store[D]) GetState(suppressErrors bool) (D, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		if !suppressErrors || !errors.Is(err, fs.ErrNotExist) {
			var zero D
			return zero, err
		}
		slog.Debug("jsonstore: file missing, using cached snapshot", "path", s.backend.Name(), "err", err)
	}
	return s.materialize()
}

// SetState serializes doc and replaces the file with it.
//
// On success the cache is updated to the written text and the resulting mtime
// so the next GetState in this process does not read the file again.
func (s *Store[D]) SetState(doc D) error {
	for _, fn := range s.beforeSave {
		fn(doc)
	}
	entries, err := doc.Entries()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.backend.Name(), err)
	}
	data, err := encodeEntries(entries)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", s.backend.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.WriteAll(data); err != nil {
		return err
	}
	modTime, ok := s.backend.ModTime()
	// doc stays with the caller; keep a private copy.
	s.cached = cloneEntries(entries)
	s.modTime = modTime
	s.loaded = ok
	return nil
}

// Write runs tx against a fresh snapshot and persists it if tx succeeds.
//
// It reports true when the document was written. A transaction returning
// [ErrRollback] aborts with (false, nil); any other error aborts with
// (false, err). Write is the only supported way to modify the document.
func (s *Store[D]) Write(tx func(D) error) (bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	doc, err := s.GetState(true)
	if err != nil {
		return false, err
	}
	if err := tx(doc); err != nil {
		if errors.Is(err, ErrRollback) {
			return false, nil
		}
		return false, err
	}
	if err := s.SetState(doc); err != nil {
		return false, err
	}
	return true, nil
}

// Invalidate marks the cache stale so the next GetState reads the file.
func (s *Store[D]) Invalidate() {
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
}

func (s *Store[D]) refreshLocked() error {
	modTime, ok := s.backend.ModTime()
	if s.loaded && ok && modTime.Equal(s.modTime) {
		return nil
	}
	data, err := s.backend.ReadAll()
	if err != nil {
		return err
	}
	entries, err := decodeEntries(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.backend.Name(), err)
	}
	// The mtime is sampled before reading: a write landing in between leaves
	// the cache older than the file, which forces another read next time.
	s.cached = entries
	s.modTime = modTime
	s.loaded = ok
	return nil
}

func (s *Store[D]) materialize() (D, error) {
	doc := s.newDoc()
	if err := doc.Load(cloneEntries(s.cached)); err != nil {
		var zero D
		return zero, fmt.Errorf("%s: %w: %w", s.backend.Name(), ErrCorrupt, err)
	}
	return doc, nil
}

// cloneEntries returns a copy of entries that can be modified independently.
// Values are shared: documents replace values, they never edit them in place.
func cloneEntries(entries *Entries) *Entries {
	out := NewEntries()
	if entries == nil {
		return out
	}
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	return out
}

func decodeEntries(data []byte) (*Entries, error) {
	// The ordered map decoder is lenient about what follows the object.
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrCorrupt)
	}
	entries := NewEntries()
	if err := entries.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return entries, nil
}

func encodeEntries(entries *Entries) ([]byte, error) {
	data, err := entries.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
