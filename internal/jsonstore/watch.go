// Change notifications on the backing file.

package jsonstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls callback whenever another writer changes the backing file,
// until ctx is done.
//
// The parent directory is watched rather than the file itself so the watch
// survives the file being created after Watch is called. Every change event
// marks the cache stale; callback runs on every second one, see [parity].
func (s *Store[D]) Watch(ctx context.Context, callback func()) error {
	name := filepath.Clean(s.backend.Name())
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(name)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %s: %w", name, err)
	}
	go func() {
		defer func() { _ = w.Close() }()
		var p parity
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !isChange(event, name) {
					continue
				}
				s.Invalidate()
				if !p.next() {
					continue
				}
				slog.DebugContext(ctx, "jsonstore: file changed", "path", name, "op", event.Op.String())
				callback()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "jsonstore: error watching file", "path", name, "err", err)
			}
		}
	}()
	return nil
}

func isChange(event fsnotify.Event, name string) bool {
	if filepath.Clean(event.Name) != name {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

// parity passes every second event through.
//
// Platform workaround: the OS usually reports one logical whole-file write as
// two events (truncate then write, or create then write). Forwarding both
// would make consumers process each change twice.
//
// The kernel also merges identical events that are still queued, so a write
// can arrive as a single event and shift the parity: the callback for that
// write is then delivered with the next one. The cache itself is invalidated
// on every event and never lags.
type parity struct {
	n int
}

func (p *parity) next() bool {
	p.n++
	return p.n%2 == 0
}
