package tagdb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"testing"
	"time"

	"github.com/rvcalisto/mxiv-sub000/internal/jsonstore"
)

// setupStorage creates a Storage in the test's temp directory.
func setupStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tags.json")
	return Open(path, Options{}), path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// hookFile runs afterRead once, after the next read of the file.
type hookFile struct {
	*jsonstore.File
	afterRead func()
	readErr   error
}

func (f *hookFile) ReadAll() ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, err := f.File.ReadAll()
	if fn := f.afterRead; fn != nil {
		f.afterRead = nil
		fn()
	}
	return data, err
}

// captureLogs redirects the default logger to a buffer for the rest of the
// test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := slog.Default()
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// findLog returns the first record with message msg.
func findLog(t *testing.T, buf *bytes.Buffer, msg string) map[string]any {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatal(err)
		}
		if rec["msg"] == msg {
			return rec
		}
	}
	return nil
}

func mustTags(t *testing.T, s *Storage, path string) []string {
	t.Helper()
	tags, err := s.GetTags(path)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(tags)
	return tags
}

func TestStorage(t *testing.T) {
	t.Run("add then remove", func(t *testing.T) {
		s, path := setupStorage(t)
		steps := []struct {
			name    string
			do      func() (bool, error)
			want    []string
			wantRaw string
		}{
			{
				"tag x y",
				func() (bool, error) { return s.TagFile("/p/a.jpg", "x", "y") },
				[]string{"x", "y"},
				`{"files":{"/p/a.jpg":[0,1]},"tags":{"0":"x","1":"y"},"control":{"nextID":2,"orphanIDs":[]}}` + "\n",
			},
			{
				"untag x",
				func() (bool, error) { return s.UntagFile("/p/a.jpg", "x") },
				[]string{"y"},
				`{"files":{"/p/a.jpg":[1]},"tags":{"1":"y"},"control":{"nextID":2,"orphanIDs":[0]}}` + "\n",
			},
			{
				"untag y",
				func() (bool, error) { return s.UntagFile("/p/a.jpg", "y") },
				nil,
				`{"files":{},"tags":{},"control":{"nextID":2,"orphanIDs":[0,1]}}` + "\n",
			},
		}
		for _, step := range steps {
			ok, err := step.do()
			if err != nil || !ok {
				t.Fatalf("%s: = %v, %v, want true, nil", step.name, ok, err)
			}
			if got := mustTags(t, s, "/p/a.jpg"); !slices.Equal(got, step.want) {
				t.Errorf("%s: GetTags() = %q, want %q", step.name, got, step.want)
			}
			if got := readFile(t, path); got != step.wantRaw {
				t.Errorf("%s: file =\n%s\nwant\n%s", step.name, got, step.wantRaw)
			}
		}
	})

	t.Run("no-op rollback", func(t *testing.T) {
		s, path := setupStorage(t)
		if ok, err := s.TagFile("a.jpg", "cat"); !ok || err != nil {
			t.Fatalf("TagFile() = %v, %v", ok, err)
		}
		past := time.Now().Add(-time.Hour).Truncate(time.Second)
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatal(err)
		}

		tests := []struct {
			name string
			do   func() (bool, error)
		}{
			{"tag present", func() (bool, error) { return s.TagFile("a.jpg", "cat") }},
			{"tag nothing", func() (bool, error) { return s.TagFile("a.jpg") }},
			{"untag absent", func() (bool, error) { return s.UntagFile("a.jpg", "dog") }},
			{"untag unknown file", func() (bool, error) { return s.UntagFile("b.jpg", "cat") }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ok, err := tt.do()
				if ok || err != nil {
					t.Errorf("= %v, %v, want false, nil", ok, err)
				}
				fi, err := os.Stat(path)
				if err != nil {
					t.Fatal(err)
				}
				if !fi.ModTime().Equal(past) {
					t.Errorf("mtime changed to %v", fi.ModTime())
				}
			})
		}
	})

	t.Run("UniqueTags", func(t *testing.T) {
		s, _ := setupStorage(t)
		if tags, err := s.UniqueTags(); err != nil || len(tags) != 0 {
			t.Fatalf("UniqueTags() on new store = %q, %v", tags, err)
		}
		for _, c := range []struct {
			path string
			tags []string
		}{
			{"/a", []string{"zebra", "cat"}},
			{"/b", []string{"cat", "ant"}},
		} {
			if _, err := s.TagFile(c.path, c.tags...); err != nil {
				t.Fatal(err)
			}
		}
		tags, err := s.UniqueTags()
		if err != nil {
			t.Fatal(err)
		}
		if want := []string{"ant", "cat", "zebra"}; !slices.Equal(tags, want) {
			t.Errorf("UniqueTags() = %q, want %q", tags, want)
		}
		info, err := s.Info()
		if err != nil {
			t.Fatal(err)
		}
		if info != (Info{Files: 2, Tags: 3}) {
			t.Errorf("Info() = %+v", info)
		}
	})

	t.Run("ListOrphans", func(t *testing.T) {
		s, _ := setupStorage(t)
		media := t.TempDir()
		kept := filepath.Join(media, "kept.jpg")
		gone := filepath.Join(media, "gone.jpg")
		for _, p := range []string{kept, gone} {
			if err := os.WriteFile(p, nil, 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := s.TagFile(p, "x"); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.Remove(gone); err != nil {
			t.Fatal(err)
		}

		orphans, err := s.ListOrphans(t.Context(), false)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(orphans, []string{gone}) {
			t.Fatalf("ListOrphans(false) = %q, want [%s]", orphans, gone)
		}
		if got := mustTags(t, s, gone); !slices.Equal(got, []string{"x"}) {
			t.Errorf("ListOrphans(false) removed the entry")
		}

		orphans, err = s.ListOrphans(t.Context(), true)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(orphans, []string{gone}) {
			t.Fatalf("ListOrphans(true) = %q, want [%s]", orphans, gone)
		}
		if got := mustTags(t, s, gone); len(got) != 0 {
			t.Errorf("GetTags(gone) = %q, want empty", got)
		}
		if got := mustTags(t, s, kept); !slices.Equal(got, []string{"x"}) {
			t.Errorf("GetTags(kept) = %q, want [x]", got)
		}
		if orphans, err := s.ListOrphans(t.Context(), true); err != nil || len(orphans) != 0 {
			t.Errorf("ListOrphans() after delete = %q, %v", orphans, err)
		}
	})

	t.Run("ListOrphans counts removed entries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tags.json")
		f := &hookFile{File: jsonstore.NewFile(path)}
		s := New(f, Options{})
		media := t.TempDir()
		gone1 := filepath.Join(media, "gone1.jpg")
		gone2 := filepath.Join(media, "gone2.jpg")
		for _, p := range []string{gone1, gone2} {
			if _, err := s.TagFile(p, "x"); err != nil {
				t.Fatal(err)
			}
		}
		// Another process removes gone1 between the scan and the write.
		f.afterRead = func() {
			if _, err := Open(path, Options{}).UntagFile(gone1, "x"); err != nil {
				t.Error(err)
			}
			future := time.Now().Add(time.Hour)
			if err := os.Chtimes(path, future, future); err != nil {
				t.Error(err)
			}
		}
		s.store.Invalidate()
		logs := captureLogs(t)
		orphans, err := s.ListOrphans(t.Context(), true)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(orphans, []string{gone1, gone2}) {
			t.Errorf("ListOrphans() = %q, want [%s %s]", orphans, gone1, gone2)
		}
		rec := findLog(t, logs, "tagdb: removed orphaned entries")
		if rec == nil {
			t.Fatalf("no removal logged:\n%s", logs)
		}
		if got := rec["count"]; got != float64(1) {
			t.Errorf("logged count = %v, want 1", got)
		}

		// Nothing left to remove: nothing is written or logged.
		logs.Reset()
		if _, err := s.ListOrphans(t.Context(), true); err != nil {
			t.Fatal(err)
		}
		if rec := findLog(t, logs, "tagdb: removed orphaned entries"); rec != nil {
			t.Errorf("logged %v with nothing removed", rec)
		}
	})

	t.Run("stale name on free ID", func(t *testing.T) {
		s, path := setupStorage(t)
		in := `{"files":{"/a":[1]},"tags":{"0":"x","1":"keep"},"control":{"nextID":2,"orphanIDs":[0]}}`
		if err := os.WriteFile(path, []byte(in), 0o644); err != nil {
			t.Fatal(err)
		}
		info, err := s.Info()
		if err != nil {
			t.Fatal(err)
		}
		if info != (Info{Files: 1, Tags: 1}) {
			t.Errorf("Info() = %+v, want 1 file and 1 tag", info)
		}
		if tags, err := s.UniqueTags(); err != nil || !slices.Equal(tags, []string{"keep"}) {
			t.Errorf("UniqueTags() = %q, %v, want [keep]", tags, err)
		}
		if _, err := s.TagFile("/b", "x"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TagFile("/c", "y"); err != nil {
			t.Fatal(err)
		}
		for p, want := range map[string][]string{"/a": {"keep"}, "/b": {"x"}, "/c": {"y"}} {
			if got := mustTags(t, s, p); !slices.Equal(got, want) {
				t.Errorf("GetTags(%s) = %q, want %q", p, got, want)
			}
		}
		st, err := s.store.GetState(false)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Check(); err != nil {
			t.Error(err)
		}
	})

	t.Run("read failure", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tags.json")
		in := `{"files":{"/a":[0]},"tags":{"0":"x"},"control":{"nextID":1,"orphanIDs":[]}}`
		if err := os.WriteFile(path, []byte(in), 0o644); err != nil {
			t.Fatal(err)
		}
		s := New(&hookFile{File: jsonstore.NewFile(path), readErr: syscall.EIO}, Options{})
		if _, err := s.TagFile("/b", "y"); !errors.Is(err, syscall.EIO) {
			t.Errorf("TagFile() error = %v, want EIO", err)
		}
		if _, err := s.GetTags("/a"); !errors.Is(err, syscall.EIO) {
			t.Errorf("GetTags() error = %v, want EIO", err)
		}
		if got := readFile(t, path); got != in {
			t.Errorf("unreadable file was replaced with %q", got)
		}
	})

	t.Run("concurrent writers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tags.json")
		if err := os.WriteFile(path, []byte(`{"files":{},"tags":{},"control":{"nextID":0,"orphanIDs":[]}}`), 0o644); err != nil {
			t.Fatal(err)
		}
		// Two Storage values stand in for two windows sharing the file.
		first := Open(path, Options{})
		second := Open(path, Options{})
		snap1, err := first.store.GetState(false)
		if err != nil {
			t.Fatal(err)
		}
		snap2, err := second.store.GetState(false)
		if err != nil {
			t.Fatal(err)
		}
		snap1.Set("A", []string{"x"})
		if err := first.store.SetState(snap1); err != nil {
			t.Fatal(err)
		}
		snap2.Set("B", []string{"y"})
		if err := second.store.SetState(snap2); err != nil {
			t.Fatal(err)
		}

		final := Open(path, Options{})
		if got := mustTags(t, final, "B"); !slices.Equal(got, []string{"y"}) {
			t.Errorf("GetTags(B) = %q, want [y]", got)
		}
		// Last writer wins: the first write is lost, not merged.
		if got := mustTags(t, final, "A"); len(got) != 0 {
			t.Errorf("GetTags(A) = %q, want lost", got)
		}
	})

	t.Run("sees other process", func(t *testing.T) {
		s1, path := setupStorage(t)
		s2 := Open(path, Options{})
		if _, err := s1.TagFile("/a", "x"); err != nil {
			t.Fatal(err)
		}
		if _, err := s2.TagFile("/b", "y"); err != nil {
			t.Fatal(err)
		}
		// Force a distinct mtime so s1 notices regardless of timestamp
		// granularity.
		future := time.Now().Add(time.Hour)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatal(err)
		}
		if got := mustTags(t, s1, "/b"); !slices.Equal(got, []string{"y"}) {
			t.Errorf("GetTags(/b) from first store = %q, want [y]", got)
		}
		if got := mustTags(t, s1, "/a"); !slices.Equal(got, []string{"x"}) {
			t.Errorf("GetTags(/a) = %q, want [x]", got)
		}
	})

	t.Run("preserves unknown keys", func(t *testing.T) {
		s, path := setupStorage(t)
		in := `{"version":3,"files":{},"tags":{},"control":{"nextID":0,"orphanIDs":[]}}`
		if err := os.WriteFile(path, []byte(in), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TagFile("/a", "x"); err != nil {
			t.Fatal(err)
		}
		var got map[string]json.RawMessage
		if err := json.Unmarshal([]byte(readFile(t, path)), &got); err != nil {
			t.Fatal(err)
		}
		if string(got["version"]) != "3" {
			t.Errorf("version = %s, want 3", got["version"])
		}
	})

	t.Run("corrupt file", func(t *testing.T) {
		s, path := setupStorage(t)
		if err := os.WriteFile(path, []byte(`{"files":`), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := s.TagFile("/a", "x"); !errors.Is(err, jsonstore.ErrCorrupt) {
			t.Errorf("TagFile() error = %v, want ErrCorrupt", err)
		}
		if _, err := s.GetTags("/a"); !errors.Is(err, jsonstore.ErrCorrupt) {
			t.Errorf("GetTags() error = %v, want ErrCorrupt", err)
		}
		if got := readFile(t, path); got != `{"files":` {
			t.Errorf("corrupt file was overwritten: %q", got)
		}
	})

	t.Run("invariants hold", func(t *testing.T) {
		s, _ := setupStorage(t)
		ops := []struct {
			tag  bool
			path string
			tags []string
		}{
			{true, "/a", []string{"x", "y", "z"}},
			{true, "/b", []string{"y"}},
			{false, "/a", []string{"y", "z"}},
			{true, "/c", []string{"w", "v"}},
			{false, "/b", []string{"y"}},
			{true, "/b", []string{"u", "x"}},
			{false, "/a", []string{"x"}},
		}
		for _, op := range ops {
			var err error
			if op.tag {
				_, err = s.TagFile(op.path, op.tags...)
			} else {
				_, err = s.UntagFile(op.path, op.tags...)
			}
			if err != nil {
				t.Fatal(err)
			}
			st, err := s.store.GetState(false)
			if err != nil {
				t.Fatal(err)
			}
			if err := st.Check(); err != nil {
				t.Fatalf("after %+v: %v", op, err)
			}
		}
		st, err := s.store.GetState(false)
		if err != nil {
			t.Fatal(err)
		}
		// w and u reuse the IDs freed by z and y instead of growing nextID.
		if st.control.NextID != 4 {
			t.Errorf("nextID = %d, want 4", st.control.NextID)
		}
	})
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var s struct {
		Title      string                     `json:"title"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"files", "tags", "control"} {
		if _, ok := s.Properties[k]; !ok {
			t.Errorf("schema lacks %q", k)
		}
	}
}
