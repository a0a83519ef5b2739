package fsstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadWriteJSONAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sessions", "default.json")
	type record struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	in := record{ID: "default", Status: "active"}
	if err := WriteJSONAtomic(path, in, FileOptions{}); err != nil {
		t.Fatalf("WriteJSONAtomic() error = %v", err)
	}
	var out record
	ok, err := ReadJSON(path, &out)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if !ok || out != in {
		t.Fatalf("ReadJSON() = %+v, %v, want %+v, true", out, ok, in)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != defaultFilePerm {
		t.Fatalf("file perm = %o, want %o", perm, defaultFilePerm)
	}
}

func TestReadJSONMissingAndCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var out map[string]any
	ok, err := ReadJSON(filepath.Join(dir, "missing.json"), &out)
	if err != nil || ok {
		t.Fatalf("ReadJSON(missing) = %v, %v, want false, nil", ok, err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	_, err = ReadJSON(bad, &out)
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("ReadJSON(bad) error = %v, want ErrDecodeFailed", err)
	}
}

func TestListJSONSkipsDirsAndTemps(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.json", "a.json", ".a.json.tmp.1", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "c.json"), 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	files, err := ListJSON(dir)
	if err != nil {
		t.Fatalf("ListJSON() error = %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	if got := strings.Join(names, ","); got != "a,b" {
		t.Fatalf("ListJSON() names = %q, want a,b", got)
	}

	missing, err := ListJSON(filepath.Join(dir, "nope"))
	if err != nil || len(missing) != 0 {
		t.Fatalf("ListJSON(missing) = %v, %v", missing, err)
	}
}

func TestRemoveReportsExistence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "x.json")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if ok, err := Remove(path); err != nil || !ok {
		t.Fatalf("Remove() = %v, %v, want true, nil", ok, err)
	}
	if ok, err := Remove(path); err != nil || ok {
		t.Fatalf("Remove(again) = %v, %v, want false, nil", ok, err)
	}

	tree := filepath.Join(dir, "creds", "keys")
	if err := EnsureDir(tree, 0); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	if ok, err := RemoveTree(filepath.Join(dir, "creds")); err != nil || !ok {
		t.Fatalf("RemoveTree() = %v, %v, want true, nil", ok, err)
	}
	if ok, err := RemoveTree(filepath.Join(dir, "creds")); err != nil || ok {
		t.Fatalf("RemoveTree(again) = %v, %v, want false, nil", ok, err)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]bool{
		"default":     true,
		"user-628123": true,
		"":            false,
		"..":          false,
		"a/b":         false,
		`a\b`:         false,
	}
	for name, want := range cases {
		if got := SafeName(name); got != want {
			t.Fatalf("SafeName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestJSONLWriterRotates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "commands.jsonl")
	w, err := NewJSONLWriter(path, JSONLOptions{RotateMaxBytes: 16})
	if err != nil {
		t.Fatalf("NewJSONLWriter() error = %v", err)
	}
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	if err := w.Append(map[string]string{"type": "task"}); err != nil {
		t.Fatalf("Append(1) error = %v", err)
	}
	if err := w.Append(map[string]string{"type": "note"}); err != nil {
		t.Fatalf("Append(2) error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Append(map[string]string{"type": "late"}); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("Append(after close) error = %v, want ErrWriterClosed", err)
	}

	rotated, err := os.ReadFile(path + "." + fixed.Format("20060102T150405Z"))
	if err != nil {
		t.Fatalf("ReadFile(rotated) error = %v", err)
	}
	if !strings.Contains(string(rotated), `"task"`) {
		t.Fatalf("rotated content = %q, want task line", rotated)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(current) error = %v", err)
	}
	if !strings.Contains(string(current), `"note"`) {
		t.Fatalf("current content = %q, want note line", current)
	}
}
