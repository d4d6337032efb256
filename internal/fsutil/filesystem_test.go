package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_CreateAppendRead(t *testing.T) {
	osfs := OSFileSystem{}
	dir := filepath.Join(t.TempDir(), "out", "nested")
	if err := osfs.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	name := filepath.Join(dir, "data.json")

	writeAll(t, osfs.Create, name, "first\n")
	writeAll(t, osfs.Append, name, "second\n")

	data, err := osfs.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("got %q", data)
	}

	// Create truncates.
	writeAll(t, osfs.Create, name, "third\n")
	r, err := osfs.Open(name)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	data, _ = io.ReadAll(r)
	if string(data) != "third\n" {
		t.Errorf("after truncate got %q", data)
	}
}

func TestMemoryFileSystem_CreateAppendRead(t *testing.T) {
	mfs := NewMemoryFileSystem()
	writeAll(t, mfs.Create, "/out/data.json", "first\n")
	writeAll(t, mfs.Append, "/out/data.json", "second\n")

	data, err := mfs.ReadFile("/out/data.json")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "first\nsecond\n" {
		t.Errorf("got %q", data)
	}

	writeAll(t, mfs.Create, "/out/../out/data.json", "third\n")
	r, err := mfs.Open("/out/data.json")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, _ = io.ReadAll(r)
	if string(data) != "third\n" {
		t.Errorf("after truncate got %q", data)
	}
}

func TestMemoryFileSystem_WritesVisibleBeforeClose(t *testing.T) {
	mfs := NewMemoryFileSystem()
	w, err := mfs.Create("raw.bin")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, _ := mfs.ReadFile("raw.bin")
	if len(data) != 3 {
		t.Errorf("got %d bytes before close, want 3", len(data))
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := w.Write([]byte{4}); !errors.Is(err, fs.ErrClosed) {
		t.Errorf("Write after Close err = %v, want fs.ErrClosed", err)
	}
}

func TestMemoryFileSystem_NotExist(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if _, err := mfs.Open("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open err = %v, want fs.ErrNotExist", err)
	}
	if _, err := mfs.ReadFile("missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile err = %v, want fs.ErrNotExist", err)
	}
}

func TestMemoryFileSystem_MkdirAll(t *testing.T) {
	mfs := NewMemoryFileSystem()
	if err := mfs.MkdirAll("/a/b/c", 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		if !mfs.IsDir(p) {
			t.Errorf("expected %s to be a directory", p)
		}
	}
}

func writeAll(t *testing.T, open func(string) (io.WriteCloser, error), name, data string) {
	t.Helper()
	w, err := open(name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", name, err)
	}
}
