package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.txt")

	if err := WriteFileAtomic(target, []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(target, []byte("second"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("content mismatch: got %q", got)
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestWriteJSONAtomicIsStable(t *testing.T) {
	dir := t.TempDir()
	value := map[string]any{"b": 2, "a": []string{"x", "y"}}

	first, err := WriteJSONAtomic(filepath.Join(dir, "one.json"), value)
	if err != nil {
		t.Fatal(err)
	}
	second, err := WriteJSONAtomic(filepath.Join(dir, "two.json"), value)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("hash mismatch: %s vs %s", first, second)
	}
	onDisk, err := FileSHA256(filepath.Join(dir, "one.json"))
	if err != nil {
		t.Fatal(err)
	}
	if onDisk != first {
		t.Fatalf("file hash %s does not match returned %s", onDisk, first)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "one.json"))
	if !strings.HasSuffix(string(data), "}\n") || strings.Index(string(data), `"a"`) > strings.Index(string(data), `"b"`) {
		t.Fatalf("unexpected encoding %q", data)
	}
}

func TestFileSHA256MissingFile(t *testing.T) {
	if _, err := FileSHA256(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
