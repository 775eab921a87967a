package scan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTreeRootIsUnnamed(t *testing.T) {
	dir := t.TempDir()
	entry, err := Tree(dir)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	if entry.Name != "" {
		t.Errorf("root name = %q, want empty", entry.Name)
	}
	if !entry.IsDir {
		t.Error("root should be a directory")
	}
}

func TestTreeOrdersChildrenByName(t *testing.T) {
	dir := t.TempDir()
	names := []string{"banana", "apple", "Zebra", "cherry"}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(n), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	entry, err := Tree(dir)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	if len(entry.Children) != len(names) {
		t.Fatalf("got %d children, want %d", len(entry.Children), len(names))
	}
	for i := 1; i < len(entry.Children); i++ {
		if entry.Children[i-1].Name >= entry.Children[i].Name {
			t.Errorf("children not sorted: %q before %q", entry.Children[i-1].Name, entry.Children[i].Name)
		}
	}
}

func TestTreeReadsFileContents(t *testing.T) {
	dir := t.TempDir()
	want := []byte("hello, webpub")
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), want, 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := Tree(dir)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	if len(entry.Children) != 1 {
		t.Fatalf("got %d children, want 1", len(entry.Children))
	}
	file := entry.Children[0]
	if file.IsDir {
		t.Error("expected a file entry")
	}
	if string(file.Data) != string(want) {
		t.Errorf("file data = %q, want %q", file.Data, want)
	}
	if file.Size != uint64(len(want)) {
		t.Errorf("file size = %d, want %d", file.Size, len(want))
	}
}

func TestTreeSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	if err := os.WriteFile(target, []byte("real"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.txt")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks not supported on this filesystem: %v", err)
	}

	entry, err := Tree(dir)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	for _, c := range entry.Children {
		if c.Name == "link.txt" {
			t.Error("symlink should have been skipped")
		}
	}
}

func TestTreeNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "sub", "deeper")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nested, "leaf.txt"), []byte("leaf"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := Tree(dir)
	if err != nil {
		t.Fatalf("Tree failed: %v", err)
	}
	sub := entry.Children[0]
	if sub.Name != "sub" || !sub.IsDir {
		t.Fatalf("expected directory 'sub', got %+v", sub)
	}
	deeper := sub.Children[0]
	if deeper.Name != "deeper" || !deeper.IsDir {
		t.Fatalf("expected directory 'deeper', got %+v", deeper)
	}
	if len(deeper.Children) != 1 || deeper.Children[0].Name != "leaf.txt" {
		t.Fatalf("unexpected deeper children: %+v", deeper.Children)
	}
}
