package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGlobAndOpen(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"2024-01-01/00/a.json": "aaaa",
		"2024-01-01/00/b.json": "bb",
		"2024-01-01/01/c.json": "c",
		"2024-01-01/00/skip.txt": "x",
	})
	url := "file://" + dir

	b := New(nil)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	objs, err := b.Glob(ctx, url, "2024-01-01/00/*.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(objs) != 2 || objs[0].Key != "2024-01-01/00/a.json" || objs[0].Size != 4 || objs[1].Size != 2 {
		t.Fatalf("objs = %+v", objs)
	}

	all, err := b.Glob(ctx, url, "**/*.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("** matched %d objects, want 3", len(all))
	}

	r, err := b.Open(ctx, url, "2024-01-01/00/a.json", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil || string(data) != "aa" {
		t.Errorf("range read = %q, %v", data, err)
	}
}

func TestGlobBadPattern(t *testing.T) {
	b := New(nil)
	if _, err := b.Glob(context.Background(), "file://"+t.TempDir(), "[a"); !errors.Is(err, ErrBadPattern) {
		t.Errorf("expected ErrBadPattern, got %v", err)
	}
}
