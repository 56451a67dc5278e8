package home

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if filepath.Base(d.Root()) != "nebula" {
		t.Errorf("expected root to end with 'nebula', got %s", d.Root())
	}
}

func TestPaths(t *testing.T) {
	d := New("/data")
	if got := d.MetaPath(); got != "/data/meta.db" {
		t.Errorf("MetaPath = %s", got)
	}
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := d.BackupPath(ts); got != "/data/backups/meta-20260304T050607Z.db" {
		t.Errorf("BackupPath = %s", got)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "nebula")
	d := New(root)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	info, err := os.Stat(d.BackupDir())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
}

func TestInstanceIDStable(t *testing.T) {
	d := New(t.TempDir())
	first, err := d.InstanceID()
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.InstanceID()
	if err != nil {
		t.Fatal(err)
	}
	if first == "" || first != second {
		t.Errorf("instance id not stable: %q then %q", first, second)
	}
}
