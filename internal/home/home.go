// Package home manages the nebula data directory.
//
// Live block data is never persisted. The directory only holds metadata that
// speeds up a restart and the identity of the process.
//
// Layout:
//
//	<root>/
//	  node_id         (stable instance identity)
//	  meta.db         (bbolt: spec affinity snapshot)
//	  backups/
//	    meta-<ts>.db  (periodic copies of meta.db)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dir represents a nebula data directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir under the platform's config directory
// (~/.config/nebula on Linux).
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "nebula")}, nil
}

// Root returns the data directory path.
func (d Dir) Root() string {
	return d.root
}

// MetaPath returns the path of the metadata database.
func (d Dir) MetaPath() string {
	return filepath.Join(d.root, "meta.db")
}

// BackupDir returns the directory holding metadata backups.
func (d Dir) BackupDir() string {
	return filepath.Join(d.root, "backups")
}

// BackupPath returns the path of a backup taken at t.
func (d Dir) BackupPath(t time.Time) string {
	return filepath.Join(d.BackupDir(), "meta-"+t.UTC().Format("20060102T150405Z")+".db")
}

// EnsureExists creates the data directory and its backup directory.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.BackupDir(), 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persistent instance identity from <root>/node_id.
// If the file doesn't exist, a new UUIDv7 is generated and written.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("node_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

// readOrCreate reads a single-line value from <root>/<filename>.
// If the file doesn't exist, generate() provides the default which is persisted.
func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted home dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: identity file is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
