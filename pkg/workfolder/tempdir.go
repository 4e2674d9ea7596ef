package workfolder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/platinummonkey/extbridge/pkg/extension"
)

// TempDir is a scoped directory owned by exactly one work unit.
// Close removes it and is safe to call more than once.
type TempDir struct {
	path string
	once sync.Once
	err  error
}

// NewTempDir creates a uniquely named directory under parent
func NewTempDir(parent string) (*TempDir, error) {
	dir := filepath.Join(parent, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &TempDir{path: dir}, nil
}

// Path returns the directory path
func (t *TempDir) Path() string {
	return t.path
}

// Join returns a path inside the directory
func (t *TempDir) Join(name string) string {
	return filepath.Join(t.path, name)
}

// Close removes the directory and everything left in it
func (t *TempDir) Close() error {
	t.once.Do(func() {
		if err := os.RemoveAll(t.path); err != nil {
			t.err = fmt.Errorf("failed to remove temp dir %s: %w", t.path, err)
		}
	})
	return t.err
}

// WorkUnit is the transient context of one pipeline run
type WorkUnit struct {
	Entry *extension.Entry
	Dir   *TempDir
}

// NewWorkUnit binds entry to a fresh temp dir from p
func NewWorkUnit(p Provider, entry *extension.Entry) (*WorkUnit, error) {
	dir, err := p.CreateTempDir()
	if err != nil {
		return nil, err
	}
	return &WorkUnit{Entry: entry, Dir: dir}, nil
}

// ApkPath is the location of the package inside the work unit
func (u *WorkUnit) ApkPath() string {
	return u.Dir.Join(u.Entry.Apk.FileName)
}

// JarPath is the location of the converted archive inside the work unit
func (u *WorkUnit) JarPath() string {
	return u.Dir.Join(extension.JarName(u.Entry.Apk.FileName))
}

// Close releases the work unit's directory
func (u *WorkUnit) Close() error {
	if u == nil || u.Dir == nil {
		return nil
	}
	return u.Dir.Close()
}
