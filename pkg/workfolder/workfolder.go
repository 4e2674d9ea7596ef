// Package workfolder lays out the working folder and hands out
// per-install temp dirs.
package workfolder

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/platinummonkey/extbridge/pkg/extension"
)

const (
	extensionsDir       = "extensions"
	localRepositoryFile = "local_repository.json"
	onlineRepoPrefix    = "onlinerepo_"
	defaultTempDirName  = "extensionbridge"
)

// Provider resolves the on-disk locations used by the extension pipeline
type Provider interface {
	// ExtensionsFolder is the root of all installed extension groups
	ExtensionsFolder() string
	// VersionFolder returns (and creates) the permanent folder of one entry
	VersionFolder(entry *extension.Entry) (string, error)
	// CreateTempDir returns a new exclusively-owned scoped directory
	CreateTempDir() (*TempDir, error)
}

// Structure is the default Provider rooted at a working directory
type Structure struct {
	root    string
	tempDir string
}

// New creates the working folder layout under root. An empty tempRoot
// selects <os temp>/extensionbridge.
func New(root, tempRoot string) (*Structure, error) {
	if root == "" {
		return nil, fmt.Errorf("working folder path cannot be empty")
	}
	if tempRoot == "" {
		tempRoot = filepath.Join(os.TempDir(), defaultTempDirName)
	}

	s := &Structure{root: root, tempDir: tempRoot}
	for _, dir := range []string{s.root, s.ExtensionsFolder(), s.tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the working directory
func (s *Structure) Root() string {
	return s.root
}

// TempFolder returns the parent of all scoped temp dirs
func (s *Structure) TempFolder() string {
	return s.tempDir
}

// ExtensionsFolder implements Provider
func (s *Structure) ExtensionsFolder() string {
	return filepath.Join(s.root, extensionsDir)
}

// LocalRepositoryFile is where local groups are persisted
func (s *Structure) LocalRepositoryFile() string {
	return filepath.Join(s.ExtensionsFolder(), localRepositoryFile)
}

// OnlineRepositoryFile is where one online catalog is persisted
func (s *Structure) OnlineRepositoryFile(repoID string) string {
	return filepath.Join(s.ExtensionsFolder(), onlineRepoPrefix+repoID+".json")
}

// OnlineRepositoryPattern matches every persisted online catalog
func (s *Structure) OnlineRepositoryPattern() string {
	return filepath.Join(s.ExtensionsFolder(), onlineRepoPrefix+"*.json")
}

// GroupFolder returns the folder that holds every version of a group
func (s *Structure) GroupFolder(name string) string {
	return filepath.Join(s.ExtensionsFolder(), name)
}

// VersionPath returns the folder of an entry without creating it
func (s *Structure) VersionPath(entry *extension.Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("entry cannot be nil")
	}
	if entry.RepositoryID == "" {
		return "", fmt.Errorf("entry %s has no repository id", entry.Name)
	}
	if entry.Extension.Version == "" {
		return "", fmt.Errorf("entry %s has no version", entry.Name)
	}
	name := entry.Name
	if name == "" {
		name = extension.Name(entry.Extension)
	}
	return filepath.Join(s.GroupFolder(name), entry.Extension.Version+"_"+entry.RepositoryID), nil
}

// VersionFolder implements Provider
func (s *Structure) VersionFolder(entry *extension.Entry) (string, error) {
	dir, err := s.VersionPath(entry)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create version folder: %w", err)
	}
	return dir, nil
}

// CreateTempDir implements Provider
func (s *Structure) CreateTempDir() (*TempDir, error) {
	return NewTempDir(s.tempDir)
}
