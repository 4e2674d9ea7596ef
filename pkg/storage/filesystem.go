package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

// Layout is the part of the working folder the filesystem store writes to
type Layout interface {
	LocalRepositoryFile() string
	OnlineRepositoryFile(repoID string) string
	OnlineRepositoryPattern() string
}

// FileSystemStorage implements Store with indented JSON files:
// extensions/local_repository.json and extensions/onlinerepo_<id>.json
type FileSystemStorage struct {
	layout Layout
	logger *logrus.Logger
}

// NewFileSystemStorage creates a new filesystem-based storage
func NewFileSystemStorage(layout Layout, logger *logrus.Logger) *FileSystemStorage {
	if logger == nil {
		logger = logrus.New()
	}
	return &FileSystemStorage{layout: layout, logger: logger}
}

// LoadLocalGroups implements LocalStore. A missing file is an empty registry.
func (s *FileSystemStorage) LoadLocalGroups(ctx context.Context) ([]*extension.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.layout.LocalRepositoryFile())
	if errors.Is(err, os.ErrNotExist) {
		return []*extension.Group{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local repository: %w", err)
	}

	var groups []*extension.Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local repository: %w", err)
	}
	if groups == nil {
		groups = []*extension.Group{}
	}
	return groups, nil
}

// SaveLocalGroups implements LocalStore
func (s *FileSystemStorage) SaveLocalGroups(ctx context.Context, groups []*extension.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if groups == nil {
		groups = []*extension.Group{}
	}
	return writeJSON(s.layout.LocalRepositoryFile(), groups)
}

// LoadOnlineRepositories implements RepositoryStore. Unreadable documents
// are skipped with a warning so one bad file does not hide the others.
func (s *FileSystemStorage) LoadOnlineRepositories(ctx context.Context) ([]extension.Repository, error) {
	paths, err := filepath.Glob(s.layout.OnlineRepositoryPattern())
	if err != nil {
		return nil, fmt.Errorf("failed to list online repositories: %w", err)
	}
	sort.Strings(paths)

	repos := make([]extension.Repository, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warnf("Failed to read online repository %s: %v", path, err)
			continue
		}
		var repo extension.Repository
		if err := json.Unmarshal(data, &repo); err != nil {
			s.logger.Warnf("Failed to parse online repository %s: %v", path, err)
			continue
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// SaveOnlineRepository implements RepositoryStore
func (s *FileSystemStorage) SaveOnlineRepository(ctx context.Context, repo extension.Repository) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if repo.ID == "" {
		return fmt.Errorf("repository has no id")
	}
	return writeJSON(s.layout.OnlineRepositoryFile(repo.ID), repo)
}

// DeleteOnlineRepository implements RepositoryStore. Deleting a missing
// document is not an error.
func (s *FileSystemStorage) DeleteOnlineRepository(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.layout.OnlineRepositoryFile(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete online repository: %w", err)
	}
	return nil
}

// HealthCheck verifies the registry folder is writable
func (s *FileSystemStorage) HealthCheck(ctx context.Context) error {
	dir := filepath.Dir(s.layout.LocalRepositoryFile())
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("registry folder not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Close implements Store
func (s *FileSystemStorage) Close() error {
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return workfolder.WriteAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
