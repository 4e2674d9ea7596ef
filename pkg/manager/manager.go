// Package manager owns the local extension registry and runs the install
// pipeline: download, validate, convert, transform, introspect, commit.
package manager

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/classfile"
	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/observability"
	"github.com/platinummonkey/extbridge/pkg/storage"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

var tracer = otel.Tracer("extbridge/manager")

// Downloader fetches a catalog package into a work unit
type Downloader interface {
	FetchPackage(ctx context.Context, repo extension.Repository, unit *workfolder.WorkUnit) error
}

// Converter turns the unit's package into <apk>.jar
type Converter interface {
	Convert(ctx context.Context, unit *workfolder.WorkUnit) error
	Version() string
}

// ManifestParser reads and validates a package
type ManifestParser interface {
	Inspect(r io.ReaderAt, size int64) (*apk.Package, error)
}

// ArchiveTransformer patches a converted archive in place
type ArchiveTransformer interface {
	TransformArchive(ctx context.Context, path string) (classfile.Stats, error)
	Version() string
}

// Folder is the working folder as the manager sees it
type Folder interface {
	workfolder.Provider
	VersionPath(entry *extension.Entry) (string, error)
}

// Options holds the manager's collaborators. Logger and Metrics are optional.
type Options struct {
	Store       storage.LocalStore
	Folder      Folder
	Downloader  Downloader
	Converter   Converter
	Parser      ManifestParser
	Transformer ArchiveTransformer
	Engine      interop.Engine
	Move        workfolder.MoveOptions
	Logger      *logrus.Logger
	Metrics     *observability.Metrics
}

// Manager is the local extension registry
type Manager struct {
	store       storage.LocalStore
	folder      Folder
	downloader  Downloader
	converter   Converter
	parser      ManifestParser
	transformer ArchiveTransformer
	engine      interop.Engine
	cache       *interop.Cache
	move        workfolder.MoveOptions
	logger      *logrus.Logger
	metrics     *observability.Metrics

	mu          sync.RWMutex
	groups      []*extension.Group
	initialized atomic.Bool
}

// New creates a manager. Initialize must be called before use.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("store is required")
	case opts.Folder == nil:
		return nil, fmt.Errorf("working folder is required")
	case opts.Converter == nil:
		return nil, fmt.Errorf("converter is required")
	case opts.Parser == nil:
		return nil, fmt.Errorf("manifest parser is required")
	case opts.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("interop engine is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Move.Retries == 0 && opts.Move.Delay == 0 {
		opts.Move = workfolder.DefaultMoveOptions()
	}

	return &Manager{
		store:       opts.Store,
		folder:      opts.Folder,
		downloader:  opts.Downloader,
		converter:   opts.Converter,
		parser:      opts.Parser,
		transformer: opts.Transformer,
		engine:      opts.Engine,
		cache:       interop.NewCache(opts.Engine, opts.Logger, opts.Metrics),
		move:        opts.Move,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

// Initialize loads the persisted registry. Groups without an id get one,
// empty groups are dropped and out-of-range active indexes are reset; the
// repaired registry is written back. Calling it again is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized.Load() {
		return nil
	}

	loaded, err := m.store.LoadLocalGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to load local extensions: %w", err)
	}

	groups := make([]*extension.Group, 0, len(loaded))
	byName := make(map[string]*extension.Group, len(loaded))
	dirty := false
	for _, g := range loaded {
		if g == nil || len(g.Entries) == 0 {
			dirty = true
			continue
		}
		if first, ok := byName[g.Name]; ok {
			m.logger.WithFields(logrus.Fields{"group": first.ID, "duplicate": g.ID}).
				Warnf("Merging duplicate local extension group %s", g.Name)
			mergeEntries(first, g)
			dirty = true
			continue
		}
		if g.ID == "" {
			g.ID = uuid.New().String()
			dirty = true
		}
		if _, ok := g.Active(); !ok {
			g.ActiveEntry = g.HighestVersionIndex()
			dirty = true
		}
		byName[g.Name] = g
		groups = append(groups, g)
	}

	if dirty {
		if err := m.store.SaveLocalGroups(ctx, groups); err != nil {
			return fmt.Errorf("failed to save repaired local extensions: %w", err)
		}
	}

	m.groups = groups
	m.initialized.Store(true)
	m.logger.Infof("Loaded %d local extension groups", len(groups))
	return nil
}

func (m *Manager) checkInit() error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// List returns copies of every group
func (m *Manager) List() ([]*extension.Group, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneGroups(m.groups), nil
}

// Find returns a copy of the group named name
func (m *Manager) Find(name string) (*extension.Group, bool, error) {
	if err := m.checkInit(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := indexByName(m.groups, name); i >= 0 {
		return m.groups[i].Clone(), true, nil
	}
	return nil, false, nil
}

// FindByID returns a copy of the group with the given id
func (m *Manager) FindByID(id string) (*extension.Group, bool, error) {
	if err := m.checkInit(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := indexByID(m.groups, id); i >= 0 {
		return m.groups[i].Clone(), true, nil
	}
	return nil, false, nil
}

// RemoveGroup removes a group and disposes its interop. Removing an
// unknown group returns false.
func (m *Manager) RemoveGroup(ctx context.Context, groupID string) (bool, error) {
	if err := m.checkInit(); err != nil {
		return false, err
	}

	var (
		name  string
		found bool
	)
	err := m.mutate(ctx, func(groups []*extension.Group) ([]*extension.Group, bool) {
		i := indexByID(groups, groupID)
		if i < 0 {
			return groups, false
		}
		name, found = groups[i].Name, true
		return append(groups[:i], groups[i+1:]...), true
	})
	if err != nil || !found {
		return false, err
	}

	m.cache.Dispose(groupID)
	m.logger.WithFields(logrus.Fields{"group": groupID}).Infof("Removed local extension group %s", name)
	return true, nil
}

// RemoveVersion removes one entry. When it was active, the entry with the
// highest version code becomes active. The last entry takes the group with
// it, and the result is nil. An unknown group is a no-op with a nil result.
func (m *Manager) RemoveVersion(ctx context.Context, groupID, entryID string) (*extension.Group, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}

	var result *extension.Group
	err := m.mutate(ctx, func(groups []*extension.Group) ([]*extension.Group, bool) {
		gi := indexByID(groups, groupID)
		if gi < 0 {
			return groups, false
		}
		g := groups[gi]
		ei := g.IndexOf(entryID)
		if ei < 0 {
			result = g.Clone()
			return groups, false
		}

		activeID := ""
		if active, ok := g.Active(); ok && g.ActiveEntry != ei {
			activeID = active.ID()
		}
		g.Entries = append(g.Entries[:ei], g.Entries[ei+1:]...)

		if len(g.Entries) == 0 {
			return append(groups[:gi], groups[gi+1:]...), true
		}
		if activeID != "" {
			g.ActiveEntry = g.IndexOf(activeID)
		} else {
			g.ActiveEntry = g.HighestVersionIndex()
		}
		result = g.Clone()
		return groups, true
	})
	if err != nil {
		return nil, err
	}

	if bound, ok := m.cache.Bound(groupID); ok && (result == nil || result.IndexOf(bound.EntryID) < 0) {
		m.cache.Dispose(groupID)
	}
	return result, nil
}

// SetActiveVersion selects the entry at index. A cached interop bound to
// another entry is disposed; the next GetInterop opens the new one.
func (m *Manager) SetActiveVersion(ctx context.Context, groupID string, index int) (*extension.Group, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}

	var result *extension.Group
	var opErr error
	err := m.mutate(ctx, func(groups []*extension.Group) ([]*extension.Group, bool) {
		gi := indexByID(groups, groupID)
		if gi < 0 {
			opErr = ErrGroupNotFound
			return groups, false
		}
		g := groups[gi]
		if index < 0 || index >= len(g.Entries) {
			opErr = fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(g.Entries))
			return groups, false
		}
		changed := g.ActiveEntry != index
		g.ActiveEntry = index
		result = g.Clone()
		return groups, changed
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}

	active, _ := result.Active()
	if bound, ok := m.cache.Bound(groupID); ok && bound.EntryID != active.ID() {
		m.cache.Dispose(groupID)
	}
	return result, nil
}

// GetInterop returns the live handle of the group's active entry, opening
// or swapping it as needed
func (m *Manager) GetInterop(ctx context.Context, groupID string) (interop.Extension, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}

	binding, err := m.binding(groupID)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "GetInterop", trace.WithAttributes(
		attribute.String("group", groupID),
		attribute.String("version", binding.Version),
	))
	defer span.End()

	g, err := m.cache.Get(ctx, binding)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// The group may have been removed while the instance was opening
	if _, err := m.binding(groupID); err != nil {
		m.cache.Dispose(groupID)
		return nil, err
	}
	return g, nil
}

func (m *Manager) binding(groupID string) (interop.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gi := indexByID(m.groups, groupID)
	if gi < 0 {
		return interop.Binding{}, ErrGroupNotFound
	}
	g := m.groups[gi]
	active, ok := g.Active()
	if !ok {
		return interop.Binding{}, fmt.Errorf("%w: active %d of %d", ErrIndexOutOfRange, g.ActiveEntry, len(g.Entries))
	}
	dir, err := m.folder.VersionPath(active)
	if err != nil {
		return interop.Binding{}, err
	}

	return interop.Binding{
		GroupID:   g.ID,
		EntryID:   active.ID(),
		Name:      g.Name,
		Version:   active.Extension.Version,
		JarPath:   filepath.Join(dir, active.Jar.FileName),
		ClassName: active.ClassName,
	}, nil
}

// CompareAndAutoUpdate installs every catalog version that differs from
// the version of a local group's highest entry. Failures are logged and
// skipped; cancellation stops the run.
func (m *Manager) CompareAndAutoUpdate(ctx context.Context, repos []extension.Repository) error {
	if err := m.checkInit(); err != nil {
		return err
	}

	latest := make(map[string]string)
	m.mu.RLock()
	for _, g := range m.groups {
		if i := g.HighestVersionIndex(); i >= 0 {
			latest[g.Name] = g.Entries[i].Extension.Version
		}
	}
	m.mu.RUnlock()

	updated := 0
	for _, repo := range repos {
		for _, ext := range repo.Extensions {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := extension.Name(ext)
			local, ok := latest[name]
			if !ok || local == ext.Version {
				continue
			}

			m.logger.Infof("Auto-updating extension %s from v%s to v%s", ext.Apk, local, ext.Version)
			if _, err := m.AddExtension(ctx, repo, ext, false); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.WithFields(logrus.Fields{"apk": ext.Apk, "repo": repo.ID}).
					Errorf("Failed to auto-update extension: %v", err)
				continue
			}
			latest[name] = ext.Version
			updated++
		}
	}

	m.logger.Infof("Auto-update finished, %d extensions updated", updated)
	return nil
}

// Shutdown disposes every cached interop
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cache.DisposeAll()
	m.logger.Info("Extension manager shut down, interop cache cleared")
	return ctx.Err()
}

// mutate applies fn to a copy of the registry under the lock. When fn
// reports a change the copy is persisted and only then replaces the
// in-memory registry.
func (m *Manager) mutate(ctx context.Context, fn func([]*extension.Group) ([]*extension.Group, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next, changed := fn(cloneGroups(m.groups))
	if !changed {
		return nil
	}
	if err := m.store.SaveLocalGroups(ctx, next); err != nil {
		return fmt.Errorf("failed to save local extensions: %w", err)
	}
	m.groups = next
	return nil
}

// mergeEntries appends the entries of src that dst does not hold yet. The
// active entry of dst is kept.
func mergeEntries(dst, src *extension.Group) {
	for _, e := range src.Entries {
		if dst.IndexOf(e.ID()) < 0 {
			dst.Entries = append(dst.Entries, e)
		}
	}
}

func cloneGroups(groups []*extension.Group) []*extension.Group {
	out := make([]*extension.Group, len(groups))
	for i, g := range groups {
		out[i] = g.Clone()
	}
	return out
}

func indexByID(groups []*extension.Group, id string) int {
	for i, g := range groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}

func indexByName(groups []*extension.Group, name string) int {
	for i, g := range groups {
		if g.Name == name {
			return i
		}
	}
	return -1
}
