package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/observability"
	"github.com/platinummonkey/extbridge/pkg/storage"
)

// DefaultRefreshConcurrency is the number of catalogs refreshed at once
const DefaultRefreshConcurrency = 4

// IndexFetcher fills a repository from its catalog
type IndexFetcher interface {
	FetchIndex(ctx context.Context, repo extension.Repository) (extension.Repository, error)
}

// AutoUpdater updates local extensions after a refresh
type AutoUpdater interface {
	CompareAndAutoUpdate(ctx context.Context, repos []extension.Repository) error
}

// Installer installs a catalog extension
type Installer interface {
	AddExtension(ctx context.Context, repo extension.Repository, ext extension.Extension, force bool) (*extension.Group, error)
}

// Options holds the catalog manager's collaborators. Updater and
// Installer are optional.
type Options struct {
	Store              storage.RepositoryStore
	Fetcher            IndexFetcher
	Updater            AutoUpdater
	Installer          Installer
	RefreshConcurrency int
	Logger             *logrus.Logger
	Metrics            *observability.Metrics
}

// Manager tracks the online catalogs
type Manager struct {
	store       storage.RepositoryStore
	fetcher     IndexFetcher
	updater     AutoUpdater
	installer   Installer
	concurrency int
	logger      *logrus.Logger
	metrics     *observability.Metrics

	mu          sync.RWMutex
	repos       []extension.Repository
	initialized atomic.Bool
}

// New creates a catalog manager. Initialize must be called before use.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = DefaultRefreshConcurrency
	}
	return &Manager{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		updater:     opts.Updater,
		installer:   opts.Installer,
		concurrency: opts.RefreshConcurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

// Initialize loads the persisted catalogs. Calling it again is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized.Load() {
		return nil
	}

	repos, err := m.store.LoadOnlineRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to load online repositories: %w", err)
	}
	m.repos = repos
	m.initialized.Store(true)
	m.logger.Infof("Loaded %d online repositories", len(repos))
	return nil
}

func (m *Manager) checkInit() error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

// List returns copies of every catalog
func (m *Manager) List() ([]extension.Repository, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneRepos(m.repos), nil
}

// Add fetches and stores the catalog at url. It returns false when the
// catalog is already known.
func (m *Manager) Add(ctx context.Context, url string) (bool, error) {
	if err := m.checkInit(); err != nil {
		return false, err
	}
	repo := extension.NewRepository(url)
	if repo.URL == "" {
		return false, fmt.Errorf("repository url cannot be empty")
	}

	if m.contains(repo.URL) {
		m.logger.Infof("Repository %s is already registered", repo.URL)
		return false, nil
	}

	fetched, err := m.fetcher.FetchIndex(ctx, repo)
	if err != nil {
		return false, fmt.Errorf("failed to fetch repository %s: %w", repo.URL, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if indexOfURL(m.repos, repo.URL) >= 0 {
		m.logger.Infof("Repository %s is already registered", repo.URL)
		return false, nil
	}
	if err := m.store.SaveOnlineRepository(ctx, fetched); err != nil {
		return false, fmt.Errorf("failed to save repository %s: %w", repo.URL, err)
	}
	m.repos = append(m.repos, fetched)

	m.logger.Infof("Added repository %s with %d extensions", repo.URL, len(fetched.Extensions))
	return true, nil
}

// Remove drops every catalog matching url. It returns false when none was
// removed. A catalog whose delete fails stays registered and the failures
// are returned together.
func (m *Manager) Remove(ctx context.Context, url string) (bool, error) {
	if err := m.checkInit(); err != nil {
		return false, err
	}
	normalized := extension.NormalizeRepositoryURL(url)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]extension.Repository, 0, len(m.repos))
	var (
		matched int
		errs    []error
	)
	for _, r := range m.repos {
		if !strings.EqualFold(r.URL, normalized) {
			kept = append(kept, r)
			continue
		}
		matched++
		if err := m.store.DeleteOnlineRepository(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete repository %s (%s): %w", r.URL, r.ID, err))
			kept = append(kept, r)
		}
	}
	if matched == 0 {
		m.logger.Infof("Repository %s is not registered", normalized)
		return false, nil
	}

	removed := len(m.repos) - len(kept)
	m.repos = kept
	if removed > 0 {
		m.logger.Infof("Removed %d repository entries for %s", removed, normalized)
	}
	return removed > 0, errors.Join(errs...)
}

// RefreshAll refetches every catalog, then runs the auto-updater against
// the result. A failing catalog keeps its previous index.
func (m *Manager) RefreshAll(ctx context.Context) error {
	if err := m.checkInit(); err != nil {
		return err
	}

	snapshot, _ := m.List()
	ctx, span := tracer.Start(ctx, "RefreshAll", trace.WithAttributes(
		attribute.Int("repositories", len(snapshot)),
	))
	defer span.End()

	refreshed := make([]*extension.Repository, len(snapshot))
	g := new(errgroup.Group)
	g.SetLimit(m.concurrency)
	for i, repo := range snapshot {
		i, repo := i, repo
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			fetched, err := m.fetcher.FetchIndex(ctx, repo)
			if err != nil {
				m.metrics.RecordCatalogRefresh("error")
				m.logger.WithFields(logrus.Fields{"repo": repo.ID}).
					Errorf("Failed to refresh repository %s: %v", repo.URL, err)
				return nil
			}
			m.metrics.RecordCatalogRefresh("success")
			refreshed[i] = &fetched
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return err
	}

	if err := m.writeBack(ctx, refreshed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist refreshed repositories")
		return err
	}

	if m.updater != nil {
		repos, _ := m.List()
		if err := m.updater.CompareAndAutoUpdate(ctx, repos); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "auto update failed")
			return fmt.Errorf("auto update failed: %w", err)
		}
	}
	span.SetStatus(codes.Ok, "refreshed")
	return nil
}

// writeBack stores refreshed copies of catalogs that are still registered
func (m *Manager) writeBack(ctx context.Context, refreshed []*extension.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range refreshed {
		if r == nil {
			continue
		}
		i := indexOfID(m.repos, r.ID)
		if i < 0 {
			continue
		}
		if err := m.store.SaveOnlineRepository(ctx, *r); err != nil {
			return fmt.Errorf("failed to save repository %s: %w", r.URL, err)
		}
		m.repos[i] = *r
	}
	return nil
}

// Find returns the catalog listing apk and its descriptor. The newest
// version code wins when several catalogs list it.
func (m *Manager) Find(apk string) (extension.Repository, extension.Extension, bool, error) {
	if err := m.checkInit(); err != nil {
		return extension.Repository{}, extension.Extension{}, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		repo  extension.Repository
		ext   extension.Extension
		found bool
	)
	for _, r := range m.repos {
		for _, x := range r.Extensions {
			if !strings.EqualFold(x.Apk, apk) {
				continue
			}
			if !found || x.VersionCode > ext.VersionCode {
				repo, ext, found = r, x, true
			}
		}
	}
	if !found {
		return extension.Repository{}, extension.Extension{}, false, nil
	}
	return repo.Clone(), ext.Clone(), true, nil
}

// Install resolves apk in the catalogs and installs it
func (m *Manager) Install(ctx context.Context, apk string, force bool) (*extension.Group, error) {
	if m.installer == nil {
		return nil, fmt.Errorf("no installer configured")
	}
	repo, ext, ok, err := m.Find(apk)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExtensionNotFound, apk)
	}
	return m.installer.AddExtension(ctx, repo, ext, force)
}

func (m *Manager) contains(url string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return indexOfURL(m.repos, url) >= 0
}

func indexOfURL(repos []extension.Repository, url string) int {
	for i, r := range repos {
		if strings.EqualFold(r.URL, url) {
			return i
		}
	}
	return -1
}

func indexOfID(repos []extension.Repository, id string) int {
	for i, r := range repos {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func cloneRepos(repos []extension.Repository) []extension.Repository {
	out := make([]extension.Repository, len(repos))
	for i, r := range repos {
		out[i] = r.Clone()
	}
	return out
}
