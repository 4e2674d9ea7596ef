// Package sideload installs extension packages dropped into a folder.
package sideload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/async"
	"github.com/platinummonkey/extbridge/pkg/extension"
)

// FailedSuffix is appended to packages that could not be installed
const FailedSuffix = ".failed"

// InstallTimeout bounds one sideloaded install
const InstallTimeout = 10 * time.Minute

// Installer installs raw package bytes
type Installer interface {
	AddFromBytes(ctx context.Context, data []byte, force bool) (*extension.Group, error)
}

// Options configures a Watcher
type Options struct {
	Dir       string
	Installer Installer
	// Debounce waits for writes to settle before a file is read
	Debounce time.Duration
	Force    bool
	Logger   *logrus.Logger
}

// Watcher installs every .apk that appears in Dir. Installed packages are
// removed; rejected ones are renamed with FailedSuffix.
type Watcher struct {
	dir       string
	installer Installer
	debounce  time.Duration
	force     bool
	logger    *logrus.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates the drop folder if needed
func New(opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("sideload folder cannot be empty")
	}
	if opts.Installer == nil {
		return nil, fmt.Errorf("installer is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sideload folder: %w", err)
	}
	return &Watcher{
		dir:       opts.Dir,
		installer: opts.Installer,
		debounce:  opts.Debounce,
		force:     opts.Force,
		logger:    opts.Logger,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Run watches until ctx is done. Packages already in the folder are
// installed first.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	pool := async.NewWorkerPool(ctx, w.logger, 1, "sideload", InstallTimeout)
	defer func() {
		w.stopTimers()
		if err := pool.Shutdown(5 * time.Second); err != nil {
			w.logger.Warnf("Sideload shutdown: %v", err)
		}
	}()

	w.scanExisting(pool)

	w.logger.Infof("Watching %s for extension packages", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !isPackage(event.Name) {
				continue
			}
			w.schedule(event.Name, pool)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warnf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) scanExisting(pool *async.WorkerPool) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warnf("Failed to scan %s: %v", w.dir, err)
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isPackage(e.Name()) {
			continue
		}
		w.submit(filepath.Join(w.dir, e.Name()), pool)
	}
}

// schedule restarts the debounce timer of path
func (w *Watcher) schedule(path string, pool *async.WorkerPool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.submit(path, pool)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) submit(path string, pool *async.WorkerPool) {
	err := pool.Submit(func(ctx context.Context) error {
		return w.install(ctx, path)
	})
	if err != nil {
		w.logger.Debugf("Dropping %s: %v", path, err)
	}
}

func (w *Watcher) install(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	logger := w.logger.WithFields(logrus.Fields{"file": filepath.Base(path)})
	group, err := w.installer.AddFromBytes(ctx, data, w.force)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Errorf("Failed to install sideloaded package: %v", err)
		if rerr := os.Rename(path, path+FailedSuffix); rerr != nil {
			logger.Warnf("Failed to mark package as failed: %v", rerr)
		}
		return err
	}

	if err := os.Remove(path); err != nil {
		logger.Warnf("Failed to remove installed package: %v", err)
	}
	if group != nil {
		logger.Infof("Installed sideloaded package into group %s", group.Name)
	}
	return nil
}

func isPackage(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".apk")
}
