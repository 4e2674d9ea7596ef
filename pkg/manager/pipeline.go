package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/classfile"
	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

// Pipeline sources, used as metric labels
const (
	SourceCatalog = "catalog"
	SourceLocal   = "local"
)

// Pipeline stages
const (
	StageAcquire    = "acquire"
	StageManifest   = "manifest"
	StageConvert    = "convert"
	StageTransform  = "transform"
	StageIntrospect = "introspect"
	StageCommit     = "commit"
	StageRegister   = "register"
)

// AddExtension installs ext from a catalog. An already present entry for
// the same package is returned as is unless force is set.
func (m *Manager) AddExtension(ctx context.Context, repo extension.Repository, ext extension.Extension, force bool) (*extension.Group, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}
	if m.downloader == nil {
		return nil, fmt.Errorf("no downloader configured")
	}

	if !force {
		if g, ok := m.findPresent(ctx, ext.Apk); ok {
			m.logger.Infof("Extension %s is already installed, skipping", ext.Apk)
			m.metrics.RecordPipelineRun(SourceCatalog, "skipped")
			return g, nil
		}
	}

	entry := &extension.Entry{
		RepositoryID: repo.ID,
		Name:         extension.Name(ext),
		Extension:    ext.Clone(),
		Apk:          extension.FileHash{FileName: ext.Apk},
	}
	return m.install(ctx, SourceCatalog, entry, nil, func(ctx context.Context, unit *workfolder.WorkUnit) error {
		return m.downloader.FetchPackage(ctx, repo, unit)
	})
}

// AddFromBytes installs a sideloaded package. The manifest is read from
// memory first, so an already installed package causes no file writes.
func (m *Manager) AddFromBytes(ctx context.Context, data []byte, force bool) (*extension.Group, error) {
	if err := m.checkInit(); err != nil {
		return nil, err
	}

	pkg, err := m.parser.Inspect(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		m.metrics.RecordPipelineRun(SourceLocal, "rejected")
		return nil, err
	}

	man := pkg.Manifest
	ext := extension.Extension{
		Name:        extension.DisplayName(man.Label),
		Package:     man.Package,
		Apk:         extension.CanonicalApkName(man.Package, man.VersionName),
		Version:     man.VersionName,
		VersionCode: man.VersionCode,
		Nsfw:        man.Nsfw(),
	}

	if !force {
		if g, ok := m.findPresent(ctx, ext.Apk); ok {
			m.logger.Infof("Extension %s is already installed, skipping", ext.Apk)
			m.metrics.RecordPipelineRun(SourceLocal, "skipped")
			return g, nil
		}
	}

	entry := &extension.Entry{
		RepositoryID: extension.LocalRepositoryID,
		IsLocal:      true,
		Name:         extension.Name(ext),
		ClassName:    man.ClassName(),
		Extension:    ext,
		DownloadedAt: time.Now().UTC(),
		Apk:          extension.FileHash{FileName: ext.Apk},
	}
	return m.install(ctx, SourceLocal, entry, pkg, func(ctx context.Context, unit *workfolder.WorkUnit) error {
		return os.WriteFile(unit.ApkPath(), data, 0644)
	})
}

// install runs one work unit through every stage. pkg is nil when the
// manifest still has to be read from the acquired file.
func (m *Manager) install(ctx context.Context, source string, entry *extension.Entry, pkg *apk.Package, acquire func(context.Context, *workfolder.WorkUnit) error) (*extension.Group, error) {
	ctx, span := tracer.Start(ctx, "Install", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("apk", entry.Apk.FileName),
		attribute.String("repository", entry.RepositoryID),
	))
	defer span.End()

	g, err := m.runPipeline(ctx, entry, pkg, acquire)
	if err != nil {
		result := "error"
		var verr *apk.ValidationError
		if errors.As(err, &verr) {
			result = "rejected"
		}
		m.metrics.RecordPipelineRun(source, result)
		span.RecordError(err)
		span.SetStatus(codes.Error, "install failed")
		m.logger.WithFields(logrus.Fields{
			"apk":        entry.Apk.FileName,
			"repository": entry.RepositoryID,
		}).Errorf("Failed to install extension: %v", err)
		return nil, err
	}

	m.metrics.RecordPipelineRun(source, "installed")
	span.SetStatus(codes.Ok, "installed")
	m.logger.Infof("Installed extension %s v%s", g.Name, entry.Extension.Version)
	return g, nil
}

func (m *Manager) runPipeline(ctx context.Context, entry *extension.Entry, pkg *apk.Package, acquire func(context.Context, *workfolder.WorkUnit) error) (*extension.Group, error) {
	unit, err := workfolder.NewWorkUnit(m.folder, entry)
	if err != nil {
		return nil, err
	}
	defer unit.Close()

	if err := m.stage(ctx, StageAcquire, func(ctx context.Context) error {
		return acquire(ctx, unit)
	}); err != nil {
		return nil, err
	}

	if err := m.stage(ctx, StageManifest, func(ctx context.Context) error {
		return m.applyManifest(ctx, unit, pkg)
	}); err != nil {
		return nil, err
	}

	if err := m.stage(ctx, StageConvert, func(ctx context.Context) error {
		return m.convert(ctx, unit)
	}); err != nil {
		return nil, err
	}

	if err := m.stage(ctx, StageTransform, func(ctx context.Context) error {
		return m.transform(ctx, unit.JarPath(), entry)
	}); err != nil {
		return nil, err
	}

	if err := m.stage(ctx, StageIntrospect, func(ctx context.Context) error {
		return m.introspect(ctx, unit)
	}); err != nil {
		return nil, err
	}

	if err := m.stage(ctx, StageCommit, func(ctx context.Context) error {
		return m.commitArtifacts(ctx, unit)
	}); err != nil {
		return nil, err
	}

	var g *extension.Group
	err = m.stage(ctx, StageRegister, func(ctx context.Context) error {
		var err error
		g, err = m.register(ctx, *entry)
		return err
	})
	return g, err
}

// stage runs fn in its own span and records its duration
func (m *Manager) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "stage."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	m.metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
		return err
	}
	return nil
}

func (m *Manager) applyManifest(ctx context.Context, unit *workfolder.WorkUnit, pkg *apk.Package) error {
	if pkg == nil {
		var err error
		if pkg, err = m.inspectFile(unit.ApkPath()); err != nil {
			return err
		}
	}

	e := unit.Entry
	man := pkg.Manifest
	e.Extension.Name = extension.DisplayName(man.Label)
	e.Extension.Package = man.Package
	e.Extension.Version = man.VersionName
	e.Extension.VersionCode = man.VersionCode
	e.Extension.Nsfw = man.Nsfw()
	e.ClassName = man.ClassName()

	canonical := extension.CanonicalApkName(man.Package, man.VersionName)
	if !strings.EqualFold(canonical, e.Apk.FileName) {
		from := unit.ApkPath()
		e.Apk.FileName = canonical
		if err := os.Rename(from, unit.ApkPath()); err != nil {
			return fmt.Errorf("failed to rename package to %s: %w", canonical, err)
		}
	}
	e.Extension.Apk = canonical
	e.Name = extension.Name(e.Extension)

	hash, err := extension.HashFile(ctx, unit.ApkPath())
	if err != nil {
		return err
	}
	e.Apk = hash

	e.Icon = extension.FileHash{}
	if pkg.Icon != nil && len(pkg.Icon.Data) > 0 {
		name := extension.IconName(e.Apk.FileName)
		if err := os.WriteFile(unit.Dir.Join(name), pkg.Icon.Data, 0644); err != nil {
			return fmt.Errorf("failed to write icon: %w", err)
		}
		e.Icon = extension.FileHash{FileName: name, SHA256: extension.HashBytes(pkg.Icon.Data)}
	} else {
		m.logger.Warnf("No icon found in %s", e.Apk.FileName)
	}
	return nil
}

func (m *Manager) inspectFile(path string) (*apk.Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open package: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat package: %w", err)
	}
	return m.parser.Inspect(f, info.Size())
}

func (m *Manager) convert(ctx context.Context, unit *workfolder.WorkUnit) error {
	if err := m.converter.Convert(ctx, unit); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrConversionFailed, unit.Entry.Apk.FileName, err)
	}
	if !workfolder.FileExists(unit.JarPath()) {
		return fmt.Errorf("%w: %s produced no archive", ErrConversionFailed, unit.Entry.Apk.FileName)
	}
	return nil
}

// transform patches the archive at jarPath and records its hash on entry
func (m *Manager) transform(ctx context.Context, jarPath string, entry *extension.Entry) error {
	stats, err := m.transformer.TransformArchive(ctx, jarPath)
	if err != nil {
		return fmt.Errorf("failed to transform %s: %w", filepath.Base(jarPath), err)
	}
	m.metrics.RecordTransform(classfile.ActionKeep.String(), stats.Classes-stats.Rewritten-stats.Removed-stats.Skipped)
	m.metrics.RecordTransform(classfile.ActionRewrite.String(), stats.Rewritten)
	m.metrics.RecordTransform(classfile.ActionRemove.String(), stats.Removed)
	m.metrics.RecordTransform(classfile.ActionSkip.String(), stats.Skipped)

	hash, err := extension.HashFileVersion(ctx, jarPath, m.converter.Version(), m.transformer.Version())
	if err != nil {
		return err
	}
	hash.FileName = extension.JarName(entry.Apk.FileName)
	entry.Jar = hash
	return nil
}

func (m *Manager) introspect(ctx context.Context, unit *workfolder.WorkUnit) error {
	e := unit.Entry
	found, err := interop.Introspect(ctx, m.engine, interop.Binding{
		EntryID:   e.ID(),
		Name:      e.Name,
		Version:   e.Extension.Version,
		JarPath:   unit.JarPath(),
		ClassName: e.ClassName,
	})
	if err != nil {
		return fmt.Errorf("failed to load sources of %s: %w", e.Apk.FileName, err)
	}
	if len(found) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSources, e.Apk.FileName)
	}

	known := e.Extension.Sources
	if len(known) == 0 {
		m.mu.RLock()
		if i := indexByName(m.groups, e.Name); i >= 0 {
			if active, ok := m.groups[i].Active(); ok {
				known = append(known, active.Extension.Sources...)
			}
		}
		m.mu.RUnlock()
	}

	sources, dropped := mergeSources(known, found)
	for _, s := range dropped {
		m.logger.Warnf("Source %s (%s) is no longer provided by %s", s.Name, s.ID, e.Apk.FileName)
	}
	e.Extension.Sources = sources
	e.Extension.Language = sourcesLanguage(sources)
	return nil
}

// commitArtifacts moves the unit's artifacts into the entry's version folder
func (m *Manager) commitArtifacts(ctx context.Context, unit *workfolder.WorkUnit) error {
	e := unit.Entry
	dir, err := m.folder.VersionFolder(e)
	if err != nil {
		return err
	}

	names := []string{e.Apk.FileName, e.Jar.FileName}
	if e.Icon.FileName != "" {
		names = append(names, e.Icon.FileName)
	}
	for _, name := range names {
		copied, err := workfolder.MoveFile(ctx, unit.Dir.Join(name), filepath.Join(dir, name), m.move)
		if err != nil {
			return fmt.Errorf("failed to commit %s: %w", name, err)
		}
		if copied {
			m.logger.Warnf("Could not move %s into %s, copied it instead", name, dir)
		}
	}
	return nil
}

// register records entry in its group, creating the group when needed
func (m *Manager) register(ctx context.Context, entry extension.Entry) (*extension.Group, error) {
	var result *extension.Group
	var replacedBound bool
	err := m.mutate(ctx, func(groups []*extension.Group) ([]*extension.Group, bool) {
		gi := indexByName(groups, entry.Name)
		if gi < 0 {
			groups = append(groups, extension.NewGroup(uuid.New().String(), entry.Name))
			gi = len(groups) - 1
		}
		g := groups[gi]

		if i := g.IndexOf(entry.ID()); i >= 0 {
			g.Entries[i] = entry.Clone()
			replacedBound = m.isBound(g.ID, entry.ID())
		} else {
			g.Entries = append(g.Entries, entry.Clone())
		}
		if g.AutoUpdate || len(g.Entries) == 1 {
			g.ActiveEntry = g.HighestVersionIndex()
		}
		result = g.Clone()
		return groups, true
	})
	if err != nil {
		return nil, err
	}

	// A reinstall over the bound entry must reload the new artifacts
	if replacedBound {
		m.cache.Dispose(result.ID)
	}
	return result, nil
}

func (m *Manager) isBound(groupID, entryID string) bool {
	b, ok := m.cache.Bound(groupID)
	return ok && b.EntryID == entryID
}

// findPresent returns the group holding a present entry for apk. Hashing
// happens outside the registry lock.
func (m *Manager) findPresent(ctx context.Context, apkName string) (*extension.Group, bool) {
	type candidate struct {
		groupID string
		entry   extension.Entry
	}

	var candidates []candidate
	m.mu.RLock()
	for _, g := range m.groups {
		for _, e := range g.Entries {
			if strings.EqualFold(e.Extension.Apk, apkName) {
				candidates = append(candidates, candidate{groupID: g.ID, entry: e.Clone()})
			}
		}
	}
	m.mu.RUnlock()

	for _, c := range candidates {
		if !m.isPresent(ctx, &c.entry) {
			continue
		}
		if g, ok, _ := m.FindByID(c.groupID); ok {
			return g, true
		}
	}
	return nil, false
}

// isPresent reports whether every artifact of entry exists with its
// recorded hash and the archive was built by the running tool versions
func (m *Manager) isPresent(ctx context.Context, e *extension.Entry) bool {
	if e.Jar.Version != m.converter.Version() || e.Jar.PatchVersion != m.transformer.Version() {
		return false
	}

	dir, err := m.folder.VersionPath(e)
	if err != nil {
		return false
	}

	files := []extension.FileHash{e.Apk, e.Jar.Hash()}
	if e.Icon.FileName != "" {
		files = append(files, e.Icon)
	}
	for _, want := range files {
		if want.FileName == "" {
			return false
		}
		got, err := extension.HashFile(ctx, filepath.Join(dir, want.FileName))
		if err != nil || !strings.EqualFold(got.SHA256, want.SHA256) {
			return false
		}
	}
	return true
}
