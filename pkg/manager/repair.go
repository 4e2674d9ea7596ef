package manager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

// ValidateAll checks every installed entry, see ValidateAndRepair
func (m *Manager) ValidateAll(ctx context.Context) (int, error) {
	groups, err := m.List()
	if err != nil {
		return 0, err
	}
	var entries []extension.Entry
	for _, g := range groups {
		entries = append(entries, g.Entries...)
	}
	return m.ValidateAndRepair(ctx, entries)
}

// ValidateAndRepair rebuilds the archives of entries produced by other
// tool versions. A converter change reconverts from the stored package; a
// pass change alone re-transforms a copy of the archive. Entries whose
// package or archive is missing are skipped. It returns the number of
// repaired entries.
func (m *Manager) ValidateAndRepair(ctx context.Context, entries []extension.Entry) (int, error) {
	if err := m.checkInit(); err != nil {
		return 0, err
	}

	ctx, span := tracer.Start(ctx, "ValidateAndRepair", trace.WithAttributes(
		attribute.Int("entries", len(entries)),
	))
	defer span.End()

	repaired := 0
	for i := range entries {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return repaired, err
		}

		e := entries[i].Clone()
		ok, err := m.repair(ctx, &e)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.RecordError(ctxErr)
				return repaired, ctxErr
			}
			m.logger.WithFields(logrus.Fields{
				"apk":   e.Apk.FileName,
				"group": e.Name,
			}).Errorf("Failed to repair extension: %v", err)
			continue
		}
		if ok {
			repaired++
		}
	}

	if repaired > 0 {
		m.logger.Infof("Repaired %d extension archives", repaired)
	}
	span.SetAttributes(attribute.Int("repaired", repaired))
	return repaired, nil
}

func (m *Manager) repair(ctx context.Context, e *extension.Entry) (bool, error) {
	reconvert := e.Jar.Version != m.converter.Version()
	repatch := e.Jar.PatchVersion != m.transformer.Version()
	if !reconvert && !repatch {
		return false, nil
	}

	dir, err := m.folder.VersionPath(e)
	if err != nil {
		return false, err
	}
	apkPath := filepath.Join(dir, e.Apk.FileName)
	jarPath := filepath.Join(dir, e.Jar.FileName)
	if e.Apk.FileName == "" || e.Jar.FileName == "" || !workfolder.FileExists(apkPath) || !workfolder.FileExists(jarPath) {
		m.logger.Debugf("Skipping repair of %s, artifacts missing", e.Apk.FileName)
		return false, nil
	}

	unit, err := workfolder.NewWorkUnit(m.folder, e)
	if err != nil {
		return false, err
	}
	defer unit.Close()

	if reconvert {
		m.logger.Infof("Reconverting %s, archive built by converter %q", e.Apk.FileName, e.Jar.Version)
		if err := workfolder.CopyFile(apkPath, unit.ApkPath()); err != nil {
			return false, fmt.Errorf("failed to copy package: %w", err)
		}
		if err := m.convert(ctx, unit); err != nil {
			return false, err
		}
	} else {
		m.logger.Infof("Re-patching %s, archive built by pass %q", e.Apk.FileName, e.Jar.PatchVersion)
		if err := workfolder.CopyFile(jarPath, unit.JarPath()); err != nil {
			return false, fmt.Errorf("failed to copy archive: %w", err)
		}
	}

	if err := m.transform(ctx, unit.JarPath(), e); err != nil {
		return false, err
	}
	if err := replaceFile(unit.JarPath(), filepath.Join(dir, e.Jar.FileName)); err != nil {
		return false, err
	}

	return true, m.writeBack(ctx, *e)
}

// writeBack replaces an existing entry; entries of removed groups are dropped
func (m *Manager) writeBack(ctx context.Context, entry extension.Entry) error {
	var groupID string
	err := m.mutate(ctx, func(groups []*extension.Group) ([]*extension.Group, bool) {
		for _, g := range groups {
			if i := g.IndexOf(entry.ID()); i >= 0 {
				g.Entries[i] = entry.Clone()
				groupID = g.ID
				return groups, true
			}
		}
		return groups, false
	})
	if err != nil {
		return err
	}
	if groupID != "" && m.isBound(groupID, entry.ID()) {
		m.cache.Dispose(groupID)
	}
	return nil
}

func replaceFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	return workfolder.WriteAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}
