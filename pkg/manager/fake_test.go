package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/classfile"
	"github.com/platinummonkey/extbridge/pkg/converter"
	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/storage"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

const testPackage = "eu.kanade.tachiyomi.extension.en.foo"

var _ Converter = (*converter.CommandConverter)(nil)

// fakePackage stands in for a real package: the parser reads it as JSON
type fakePackage struct {
	Manifest apk.Manifest `json:"manifest"`
	Icon     []byte       `json:"icon,omitempty"`
}

func packageBytes(t *testing.T, versionName string, code int) []byte {
	t.Helper()
	data, err := json.Marshal(fakePackage{
		Manifest: apk.Manifest{
			Package:     testPackage,
			Label:       "Tachiyomi: Foo",
			VersionName: versionName,
			VersionCode: code,
			Features:    []string{apk.ExtensionFeature},
			MetaData: map[string]string{
				"tachiyomi.extension.class": ".Foo",
				"tachiyomi.extension.nsfw":  "1",
			},
		},
		Icon: []byte("png-" + versionName),
	})
	require.NoError(t, err)
	return data
}

type fakeParser struct{}

func (fakeParser) Inspect(r io.ReaderAt, size int64) (*apk.Package, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, err
	}
	var p fakePackage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &apk.ValidationError{Field: "package", Message: err.Error()}
	}
	if errs := apk.ValidateManifest(&p.Manifest, apk.DefaultLimits()); len(errs) > 0 {
		return nil, &errs[0]
	}
	pkg := &apk.Package{Manifest: p.Manifest}
	if len(p.Icon) > 0 {
		pkg.Icon = &apk.Icon{Path: "res/mipmap-xxxhdpi/ic_launcher.png", Density: 640, Data: p.Icon}
	}
	return pkg, nil
}

// fakeConverter writes an archive holding a copy of the package
type fakeConverter struct {
	version string
	calls   atomic.Int32
	fail    error
}

func (c *fakeConverter) Version() string {
	return c.version
}

func (c *fakeConverter) Convert(ctx context.Context, unit *workfolder.WorkUnit) error {
	c.calls.Add(1)
	if c.fail != nil {
		return c.fail
	}
	data, err := os.ReadFile(unit.ApkPath())
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("assets/package.json")
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(unit.JarPath(), buf.Bytes(), 0644)
}

// versionedTransformer runs the real pass under a configurable version tag
type versionedTransformer struct {
	*classfile.Transformer
	version string
	calls   atomic.Int32
}

func (v *versionedTransformer) Version() string {
	return v.version
}

func (v *versionedTransformer) TransformArchive(ctx context.Context, path string) (classfile.Stats, error) {
	v.calls.Add(1)
	return v.Transformer.TransformArchive(ctx, path)
}

type fakeDownloader struct {
	packages map[string][]byte
	calls    atomic.Int32
}

func (d *fakeDownloader) FetchPackage(ctx context.Context, repo extension.Repository, unit *workfolder.WorkUnit) error {
	d.calls.Add(1)
	data, ok := d.packages[unit.Entry.Apk.FileName]
	if !ok {
		return fmt.Errorf("%s not in catalog", unit.Entry.Apk.FileName)
	}
	unit.Entry.DownloadURL = extension.ApkURL(repo, unit.Entry.Extension)
	return os.WriteFile(unit.ApkPath(), data, 0644)
}

type fakeInstance struct {
	binding interop.Binding
	sources []extension.Source
	closes  atomic.Int32
}

func (f *fakeInstance) Sources(ctx context.Context) ([]extension.Source, error) {
	return f.sources, nil
}

func (f *fakeInstance) LoadPreferences(ctx context.Context, sourceID string) ([]interop.Preference, error) {
	return nil, nil
}

func (f *fakeInstance) SavePreferences(ctx context.Context, sourceID string, prefs []interop.Preference) error {
	return nil
}

func (f *fakeInstance) Invoke(ctx context.Context, sourceID, op string, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`"` + f.binding.Version + `"`), nil
}

func (f *fakeInstance) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeEngine struct {
	mu      sync.Mutex
	sources []extension.Source
	opened  []*fakeInstance
}

func (e *fakeEngine) Open(ctx context.Context, b interop.Binding) (interop.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst := &fakeInstance{binding: b, sources: append([]extension.Source(nil), e.sources...)}
	e.opened = append(e.opened, inst)
	return inst, nil
}

func (e *fakeEngine) setSources(sources ...extension.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = sources
}

// live returns the instances opened against a bound group
func (e *fakeEngine) live() []*fakeInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*fakeInstance
	for _, inst := range e.opened {
		if inst.binding.GroupID != "" {
			out = append(out, inst)
		}
	}
	return out
}

// flakyStore fails saves while failing is set
type flakyStore struct {
	storage.LocalStore
	failing atomic.Bool
}

func (s *flakyStore) SaveLocalGroups(ctx context.Context, groups []*extension.Group) error {
	if s.failing.Load() {
		return errors.New("disk full")
	}
	return s.LocalStore.SaveLocalGroups(ctx, groups)
}

type harness struct {
	m          *Manager
	folder     *workfolder.Structure
	store      *flakyStore
	converter  *fakeConverter
	pass       *versionedTransformer
	downloader *fakeDownloader
	engine     *fakeEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	folder, err := workfolder.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	h := &harness{
		folder:     folder,
		store:      &flakyStore{LocalStore: storage.NewFileSystemStorage(folder, logger)},
		converter:  &fakeConverter{version: "2.4"},
		pass:       &versionedTransformer{Transformer: classfile.NewTransformer(classfile.DefaultOptions(), logger), version: classfile.Version},
		downloader: &fakeDownloader{packages: map[string][]byte{}},
		engine:     &fakeEngine{sources: []extension.Source{{ID: "101", Name: "Foo", Language: "en"}}},
	}

	h.m, err = New(Options{
		Store:       h.store,
		Folder:      folder,
		Downloader:  h.downloader,
		Converter:   h.converter,
		Parser:      fakeParser{},
		Transformer: h.pass,
		Engine:      h.engine,
		Move:        workfolder.MoveOptions{Retries: 1},
		Logger:      logger,
	})
	require.NoError(t, err)
	require.NoError(t, h.m.Initialize(context.Background()))
	return h
}

func (h *harness) install(t *testing.T, versionName string, code int) *extension.Group {
	t.Helper()
	g, err := h.m.AddFromBytes(context.Background(), packageBytes(t, versionName, code), false)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func tempEntries(t *testing.T, folder *workfolder.Structure) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(folder.TempFolder())
	require.NoError(t, err)
	return entries
}
