package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/catalog"
	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/httputil"
	"github.com/platinummonkey/extbridge/pkg/interop"
	"github.com/platinummonkey/extbridge/pkg/manager"
	"github.com/platinummonkey/extbridge/pkg/observability"
)

func sampleGroup() *extension.Group {
	g := extension.NewGroup("g1", "tachiyomi-en.foo")
	g.Entries = []extension.Entry{
		{RepositoryID: "local", Name: "tachiyomi-en.foo", Apk: extension.FileHash{FileName: "a.apk", SHA256: "aaa"}},
		{RepositoryID: "local", Name: "tachiyomi-en.foo", Apk: extension.FileHash{FileName: "b.apk", SHA256: "bbb"}},
	}
	return g
}

type fakeInterop struct {
	sources []extension.Source
	prefs   map[string][]interop.Preference
}

func (f *fakeInterop) ID() string      { return "bbb" }
func (f *fakeInterop) Name() string    { return "tachiyomi-en.foo" }
func (f *fakeInterop) Version() string { return "1.4.2" }
func (f *fakeInterop) Close() error    { return nil }

func (f *fakeInterop) Sources(ctx context.Context) ([]extension.Source, error) {
	return f.sources, nil
}

func (f *fakeInterop) LoadPreferences(ctx context.Context, sourceID string) ([]interop.Preference, error) {
	prefs, ok := f.prefs[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", sourceID, manager.ErrGroupNotFound)
	}
	return prefs, nil
}

func (f *fakeInterop) SavePreferences(ctx context.Context, sourceID string, prefs []interop.Preference) error {
	f.prefs[sourceID] = prefs
	return nil
}

func (f *fakeInterop) Invoke(ctx context.Context, sourceID, op string, args json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("not supported")
}

type fakeExtensions struct {
	groups   map[string]*extension.Group
	uploaded []byte
	force    bool
	addErr   error
	interop  *fakeInterop
	initErr  error
}

func newFakeExtensions() *fakeExtensions {
	return &fakeExtensions{
		groups: map[string]*extension.Group{"g1": sampleGroup()},
		interop: &fakeInterop{
			sources: []extension.Source{{ID: "101", Name: "Foo", Language: "en"}},
			prefs:   map[string][]interop.Preference{"101": {{Key: "quality", Type: "list"}}},
		},
	}
}

func (f *fakeExtensions) List() ([]*extension.Group, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	out := []*extension.Group{}
	for _, g := range f.groups {
		out = append(out, g.Clone())
	}
	return out, nil
}

func (f *fakeExtensions) FindByID(id string) (*extension.Group, bool, error) {
	g, ok := f.groups[id]
	if !ok {
		return nil, false, nil
	}
	return g.Clone(), true, nil
}

func (f *fakeExtensions) AddFromBytes(ctx context.Context, data []byte, force bool) (*extension.Group, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.uploaded, f.force = data, force
	return f.groups["g1"].Clone(), nil
}

func (f *fakeExtensions) RemoveGroup(ctx context.Context, groupID string) (bool, error) {
	_, ok := f.groups[groupID]
	delete(f.groups, groupID)
	return ok, nil
}

func (f *fakeExtensions) RemoveVersion(ctx context.Context, groupID, entryID string) (*extension.Group, error) {
	g := f.groups[groupID]
	i := g.IndexOf(entryID)
	g.Entries = append(g.Entries[:i], g.Entries[i+1:]...)
	if len(g.Entries) == 0 {
		delete(f.groups, groupID)
		return nil, nil
	}
	g.ActiveEntry = 0
	return g.Clone(), nil
}

func (f *fakeExtensions) SetActiveVersion(ctx context.Context, groupID string, index int) (*extension.Group, error) {
	g, ok := f.groups[groupID]
	if !ok {
		return nil, manager.ErrGroupNotFound
	}
	if index < 0 || index >= len(g.Entries) {
		return nil, manager.ErrIndexOutOfRange
	}
	g.ActiveEntry = index
	return g.Clone(), nil
}

func (f *fakeExtensions) GetInterop(ctx context.Context, groupID string) (interop.Extension, error) {
	if _, ok := f.groups[groupID]; !ok {
		return nil, manager.ErrGroupNotFound
	}
	return f.interop, nil
}

func (f *fakeExtensions) ValidateAll(ctx context.Context) (int, error) {
	return 2, nil
}

type fakeCatalogs struct {
	repos     []extension.Repository
	refreshed int
	addErr    error
}

func (f *fakeCatalogs) List() ([]extension.Repository, error) {
	return f.repos, nil
}

func (f *fakeCatalogs) Add(ctx context.Context, url string) (bool, error) {
	if f.addErr != nil {
		return false, f.addErr
	}
	repo := extension.NewRepository(url)
	for _, r := range f.repos {
		if strings.EqualFold(r.URL, repo.URL) {
			return false, nil
		}
	}
	f.repos = append(f.repos, repo)
	return true, nil
}

func (f *fakeCatalogs) Remove(ctx context.Context, url string) (bool, error) {
	url = extension.NormalizeRepositoryURL(url)
	for i, r := range f.repos {
		if r.URL == url {
			f.repos = append(f.repos[:i], f.repos[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCatalogs) RefreshAll(ctx context.Context) error {
	f.refreshed++
	return nil
}

func (f *fakeCatalogs) Install(ctx context.Context, apkName string, force bool) (*extension.Group, error) {
	if apkName != "tachiyomi-en.foo-v1.4.2.apk" {
		return nil, fmt.Errorf("%w: %s", catalog.ErrExtensionNotFound, apkName)
	}
	return sampleGroup(), nil
}

type apiHarness struct {
	server     *Server
	handler    http.Handler
	extensions *fakeExtensions
	catalogs   *fakeCatalogs
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	metrics.RecordPipelineRun("local", "installed")

	h := &apiHarness{extensions: newFakeExtensions(), catalogs: &fakeCatalogs{}}
	h.server = NewServer(Options{
		Extensions:     h.extensions,
		Catalogs:       h.catalogs,
		Health:         observability.NewHealthChecker("test"),
		Registry:       registry,
		MaxUploadBytes: 16,
		Logger:         logger,
	})
	h.handler = h.server.Handler()
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, httptest.NewRequest(method, path, r))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestListExtensions(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/api/v1/extensions", "")
	require.Equal(t, http.StatusOK, w.Code)

	groups := decode[[]extension.Group](t, w)
	require.Len(t, groups, 1)
	assert.Equal(t, "g1", groups[0].ID)
	assert.NotEmpty(t, w.Header().Get(httputil.RequestIDHeader))

	h.extensions.initErr = manager.ErrNotInitialized
	w = h.do(t, http.MethodGet, "/api/v1/extensions", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, "extension registry is still initializing", body.Error)
	assert.Equal(t, w.Header().Get(httputil.RequestIDHeader), body.RequestID)
}

func TestUploadExtension(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/extensions?force=true", "package")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []byte("package"), h.extensions.uploaded)
	assert.True(t, h.extensions.force)

	w = h.do(t, http.MethodPost, "/api/v1/extensions", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/extensions?force=perhaps", "package")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/extensions", strings.Repeat("x", 17))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUploadExtension_Rejected(t *testing.T) {
	h := newAPIHarness(t)
	h.extensions.addErr = &apk.ValidationError{Field: "versionName", Message: "library version 1.7 is not supported"}

	w := h.do(t, http.MethodPost, "/api/v1/extensions", "package")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, "library version 1.7 is not supported", body.Details["versionName"])

	h.extensions.addErr = fmt.Errorf("convert: %w", manager.ErrConversionFailed)
	w = h.do(t, http.MethodPost, "/api/v1/extensions", "package")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestInstallExtension(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/extensions/install", `{"apk":"tachiyomi-en.foo-v1.4.2.apk"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/extensions/install", `{"apk":"other.apk"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/extensions/install", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateExtensions(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/api/v1/extensions/validate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ValidateResponse{Repaired: 2}, decode[ValidateResponse](t, w))
}

func TestRemoveVersionAndGroup(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodDelete, "/api/v1/extensions/g1/versions/zzz", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodDelete, "/api/v1/extensions/g1/versions/aaa", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[extension.Group](t, w).Entries, 1)

	w = h.do(t, http.MethodDelete, "/api/v1/extensions/g1/versions/bbb", "")
	assert.Equal(t, http.StatusNoContent, w.Code, "last version removes the group")

	w = h.do(t, http.MethodDelete, "/api/v1/extensions/g1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	h.extensions.groups["g2"] = sampleGroup()
	w = h.do(t, http.MethodDelete, "/api/v1/extensions/g2", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSetActiveVersion(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPut, "/api/v1/extensions/g1/active", `{"index":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[extension.Group](t, w).ActiveEntry)

	w = h.do(t, http.MethodPut, "/api/v1/extensions/g1/active", `{"index":5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPut, "/api/v1/extensions/g1/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPut, "/api/v1/extensions/nope/active", `{"index":0}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSourcesAndPreferences(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/api/v1/extensions/g1/sources", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, h.extensions.interop.sources, decode[[]extension.Source](t, w))

	w = h.do(t, http.MethodGet, "/api/v1/extensions/g1/sources/101/preferences", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quality", decode[[]interop.Preference](t, w)[0].Key)

	w = h.do(t, http.MethodPut, "/api/v1/extensions/g1/sources/101/preferences",
		`{"preferences":[{"key":"lang","type":"list","value":"\"en\""}]}`)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "lang", h.extensions.interop.prefs["101"][0].Key)

	w = h.do(t, http.MethodGet, "/api/v1/extensions/missing/sources", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRepositories(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/repositories", `{"url":"https://example.org/repo/index.min.json"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/repositories", `{"url":"https://EXAMPLE.org/repo"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/repositories", `{"url":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.catalogs.addErr = fmt.Errorf("fetch: %w", catalog.ErrUnsupportedScheme)
	w = h.do(t, http.MethodPost, "/api/v1/repositories", `{"url":"ftp://x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	h.catalogs.addErr = &catalog.StatusError{URL: "https://x/index.json", Code: 500}
	w = h.do(t, http.MethodPost, "/api/v1/repositories", `{"url":"https://x"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/repositories", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]extension.Repository](t, w), 1)

	w = h.do(t, http.MethodPost, "/api/v1/repositories/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.catalogs.refreshed)

	w = h.do(t, http.MethodDelete, "/api/v1/repositories?url="+"https://example.org/repo", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = h.do(t, http.MethodDelete, "/api/v1/repositories?url="+"https://example.org/repo", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(t, http.MethodDelete, "/api/v1/repositories", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOperationalEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, bytes.Contains(w.Body.Bytes(), []byte("extbridge_pipeline_runs_total")))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{catalog.ErrNotInitialized, http.StatusServiceUnavailable},
		{fmt.Errorf("x: %w", manager.ErrGroupNotFound), http.StatusNotFound},
		{manager.ErrNoSources, http.StatusUnprocessableEntity},
		{catalog.ErrNoIndex, http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
