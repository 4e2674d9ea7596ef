package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

var sampleIndex = []extension.Extension{
	{
		Name:        "Tachiyomi: Foo",
		Package:     "eu.kanade.tachiyomi.extension.en.foo",
		Apk:         "tachiyomi-en.foo-v1.4.7.apk",
		Language:    "en",
		VersionCode: 7,
		Version:     "1.4.7",
		Sources:     []extension.Source{{Name: "Foo", Language: "en", ID: "123", BaseURL: "https://foo.example"}},
	},
}

type catalogServer struct {
	*httptest.Server
	indexStatus   atomic.Int32
	metaStatus    atomic.Int32
	notModified   atomic.Int32
	userAgentSeen atomic.Value
}

func newCatalogServer(t *testing.T) *catalogServer {
	t.Helper()
	cs := &catalogServer{}
	cs.indexStatus.Store(http.StatusNotFound)
	cs.metaStatus.Store(http.StatusOK)
	index, err := json.Marshal(sampleIndex)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/repo/repo.json", func(w http.ResponseWriter, r *http.Request) {
		if status := int(cs.metaStatus.Load()); status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		io.WriteString(w, `{"meta":{"name":"Foo Repo","website":"https://foo.example","signingKeyFingerprint":"abcd"}}`)
	})
	mux.HandleFunc("/repo/index.min.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(cs.indexStatus.Load()))
	})
	mux.HandleFunc("/repo/index.json", func(w http.ResponseWriter, r *http.Request) {
		cs.userAgentSeen.Store(r.Header.Get("User-Agent"))
		if r.Header.Get("If-None-Match") == `"v1"` {
			cs.notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(index)
	})
	mux.HandleFunc("/repo/apk/tachiyomi-en.foo-v1.4.7.apk", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "package bytes")
	})

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDownloader_FetchIndex(t *testing.T) {
	cs := newCatalogServer(t)
	d := NewDownloader(DownloaderOptions{Logger: quietLogger()})

	repo := extension.NewRepository(cs.URL + "/repo/index.min.json")
	got, err := d.FetchIndex(context.Background(), repo)
	require.NoError(t, err)

	assert.Equal(t, repo.ID, got.ID)
	assert.Equal(t, "Foo Repo", got.Name)
	assert.Equal(t, "https://foo.example", got.Website)
	assert.Equal(t, "abcd", got.Fingerprint)
	assert.Equal(t, sampleIndex, got.Extensions)
	assert.False(t, got.LastUpdated.IsZero())
	assert.Equal(t, UserAgent, cs.userAgentSeen.Load())
}

func TestDownloader_FetchIndex_MetaOptional(t *testing.T) {
	cs := newCatalogServer(t)
	cs.metaStatus.Store(http.StatusInternalServerError)
	d := NewDownloader(DownloaderOptions{Logger: quietLogger()})

	got, err := d.FetchIndex(context.Background(), extension.NewRepository(cs.URL+"/repo"))
	require.NoError(t, err)
	assert.Empty(t, got.Name)
	assert.Len(t, got.Extensions, 1)
}

func TestDownloader_FetchIndex_Errors(t *testing.T) {
	d := NewDownloader(DownloaderOptions{Logger: quietLogger()})

	t.Run("non 404 status stops", func(t *testing.T) {
		cs := newCatalogServer(t)
		cs.indexStatus.Store(http.StatusBadGateway)
		_, err := d.FetchIndex(context.Background(), extension.NewRepository(cs.URL+"/repo"))
		var serr *StatusError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, http.StatusBadGateway, serr.Code)
	})

	t.Run("no index", func(t *testing.T) {
		cs := newCatalogServer(t)
		_, err := d.FetchIndex(context.Background(), extension.NewRepository(cs.URL+"/missing"))
		assert.ErrorIs(t, err, ErrNoIndex)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := d.FetchIndex(context.Background(), extension.NewRepository("ftp://example.org/repo"))
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("empty url", func(t *testing.T) {
		_, err := d.FetchIndex(context.Background(), extension.Repository{})
		assert.Error(t, err)
	})
}

func TestDownloader_ConditionalIndex(t *testing.T) {
	cs := newCatalogServer(t)
	cache := NewMemoryIndexCache(8, 0, nil)
	d := NewDownloader(DownloaderOptions{Cache: cache, Logger: quietLogger()})
	repo := extension.NewRepository(cs.URL + "/repo")

	first, err := d.FetchIndex(context.Background(), repo)
	require.NoError(t, err)
	assert.Zero(t, cs.notModified.Load())

	second, err := d.FetchIndex(context.Background(), repo)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cs.notModified.Load())
	assert.Equal(t, first.Extensions, second.Extensions)

	stats := cache.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Items)
}

func TestDownloader_FetchPackage(t *testing.T) {
	cs := newCatalogServer(t)
	d := NewDownloader(DownloaderOptions{Logger: quietLogger()})
	folder, err := workfolder.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	repo := extension.NewRepository(cs.URL + "/repo")
	entry := &extension.Entry{RepositoryID: repo.ID, Extension: sampleIndex[0]}
	unit, err := workfolder.NewWorkUnit(folder, entry)
	require.NoError(t, err)
	defer unit.Close()

	require.NoError(t, d.FetchPackage(context.Background(), repo, unit))

	data, err := os.ReadFile(unit.ApkPath())
	require.NoError(t, err)
	assert.Equal(t, "package bytes", string(data))
	assert.Equal(t, extension.HashBytes(data), entry.Apk.SHA256)
	assert.Equal(t, "tachiyomi-en.foo-v1.4.7.apk", entry.Apk.FileName)
	assert.Equal(t, "tachiyomi-en.foo", entry.Name)
	assert.Equal(t, cs.URL+"/repo/apk/tachiyomi-en.foo-v1.4.7.apk", entry.DownloadURL)
	assert.False(t, entry.DownloadedAt.IsZero())

	missing := &extension.Entry{Extension: extension.Extension{Apk: "nope.apk", Version: "1"}}
	unit2, err := workfolder.NewWorkUnit(folder, missing)
	require.NoError(t, err)
	defer unit2.Close()
	assert.ErrorIs(t, d.FetchPackage(context.Background(), repo, unit2), ErrNotFound)
}
