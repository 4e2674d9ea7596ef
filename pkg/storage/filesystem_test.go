package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

func newFileStore(t *testing.T) (*FileSystemStorage, *workfolder.Structure) {
	t.Helper()
	folder, err := workfolder.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewFileSystemStorage(folder, logger), folder
}

func sampleGroup(name string, codes ...int) *extension.Group {
	g := extension.NewGroup("group-"+name, name)
	for _, code := range codes {
		g.Entries = append(g.Entries, extension.Entry{
			RepositoryID: "repo",
			Name:         name,
			Extension: extension.Extension{
				Name:        name,
				Package:     "eu.kanade.tachiyomi.extension.en." + name,
				VersionCode: code,
				Version:     fmt.Sprintf("1.4.%d", code),
			},
			Apk: extension.FileHash{FileName: name + ".apk", SHA256: fmt.Sprintf("%s-sha-%d", name, code)},
		})
	}
	return g
}

func sampleRepository(url string) extension.Repository {
	repo := extension.NewRepository(url)
	repo.Name = "Sample"
	repo.Extensions = []extension.Extension{{Name: "Tachiyomi: Foo", Package: "foo", VersionCode: 3, Version: "1.4.3"}}
	return repo
}

func TestFileSystemStorage_LocalGroups(t *testing.T) {
	store, folder := newFileStore(t)
	ctx := context.Background()

	groups, err := store.LoadLocalGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.NotNil(t, groups)

	want := []*extension.Group{sampleGroup("foo", 1, 2), sampleGroup("bar", 5)}
	require.NoError(t, store.SaveLocalGroups(ctx, want))
	assert.FileExists(t, folder.LocalRepositoryFile())

	got, err := store.LoadLocalGroups(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[0].Entries, got[0].Entries)
	assert.Equal(t, "bar", got[1].Name)

	require.NoError(t, store.SaveLocalGroups(ctx, nil))
	got, err = store.LoadLocalGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileSystemStorage_LocalGroupsCorrupt(t *testing.T) {
	store, folder := newFileStore(t)
	require.NoError(t, os.WriteFile(folder.LocalRepositoryFile(), []byte("{not json"), 0644))

	_, err := store.LoadLocalGroups(context.Background())
	assert.Error(t, err)
}

func TestFileSystemStorage_OnlineRepositories(t *testing.T) {
	store, folder := newFileStore(t)
	ctx := context.Background()

	a := sampleRepository("https://example.com/a")
	b := sampleRepository("https://example.com/b")
	require.NoError(t, store.SaveOnlineRepository(ctx, a))
	require.NoError(t, store.SaveOnlineRepository(ctx, b))
	assert.FileExists(t, folder.OnlineRepositoryFile(a.ID))

	// A corrupt document is skipped, not fatal
	require.NoError(t, os.WriteFile(folder.OnlineRepositoryFile("broken"), []byte("]["), 0644))

	repos, err := store.LoadOnlineRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 2)
	ids := []string{repos[0].ID, repos[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	require.NoError(t, store.DeleteOnlineRepository(ctx, a.ID))
	assert.NoFileExists(t, folder.OnlineRepositoryFile(a.ID))
	require.NoError(t, store.DeleteOnlineRepository(ctx, a.ID), "deleting twice is fine")

	repos, err = store.LoadOnlineRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, b.ID, repos[0].ID)
	assert.Equal(t, b.Extensions, repos[0].Extensions)
}

func TestFileSystemStorage_SaveRequiresID(t *testing.T) {
	store, _ := newFileStore(t)
	err := store.SaveOnlineRepository(context.Background(), extension.Repository{URL: "x"})
	assert.Error(t, err)
}

func TestFileSystemStorage_Cancelled(t *testing.T) {
	store, _ := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.LoadLocalGroups(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.SaveLocalGroups(ctx, nil), context.Canceled)
	assert.ErrorIs(t, store.DeleteOnlineRepository(ctx, "x"), context.Canceled)
}

func TestFileSystemStorage_HealthCheck(t *testing.T) {
	store, folder := newFileStore(t)
	require.NoError(t, store.HealthCheck(context.Background()))

	entries, err := os.ReadDir(filepath.Dir(folder.LocalRepositoryFile()))
	require.NoError(t, err)
	assert.Empty(t, entries, "health check cleans up after itself")
	assert.NoError(t, store.Close())
}

func TestOpen(t *testing.T) {
	folder, err := workfolder.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)

	store, err := Open(Config{}, folder, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileSystemStorage{}, store)

	_, err = Open(Config{Driver: DriverPostgres}, folder, nil)
	assert.Error(t, err)

	_, err = Open(Config{Driver: "mongo"}, folder, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Driver = DriverSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "registry.db")
	store, err = Open(cfg, folder, nil)
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &SQLStorage{}, store)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
