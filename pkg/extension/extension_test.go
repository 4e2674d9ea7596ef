package extension

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalApkName(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		version string
		want    string
	}{
		{
			name:    "tachiyomi package",
			pkg:     "eu.kanade.tachiyomi.extension.en.mangadex",
			version: "1.4.12",
			want:    "tachiyomi-en.mangadex-v1.4.12.apk",
		},
		{
			name:    "third party package",
			pkg:     "org.example.extension.all.comics",
			version: "1.3.1",
			want:    "org.example-all.comics-v1.3.1.apk",
		},
		{
			name:    "no extension marker",
			pkg:     "com.example.reader",
			version: "2.0",
			want:    "com.example.reader-v2.0.apk",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalApkName(tt.pkg, tt.version))
		})
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		name string
		ext  Extension
		want string
	}{
		{
			name: "expected suffix",
			ext:  Extension{Apk: "tachiyomi-en.mangadex-v1.4.12.apk", Version: "1.4.12"},
			want: "tachiyomi-en.mangadex",
		},
		{
			name: "version mismatch falls back to last -v",
			ext:  Extension{Apk: "tachiyomi-en.foo-v1.4.9.apk", Version: "1.4.10"},
			want: "tachiyomi-en.foo",
		},
		{
			name: "no version marker",
			ext:  Extension{Apk: "plain.apk"},
			want: "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Name(tt.ext))
		})
	}
}

func TestNormalizeRepositoryURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.org/repo/index.min.json", "https://example.org/repo"},
		{"https://example.org/repo/index.json", "https://example.org/repo"},
		{"https://example.org/repo/INDEX.JSON", "https://example.org/repo"},
		{"https://example.org/repo/", "https://example.org/repo"},
		{"https://example.org/repo", "https://example.org/repo"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRepositoryURL(tt.in))
		})
	}
}

func TestRepositoryID_CaseInsensitive(t *testing.T) {
	a := RepositoryID("https://Example.org/Repo")
	b := RepositoryID("HTTPS://EXAMPLE.ORG/REPO")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestNewRepository(t *testing.T) {
	repo := NewRepository("https://example.org/repo/index.min.json")

	assert.Equal(t, "https://example.org/repo", repo.URL)
	assert.Equal(t, RepositoryID("https://example.org/repo"), repo.ID)
}

func TestApkAndIconURL(t *testing.T) {
	repo := Repository{URL: "https://example.org/repo/"}
	x := Extension{Apk: "tachiyomi-en.foo-v1.4.1.apk"}

	assert.Equal(t, "https://example.org/repo/apk/tachiyomi-en.foo-v1.4.1.apk", ApkURL(repo, x))
	assert.Equal(t, "https://example.org/repo/icon/tachiyomi-en.foo-v1.4.1.png", IconURL(repo, x))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "MangaDex", DisplayName("Tachiyomi: MangaDex"))
	assert.Equal(t, "Comics", DisplayName("Comics"))
}

func TestGroup_HighestVersionIndex(t *testing.T) {
	g := NewGroup("id", "foo")
	assert.Equal(t, -1, g.HighestVersionIndex())

	for _, code := range []int{100, 250, 180} {
		g.Entries = append(g.Entries, Entry{Extension: Extension{VersionCode: code}})
	}
	assert.Equal(t, 1, g.HighestVersionIndex())
}

func TestGroup_CloneIsDeep(t *testing.T) {
	g := NewGroup("id", "foo")
	g.Entries = []Entry{{
		Apk:       FileHash{SHA256: "a"},
		Extension: Extension{Sources: []Source{{ID: "1", Name: "one"}}},
	}}

	c := g.Clone()
	c.Entries[0].Extension.Sources[0].Name = "changed"
	c.Entries = append(c.Entries, Entry{})

	assert.Equal(t, "one", g.Entries[0].Extension.Sources[0].Name)
	assert.Len(t, g.Entries, 1)
}

func TestGroup_Active(t *testing.T) {
	g := NewGroup("id", "foo")
	_, ok := g.Active()
	assert.False(t, ok)

	g.Entries = []Entry{{Apk: FileHash{SHA256: "a"}}, {Apk: FileHash{SHA256: "b"}}}
	g.ActiveEntry = 1
	e, ok := g.Active()
	require.True(t, ok)
	assert.Equal(t, "b", e.ID())
	assert.Equal(t, 0, g.IndexOf("a"))
	assert.Equal(t, -1, g.IndexOf("missing"))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	h, err := HashFile(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "artifact.bin", h.FileName)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", h.SHA256)
	assert.Equal(t, HashBytes([]byte("hello")), h.SHA256)

	hv, err := HashFileVersion(context.Background(), path, "1.0.0", "2")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", hv.Version)
	assert.Equal(t, "2", hv.PatchVersion)
	assert.Equal(t, h, hv.Hash())
}

func TestHashFile_Missing(t *testing.T) {
	_, err := HashFile(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
