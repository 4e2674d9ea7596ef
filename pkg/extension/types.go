// Package extension defines the registry data model.
package extension

import (
	"time"
)

// LocalRepositoryID is the repository id recorded for sideloaded packages
const LocalRepositoryID = "local"

// Source is one logical source declared by an extension
type Source struct {
	Name      string `json:"name"`
	Language  string `json:"lang"`
	ID        string `json:"id"`
	BaseURL   string `json:"baseUrl,omitempty"`
	VersionID int    `json:"versionId,omitempty"`
}

// Extension is the catalog descriptor of one extension package.
// JSON tags follow the catalog index wire format.
type Extension struct {
	Name        string   `json:"name"`
	Package     string   `json:"pkg"`
	Apk         string   `json:"apk"`
	Language    string   `json:"lang"`
	VersionCode int      `json:"code"`
	Version     string   `json:"version"`
	Nsfw        int      `json:"nsfw"`
	Sources     []Source `json:"sources,omitempty"`
}

// FileHash identifies an artifact by name and content
type FileHash struct {
	FileName string `json:"fileName"`
	SHA256   string `json:"sha256"`
}

// FileHashVersion is a FileHash stamped with the versions of the tools that produced it
type FileHashVersion struct {
	FileName     string `json:"fileName"`
	SHA256       string `json:"sha256"`
	Version      string `json:"version"`                // converter version
	PatchVersion string `json:"patchVersion,omitempty"` // transformation pass version
}

// Hash returns the plain FileHash part
func (f FileHashVersion) Hash() FileHash {
	return FileHash{FileName: f.FileName, SHA256: f.SHA256}
}

// Entry is one installed version of an extension
type Entry struct {
	RepositoryID string          `json:"repositoryId"`
	IsLocal      bool            `json:"isLocal"`
	Name         string          `json:"name"`
	ClassName    string          `json:"className"`
	Extension    Extension       `json:"extension"`
	DownloadURL  string          `json:"downloadUrl,omitempty"`
	DownloadedAt time.Time       `json:"downloadedAt"`
	Apk          FileHash        `json:"apk"`
	Jar          FileHashVersion `json:"jar"`
	Icon         FileHash        `json:"icon"`
}

// ID is the content address of the entry's package
func (e *Entry) ID() string {
	return e.Apk.SHA256
}

// Clone returns a deep copy of the entry
func (e Entry) Clone() Entry {
	e.Extension = e.Extension.Clone()
	return e
}

// Clone returns a deep copy of the descriptor
func (x Extension) Clone() Extension {
	if x.Sources != nil {
		x.Sources = append([]Source(nil), x.Sources...)
	}
	return x
}

// Group holds every installed version of one logical extension
type Group struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ActiveEntry int     `json:"activeEntry"`
	AutoUpdate  bool    `json:"autoUpdate"`
	Entries     []Entry `json:"entries"`
}

// NewGroup returns an empty group with auto-update enabled
func NewGroup(id, name string) *Group {
	return &Group{
		ID:         id,
		Name:       name,
		AutoUpdate: true,
	}
}

// Clone returns a deep copy of the group
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	c := *g
	c.Entries = make([]Entry, len(g.Entries))
	for i, e := range g.Entries {
		c.Entries[i] = e.Clone()
	}
	return &c
}

// Active returns the active entry, or false when the index is out of range
func (g *Group) Active() (*Entry, bool) {
	if g.ActiveEntry < 0 || g.ActiveEntry >= len(g.Entries) {
		return nil, false
	}
	return &g.Entries[g.ActiveEntry], true
}

// IndexOf returns the index of the entry with the given id, or -1
func (g *Group) IndexOf(entryID string) int {
	for i := range g.Entries {
		if g.Entries[i].ID() == entryID {
			return i
		}
	}
	return -1
}

// HighestVersionIndex returns the index of the entry with the highest
// version code. The first entry wins ties. Returns -1 for an empty group.
func (g *Group) HighestVersionIndex() int {
	best := -1
	for i := range g.Entries {
		if best < 0 || g.Entries[i].Extension.VersionCode > g.Entries[best].Extension.VersionCode {
			best = i
		}
	}
	return best
}

// Repository is a remote extension catalog
type Repository struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Website     string      `json:"website,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	URL         string      `json:"url"`
	LastUpdated time.Time   `json:"lastUpdated"`
	Extensions  []Extension `json:"extensions"`
}

// NewRepository normalizes url and derives the repository id from it
func NewRepository(url string) Repository {
	normalized := NormalizeRepositoryURL(url)
	return Repository{
		ID:  RepositoryID(normalized),
		URL: normalized,
	}
}

// Clone returns a deep copy of the repository
func (r Repository) Clone() Repository {
	exts := make([]Extension, len(r.Extensions))
	for i, x := range r.Extensions {
		exts[i] = x.Clone()
	}
	r.Extensions = exts
	return r
}
