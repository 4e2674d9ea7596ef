package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/extbridge/pkg/extension"
	"github.com/platinummonkey/extbridge/pkg/workfolder"
)

var tracer = otel.Tracer("extbridge/catalog")

var (
	metaFiles  = []string{"repo.json"}
	indexFiles = []string{"index.min.json", "index.json"}
)

// DefaultHTTPTimeout bounds one http request, large packages included
const DefaultHTTPTimeout = 5 * time.Minute

type repoMeta struct {
	Meta struct {
		Name                  string `json:"name"`
		Website               string `json:"website"`
		SigningKeyFingerprint string `json:"signingKeyFingerprint"`
	} `json:"meta"`
}

// DownloaderOptions configures a Downloader. Transports maps url schemes
// to transports; http and https default to an HTTPTransport.
type DownloaderOptions struct {
	Transports map[string]Transport
	Cache      IndexCache
	Logger     *logrus.Logger
}

// Downloader fetches catalog indexes and packages
type Downloader struct {
	transports map[string]Transport
	cache      IndexCache
	logger     *logrus.Logger
}

// NewDownloader creates a downloader
func NewDownloader(opts DownloaderOptions) *Downloader {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	transports := make(map[string]Transport, len(opts.Transports)+2)
	for scheme, t := range opts.Transports {
		transports[scheme] = t
	}
	if transports["http"] == nil || transports["https"] == nil {
		ht := NewHTTPTransport(DefaultHTTPTimeout)
		if transports["http"] == nil {
			transports["http"] = ht
		}
		if transports["https"] == nil {
			transports["https"] = ht
		}
	}

	return &Downloader{
		transports: transports,
		cache:      opts.Cache,
		logger:     opts.Logger,
	}
}

func (d *Downloader) transport(rawURL string) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	t, ok := d.transports[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return t, nil
}

// FetchIndex returns repo filled from its catalog: metadata from the
// optional repo.json and the extension list from the first index file
// found
func (d *Downloader) FetchIndex(ctx context.Context, repo extension.Repository) (extension.Repository, error) {
	if repo.URL == "" {
		return repo, fmt.Errorf("repository url cannot be empty")
	}

	ctx, span := tracer.Start(ctx, "FetchIndex", trace.WithAttributes(
		attribute.String("repository", repo.URL),
	))
	defer span.End()

	d.logger.Infof("Fetching catalog %s", repo.URL)
	out := repo.Clone()
	d.fetchMeta(ctx, &out)

	for _, name := range indexFiles {
		indexURL := extension.JoinURL(repo.URL, name)
		body, err := d.fetchCached(ctx, indexURL)
		if errors.Is(err, ErrNotFound) {
			d.logger.Debugf("Index not found at %s, trying next candidate", indexURL)
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fetch index")
			return repo, err
		}

		var exts []extension.Extension
		if err := json.Unmarshal(body, &exts); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to parse index")
			return repo, fmt.Errorf("failed to parse %s: %w", indexURL, err)
		}
		if exts == nil {
			exts = []extension.Extension{}
		}
		out.Extensions = exts
		out.LastUpdated = time.Now().UTC()

		span.SetAttributes(attribute.Int("extensions", len(exts)))
		span.SetStatus(codes.Ok, "index fetched")
		d.logger.Infof("Fetched %d extensions from %s", len(exts), indexURL)
		return out, nil
	}

	err := fmt.Errorf("%w: %s", ErrNoIndex, repo.URL)
	span.RecordError(err)
	span.SetStatus(codes.Error, "no index")
	return repo, err
}

func (d *Downloader) fetchMeta(ctx context.Context, repo *extension.Repository) {
	for _, name := range metaFiles {
		metaURL := extension.JoinURL(repo.URL, name)
		body, err := d.fetch(ctx, metaURL)
		if err != nil {
			d.logger.Debugf("No catalog metadata at %s: %v", metaURL, err)
			continue
		}

		var meta repoMeta
		if err := json.Unmarshal(body, &meta); err != nil {
			d.logger.Warnf("Ignoring malformed catalog metadata at %s: %v", metaURL, err)
			continue
		}
		repo.Name = meta.Meta.Name
		repo.Website = meta.Meta.Website
		repo.Fingerprint = meta.Meta.SigningKeyFingerprint
		return
	}
}

func (d *Downloader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	t, err := d.transport(rawURL)
	if err != nil {
		return nil, err
	}
	obj, err := t.Open(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if obj.Body == nil {
		return nil, fmt.Errorf("GET %s: empty response", rawURL)
	}
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}

// fetchCached reads rawURL conditionally on the cached validators
func (d *Downloader) fetchCached(ctx context.Context, rawURL string) ([]byte, error) {
	if d.cache == nil {
		return d.fetch(ctx, rawURL)
	}

	t, err := d.transport(rawURL)
	if err != nil {
		return nil, err
	}
	cached, _ := d.cache.Get(ctx, rawURL)

	obj, err := t.Open(ctx, rawURL, cached)
	if err != nil {
		return nil, err
	}
	if obj.NotModified {
		if cached == nil {
			return nil, fmt.Errorf("GET %s: not modified without a cached copy", rawURL)
		}
		d.logger.Debugf("Index %s not modified, using cached copy", rawURL)
		return cached.Body, nil
	}
	defer obj.Body.Close()

	body, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if obj.ETag != "" || obj.LastModified != "" {
		idx := &CachedIndex{ETag: obj.ETag, LastModified: obj.LastModified, Body: body}
		if err := d.cache.Set(ctx, rawURL, idx); err != nil {
			d.logger.Warnf("Failed to cache index %s: %v", rawURL, err)
		}
	}
	return body, nil
}

// FetchPackage downloads the unit's package from repo into the unit and
// records its hash, url and download time
func (d *Downloader) FetchPackage(ctx context.Context, repo extension.Repository, unit *workfolder.WorkUnit) error {
	if unit == nil || unit.Entry == nil {
		return fmt.Errorf("work unit has no entry")
	}
	e := unit.Entry
	if e.Extension.Apk == "" {
		return fmt.Errorf("extension has no apk name")
	}
	if e.Apk.FileName == "" {
		e.Apk.FileName = e.Extension.Apk
	}

	apkURL := extension.ApkURL(repo, e.Extension)
	ctx, span := tracer.Start(ctx, "FetchPackage", trace.WithAttributes(
		attribute.String("url", apkURL),
	))
	defer span.End()

	if err := d.download(ctx, apkURL, unit.ApkPath()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to download package")
		d.logger.WithFields(logrus.Fields{"apk": e.Extension.Apk, "repo": repo.ID}).
			Errorf("Failed to download package from %s: %v", apkURL, err)
		return err
	}

	hash, err := extension.HashFile(ctx, unit.ApkPath())
	if err != nil {
		return err
	}
	e.Apk = hash
	e.Name = extension.Name(e.Extension)
	e.DownloadURL = apkURL
	e.DownloadedAt = time.Now().UTC()

	span.SetStatus(codes.Ok, "package downloaded")
	d.logger.Infof("Downloaded %s", apkURL)
	return nil
}

func (d *Downloader) download(ctx context.Context, rawURL, dst string) error {
	t, err := d.transport(rawURL)
	if err != nil {
		return err
	}
	obj, err := t.Open(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	if obj.Body == nil {
		return fmt.Errorf("GET %s: empty response", rawURL)
	}
	defer obj.Body.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return f.Close()
}
