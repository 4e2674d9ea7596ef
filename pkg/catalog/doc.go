/*
Package catalog tracks remote extension catalogs and fetches their indexes
and packages.

A catalog is a folder reachable over http(s) or s3 holding:

	repo.json          optional metadata (name, website, signing key fingerprint)
	index.min.json     extension index, index.json is tried when it is missing
	apk/<apk>          packages

Index downloads are conditional: the ETag and Last-Modified of the last
response are kept in an IndexCache and a 304 reuses the cached body.

# Usage

	downloader := catalog.NewDownloader(catalog.DownloaderOptions{
		Cache:  catalog.NewMemoryIndexCache(64, time.Hour, metrics),
		Logger: logger,
	})
	repos, err := catalog.New(catalog.Options{
		Store:     store,
		Fetcher:   downloader,
		Updater:   registry,
		Installer: registry,
		Logger:    logger,
	})
	if err := repos.Initialize(ctx); err != nil {
		return err
	}
	added, err := repos.Add(ctx, "https://example.org/repo/index.min.json")
*/
package catalog
