// Package storage persists the extension registry and the online catalogs.
//
// # Overview
//
// Two documents kinds are stored: the local registry (every installed
// group, saved as one document) and the online catalogs (one document per
// catalog, keyed by catalog id). Callers always replace whole documents;
// there are no partial updates.
//
// # Backends
//
//   - FileSystemStorage: indented JSON files inside the working folder.
//     This is the default and matches the on-disk layout other tools read.
//   - SQLStorage: a single extbridge_documents table on SQLite or
//     PostgreSQL, with the JSON body in a text column.
//
// Open selects the backend from Config.Driver:
//
//	store, err := storage.Open(cfg.Storage, folder, logger)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
// # Writes
//
// File writes go through a temp file and rename, so a crash leaves either
// the previous document or the new one. SQL writes are single upserts.
package storage
