// Package api serves the extension registry and the online catalogs over
// HTTP.
//
// Local extensions:
//
//	GET    /api/v1/extensions
//	POST   /api/v1/extensions?force=true          raw package body
//	POST   /api/v1/extensions/install             {"apk": "...", "force": false}
//	POST   /api/v1/extensions/validate
//	DELETE /api/v1/extensions/{group}
//	DELETE /api/v1/extensions/{group}/versions/{entry}
//	PUT    /api/v1/extensions/{group}/active      {"index": 0}
//	GET    /api/v1/extensions/{group}/sources
//	GET    /api/v1/extensions/{group}/sources/{source}/preferences
//	PUT    /api/v1/extensions/{group}/sources/{source}/preferences
//
// Online repositories:
//
//	GET    /api/v1/repositories
//	POST   /api/v1/repositories                   {"url": "..."}
//	DELETE /api/v1/repositories?url=...
//	POST   /api/v1/repositories/refresh
//
// Errors are JSON objects with an "error" field. Rejected packages answer
// 422 with the offending manifest field in "details"; duplicates answer
// 409; anything asked of a manager before it is initialized answers 503.
package api
