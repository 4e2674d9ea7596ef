// Package httputil holds the JSON request and response helpers and the
// middleware shared by the HTTP API.
//
//	var req InstallRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // 400 already written
//	}
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(64<<20),
//	)(router)
package httputil
