package api

import (
	"fmt"
	"net/http"

	"github.com/platinummonkey/extbridge/pkg/httputil"
)

// listRepositories handles GET /api/v1/repositories
func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.catalogs.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, repos)
}

// addRepository handles POST /api/v1/repositories
func (s *Server) addRepository(w http.ResponseWriter, r *http.Request) {
	var req RepositoryRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.URL, "url") {
		return
	}

	added, err := s.catalogs.Add(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !added {
		httputil.WriteConflict(w, fmt.Sprintf("repository %s is already registered", req.URL))
		return
	}
	httputil.WriteNoContent(w)
}

// removeRepository handles DELETE /api/v1/repositories?url=
func (s *Server) removeRepository(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if !httputil.RequireNonEmpty(w, url, "url") {
		return
	}

	removed, err := s.catalogs.Remove(r.Context(), url)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		httputil.WriteNotFoundError(w, fmt.Sprintf("repository %s is not registered", url))
		return
	}
	httputil.WriteNoContent(w)
}

// refreshRepositories handles POST /api/v1/repositories/refresh. It
// answers once every catalog is refreshed and auto-updates have run.
func (s *Server) refreshRepositories(w http.ResponseWriter, r *http.Request) {
	if err := s.catalogs.RefreshAll(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	repos, err := s.catalogs.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, repos)
}
