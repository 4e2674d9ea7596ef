package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/platinummonkey/extbridge/pkg/httputil"
)

// listExtensions handles GET /api/v1/extensions
func (s *Server) listExtensions(w http.ResponseWriter, r *http.Request) {
	groups, err := s.extensions.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, groups)
}

// uploadExtension handles POST /api/v1/extensions with a raw package body
func (s *Server) uploadExtension(w http.ResponseWriter, r *http.Request) {
	force, ok := httputil.ParseQueryBoolOrError(w, r, "force", false)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httputil.WriteBadRequest(w, fmt.Sprintf("failed to read package: %v", err))
		return
	}
	if len(data) == 0 {
		httputil.WriteBadRequest(w, "package body is empty")
		return
	}

	group, err := s.extensions.AddFromBytes(r.Context(), data, force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteCreated(w, group)
}

// installExtension handles POST /api/v1/extensions/install
func (s *Server) installExtension(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Apk, "apk") {
		return
	}

	group, err := s.catalogs.Install(r.Context(), req.Apk, req.Force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteCreated(w, group)
}

// validateExtensions handles POST /api/v1/extensions/validate
func (s *Server) validateExtensions(w http.ResponseWriter, r *http.Request) {
	n, err := s.extensions.ValidateAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, ValidateResponse{Repaired: n})
}

// removeGroup handles DELETE /api/v1/extensions/{group}
func (s *Server) removeGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return
	}

	removed, err := s.extensions.RemoveGroup(r.Context(), groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		httputil.WriteNotFoundError(w, fmt.Sprintf("extension group %s not found", groupID))
		return
	}
	httputil.WriteNoContent(w)
}

// removeVersion handles DELETE /api/v1/extensions/{group}/versions/{entry}.
// Removing the last version removes the group and answers 204.
func (s *Server) removeVersion(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return
	}
	entryID, ok := httputil.ParsePathStringOrError(w, r, "entry")
	if !ok {
		return
	}

	before, found, err := s.extensions.FindByID(groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found || before.IndexOf(entryID) < 0 {
		httputil.WriteNotFoundError(w, fmt.Sprintf("version %s of group %s not found", entryID, groupID))
		return
	}

	group, err := s.extensions.RemoveVersion(r.Context(), groupID, entryID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if group == nil {
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteSuccess(w, group)
}

// setActiveVersion handles PUT /api/v1/extensions/{group}/active
func (s *Server) setActiveVersion(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return
	}
	var req ActiveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Index == nil {
		httputil.WriteBadRequest(w, "index is required")
		return
	}

	group, err := s.extensions.SetActiveVersion(r.Context(), groupID, *req.Index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, group)
}

// listSources handles GET /api/v1/extensions/{group}/sources by loading
// the active version
func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return
	}

	ext, err := s.extensions.GetInterop(r.Context(), groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sources, err := ext.Sources(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, sources)
}

// loadPreferences handles GET /api/v1/extensions/{group}/sources/{source}/preferences
func (s *Server) loadPreferences(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return
	}
	sourceID, ok := httputil.ParsePathStringOrError(w, r, "source")
	if !ok {
		return
	}

	ext, err := s.extensions.GetInterop(r.Context(), groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	prefs, err := ext.LoadPreferences(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, prefs)
}

// savePreferences handles PUT /api/v1/extensions/{group}/sources/{source}/preferences
func (s *Server) savePreferences(w http.ResponseWriter, r *http.Request) {
	groupID, ok := httputil.ParsePathStringOrError(w, r, "group")
	if !ok {
		return
	}
	sourceID, ok := httputil.ParsePathStringOrError(w, r, "source")
	if !ok {
		return
	}
	var req PreferencesRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	ext, err := s.extensions.GetInterop(r.Context(), groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := ext.SavePreferences(r.Context(), sourceID, req.Preferences); err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
