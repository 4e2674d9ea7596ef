package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/extbridge/pkg/apk"
	"github.com/platinummonkey/extbridge/pkg/catalog"
	"github.com/platinummonkey/extbridge/pkg/httputil"
	"github.com/platinummonkey/extbridge/pkg/manager"
)

// statusFor maps a manager or catalog error to a response status
func statusFor(err error) int {
	var verr *apk.ValidationError
	var serr *catalog.StatusError
	switch {
	case errors.Is(err, manager.ErrNotInitialized), errors.Is(err, catalog.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, manager.ErrGroupNotFound), errors.Is(err, catalog.ErrExtensionNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrIndexOutOfRange), errors.Is(err, catalog.ErrUnsupportedScheme):
		return http.StatusBadRequest
	case errors.As(err, &verr), errors.Is(err, manager.ErrConversionFailed), errors.Is(err, manager.ErrNoSources):
		return http.StatusUnprocessableEntity
	case errors.Is(err, catalog.ErrNoIndex), errors.Is(err, catalog.ErrNotFound), errors.As(err, &serr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status statusFor picks. Validation
// errors carry the offending field in details.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}

	var verr *apk.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.WriteDetailedError(w, status, err.Error(), map[string]string{verr.Field: verr.Message})
	case status == http.StatusServiceUnavailable:
		httputil.WriteServiceUnavailable(w, "extension registry is still initializing")
	default:
		httputil.WriteError(w, status, err)
	}
}
