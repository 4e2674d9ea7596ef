package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error reply. RequestID echoes the id
// assigned by RequestIDMiddleware so a failure can be found in the logs.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes data with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes err as a JSON error body
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteDetailedError(w, status, err.Error(), nil)
}

// WriteErrorMessage writes message as a JSON error body
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	WriteDetailedError(w, status, message, nil)
}

// WriteDetailedError writes an error body with per-field details
func WriteDetailedError(w http.ResponseWriter, status int, message string, details map[string]string) {
	WriteJSON(w, status, ErrorResponse{
		Error:     message,
		Details:   details,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// WriteSuccess writes data with 200
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes data with 201
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent answers 204
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

func WriteNotFoundError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusConflict, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusServiceUnavailable, message)
}

// WriteInternalError answers 500 with err's message
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, err)
}
