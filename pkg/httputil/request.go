package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ParseJSON decodes exactly one JSON document into dest. Unknown fields,
// an empty body and trailing data are rejected.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid JSON: unexpected data after the request document")
	}
	return nil
}

// ParseJSONOrError is ParseJSON writing a 400 on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathString returns a non-empty mux route variable
func ParsePathString(r *http.Request, key string) (string, error) {
	if str := mux.Vars(r)[key]; str != "" {
		return str, nil
	}
	return "", fmt.Errorf("missing path parameter: %s", key)
}

// ParsePathStringOrError is ParsePathString writing a 400 on failure
func ParsePathStringOrError(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	val, err := ParsePathString(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return "", false
	}
	return val, true
}

// ParseQueryBool reads a boolean flag. A bare "?force" counts as true;
// an absent key yields defaultVal.
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	query := r.URL.Query()
	if !query.Has(key) {
		return defaultVal, nil
	}
	str := query.Get(key)
	if str == "" {
		return true, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryBoolOrError is ParseQueryBool writing a 400 on failure
func ParseQueryBoolOrError(w http.ResponseWriter, r *http.Request, key string, defaultVal bool) (bool, bool) {
	val, err := ParseQueryBool(r, key, defaultVal)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return false, false
	}
	return val, true
}

// RequireNonEmpty writes a 400 naming fieldName when value is empty
func RequireNonEmpty(w http.ResponseWriter, value, fieldName string) bool {
	if value != "" {
		return true
	}
	WriteBadRequest(w, fmt.Sprintf("%s is required", fieldName))
	return false
}
