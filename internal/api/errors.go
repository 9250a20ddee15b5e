package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/outpost/internal/apierr"
)

// maxBodySize is the maximum allowed JSON request body size (1 MB).
const maxBodySize = 1 << 20

// writeError renders err in the standard error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apierr.Write(w, r, err)
}

// invalid is a VALIDATION_ERROR with the given message.
func invalid(message string) error {
	return apierr.New(apierr.CodeValidation, message)
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit. An empty
// body leaves v untouched when optional is set.
func readJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return invalid("request body must be valid JSON")
	}
	return nil
}

type okResponse struct {
	OK bool `json:"ok"`
}

// readJSONLimit is readJSON with a caller-chosen limit for endpoints that
// carry file content.
func readJSONLimit(r *http.Request, v any, limit int64) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(v); err != nil {
		return invalid("request body must be valid JSON")
	}
	return nil
}
