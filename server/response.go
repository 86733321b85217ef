package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/teranos/chainpulse/errors"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response except 501 stubs
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError maps err to its status code and error body. Internal errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	body := ErrorResponse{Error: err.Error(), Field: errors.FieldOf(err)}

	switch status {
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.Itoa(errors.RetryAfterOf(err)))
	case http.StatusInternalServerError:
		s.logger.Errorw("Request failed",
			append(requestFields(r), "error", err)...)
		body = ErrorResponse{Error: "internal server error"}
	case http.StatusBadRequest:
		var v *errors.ValidationError
		if errors.As(err, &v) {
			body.Error = v.Message
		}
	}
	_ = writeJSON(w, status, body)
}

// readBody reads a bounded request body
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.NewValidationError("body", "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, errors.NewValidationError("body", "request body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func bearer(r *http.Request) string {
	return r.Header.Get("Authorization")
}
