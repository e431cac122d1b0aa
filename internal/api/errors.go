package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/domain"
)

const maxBodyBytes = 1 << 20

var errEmptyBody = errors.New("request body is empty")

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("unable to parse body: %w", err)
	}
	if dec.More() {
		return errors.New("body must contain a single JSON object")
	}
	return nil
}

// statusFor maps a domain error code onto an HTTP status and problem type.
func statusFor(err error) (int, string) {
	switch domain.CodeOf(err) {
	case domain.CodeValidation:
		return http.StatusBadRequest, "validation_failed"
	case domain.CodeNotFound:
		return http.StatusNotFound, "not_found"
	case domain.CodeForbidden:
		return http.StatusForbidden, "forbidden"
	case domain.CodeConflict:
		return http.StatusConflict, "conflict"
	case domain.CodeTransient:
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	detail := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Warn("transient failure")
	case http.StatusInternalServerError:
		h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("unexpected failure")
		detail = "internal error"
	}
	writeError(w, status, code, detail)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
