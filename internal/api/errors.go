package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/enrollment"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/pollsync"
)

// Error is the body of every admin API error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUpstream     = "upstream_error"
	ErrCodeUnavailable  = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps domain sentinels to an HTTP status and code. Unknown
// errors are internal.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, device.ErrUnknownDevice),
		errors.Is(err, identity.ErrIdentityNotFound),
		errors.Is(err, command.ErrCommandNotFound):
		return http.StatusNotFound, ErrCodeNotFound

	case errors.Is(err, device.ErrDeviceExists),
		errors.Is(err, device.ErrDeviceIDTaken),
		errors.Is(err, command.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeConflict

	case errors.Is(err, device.ErrInvalidDevice),
		errors.Is(err, device.ErrInvalidBrand),
		errors.Is(err, device.ErrInvalidConfig),
		errors.Is(err, device.ErrInvalidSerial),
		errors.Is(err, identity.ErrInvalidUserID),
		errors.Is(err, identity.ErrEmptyTemplate),
		errors.Is(err, identity.ErrUnknownDevice),
		errors.Is(err, enrollment.ErrInvalidBrand),
		errors.Is(err, enrollment.ErrSourceNotFound),
		errors.Is(err, pollsync.ErrNotPollable),
		errors.Is(err, pollsync.ErrTooManyRecords):
		return http.StatusUnprocessableEntity, ErrCodeValidation

	case errors.Is(err, pollsync.ErrDeviceResponse):
		return http.StatusBadGateway, ErrCodeUpstream
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// writeDomainError writes err with its mapped status. Internal errors are
// logged and their text is not exposed.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
