package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

// Response represents a standard API response wrapper.
//
// All JSON API responses follow this structure:
//   - Status indicates the overall result ("ok", "error")
//   - Timestamp provides response time for debugging
//   - Data contains the response payload (optional)
//   - Error carries the human message when Status is "error"
//   - Code carries the machine-readable error code ("NotFound", "Conflict", ...)
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Last resort; headers are already out.
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// OK writes a generic successful response.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Created writes a 201 response with the created resource.
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Error writes an error response, translating filesystem error codes to HTTP
// statuses. Non-filesystem errors become opaque 500s.
func Error(w http.ResponseWriter, err error) {
	code := fserrors.CodeOf(err)
	status := statusOf(code)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs.
		msg = "internal server error"
	}

	JSON(w, status, Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     msg,
		Code:      codeName(code),
	})
}

// ErrorMessage writes an error response with an explicit status and message.
func ErrorMessage(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     msg,
	})
}

// statusOf maps a filesystem error code to an HTTP status.
func statusOf(code fserrors.ErrorCode) int {
	switch code {
	case fserrors.ErrNotFound:
		return http.StatusNotFound
	case fserrors.ErrConflict, fserrors.ErrNotShared, fserrors.ErrFilteredParent:
		return http.StatusConflict
	case fserrors.ErrForbidden, fserrors.ErrReadonly:
		return http.StatusForbidden
	case fserrors.ErrInvalidArgument, fserrors.ErrNameTooLong:
		return http.StatusBadRequest
	case fserrors.ErrInsufficientStorage:
		return http.StatusInsufficientStorage
	case fserrors.ErrSessionNotFound, fserrors.ErrChunkNotFound:
		// The upload handle is client state; a stale one is a bad request,
		// not a missing node.
		return http.StatusBadRequest
	case fserrors.ErrBlobNotFound:
		return http.StatusNotFound
	case fserrors.ErrNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func codeName(code fserrors.ErrorCode) string {
	if code == 0 {
		return "Internal"
	}
	return code.String()
}
