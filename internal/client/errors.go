package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/NangoHQ/nango-sub018/internal/api"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrBadRequest      = errors.New("bad request")
	ErrImageNotFound   = errors.New("image not found")
)

// APIError — ответ API с кодом ошибки.
type APIError struct {
	Status  int
	Code    api.ErrorCode
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Code, e.Message)
}

// Unwrap сопоставляет ответ с sentinel ошибкой пакета.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.ErrCodeAdmissionDenied:
		return ErrAdmissionDenied
	case api.ErrCodeImageNotFound:
		return ErrImageNotFound
	}

	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		return ErrInvalidState
	case http.StatusConflict:
		return ErrConflict
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusTooManyRequests:
		return ErrAdmissionDenied
	}
	return nil
}
