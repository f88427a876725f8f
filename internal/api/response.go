package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/NangoHQ/nango-sub018/internal/fleet"
	"github.com/NangoHQ/nango-sub018/internal/repo"
	"github.com/NangoHQ/nango-sub018/internal/scheduler"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeAdmissionDenied  ErrorCode = "ADMISSION_DENIED"
	ErrCodeImageNotFound    ErrorCode = "IMAGE_NOT_FOUND"
	ErrCodeUnavailable      ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// NoContent отправляет ответ без тела (204).
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// MethodNotAllowed отправляет ошибку 405.
func MethodNotAllowed(w http.ResponseWriter) {
	Error(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
}

// errorMapping — соответствие sentinel-ошибки HTTP-ответу.
type errorMapping struct {
	target error
	status int
	code   ErrorCode
}

// errorMappings проверяются по порядку; первое совпадение побеждает.
var errorMappings = []errorMapping{
	{scheduler.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{scheduler.ErrInvalidArgument, http.StatusBadRequest, ErrCodeBadRequest},
	{scheduler.ErrInvalidFrequency, http.StatusBadRequest, ErrCodeBadRequest},
	{fleet.ErrInvalidArgument, http.StatusBadRequest, ErrCodeBadRequest},
	{scheduler.ErrAdmissionDenied, http.StatusTooManyRequests, ErrCodeAdmissionDenied},
	{scheduler.ErrInvalidStateTransition, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{fleet.ErrInvalidNodeState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{repo.ErrInvalidState, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{fleet.ErrImageNotFound, http.StatusUnprocessableEntity, ErrCodeImageNotFound},
	{scheduler.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
	{scheduler.ErrConflict, http.StatusConflict, ErrCodeConflict},
	{fleet.ErrNoActiveDeployment, http.StatusNotFound, ErrCodeNotFound},
	{fleet.ErrNodeProvider, http.StatusBadGateway, ErrCodeUnavailable},
}

// HandleError преобразует ошибку scheduler/fleet в HTTP ответ.
// Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			Error(w, m.status, m.code, err.Error())
			return true
		}
	}

	InternalError(w, logger, err)
	return true
}
