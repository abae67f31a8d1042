package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/botmarket/botmarket/internal/fault"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// Fault maps a service error to its HTTP status and a sanitized body.
// Only messages carried by fault errors reach clients; anything else is
// logged and replaced with a generic message.
func Fault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	if kind == fault.Internal {
		slog.Error("internal error", "error", err)
	}
	Error(w, StatusOf(kind), string(kind), fault.MessageOf(err), nil)
}

// StatusOf returns the HTTP status for an error kind.
func StatusOf(kind fault.Kind) int {
	switch kind {
	case fault.Validation, fault.State:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Authorization:
		return http.StatusForbidden
	case fault.PaymentRequired, fault.PaymentInvalid:
		return http.StatusPaymentRequired
	case fault.PaymentBackend:
		return http.StatusBadGateway
	case fault.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
