package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/anylist/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// writeError maps an error kind to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.Validation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.Auth):
		status = http.StatusUnauthorized
	case errors.Is(err, apperr.Server), errors.Is(err, apperr.Binary):
		status = http.StatusServiceUnavailable
	case errors.Is(err, apperr.Network):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, status, errorBody("internal error"))
		return
	}
	writeJSON(w, status, errResponse{Error: err.Error(), Kind: string(apperr.KindOf(err))})
}
