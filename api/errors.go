package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/certdesk/certdesk/pki"
	"github.com/certdesk/certdesk/registry"
	"github.com/certdesk/certdesk/request"
	"github.com/certdesk/certdesk/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, request.ErrValidation),
		errors.Is(err, pki.ErrInvalidKeyMaterial),
		errors.Is(err, pki.ErrInvalidPEM),
		errors.Is(err, pki.ErrKeyLoad),
		errors.Is(err, pki.ErrCertLoad),
		errors.Is(err, pki.ErrPfxConversion),
		errors.Is(err, request.ErrNoStoredKey):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, request.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, request.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrNoActiveIssuer),
		errors.Is(err, pki.ErrCAUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
