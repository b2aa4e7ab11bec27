// Copyright 2025 Certen Protocol
//
// HTTP API (C17) shared helpers: writeJSON/writeJSONError response encoding,
// sentinel-error to HTTP status mapping, and caller/ceremonyId extraction.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps the core's sentinel errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ceremony.ErrNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ceremony.ErrIllegalTransition),
		errors.Is(err, ceremony.ErrWrongObjectKey),
		errors.Is(err, ceremony.ErrNoInProgressContribution),
		errors.Is(err, ceremony.ErrMissingFinalContribution),
		errors.Is(err, ceremony.ErrNotClosed):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ceremony.ErrNotCoordinator),
		errors.Is(err, ceremony.ErrNotCurrentContributor):
		writeJSONError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ceremony.ErrWorkerUnavailable),
		errors.Is(err, ceremony.ErrWorkerCommandFailed):
		writeJSONError(w, err.Error(), http.StatusBadGateway)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// userID extracts the already-authenticated caller identity. JWT verification
// is an external collaborator's job; this reads the header the fronting auth
// proxy is expected to set.
func userID(r *http.Request) (string, error) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		return "", errors.New("missing X-User-Id header")
	}
	return id, nil
}

func ceremonyIDParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("ceremonyId")
	if raw == "" {
		return 0, errors.New("ceremonyId is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}
