// Copyright 2025 Certen Protocol
//
// NewRouter wires the HTTP API (C17) endpoints onto a plain net/http.ServeMux.
// It performs no authentication of its own: that is an external collaborator's
// job, and handlers here read the already-authenticated caller identity off
// the request (see userID in helpers.go).

package server

import "net/http"

// NewRouter builds the ServeMux for the ceremony coordination HTTP API.
func NewRouter(ceremonies *CeremonyHandlers, participants *ParticipantHandlers, storage *StorageHandlers, circuits *CircuitHandlers) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/ceremonies/create", ceremonies.HandleCreate)
	mux.HandleFunc("/ceremonies/create-circuits", ceremonies.HandleCreateCircuits)
	mux.HandleFunc("/ceremonies", ceremonies.HandleList)
	mux.HandleFunc("/ceremonies/opened", ceremonies.HandleListOpened)
	mux.HandleFunc("/ceremonies/finalize", ceremonies.HandleFinalize)

	mux.HandleFunc("/participants/check", participants.HandleCheck)
	mux.HandleFunc("/participants/progress-to-next-circuit", participants.HandleProgressToNextCircuit)
	mux.HandleFunc("/participants/progress-to-next-step", participants.HandleProgressToNextStep)
	mux.HandleFunc("/participants/resume-after-timeout", participants.HandleResumeAfterTimeout)
	mux.HandleFunc("/participants/store-contribution-hash", participants.HandleStoreContributionHash)

	mux.HandleFunc("/storage/start-multipart", storage.HandleStartMultipart)
	mux.HandleFunc("/storage/presign-parts", storage.HandlePresignParts)
	mux.HandleFunc("/storage/record-chunk", storage.HandleRecordChunk)
	mux.HandleFunc("/storage/complete-multipart", storage.HandleCompleteMultipart)
	mux.HandleFunc("/storage/presign-get", storage.HandlePresignGet)

	mux.HandleFunc("/circuits/verify-contribution", circuits.HandleVerifyContribution)
	mux.HandleFunc("/circuits/finalize", circuits.HandleFinalizeCircuit)

	return mux
}
