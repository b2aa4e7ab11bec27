// Copyright 2025 Certen Protocol
//
// Circuit API Handlers - contribution verification dispatch and the
// coordinator's final-artifact recording, grounded on
// pkg/contributionverifier.ContributionVerifier (C8).

package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/contributionverifier"
	"github.com/certen/ceremony-coordinator/pkg/database"
)

// CircuitHandlers implements the /circuits/* endpoints.
type CircuitHandlers struct {
	repo          database.Repository
	verifier      *contributionverifier.ContributionVerifier
	bucketPostfix string
	logger        *log.Logger
}

// NewCircuitHandlers constructs CircuitHandlers.
func NewCircuitHandlers(repo database.Repository, verifier *contributionverifier.ContributionVerifier, bucketPostfix string, logger *log.Logger) *CircuitHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[CircuitAPI] ", log.LstdFlags)
	}
	return &CircuitHandlers{repo: repo, verifier: verifier, bucketPostfix: bucketPostfix, logger: logger}
}

// HandleVerifyContribution handles POST /circuits/verify-contribution?ceremonyId.
func (h *CircuitHandlers) HandleVerifyContribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		CircuitID            int64  `json:"circuitId"`
		ContributorIdentifier string `json:"contributorIdentifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.ContributorIdentifier == "" {
		writeJSONError(w, "contributorIdentifier is required", http.StatusBadRequest)
		return
	}

	cer, err := h.repo.LoadCeremony(r.Context(), ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	circuits, err := h.repo.LoadCircuits(r.Context(), ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	bucket := blobstore.BucketName(cer.Prefix, h.bucketPostfix)
	if err := h.verifier.Verify(r.Context(), bucket, ceremonyID, body.CircuitID, body.ContributorIdentifier, len(circuits)); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// HandleFinalizeCircuit handles POST /circuits/finalize?ceremonyId.
//
// Unlike HandleVerifyContribution this does not re-run the download/compute/
// verify pipeline: the beacon is an externally-produced random value the
// coordinator attests to directly, so this records it as the circuit's
// zkeyIndex="final" Contribution rather than routing it through
// ContributionVerifier's per-participant precondition checks.
func (h *CircuitHandlers) HandleFinalizeCircuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		CircuitID int64  `json:"circuitId"`
		Beacon    string `json:"beacon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Beacon == "" {
		writeJSONError(w, "beacon is required", http.StatusBadRequest)
		return
	}

	cer, err := h.repo.LoadCeremony(r.Context(), ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if cer.CoordinatorID != caller {
		writeDomainError(w, ceremony.ErrNotCoordinator)
		return
	}

	circuit, err := h.repo.LoadCircuit(r.Context(), body.CircuitID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if existing, err := h.repo.LoadContribution(r.Context(), circuit.ID, ceremony.ZkeyIndexFinal); err == nil && existing != nil {
		writeJSONError(w, "circuit already has a final contribution", http.StatusConflict)
		return
	}

	contribution := &ceremony.Contribution{
		ParticipantUserID:     caller,
		ParticipantCeremonyID: ceremonyID,
		CircuitID:             circuit.ID,
		ZkeyIndex:             ceremony.ZkeyIndexFinal,
		Files: ceremony.ContributionFiles{
			LastZkeyPath: blobstore.ZkeyPath(circuit.Prefix, ceremony.ZkeyIndexFinal),
		},
		Valid:  true,
		Beacon: body.Beacon,
	}
	if _, err := h.repo.CreateContribution(r.Context(), contribution); err != nil {
		h.logger.Printf("record final contribution circuit=%d: %v", circuit.ID, err)
		writeJSONError(w, "failed to record final contribution", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, contribution)
}
