// Copyright 2025 Certen Protocol
//
// Ceremony API Handlers - create/list ceremonies, create circuits, and trigger
// finalization. Each handler follows the same shape: method check, decode,
// delegate, encode.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/config"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/lifecycle"
)

// CeremonyHandlers implements the /ceremonies/* endpoints.
type CeremonyHandlers struct {
	repo          database.Repository
	blobs         blobstore.BlobStore
	lifecycle     *lifecycle.CeremonyLifecycle
	bucketPostfix string
	logger        *log.Logger
}

// NewCeremonyHandlers constructs CeremonyHandlers.
func NewCeremonyHandlers(repo database.Repository, blobs blobstore.BlobStore, lc *lifecycle.CeremonyLifecycle, bucketPostfix string, logger *log.Logger) *CeremonyHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[CeremonyAPI] ", log.LstdFlags)
	}
	return &CeremonyHandlers{repo: repo, blobs: blobs, lifecycle: lc, bucketPostfix: bucketPostfix, logger: logger}
}

// ceremonyDto is the wire shape of POST /ceremonies/create.
type ceremonyDto struct {
	Prefix               string            `json:"prefix"`
	Title                string            `json:"title"`
	Description          string            `json:"description"`
	Type                 string            `json:"type"`
	CoordinatorID        string            `json:"coordinatorId"`
	StartDate            int64             `json:"startDate"` // epoch ms
	EndDate              int64             `json:"endDate"`
	TimeoutMechanismType string            `json:"timeoutMechanismType"`
	Penalty              int64             `json:"penalty"`
	AuthProviders        []string          `json:"authProviders"`
	ProviderPolicies     map[string]string `json:"providerPolicies"`
}

// circuitDto is the wire shape of one entry in POST /ceremonies/create-circuits.
type circuitDto struct {
	Prefix                string `json:"prefix"`
	Name                  string `json:"name"`
	SequencePosition      int    `json:"sequencePosition"`
	VerificationMechanism string `json:"verificationMechanism"`
	RemoteWorkerHandle    string `json:"remoteWorkerHandle"`
	PotSizeBytes          int64  `json:"potSizeBytes"`
	ZkeySizeBytes         int64  `json:"zkeySizeBytes"`
}

// HandleCreate handles POST /ceremonies/create.
func (h *CeremonyHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, err := userID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var dto ceremonyDto
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if dto.Prefix == "" || dto.Title == "" {
		writeJSONError(w, "prefix and title are required", http.StatusBadRequest)
		return
	}
	start := time.UnixMilli(dto.StartDate)
	end := time.UnixMilli(dto.EndDate)
	if !start.Before(end) {
		writeJSONError(w, "startDate must be before endDate", http.StatusBadRequest)
		return
	}

	cer := &ceremony.Ceremony{
		Prefix:               dto.Prefix,
		Title:                dto.Title,
		Description:          dto.Description,
		State:                ceremony.CeremonyScheduled,
		Type:                 ceremony.CeremonyType(dto.Type),
		CoordinatorID:        caller,
		StartDate:            start,
		EndDate:              end,
		TimeoutMechanismType: ceremony.TimeoutMechanism(dto.TimeoutMechanismType),
		Penalty:              dto.Penalty,
		AuthProviders:        dto.AuthProviders,
		ProviderPolicies:     dto.ProviderPolicies,
	}
	if err := h.repo.CreateCeremony(r.Context(), cer); err != nil {
		h.logger.Printf("create ceremony: %v", err)
		writeJSONError(w, "failed to create ceremony", http.StatusInternalServerError)
		return
	}

	bucket := blobstore.BucketName(cer.Prefix, h.bucketPostfix)
	if err := h.blobs.CreateBucket(r.Context(), bucket, blobstore.BucketPolicy{AllowCORS: true}); err != nil {
		h.logger.Printf("create bucket %s: %v", bucket, err)
	}

	writeJSON(w, http.StatusCreated, cer)
}

// HandleCreateCircuits handles POST /ceremonies/create-circuits?ceremonyId.
func (h *CeremonyHandlers) HandleCreateCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, err := userID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
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

	var body struct {
		Circuits     []circuitDto `json:"circuits"`
		ManifestPath string       `json:"manifestPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	dtos := body.Circuits
	if body.ManifestPath != "" {
		manifest, err := config.LoadCircuitManifest(body.ManifestPath)
		if err != nil {
			h.logger.Printf("load circuit manifest %s: %v", body.ManifestPath, err)
			writeJSONError(w, "failed to load circuit manifest", http.StatusBadRequest)
			return
		}
		for _, spec := range manifest.Circuits {
			dtos = append(dtos, circuitDto{
				Prefix:                spec.Prefix,
				Name:                  spec.Name,
				SequencePosition:      spec.SequencePosition,
				VerificationMechanism: spec.VerificationMechanism,
				RemoteWorkerHandle:    spec.RemoteWorkerHandle,
				PotSizeBytes:          spec.PotSizeBytes,
				ZkeySizeBytes:         spec.ZkeySizeBytes,
			})
		}
	}

	created := make([]*ceremony.Circuit, 0, len(dtos))
	for _, dto := range dtos {
		c := &ceremony.Circuit{
			CeremonyID:            ceremonyID,
			Prefix:                dto.Prefix,
			Name:                  dto.Name,
			SequencePosition:      dto.SequencePosition,
			VerificationMechanism: ceremony.VerificationMechanism(dto.VerificationMechanism),
			RemoteWorkerHandle:    dto.RemoteWorkerHandle,
			PotSizeBytes:          dto.PotSizeBytes,
			ZkeySizeBytes:         dto.ZkeySizeBytes,
		}
		if err := h.repo.CreateCircuit(r.Context(), c); err != nil {
			h.logger.Printf("create circuit %s: %v", dto.Prefix, err)
			writeJSONError(w, "failed to create circuit", http.StatusInternalServerError)
			return
		}
		created = append(created, c)
	}

	writeJSON(w, http.StatusCreated, created)
}

// HandleList handles GET /ceremonies.
func (h *CeremonyHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listByStates(w, r, ceremony.CeremonyScheduled, ceremony.CeremonyOpened, ceremony.CeremonyPaused, ceremony.CeremonyClosed, ceremony.CeremonyFinalized)
}

// HandleListOpened handles GET /ceremonies/opened.
func (h *CeremonyHandlers) HandleListOpened(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.listByStates(w, r, ceremony.CeremonyOpened)
}

func (h *CeremonyHandlers) listByStates(w http.ResponseWriter, r *http.Request, states ...ceremony.CeremonyState) {
	var all []*ceremony.Ceremony
	for _, state := range states {
		cers, err := h.repo.ListCeremoniesByState(r.Context(), state)
		if err != nil {
			h.logger.Printf("list ceremonies state=%s: %v", state, err)
			writeJSONError(w, "failed to list ceremonies", http.StatusInternalServerError)
			return
		}
		all = append(all, cers...)
	}
	writeJSON(w, http.StatusOK, all)
}

// HandleFinalize handles POST /ceremonies/finalize?ceremonyId.
func (h *CeremonyHandlers) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, err := userID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.lifecycle.Finalize(r.Context(), ceremonyID, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"finalized": true})
}
