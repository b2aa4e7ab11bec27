// Copyright 2025 Certen Protocol
//
// Storage API Handlers - multipart upload session endpoints, thin adapters
// over pkg/uploadsession.Manager and blobstore.BlobStore.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/uploadsession"
)

// StorageHandlers implements the /storage/* endpoints.
type StorageHandlers struct {
	repo          database.Repository
	blobs         blobstore.BlobStore
	manager       *uploadsession.Manager
	bucketPostfix string
	presignedTTL  time.Duration
	logger        *log.Logger
}

// NewStorageHandlers constructs StorageHandlers.
func NewStorageHandlers(repo database.Repository, blobs blobstore.BlobStore, manager *uploadsession.Manager, bucketPostfix string, presignedTTL time.Duration, logger *log.Logger) *StorageHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[StorageAPI] ", log.LstdFlags)
	}
	return &StorageHandlers{repo: repo, blobs: blobs, manager: manager, bucketPostfix: bucketPostfix, presignedTTL: presignedTTL, logger: logger}
}

func (h *StorageHandlers) bucketFor(r *http.Request, ceremonyID int64) (string, error) {
	cer, err := h.repo.LoadCeremony(r.Context(), ceremonyID)
	if err != nil {
		return "", err
	}
	return blobstore.BucketName(cer.Prefix, h.bucketPostfix), nil
}

// HandleStartMultipart handles POST /storage/start-multipart?ceremonyId.
func (h *StorageHandlers) HandleStartMultipart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		ObjectKey string `json:"objectKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bucket, err := h.bucketFor(r, ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	uploadID, err := h.manager.Open(r.Context(), bucket, caller, ceremonyID, body.ObjectKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uploadId": uploadID})
}

// HandlePresignParts handles POST /storage/presign-parts?ceremonyId.
func (h *StorageHandlers) HandlePresignParts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		ObjectKey      string `json:"objectKey"`
		UploadID       string `json:"uploadId"`
		NumberOfParts  int    `json:"numberOfParts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bucket, err := h.bucketFor(r, ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	urls, err := h.manager.PresignParts(r.Context(), bucket, caller, ceremonyID, body.ObjectKey, body.UploadID, body.NumberOfParts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"urls": urls})
}

// HandleRecordChunk handles POST /storage/record-chunk?ceremonyId.
func (h *StorageHandlers) HandleRecordChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		Chunk ceremony.UploadedChunk `json:"chunk"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.manager.RecordChunk(r.Context(), caller, ceremonyID, body.Chunk); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

// HandleCompleteMultipart handles POST /storage/complete-multipart?ceremonyId.
func (h *StorageHandlers) HandleCompleteMultipart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		ObjectKey string                    `json:"objectKey"`
		UploadID  string                    `json:"uploadId"`
		Parts     []blobstore.UploadedPart `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bucket, err := h.bucketFor(r, ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.manager.Complete(r.Context(), bucket, caller, ceremonyID, body.ObjectKey, body.UploadID, body.Parts); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
}

// HandlePresignGet handles POST /storage/presign-get?ceremonyId.
func (h *StorageHandlers) HandlePresignGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, ceremonyID, ok := identify(w, r)
	if !ok {
		return
	}
	var body struct {
		ObjectKey string `json:"objectKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	bucket, err := h.bucketFor(r, ceremonyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	url, err := h.blobs.GetPresignedURL(r.Context(), bucket, body.ObjectKey, h.presignedTTL, http.MethodGet)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func identify(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	caller, err := userID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
		return "", 0, false
	}
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return "", 0, false
	}
	return caller, ceremonyID, true
}
