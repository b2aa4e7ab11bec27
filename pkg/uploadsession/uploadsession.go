// Copyright 2025 Certen Protocol
//
// UploadSessionManager (C10) - tracks a participant's in-flight multipart
// upload, attached to their Participant record's TempContributionData field,
// so a contributor can resume an interrupted upload. Every mutation here
// reloads the participant row for update, mutates the field, and writes it
// back inside one Repository transaction.

package uploadsession

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/database"
)

// Manager implements Open/PresignParts/RecordChunk/Complete for a multipart
// upload.
type Manager struct {
	repo   database.Repository
	blobs  blobstore.BlobStore
	logger *log.Logger
}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option { return func(m *Manager) { m.logger = logger } }

// New constructs a Manager.
func New(repo database.Repository, blobs blobstore.BlobStore, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		blobs:  blobs,
		logger: log.New(log.Writer(), "[UploadSession] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// expectedObjectKey derives the zkey path for whichever circuit the
// participant's contributionProgress-1 designates, and confirms the
// participant is that circuit's current contributor.
func (m *Manager) expectedObjectKey(ctx context.Context, p *ceremony.Participant) (string, *ceremony.Circuit, error) {
	if p.ContributionProgress == 0 {
		return "", nil, ceremony.ErrWrongObjectKey
	}
	circuits, err := m.repo.LoadCircuits(ctx, p.CeremonyID)
	if err != nil {
		return "", nil, fmt.Errorf("load circuits: %w", err)
	}
	idx := p.ContributionProgress - 1
	if idx < 0 || idx >= len(circuits) {
		return "", nil, ceremony.ErrWrongObjectKey
	}
	circuit := circuits[idx]
	if circuit.WaitingQueue.CurrentContributor != p.UserID {
		return "", nil, ceremony.ErrNotCurrentContributor
	}
	zkeyIndex := fmt.Sprintf("%05d", circuit.WaitingQueue.CompletedContributions+1)
	return blobstore.ZkeyPath(circuit.Prefix, zkeyIndex), circuit, nil
}

func (m *Manager) checkObjectKey(ctx context.Context, p *ceremony.Participant, objectKey string) (*ceremony.Circuit, error) {
	expected, circuit, err := m.expectedObjectKey(ctx, p)
	if err != nil {
		return nil, err
	}
	if objectKey != expected {
		return nil, ceremony.ErrWrongObjectKey
	}
	return circuit, nil
}

// Open starts a multipart upload for objectKey and stores the resulting
// uploadId on the participant's pending upload session.
func (m *Manager) Open(ctx context.Context, bucket string, userID string, ceremonyID int64, objectKey string) (uploadID string, err error) {
	err = m.repo.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := m.repo.LoadParticipantForUpdate(ctx, userID, ceremonyID)
		if err != nil {
			return err
		}
		if p.Status != ceremony.StatusContributing || p.Step != ceremony.StepUploading {
			return ceremony.ErrIllegalTransition
		}
		if _, err := m.checkObjectKey(ctx, p, objectKey); err != nil {
			return err
		}

		id, err := m.blobs.OpenMultipart(ctx, bucket, objectKey)
		if err != nil {
			return fmt.Errorf("open multipart: %w", err)
		}
		uploadID = id

		p.TempContributionData = &ceremony.TempContributionData{UploadID: id}
		return m.repo.UpsertParticipant(ctx, p)
	})
	return uploadID, err
}

// PresignParts returns n presigned PUT URLs for the parts of an open upload.
func (m *Manager) PresignParts(ctx context.Context, bucket string, userID string, ceremonyID int64, objectKey, uploadID string, n int) ([]string, error) {
	p, err := m.repo.LoadParticipant(ctx, userID, ceremonyID)
	if err != nil {
		return nil, err
	}
	if p.Step != ceremony.StepUploading {
		return nil, ceremony.ErrIllegalTransition
	}
	if _, err := m.checkObjectKey(ctx, p, objectKey); err != nil {
		return nil, err
	}

	urls := make([]string, n)
	for i := 0; i < n; i++ {
		url, err := m.blobs.PresignPart(ctx, bucket, objectKey, uploadID, i+1)
		if err != nil {
			return nil, fmt.Errorf("presign part %d: %w", i+1, err)
		}
		urls[i] = url
	}
	return urls, nil
}

// RecordChunk appends a completed part's ETag to the participant's pending
// upload session. Idempotent on PartNumber: a repeated PartNumber overwrites
// the earlier record.
func (m *Manager) RecordChunk(ctx context.Context, userID string, ceremonyID int64, chunk ceremony.UploadedChunk) error {
	return m.repo.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := m.repo.LoadParticipantForUpdate(ctx, userID, ceremonyID)
		if err != nil {
			return err
		}
		if p.Step != ceremony.StepUploading {
			return ceremony.ErrIllegalTransition
		}
		if p.TempContributionData == nil {
			return ceremony.ErrIllegalTransition
		}

		chunks := p.TempContributionData.Chunks
		replaced := false
		for i, existing := range chunks {
			if existing.PartNumber == chunk.PartNumber {
				chunks[i] = chunk
				replaced = true
				break
			}
		}
		if !replaced {
			chunks = append(chunks, chunk)
		}
		p.TempContributionData.Chunks = chunks
		return m.repo.UpsertParticipant(ctx, p)
	})
}

// Complete finalizes the multipart upload and clears the pending session.
// parts are sorted by PartNumber before being passed to CompleteMultipart,
// satisfying the multipart round-trip property regardless of the order
// RecordChunk calls arrived in.
func (m *Manager) Complete(ctx context.Context, bucket string, userID string, ceremonyID int64, objectKey, uploadID string, parts []blobstore.UploadedPart) error {
	sorted := append([]blobstore.UploadedPart{}, parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	return m.repo.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := m.repo.LoadParticipantForUpdate(ctx, userID, ceremonyID)
		if err != nil {
			return err
		}
		if p.Step != ceremony.StepUploading {
			return ceremony.ErrIllegalTransition
		}
		if _, err := m.checkObjectKey(ctx, p, objectKey); err != nil {
			return err
		}

		if err := m.blobs.CompleteMultipart(ctx, bucket, objectKey, uploadID, sorted); err != nil {
			return fmt.Errorf("complete multipart: %w", err)
		}

		p.TempContributionData = nil
		return m.repo.UpsertParticipant(ctx, p)
	})
}

// PartsFromChunks derives a parts slice (PartNumber-ascending) from a
// participant's recorded chunks, for callers that want to Complete without
// re-supplying the part list themselves.
func PartsFromChunks(chunks []ceremony.UploadedChunk) []blobstore.UploadedPart {
	out := make([]blobstore.UploadedPart, len(chunks))
	for i, c := range chunks {
		out[i] = blobstore.UploadedPart{ETag: c.ETag, PartNumber: c.PartNumber}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}
