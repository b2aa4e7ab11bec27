// Copyright 2025 Certen Protocol
//
// FirestoreSync (C16) - best-effort mirror of ceremony/circuit/participant
// state into Firestore for a real-time spectator dashboard. Every method here
// degrades to a logged no-op when the client is disabled or a write fails.
// Nothing in this package ever returns an error to its caller - the
// Coordinator, its only caller, fires and forgets these calls and never
// rolls back core mutations because a dashboard write failed.

package firestoresync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/firestore"
)

// Syncer mirrors ceremony state into Firestore for spectators. The zero
// value with a nil client is valid and every method becomes a no-op.
type Syncer struct {
	client *firestore.Client
	logger *log.Logger
}

// New constructs a Syncer. client may be nil (or disabled) to fully disable
// syncing; every method below still returns cleanly.
func New(client *firestore.Client, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(log.Writer(), "[FirestoreSync] ", log.LstdFlags)
	}
	return &Syncer{client: client, logger: logger}
}

func (s *Syncer) enabled() bool {
	return s != nil && s.client != nil && s.client.IsEnabled()
}

// SyncCircuitQueue mirrors one circuit's current contributor and queue depth,
// called by the Coordinator after every Enqueue/Dequeue/Remove it applies.
func (s *Syncer) SyncCircuitQueue(ctx context.Context, ceremonyID, circuitID int64, q ceremony.WaitingQueueState) {
	if !s.enabled() {
		return
	}
	docPath := fmt.Sprintf("ceremonies/%d/circuits/%d", ceremonyID, circuitID)
	err := s.client.SetDoc(ctx, docPath, map[string]interface{}{
		"currentContributor":    q.CurrentContributor,
		"queueLength":           len(q.Contributors),
		"completedContributions": q.CompletedContributions,
		"failedContributions":    q.FailedContributions,
		"updatedAt":              time.Now(),
	})
	if err != nil {
		s.logger.Printf("warn: sync circuit queue %d/%d: %v", ceremonyID, circuitID, err)
	}
}

// SyncParticipantStatus mirrors a participant's coarse progress, called by
// the Coordinator when it times a participant out; other status/step changes
// are not mirrored.
func (s *Syncer) SyncParticipantStatus(ctx context.Context, p *ceremony.Participant) {
	if !s.enabled() {
		return
	}
	docPath := fmt.Sprintf("ceremonies/%d/participants/%s", p.CeremonyID, p.UserID)
	err := s.client.SetDoc(ctx, docPath, map[string]interface{}{
		"status":               string(p.Status),
		"step":                 string(p.Step),
		"contributionProgress": p.ContributionProgress,
		"updatedAt":            time.Now(),
	})
	if err != nil {
		s.logger.Printf("warn: sync participant %s/%d: %v", p.UserID, p.CeremonyID, err)
	}
}

// SyncContribution mirrors a just-recorded Contribution's verdict for the
// dashboard's activity feed. No component in this repository calls it, so
// recorded Contributions are not mirrored.
func (s *Syncer) SyncContribution(ctx context.Context, c *ceremony.Contribution) {
	if !s.enabled() {
		return
	}
	docPath := fmt.Sprintf("ceremonies/%d/circuits/%d/contributions/%s", c.ParticipantCeremonyID, c.CircuitID, c.ZkeyIndex)
	err := s.client.SetDoc(ctx, docPath, map[string]interface{}{
		"participantUserId": c.ParticipantUserID,
		"valid":             c.Valid,
		"zkeyIndex":         c.ZkeyIndex,
		"recordedAt":        time.Now(),
	})
	if err != nil {
		s.logger.Printf("warn: sync contribution %d/%s: %v", c.CircuitID, c.ZkeyIndex, err)
	}
}

// SyncCeremonyState mirrors a ceremony's lifecycle transition. No component
// in this repository calls it; CeremonyLifecycle's open/close sweeps and
// Finalize do not mirror state changes.
func (s *Syncer) SyncCeremonyState(ctx context.Context, cer *ceremony.Ceremony) {
	if !s.enabled() {
		return
	}
	docPath := fmt.Sprintf("ceremonies/%d", cer.ID)
	err := s.client.SetDoc(ctx, docPath, map[string]interface{}{
		"title":     cer.Title,
		"state":     string(cer.State),
		"updatedAt": time.Now(),
	})
	if err != nil {
		s.logger.Printf("warn: sync ceremony %d: %v", cer.ID, err)
	}
}
