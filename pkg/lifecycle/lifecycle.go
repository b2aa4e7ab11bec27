// Copyright 2025 Certen Protocol
//
// CeremonyLifecycle (C9) - opens/closes ceremonies on a schedule and
// finalizes a closed ceremony once every circuit has its final contribution.
// Uses the same ticker-based reconciliation shape as pkg/coordinator, plus a
// Stop-on-teardown call into the VerificationWorker for external workers.

package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/verification"
)

// CeremonyLifecycle runs the open-sweep/close-sweep tickers and exposes
// Finalize for coordinator-triggered ceremony completion.
type CeremonyLifecycle struct {
	repo         database.Repository
	worker       verification.VerificationWorker
	logger       *log.Logger
	sweepInterval time.Duration
}

// Option customizes a CeremonyLifecycle at construction time.
type Option func(*CeremonyLifecycle)

func WithLogger(logger *log.Logger) Option { return func(l *CeremonyLifecycle) { l.logger = logger } }
func WithSweepInterval(d time.Duration) Option {
	return func(l *CeremonyLifecycle) { l.sweepInterval = d }
}

// New constructs a CeremonyLifecycle. worker is used to Stop REMOTE-verified
// circuits' handles on finalization; it may be nil if no ceremony in scope
// uses REMOTE verification.
func New(repo database.Repository, worker verification.VerificationWorker, opts ...Option) *CeremonyLifecycle {
	l := &CeremonyLifecycle{
		repo:          repo,
		worker:        worker,
		logger:        log.New(log.Writer(), "[CeremonyLifecycle] ", log.LstdFlags),
		sweepInterval: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run blocks, sweeping every sweepInterval until ctx is cancelled.
func (l *CeremonyLifecycle) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Println("lifecycle loop stopping")
			return
		case <-ticker.C:
			l.openSweep(ctx)
			l.closeSweep(ctx)
		}
	}
}

// openSweep transitions SCHEDULED ceremonies whose startDate has passed to OPENED.
func (l *CeremonyLifecycle) openSweep(ctx context.Context) {
	ceremonies, err := l.repo.ListCeremoniesByState(ctx, ceremony.CeremonyScheduled)
	if err != nil {
		l.logger.Printf("open-sweep: list scheduled: %v", err)
		return
	}
	now := time.Now()
	for _, c := range ceremonies {
		if c.StartDate.After(now) {
			continue
		}
		if err := l.repo.UpdateCeremonyState(ctx, c.ID, ceremony.CeremonyOpened); err != nil {
			l.logger.Printf("open-sweep: ceremony %d: %v", c.ID, err)
			continue
		}
		l.logger.Printf("ceremony %d opened", c.ID)
	}
}

// closeSweep transitions OPENED ceremonies whose endDate has passed to CLOSED.
func (l *CeremonyLifecycle) closeSweep(ctx context.Context) {
	ceremonies, err := l.repo.ListCeremoniesByState(ctx, ceremony.CeremonyOpened)
	if err != nil {
		l.logger.Printf("close-sweep: list opened: %v", err)
		return
	}
	now := time.Now()
	for _, c := range ceremonies {
		if c.EndDate.After(now) {
			continue
		}
		if err := l.repo.UpdateCeremonyState(ctx, c.ID, ceremony.CeremonyClosed); err != nil {
			l.logger.Printf("close-sweep: ceremony %d: %v", c.ID, err)
			continue
		}
		l.logger.Printf("ceremony %d closed", c.ID)
	}
}

// Finalize transitions a CLOSED ceremony to FINALIZED once every circuit has
// exactly one "final" contribution, and stops any REMOTE verification
// workers still attached to its circuits.
func (l *CeremonyLifecycle) Finalize(ctx context.Context, ceremonyID int64, callerUserID string) error {
	cer, err := l.repo.LoadCeremony(ctx, ceremonyID)
	if err != nil {
		return fmt.Errorf("load ceremony: %w", err)
	}
	if cer.State != ceremony.CeremonyClosed {
		return ceremony.ErrNotClosed
	}
	if cer.CoordinatorID != callerUserID {
		return ceremony.ErrNotCoordinator
	}

	circuits, err := l.repo.LoadCircuits(ctx, ceremonyID)
	if err != nil {
		return fmt.Errorf("load circuits: %w", err)
	}
	for _, c := range circuits {
		final, err := l.repo.LoadContribution(ctx, c.ID, ceremony.ZkeyIndexFinal)
		if err != nil {
			if err == ceremony.ErrNotFound {
				return ceremony.ErrMissingFinalContribution
			}
			return fmt.Errorf("load final contribution for circuit %d: %w", c.ID, err)
		}
		if final == nil || !final.Valid {
			return ceremony.ErrMissingFinalContribution
		}
	}

	if err := l.repo.UpdateCeremonyState(ctx, ceremonyID, ceremony.CeremonyFinalized); err != nil {
		return fmt.Errorf("update ceremony state: %w", err)
	}

	for _, c := range circuits {
		if c.VerificationMechanism != ceremony.VerificationRemote || l.worker == nil {
			continue
		}
		if err := l.worker.Stop(ctx, c.RemoteWorkerHandle); err != nil {
			l.logger.Printf("warn: stop worker %s for circuit %d: %v", c.RemoteWorkerHandle, c.ID, err)
		}
	}

	l.logger.Printf("ceremony %d finalized by %s", ceremonyID, callerUserID)
	return nil
}
