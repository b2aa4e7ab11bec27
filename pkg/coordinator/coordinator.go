// Copyright 2025 Certen Protocol
//
// Coordinator (C7) - periodic per-participant reconciliation. Every tick, and
// on every explicit nudge, walks each OPENED ceremony's participants and moves
// them between waiting queues and CONTRIBUTING status. All mutation for a
// single participant happens inside one Repository transaction with the
// owning circuit row(s) locked. The reconcile loop itself is a ticker select
// with graceful shutdown over pkg/database's transactional repository.

package coordinator

import (
	"context"
	"log"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/firestoresync"
	"github.com/certen/ceremony-coordinator/pkg/metrics"
	"github.com/certen/ceremony-coordinator/pkg/queue"
	"github.com/certen/ceremony-coordinator/pkg/statemachine"
)

// participantClass is the per-tick classification applied to a participant
// before any state is mutated.
type participantClass string

const (
	classReadyForFirstContribution participantClass = "readyForFirstContribution"
	classReadyForNextContribution  participantClass = "readyForNextContribution"
	classResumingAfterTimeout      participantClass = "resumingAfterTimeout"
	classJustCompletedContribution participantClass = "justCompletedContribution"
	classFinishedAll               participantClass = "finishedAll"
	classIdle                      participantClass = "idle"
)

// classify maps a participant snapshot onto one of the six classes. It takes
// no circuit/queue state: whether a "single-participant coordination" class
// (first three) results in an immediate promotion or a WAITING hold depends
// on the target circuit's queue, decided in reconcileParticipant once the
// circuit row is locked.
func classify(p *ceremony.Participant, totalCircuits int) participantClass {
	switch {
	case p.Status == ceremony.StatusExhumed && !p.HasActiveTimeout(time.Now()):
		return classResumingAfterTimeout
	case p.Status == ceremony.StatusWaiting && p.ContributionProgress == 0:
		return classReadyForFirstContribution
	case p.Status == ceremony.StatusReady:
		return classReadyForNextContribution
	case p.Status == ceremony.StatusContributed && p.Step == ceremony.StepCompleted && p.ContributionProgress > 0:
		return classJustCompletedContribution
	case p.Status == ceremony.StatusDone:
		return classFinishedAll
	default:
		return classIdle
	}
}

// TimeoutDefaults supplies the FIXED-mode per-step time budgets. A ceremony
// whose TimeoutMechanismType is DYNAMIC instead derives each budget from the
// target circuit's running-mean AvgTimings once that mean is non-zero, and
// falls back to these until then.
type TimeoutDefaults struct {
	Download     time.Duration
	Upload       time.Duration
	Verification time.Duration
}

// Coordinator runs the reconciliation loop described above.
type Coordinator struct {
	repo         database.Repository
	logger       *log.Logger
	metrics      *metrics.Collectors
	sync         *firestoresync.Syncer
	tickInterval time.Duration
	timeouts     TimeoutDefaults
	nudge        chan struct{}
}

// Option customizes a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics attaches a metrics.Collectors bundle; nil (the default) disables
// metric recording.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTickInterval overrides the default 30s reconciliation cadence.
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.tickInterval = d }
}

// WithSync attaches a firestoresync.Syncer so queue and participant status
// changes mirror to the spectator dashboard; nil (the default) disables it.
func WithSync(s *firestoresync.Syncer) Option {
	return func(c *Coordinator) { c.sync = s }
}

// WithTimeoutDefaults overrides the FIXED-mode per-step time budgets.
func WithTimeoutDefaults(d TimeoutDefaults) Option {
	return func(c *Coordinator) { c.timeouts = d }
}

// New constructs a Coordinator bound to repo.
func New(repo database.Repository, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:         repo,
		logger:       log.New(log.Writer(), "[Coordinator] ", log.LstdFlags),
		tickInterval: 30 * time.Second,
		timeouts: TimeoutDefaults{
			Download:     10 * time.Minute,
			Upload:       10 * time.Minute,
			Verification: 30 * time.Minute,
		},
		nudge: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Nudge requests an out-of-band reconciliation tick, coalescing with any
// already-pending nudge.
func (c *Coordinator) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Run blocks, reconciling every tickInterval and on every Nudge, until ctx is
// cancelled. A tick already in flight is allowed to finish its current
// participant before the loop observes cancellation.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Println("coordinator loop stopping")
			return
		case <-ticker.C:
			c.runTick(ctx)
		case <-c.nudge:
			c.runTick(ctx)
		}
	}
}

func (c *Coordinator) runTick(ctx context.Context) {
	start := time.Now()
	if err := c.Tick(ctx); err != nil {
		c.logger.Printf("tick error: %v", err)
	}
	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.CoordinatorTickDuration.Observe(elapsed.Seconds())
	}
}

// Tick performs one reconciliation pass across every OPENED ceremony.
func (c *Coordinator) Tick(ctx context.Context) error {
	ceremonies, err := c.repo.ListCeremoniesByState(ctx, ceremony.CeremonyOpened)
	if err != nil {
		return err
	}

	processed, promotions := 0, 0
	for _, cer := range ceremonies {
		if err := ctx.Err(); err != nil {
			return err
		}
		circuits, err := c.repo.LoadCircuits(ctx, cer.ID)
		if err != nil {
			c.logger.Printf("ceremony %d: load circuits: %v", cer.ID, err)
			continue
		}
		participants, err := c.repo.ListParticipants(ctx, cer.ID)
		if err != nil {
			c.logger.Printf("ceremony %d: list participants: %v", cer.ID, err)
			continue
		}
		for _, p := range participants {
			promoted, err := c.reconcileParticipant(ctx, cer, circuits, p)
			if err != nil {
				c.logger.Printf("ceremony %d participant %s: %v", cer.ID, p.UserID, err)
				continue
			}
			processed++
			if promoted {
				promotions++
			}
		}
	}

	c.logger.Printf("tick complete: %d participants reconciled, %d promotions", processed, promotions)
	return nil
}

// stepDeadline returns the point in time at which p's current CONTRIBUTING
// step expires, and which TimeoutKind that is, for FIXED ceremonies from
// defaults and for DYNAMIC ceremonies from the circuit's AvgTimings
// (doubled, as a generous multiple of the running mean), falling back to
// defaults while the relevant mean is still zero. ok is false when p
// has no started-at timestamp to measure from (e.g. step just advanced).
func stepDeadline(cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant, defaults TimeoutDefaults) (deadline time.Time, kind ceremony.TimeoutKind, ok bool) {
	dynamic := cer.TimeoutMechanismType == ceremony.TimeoutDynamic

	switch p.Step {
	case ceremony.StepDownloading, ceremony.StepComputing:
		if p.ContributionStartedAt == nil {
			return time.Time{}, "", false
		}
		budget := defaults.Download
		if dynamic && circuit.AvgTimings.ContributionComputation > 0 {
			budget = time.Duration(circuit.AvgTimings.ContributionComputation*2) * time.Second
		}
		return p.ContributionStartedAt.Add(budget), ceremony.TimeoutKindDownload, true
	case ceremony.StepUploading:
		if p.ContributionStartedAt == nil {
			return time.Time{}, "", false
		}
		budget := defaults.Upload
		if dynamic && circuit.AvgTimings.FullContribution > 0 {
			budget = time.Duration(circuit.AvgTimings.FullContribution*2) * time.Second
		}
		return p.ContributionStartedAt.Add(budget), ceremony.TimeoutKindUpload, true
	case ceremony.StepVerifying:
		if p.VerificationStartedAt == nil {
			return time.Time{}, "", false
		}
		budget := defaults.Verification
		if dynamic && circuit.AvgTimings.VerifyCompute > 0 {
			budget = time.Duration(circuit.AvgTimings.VerifyCompute*2) * time.Second
		}
		return p.VerificationStartedAt.Add(budget), ceremony.TimeoutKindVerification, true
	default:
		return time.Time{}, "", false
	}
}

// reconcileParticipant classifies and, if actionable, mutates p inside a
// single transaction. It reports whether p was promoted to CONTRIBUTING.
func (c *Coordinator) reconcileParticipant(ctx context.Context, cer *ceremony.Ceremony, circuits []*ceremony.Circuit, p *ceremony.Participant) (bool, error) {
	totalCircuits := len(circuits)

	if p.Status == ceremony.StatusContributing && p.ContributionProgress >= 1 && p.ContributionProgress <= totalCircuits {
		circuit := circuits[p.ContributionProgress-1]
		if deadline, kind, ok := stepDeadline(cer, circuit, p, c.timeouts); ok && time.Now().After(deadline) {
			return false, c.evictTimedOutParticipant(ctx, cer, circuit, p, kind)
		}
	}

	class := classify(p, totalCircuits)
	if class == classIdle {
		return false, nil
	}

	promoted := false
	err := c.repo.WithTransaction(ctx, func(ctx context.Context) error {
		fresh, err := c.repo.LoadParticipant(ctx, p.UserID, cer.ID)
		if err != nil {
			return err
		}
		// Re-classify against the freshly loaded row: another tick (or an
		// API-triggered event) may have moved the participant since listing.
		class = classify(fresh, totalCircuits)

		switch class {
		case classReadyForFirstContribution, classReadyForNextContribution, classResumingAfterTimeout:
			ok, err := c.admitToTargetCircuit(ctx, cer, circuits, fresh, class)
			promoted = ok
			return err
		case classJustCompletedContribution, classFinishedAll:
			return c.handOverPreviousCircuit(ctx, circuits, fresh, class)
		default:
			return nil
		}
	})
	return promoted, err
}

// admitToTargetCircuit handles the "single-participant coordination" classes:
// load circuits[p.ContributionProgress-1] for update, enqueue p, and promote
// p to CONTRIBUTING/DOWNLOADING if the queue was empty, else leave them
// WAITING. ContributionProgress is 1-based (the index of the circuit
// currently targeted, 0 meaning "not yet started"), matching uploadsession
// and handOverPreviousCircuit: classReadyForFirstContribution is the only
// case that still has it at 0, so it is set to 1 here, the same as the
// client-driven progress-to-next-circuit endpoint does for later circuits.
func (c *Coordinator) admitToTargetCircuit(ctx context.Context, cer *ceremony.Ceremony, circuits []*ceremony.Circuit, p *ceremony.Participant, class participantClass) (bool, error) {
	smCtx := statemachine.Context{
		Now:           time.Now(),
		TotalCircuits: len(circuits),
	}

	var readyResult statemachine.Result
	var err error
	switch class {
	case classReadyForFirstContribution:
		readyResult, err = statemachine.Apply(p, statemachine.EventProgressToNextCircuit, smCtx)
	case classResumingAfterTimeout:
		readyResult, err = statemachine.Apply(p, statemachine.EventResumeAfterTimeout, smCtx)
	case classReadyForNextContribution:
		readyResult = statemachine.Result{Status: p.Status, Step: p.Step}
	}
	if err != nil {
		return false, err
	}
	p.Status, p.Step = readyResult.Status, readyResult.Step
	if readyResult.ClearContributions {
		p.TempContributionData = nil
		p.PendingContribution = nil
	}
	if class == classReadyForFirstContribution {
		p.ContributionProgress = 1
	}

	if p.ContributionProgress < 1 || p.ContributionProgress > len(circuits) {
		return false, nil
	}
	target := circuits[p.ContributionProgress-1]

	locked, err := c.repo.LoadCircuitForUpdate(ctx, target.ID)
	if err != nil {
		return false, err
	}

	wasEmpty := len(locked.WaitingQueue.Contributors) == 0
	locked.WaitingQueue = queue.Enqueue(locked.WaitingQueue, p.UserID)
	if err := c.repo.SaveCircuitQueue(ctx, locked.ID, locked.WaitingQueue); err != nil {
		return false, err
	}
	if c.metrics != nil {
		c.metrics.QueueDepth.WithLabelValues(locked.Prefix).Set(float64(len(locked.WaitingQueue.Contributors)))
	}
	if c.sync != nil {
		c.sync.SyncCircuitQueue(ctx, cer.ID, locked.ID, locked.WaitingQueue)
	}

	promoted := false
	if wasEmpty {
		promoteResult, err := statemachine.Apply(p, statemachine.EventBecomeCurrentContributor, smCtx)
		if err != nil {
			return false, err
		}
		p.Status, p.Step = promoteResult.Status, promoteResult.Step
		if promoteResult.SetContributionStartedAt {
			now := smCtx.Now
			p.ContributionStartedAt = &now
		}
		promoted = true
	} else {
		p.Status = ceremony.StatusWaiting
	}

	if err := c.repo.UpsertParticipant(ctx, p); err != nil {
		return false, err
	}
	return promoted, nil
}

// handOverPreviousCircuit handles the "multi-participant handover" classes:
// dequeue p from the circuit it just contributed to and promote the new head,
// then (for justCompletedContribution only) flip p to READY so the next tick
// classifies it as classReadyForNextContribution.
func (c *Coordinator) handOverPreviousCircuit(ctx context.Context, circuits []*ceremony.Circuit, p *ceremony.Participant, class participantClass) error {
	if p.ContributionProgress == 0 || p.ContributionProgress > len(circuits) {
		return nil
	}
	prev := circuits[p.ContributionProgress-1]

	locked, err := c.repo.LoadCircuitForUpdate(ctx, prev.ID)
	if err != nil {
		return err
	}

	newQueue, err := queue.Dequeue(locked.WaitingQueue, p.UserID)
	if err == ceremony.ErrNotCurrentContributor {
		// Already handed over by a prior tick; nothing left to do here.
	} else if err != nil {
		return err
	} else {
		locked.WaitingQueue = newQueue
		if err := c.repo.SaveCircuitQueue(ctx, locked.ID, locked.WaitingQueue); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.QueueDepth.WithLabelValues(locked.Prefix).Set(float64(len(locked.WaitingQueue.Contributors)))
		}
		if c.sync != nil {
			c.sync.SyncCircuitQueue(ctx, locked.CeremonyID, locked.ID, locked.WaitingQueue)
		}
		if newHead := locked.WaitingQueue.CurrentContributor; newHead != "" {
			if err := c.promoteHead(ctx, locked, newHead); err != nil {
				return err
			}
		}
	}

	if class != classJustCompletedContribution {
		return c.repo.UpsertParticipant(ctx, p)
	}

	smCtx := statemachine.Context{Now: time.Now(), TotalCircuits: len(circuits)}
	result, err := statemachine.Apply(p, statemachine.EventProgressToNextCircuit, smCtx)
	if err != nil {
		return err
	}
	p.Status, p.Step = result.Status, result.Step
	p.ContributionProgress++
	if result.ClearContributions {
		p.TempContributionData = nil
		p.PendingContribution = nil
	}
	return c.repo.UpsertParticipant(ctx, p)
}

// evictTimedOutParticipant flips p to TIMEDOUT with a fresh Penalty-length
// Timeout attached, and removes them from their current circuit's queue so a
// stalled contributor doesn't block everyone behind them. If they were the
// current contributor, the new head (if any) is promoted in the same
// transaction. Once the attached Timeout elapses, classify/applyAdmit moves p
// to EXHUMED and classResumingAfterTimeout lets them resume at the same
// circuit.
func (c *Coordinator) evictTimedOutParticipant(ctx context.Context, cer *ceremony.Ceremony, circuit *ceremony.Circuit, p *ceremony.Participant, kind ceremony.TimeoutKind) error {
	return c.repo.WithTransaction(ctx, func(ctx context.Context) error {
		fresh, err := c.repo.LoadParticipant(ctx, p.UserID, cer.ID)
		if err != nil {
			return err
		}
		if fresh.Status != ceremony.StatusContributing {
			// Already handled (verified, or evicted) by a concurrent tick.
			return nil
		}

		locked, err := c.repo.LoadCircuitForUpdate(ctx, circuit.ID)
		if err != nil {
			return err
		}

		now := time.Now()
		fresh.Status = ceremony.StatusTimedOut
		fresh.Timeouts = append(fresh.Timeouts, ceremony.Timeout{
			StartDate: now,
			EndDate:   now.Add(time.Duration(cer.Penalty) * time.Second),
			Kind:      kind,
		})
		fresh.ContributionStartedAt = nil
		fresh.VerificationStartedAt = nil
		fresh.TempContributionData = nil
		fresh.PendingContribution = nil

		wasCurrent := locked.WaitingQueue.CurrentContributor == fresh.UserID
		locked.WaitingQueue = queue.Remove(locked.WaitingQueue, fresh.UserID)
		locked.WaitingQueue.FailedContributions++
		if err := c.repo.SaveCircuitQueue(ctx, locked.ID, locked.WaitingQueue); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.QueueDepth.WithLabelValues(locked.Prefix).Set(float64(len(locked.WaitingQueue.Contributors)))
		}
		if c.sync != nil {
			c.sync.SyncCircuitQueue(ctx, cer.ID, locked.ID, locked.WaitingQueue)
		}

		if err := c.repo.UpsertParticipant(ctx, fresh); err != nil {
			return err
		}
		if c.sync != nil {
			c.sync.SyncParticipantStatus(ctx, fresh)
		}

		if wasCurrent {
			if newHead := locked.WaitingQueue.CurrentContributor; newHead != "" {
				if err := c.promoteHead(ctx, locked, newHead); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (c *Coordinator) promoteHead(ctx context.Context, circuit *ceremony.Circuit, userID string) error {
	head, err := c.repo.LoadParticipantForUpdate(ctx, userID, circuit.CeremonyID)
	if err != nil {
		return err
	}
	// Queued participants wait as WAITING (see admitToTargetCircuit);
	// reaching the head of the queue makes them READY for promotion.
	if head.Status == ceremony.StatusWaiting {
		head.Status = ceremony.StatusReady
	}
	smCtx := statemachine.Context{Now: time.Now()}
	result, err := statemachine.Apply(head, statemachine.EventBecomeCurrentContributor, smCtx)
	if err != nil {
		return err
	}
	head.Status, head.Step = result.Status, result.Step
	if result.SetContributionStartedAt {
		now := smCtx.Now
		head.ContributionStartedAt = &now
	}
	return c.repo.UpsertParticipant(ctx, head)
}
