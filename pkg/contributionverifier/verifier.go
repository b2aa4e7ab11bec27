// Copyright 2025 Certen Protocol
//
// ContributionVerifier (C8) - runs the verify-and-record sequence for one
// uploaded contribution, either locally (gnark) or via a remote worker
// handle, then persists the outcome and nudges the Coordinator to hand the
// circuit off to its next queued contributor. The sequence runs as a
// multi-stage timed pipeline (precondition checks, verify, record); the
// verdict is persisted as a Contribution record and Verify itself reports
// only an error.

package contributionverifier

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/metrics"
	"github.com/certen/ceremony-coordinator/pkg/statemachine"
	"github.com/certen/ceremony-coordinator/pkg/verification"
)

// Nudger is satisfied by *coordinator.Coordinator; kept as a narrow interface
// here so this package does not import coordinator.
type Nudger interface {
	Nudge()
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)
var hexHash64 = regexp.MustCompile(`[0-9a-fA-F]{64}`)

const zkeyOkToken = "ZKey Ok!"

// ContributionVerifier runs the verify-and-record sequence for one uploaded
// contribution.
type ContributionVerifier struct {
	repo     database.Repository
	blobs    blobstore.BlobStore
	local    verification.LocalVerifier
	worker   verification.VerificationWorker
	nudger   Nudger
	logger   *log.Logger
	metrics  *metrics.Collectors
	tempDir  string
	software ceremony.VerificationSoftware
	sleep    func(time.Duration)
	command  func(bucket, lastZkeyPath, transcriptPath string) string
}

// Option customizes a ContributionVerifier at construction time.
type Option func(*ContributionVerifier)

func WithLogger(logger *log.Logger) Option { return func(v *ContributionVerifier) { v.logger = logger } }
func WithMetrics(m *metrics.Collectors) Option {
	return func(v *ContributionVerifier) { v.metrics = m }
}
func WithTempDir(dir string) Option { return func(v *ContributionVerifier) { v.tempDir = dir } }
func WithNudger(n Nudger) Option    { return func(v *ContributionVerifier) { v.nudger = n } }

// New constructs a ContributionVerifier.
func New(repo database.Repository, blobs blobstore.BlobStore, local verification.LocalVerifier, worker verification.VerificationWorker, software ceremony.VerificationSoftware, opts ...Option) *ContributionVerifier {
	v := &ContributionVerifier{
		repo:     repo,
		blobs:    blobs,
		local:    local,
		worker:   worker,
		software: software,
		logger:   log.New(log.Writer(), "[ContributionVerifier] ", log.LstdFlags),
		tempDir:  os.TempDir(),
		sleep:    time.Sleep,
	}
	v.command = v.defaultCommand
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *ContributionVerifier) defaultCommand(bucket, lastZkeyPath, transcriptPath string) string {
	return fmt.Sprintf("certen-verify --bucket %s --zkey %s --transcript-out %s", bucket, lastZkeyPath, transcriptPath)
}

// Verify runs the full sequence for userID's in-flight contribution on
// circuitID within ceremonyID. totalCircuits is the ceremony's circuit count,
// needed to decide CONTRIBUTED vs DONE.
func (v *ContributionVerifier) Verify(ctx context.Context, bucket string, ceremonyID, circuitID int64, userID string, totalCircuits int) error {
	_, err := v.repo.LoadCeremony(ctx, ceremonyID)
	if err != nil {
		return fmt.Errorf("load ceremony: %w", err)
	}
	circuit, err := v.repo.LoadCircuit(ctx, circuitID)
	if err != nil {
		return fmt.Errorf("load circuit: %w", err)
	}
	participant, err := v.repo.LoadParticipant(ctx, userID, ceremonyID)
	if err != nil {
		return fmt.Errorf("load participant: %w", err)
	}

	if err := v.checkPreconditions(participant); err != nil {
		return err
	}

	zkeyIndex := fmt.Sprintf("%05d", circuit.WaitingQueue.CompletedContributions+1)
	lastZkeyPath := blobstore.ZkeyPath(circuit.Prefix, zkeyIndex)
	transcriptPath := blobstore.TranscriptPath(circuit.Prefix, zkeyIndex, userID)

	start := time.Now()
	var valid bool
	var transcriptText, lastZkeyHash string

	if circuit.VerificationMechanism == ceremony.VerificationRemote {
		valid, transcriptText, lastZkeyHash, err = v.verifyRemote(ctx, circuit, bucket, lastZkeyPath, transcriptPath)
		// Step 8 is unconditional: the worker is stopped whether the
		// contribution verified valid, invalid, or the remote sequence
		// itself errored out.
		if stopErr := v.worker.Stop(ctx, circuit.RemoteWorkerHandle); stopErr != nil {
			v.logger.Printf("warn: stop worker %s: %v", circuit.RemoteWorkerHandle, stopErr)
		}
	} else {
		valid, transcriptText, lastZkeyHash, err = v.verifyLocal(ctx, bucket, circuit, lastZkeyPath, transcriptPath)
	}
	if err != nil {
		return err
	}
	verifyCompute := time.Since(start).Seconds()

	if valid {
		return v.recordValid(ctx, circuit, participant, zkeyIndex, lastZkeyPath, transcriptPath, transcriptText, lastZkeyHash, verifyCompute, totalCircuits)
	}
	return v.recordInvalid(ctx, bucket, circuit, participant, zkeyIndex, lastZkeyPath, transcriptPath, verifyCompute)
}

func (v *ContributionVerifier) checkPreconditions(p *ceremony.Participant) error {
	if p.Status != ceremony.StatusContributing || p.Step != ceremony.StepVerifying {
		return ceremony.ErrIllegalTransition
	}
	return nil
}

func (v *ContributionVerifier) verifyRemote(ctx context.Context, circuit *ceremony.Circuit, bucket, lastZkeyPath, transcriptPath string) (bool, string, string, error) {
	handle := circuit.RemoteWorkerHandle

	if err := v.worker.Start(ctx, handle); err != nil {
		return false, "", "", fmt.Errorf("start worker: %w", err)
	}
	v.sleep(60 * time.Second)

	running := false
	for i := 0; i < 5; i++ {
		ok, err := v.worker.IsRunning(ctx, handle)
		if err == nil && ok {
			running = true
			break
		}
		v.sleep(60 * time.Second)
	}
	if !running {
		return false, "", "", ceremony.ErrWorkerUnavailable
	}

	commandID, err := v.worker.Run(ctx, handle, v.command(bucket, lastZkeyPath, transcriptPath))
	if err != nil {
		return false, "", "", fmt.Errorf("run worker command: %w", err)
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, "", "", fmt.Errorf("%w: %v", ceremony.ErrCancelled, ctxErr)
		}
		outcome, err := v.worker.PollStatus(ctx, handle, commandID)
		if v.metrics != nil {
			v.metrics.WorkerPolls.WithLabelValues(handle, string(outcome)).Inc()
		}
		if err != nil {
			return false, "", "", fmt.Errorf("poll worker status: %w", err)
		}
		switch outcome {
		case verification.OutcomeSuccess:
			return v.finishRemote(ctx, handle, commandID, bucket, transcriptPath)
		case verification.OutcomePending, verification.OutcomeInProgress:
			v.sleep(60 * time.Second)
			continue
		default:
			return false, "", "", fmt.Errorf("%w: %s", ceremony.ErrWorkerCommandFailed, outcome)
		}
	}
}

func (v *ContributionVerifier) finishRemote(ctx context.Context, handle, commandID, bucket, transcriptPath string) (bool, string, string, error) {
	output, err := v.worker.FetchOutput(ctx, handle, commandID)
	if err != nil {
		return false, "", "", fmt.Errorf("fetch worker output: %w", err)
	}

	localTranscript := filepath.Join(v.tempDir, filepath.Base(transcriptPath))
	if err := v.blobs.DownloadToPath(ctx, bucket, transcriptPath, localTranscript); err != nil {
		return false, "", "", fmt.Errorf("download transcript: %w", err)
	}
	defer os.Remove(localTranscript)

	raw, err := os.ReadFile(localTranscript)
	if err != nil {
		return false, "", "", fmt.Errorf("read transcript: %w", err)
	}
	transcriptText := string(raw)

	valid := strings.Contains(transcriptText, zkeyOkToken)
	if !valid {
		return false, transcriptText, "", nil
	}

	cleaned := ansiEscape.ReplaceAllString(transcriptText, "")
	if err := v.blobs.UploadFromString(ctx, bucket, transcriptPath, cleaned); err != nil {
		return false, "", "", fmt.Errorf("re-upload cleaned transcript: %w", err)
	}

	lastZkeyHash := hexHash64.FindString(output)
	return true, cleaned, lastZkeyHash, nil
}

func (v *ContributionVerifier) verifyLocal(ctx context.Context, bucket string, circuit *ceremony.Circuit, lastZkeyPath, transcriptPath string) (bool, string, string, error) {
	potLocal := filepath.Join(v.tempDir, fmt.Sprintf("%s.ptau", circuit.Prefix))
	initialLocal := filepath.Join(v.tempDir, fmt.Sprintf("%s_00000.zkey", circuit.Prefix))
	lastLocal := filepath.Join(v.tempDir, filepath.Base(lastZkeyPath))
	defer os.Remove(potLocal)
	defer os.Remove(initialLocal)
	defer os.Remove(lastLocal)

	initialZkeyPath := blobstore.ZkeyPath(circuit.Prefix, "00000")
	potPath := circuit.Prefix + ".ptau"

	if err := v.blobs.DownloadToPath(ctx, bucket, potPath, potLocal); err != nil {
		return false, "", "", fmt.Errorf("download pot: %w", err)
	}
	if err := v.blobs.DownloadToPath(ctx, bucket, initialZkeyPath, initialLocal); err != nil {
		return false, "", "", fmt.Errorf("download initial zkey: %w", err)
	}
	if err := v.blobs.DownloadToPath(ctx, bucket, lastZkeyPath, lastLocal); err != nil {
		return false, "", "", fmt.Errorf("download last zkey: %w", err)
	}

	valid, transcriptText, lastZkeyHash, err := v.local.Verify(potLocal, initialLocal, lastLocal)
	if err != nil {
		return false, "", "", fmt.Errorf("local verify: %w", err)
	}
	if valid {
		if err := v.blobs.UploadFromString(ctx, bucket, transcriptPath, transcriptText); err != nil {
			return false, "", "", fmt.Errorf("upload transcript: %w", err)
		}
	}
	return valid, transcriptText, lastZkeyHash, nil
}

func (v *ContributionVerifier) recordValid(ctx context.Context, circuit *ceremony.Circuit, participant *ceremony.Participant, zkeyIndex, lastZkeyPath, transcriptPath, transcriptText, lastZkeyHash string, verifyCompute float64, totalCircuits int) error {
	if participant.PendingContribution == nil {
		return ceremony.ErrNoInProgressContribution
	}
	pending := *participant.PendingContribution

	transcriptHash := fmt.Sprintf("%x", blake2b.Sum512([]byte(transcriptText)))

	return v.repo.WithTransaction(ctx, func(ctx context.Context) error {
		fresh, err := v.repo.LoadParticipantForUpdate(ctx, participant.UserID, participant.CeremonyID)
		if err != nil {
			return err
		}
		lockedCircuit, err := v.repo.LoadCircuitForUpdate(ctx, circuit.ID)
		if err != nil {
			return err
		}

		contribution := &ceremony.Contribution{
			ParticipantUserID:           fresh.UserID,
			ParticipantCeremonyID:       fresh.CeremonyID,
			CircuitID:                   lockedCircuit.ID,
			ZkeyIndex:                   zkeyIndex,
			ContributionComputationTime: pending.ComputationTime,
			VerificationComputationTime: verifyCompute,
			Files: ceremony.ContributionFiles{
				TranscriptPath: transcriptPath,
				LastZkeyPath:   lastZkeyPath,
				TranscriptHash: transcriptHash,
				LastZkeyHash:   lastZkeyHash,
			},
			VerificationSoftware: v.software,
			Valid:                true,
		}
		id, err := v.repo.CreateContribution(ctx, contribution)
		if err != nil {
			return err
		}

		fresh.ContributionIDs = append(fresh.ContributionIDs, id)
		fresh.PendingContribution = nil
		fresh.TempContributionData = nil

		lockedCircuit.WaitingQueue.CompletedContributions++
		n := float64(lockedCircuit.WaitingQueue.CompletedContributions)
		lockedCircuit.AvgTimings.ContributionComputation += (pending.ComputationTime - lockedCircuit.AvgTimings.ContributionComputation) / n
		lockedCircuit.AvgTimings.VerifyCompute += (verifyCompute - lockedCircuit.AvgTimings.VerifyCompute) / n
		var fullTime float64
		if fresh.ContributionStartedAt != nil {
			fullTime = time.Since(*fresh.ContributionStartedAt).Seconds()
		}
		lockedCircuit.AvgTimings.FullContribution += (fullTime - lockedCircuit.AvgTimings.FullContribution) / n
		if err := v.repo.SaveCircuitAvgTimings(ctx, lockedCircuit.ID, lockedCircuit.AvgTimings); err != nil {
			return err
		}
		if err := v.repo.SaveCircuitQueue(ctx, lockedCircuit.ID, lockedCircuit.WaitingQueue); err != nil {
			return err
		}

		// ContributionProgress already names the circuit just verified
		// (1-based, set when the participant was promoted onto it); it
		// only advances again on the next progressToNextCircuit event.
		result, err := statemachine.Apply(fresh, statemachine.EventRecordValidContribution, statemachine.Context{
			Now:           time.Now(),
			TotalCircuits: totalCircuits,
		})
		if err != nil {
			return err
		}
		fresh.Status, fresh.Step = result.Status, result.Step

		if v.metrics != nil {
			v.metrics.ContributionsVerified.WithLabelValues(lockedCircuit.Prefix, "valid").Inc()
		}
		if v.nudger != nil {
			defer v.nudger.Nudge()
		}
		return v.repo.UpsertParticipant(ctx, fresh)
	})
}

func (v *ContributionVerifier) recordInvalid(ctx context.Context, bucket string, circuit *ceremony.Circuit, participant *ceremony.Participant, zkeyIndex, lastZkeyPath, transcriptPath string, verifyCompute float64) error {
	if err := v.blobs.DeleteObject(ctx, bucket, lastZkeyPath); err != nil {
		v.logger.Printf("warn: delete failed zkey object %s: %v", lastZkeyPath, err)
	}

	return v.repo.WithTransaction(ctx, func(ctx context.Context) error {
		fresh, err := v.repo.LoadParticipantForUpdate(ctx, participant.UserID, participant.CeremonyID)
		if err != nil {
			return err
		}
		lockedCircuit, err := v.repo.LoadCircuitForUpdate(ctx, circuit.ID)
		if err != nil {
			return err
		}

		contribution := &ceremony.Contribution{
			ParticipantUserID:     fresh.UserID,
			ParticipantCeremonyID: fresh.CeremonyID,
			CircuitID:             lockedCircuit.ID,
			ZkeyIndex:             zkeyIndex,
			VerificationComputationTime: verifyCompute,
			Files: ceremony.ContributionFiles{
				TranscriptPath: transcriptPath,
				LastZkeyPath:   lastZkeyPath,
			},
			VerificationSoftware: v.software,
			Valid:                false,
		}
		id, err := v.repo.CreateContribution(ctx, contribution)
		if err != nil {
			return err
		}

		fresh.ContributionIDs = append(fresh.ContributionIDs, id)
		fresh.PendingContribution = nil
		fresh.TempContributionData = nil
		fresh.Status = ceremony.StatusContributed
		fresh.Step = ceremony.StepCompleted

		lockedCircuit.WaitingQueue.FailedContributions++
		if err := v.repo.SaveCircuitQueue(ctx, lockedCircuit.ID, lockedCircuit.WaitingQueue); err != nil {
			return err
		}

		if v.metrics != nil {
			v.metrics.ContributionsVerified.WithLabelValues(lockedCircuit.Prefix, "invalid").Inc()
		}
		if v.nudger != nil {
			defer v.nudger.Nudge()
		}
		return v.repo.UpsertParticipant(ctx, fresh)
	})
}
