// Copyright 2025 Certen Protocol
//
// Ceremony domain types for the trusted-setup coordination server.
// These map directly to the PostgreSQL schema in pkg/database/migrations.

package ceremony

import "time"

// CeremonyState is the lifecycle stage of a ceremony.
type CeremonyState string

const (
	CeremonyScheduled CeremonyState = "SCHEDULED"
	CeremonyOpened    CeremonyState = "OPENED"
	CeremonyPaused    CeremonyState = "PAUSED"
	CeremonyClosed    CeremonyState = "CLOSED"
	CeremonyFinalized CeremonyState = "FINALIZED"
)

// CeremonyType distinguishes Groth16-style phase-2 setups from the
// circuit-independent phase-1 powers-of-tau ceremony.
type CeremonyType string

const (
	CeremonyPhase1 CeremonyType = "PHASE1"
	CeremonyPhase2 CeremonyType = "PHASE2"
)

// TimeoutMechanism controls how a participant's per-step time budget is computed.
type TimeoutMechanism string

const (
	TimeoutDynamic TimeoutMechanism = "DYNAMIC"
	TimeoutFixed   TimeoutMechanism = "FIXED"
)

// Ceremony is a coordination unit spanning one or more circuits.
type Ceremony struct {
	ID                   int64
	Prefix               string
	Title                string
	Description          string
	State                CeremonyState
	Type                 CeremonyType
	CoordinatorID        string
	StartDate            time.Time
	EndDate              time.Time
	TimeoutMechanismType TimeoutMechanism
	Penalty              int64 // seconds
	AuthProviders        []string
	ProviderPolicies     map[string]string // provider name -> opaque policy blob
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// VerificationMechanism is where a circuit's contributions get verified.
type VerificationMechanism string

const (
	VerificationLocal  VerificationMechanism = "LOCAL"
	VerificationRemote VerificationMechanism = "REMOTE"
)

// AvgTimings are the circuit's running-mean contribution timings, in seconds.
type AvgTimings struct {
	ContributionComputation float64
	FullContribution        float64
	VerifyCompute            float64
}

// WaitingQueueState is the per-circuit FIFO plus its head pointer, as persisted.
type WaitingQueueState struct {
	Contributors         []string
	CurrentContributor   string
	CompletedContributions int
	FailedContributions    int
}

// Circuit is one ZK circuit within a ceremony, serialized one contributor at a time.
type Circuit struct {
	ID                    int64
	CeremonyID            int64
	Prefix                string
	Name                  string
	SequencePosition      int
	VerificationMechanism VerificationMechanism
	RemoteWorkerHandle    string // opaque handle interpreted by VerificationWorker, empty for LOCAL
	PotSizeBytes          int64
	ZkeySizeBytes         int64
	AvgTimings            AvgTimings
	WaitingQueue          WaitingQueueState
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ParticipantStatus is the coarse-grained state of a (userID, ceremonyID) pair.
type ParticipantStatus string

const (
	StatusWaiting     ParticipantStatus = "WAITING"
	StatusReady       ParticipantStatus = "READY"
	StatusContributing ParticipantStatus = "CONTRIBUTING"
	StatusContributed ParticipantStatus = "CONTRIBUTED"
	StatusDone        ParticipantStatus = "DONE"
	StatusTimedOut    ParticipantStatus = "TIMEDOUT"
	StatusExhumed     ParticipantStatus = "EXHUMED"
	StatusFinalizing  ParticipantStatus = "FINALIZING"
	StatusFinalized   ParticipantStatus = "FINALIZED"
)

// ContributionStep is the fine-grained state while CONTRIBUTING.
type ContributionStep string

const (
	StepDownloading ContributionStep = "DOWNLOADING"
	StepComputing   ContributionStep = "COMPUTING"
	StepUploading   ContributionStep = "UPLOADING"
	StepVerifying   ContributionStep = "VERIFYING"
	StepCompleted   ContributionStep = "COMPLETED"
)

// TimeoutKind distinguishes why a participant was timed out.
type TimeoutKind string

const (
	TimeoutKindDownload    TimeoutKind = "DOWNLOAD"
	TimeoutKindUpload      TimeoutKind = "UPLOAD"
	TimeoutKindVerification TimeoutKind = "VERIFICATION"
)

// Timeout is an embedded record attached to a Participant.
type Timeout struct {
	StartDate time.Time
	EndDate   time.Time
	Kind      TimeoutKind
}

// Active reports whether the timeout has not yet elapsed.
func (t Timeout) Active(now time.Time) bool {
	return !t.EndDate.Before(now)
}

// TempContributionData is the participant's in-flight multipart upload session.
type TempContributionData struct {
	UploadID string
	Chunks   []UploadedChunk
}

// UploadedChunk is one completed multipart part.
type UploadedChunk struct {
	ETag       string
	PartNumber int
}

// PendingContribution is the loose, not-yet-persisted contribution fragment
// recorded by store-contribution-hash, before a Contribution row exists.
type PendingContribution struct {
	Hash            string
	ComputationTime float64
}

// Participant is a (userID, ceremonyID) pair and its contribution progress.
type Participant struct {
	UserID                string
	CeremonyID            int64
	ContributionProgress  int // 0..len(circuits); index of circuit being contributed (0 = not started)
	Status                ParticipantStatus
	Step                  ContributionStep
	ContributionIDs       []int64 // ordered references to Contribution rows for circuits already attempted
	ContributionStartedAt *time.Time
	VerificationStartedAt *time.Time
	TempContributionData  *TempContributionData
	PendingContribution   *PendingContribution
	Timeouts              []Timeout
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasActiveTimeout reports whether any attached timeout has not yet elapsed.
func (p *Participant) HasActiveTimeout(now time.Time) bool {
	for _, t := range p.Timeouts {
		if t.Active(now) {
			return true
		}
	}
	return false
}

// ZkeyIndexFinal is the sentinel zkeyIndex reserved for the coordinator's
// finalization contribution.
const ZkeyIndexFinal = "final"

// ContributionFiles are the blob-store paths and hashes for one contribution.
type ContributionFiles struct {
	TranscriptPath   string
	LastZkeyPath     string
	TranscriptHash   string
	LastZkeyHash     string
}

// VerificationSoftware identifies the tool that produced a verification verdict.
type VerificationSoftware struct {
	Name       string
	Version    string
	CommitHash string
}

// Contribution is the immutable record of one attempted contribution.
type Contribution struct {
	ID                          int64
	ParticipantUserID           string
	ParticipantCeremonyID       int64
	CircuitID                   int64
	ZkeyIndex                   string // fixed-width numeric string, or ZkeyIndexFinal
	ContributionComputationTime float64
	VerificationComputationTime float64
	Files                       ContributionFiles
	VerificationSoftware        VerificationSoftware
	Valid                       bool
	Beacon                      string // set only for the coordinator's finalization record
	CreatedAt                   time.Time
}
