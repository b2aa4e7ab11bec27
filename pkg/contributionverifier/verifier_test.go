// Copyright 2025 Certen Protocol

package contributionverifier

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/blobstore"
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/verification"
)

type fakeRepository struct {
	mu           sync.Mutex
	circuits     map[int64]*ceremony.Circuit
	participants map[string]*ceremony.Participant
	ceremonies   map[int64]*ceremony.Ceremony
	contribs     []*ceremony.Contribution
}

func key(userID string, ceremonyID int64) string { return fmt.Sprintf("%s|%d", userID, ceremonyID) }

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		circuits:     make(map[int64]*ceremony.Circuit),
		participants: make(map[string]*ceremony.Participant),
		ceremonies:   make(map[int64]*ceremony.Ceremony),
	}
}

func (f *fakeRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
func (f *fakeRepository) CreateCeremony(ctx context.Context, c *ceremony.Ceremony) error { return nil }
func (f *fakeRepository) LoadCeremony(ctx context.Context, id int64) (*ceremony.Ceremony, error) {
	c, ok := f.ceremonies[id]
	if !ok {
		return nil, ceremony.ErrNotFound
	}
	return c, nil
}
func (f *fakeRepository) ListCeremoniesByState(ctx context.Context, state ceremony.CeremonyState) ([]*ceremony.Ceremony, error) {
	return nil, nil
}
func (f *fakeRepository) UpdateCeremonyState(ctx context.Context, id int64, state ceremony.CeremonyState) error {
	return nil
}
func (f *fakeRepository) CreateCircuit(ctx context.Context, c *ceremony.Circuit) error { return nil }
func (f *fakeRepository) LoadCircuits(ctx context.Context, ceremonyID int64) ([]*ceremony.Circuit, error) {
	return nil, nil
}
func (f *fakeRepository) LoadCircuit(ctx context.Context, id int64) (*ceremony.Circuit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.circuits[id]
	if !ok {
		return nil, ceremony.ErrNotFound
	}
	cp := *c
	return &cp, nil
}
func (f *fakeRepository) LoadCircuitForUpdate(ctx context.Context, id int64) (*ceremony.Circuit, error) {
	return f.LoadCircuit(ctx, id)
}
func (f *fakeRepository) SaveCircuitQueue(ctx context.Context, circuitID int64, q ceremony.WaitingQueueState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.circuits[circuitID].WaitingQueue = q
	return nil
}
func (f *fakeRepository) SaveCircuitAvgTimings(ctx context.Context, circuitID int64, t ceremony.AvgTimings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.circuits[circuitID].AvgTimings = t
	return nil
}
func (f *fakeRepository) LoadParticipant(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[key(userID, ceremonyID)]
	if !ok {
		return nil, ceremony.ErrNotFound
	}
	cp := *p
	return &cp, nil
}
func (f *fakeRepository) LoadParticipantForUpdate(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error) {
	return f.LoadParticipant(ctx, userID, ceremonyID)
}
func (f *fakeRepository) ListParticipants(ctx context.Context, ceremonyID int64) ([]*ceremony.Participant, error) {
	return nil, nil
}
func (f *fakeRepository) UpsertParticipant(ctx context.Context, p *ceremony.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.participants[key(p.UserID, p.CeremonyID)] = &cp
	return nil
}
func (f *fakeRepository) CreateContribution(ctx context.Context, c *ceremony.Contribution) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contribs = append(f.contribs, c)
	return int64(len(f.contribs)), nil
}
func (f *fakeRepository) LoadContribution(ctx context.Context, circuitID int64, zkeyIndex string) (*ceremony.Contribution, error) {
	return nil, ceremony.ErrNotFound
}
func (f *fakeRepository) ListCircuitContributions(ctx context.Context, circuitID int64) ([]*ceremony.Contribution, error) {
	return nil, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore { return &fakeBlobStore{objects: make(map[string][]byte)} }
func objKey(bucket, key string) string { return bucket + "/" + key }

func (f *fakeBlobStore) CreateBucket(ctx context.Context, name string, policy blobstore.BucketPolicy) error {
	return nil
}
func (f *fakeBlobStore) HeadObject(ctx context.Context, bucket, key string) error { return nil }
func (f *fakeBlobStore) GetPresignedURL(ctx context.Context, bucket, key string, ttl time.Duration, method string) (string, error) {
	return "", nil
}
func (f *fakeBlobStore) OpenMultipart(ctx context.Context, bucket, key string) (string, error) {
	return "", nil
}
func (f *fakeBlobStore) PresignPart(ctx context.Context, bucket, key, uploadID string, partNumber int) (string, error) {
	return "", nil
}
func (f *fakeBlobStore) CompleteMultipart(ctx context.Context, bucket, key, uploadID string, parts []blobstore.UploadedPart) error {
	return nil
}
func (f *fakeBlobStore) DeleteObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, objKey(bucket, key))
	return nil
}
func (f *fakeBlobStore) UploadFromString(ctx context.Context, bucket, key, contents string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objKey(bucket, key)] = []byte(contents)
	return nil
}
func (f *fakeBlobStore) DownloadToPath(ctx context.Context, bucket, key, localPath string) error {
	f.mu.Lock()
	data, ok := f.objects[objKey(bucket, key)]
	f.mu.Unlock()
	if !ok {
		data = []byte("stub-artifact-bytes-" + key)
	}
	return os.WriteFile(localPath, data, 0o600)
}

type fakeLocalVerifier struct {
	valid bool
}

func (f *fakeLocalVerifier) Verify(potPath, initialZkeyPath, lastZkeyPath string) (bool, string, string, error) {
	if f.valid {
		return true, "ZKey Ok!\n", "deadbeef", nil
	}
	return false, "contribution rejected\n", "", nil
}

// fakeVerificationWorker is a scriptable verification.VerificationWorker: the
// IsRunning/PollStatus responses are read off a queue (the last entry repeats
// once exhausted), letting a test drive the Start -> poll IsRunning -> Run ->
// poll status loop -> FetchOutput -> Stop sequence without a real remote host.
type fakeVerificationWorker struct {
	mu             sync.Mutex
	startErr       error
	isRunning      []bool
	isRunningCalls int
	commandID      string
	runErr         error
	outcomes       []verification.Outcome
	pollCalls      int
	output         string
	fetchErr       error
	stopCalls      int
	stoppedHandles []string
}

func (f *fakeVerificationWorker) Start(ctx context.Context, handle string) error { return f.startErr }

func (f *fakeVerificationWorker) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.stoppedHandles = append(f.stoppedHandles, handle)
	return nil
}

func (f *fakeVerificationWorker) IsRunning(ctx context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.isRunningCalls
	if idx >= len(f.isRunning) {
		idx = len(f.isRunning) - 1
	}
	f.isRunningCalls++
	if idx < 0 {
		return false, nil
	}
	return f.isRunning[idx], nil
}

func (f *fakeVerificationWorker) Run(ctx context.Context, handle, command string) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	return f.commandID, nil
}

func (f *fakeVerificationWorker) PollStatus(ctx context.Context, handle, commandID string) (verification.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.pollCalls
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	f.pollCalls++
	if idx < 0 {
		return verification.OutcomeFailed, nil
	}
	return f.outcomes[idx], nil
}

func (f *fakeVerificationWorker) FetchOutput(ctx context.Context, handle, commandID string) (string, error) {
	if f.fetchErr != nil {
		return "", f.fetchErr
	}
	return f.output, nil
}

func TestVerify_RemoteValidContributionRecordedAndWorkerStopped(t *testing.T) {
	repo := newFakeRepository()
	circuit := &ceremony.Circuit{
		ID: 1, CeremonyID: 1, Prefix: "circuit",
		VerificationMechanism: ceremony.VerificationRemote,
		RemoteWorkerHandle:    "remote-box-1",
	}
	repo.circuits[1] = circuit
	repo.ceremonies[1] = &ceremony.Ceremony{ID: 1, Prefix: "test", State: ceremony.CeremonyOpened}

	started := time.Now().Add(-time.Minute)
	participant := &ceremony.Participant{
		UserID: "alice", CeremonyID: 1,
		Status: ceremony.StatusContributing, Step: ceremony.StepVerifying,
		ContributionProgress:  1,
		ContributionStartedAt: &started,
		PendingContribution:   &ceremony.PendingContribution{Hash: "h", ComputationTime: 12.5},
	}
	repo.participants[key("alice", 1)] = participant

	blobs := newFakeBlobStore()
	transcriptPath := blobstore.TranscriptPath(circuit.Prefix, "00001", "alice")
	blobs.objects[objKey("test-bucket", transcriptPath)] = []byte("ZKey Ok!\ndeadbeefcafed00dcafed00dcafed00dcafed00dcafed00dcafed00dcafed00d\n")

	worker := &fakeVerificationWorker{
		isRunning: []bool{true},
		commandID: "cmd-1",
		outcomes:  []verification.Outcome{verification.OutcomeSuccess},
		output:    "deadbeefcafed00dcafed00dcafed00dcafed00dcafed00dcafed00dcafed00d",
	}

	v := New(repo, blobs, &fakeLocalVerifier{}, worker, ceremony.VerificationSoftware{Name: "gnark"}, WithTempDir(t.TempDir()))
	v.sleep = func(time.Duration) {}

	if err := v.Verify(context.Background(), "test-bucket", 1, 1, "alice", 1); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, err := repo.LoadParticipant(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if got.Status != ceremony.StatusDone {
		t.Fatalf("expected DONE (single circuit), got %s", got.Status)
	}
	if len(repo.contribs) != 1 || !repo.contribs[0].Valid {
		t.Fatalf("expected one valid contribution recorded, got %+v", repo.contribs)
	}
	if worker.stopCalls != 1 {
		t.Fatalf("expected worker.Stop called exactly once after a successful REMOTE contribution, got %d", worker.stopCalls)
	}
	if len(worker.stoppedHandles) != 1 || worker.stoppedHandles[0] != "remote-box-1" {
		t.Fatalf("expected Stop(remote-box-1), got %+v", worker.stoppedHandles)
	}
}

func TestVerify_RemoteWorkerNeverBecomesReadyIsStoppedAndErrors(t *testing.T) {
	repo := newFakeRepository()
	circuit := &ceremony.Circuit{
		ID: 1, CeremonyID: 1, Prefix: "circuit",
		VerificationMechanism: ceremony.VerificationRemote,
		RemoteWorkerHandle:    "remote-box-2",
	}
	repo.circuits[1] = circuit
	repo.ceremonies[1] = &ceremony.Ceremony{ID: 1, Prefix: "test", State: ceremony.CeremonyOpened}

	participant := &ceremony.Participant{
		UserID: "bob", CeremonyID: 1,
		Status:              ceremony.StatusContributing,
		Step:                ceremony.StepVerifying,
		PendingContribution: &ceremony.PendingContribution{Hash: "h", ComputationTime: 5},
	}
	repo.participants[key("bob", 1)] = participant

	blobs := newFakeBlobStore()
	worker := &fakeVerificationWorker{
		isRunning: []bool{false}, // stays unreachable for every poll attempt
	}

	v := New(repo, blobs, &fakeLocalVerifier{}, worker, ceremony.VerificationSoftware{Name: "gnark"}, WithTempDir(t.TempDir()))
	v.sleep = func(time.Duration) {}

	err := v.Verify(context.Background(), "test-bucket", 1, 1, "bob", 1)
	if err == nil {
		t.Fatal("expected an error when the remote worker never becomes reachable")
	}
	if worker.stopCalls != 1 {
		t.Fatalf("expected worker.Stop called exactly once even on a timed-out remote sequence, got %d", worker.stopCalls)
	}
	if len(worker.stoppedHandles) != 1 || worker.stoppedHandles[0] != "remote-box-2" {
		t.Fatalf("expected Stop(remote-box-2), got %+v", worker.stoppedHandles)
	}

	got, err := repo.LoadParticipant(context.Background(), "bob", 1)
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if got.Status != ceremony.StatusContributing {
		t.Fatalf("expected participant untouched (still CONTRIBUTING) after a failed remote sequence, got %s", got.Status)
	}
}

func TestVerify_LocalValidContributionRecorded(t *testing.T) {
	repo := newFakeRepository()
	circuit := &ceremony.Circuit{ID: 1, CeremonyID: 1, Prefix: "circuit", VerificationMechanism: ceremony.VerificationLocal}
	repo.circuits[1] = circuit
	repo.ceremonies[1] = &ceremony.Ceremony{ID: 1, Prefix: "test", State: ceremony.CeremonyOpened}

	started := time.Now().Add(-time.Minute)
	participant := &ceremony.Participant{
		UserID: "alice", CeremonyID: 1,
		Status: ceremony.StatusContributing, Step: ceremony.StepVerifying,
		ContributionProgress:  1,
		ContributionStartedAt: &started,
		PendingContribution:   &ceremony.PendingContribution{Hash: "h", ComputationTime: 12.5},
	}
	repo.participants[key("alice", 1)] = participant

	blobs := newFakeBlobStore()
	v := New(repo, blobs, &fakeLocalVerifier{valid: true}, nil, ceremony.VerificationSoftware{Name: "gnark"}, WithTempDir(t.TempDir()))

	if err := v.Verify(context.Background(), "test-bucket", 1, 1, "alice", 1); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, err := repo.LoadParticipant(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if got.Status != ceremony.StatusDone {
		t.Fatalf("expected DONE (single circuit), got %s", got.Status)
	}
	if got.PendingContribution != nil {
		t.Fatal("expected pending contribution to be cleared")
	}
	if len(repo.contribs) != 1 || !repo.contribs[0].Valid {
		t.Fatalf("expected one valid contribution recorded, got %+v", repo.contribs)
	}
}

func TestVerify_LocalInvalidContributionRecorded(t *testing.T) {
	repo := newFakeRepository()
	circuit := &ceremony.Circuit{ID: 1, CeremonyID: 1, Prefix: "circuit", VerificationMechanism: ceremony.VerificationLocal}
	repo.circuits[1] = circuit
	repo.ceremonies[1] = &ceremony.Ceremony{ID: 1, Prefix: "test", State: ceremony.CeremonyOpened}

	participant := &ceremony.Participant{
		UserID: "alice", CeremonyID: 1,
		Status: ceremony.StatusContributing, Step: ceremony.StepVerifying,
		PendingContribution: &ceremony.PendingContribution{Hash: "h", ComputationTime: 5},
	}
	repo.participants[key("alice", 1)] = participant

	blobs := newFakeBlobStore()
	v := New(repo, blobs, &fakeLocalVerifier{valid: false}, nil, ceremony.VerificationSoftware{Name: "gnark"}, WithTempDir(t.TempDir()))

	if err := v.Verify(context.Background(), "test-bucket", 1, 1, "alice", 1); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	got, err := repo.LoadParticipant(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if got.Status != ceremony.StatusContributed || got.Step != ceremony.StepCompleted {
		t.Fatalf("expected CONTRIBUTED/COMPLETED after invalid contribution, got %s/%s", got.Status, got.Step)
	}
	if len(repo.contribs) != 1 || repo.contribs[0].Valid {
		t.Fatalf("expected one invalid contribution recorded, got %+v", repo.contribs)
	}
	if got := repo.circuits[1].WaitingQueue.FailedContributions; got != 1 {
		t.Fatalf("expected FailedContributions=1, got %d", got)
	}
}
