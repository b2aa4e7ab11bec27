// Copyright 2025 Certen Protocol

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

// fakeRepository is a minimal in-memory database.Repository for exercising
// Coordinator reconciliation without a Postgres instance.
type fakeRepository struct {
	mu           sync.Mutex
	ceremonies   map[int64]*ceremony.Ceremony
	circuits     map[int64]*ceremony.Circuit
	participants map[string]*ceremony.Participant
}

func participantKey(userID string, ceremonyID int64) string {
	return fmt.Sprintf("%s|%d", userID, ceremonyID)
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		ceremonies:   make(map[int64]*ceremony.Ceremony),
		circuits:     make(map[int64]*ceremony.Circuit),
		participants: make(map[string]*ceremony.Participant),
	}
}

func (f *fakeRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeRepository) CreateCeremony(ctx context.Context, c *ceremony.Ceremony) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ceremonies[c.ID] = c
	return nil
}

func (f *fakeRepository) LoadCeremony(ctx context.Context, id int64) (*ceremony.Ceremony, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.ceremonies[id]
	if !ok {
		return nil, ceremony.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepository) ListCeremoniesByState(ctx context.Context, state ceremony.CeremonyState) ([]*ceremony.Ceremony, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ceremony.Ceremony
	for _, c := range f.ceremonies {
		if c.State == state {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRepository) UpdateCeremonyState(ctx context.Context, id int64, state ceremony.CeremonyState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.ceremonies[id]
	if !ok {
		return ceremony.ErrNotFound
	}
	c.State = state
	return nil
}

func (f *fakeRepository) CreateCircuit(ctx context.Context, c *ceremony.Circuit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.circuits[c.ID] = c
	return nil
}

func (f *fakeRepository) LoadCircuits(ctx context.Context, ceremonyID int64) ([]*ceremony.Circuit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ceremony.Circuit
	for _, c := range f.circuits {
		if c.CeremonyID == ceremonyID {
			out = append(out, c)
		}
	}
	// deterministic order for tests
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SequencePosition < out[j-1].SequencePosition; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (f *fakeRepository) LoadCircuit(ctx context.Context, id int64) (*ceremony.Circuit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.circuits[id]
	if !ok {
		return nil, ceremony.ErrNotFound
	}
	return c, nil
}

func (f *fakeRepository) LoadCircuitForUpdate(ctx context.Context, id int64) (*ceremony.Circuit, error) {
	return f.LoadCircuit(ctx, id)
}

func (f *fakeRepository) SaveCircuitQueue(ctx context.Context, circuitID int64, q ceremony.WaitingQueueState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.circuits[circuitID]
	if !ok {
		return ceremony.ErrNotFound
	}
	c.WaitingQueue = q
	return nil
}

func (f *fakeRepository) SaveCircuitAvgTimings(ctx context.Context, circuitID int64, t ceremony.AvgTimings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.circuits[circuitID]
	if !ok {
		return ceremony.ErrNotFound
	}
	c.AvgTimings = t
	return nil
}

func (f *fakeRepository) LoadParticipant(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[participantKey(userID, ceremonyID)]
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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ceremony.Participant
	for _, p := range f.participants {
		if p.CeremonyID == ceremonyID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepository) UpsertParticipant(ctx context.Context, p *ceremony.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.participants[participantKey(p.UserID, p.CeremonyID)] = &cp
	return nil
}

func (f *fakeRepository) CreateContribution(ctx context.Context, c *ceremony.Contribution) (int64, error) {
	return 1, nil
}

func (f *fakeRepository) LoadContribution(ctx context.Context, circuitID int64, zkeyIndex string) (*ceremony.Contribution, error) {
	return nil, ceremony.ErrNotFound
}

func (f *fakeRepository) ListCircuitContributions(ctx context.Context, circuitID int64) ([]*ceremony.Contribution, error) {
	return nil, nil
}

func seedCeremony(f *fakeRepository, totalCircuits int) (*ceremony.Ceremony, []*ceremony.Circuit) {
	cer := &ceremony.Ceremony{ID: 1, Prefix: "test", State: ceremony.CeremonyOpened}
	f.ceremonies[cer.ID] = cer

	var circuits []*ceremony.Circuit
	for i := 0; i < totalCircuits; i++ {
		c := &ceremony.Circuit{
			ID:                    int64(i + 1),
			CeremonyID:            cer.ID,
			Prefix:                "circuit",
			SequencePosition:      i,
			VerificationMechanism: ceremony.VerificationLocal,
		}
		f.circuits[c.ID] = c
		circuits = append(circuits, c)
	}
	return cer, circuits
}

func TestReconcile_FirstContributionPromotesImmediatelyWhenQueueEmpty(t *testing.T) {
	repo := newFakeRepository()
	_, circuits := seedCeremony(repo, 2)

	p := &ceremony.Participant{UserID: "alice", CeremonyID: 1, Status: ceremony.StatusWaiting}
	repo.participants[participantKey(p.UserID, p.CeremonyID)] = p

	c := New(repo, WithTickInterval(time.Hour))
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	got, err := repo.LoadParticipant(context.Background(), "alice", 1)
	if err != nil {
		t.Fatalf("LoadParticipant: %v", err)
	}
	if got.Status != ceremony.StatusContributing || got.Step != ceremony.StepDownloading {
		t.Fatalf("expected CONTRIBUTING/DOWNLOADING, got %s/%s", got.Status, got.Step)
	}
	if got.ContributionStartedAt == nil {
		t.Fatal("expected contributionStartedAt to be set")
	}
	reloaded, err := repo.LoadCircuit(context.Background(), circuits[0].ID)
	if err != nil {
		t.Fatalf("LoadCircuit: %v", err)
	}
	if reloaded.WaitingQueue.CurrentContributor != "alice" {
		t.Fatalf("expected alice as current contributor, got %q", reloaded.WaitingQueue.CurrentContributor)
	}
}

func TestReconcile_SecondContributorWaits(t *testing.T) {
	repo := newFakeRepository()
	seedCeremony(repo, 1)

	alice := &ceremony.Participant{UserID: "alice", CeremonyID: 1, Status: ceremony.StatusWaiting}
	bob := &ceremony.Participant{UserID: "bob", CeremonyID: 1, Status: ceremony.StatusWaiting}
	repo.participants[participantKey(alice.UserID, alice.CeremonyID)] = alice
	repo.participants[participantKey(bob.UserID, bob.CeremonyID)] = bob

	c := New(repo, WithTickInterval(time.Hour))
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	gotAlice, _ := repo.LoadParticipant(context.Background(), "alice", 1)
	gotBob, _ := repo.LoadParticipant(context.Background(), "bob", 1)

	promotedCount := 0
	for _, p := range []*ceremony.Participant{gotAlice, gotBob} {
		if p.Status == ceremony.StatusContributing {
			promotedCount++
		} else if p.Status != ceremony.StatusWaiting {
			t.Fatalf("unexpected status %s for %s", p.Status, p.UserID)
		}
	}
	if promotedCount != 1 {
		t.Fatalf("expected exactly one promotion, got %d", promotedCount)
	}
}

func TestReconcile_HandoverPromotesNextHead(t *testing.T) {
	repo := newFakeRepository()
	_, circuits := seedCeremony(repo, 2)

	// alice just finished circuit 0 (progress=1) and is still its queue head;
	// bob is queued up behind her.
	circuits[0].WaitingQueue = ceremony.WaitingQueueState{
		Contributors:       []string{"alice", "bob"},
		CurrentContributor: "alice",
	}
	repo.circuits[circuits[0].ID] = circuits[0]

	alice := &ceremony.Participant{
		UserID: "alice", CeremonyID: 1,
		Status: ceremony.StatusContributed, Step: ceremony.StepCompleted,
		ContributionProgress: 1,
	}
	bob := &ceremony.Participant{
		UserID: "bob", CeremonyID: 1,
		Status: ceremony.StatusWaiting,
	}
	repo.participants[participantKey(alice.UserID, alice.CeremonyID)] = alice
	repo.participants[participantKey(bob.UserID, bob.CeremonyID)] = bob

	c := New(repo, WithTickInterval(time.Hour))
	if err := c.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	gotAlice, _ := repo.LoadParticipant(context.Background(), "alice", 1)
	if gotAlice.Status != ceremony.StatusReady {
		t.Fatalf("expected alice READY after handover, got %s", gotAlice.Status)
	}

	reloaded, _ := repo.LoadCircuit(context.Background(), circuits[0].ID)
	if reloaded.WaitingQueue.CurrentContributor != "bob" {
		t.Fatalf("expected bob promoted to head, got %q", reloaded.WaitingQueue.CurrentContributor)
	}

	gotBob, _ := repo.LoadParticipant(context.Background(), "bob", 1)
	if gotBob.Status != ceremony.StatusContributing || gotBob.Step != ceremony.StepDownloading {
		t.Fatalf("expected bob promoted to CONTRIBUTING/DOWNLOADING, got %s/%s", gotBob.Status, gotBob.Step)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		p     *ceremony.Participant
		total int
		want  participantClass
	}{
		{"first", &ceremony.Participant{Status: ceremony.StatusWaiting}, 2, classReadyForFirstContribution},
		{"ready", &ceremony.Participant{Status: ceremony.StatusReady}, 2, classReadyForNextContribution},
		{"justCompleted", &ceremony.Participant{Status: ceremony.StatusContributed, Step: ceremony.StepCompleted, ContributionProgress: 1}, 2, classJustCompletedContribution},
		{"done", &ceremony.Participant{Status: ceremony.StatusDone}, 2, classFinishedAll},
		{"contributing", &ceremony.Participant{Status: ceremony.StatusContributing}, 2, classIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.p, tc.total); got != tc.want {
				t.Fatalf("classify() = %s, want %s", got, tc.want)
			}
		})
	}
}
