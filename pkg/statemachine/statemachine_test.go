// Copyright 2025 Certen Protocol

package statemachine

import (
	"testing"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

func TestAdmitNewParticipant(t *testing.T) {
	result, err := Apply(nil, EventAdmit, Context{Now: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ceremony.StatusWaiting {
		t.Fatalf("expected WAITING, got %v", result.Status)
	}
}

func TestAdmitTimedOutWithActiveTimeout(t *testing.T) {
	now := time.Now()
	p := &ceremony.Participant{
		Status:   ceremony.StatusTimedOut,
		Timeouts: []ceremony.Timeout{{StartDate: now.Add(-time.Hour), EndDate: now.Add(time.Hour)}},
	}
	result, err := Apply(p, EventAdmit, Context{Now: now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ceremony.StatusTimedOut {
		t.Fatalf("expected participant to remain TIMEDOUT, got %v", result.Status)
	}
}

func TestAdmitTimedOutExhumes(t *testing.T) {
	now := time.Now()
	p := &ceremony.Participant{
		Status:   ceremony.StatusTimedOut,
		Timeouts: []ceremony.Timeout{{StartDate: now.Add(-2 * time.Hour), EndDate: now.Add(-time.Hour)}},
	}
	result, err := Apply(p, EventAdmit, Context{Now: now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != ceremony.StatusExhumed || result.Step != ceremony.StepDownloading {
		t.Fatalf("expected EXHUMED/DOWNLOADING, got %v/%v", result.Status, result.Step)
	}
}

func TestProgressToNextCircuitRejectsWhileContributing(t *testing.T) {
	p := &ceremony.Participant{Status: ceremony.StatusContributing, Step: ceremony.StepComputing}
	if _, err := Apply(p, EventProgressToNextCircuit, Context{}); err != ceremony.ErrIllegalTransition {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestFullHappyPathSingleCircuit(t *testing.T) {
	ctx := Context{TotalCircuits: 1}
	p := &ceremony.Participant{Status: ceremony.StatusWaiting, ContributionProgress: 0}

	r, err := Apply(p, EventProgressToNextCircuit, ctx)
	mustOK(t, err)
	p.Status, p.Step = r.Status, r.Step
	p.ContributionProgress = 1

	r, err = Apply(p, EventBecomeCurrentContributor, ctx)
	mustOK(t, err)
	p.Status, p.Step = r.Status, r.Step
	if p.Status != ceremony.StatusContributing || p.Step != ceremony.StepDownloading {
		t.Fatalf("expected CONTRIBUTING/DOWNLOADING, got %v/%v", p.Status, p.Step)
	}

	for _, from := range []ceremony.ContributionStep{ceremony.StepDownloading, ceremony.StepComputing, ceremony.StepUploading} {
		ctx.AdvanceFrom = from
		r, err = Apply(p, EventAdvanceStep, ctx)
		mustOK(t, err)
		p.Status, p.Step = r.Status, r.Step
	}
	if p.Step != ceremony.StepVerifying {
		t.Fatalf("expected VERIFYING, got %v", p.Step)
	}

	r, err = Apply(p, EventRecordValidContribution, ctx)
	mustOK(t, err)
	if r.Status != ceremony.StatusDone || r.Step != ceremony.StepCompleted {
		t.Fatalf("expected DONE/COMPLETED, got %v/%v", r.Status, r.Step)
	}
}

// P5: applying the same event twice from a rejecting state leaves state
// unchanged on both attempts.
func TestIdempotentRejection(t *testing.T) {
	p := &ceremony.Participant{Status: ceremony.StatusDone, ContributionProgress: 1}
	ctx := Context{TotalCircuits: 1}

	_, err1 := Apply(p, EventBecomeCurrentContributor, ctx)
	_, err2 := Apply(p, EventBecomeCurrentContributor, ctx)
	if err1 != ceremony.ErrIllegalTransition || err2 != ceremony.ErrIllegalTransition {
		t.Fatalf("expected both attempts to reject identically, got %v / %v", err1, err2)
	}
	if p.Status != ceremony.StatusDone {
		t.Fatalf("participant snapshot must not mutate on rejection, got %v", p.Status)
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
