// Copyright 2025 Certen Protocol
//
// StateMachine - pure transition rules for ParticipantStatus x ContributionStep.
//
// Every function here is side-effect free: given a Participant snapshot and an
// event, it returns the new (status, step) pair plus any side effects the
// caller must apply (e.g. "set contributionStartedAt=now"), or rejects with
// ErrIllegalTransition. Callers apply the result inside a Repository
// transaction; the state machine itself touches no storage.

package statemachine

import (
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

// Event names the state-machine transition being requested.
type Event string

const (
	EventAdmit                  Event = "admit"
	EventProgressToNextCircuit  Event = "progressToNextCircuit"
	EventResumeAfterTimeout     Event = "resumeAfterTimeout"
	EventAdvanceStep            Event = "advanceStep"
	EventRecordValidContribution Event = "recordValidContribution"
	EventBecomeCurrentContributor Event = "becomeCurrentContributor"
)

// Context carries the read-only facts a transition needs beyond the
// participant's own status/step.
type Context struct {
	Now           time.Time
	TotalCircuits int
	// AdvanceFrom names which step advanceStep is being applied from; it must
	// equal the participant's current step.
	AdvanceFrom ceremony.ContributionStep
}

// Result is the outcome of a successful transition.
type Result struct {
	Status ceremony.ParticipantStatus
	Step   ceremony.ContributionStep

	// SetContributionStartedAt / SetVerificationStartedAt / ClearContributions
	// signal timestamp/field side effects the caller must apply atomically
	// with the status/step update.
	SetContributionStartedAt bool
	SetVerificationStartedAt bool
	ClearContributions       bool // progressToNextCircuit / resumeAfterTimeout: clear step-scoped transients
}

// Apply evaluates event against (status, step, ctx) and returns the resulting
// (status, step) or ceremony.ErrIllegalTransition. participant may be nil only
// for EventAdmit's "no record" row.
func Apply(participant *ceremony.Participant, event Event, ctx Context) (Result, error) {
	switch event {
	case EventAdmit:
		return applyAdmit(participant, ctx)
	case EventProgressToNextCircuit:
		return applyProgressToNextCircuit(participant)
	case EventResumeAfterTimeout:
		return applyResumeAfterTimeout(participant)
	case EventAdvanceStep:
		return applyAdvanceStep(participant, ctx)
	case EventRecordValidContribution:
		return applyRecordValidContribution(participant, ctx)
	case EventBecomeCurrentContributor:
		return applyBecomeCurrentContributor(participant)
	default:
		return Result{}, ceremony.ErrIllegalTransition
	}
}

func applyAdmit(p *ceremony.Participant, ctx Context) (Result, error) {
	if p == nil {
		return Result{Status: ceremony.StatusWaiting}, nil
	}
	switch p.Status {
	case ceremony.StatusDone:
		if p.ContributionProgress == ctx.TotalCircuits {
			return Result{Status: ceremony.StatusDone, Step: ceremony.StepCompleted}, nil
		}
	case ceremony.StatusTimedOut:
		if p.HasActiveTimeout(ctx.Now) {
			return Result{Status: ceremony.StatusTimedOut, Step: p.Step}, nil
		}
		return Result{Status: ceremony.StatusExhumed, Step: ceremony.StepDownloading}, nil
	}
	return Result{}, ceremony.ErrIllegalTransition
}

func applyProgressToNextCircuit(p *ceremony.Participant) (Result, error) {
	if p == nil {
		return Result{}, ceremony.ErrIllegalTransition
	}
	firstCircuit := p.Status == ceremony.StatusWaiting && p.ContributionProgress == 0
	nextCircuit := p.Status == ceremony.StatusContributed && p.Step == ceremony.StepCompleted && p.ContributionProgress > 0
	if !firstCircuit && !nextCircuit {
		return Result{}, ceremony.ErrIllegalTransition
	}
	return Result{Status: ceremony.StatusReady, ClearContributions: true}, nil
}

func applyResumeAfterTimeout(p *ceremony.Participant) (Result, error) {
	if p == nil || p.Status != ceremony.StatusExhumed {
		return Result{}, ceremony.ErrIllegalTransition
	}
	return Result{Status: ceremony.StatusReady, ClearContributions: true}, nil
}

func applyAdvanceStep(p *ceremony.Participant, ctx Context) (Result, error) {
	if p == nil || p.Status != ceremony.StatusContributing || p.Step != ctx.AdvanceFrom {
		return Result{}, ceremony.ErrIllegalTransition
	}
	switch ctx.AdvanceFrom {
	case ceremony.StepDownloading:
		return Result{Status: ceremony.StatusContributing, Step: ceremony.StepComputing}, nil
	case ceremony.StepComputing:
		return Result{Status: ceremony.StatusContributing, Step: ceremony.StepUploading}, nil
	case ceremony.StepUploading:
		return Result{Status: ceremony.StatusContributing, Step: ceremony.StepVerifying, SetVerificationStartedAt: true}, nil
	case ceremony.StepVerifying:
		return Result{Status: ceremony.StatusContributing, Step: ceremony.StepCompleted}, nil
	default:
		return Result{}, ceremony.ErrIllegalTransition
	}
}

func applyRecordValidContribution(p *ceremony.Participant, ctx Context) (Result, error) {
	if p == nil {
		return Result{}, ceremony.ErrIllegalTransition
	}
	if p.Step != ceremony.StepVerifying && p.Step != ceremony.StepComputing {
		return Result{}, ceremony.ErrIllegalTransition
	}
	status := ceremony.StatusContributed
	if p.ContributionProgress >= ctx.TotalCircuits {
		status = ceremony.StatusDone
	}
	return Result{Status: status, Step: ceremony.StepCompleted}, nil
}

func applyBecomeCurrentContributor(p *ceremony.Participant) (Result, error) {
	if p == nil || p.Status != ceremony.StatusReady {
		return Result{}, ceremony.ErrIllegalTransition
	}
	return Result{Status: ceremony.StatusContributing, Step: ceremony.StepDownloading, SetContributionStartedAt: true}, nil
}

