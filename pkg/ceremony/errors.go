// Copyright 2025 Certen Protocol
//
// Ceremony package sentinel errors.

package ceremony

import "errors"

var (
	// ErrNotFound is returned when a ceremony/circuit/participant/contribution
	// row does not exist.
	ErrNotFound = errors.New("ceremony: entity not found")

	// ErrIllegalTransition is returned when a state-machine event does not
	// match any row of the transition table for the current state.
	ErrIllegalTransition = errors.New("ceremony: illegal state transition")

	// ErrNotCoordinator is returned when a non-coordinator caller attempts a
	// coordinator-only action (finalize, create-circuits).
	ErrNotCoordinator = errors.New("ceremony: caller is not the ceremony coordinator")

	// ErrNotClosed is returned by Finalize when the ceremony is not CLOSED.
	ErrNotClosed = errors.New("ceremony: ceremony is not closed")

	// ErrMissingFinalContribution is returned by Finalize when some circuit
	// lacks a zkeyIndex="final" contribution.
	ErrMissingFinalContribution = errors.New("ceremony: circuit missing final contribution")

	// ErrWrongObjectKey is returned when an upload's object key does not
	// match the path derived for the participant's current circuit/index.
	ErrWrongObjectKey = errors.New("ceremony: object key does not match expected upload path")

	// ErrNoInProgressContribution is returned when ContributionVerifier cannot
	// find exactly one pending contribution fragment for the participant.
	ErrNoInProgressContribution = errors.New("ceremony: no in-progress contribution to verify")

	// ErrWorkerUnavailable is returned when a REMOTE verification worker does
	// not report running after the startup polling budget is exhausted.
	ErrWorkerUnavailable = errors.New("ceremony: verification worker did not become available")

	// ErrWorkerCommandFailed is returned when a remote worker's command
	// terminates in a non-SUCCESS outcome (CANCELLING, CANCELLED, FAILED,
	// TIMED_OUT, DELAYED).
	ErrWorkerCommandFailed = errors.New("ceremony: verification worker command did not succeed")

	// ErrCancelled is returned by ContributionVerifier when the caller's
	// context is cancelled while it is polling a remote verification worker.
	ErrCancelled = errors.New("ceremony: operation cancelled")

	// ErrConflict is returned when a concurrent-modification conflict from the
	// Repository survives one internal retry.
	ErrConflict = errors.New("ceremony: concurrent modification conflict")

	// ErrNotCurrentContributor is returned by WaitingQueue Dequeue and by
	// upload checks. ErrAlreadyInQueue is not returned by any WaitingQueue
	// operation: Enqueue of a present userId leaves the queue unchanged.
	ErrAlreadyInQueue        = errors.New("ceremony: participant already in waiting queue")
	ErrNotCurrentContributor = errors.New("ceremony: participant is not the current contributor")
)
