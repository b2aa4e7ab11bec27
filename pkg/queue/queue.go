// Copyright 2025 Certen Protocol
//
// WaitingQueue - per-circuit FIFO of contributors.
//
// Operations here are pure value transforms over ceremony.WaitingQueueState;
// the caller (Coordinator, via the Repository) is responsible for loading the
// state inside a transaction with the owning circuit row locked, applying an
// operation, and persisting the result in the same transaction.

package queue

import (
	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

// Enqueue appends userID to the queue if absent. If the queue was empty,
// userID also becomes the current contributor.
func Enqueue(state ceremony.WaitingQueueState, userID string) ceremony.WaitingQueueState {
	for _, u := range state.Contributors {
		if u == userID {
			return state
		}
	}
	state.Contributors = append(append([]string{}, state.Contributors...), userID)
	if state.CurrentContributor == "" {
		state.CurrentContributor = userID
	}
	return state
}

// Dequeue removes userID from the front of the queue. userID must equal the
// current contributor; callers should check Peek() first if they need to
// distinguish "not current" from "not present".
func Dequeue(state ceremony.WaitingQueueState, userID string) (ceremony.WaitingQueueState, error) {
	if state.CurrentContributor != userID {
		return state, ceremony.ErrNotCurrentContributor
	}
	if len(state.Contributors) == 0 || state.Contributors[0] != userID {
		return state, ceremony.ErrNotCurrentContributor
	}
	remaining := append([]string{}, state.Contributors[1:]...)
	state.Contributors = remaining
	if len(remaining) > 0 {
		state.CurrentContributor = remaining[0]
	} else {
		state.CurrentContributor = ""
	}
	return state, nil
}

// Remove unconditionally removes userID from any position in the queue (used
// on timeout). If userID was the current contributor, the new head (if any)
// becomes current.
func Remove(state ceremony.WaitingQueueState, userID string) ceremony.WaitingQueueState {
	filtered := make([]string, 0, len(state.Contributors))
	for _, u := range state.Contributors {
		if u != userID {
			filtered = append(filtered, u)
		}
	}
	state.Contributors = filtered
	if state.CurrentContributor == userID {
		if len(filtered) > 0 {
			state.CurrentContributor = filtered[0]
		} else {
			state.CurrentContributor = ""
		}
	}
	return state
}

// Peek returns the current contributor (empty if none) and the queue length.
func Peek(state ceremony.WaitingQueueState) (currentContributor string, length int) {
	return state.CurrentContributor, len(state.Contributors)
}

// Contains reports whether userID is anywhere in the queue.
func Contains(state ceremony.WaitingQueueState, userID string) bool {
	for _, u := range state.Contributors {
		if u == userID {
			return true
		}
	}
	return false
}
