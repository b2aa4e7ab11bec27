// Copyright 2025 Certen Protocol

package queue

import (
	"testing"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

func TestEnqueueFirstBecomesCurrent(t *testing.T) {
	state := ceremony.WaitingQueueState{}
	state = Enqueue(state, "alice")

	current, length := Peek(state)
	if current != "alice" || length != 1 {
		t.Fatalf("expected alice current with length 1, got %q/%d", current, length)
	}
}

func TestEnqueueSecondStaysWaiting(t *testing.T) {
	state := ceremony.WaitingQueueState{}
	state = Enqueue(state, "alice")
	state = Enqueue(state, "bob")

	current, length := Peek(state)
	if current != "alice" || length != 2 {
		t.Fatalf("expected alice current with length 2, got %q/%d", current, length)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	state := ceremony.WaitingQueueState{}
	state = Enqueue(state, "alice")
	state = Enqueue(state, "alice")

	if len(state.Contributors) != 1 {
		t.Fatalf("expected a single entry, got %v", state.Contributors)
	}
}

func TestDequeuePromotesNextHead(t *testing.T) {
	state := ceremony.WaitingQueueState{}
	state = Enqueue(state, "alice")
	state = Enqueue(state, "bob")

	state, err := Dequeue(state, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current, length := Peek(state)
	if current != "bob" || length != 1 {
		t.Fatalf("expected bob current with length 1, got %q/%d", current, length)
	}
}

func TestDequeueNotCurrentContributor(t *testing.T) {
	state := ceremony.WaitingQueueState{}
	state = Enqueue(state, "alice")
	state = Enqueue(state, "bob")

	if _, err := Dequeue(state, "bob"); err != ceremony.ErrNotCurrentContributor {
		t.Fatalf("expected ErrNotCurrentContributor, got %v", err)
	}
}

// P6: Enqueue(u); Dequeue(u) restores the queue's prior contributors list.
func TestQueueRoundTrip(t *testing.T) {
	base := ceremony.WaitingQueueState{Contributors: []string{"carol", "dave"}, CurrentContributor: "carol"}

	after := Enqueue(base, "erin")
	after, err := Dequeue(after, "carol")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"dave", "erin"}
	if len(after.Contributors) != len(want) {
		t.Fatalf("expected %v, got %v", want, after.Contributors)
	}
	for i := range want {
		if after.Contributors[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, after.Contributors)
		}
	}
}

func TestRemoveFromMiddleKeepsCurrent(t *testing.T) {
	state := ceremony.WaitingQueueState{Contributors: []string{"alice", "bob", "carol"}, CurrentContributor: "alice"}
	state = Remove(state, "bob")

	current, length := Peek(state)
	if current != "alice" || length != 2 {
		t.Fatalf("expected alice current with length 2, got %q/%d", current, length)
	}
}

func TestRemoveCurrentPromotesNext(t *testing.T) {
	state := ceremony.WaitingQueueState{Contributors: []string{"alice", "bob"}, CurrentContributor: "alice"}
	state = Remove(state, "alice")

	current, length := Peek(state)
	if current != "bob" || length != 1 {
		t.Fatalf("expected bob current with length 1, got %q/%d", current, length)
	}
}

// P1: currentContributor = contributors[0] whenever non-empty, else empty.
func TestInvariantCurrentIsHead(t *testing.T) {
	state := ceremony.WaitingQueueState{}
	for _, u := range []string{"a", "b", "c"} {
		state = Enqueue(state, u)
		current, length := Peek(state)
		if length > 0 && current != state.Contributors[0] {
			t.Fatalf("current contributor %q does not match head %q", current, state.Contributors[0])
		}
	}
	var err error
	for len(state.Contributors) > 0 {
		head := state.Contributors[0]
		state, err = Dequeue(state, head)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		current, length := Peek(state)
		if length > 0 && current != state.Contributors[0] {
			t.Fatalf("current contributor %q does not match head %q", current, state.Contributors[0])
		}
		if length == 0 && current != "" {
			t.Fatalf("expected empty current contributor, got %q", current)
		}
	}
}
