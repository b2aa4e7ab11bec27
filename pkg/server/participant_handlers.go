// Copyright 2025 Certen Protocol
//
// Participant API Handlers - admission, step/circuit progression, timeout
// resumption, and the in-progress contribution-hash fragment. Each handler
// works inside a single Repository transaction, grounded on pkg/coordinator's
// "load-for-update, apply, upsert" shape; every handler except
// store-contribution-hash applies one statemachine.Event, while that one sets
// the pending fragment directly on a CONTRIBUTING participant.

package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
	"github.com/certen/ceremony-coordinator/pkg/database"
	"github.com/certen/ceremony-coordinator/pkg/statemachine"
)

// Nudger is satisfied by *coordinator.Coordinator.
type Nudger interface {
	Nudge()
}

// ParticipantHandlers implements the /participants/* endpoints.
type ParticipantHandlers struct {
	repo   database.Repository
	nudger Nudger
	logger *log.Logger
}

// NewParticipantHandlers constructs ParticipantHandlers.
func NewParticipantHandlers(repo database.Repository, nudger Nudger, logger *log.Logger) *ParticipantHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[ParticipantAPI] ", log.LstdFlags)
	}
	return &ParticipantHandlers{repo: repo, nudger: nudger, logger: logger}
}

func (h *ParticipantHandlers) totalCircuits(ctx context.Context, ceremonyID int64) (int, error) {
	circuits, err := h.repo.LoadCircuits(ctx, ceremonyID)
	if err != nil {
		return 0, err
	}
	return len(circuits), nil
}

// applyEvent runs one statemachine event inside a transaction, loading the
// participant for update (creating the WAITING row on first admission),
// applying any extra field change via adjust, and persisting the result in
// the same transaction, so the event and the field change commit atomically.
func (h *ParticipantHandlers) applyEvent(ctx context.Context, userID string, ceremonyID int64, event statemachine.Event, mutateCtx func(*statemachine.Context), adjust func(*ceremony.Participant)) (*ceremony.Participant, error) {
	var result *ceremony.Participant
	err := h.repo.WithTransaction(ctx, func(ctx context.Context) error {
		p, err := h.repo.LoadParticipantForUpdate(ctx, userID, ceremonyID)
		if err != nil && err != ceremony.ErrNotFound {
			return err
		}
		if err == ceremony.ErrNotFound {
			p = nil
		}

		if _, err := h.repo.LoadCeremony(ctx, ceremonyID); err != nil {
			return err
		}
		total, err := h.totalCircuits(ctx, ceremonyID)
		if err != nil {
			return err
		}

		smCtx := statemachine.Context{Now: time.Now(), TotalCircuits: total}
		if p != nil {
			smCtx.AdvanceFrom = p.Step
		}
		if mutateCtx != nil {
			mutateCtx(&smCtx)
		}

		res, err := statemachine.Apply(p, event, smCtx)
		if err != nil {
			return err
		}

		if p == nil {
			p = &ceremony.Participant{UserID: userID, CeremonyID: ceremonyID}
		}
		p.Status, p.Step = res.Status, res.Step
		if res.SetContributionStartedAt {
			now := smCtx.Now
			p.ContributionStartedAt = &now
		}
		if res.SetVerificationStartedAt {
			now := smCtx.Now
			p.VerificationStartedAt = &now
		}
		if res.ClearContributions {
			p.TempContributionData = nil
			p.PendingContribution = nil
		}
		if adjust != nil {
			adjust(p)
		}

		if err := h.repo.UpsertParticipant(ctx, p); err != nil {
			return err
		}
		result = p
		return nil
	})
	return result, err
}

// HandleCheck handles GET /participants/check?ceremonyId.
func (h *ParticipantHandlers) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := h.identify(w, r)
	if !ok {
		return
	}

	p, err := h.applyEvent(r.Context(), caller, ceremonyID, statemachine.EventAdmit, nil, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.nudger != nil {
		h.nudger.Nudge()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canContribute": p.Status == ceremony.StatusContributing})
}

// HandleProgressToNextCircuit handles GET /participants/progress-to-next-circuit?ceremonyId.
func (h *ParticipantHandlers) HandleProgressToNextCircuit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := h.identify(w, r)
	if !ok {
		return
	}

	p, err := h.applyEvent(r.Context(), caller, ceremonyID, statemachine.EventProgressToNextCircuit, nil, func(p *ceremony.Participant) {
		p.ContributionProgress++
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.nudger != nil {
		h.nudger.Nudge()
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleProgressToNextStep handles GET /participants/progress-to-next-step?ceremonyId.
func (h *ParticipantHandlers) HandleProgressToNextStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := h.identify(w, r)
	if !ok {
		return
	}

	result, err := h.applyEvent(r.Context(), caller, ceremonyID, statemachine.EventAdvanceStep, nil, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleResumeAfterTimeout handles GET /participants/resume-after-timeout?ceremonyId.
func (h *ParticipantHandlers) HandleResumeAfterTimeout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := h.identify(w, r)
	if !ok {
		return
	}

	p, err := h.applyEvent(r.Context(), caller, ceremonyID, statemachine.EventResumeAfterTimeout, nil, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.nudger != nil {
		h.nudger.Nudge()
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleStoreContributionHash handles POST /participants/store-contribution-hash?ceremonyId.
func (h *ParticipantHandlers) HandleStoreContributionHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	caller, ceremonyID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var body struct {
		Hash            string  `json:"hash"`
		ComputationTime float64 `json:"computationTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Hash == "" {
		writeJSONError(w, "hash is required", http.StatusBadRequest)
		return
	}

	err := h.repo.WithTransaction(r.Context(), func(ctx context.Context) error {
		p, err := h.repo.LoadParticipantForUpdate(ctx, caller, ceremonyID)
		if err != nil {
			return err
		}
		if p.Status != ceremony.StatusContributing {
			return ceremony.ErrIllegalTransition
		}
		p.PendingContribution = &ceremony.PendingContribution{Hash: body.Hash, ComputationTime: body.ComputationTime}
		return h.repo.UpsertParticipant(ctx, p)
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stored": true})
}

func (h *ParticipantHandlers) identify(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	caller, err := userID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusUnauthorized)
		return "", 0, false
	}
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return "", 0, false
	}
	return caller, ceremonyID, true
}
