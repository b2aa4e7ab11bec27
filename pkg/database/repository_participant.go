// Copyright 2025 Certen Protocol

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

const participantColumns = `
	user_id, ceremony_id, contribution_progress, status, step,
	contribution_ids, contribution_started_at, verification_started_at,
	temp_contribution_data, pending_contribution, timeouts,
	created_at, updated_at`

func (r *postgresRepository) LoadParticipant(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE user_id = $1 AND ceremony_id = $2`
	p, err := scanParticipantRow(r.q(ctx).QueryRowContext(ctx, query, userID, ceremonyID))
	if err == sql.ErrNoRows {
		return nil, ceremony.ErrNotFound
	}
	return p, err
}

// LoadParticipantForUpdate locks the participant row, used by the Coordinator
// and ContributionVerifier so a participant's own status/step transition is
// serialized against itself.
func (r *postgresRepository) LoadParticipantForUpdate(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE user_id = $1 AND ceremony_id = $2 FOR UPDATE`
	p, err := scanParticipantRow(r.q(ctx).QueryRowContext(ctx, query, userID, ceremonyID))
	if err == sql.ErrNoRows {
		return nil, ceremony.ErrNotFound
	}
	return p, err
}

func (r *postgresRepository) ListParticipants(ctx context.Context, ceremonyID int64) ([]*ceremony.Participant, error) {
	query := `SELECT ` + participantColumns + ` FROM participants WHERE ceremony_id = $1 ORDER BY user_id`

	rows, err := r.q(ctx).QueryContext(ctx, query, ceremonyID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*ceremony.Participant
	for rows.Next() {
		p, err := scanParticipantRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertParticipant writes the full participant snapshot. Every state-machine
// transition in this codebase reads a participant, mutates the in-memory
// value, and calls UpsertParticipant inside the same transaction.
func (r *postgresRepository) UpsertParticipant(ctx context.Context, p *ceremony.Participant) error {
	contributionIDs, err := json.Marshal(p.ContributionIDs)
	if err != nil {
		return fmt.Errorf("marshal contribution ids: %w", err)
	}
	timeouts, err := json.Marshal(p.Timeouts)
	if err != nil {
		return fmt.Errorf("marshal timeouts: %w", err)
	}
	var tempData, pending []byte
	if p.TempContributionData != nil {
		if tempData, err = json.Marshal(p.TempContributionData); err != nil {
			return fmt.Errorf("marshal temp contribution data: %w", err)
		}
	}
	if p.PendingContribution != nil {
		if pending, err = json.Marshal(p.PendingContribution); err != nil {
			return fmt.Errorf("marshal pending contribution: %w", err)
		}
	}

	query := `
		INSERT INTO participants (
			user_id, ceremony_id, contribution_progress, status, step,
			contribution_ids, contribution_started_at, verification_started_at,
			temp_contribution_data, pending_contribution, timeouts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, ceremony_id) DO UPDATE SET
			contribution_progress = EXCLUDED.contribution_progress,
			status = EXCLUDED.status,
			step = EXCLUDED.step,
			contribution_ids = EXCLUDED.contribution_ids,
			contribution_started_at = EXCLUDED.contribution_started_at,
			verification_started_at = EXCLUDED.verification_started_at,
			temp_contribution_data = EXCLUDED.temp_contribution_data,
			pending_contribution = EXCLUDED.pending_contribution,
			timeouts = EXCLUDED.timeouts,
			updated_at = now()
		RETURNING created_at, updated_at`

	return r.q(ctx).QueryRowContext(ctx, query,
		p.UserID, p.CeremonyID, p.ContributionProgress, p.Status, p.Step,
		contributionIDs, nullTime(p.ContributionStartedAt), nullTime(p.VerificationStartedAt),
		nullJSON(tempData), nullJSON(pending), timeouts,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func scanParticipantRow(row rowScanner) (*ceremony.Participant, error) {
	var p ceremony.Participant
	var contributionIDs, timeouts []byte
	var tempData, pending sql.NullString
	var contributionStartedAt, verificationStartedAt sql.NullTime

	err := row.Scan(
		&p.UserID, &p.CeremonyID, &p.ContributionProgress, &p.Status, &p.Step,
		&contributionIDs, &contributionStartedAt, &verificationStartedAt,
		&tempData, &pending, &timeouts,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan participant: %w", err)
	}

	if err := json.Unmarshal(contributionIDs, &p.ContributionIDs); err != nil {
		return nil, fmt.Errorf("unmarshal contribution ids: %w", err)
	}
	if err := json.Unmarshal(timeouts, &p.Timeouts); err != nil {
		return nil, fmt.Errorf("unmarshal timeouts: %w", err)
	}
	if contributionStartedAt.Valid {
		t := contributionStartedAt.Time
		p.ContributionStartedAt = &t
	}
	if verificationStartedAt.Valid {
		t := verificationStartedAt.Time
		p.VerificationStartedAt = &t
	}
	if tempData.Valid {
		var v ceremony.TempContributionData
		if err := json.Unmarshal([]byte(tempData.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal temp contribution data: %w", err)
		}
		p.TempContributionData = &v
	}
	if pending.Valid {
		var v ceremony.PendingContribution
		if err := json.Unmarshal([]byte(pending.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal pending contribution: %w", err)
		}
		p.PendingContribution = &v
	}
	return &p, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullJSON(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
