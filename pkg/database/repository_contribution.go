// Copyright 2025 Certen Protocol

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

const contributionColumns = `
	id, participant_user_id, participant_ceremony_id, circuit_id, zkey_index,
	contribution_computation_time, verification_computation_time,
	transcript_path, last_zkey_path, transcript_hash, last_zkey_hash,
	verification_software_name, verification_software_version, verification_software_commit,
	valid, beacon, created_at`

func (r *postgresRepository) CreateContribution(ctx context.Context, c *ceremony.Contribution) (int64, error) {
	query := `
		INSERT INTO contributions (
			participant_user_id, participant_ceremony_id, circuit_id, zkey_index,
			contribution_computation_time, verification_computation_time,
			transcript_path, last_zkey_path, transcript_hash, last_zkey_hash,
			verification_software_name, verification_software_version, verification_software_commit,
			valid, beacon
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at`

	err := r.q(ctx).QueryRowContext(ctx, query,
		c.ParticipantUserID, c.ParticipantCeremonyID, c.CircuitID, c.ZkeyIndex,
		c.ContributionComputationTime, c.VerificationComputationTime,
		c.Files.TranscriptPath, c.Files.LastZkeyPath, c.Files.TranscriptHash, c.Files.LastZkeyHash,
		c.VerificationSoftware.Name, c.VerificationSoftware.Version, c.VerificationSoftware.CommitHash,
		c.Valid, c.Beacon,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("create contribution: %w", err)
	}
	return c.ID, nil
}

func (r *postgresRepository) LoadContribution(ctx context.Context, circuitID int64, zkeyIndex string) (*ceremony.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE circuit_id = $1 AND zkey_index = $2`
	c, err := scanContributionRow(r.q(ctx).QueryRowContext(ctx, query, circuitID, zkeyIndex))
	if err == sql.ErrNoRows {
		return nil, ceremony.ErrNotFound
	}
	return c, err
}

func (r *postgresRepository) ListCircuitContributions(ctx context.Context, circuitID int64) ([]*ceremony.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE circuit_id = $1 ORDER BY created_at`

	rows, err := r.q(ctx).QueryContext(ctx, query, circuitID)
	if err != nil {
		return nil, fmt.Errorf("list circuit contributions: %w", err)
	}
	defer rows.Close()

	var out []*ceremony.Contribution
	for rows.Next() {
		c, err := scanContributionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContributionRow(row rowScanner) (*ceremony.Contribution, error) {
	var c ceremony.Contribution
	err := row.Scan(
		&c.ID, &c.ParticipantUserID, &c.ParticipantCeremonyID, &c.CircuitID, &c.ZkeyIndex,
		&c.ContributionComputationTime, &c.VerificationComputationTime,
		&c.Files.TranscriptPath, &c.Files.LastZkeyPath, &c.Files.TranscriptHash, &c.Files.LastZkeyHash,
		&c.VerificationSoftware.Name, &c.VerificationSoftware.Version, &c.VerificationSoftware.CommitHash,
		&c.Valid, &c.Beacon, &c.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan contribution: %w", err)
	}
	return &c, nil
}
