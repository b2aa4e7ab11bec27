// Copyright 2025 Certen Protocol

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

const circuitColumns = `
	id, ceremony_id, prefix, name, sequence_position, verification_mechanism,
	remote_worker_handle, pot_size_bytes, zkey_size_bytes,
	avg_contribution_computation, avg_full_contribution, avg_verify_compute,
	waiting_queue, created_at, updated_at`

func (r *postgresRepository) CreateCircuit(ctx context.Context, c *ceremony.Circuit) error {
	waitingQueue, err := json.Marshal(c.WaitingQueue)
	if err != nil {
		return fmt.Errorf("marshal waiting queue: %w", err)
	}

	query := `
		INSERT INTO circuits (
			ceremony_id, prefix, name, sequence_position, verification_mechanism,
			remote_worker_handle, pot_size_bytes, zkey_size_bytes, waiting_queue
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return r.q(ctx).QueryRowContext(ctx, query,
		c.CeremonyID, c.Prefix, c.Name, c.SequencePosition, c.VerificationMechanism,
		c.RemoteWorkerHandle, c.PotSizeBytes, c.ZkeySizeBytes, waitingQueue,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *postgresRepository) LoadCircuits(ctx context.Context, ceremonyID int64) ([]*ceremony.Circuit, error) {
	query := `SELECT ` + circuitColumns + ` FROM circuits WHERE ceremony_id = $1 ORDER BY sequence_position`

	rows, err := r.q(ctx).QueryContext(ctx, query, ceremonyID)
	if err != nil {
		return nil, fmt.Errorf("list circuits: %w", err)
	}
	defer rows.Close()

	var out []*ceremony.Circuit
	for rows.Next() {
		c, err := scanCircuitRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *postgresRepository) LoadCircuit(ctx context.Context, id int64) (*ceremony.Circuit, error) {
	query := `SELECT ` + circuitColumns + ` FROM circuits WHERE id = $1`
	c, err := scanCircuitRow(r.q(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ceremony.ErrNotFound
	}
	return c, err
}

// LoadCircuitForUpdate locks the circuit row for the duration of the caller's
// transaction, serializing concurrent waiting-queue mutations on that circuit.
func (r *postgresRepository) LoadCircuitForUpdate(ctx context.Context, id int64) (*ceremony.Circuit, error) {
	query := `SELECT ` + circuitColumns + ` FROM circuits WHERE id = $1 FOR UPDATE`
	c, err := scanCircuitRow(r.q(ctx).QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ceremony.ErrNotFound
	}
	return c, err
}

func (r *postgresRepository) SaveCircuitQueue(ctx context.Context, circuitID int64, qs ceremony.WaitingQueueState) error {
	waitingQueue, err := json.Marshal(qs)
	if err != nil {
		return fmt.Errorf("marshal waiting queue: %w", err)
	}
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE circuits SET waiting_queue = $1, updated_at = now() WHERE id = $2`, waitingQueue, circuitID)
	if err != nil {
		return fmt.Errorf("save circuit queue: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ceremony.ErrNotFound
	}
	return nil
}

func (r *postgresRepository) SaveCircuitAvgTimings(ctx context.Context, circuitID int64, t ceremony.AvgTimings) error {
	res, err := r.q(ctx).ExecContext(ctx, `
		UPDATE circuits SET
			avg_contribution_computation = $1,
			avg_full_contribution = $2,
			avg_verify_compute = $3,
			updated_at = now()
		WHERE id = $4`,
		t.ContributionComputation, t.FullContribution, t.VerifyCompute, circuitID)
	if err != nil {
		return fmt.Errorf("save circuit avg timings: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ceremony.ErrNotFound
	}
	return nil
}

func scanCircuitRow(row rowScanner) (*ceremony.Circuit, error) {
	var c ceremony.Circuit
	var waitingQueue []byte

	err := row.Scan(
		&c.ID, &c.CeremonyID, &c.Prefix, &c.Name, &c.SequencePosition, &c.VerificationMechanism,
		&c.RemoteWorkerHandle, &c.PotSizeBytes, &c.ZkeySizeBytes,
		&c.AvgTimings.ContributionComputation, &c.AvgTimings.FullContribution, &c.AvgTimings.VerifyCompute,
		&waitingQueue, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan circuit: %w", err)
	}
	if err := json.Unmarshal(waitingQueue, &c.WaitingQueue); err != nil {
		return nil, fmt.Errorf("unmarshal waiting queue: %w", err)
	}
	return &c, nil
}
