// Copyright 2025 Certen Protocol

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

func (r *postgresRepository) CreateCeremony(ctx context.Context, c *ceremony.Ceremony) error {
	authProviders, err := json.Marshal(c.AuthProviders)
	if err != nil {
		return fmt.Errorf("marshal auth providers: %w", err)
	}
	providerPolicies, err := json.Marshal(c.ProviderPolicies)
	if err != nil {
		return fmt.Errorf("marshal provider policies: %w", err)
	}

	query := `
		INSERT INTO ceremonies (
			prefix, title, description, state, type, coordinator_id,
			start_date, end_date, timeout_mechanism_type, penalty_seconds,
			auth_providers, provider_policies
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`

	return r.q(ctx).QueryRowContext(ctx, query,
		c.Prefix, c.Title, c.Description, c.State, c.Type, c.CoordinatorID,
		c.StartDate, c.EndDate, c.TimeoutMechanismType, c.Penalty,
		authProviders, providerPolicies,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (r *postgresRepository) LoadCeremony(ctx context.Context, id int64) (*ceremony.Ceremony, error) {
	query := `
		SELECT id, prefix, title, description, state, type, coordinator_id,
			start_date, end_date, timeout_mechanism_type, penalty_seconds,
			auth_providers, provider_policies, created_at, updated_at
		FROM ceremonies WHERE id = $1`
	return r.scanCeremony(r.q(ctx).QueryRowContext(ctx, query, id))
}

func (r *postgresRepository) ListCeremoniesByState(ctx context.Context, state ceremony.CeremonyState) ([]*ceremony.Ceremony, error) {
	query := `
		SELECT id, prefix, title, description, state, type, coordinator_id,
			start_date, end_date, timeout_mechanism_type, penalty_seconds,
			auth_providers, provider_policies, created_at, updated_at
		FROM ceremonies WHERE state = $1 ORDER BY id`

	rows, err := r.q(ctx).QueryContext(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("list ceremonies: %w", err)
	}
	defer rows.Close()

	var out []*ceremony.Ceremony
	for rows.Next() {
		c, err := r.scanCeremonyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *postgresRepository) UpdateCeremonyState(ctx context.Context, id int64, state ceremony.CeremonyState) error {
	res, err := r.q(ctx).ExecContext(ctx,
		`UPDATE ceremonies SET state = $1, updated_at = now() WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("update ceremony state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ceremony.ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (r *postgresRepository) scanCeremony(row *sql.Row) (*ceremony.Ceremony, error) {
	c, err := r.scanCeremonyRow(row)
	if err == sql.ErrNoRows {
		return nil, ceremony.ErrNotFound
	}
	return c, err
}

func (r *postgresRepository) scanCeremonyRow(row rowScanner) (*ceremony.Ceremony, error) {
	var c ceremony.Ceremony
	var authProviders, providerPolicies []byte

	err := row.Scan(
		&c.ID, &c.Prefix, &c.Title, &c.Description, &c.State, &c.Type, &c.CoordinatorID,
		&c.StartDate, &c.EndDate, &c.TimeoutMechanismType, &c.Penalty,
		&authProviders, &providerPolicies, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan ceremony: %w", err)
	}

	if err := json.Unmarshal(authProviders, &c.AuthProviders); err != nil {
		return nil, fmt.Errorf("unmarshal auth providers: %w", err)
	}
	if err := json.Unmarshal(providerPolicies, &c.ProviderPolicies); err != nil {
		return nil, fmt.Errorf("unmarshal provider policies: %w", err)
	}
	return &c, nil
}
