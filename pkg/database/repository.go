// Copyright 2025 Certen Protocol
//
// Repository - transactional access to ceremony/circuit/participant/contribution
// state, split one file per entity (repository_ceremony.go, repository_circuit.go,
// ...) over the ceremony domain's five tables.

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/certen/ceremony-coordinator/pkg/ceremony"
)

// Repository is the C1 contract: loads and mutators for the ceremony domain,
// plus the transaction primitive every mutation runs inside.
type Repository interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	CreateCeremony(ctx context.Context, c *ceremony.Ceremony) error
	LoadCeremony(ctx context.Context, id int64) (*ceremony.Ceremony, error)
	ListCeremoniesByState(ctx context.Context, state ceremony.CeremonyState) ([]*ceremony.Ceremony, error)
	UpdateCeremonyState(ctx context.Context, id int64, state ceremony.CeremonyState) error

	CreateCircuit(ctx context.Context, c *ceremony.Circuit) error
	LoadCircuits(ctx context.Context, ceremonyID int64) ([]*ceremony.Circuit, error)
	LoadCircuit(ctx context.Context, id int64) (*ceremony.Circuit, error)
	LoadCircuitForUpdate(ctx context.Context, id int64) (*ceremony.Circuit, error)
	SaveCircuitQueue(ctx context.Context, circuitID int64, q ceremony.WaitingQueueState) error
	SaveCircuitAvgTimings(ctx context.Context, circuitID int64, t ceremony.AvgTimings) error

	LoadParticipant(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error)
	LoadParticipantForUpdate(ctx context.Context, userID string, ceremonyID int64) (*ceremony.Participant, error)
	ListParticipants(ctx context.Context, ceremonyID int64) ([]*ceremony.Participant, error)
	UpsertParticipant(ctx context.Context, p *ceremony.Participant) error

	CreateContribution(ctx context.Context, c *ceremony.Contribution) (int64, error)
	LoadContribution(ctx context.Context, circuitID int64, zkeyIndex string) (*ceremony.Contribution, error)
	ListCircuitContributions(ctx context.Context, circuitID int64) ([]*ceremony.Contribution, error)
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting every repository
// method run unchanged whether or not it is inside WithTransaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type txKeyType struct{}

var txKey = txKeyType{}

// postgresRepository implements Repository against a *Client.
type postgresRepository struct {
	client *Client
}

// NewRepository constructs the Postgres-backed Repository.
func NewRepository(client *Client) Repository {
	return &postgresRepository{client: client}
}

// q returns the querier in scope: the transaction stashed in ctx by
// WithTransaction, or the client's pool if no transaction is active.
func (r *postgresRepository) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return tx
	}
	return r.client.DB()
}

// WithTransaction runs fn with a *sql.Tx bound to ctx, committing on success
// and rolling back on error or panic. A Postgres serialization failure
// (SQLSTATE 40001), wrapped or not, is retried once per spec's conflict-retry
// policy; a second failure is returned wrapped in ceremony.ErrConflict.
func (r *postgresRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	run := func() error {
		tx, err := r.client.DB().BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		txCtx := context.WithValue(ctx, txKey, tx)

		defer func() {
			if p := recover(); p != nil {
				tx.Rollback()
				panic(p)
			}
		}()

		if err := fn(txCtx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}

	err := run()
	if isSerializationFailure(err) {
		err = run()
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ceremony.ErrConflict, err)
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	type sqlStater interface{ SQLState() string }
	var pe sqlStater
	if errors.As(err, &pe) {
		return pe.SQLState() == "40001"
	}
	return false
}
