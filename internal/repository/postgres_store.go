package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Forms returns a form repository bound to the pool.
func (s *PostgresStore) Forms() FormRepository {
	return &pgFormRepository{q: s.db}
}

// InTransaction runs fn in a transaction. Serializable transactions are
// retried by the database layer on serialization failure.
func (s *PostgresStore) InTransaction(ctx context.Context, iso Isolation, fn func(tx Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	if iso == Serializable {
		opts.IsoLevel = pgx.Serializable
	}
	return s.db.InTransactionWithOptions(ctx, opts, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Close() { s.db.Close() }

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Forms() FormRepository             { return &pgFormRepository{q: t.tx} }
func (t *pgTx) Requests() RequestRepository       { return &pgRequestRepository{q: t.tx} }
func (t *pgTx) Responses() ResponseRepository     { return &pgResponseRepository{q: t.tx} }
func (t *pgTx) Signers() SignerRepository         { return &pgSignerRepository{q: t.tx} }
func (t *pgTx) Assignments() AssignmentRepository { return &pgAssignmentRepository{q: t.tx} }
func (t *pgTx) Audit() AuditRepository            { return &pgAuditRepository{q: t.tx} }

// LockClaim takes a transaction-scoped advisory lock keyed on the pair.
func (t *pgTx) LockClaim(ctx context.Context, upstreamRequestID, itemKey string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, upstreamRequestID+"|"+itemKey)
	return err
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
