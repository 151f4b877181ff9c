package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// pgAssignmentRepository handles reads and decisions on request signer rows.
type pgAssignmentRepository struct {
	q database.Querier
}

// ListByRequest returns all assignments of a request ordered by tier,
// primary signer first.
func (r *pgAssignmentRepository) ListByRequest(ctx context.Context, requestID string) ([]*Assignment, error) {
	query := `
		SELECT id, request_id, signer_id, member_id,
		       signer_order, is_primary, status, status_changed_at,
		       acted_by, comment, is_override
		FROM request_signers
		WHERE request_id = $1
		ORDER BY signer_order ASC, is_primary DESC, id ASC
	`

	rows, err := r.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request signers")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Replace deletes every assignment of a request and inserts the given set.
func (r *pgAssignmentRepository) Replace(ctx context.Context, requestID string, assignments []*Assignment) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM request_signers WHERE request_id = $1`, requestID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear request signers")
	}

	query := `
		INSERT INTO request_signers
		    (id, request_id, signer_id, member_id,
		     signer_order, is_primary, status)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
	`

	for _, a := range assignments {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.RequestID = requestID

		_, err := r.q.Exec(ctx, query,
			a.ID,
			a.RequestID,
			a.SignerID,
			a.MemberID,
			a.Order,
			a.IsPrimary,
			a.Status,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request signer")
		}
	}
	return nil
}

// CompareAndSetStatus records a decision only while the row is still in `from`.
func (r *pgAssignmentRepository) CompareAndSetStatus(
	ctx context.Context,
	id string,
	from, to AssignmentStatus,
	rec DecisionRecord,
) (bool, error) {
	query := `
		UPDATE request_signers
		SET status            = $3,
		    status_changed_at = $4,
		    acted_by          = $5,
		    comment           = $6,
		    is_override       = $7
		WHERE id = $1
		  AND status = $2
	`

	tag, err := r.q.Exec(ctx, query, id, from, to, rec.At, rec.ActedBy, rec.Comment, rec.IsOverride)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to record signer decision")
	}
	return tag.RowsAffected() == 1, nil
}

// ResetAll returns every assignment of a request to PENDING.
func (r *pgAssignmentRepository) ResetAll(ctx context.Context, requestID string) error {
	query := `
		UPDATE request_signers
		SET status            = 'PENDING',
		    status_changed_at = NULL,
		    acted_by          = NULL,
		    comment           = NULL,
		    is_override       = FALSE
		WHERE request_id = $1
	`

	_, err := r.q.Exec(ctx, query, requestID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reset request signers")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *pgAssignmentRepository) scanRows(rows pgx.Rows) ([]*Assignment, error) {
	var out []*Assignment
	for rows.Next() {
		a := &Assignment{}
		err := rows.Scan(
			&a.ID,
			&a.RequestID,
			&a.SignerID,
			&a.MemberID,
			&a.Order,
			&a.IsPrimary,
			&a.Status,
			&a.StatusChangedAt,
			&a.ActedBy,
			&a.Comment,
			&a.IsOverride,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan request signer")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
