package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// pgResponseRepository manages request field responses.
type pgResponseRepository struct {
	q database.Querier
}

// ListByRequest returns the responses of a request in form order.
func (r *pgResponseRepository) ListByRequest(ctx context.Context, requestID string) ([]*FieldResponse, error) {
	query := `
		SELECT rr.id, rr.request_id, rr.field_id, rr.value, rr.group_id
		FROM request_responses rr
		JOIN form_fields f ON f.id = rr.field_id
		JOIN form_sections s ON s.id = f.section_id
		WHERE rr.request_id = $1
		ORDER BY s.section_order ASC, rr.group_id ASC NULLS FIRST, f.field_order ASC
	`

	rows, err := r.q.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request responses")
	}
	defer rows.Close()

	return scanResponses(rows)
}

// Replace deletes the responses of a request and inserts the given set.
func (r *pgResponseRepository) Replace(ctx context.Context, requestID string, responses []*FieldResponse) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM request_responses WHERE request_id = $1`, requestID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear request responses")
	}

	query := `
		INSERT INTO request_responses (id, request_id, field_id, value, group_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, resp := range responses {
		if resp.ID == "" {
			resp.ID = uuid.NewString()
		}
		resp.RequestID = requestID

		_, err := r.q.Exec(ctx, query, resp.ID, resp.RequestID, resp.FieldID, resp.Value, resp.GroupID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request response")
		}
	}
	return nil
}

// FindByValue scans responses of role-tagged fields on requests of formType.
func (r *pgResponseRepository) FindByValue(ctx context.Context, formType FormType, role FieldRole, value string) ([]*FieldResponse, error) {
	query := `
		SELECT rr.id, rr.request_id, rr.field_id, rr.value, rr.group_id
		FROM request_responses rr
		JOIN requests req ON req.id = rr.request_id
		JOIN forms fm ON fm.id = req.form_id
		JOIN form_fields f ON f.id = rr.field_id
		WHERE fm.form_type = $1
		  AND f.field_role = $2
		  AND rr.value = $3
		ORDER BY req.submitted_at ASC, rr.request_id ASC
	`

	rows, err := r.q.Query(ctx, query, formType, role, value)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find responses by value")
	}
	defer rows.Close()

	return scanResponses(rows)
}

func scanResponses(rows pgx.Rows) ([]*FieldResponse, error) {
	out := make([]*FieldResponse, 0)
	for rows.Next() {
		resp := &FieldResponse{}
		if err := rows.Scan(&resp.ID, &resp.RequestID, &resp.FieldID, &resp.Value, &resp.GroupID); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan request response")
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}
