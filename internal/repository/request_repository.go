package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// pgRequestRepository manages request headers.
type pgRequestRepository struct {
	q database.Querier
}

const requestColumns = `
	r.id, r.form_id, f.form_type, r.owner_id, r.project_id, r.status,
	r.external_issue_id, r.submitted_at, r.updated_at, r.status_changed_at
`

// GetByID retrieves a request by its primary key.
func (r *pgRequestRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM requests r
		JOIN forms f ON f.id = r.form_id
		WHERE r.id = $1
	`

	req, err := scanRequest(r.q.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get request")
	}
	return req, nil
}

// Create inserts a request header. ID and timestamps are assigned when empty.
func (r *pgRequestRepository) Create(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	req.UpdatedAt = now

	query := `
		INSERT INTO requests
		    (id, form_id, owner_id, project_id, status, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.q.Exec(ctx, query,
		req.ID,
		req.FormID,
		req.OwnerID,
		req.ProjectID,
		req.Status,
		req.SubmittedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create request")
	}
	return nil
}

// CompareAndSetStatus moves a request to `to` when its status is one of `from`.
func (r *pgRequestRepository) CompareAndSetStatus(ctx context.Context, id string, from []RequestStatus, to RequestStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	query := `
		UPDATE requests
		SET status            = $2,
		    status_changed_at = NOW(),
		    updated_at        = NOW()
		WHERE id = $1
		  AND status = ANY($3)
	`

	tag, err := r.q.Exec(ctx, query, id, to, fromStrs)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update request status")
	}
	return tag.RowsAffected() == 1, nil
}

// Touch bumps updated_at after an edit.
func (r *pgRequestRepository) Touch(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `UPDATE requests SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to touch request")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("request", id)
	}
	return nil
}

// SetExternalIssue records the linked issue-tracker id.
func (r *pgRequestRepository) SetExternalIssue(ctx context.Context, id, issueID string) error {
	query := `
		UPDATE requests
		SET external_issue_id = $2,
		    updated_at        = NOW()
		WHERE id = $1
	`

	tag, err := r.q.Exec(ctx, query, id, issueID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to link external issue")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("request", id)
	}
	return nil
}

func scanRequest(row rowScanner) (*Request, error) {
	req := &Request{}
	err := row.Scan(
		&req.ID,
		&req.FormID,
		&req.FormType,
		&req.OwnerID,
		&req.ProjectID,
		&req.Status,
		&req.ExternalIssueID,
		&req.SubmittedAt,
		&req.UpdatedAt,
		&req.StatusChangedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
