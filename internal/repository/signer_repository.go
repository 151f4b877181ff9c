package repository

import (
	"context"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// pgSignerRepository reads signer definitions.
type pgSignerRepository struct {
	q database.Querier
}

// ListByForm returns every signer definition of a form, including disabled
// and project-scoped ones; the resolver decides which apply.
func (r *pgSignerRepository) ListByForm(ctx context.Context, formID string) ([]*Signer, error) {
	query := `
		SELECT id, form_id, member_id, signer_order,
		       is_primary, project_id, is_disabled
		FROM signers
		WHERE form_id = $1
		ORDER BY signer_order ASC, is_primary DESC, id ASC
	`

	rows, err := r.q.Query(ctx, query, formID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list signers")
	}
	defer rows.Close()

	var signers []*Signer
	for rows.Next() {
		s := &Signer{}
		err := rows.Scan(
			&s.ID,
			&s.FormID,
			&s.MemberID,
			&s.Order,
			&s.IsPrimary,
			&s.ProjectID,
			&s.IsDisabled,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan signer")
		}
		signers = append(signers, s)
	}
	return signers, rows.Err()
}
