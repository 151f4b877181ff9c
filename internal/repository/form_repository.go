package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-proc-requests/internal/common/database"
	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// pgFormRepository loads form templates.
type pgFormRepository struct {
	q database.Querier
}

// GetByID retrieves a form with its sections and fields in order.
func (r *pgFormRepository) GetByID(ctx context.Context, id string) (*Form, error) {
	form := &Form{}

	query := `
		SELECT id, team_id, name, form_type, is_disabled, created_at
		FROM forms
		WHERE id = $1
	`

	err := r.q.QueryRow(ctx, query, id).Scan(
		&form.ID,
		&form.TeamID,
		&form.Name,
		&form.Type,
		&form.IsDisabled,
		&form.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("form", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get form")
	}

	sections, err := r.getSections(ctx, form.ID)
	if err != nil {
		return nil, err
	}
	form.Sections = sections

	return form, nil
}

func (r *pgFormRepository) getSections(ctx context.Context, formID string) ([]*Section, error) {
	query := `
		SELECT s.id, s.name, s.section_order, s.is_duplicatable,
		       f.id, f.label, f.field_kind, f.field_role, f.field_order,
		       f.is_required, f.options
		FROM form_sections s
		LEFT JOIN form_fields f ON f.section_id = s.id
		WHERE s.form_id = $1
		ORDER BY s.section_order ASC, f.field_order ASC
	`

	rows, err := r.q.Query(ctx, query, formID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get form sections")
	}
	defer rows.Close()

	sections := make([]*Section, 0)
	var current *Section
	for rows.Next() {
		var (
			sec        Section
			fieldID    *string
			label      *string
			kind       *FieldKind
			role       *FieldRole
			order      *int
			required   *bool
			optionsRaw []byte
		)
		err := rows.Scan(
			&sec.ID,
			&sec.Name,
			&sec.Order,
			&sec.IsDuplicatable,
			&fieldID,
			&label,
			&kind,
			&role,
			&order,
			&required,
			&optionsRaw,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan form section")
		}

		if current == nil || current.ID != sec.ID {
			sec.FormID = formID
			current = &sec
			sections = append(sections, current)
		}
		if fieldID == nil {
			continue
		}

		field := &Field{
			ID:         *fieldID,
			SectionID:  current.ID,
			Label:      *label,
			Kind:       *kind,
			Role:       *role,
			Order:      *order,
			IsRequired: *required,
		}
		if optionsRaw != nil {
			if err := json.Unmarshal(optionsRaw, &field.Options); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal field options")
			}
		}
		current.Fields = append(current.Fields, field)
	}
	return sections, rows.Err()
}
