package service

import (
	"context"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// StatusFilter selects requests by status.
type StatusFilter func(repository.RequestStatus) bool

var (
	// ActiveClaims keeps requests whose quantities still count against upstream.
	ActiveClaims StatusFilter = func(s repository.RequestStatus) bool {
		return s == repository.RequestStatusPending || s == repository.RequestStatusApproved
	}
	// PendingOnly keeps requests still awaiting signers.
	PendingOnly StatusFilter = func(s repository.RequestStatus) bool {
		return s == repository.RequestStatusPending
	}
)

// LinkageResolver follows PARENT_REQUEST responses between requests.
type LinkageResolver struct {
	forms repository.FormRepository
}

// NewLinkageResolver creates a LinkageResolver reading templates from forms.
func NewLinkageResolver(forms repository.FormRepository) *LinkageResolver {
	return &LinkageResolver{forms: forms}
}

// Contents loads a request's form and its grouped responses.
func (l *LinkageResolver) Contents(ctx context.Context, tx repository.Tx, req *repository.Request) (*repository.Form, GroupedResponses, error) {
	form, err := l.forms.GetByID(ctx, req.FormID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := tx.Responses().ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	return form, Regroup(form, rows), nil
}

// FindUpstream returns the request req was generated from, or nil when it
// references none. The upstream is returned whatever its status.
func (l *LinkageResolver) FindUpstream(ctx context.Context, tx repository.Tx, req *repository.Request) (*repository.Request, error) {
	form, grouped, err := l.Contents(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	parentID, err := ParentRef(form, grouped)
	if err != nil || parentID == "" {
		return nil, err
	}
	up, err := tx.Requests().GetByID(ctx, parentID)
	if err != nil {
		return nil, unknownRequest(err, parentID)
	}
	return up, nil
}

// FindDownstream returns requests of formType that reference requestID and
// pass filter, oldest submission first.
func (l *LinkageResolver) FindDownstream(ctx context.Context, tx repository.Tx, requestID string, formType repository.FormType, filter StatusFilter) ([]*repository.Request, error) {
	refs, err := tx.Responses().FindByValue(ctx, formType, repository.FieldRoleParentRequest, requestID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(refs))
	var out []*repository.Request
	for _, ref := range refs {
		if seen[ref.RequestID] || ref.RequestID == requestID {
			continue
		}
		seen[ref.RequestID] = true

		req, err := tx.Requests().GetByID(ctx, ref.RequestID)
		if err != nil {
			return nil, err
		}
		if filter == nil || filter(req.Status) {
			out = append(out, req)
		}
	}
	return out, nil
}

// FindAllDownstream runs FindDownstream over every child type of upstream.
func (l *LinkageResolver) FindAllDownstream(ctx context.Context, tx repository.Tx, upstream *repository.Request, filter StatusFilter) ([]*repository.Request, error) {
	var out []*repository.Request
	for _, child := range ChildTypes(upstream.FormType) {
		reqs, err := l.FindDownstream(ctx, tx, upstream.ID, child, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	return out, nil
}

// checkLink validates the upstream reference of a request of form being
// submitted or revived. It returns the upstream, or nil for forms outside
// the pipeline.
func (l *LinkageResolver) checkLink(ctx context.Context, tx repository.Tx, form *repository.Form, grouped GroupedResponses) (*repository.Request, error) {
	parentID, err := ParentRef(form, grouped)
	if err != nil {
		return nil, err
	}
	if len(ParentTypes(form.Type)) == 0 {
		if parentID != "" {
			return nil, wrapf(ErrInvalidLinkage, "%s requests do not take an upstream", form.Type)
		}
		return nil, nil
	}
	if parentID == "" {
		return nil, wrapf(ErrInvalidLinkage, "%s requests must reference an upstream request", form.Type)
	}

	up, err := tx.Requests().GetByID(ctx, parentID)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNotFound {
			return nil, wrapf(ErrInvalidLinkage, "upstream %s does not exist", parentID)
		}
		return nil, err
	}
	if err := ValidateLink(form.Type, up.FormType); err != nil {
		return nil, err
	}
	if up.Status != repository.RequestStatusApproved {
		return nil, wrapf(ErrInvalidLinkage, "upstream %s is %s, not APPROVED", up.ID, up.Status)
	}
	return up, nil
}
