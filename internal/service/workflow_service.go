package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
	"github.com/pesio-ai/be-proc-requests/internal/common/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// Actor is the member performing an operation.
type Actor struct {
	MemberID string
	IsAdmin  bool
}

func (a Actor) validate() error {
	if a.MemberID == "" {
		return errors.New(errors.ErrCodeUnauthorized, "missing member identity")
	}
	return nil
}

// WorkflowConfig tunes approval behavior.
type WorkflowConfig struct {
	// EnforceOrder blocks approvals until every lower tier has cleared.
	EnforceOrder bool
	// RedirectBase prefixes request ids in notification links.
	RedirectBase string
}

// SubmitInput creates a request.
type SubmitInput struct {
	FormID    string        `json:"form_id"`
	ProjectID *string       `json:"project_id,omitempty"`
	Responses []RawResponse `json:"responses"`
}

// EditInput replaces the responses of a PENDING request.
type EditInput struct {
	RequestID string        `json:"-"`
	Responses []RawResponse `json:"responses"`
}

// DecisionInput records one signer decision.
type DecisionInput struct {
	RequestID    string                      `json:"-"`
	AssignmentID string                      `json:"-"`
	Decision     repository.AssignmentStatus `json:"decision"`
	Comment      *string                     `json:"comment,omitempty"`
}

// WorkflowResult is returned by every mutating operation. Warnings lists side
// effects that failed after the change was committed.
type WorkflowResult struct {
	Request     *repository.Request      `json:"request"`
	Assignments []*repository.Assignment `json:"assignments,omitempty"`
	Canceled    []string                 `json:"cascade_canceled,omitempty"`
	Warnings    []string                 `json:"warnings,omitempty"`
}

// WorkflowService runs the request lifecycle: submission, edits, signer
// decisions, cancellation and administrative overrides.
type WorkflowService struct {
	store    repository.Store
	forms    repository.FormRepository
	decoder  *Decoder
	linkage  *LinkageResolver
	ledger   *Ledger
	notifier Notifier
	issues   IssueTracker
	cfg      WorkflowConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewWorkflowService creates a new WorkflowService. notifier and issues may be nil.
func NewWorkflowService(
	store repository.Store,
	forms repository.FormRepository,
	decoder *Decoder,
	linkage *LinkageResolver,
	ledger *Ledger,
	notifier Notifier,
	issues IssueTracker,
	cfg WorkflowConfig,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		store:    store,
		forms:    forms,
		decoder:  decoder,
		linkage:  linkage,
		ledger:   ledger,
		notifier: notifier,
		issues:   issues,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ── Submit / edit ─────────────────────────────────────────────────────────────

// Submit creates a request with its responses and a frozen copy of the
// resolved signers, after validating linkage and quantities.
func (s *WorkflowService) Submit(ctx context.Context, actor Actor, in SubmitInput) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	form, err := s.forms.GetByID(ctx, in.FormID)
	if err != nil {
		return nil, err
	}
	if form.IsDisabled {
		return nil, errors.New(errors.ErrCodeConflict, "form is disabled: "+form.ID)
	}

	// Uploads happen here, before any transaction is open.
	grouped, err := s.decoder.Decode(ctx, form, in.Responses)
	if err != nil {
		return nil, err
	}

	var (
		res     WorkflowResult
		effects []effect
	)
	err = s.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		res, effects = WorkflowResult{}, nil

		assignments, err := s.prepare(ctx, tx, form, in.ProjectID, grouped, "")
		if err != nil {
			return err
		}

		req := &repository.Request{
			FormID:      form.ID,
			FormType:    form.Type,
			OwnerID:     actor.MemberID,
			ProjectID:   in.ProjectID,
			Status:      repository.RequestStatusPending,
			SubmittedAt: s.now(),
		}
		if err := tx.Requests().Create(ctx, req); err != nil {
			return err
		}
		if err := tx.Responses().Replace(ctx, req.ID, Encode(grouped)); err != nil {
			return err
		}
		if err := tx.Assignments().Replace(ctx, req.ID, assignments); err != nil {
			return err
		}

		after := string(repository.RequestStatusPending)
		if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
			RequestID:   req.ID,
			Action:      repository.AuditActionSubmitted,
			PerformedBy: actor.MemberID,
			StatusAfter: &after,
			Metadata:    map[string]any{"form_id": form.ID, "signers": len(assignments)},
		}); err != nil {
			return err
		}

		effects = s.notifyAssignees(req, assignments, fmt.Sprintf("%s request awaiting your signature", form.Name))
		res.Request, res.Assignments = req, assignments
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = s.dispatch(ctx, res.Request.ID, effects)
	s.log.Info().
		Str("request_id", res.Request.ID).
		Str("form_type", string(form.Type)).
		Int("signers", len(res.Assignments)).
		Msg("Request submitted")
	return &res, nil
}

// Edit replaces the responses of a PENDING request and regenerates its
// assignments. Its own previous claims are excluded from the quantity check.
func (s *WorkflowService) Edit(ctx context.Context, actor Actor, in EditInput) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var current *repository.Request
	err := s.store.InTransaction(ctx, repository.ReadCommitted, func(tx repository.Tx) error {
		req, err := tx.Requests().GetByID(ctx, in.RequestID)
		if err != nil {
			return unknownRequest(err, in.RequestID)
		}
		current = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	form, err := s.forms.GetByID(ctx, current.FormID)
	if err != nil {
		return nil, err
	}
	grouped, err := s.decoder.Decode(ctx, form, in.Responses)
	if err != nil {
		return nil, err
	}

	var (
		res     WorkflowResult
		effects []effect
	)
	err = s.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		res, effects = WorkflowResult{}, nil

		req, err := tx.Requests().GetByID(ctx, in.RequestID)
		if err != nil {
			return unknownRequest(err, in.RequestID)
		}
		if req.OwnerID != actor.MemberID && !actor.IsAdmin {
			return wrapf(ErrForbidden, "only the owner may edit request %s", req.ID)
		}
		if req.Status != repository.RequestStatusPending {
			return wrapf(ErrTerminalRequest, "request %s is %s", req.ID, req.Status)
		}

		assignments, err := s.prepare(ctx, tx, form, req.ProjectID, grouped, req.ID)
		if err != nil {
			return err
		}
		if err := tx.Responses().Replace(ctx, req.ID, Encode(grouped)); err != nil {
			return err
		}
		if err := tx.Assignments().Replace(ctx, req.ID, assignments); err != nil {
			return err
		}
		if err := tx.Requests().Touch(ctx, req.ID); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
			RequestID:   req.ID,
			Action:      repository.AuditActionEdited,
			PerformedBy: actor.MemberID,
			Metadata:    map[string]any{"signers": len(assignments)},
		}); err != nil {
			return err
		}

		effects = s.notifyAssignees(req, assignments, fmt.Sprintf("%s request was updated and awaits your signature", form.Name))
		res.Request, res.Assignments = req, assignments
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = s.dispatch(ctx, res.Request.ID, effects)
	s.log.Info().Str("request_id", res.Request.ID).Msg("Request edited")
	return &res, nil
}

// prepare resolves signers, validates linkage and quantities, and returns
// fresh assignments for the request.
func (s *WorkflowService) prepare(
	ctx context.Context,
	tx repository.Tx,
	form *repository.Form,
	projectID *string,
	grouped GroupedResponses,
	excludingID string,
) ([]*repository.Assignment, error) {
	signers, err := tx.Signers().ListByForm(ctx, form.ID)
	if err != nil {
		return nil, err
	}
	resolved, err := ResolveSigners(signers, projectID)
	if err != nil {
		return nil, err
	}

	upstream, err := s.linkage.checkLink(ctx, tx, form, grouped)
	if err != nil {
		return nil, err
	}
	if upstream != nil {
		if err := s.ledger.validate(ctx, tx, upstream, Claims(form, grouped), excludingID); err != nil {
			return nil, err
		}
	}
	return snapshotAssignments(resolved), nil
}

// recheck re-validates a stored request's linkage and claims.
func (s *WorkflowService) recheck(ctx context.Context, tx repository.Tx, req *repository.Request) error {
	form, grouped, err := s.linkage.Contents(ctx, tx, req)
	if err != nil {
		return err
	}
	upstream, err := s.linkage.checkLink(ctx, tx, form, grouped)
	if err != nil || upstream == nil {
		return err
	}
	return s.ledger.validate(ctx, tx, upstream, Claims(form, grouped), req.ID)
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// Decide records the assigned signer's decision and recomputes the request status.
func (s *WorkflowService) Decide(ctx context.Context, actor Actor, in DecisionInput) (*WorkflowResult, error) {
	return s.decide(ctx, actor, in, false)
}

// Override force-completes one assignment on behalf of its signer. Only
// administrators may override; the decision is flagged and audited as such.
func (s *WorkflowService) Override(ctx context.Context, actor Actor, in DecisionInput) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, wrapf(ErrForbidden, "override requires an administrator")
	}
	return s.decide(ctx, actor, in, true)
}

func (s *WorkflowService) decide(ctx context.Context, actor Actor, in DecisionInput, override bool) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if in.Decision != repository.AssignmentStatusApproved && in.Decision != repository.AssignmentStatusRejected {
		return nil, errors.InvalidInput("decision", "must be APPROVED or REJECTED")
	}

	var (
		res     WorkflowResult
		effects []effect
		target  *repository.Assignment
	)
	err := s.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		res, effects, target = WorkflowResult{}, nil, nil

		req, err := tx.Requests().GetByID(ctx, in.RequestID)
		if err != nil {
			return unknownRequest(err, in.RequestID)
		}
		if req.Status != repository.RequestStatusPending {
			return wrapf(ErrTerminalRequest, "request %s is %s", req.ID, req.Status)
		}

		assignments, err := tx.Assignments().ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			if a.ID == in.AssignmentID {
				target = a
			}
		}
		if target == nil {
			return errors.NotFound("assignment", in.AssignmentID)
		}
		if !override && target.MemberID != actor.MemberID {
			return ErrNotAssigned
		}
		if target.Status != repository.AssignmentStatusPending {
			return wrapf(ErrAlreadyDecided, "assignment %s is %s", target.ID, target.Status)
		}
		if !override && s.cfg.EnforceOrder && in.Decision == repository.AssignmentStatusApproved &&
			!Progress(assignments).canApproveAt(target.Order) {
			return wrapf(ErrTierNotReached, "order %d", target.Order)
		}

		rec := repository.DecisionRecord{
			ActedBy:    actor.MemberID,
			Comment:    in.Comment,
			IsOverride: override,
			At:         s.now(),
		}
		ok, err := tx.Assignments().CompareAndSetStatus(ctx, target.ID, repository.AssignmentStatusPending, in.Decision, rec)
		if err != nil {
			return err
		}
		if !ok {
			return wrapf(ErrAlreadyDecided, "assignment %s", target.ID)
		}

		assignments, err = tx.Assignments().ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		before := req.Status
		switch Aggregate(assignments) {
		case repository.RequestStatusApproved:
			if err := s.recheck(ctx, tx, req); err != nil {
				return err
			}
			if err := s.transition(ctx, tx, req, repository.RequestStatusApproved, repository.RequestStatusPending); err != nil {
				return err
			}
			effects = append(effects, s.notifyEffect(req.OwnerID, req.ID, "Your request was approved"))
		case repository.RequestStatusRejected:
			if err := s.transition(ctx, tx, req, repository.RequestStatusRejected, repository.RequestStatusPending); err != nil {
				return err
			}
			canceled, err := s.cascadeCancel(ctx, tx, req, actor.MemberID, &effects)
			if err != nil {
				return err
			}
			res.Canceled = canceled
			effects = append(effects, s.notifyEffect(req.OwnerID, req.ID, "Your request was rejected"))
		}

		action := repository.AuditActionApproved
		if in.Decision == repository.AssignmentStatusRejected {
			action = repository.AuditActionRejected
		}
		meta := map[string]any{"order": target.Order, "is_primary": target.IsPrimary}
		if override {
			meta["decision"] = string(in.Decision)
			meta["signer_member_id"] = target.MemberID
			action = repository.AuditActionOverride
		}
		if in.Comment != nil {
			meta["comment"] = *in.Comment
		}
		b, a := string(before), string(req.Status)
		if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
			RequestID:    req.ID,
			AssignmentID: &target.ID,
			Action:       action,
			PerformedBy:  actor.MemberID,
			StatusBefore: &b,
			StatusAfter:  &a,
			Metadata:     meta,
		}); err != nil {
			return err
		}

		res.Request, res.Assignments = req, assignments
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = s.dispatch(ctx, res.Request.ID, effects)
	ev := s.log.Info()
	if override {
		ev = s.log.Warn()
	}
	ev.Str("request_id", res.Request.ID).
		Str("assignment_id", in.AssignmentID).
		Str("acted_by", actor.MemberID).
		Str("decision", string(in.Decision)).
		Bool("override", override).
		Str("status", string(res.Request.Status)).
		Msg("Signer decision recorded")
	return &res, nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelInput cancels a request.
type CancelInput struct {
	RequestID string  `json:"-"`
	Reason    *string `json:"reason,omitempty"`
}

// Cancel moves a PENDING request to CANCELED and cascades to its pending
// downstream requests. Administrators may also revoke an APPROVED request.
func (s *WorkflowService) Cancel(ctx context.Context, actor Actor, in CancelInput) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}

	var (
		res     WorkflowResult
		effects []effect
	)
	err := s.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		res, effects = WorkflowResult{}, nil

		req, err := tx.Requests().GetByID(ctx, in.RequestID)
		if err != nil {
			return unknownRequest(err, in.RequestID)
		}
		if req.OwnerID != actor.MemberID && !actor.IsAdmin {
			return wrapf(ErrForbidden, "only the owner may cancel request %s", req.ID)
		}

		from := repository.RequestStatusPending
		if req.Status == repository.RequestStatusApproved && actor.IsAdmin {
			from = repository.RequestStatusApproved
		}
		if req.Status != from {
			return wrapf(ErrTerminalRequest, "request %s is %s", req.ID, req.Status)
		}
		if err := s.transition(ctx, tx, req, repository.RequestStatusCanceled, from); err != nil {
			return err
		}

		canceled, err := s.cascadeCancel(ctx, tx, req, actor.MemberID, &effects)
		if err != nil {
			return err
		}

		b, a := string(from), string(req.Status)
		meta := map[string]any{"cascade_canceled": len(canceled)}
		if in.Reason != nil {
			meta["reason"] = *in.Reason
		}
		if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
			RequestID:    req.ID,
			Action:       repository.AuditActionCanceled,
			PerformedBy:  actor.MemberID,
			StatusBefore: &b,
			StatusAfter:  &a,
			Metadata:     meta,
		}); err != nil {
			return err
		}

		assignments, err := tx.Assignments().ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, as := range assignments {
			if as.Status == repository.AssignmentStatusPending {
				effects = append(effects, s.notifyEffect(as.MemberID, req.ID, "A request awaiting your signature was canceled"))
			}
		}
		res.Request, res.Assignments, res.Canceled = req, assignments, canceled
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = s.dispatch(ctx, res.Request.ID, effects)
	s.log.Info().
		Str("request_id", res.Request.ID).
		Str("canceled_by", actor.MemberID).
		Int("cascade_canceled", len(res.Canceled)).
		Msg("Request canceled")
	return &res, nil
}

// cascadeCancel cancels every PENDING request downstream of root, transitively.
// Any failure aborts the caller's transaction so a cascade is never partial.
func (s *WorkflowService) cascadeCancel(ctx context.Context, tx repository.Tx, root *repository.Request, actorID string, effects *[]effect) ([]string, error) {
	var canceled []string
	visited := map[string]bool{root.ID: true}
	queue := []*repository.Request{root}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		downstream, err := s.linkage.FindAllDownstream(ctx, tx, cur, PendingOnly)
		if err != nil {
			return nil, fmt.Errorf("cascade from %s: %w", cur.ID, err)
		}
		for _, d := range downstream {
			if visited[d.ID] {
				continue
			}
			visited[d.ID] = true

			if err := s.transition(ctx, tx, d, repository.RequestStatusCanceled, repository.RequestStatusPending); err != nil {
				return nil, fmt.Errorf("cascade cancel %s: %w", d.ID, err)
			}
			b, a := string(repository.RequestStatusPending), string(repository.RequestStatusCanceled)
			if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
				RequestID:    d.ID,
				Action:       repository.AuditActionCascadeCancel,
				PerformedBy:  actorID,
				StatusBefore: &b,
				StatusAfter:  &a,
				Metadata:     map[string]any{"upstream_request_id": cur.ID, "root_request_id": root.ID},
			}); err != nil {
				return nil, err
			}

			canceled = append(canceled, d.ID)
			*effects = append(*effects, s.notifyEffect(d.OwnerID, d.ID, "Your request was canceled because its upstream request was withdrawn"))
			queue = append(queue, d)
		}
	}
	return canceled, nil
}

// transition moves req to `to` when it is still in one of from.
func (s *WorkflowService) transition(ctx context.Context, tx repository.Tx, req *repository.Request, to repository.RequestStatus, from ...repository.RequestStatus) error {
	ok, err := tx.Requests().CompareAndSetStatus(ctx, req.ID, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return wrapf(ErrTerminalRequest, "request %s changed status concurrently", req.ID)
	}
	now := s.now()
	req.Status = to
	req.StatusChangedAt = &now
	return nil
}

// ── Administrative flows ──────────────────────────────────────────────────────

// ReopenInput reopens a terminal request.
type ReopenInput struct {
	RequestID string  `json:"-"`
	Reason    *string `json:"reason,omitempty"`
}

// Reopen returns a terminal request to PENDING with every assignment reset.
// Linkage and quantities are validated again before the request is revived.
func (s *WorkflowService) Reopen(ctx context.Context, actor Actor, in ReopenInput) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, wrapf(ErrForbidden, "reopen requires an administrator")
	}

	var (
		res     WorkflowResult
		effects []effect
	)
	err := s.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		res, effects = WorkflowResult{}, nil

		req, err := tx.Requests().GetByID(ctx, in.RequestID)
		if err != nil {
			return unknownRequest(err, in.RequestID)
		}
		if req.Status == repository.RequestStatusPending {
			return errors.New(errors.ErrCodeConflict, "request is already pending: "+req.ID)
		}
		if err := s.recheck(ctx, tx, req); err != nil {
			return err
		}

		before := req.Status
		if err := s.transition(ctx, tx, req, repository.RequestStatusPending,
			repository.RequestStatusApproved, repository.RequestStatusRejected, repository.RequestStatusCanceled); err != nil {
			return err
		}
		if err := tx.Assignments().ResetAll(ctx, req.ID); err != nil {
			return err
		}
		assignments, err := tx.Assignments().ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}

		b, a := string(before), string(req.Status)
		meta := map[string]any{}
		if in.Reason != nil {
			meta["reason"] = *in.Reason
		}
		if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
			RequestID:    req.ID,
			Action:       repository.AuditActionReopened,
			PerformedBy:  actor.MemberID,
			StatusBefore: &b,
			StatusAfter:  &a,
			Metadata:     meta,
		}); err != nil {
			return err
		}

		effects = s.notifyAssignees(req, assignments, "A reopened request awaits your signature")
		res.Request, res.Assignments = req, assignments
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = s.dispatch(ctx, res.Request.ID, effects)
	s.log.Warn().
		Str("request_id", res.Request.ID).
		Str("reopened_by", actor.MemberID).
		Msg("Request reopened by administrative override")
	return &res, nil
}

// LinkExternalIssue records an external issue id on a request and syncs the
// issue tracker after commit.
func (s *WorkflowService) LinkExternalIssue(ctx context.Context, actor Actor, requestID, issueID string) (*WorkflowResult, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if !actor.IsAdmin {
		return nil, wrapf(ErrForbidden, "linking issues requires an administrator")
	}
	if issueID == "" {
		return nil, errors.InvalidInput("issue_id", "is required")
	}

	var (
		res     WorkflowResult
		effects []effect
	)
	err := s.store.InTransaction(ctx, repository.ReadCommitted, func(tx repository.Tx) error {
		res, effects = WorkflowResult{}, nil

		if err := tx.Requests().SetExternalIssue(ctx, requestID, issueID); err != nil {
			return unknownRequest(err, requestID)
		}
		req, err := tx.Requests().GetByID(ctx, requestID)
		if err != nil {
			return unknownRequest(err, requestID)
		}
		if err := s.appendAudit(ctx, tx, &repository.AuditEntry{
			RequestID:   req.ID,
			Action:      repository.AuditActionIssueLinked,
			PerformedBy: actor.MemberID,
			Metadata:    map[string]any{"issue_id": issueID},
		}); err != nil {
			return err
		}

		effects = []effect{s.issueEffect(req.ID, issueID)}
		res.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Warnings = s.dispatch(ctx, res.Request.ID, effects)
	return &res, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// DownstreamRef identifies a request generated from another.
type DownstreamRef struct {
	ID       string                   `json:"id"`
	FormType repository.FormType      `json:"form_type"`
	Status   repository.RequestStatus `json:"status"`
}

// RequestView is the read model of one request.
type RequestView struct {
	Request     *repository.Request      `json:"request"`
	Responses   GroupedResponses         `json:"responses"`
	Assignments []*repository.Assignment `json:"assignments"`
	Progress    TierProgress             `json:"progress"`
	UpstreamID  *string                  `json:"upstream_id,omitempty"`
	Downstream  []DownstreamRef          `json:"downstream"`
}

// Get assembles the view of a request.
func (s *WorkflowService) Get(ctx context.Context, requestID string) (*RequestView, error) {
	var view *RequestView
	err := s.store.InTransaction(ctx, repository.ReadCommitted, func(tx repository.Tx) error {
		req, err := tx.Requests().GetByID(ctx, requestID)
		if err != nil {
			return unknownRequest(err, requestID)
		}
		_, grouped, err := s.linkage.Contents(ctx, tx, req)
		if err != nil {
			return err
		}
		assignments, err := tx.Assignments().ListByRequest(ctx, req.ID)
		if err != nil {
			return err
		}

		v := &RequestView{
			Request:     req,
			Responses:   grouped,
			Assignments: assignments,
			Progress:    Progress(assignments),
			Downstream:  []DownstreamRef{},
		}
		up, err := s.linkage.FindUpstream(ctx, tx, req)
		if err != nil {
			return err
		}
		if up != nil {
			v.UpstreamID = &up.ID
		}
		downstream, err := s.linkage.FindAllDownstream(ctx, tx, req, nil)
		if err != nil {
			return err
		}
		for _, d := range downstream {
			v.Downstream = append(v.Downstream, DownstreamRef{ID: d.ID, FormType: d.FormType, Status: d.Status})
		}
		view = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// History returns the audit trail of a request.
func (s *WorkflowService) History(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	var entries []*repository.AuditEntry
	err := s.store.InTransaction(ctx, repository.ReadCommitted, func(tx repository.Tx) error {
		if _, err := tx.Requests().GetByID(ctx, requestID); err != nil {
			return unknownRequest(err, requestID)
		}
		var err error
		entries, err = tx.Audit().ListByRequest(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Balance returns the conservation ledger of an upstream request.
func (s *WorkflowService) Balance(ctx context.Context, requestID string) ([]ConservationEntry, error) {
	var entries []ConservationEntry
	err := s.store.InTransaction(ctx, repository.ReadCommitted, func(tx repository.Tx) error {
		var err error
		entries, err = s.ledger.Balance(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry inside the operation's transaction.
func (s *WorkflowService) appendAudit(ctx context.Context, tx repository.Tx, entry *repository.AuditEntry) error {
	if err := tx.Audit().Append(ctx, entry); err != nil {
		s.log.Error().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
		return err
	}
	return nil
}
