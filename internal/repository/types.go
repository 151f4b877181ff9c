package repository

import (
	"fmt"
	"strings"
	"time"
)

// ── Enumerations ──────────────────────────────────────────────────────────────

// FormType tags a form with its position in the procurement pipeline.
type FormType string

const (
	FormTypeGeneric         FormType = "GENERIC"
	FormTypeRequisition     FormType = "REQUISITION"
	FormTypeSourcedItem     FormType = "SOURCED_ITEM"
	FormTypeQuotation       FormType = "QUOTATION"
	FormTypeReceivingReport FormType = "RECEIVING_REPORT"
	FormTypeReleaseOrder    FormType = "RELEASE_ORDER"
	FormTypeTransferReceipt FormType = "TRANSFER_RECEIPT"
	FormTypeReleaseQuantity FormType = "RELEASE_QUANTITY"
)

// Valid reports whether t is a known form type.
func (t FormType) Valid() bool {
	switch t {
	case FormTypeGeneric, FormTypeRequisition, FormTypeSourcedItem, FormTypeQuotation,
		FormTypeReceivingReport, FormTypeReleaseOrder, FormTypeTransferReceipt, FormTypeReleaseQuantity:
		return true
	}
	return false
}

// FieldKind is the input type of a form field.
type FieldKind string

const (
	FieldKindText     FieldKind = "TEXT"
	FieldKindTextArea FieldKind = "TEXTAREA"
	FieldKindNumber   FieldKind = "NUMBER"
	FieldKindDate     FieldKind = "DATE"
	FieldKindFile     FieldKind = "FILE"
	FieldKindDropdown FieldKind = "DROPDOWN"
	FieldKindSwitch   FieldKind = "SWITCH"
	// FieldKindLink holds the id of an upstream request.
	FieldKindLink FieldKind = "LINK"
)

// IsTextLike reports whether values of this kind are whitespace-normalized.
func (k FieldKind) IsTextLike() bool {
	switch k {
	case FieldKindText, FieldKindTextArea, FieldKindDropdown, FieldKindLink:
		return true
	}
	return false
}

// FieldRole marks the fields the ledger, linkage resolver and canvass read.
type FieldRole string

const (
	FieldRoleNone          FieldRole = "NONE"
	FieldRoleItem          FieldRole = "ITEM"
	FieldRoleQuantity      FieldRole = "QUANTITY"
	FieldRoleUnitPrice     FieldRole = "UNIT_PRICE"
	FieldRoleCharge        FieldRole = "CHARGE"
	FieldRoleParentRequest FieldRole = "PARENT_REQUEST"
)

// RequestStatus is the aggregate status of a request.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
	RequestStatusCanceled RequestStatus = "CANCELED"
)

// IsTerminal reports whether no further signer decisions apply.
func (s RequestStatus) IsTerminal() bool { return s != RequestStatusPending }

// AssignmentStatus is a single signer's decision.
type AssignmentStatus string

const (
	AssignmentStatusPending  AssignmentStatus = "PENDING"
	AssignmentStatusApproved AssignmentStatus = "APPROVED"
	AssignmentStatusRejected AssignmentStatus = "REJECTED"
)

// ── Form templates ────────────────────────────────────────────────────────────

// Form is a request template.
type Form struct {
	ID         string     `json:"id"`
	TeamID     string     `json:"team_id"`
	Name       string     `json:"name"`
	Type       FormType   `json:"type"`
	IsDisabled bool       `json:"is_disabled"`
	Sections   []*Section `json:"sections"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Section is an ordered group of fields. Duplicatable sections may be
// instantiated several times per request.
type Section struct {
	ID             string   `json:"id"`
	FormID         string   `json:"form_id"`
	Name           string   `json:"name"`
	Order          int      `json:"order"`
	IsDuplicatable bool     `json:"is_duplicatable"`
	Fields         []*Field `json:"fields"`
}

// Field is one input of a section.
type Field struct {
	ID         string    `json:"id"`
	SectionID  string    `json:"section_id"`
	Label      string    `json:"label"`
	Kind       FieldKind `json:"kind"`
	Role       FieldRole `json:"role"`
	Order      int       `json:"order"`
	IsRequired bool      `json:"is_required"`
	Options    []string  `json:"options,omitempty"`
}

// Validate checks the ordering invariants of sections and fields.
func (f *Form) Validate() error {
	if !f.Type.Valid() {
		return fmt.Errorf("form %s: unknown type %q", f.ID, f.Type)
	}
	prevSection := 0
	for i, s := range f.Sections {
		if i > 0 && s.Order <= prevSection {
			return fmt.Errorf("form %s: section %s order %d not strictly increasing", f.ID, s.ID, s.Order)
		}
		prevSection = s.Order
		prevField := 0
		for j, fd := range s.Fields {
			if j > 0 && fd.Order <= prevField {
				return fmt.Errorf("form %s: field %s order %d not strictly increasing", f.ID, fd.ID, fd.Order)
			}
			prevField = fd.Order
		}
	}
	return nil
}

// FieldRef locates a field together with its section.
type FieldRef struct {
	Field   *Field
	Section *Section
}

// Fields indexes every field of the form by id.
func (f *Form) Fields() map[string]FieldRef {
	idx := make(map[string]FieldRef)
	for _, s := range f.Sections {
		for _, fd := range s.Fields {
			idx[fd.ID] = FieldRef{Field: fd, Section: s}
		}
	}
	return idx
}

// FieldsWithRole returns the fields carrying role, in form order.
func (f *Form) FieldsWithRole(role FieldRole) []*Field {
	var out []*Field
	for _, s := range f.Sections {
		for _, fd := range s.Fields {
			if fd.Role == role {
				out = append(out, fd)
			}
		}
	}
	return out
}

// ── Requests ──────────────────────────────────────────────────────────────────

// Request is one submission of a form.
type Request struct {
	ID              string        `json:"id"`
	FormID          string        `json:"form_id"`
	FormType        FormType      `json:"form_type"`
	OwnerID         string        `json:"owner_id"`
	ProjectID       *string       `json:"project_id,omitempty"`
	Status          RequestStatus `json:"status"`
	ExternalIssueID *string       `json:"external_issue_id,omitempty"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StatusChangedAt *time.Time    `json:"status_changed_at,omitempty"`
}

// FieldResponse is one stored answer. Responses sharing a GroupID belong to
// the same duplicatable-section instance.
type FieldResponse struct {
	ID        string  `json:"id"`
	RequestID string  `json:"request_id"`
	FieldID   string  `json:"field_id"`
	Value     string  `json:"value"`
	GroupID   *string `json:"group_id,omitempty"`
}

// ── Signers ───────────────────────────────────────────────────────────────────

// Signer is a standing approver definition for a form, optionally narrowed to a project.
type Signer struct {
	ID         string  `json:"id"`
	FormID     string  `json:"form_id"`
	MemberID   string  `json:"member_id"`
	Order      int     `json:"order"`
	IsPrimary  bool    `json:"is_primary"`
	ProjectID  *string `json:"project_id,omitempty"`
	IsDisabled bool    `json:"is_disabled"`
}

// Assignment is the per-request copy of a Signer. Fields are copied by value
// at submission so later signer edits never reach an in-flight request.
type Assignment struct {
	ID              string           `json:"id"`
	RequestID       string           `json:"request_id"`
	SignerID        string           `json:"signer_id"`
	MemberID        string           `json:"member_id"`
	Order           int              `json:"order"`
	IsPrimary       bool             `json:"is_primary"`
	Status          AssignmentStatus `json:"status"`
	StatusChangedAt *time.Time       `json:"status_changed_at,omitempty"`
	ActedBy         *string          `json:"acted_by,omitempty"`
	Comment         *string          `json:"comment,omitempty"`
	IsOverride      bool             `json:"is_override"`
}

// DecisionRecord is written with an assignment status change.
type DecisionRecord struct {
	ActedBy    string
	Comment    *string
	IsOverride bool
	At         time.Time
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// Audit actions.
const (
	AuditActionSubmitted     = "submitted"
	AuditActionEdited        = "edited"
	AuditActionApproved      = "approved"
	AuditActionRejected      = "rejected"
	AuditActionOverride      = "override"
	AuditActionCanceled      = "canceled"
	AuditActionCascadeCancel = "cascade_canceled"
	AuditActionReopened      = "reopened"
	AuditActionIssueLinked   = "issue_linked"
)

// AuditEntry is one immutable record in the request audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	AssignmentID *string        `json:"assignment_id,omitempty"`
	Action       string         `json:"action"`
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NormalizeItemKey folds an item label into the key the ledger groups by.
func NormalizeItemKey(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}
