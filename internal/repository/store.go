package repository

import (
	"context"
)

// Isolation selects the transaction isolation level.
type Isolation int

const (
	ReadCommitted Isolation = iota
	// Serializable is required for check-then-claim quantity operations.
	Serializable
)

// Store is the persistence boundary. Every multi-row mutation runs inside
// InTransaction; fn may be rerun on serialization failure and must not
// perform side effects outside tx.
type Store interface {
	Forms() FormRepository
	InTransaction(ctx context.Context, iso Isolation, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx exposes the typed repositories bound to one transaction.
type Tx interface {
	Forms() FormRepository
	Requests() RequestRepository
	Responses() ResponseRepository
	Signers() SignerRepository
	Assignments() AssignmentRepository
	Audit() AuditRepository
	// LockClaim serializes claims against one (upstream request, item) pair
	// until the transaction ends.
	LockClaim(ctx context.Context, upstreamRequestID, itemKey string) error
}

// FormRepository loads form templates with their sections and fields.
type FormRepository interface {
	GetByID(ctx context.Context, id string) (*Form, error)
}

// RequestRepository manages request headers.
type RequestRepository interface {
	GetByID(ctx context.Context, id string) (*Request, error)
	Create(ctx context.Context, req *Request) error
	// CompareAndSetStatus moves a request to `to` only when its current
	// status is one of `from`. It reports whether a row changed.
	CompareAndSetStatus(ctx context.Context, id string, from []RequestStatus, to RequestStatus) (bool, error)
	Touch(ctx context.Context, id string) error
	SetExternalIssue(ctx context.Context, id, issueID string) error
}

// ResponseRepository manages field responses.
type ResponseRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]*FieldResponse, error)
	Replace(ctx context.Context, requestID string, responses []*FieldResponse) error
	// FindByValue returns responses equal to value on fields with the given
	// role, restricted to requests of formType.
	FindByValue(ctx context.Context, formType FormType, role FieldRole, value string) ([]*FieldResponse, error)
}

// SignerRepository reads signer definitions.
type SignerRepository interface {
	ListByForm(ctx context.Context, formID string) ([]*Signer, error)
}

// AssignmentRepository manages per-request signer assignments.
type AssignmentRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]*Assignment, error)
	Replace(ctx context.Context, requestID string, assignments []*Assignment) error
	// CompareAndSetStatus writes a decision only when the row is still in
	// `from`. It reports whether a row changed.
	CompareAndSetStatus(ctx context.Context, id string, from, to AssignmentStatus, rec DecisionRecord) (bool, error)
	ResetAll(ctx context.Context, requestID string) error
}

// AuditRepository appends and reads audit entries.
type AuditRepository interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error)
}
