package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
)

// MemoryStore is an in-process Store used by the memory driver and tests.
// Transactions are fully serialized by a single lock and roll back by
// restoring a snapshot, which makes every transaction SERIALIZABLE.
type MemoryStore struct {
	mu   sync.Mutex
	data memData

	// Form templates are immutable once saved and live outside the
	// transactional snapshot under their own lock.
	formsMu   sync.RWMutex
	forms     map[string]*Form
	fieldForm map[string]string
}

type memData struct {
	signers     map[string]Signer
	requests    map[string]Request
	responses   map[string][]FieldResponse
	assignments map[string][]Assignment
	audit       map[string][]AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forms:     make(map[string]*Form),
		fieldForm: make(map[string]string),
		data: memData{
			signers:     make(map[string]Signer),
			requests:    make(map[string]Request),
			responses:   make(map[string][]FieldResponse),
			assignments: make(map[string][]Assignment),
			audit:       make(map[string][]AuditEntry),
		},
	}
}

// SaveForm registers a form template. Forms are treated as immutable once saved.
func (s *MemoryStore) SaveForm(form *Form) error {
	if err := form.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid form")
	}
	s.formsMu.Lock()
	defer s.formsMu.Unlock()

	s.forms[form.ID] = form
	for _, sec := range form.Sections {
		sec.FormID = form.ID
		for _, f := range sec.Fields {
			f.SectionID = sec.ID
			s.fieldForm[f.ID] = form.ID
		}
	}
	return nil
}

// SaveSigner registers or replaces a signer definition.
func (s *MemoryStore) SaveSigner(signer Signer) error {
	if signer.Order < 1 {
		return errors.InvalidInput("order", "signer order must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if signer.ID == "" {
		signer.ID = uuid.NewString()
	}
	s.data.signers[signer.ID] = signer
	return nil
}

// Fixtures is the on-disk seed format for the memory driver.
type Fixtures struct {
	Forms   []*Form  `json:"forms"`
	Signers []Signer `json:"signers"`
}

// LoadFixtures seeds forms and signers from JSON.
func (s *MemoryStore) LoadFixtures(r io.Reader) error {
	var fx Fixtures
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for _, f := range fx.Forms {
		if err := s.SaveForm(f); err != nil {
			return fmt.Errorf("form %s: %w", f.ID, err)
		}
	}
	for _, sg := range fx.Signers {
		if err := s.SaveSigner(sg); err != nil {
			return fmt.Errorf("signer %s: %w", sg.ID, err)
		}
	}
	return nil
}

func (s *MemoryStore) Forms() FormRepository {
	return &memFormRepository{store: s}
}

func (s *MemoryStore) form(id string) (*Form, bool) {
	s.formsMu.RLock()
	defer s.formsMu.RUnlock()
	f, ok := s.forms[id]
	return f, ok
}

func (s *MemoryStore) formOfField(fieldID string) (string, bool) {
	s.formsMu.RLock()
	defer s.formsMu.RUnlock()
	id, ok := s.fieldForm[fieldID]
	return id, ok
}

// InTransaction runs fn under the store lock and rolls back on error.
func (s *MemoryStore) InTransaction(ctx context.Context, _ Isolation, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(&memTx{store: s}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (d memData) clone() memData {
	out := memData{
		signers:     maps.Clone(d.signers),
		requests:    maps.Clone(d.requests),
		responses:   make(map[string][]FieldResponse, len(d.responses)),
		assignments: make(map[string][]Assignment, len(d.assignments)),
		audit:       make(map[string][]AuditEntry, len(d.audit)),
	}
	for k, v := range d.responses {
		out.responses[k] = slices.Clone(v)
	}
	for k, v := range d.assignments {
		out.assignments[k] = slices.Clone(v)
	}
	for k, v := range d.audit {
		out.audit[k] = slices.Clone(v)
	}
	return out
}

type memTx struct {
	store *MemoryStore
}

func (t *memTx) Forms() FormRepository { return &memFormRepository{store: t.store} }

func (t *memTx) Requests() RequestRepository {
	return &memRequestRepository{s: t.store, d: &t.store.data}
}

func (t *memTx) Responses() ResponseRepository {
	return &memResponseRepository{s: t.store, d: &t.store.data}
}

func (t *memTx) Signers() SignerRepository         { return &memSignerRepository{d: &t.store.data} }
func (t *memTx) Assignments() AssignmentRepository { return &memAssignmentRepository{d: &t.store.data} }
func (t *memTx) Audit() AuditRepository            { return &memAuditRepository{d: &t.store.data} }

// LockClaim is a no-op: the store lock already serializes transactions.
func (t *memTx) LockClaim(context.Context, string, string) error { return nil }

// ── forms ─────────────────────────────────────────────────────────────────────

type memFormRepository struct {
	store *MemoryStore
}

func (r *memFormRepository) GetByID(_ context.Context, id string) (*Form, error) {
	form, ok := r.store.form(id)
	if !ok {
		return nil, errors.NotFound("form", id)
	}
	return form, nil
}

// ── requests ──────────────────────────────────────────────────────────────────

type memRequestRepository struct {
	s *MemoryStore
	d *memData
}

func (r *memRequestRepository) GetByID(_ context.Context, id string) (*Request, error) {
	req, ok := r.d.requests[id]
	if !ok {
		return nil, errors.NotFound("request", id)
	}
	return &req, nil
}

func (r *memRequestRepository) Create(_ context.Context, req *Request) error {
	form, ok := r.s.form(req.FormID)
	if !ok {
		return errors.NotFound("form", req.FormID)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := r.d.requests[req.ID]; exists {
		return errors.New(errors.ErrCodeConflict, "request already exists: "+req.ID)
	}
	now := time.Now().UTC()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	req.UpdatedAt = now
	req.FormType = form.Type
	r.d.requests[req.ID] = *req
	return nil
}

func (r *memRequestRepository) CompareAndSetStatus(_ context.Context, id string, from []RequestStatus, to RequestStatus) (bool, error) {
	req, ok := r.d.requests[id]
	if !ok || !slices.Contains(from, req.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	req.Status = to
	req.StatusChangedAt = &now
	req.UpdatedAt = now
	r.d.requests[id] = req
	return true, nil
}

func (r *memRequestRepository) Touch(_ context.Context, id string) error {
	req, ok := r.d.requests[id]
	if !ok {
		return errors.NotFound("request", id)
	}
	req.UpdatedAt = time.Now().UTC()
	r.d.requests[id] = req
	return nil
}

func (r *memRequestRepository) SetExternalIssue(_ context.Context, id, issueID string) error {
	req, ok := r.d.requests[id]
	if !ok {
		return errors.NotFound("request", id)
	}
	req.ExternalIssueID = &issueID
	req.UpdatedAt = time.Now().UTC()
	r.d.requests[id] = req
	return nil
}

// ── responses ─────────────────────────────────────────────────────────────────

type memResponseRepository struct {
	s *MemoryStore
	d *memData
}

func (r *memResponseRepository) ListByRequest(_ context.Context, requestID string) ([]*FieldResponse, error) {
	stored := r.d.responses[requestID]
	out := make([]*FieldResponse, len(stored))
	for i := range stored {
		resp := stored[i]
		out[i] = &resp
	}
	return out, nil
}

func (r *memResponseRepository) Replace(_ context.Context, requestID string, responses []*FieldResponse) error {
	stored := make([]FieldResponse, 0, len(responses))
	for _, resp := range responses {
		if _, ok := r.s.formOfField(resp.FieldID); !ok {
			return errors.NotFound("field", resp.FieldID)
		}
		if resp.ID == "" {
			resp.ID = uuid.NewString()
		}
		resp.RequestID = requestID
		stored = append(stored, *resp)
	}
	r.d.responses[requestID] = stored
	return nil
}

func (r *memResponseRepository) FindByValue(_ context.Context, formType FormType, role FieldRole, value string) ([]*FieldResponse, error) {
	var out []*FieldResponse
	for requestID, stored := range r.d.responses {
		req, ok := r.d.requests[requestID]
		if !ok || req.FormType != formType {
			continue
		}
		form, ok := r.s.form(req.FormID)
		if !ok {
			continue
		}
		fields := form.Fields()
		for i := range stored {
			ref, ok := fields[stored[i].FieldID]
			if !ok || ref.Field.Role != role || stored[i].Value != value {
				continue
			}
			resp := stored[i]
			out = append(out, &resp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := r.d.requests[out[i].RequestID], r.d.requests[out[j].RequestID]
		if !ri.SubmittedAt.Equal(rj.SubmittedAt) {
			return ri.SubmittedAt.Before(rj.SubmittedAt)
		}
		if ri.ID != rj.ID {
			return ri.ID < rj.ID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ── signers ───────────────────────────────────────────────────────────────────

type memSignerRepository struct {
	d *memData
}

func (r *memSignerRepository) ListByForm(_ context.Context, formID string) ([]*Signer, error) {
	var out []*Signer
	for _, sg := range r.d.signers {
		if sg.FormID == formID {
			sg := sg
			out = append(out, &sg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── assignments ───────────────────────────────────────────────────────────────

type memAssignmentRepository struct {
	d *memData
}

func (r *memAssignmentRepository) ListByRequest(_ context.Context, requestID string) ([]*Assignment, error) {
	stored := r.d.assignments[requestID]
	out := make([]*Assignment, len(stored))
	for i := range stored {
		a := stored[i]
		out[i] = &a
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memAssignmentRepository) Replace(_ context.Context, requestID string, assignments []*Assignment) error {
	stored := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.RequestID = requestID
		stored = append(stored, *a)
	}
	r.d.assignments[requestID] = stored
	return nil
}

func (r *memAssignmentRepository) CompareAndSetStatus(_ context.Context, id string, from, to AssignmentStatus, rec DecisionRecord) (bool, error) {
	for requestID, stored := range r.d.assignments {
		for i := range stored {
			if stored[i].ID != id {
				continue
			}
			if stored[i].Status != from {
				return false, nil
			}
			at := rec.At
			actedBy := rec.ActedBy
			stored[i].Status = to
			stored[i].StatusChangedAt = &at
			stored[i].ActedBy = &actedBy
			stored[i].Comment = rec.Comment
			stored[i].IsOverride = rec.IsOverride
			r.d.assignments[requestID] = stored
			return true, nil
		}
	}
	return false, nil
}

func (r *memAssignmentRepository) ResetAll(_ context.Context, requestID string) error {
	stored := r.d.assignments[requestID]
	for i := range stored {
		stored[i].Status = AssignmentStatusPending
		stored[i].StatusChangedAt = nil
		stored[i].ActedBy = nil
		stored[i].Comment = nil
		stored[i].IsOverride = false
	}
	return nil
}

// ── audit ─────────────────────────────────────────────────────────────────────

type memAuditRepository struct {
	d *memData
}

func (r *memAuditRepository) Append(_ context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.PerformedAt = time.Now().UTC()
	stored := *entry
	stored.Metadata = maps.Clone(entry.Metadata)
	r.d.audit[entry.RequestID] = append(r.d.audit[entry.RequestID], stored)
	return nil
}

func (r *memAuditRepository) ListByRequest(_ context.Context, requestID string) ([]*AuditEntry, error) {
	stored := r.d.audit[requestID]
	out := make([]*AuditEntry, len(stored))
	for i := range stored {
		e := stored[i]
		out[i] = &e
	}
	return out, nil
}
