package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/common/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

const (
	formRequisition = "form-req"
	formQuotation   = "form-quo"
	formReceiving   = "form-rr"
	formGeneric     = "form-gen"

	owner    = "member-owner"
	approver = "member-approver"
	admin    = "member-admin"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func itemSection(prefix string, withPrice bool) *repository.Section {
	fields := []*repository.Field{
		{ID: prefix + "-item", Label: "Item", Kind: repository.FieldKindText, Role: repository.FieldRoleItem, Order: 1, IsRequired: true},
		{ID: prefix + "-qty", Label: "Quantity", Kind: repository.FieldKindNumber, Role: repository.FieldRoleQuantity, Order: 2, IsRequired: true},
	}
	if withPrice {
		fields = append(fields, &repository.Field{
			ID: prefix + "-price", Label: "Price per unit", Kind: repository.FieldKindNumber, Role: repository.FieldRoleUnitPrice, Order: 3,
		})
	}
	return &repository.Section{ID: prefix + "-items", Name: "Items", Order: 2, IsDuplicatable: true, Fields: fields}
}

func parentSection(prefix string) *repository.Section {
	return &repository.Section{ID: prefix + "-head", Name: "Reference", Order: 1, Fields: []*repository.Field{
		{ID: prefix + "-parent", Label: "Upstream request", Kind: repository.FieldKindLink, Role: repository.FieldRoleParentRequest, Order: 1, IsRequired: true},
	}}
}

func testForms() []*repository.Form {
	return []*repository.Form{
		{
			ID: formRequisition, Name: "Requisition", Type: repository.FormTypeRequisition,
			Sections: []*repository.Section{
				{ID: "req-head", Name: "Header", Order: 1, Fields: []*repository.Field{
					{ID: "req-purpose", Label: "Purpose", Kind: repository.FieldKindTextArea, Order: 1},
				}},
				itemSection("req", false),
			},
		},
		{
			ID: formQuotation, Name: "Quotation", Type: repository.FormTypeQuotation,
			Sections: []*repository.Section{
				parentSection("quo"),
				itemSection("quo", true),
				{ID: "quo-charges", Name: "Charges", Order: 3, Fields: []*repository.Field{
					{ID: "quo-delivery", Label: "Delivery", Kind: repository.FieldKindNumber, Role: repository.FieldRoleCharge, Order: 1},
					{ID: "quo-freight", Label: "Freight", Kind: repository.FieldKindNumber, Role: repository.FieldRoleCharge, Order: 2},
				}},
			},
		},
		{
			ID: formReceiving, Name: "Receiving Report", Type: repository.FormTypeReceivingReport,
			Sections: []*repository.Section{parentSection("rr"), itemSection("rr", false)},
		},
		{
			ID: formGeneric, Name: "General", Type: repository.FormTypeGeneric,
			Sections: []*repository.Section{
				{ID: "gen-main", Name: "Main", Order: 1, Fields: []*repository.Field{
					{ID: "gen-title", Label: "Title", Kind: repository.FieldKindText, Order: 1, IsRequired: true},
					{ID: "gen-urgent", Label: "Urgent", Kind: repository.FieldKindSwitch, Order: 2},
					{ID: "gen-budget", Label: "Budget", Kind: repository.FieldKindNumber, Order: 3},
					{ID: "gen-needed", Label: "Needed by", Kind: repository.FieldKindDate, Order: 4},
					{ID: "gen-file", Label: "Attachment", Kind: repository.FieldKindFile, Order: 5},
					{ID: "gen-kind", Label: "Kind", Kind: repository.FieldKindDropdown, Order: 6, Options: []string{"Goods", "Services"}},
				}},
			},
		},
	}
}

// ── fakes ─────────────────────────────────────────────────────────────────────

type notification struct {
	MemberID, Content, Redirect string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, memberID, content, redirectRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, notification{memberID, content, redirectRef})
	return nil
}

func (f *fakeNotifier) to(memberID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.MemberID == memberID {
			n++
		}
	}
	return n
}

type fakeIssues struct {
	linked map[string]string
	err    error
}

func (f *fakeIssues) LinkExternalIssue(_ context.Context, requestID, issueID string) error {
	if f.err != nil {
		return f.err
	}
	if f.linked == nil {
		f.linked = make(map[string]string)
	}
	f.linked[requestID] = issueID
	return nil
}

type fakeAttachments struct {
	stored []string
	err    error
}

func (f *fakeAttachments) Store(_ context.Context, file Upload) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	ref := "attachments/" + file.Name
	f.stored = append(f.stored, ref)
	return ref, nil
}

// ── harness ───────────────────────────────────────────────────────────────────

type harness struct {
	t        *testing.T
	store    *repository.MemoryStore
	svc      *WorkflowService
	canvass  *CanvassService
	notifier *fakeNotifier
	issues   *fakeIssues

	mu    sync.Mutex
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewMemoryStore()
	for _, f := range testForms() {
		if err := store.SaveForm(f); err != nil {
			t.Fatalf("SaveForm(%s): %v", f.ID, err)
		}
	}
	for _, formID := range []string{formRequisition, formQuotation, formReceiving, formGeneric} {
		if err := store.SaveSigner(repository.Signer{
			ID: "signer-" + formID, FormID: formID, MemberID: approver, Order: 1, IsPrimary: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	h := &harness{
		t:        t,
		store:    store,
		notifier: &fakeNotifier{},
		issues:   &fakeIssues{},
		clock:    t0,
	}
	linkage := NewLinkageResolver(store.Forms())
	ledger := NewLedger(linkage)
	h.svc = NewWorkflowService(store, store.Forms(), NewDecoder(&fakeAttachments{}), linkage, ledger,
		h.notifier, h.issues, WorkflowConfig{RedirectBase: "/requests"}, logger.Nop())
	h.svc.now = h.tick
	h.canvass = NewCanvassService(store, linkage)
	return h
}

// tick advances the fake clock by one minute per call.
func (h *harness) tick() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(time.Minute)
	return h.clock
}

func (h *harness) setClock(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = at.Add(-time.Minute)
}

type line struct {
	item  string
	qty   float64
	price float64
}

func rows(prefix string, lines ...line) []RawResponse {
	var out []RawResponse
	for i, l := range lines {
		g := "g" + strconv.Itoa(i+1)
		out = append(out,
			RawResponse{FieldID: prefix + "-item", Value: l.item, GroupID: &g},
			RawResponse{FieldID: prefix + "-qty", Value: l.qty, GroupID: &g},
		)
		if l.price != 0 {
			out = append(out, RawResponse{FieldID: prefix + "-price", Value: l.price, GroupID: &g})
		}
	}
	return out
}

func member(id string) Actor { return Actor{MemberID: id} }

func administrator() Actor { return Actor{MemberID: admin, IsAdmin: true} }

func (h *harness) submit(formID string, raw []RawResponse) (*WorkflowResult, error) {
	return h.svc.Submit(context.Background(), member(owner), SubmitInput{FormID: formID, Responses: raw})
}

func (h *harness) mustSubmit(formID string, raw []RawResponse) *repository.Request {
	h.t.Helper()
	res, err := h.submit(formID, raw)
	if err != nil {
		h.t.Fatalf("submit %s: %v", formID, err)
	}
	return res.Request
}

func (h *harness) approve(req *repository.Request) *WorkflowResult {
	h.t.Helper()
	view, err := h.svc.Get(context.Background(), req.ID)
	if err != nil {
		h.t.Fatalf("get %s: %v", req.ID, err)
	}
	var res *WorkflowResult
	for _, a := range view.Assignments {
		if a.Status != repository.AssignmentStatusPending {
			continue
		}
		res, err = h.svc.Decide(context.Background(), member(a.MemberID), DecisionInput{
			RequestID: req.ID, AssignmentID: a.ID, Decision: repository.AssignmentStatusApproved,
		})
		if err != nil {
			h.t.Fatalf("approve %s: %v", req.ID, err)
		}
	}
	return res
}

func (h *harness) status(id string) repository.RequestStatus {
	h.t.Helper()
	view, err := h.svc.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("get %s: %v", id, err)
	}
	return view.Request.Status
}

// approvedRequisition submits and approves a requisition for lines.
func (h *harness) approvedRequisition(lines ...line) *repository.Request {
	h.t.Helper()
	req := h.mustSubmit(formRequisition, rows("req", lines...))
	h.approve(req)
	return req
}

func quotation(parentID string, delivery float64, lines ...line) []RawResponse {
	raw := append([]RawResponse{{FieldID: "quo-parent", Value: parentID}}, rows("quo", lines...)...)
	if delivery != 0 {
		raw = append(raw, RawResponse{FieldID: "quo-delivery", Value: delivery})
	}
	return raw
}

func receiving(parentID string, lines ...line) []RawResponse {
	return append([]RawResponse{{FieldID: "rr-parent", Value: parentID}}, rows("rr", lines...)...)
}

func assertIs(t *testing.T, err, target error) {
	t.Helper()
	if !stderrors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func describe(a []*repository.Assignment) string {
	s := ""
	for _, x := range a {
		s += fmt.Sprintf("[%d %v %s] ", x.Order, x.IsPrimary, x.Status)
	}
	return s
}
