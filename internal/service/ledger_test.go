package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/pesio-ai/be-proc-requests/internal/common/errors"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

func availableOf(t *testing.T, err error) float64 {
	t.Helper()
	var qe *QuantityExceededError
	if !stderrors.As(err, &qe) {
		t.Fatalf("expected QuantityExceededError, got %v", err)
	}
	return qe.Available
}

// Requisition approves 100 bags of cement; quotation A takes 60, quotation B
// asks for 50 and is refused with 40 available.
func TestLedger_CementScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approvedRequisition(line{item: "Cement", qty: 100})

	h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 60, price: 5}))

	balance, err := h.svc.Balance(ctx, r.ID)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if len(balance) != 1 || balance[0].Available != 40 || balance[0].Committed != 60 {
		t.Fatalf("unexpected balance: %+v", balance)
	}

	_, err = h.submit(formQuotation, quotation(r.ID, 0, line{item: "cement ", qty: 50, price: 4}))
	assertIs(t, err, ErrQuantityExceeded)
	if got := availableOf(t, err); got != 40 {
		t.Errorf("expected available 40, got %v", got)
	}

	// The same check through the ledger API directly.
	err = h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		return h.svc.ledger.ValidateConsumption(ctx, tx, r.ID, "Cement", 50, "")
	})
	if got := availableOf(t, err); got != 40 {
		t.Errorf("expected available 40, got %v", got)
	}
	err = h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		return h.svc.ledger.ValidateConsumption(ctx, tx, r.ID, "Cement", 40, "")
	})
	if err != nil {
		t.Errorf("exactly the available quantity must pass: %v", err)
	}
}

func TestLedger_ZeroAndUnknownItems(t *testing.T) {
	h := newHarness(t)
	r := h.approvedRequisition(line{item: "Cement", qty: 10})

	if _, err := h.submit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 0, price: 1})); err != nil {
		t.Fatalf("zero quantity must be accepted: %v", err)
	}
	if _, err := h.submit(formQuotation, quotation(r.ID, 0, line{item: "Gravel", qty: 0, price: 1})); err != nil {
		t.Fatalf("zero quantity of an unknown item must be accepted: %v", err)
	}

	_, err := h.submit(formQuotation, quotation(r.ID, 0, line{item: "Gravel", qty: 1, price: 1}))
	if got := availableOf(t, err); got != 0 {
		t.Errorf("unknown item should have 0 available, got %v", got)
	}
}

func TestLedger_FloatTolerance(t *testing.T) {
	h := newHarness(t)
	r := h.approvedRequisition(line{item: "Paint", qty: 0.3})

	h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Paint", qty: 0.1, price: 1}))
	h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Paint", qty: 0.2, price: 1}))
}

func TestLedger_EditExcludesOwnClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approvedRequisition(line{item: "Cement", qty: 100})
	q := h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 60, price: 5}))

	// Raising its own claim to 100 must not double count the previous 60.
	res, err := h.svc.Edit(ctx, member(owner), EditInput{
		RequestID: q.ID,
		Responses: quotation(r.ID, 0, line{item: "Cement", qty: 100, price: 5}),
	})
	if err != nil {
		t.Fatalf("edit within the cap failed: %v", err)
	}
	if res.Request.ID != q.ID {
		t.Errorf("edit changed request identity: %s", res.Request.ID)
	}

	_, err = h.svc.Edit(ctx, member(owner), EditInput{
		RequestID: q.ID,
		Responses: quotation(r.ID, 0, line{item: "Cement", qty: 101, price: 5}),
	})
	if got := availableOf(t, err); got != 100 {
		t.Errorf("expected 100 available to the edited request, got %v", got)
	}
}

func TestLedger_CanceledClaimsAreReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approvedRequisition(line{item: "Cement", qty: 100})
	q := h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 100, price: 5}))

	_, err := h.submit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 1, price: 5}))
	assertIs(t, err, ErrQuantityExceeded)

	if _, err := h.svc.Cancel(ctx, member(owner), CancelInput{RequestID: q.ID}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 100, price: 5}))
}

// Two submissions that together exceed the cap race; exactly one wins.
func TestLedger_ConcurrentSubmissions(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		r := h.approvedRequisition(line{item: "Cement", qty: 100})

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			errs     = make([]error, 2)
			requests = []float64{60, 50}
		)
		for i := range requests {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = h.submit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: requests[i], price: 5}))
			}(i)
		}
		close(start)
		wg.Wait()

		ok, exceeded := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case stderrors.Is(err, ErrQuantityExceeded):
				exceeded++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || exceeded != 1 {
			t.Fatalf("round %d: expected one success and one refusal, got ok=%d exceeded=%d", round, ok, exceeded)
		}

		balance, err := h.svc.Balance(context.Background(), r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if balance[0].Committed > balance[0].Approved {
			t.Fatalf("conservation violated: %+v", balance[0])
		}
	}
}

// A claim that no longer fits is refused when the final signer approves.
func TestLedger_RecheckedAtApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approvedRequisition(line{item: "Cement", qty: 100})
	a := h.mustSubmit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 60, price: 5}))

	// Sneak a conflicting claim in below the service to simulate a race
	// that slipped past submission.
	err := h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		return tx.Responses().Replace(ctx, a.ID, Encode(mustDecode(t, formQuotation,
			quotation(r.ID, 0, line{item: "Cement", qty: 120, price: 5}))))
	})
	if err != nil {
		t.Fatal(err)
	}

	view, _ := h.svc.Get(ctx, a.ID)
	_, err = h.svc.Decide(ctx, member(approver), DecisionInput{
		RequestID: a.ID, AssignmentID: view.Assignments[0].ID, Decision: repository.AssignmentStatusApproved,
	})
	assertIs(t, err, ErrQuantityExceeded)
	if got := h.status(a.ID); got != repository.RequestStatusPending {
		t.Errorf("failed approval must roll back, status is %s", got)
	}
}

// A negative row must not offset an over-claim in the same request.
func TestLedger_NegativeRowCannotOffset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approvedRequisition(line{item: "Cement", qty: 100})

	_, err := h.submit(formQuotation, quotation(r.ID, 0,
		line{item: "Cement", qty: 150, price: 5},
		line{item: "Cement", qty: -50, price: 5},
	))
	if errors.CodeOf(err) != errors.ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}

	balance, err := h.svc.Balance(ctx, r.ID)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if len(balance) != 1 || balance[0].Available != 100 {
		t.Fatalf("rejected submission must not commit anything: %+v", balance)
	}
}

// A negative claim must not free quantity for a later request.
func TestLedger_NegativeClaimCannotFreeQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.approvedRequisition(line{item: "Cement", qty: 100})

	_, err := h.submit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: -80, price: 5}))
	if errors.CodeOf(err) != errors.ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}

	_, err = h.submit(formQuotation, quotation(r.ID, 0, line{item: "Cement", qty: 180, price: 5}))
	assertIs(t, err, ErrQuantityExceeded)
	if got := availableOf(t, err); got != 100 {
		t.Errorf("expected available 100, got %v", got)
	}

	// Claims reaching the ledger below the decoder are refused as well.
	err = h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		return h.svc.ledger.ValidateConsumption(ctx, tx, r.ID, "Cement", -80, "")
	})
	if errors.CodeOf(err) != errors.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT for a negative claim, got %v", err)
	}
	err = h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		up, err := tx.Requests().GetByID(ctx, r.ID)
		if err != nil {
			return err
		}
		return h.svc.ledger.validate(ctx, tx, up, map[string]claim{
			"cement": {Label: "Cement", Quantity: 180},
			"gravel": {Label: "Gravel", Quantity: -1},
		}, "")
	})
	if errors.CodeOf(err) != errors.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT for a mixed claim set, got %v", err)
	}
}

func TestLedger_UpstreamMustBeApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.mustSubmit(formRequisition, rows("req", line{item: "Cement", qty: 100}))

	err := h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		return h.svc.ledger.ValidateConsumption(ctx, tx, r.ID, "Cement", 60, "")
	})
	assertIs(t, err, ErrInvalidLinkage)

	h.approve(r)
	err = h.store.InTransaction(ctx, repository.Serializable, func(tx repository.Tx) error {
		return h.svc.ledger.ValidateConsumption(ctx, tx, r.ID, "Cement", 60, "")
	})
	if err != nil {
		t.Errorf("approved upstream must accept the claim: %v", err)
	}
}

func mustDecode(t *testing.T, formID string, raw []RawResponse) GroupedResponses {
	t.Helper()
	g, err := NewDecoder(nil).Decode(context.Background(), formByID(t, formID), raw)
	if err != nil {
		t.Fatal(err)
	}
	return g
}
