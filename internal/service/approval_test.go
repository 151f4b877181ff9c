package service

import (
	"context"
	"testing"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

var decisionStates = []repository.AssignmentStatus{
	repository.AssignmentStatusPending,
	repository.AssignmentStatusApproved,
	repository.AssignmentStatusRejected,
}

func TestAggregate_Exhaustive(t *testing.T) {
	for n := 1; n <= 4; n++ {
		total := 1
		for i := 0; i < n; i++ {
			total *= len(decisionStates)
		}
		for combo := 0; combo < total; combo++ {
			assignments := make([]*repository.Assignment, n)
			rejected, approved := 0, 0
			c := combo
			for i := 0; i < n; i++ {
				st := decisionStates[c%len(decisionStates)]
				c /= len(decisionStates)
				assignments[i] = &repository.Assignment{Order: i + 1, IsPrimary: i == 0, Status: st}
				switch st {
				case repository.AssignmentStatusRejected:
					rejected++
				case repository.AssignmentStatusApproved:
					approved++
				}
			}

			want := repository.RequestStatusPending
			if rejected > 0 {
				want = repository.RequestStatusRejected
			} else if approved == n {
				want = repository.RequestStatusApproved
			}
			if got := Aggregate(assignments); got != want {
				t.Errorf("n=%d %s: got %s, want %s", n, describe(assignments), got, want)
			}
		}
	}
}

func TestAggregate_Empty(t *testing.T) {
	if got := Aggregate(nil); got != repository.RequestStatusPending {
		t.Errorf("expected PENDING for no assignments, got %s", got)
	}
}

func TestProgress_PrimaryGatesTier(t *testing.T) {
	assignments := []*repository.Assignment{
		{MemberID: "primary", Order: 1, IsPrimary: true, Status: repository.AssignmentStatusApproved},
		{MemberID: "peer", Order: 1, Status: repository.AssignmentStatusPending},
		{MemberID: "second", Order: 2, Status: repository.AssignmentStatusPending},
	}
	p := Progress(assignments)
	if len(p.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %+v", p.Tiers)
	}
	if !p.Tiers[0].Cleared {
		t.Error("tier 1 should clear on primary approval alone")
	}
	if p.CurrentOrder != 2 {
		t.Errorf("expected current order 2, got %d", p.CurrentOrder)
	}
	if !p.canApproveAt(2) {
		t.Error("order 2 should be approvable")
	}
}

func TestProgress_PeerCannotClearPrimaryTier(t *testing.T) {
	assignments := []*repository.Assignment{
		{MemberID: "primary", Order: 1, IsPrimary: true, Status: repository.AssignmentStatusPending},
		{MemberID: "peer", Order: 1, Status: repository.AssignmentStatusApproved},
		{MemberID: "second", Order: 2, Status: repository.AssignmentStatusPending},
	}
	p := Progress(assignments)
	if p.CurrentOrder != 1 {
		t.Errorf("expected current order 1, got %d", p.CurrentOrder)
	}
	if p.canApproveAt(2) {
		t.Error("order 2 must wait for the primary at order 1")
	}
}

func TestProgress_NoPrimaryNeedsEveryone(t *testing.T) {
	assignments := []*repository.Assignment{
		{MemberID: "a", Order: 1, Status: repository.AssignmentStatusApproved},
		{MemberID: "b", Order: 1, Status: repository.AssignmentStatusPending},
	}
	if Progress(assignments).Tiers[0].Cleared {
		t.Error("tier without primary must not clear until all members approve")
	}
}

// Signers [primary o1, peer o1, o2]: the peer's rejection vetoes while the
// primary is still pending.
func TestDecide_PeerRejectionVetoes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, sg := range []repository.Signer{
		{ID: "signer-form-gen", FormID: formGeneric, MemberID: "primary", Order: 1, IsPrimary: true},
		{ID: "signer-peer", FormID: formGeneric, MemberID: "peer", Order: 1},
		{ID: "signer-second", FormID: formGeneric, MemberID: "second", Order: 2},
	} {
		if err := h.store.SaveSigner(sg); err != nil {
			t.Fatal(err)
		}
	}

	req := h.mustSubmit(formGeneric, []RawResponse{{FieldID: "gen-title", Value: "Laptops"}})
	view, err := h.svc.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Assignments) != 3 {
		t.Fatalf("expected 3 assignments, got %d", len(view.Assignments))
	}

	var peer *repository.Assignment
	for _, a := range view.Assignments {
		if a.MemberID == "peer" {
			peer = a
		}
	}
	res, err := h.svc.Decide(ctx, member("peer"), DecisionInput{
		RequestID: req.ID, AssignmentID: peer.ID, Decision: repository.AssignmentStatusRejected,
	})
	if err != nil {
		t.Fatalf("peer reject: %v", err)
	}
	if res.Request.Status != repository.RequestStatusRejected {
		t.Fatalf("expected REJECTED, got %s", res.Request.Status)
	}
	for _, a := range res.Assignments {
		if a.MemberID == "primary" && a.Status != repository.AssignmentStatusPending {
			t.Errorf("primary assignment should remain visible as PENDING, got %s", a.Status)
		}
	}
}

func TestDecide_EnforceOrder(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.EnforceOrder = true
	ctx := context.Background()
	if err := h.store.SaveSigner(repository.Signer{ID: "signer-second", FormID: formGeneric, MemberID: "second", Order: 2}); err != nil {
		t.Fatal(err)
	}

	req := h.mustSubmit(formGeneric, []RawResponse{{FieldID: "gen-title", Value: "Chairs"}})
	view, _ := h.svc.Get(ctx, req.ID)
	second := view.Assignments[1]

	_, err := h.svc.Decide(ctx, member("second"), DecisionInput{
		RequestID: req.ID, AssignmentID: second.ID, Decision: repository.AssignmentStatusApproved,
	})
	assertIs(t, err, ErrTierNotReached)

	// Rejection is never gated.
	res, err := h.svc.Decide(ctx, member("second"), DecisionInput{
		RequestID: req.ID, AssignmentID: second.ID, Decision: repository.AssignmentStatusRejected,
	})
	if err != nil {
		t.Fatalf("reject at order 2: %v", err)
	}
	if res.Request.Status != repository.RequestStatusRejected {
		t.Errorf("expected REJECTED, got %s", res.Request.Status)
	}
}
