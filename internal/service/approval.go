package service

import (
	"sort"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// Aggregate derives a request status from its assignments: any rejection
// rejects, unanimous approval approves, anything else stays pending.
func Aggregate(assignments []*repository.Assignment) repository.RequestStatus {
	if len(assignments) == 0 {
		return repository.RequestStatusPending
	}
	approved := 0
	for _, a := range assignments {
		switch a.Status {
		case repository.AssignmentStatusRejected:
			return repository.RequestStatusRejected
		case repository.AssignmentStatusApproved:
			approved++
		}
	}
	if approved == len(assignments) {
		return repository.RequestStatusApproved
	}
	return repository.RequestStatusPending
}

// Tier summarizes one signer order.
type Tier struct {
	Order         int    `json:"order"`
	PrimaryMember string `json:"primary_member,omitempty"`
	Members       int    `json:"members"`
	Approved      int    `json:"approved"`
	Cleared       bool   `json:"cleared"`
}

// TierProgress is the tier-gating view of a request. CurrentOrder is the
// lowest uncleared order, or 0 once every tier has cleared.
type TierProgress struct {
	Tiers        []Tier `json:"tiers"`
	CurrentOrder int    `json:"current_order"`
}

// Progress computes tier clearance. A tier with a primary clears when the
// primary approves; a tier without one clears when all its members approve.
func Progress(assignments []*repository.Assignment) TierProgress {
	byOrder := make(map[int]*Tier)
	primaryApproved := make(map[int]bool)
	for _, a := range assignments {
		t, ok := byOrder[a.Order]
		if !ok {
			t = &Tier{Order: a.Order}
			byOrder[a.Order] = t
		}
		t.Members++
		if a.Status == repository.AssignmentStatusApproved {
			t.Approved++
		}
		if a.IsPrimary {
			t.PrimaryMember = a.MemberID
			primaryApproved[a.Order] = a.Status == repository.AssignmentStatusApproved
		}
	}

	var p TierProgress
	for _, t := range byOrder {
		if t.PrimaryMember != "" {
			t.Cleared = primaryApproved[t.Order]
		} else {
			t.Cleared = t.Approved == t.Members
		}
		p.Tiers = append(p.Tiers, *t)
	}
	sort.Slice(p.Tiers, func(i, j int) bool { return p.Tiers[i].Order < p.Tiers[j].Order })
	for _, t := range p.Tiers {
		if !t.Cleared {
			p.CurrentOrder = t.Order
			break
		}
	}
	return p
}

// canApproveAt reports whether every tier below order has cleared.
func (p TierProgress) canApproveAt(order int) bool {
	return p.CurrentOrder == 0 || order <= p.CurrentOrder
}
