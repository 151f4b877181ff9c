package service

import (
	"sort"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// ResolveSigners picks the signers that must act on a request in scope.
// Signers scoped to the request's project win; otherwise the form's unscoped
// signers apply. Disabled definitions are skipped. The result is sorted by
// order with the primary first in each tier.
func ResolveSigners(signers []*repository.Signer, scope *string) ([]*repository.Signer, error) {
	var scoped, unscoped []*repository.Signer
	for _, sg := range signers {
		if sg.IsDisabled {
			continue
		}
		switch {
		case sg.ProjectID == nil:
			unscoped = append(unscoped, sg)
		case scope != nil && *sg.ProjectID == *scope:
			scoped = append(scoped, sg)
		}
	}

	resolved := unscoped
	if len(scoped) > 0 {
		resolved = scoped
	}
	if len(resolved) == 0 {
		return nil, ErrMissingSigners
	}

	sort.SliceStable(resolved, func(i, j int) bool {
		a, b := resolved[i], resolved[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		return a.ID < b.ID
	})

	for i := 1; i < len(resolved); i++ {
		if resolved[i].IsPrimary && resolved[i-1].IsPrimary && resolved[i].Order == resolved[i-1].Order {
			return nil, wrapf(ErrAmbiguousPrimary, "order %d", resolved[i].Order)
		}
	}
	return resolved, nil
}

// snapshotAssignments copies signer definitions by value into fresh PENDING
// assignments so later signer edits never reach the request.
func snapshotAssignments(signers []*repository.Signer) []*repository.Assignment {
	out := make([]*repository.Assignment, 0, len(signers))
	for _, sg := range signers {
		out = append(out, &repository.Assignment{
			SignerID:  sg.ID,
			MemberID:  sg.MemberID,
			Order:     sg.Order,
			IsPrimary: sg.IsPrimary,
			Status:    repository.AssignmentStatusPending,
		})
	}
	return out
}
