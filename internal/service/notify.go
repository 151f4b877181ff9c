package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

// Notifier delivers a message to one member. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, memberID, content, redirectRef string) error
}

// IssueTracker links a request to an external issue.
type IssueTracker interface {
	LinkExternalIssue(ctx context.Context, requestID, issueID string) error
}

// effect is a side effect queued inside a transaction and run after commit.
type effect struct {
	name string
	run  func(ctx context.Context) error
}

// dispatch runs effects after commit. Failures are logged and returned as
// warnings; they never undo the committed state.
func (s *WorkflowService) dispatch(ctx context.Context, requestID string, effects []effect) []string {
	var warnings []string
	for _, e := range effects {
		if err := e.run(ctx); err != nil {
			s.log.Warn().Err(err).
				Str("request_id", requestID).
				Str("effect", e.name).
				Msg("Side effect failed after commit")
			warnings = append(warnings, fmt.Sprintf("%s: %v", e.name, err))
		}
	}
	return warnings
}

func (s *WorkflowService) redirect(requestID string) string {
	return s.cfg.RedirectBase + "/" + requestID
}

func (s *WorkflowService) notifyEffect(memberID, requestID, content string) effect {
	redirect := s.redirect(requestID)
	return effect{
		name: "notify " + memberID,
		run: func(ctx context.Context) error {
			if s.notifier == nil {
				return nil
			}
			return s.notifier.Notify(ctx, memberID, content, redirect)
		},
	}
}

// notifyAssignees queues one notification per assignment.
func (s *WorkflowService) notifyAssignees(req *repository.Request, assignments []*repository.Assignment, content string) []effect {
	out := make([]effect, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, s.notifyEffect(a.MemberID, req.ID, content))
	}
	return out
}

func (s *WorkflowService) issueEffect(requestID, issueID string) effect {
	return effect{
		name: "issue tracker",
		run: func(ctx context.Context) error {
			if s.issues == nil {
				return nil
			}
			return s.issues.LinkExternalIssue(ctx, requestID, issueID)
		},
	}
}
