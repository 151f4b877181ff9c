package client

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggingNotifier stands in for the NATS publisher when none is configured.
type LoggingNotifier struct {
	Log zerolog.Logger
}

func (n LoggingNotifier) Notify(_ context.Context, memberID, content, redirectRef string) error {
	n.Log.Info().
		Str("member_id", memberID).
		Str("redirect", redirectRef).
		Str("content", content).
		Msg("notification (no transport configured)")
	return nil
}

// LoggingIssueTracker stands in for the tracker bridge when none is configured.
type LoggingIssueTracker struct {
	Log zerolog.Logger
}

func (t LoggingIssueTracker) LinkExternalIssue(_ context.Context, requestID, issueID string) error {
	t.Log.Info().
		Str("request_id", requestID).
		Str("issue_id", issueID).
		Msg("issue link (no tracker configured)")
	return nil
}
