package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultIssueSubject is where issue links are published.
const DefaultIssueSubject = "issues.link"

// IssueLinkEvent tells the tracker bridge that a request maps to an issue.
type IssueLinkEvent struct {
	RequestID string    `json:"request_id"`
	IssueID   string    `json:"issue_id"`
	LinkedAt  time.Time `json:"linked_at"`
}

// IssueTrackerPublisher syncs issue links to the tracker over NATS.
type IssueTrackerPublisher struct {
	pub     Publisher
	subject string
}

// NewIssueTrackerPublisher creates an IssueTrackerPublisher.
func NewIssueTrackerPublisher(pub Publisher, subject string) *IssueTrackerPublisher {
	if subject == "" {
		subject = DefaultIssueSubject
	}
	return &IssueTrackerPublisher{pub: pub, subject: subject}
}

func (p *IssueTrackerPublisher) LinkExternalIssue(ctx context.Context, requestID, issueID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(IssueLinkEvent{RequestID: requestID, IssueID: issueID, LinkedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal issue link: %w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
