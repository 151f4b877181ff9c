package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// NotificationPublisher publishes request notifications to NATS for the
// notifications service to deliver.
//
// Subject convention: <prefix>.<event_type>
type NotificationPublisher struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	ActionURL    string         `json:"action_url,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

const eventRequestNotification = "request_notification"

// NewNotificationPublisher creates a publisher on subjects under prefix.
func NewNotificationPublisher(pub Publisher, prefix string, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{pub: pub, prefix: prefix, log: log}
}

// Notify publishes one notification for memberID. The error is returned so
// the caller can report a degraded result; it is also logged here.
func (p *NotificationPublisher) Notify(ctx context.Context, memberID, content, redirectRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := &NotificationEvent{
		EventType:    eventRequestNotification,
		Recipients:   []string{memberID},
		ResourceType: "request",
		IsActionable: redirectRef != "",
		ActionURL:    redirectRef,
		Severity:     "info",
		Category:     "procurement",
		Payload:      map[string]any{"content": content},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := p.prefix + "." + eventRequestNotification
	if err := p.pub.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("member_id", memberID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("member_id", memberID).
		Msg("notification: event published")
	return nil
}
