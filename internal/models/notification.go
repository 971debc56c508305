package models

import (
	"encoding/json"
	"time"
)

// NotificationType identifies the lifecycle event a notification describes.
type NotificationType string

const (
	NotificationRequestCreated  NotificationType = "request.created"
	NotificationRequestApproved NotificationType = "request.approved"
	NotificationRequestRejected NotificationType = "request.rejected"
)

// Notification is a persisted, best-effort message to a user about an
// enrollment request transition.
type Notification struct {
	ID          string           `db:"id" json:"id"`
	RecipientID string           `db:"recipient_id" json:"recipient_id"`
	Type        NotificationType `db:"type" json:"type"`
	Payload     json.RawMessage  `db:"payload" json:"payload"`
	ReadAt      *time.Time       `db:"read_at" json:"read_at,omitempty"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}
