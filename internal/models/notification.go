package models

import "time"

// Notification channels
const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelSMS   = "sms"
)

// Notification delivery statuses
const (
	NotificationQueued      = "queued"
	NotificationDelivered   = "delivered"
	NotificationUndelivered = "undelivered"
)

// Attempt outcomes
const (
	AttemptDelivered = "delivered"
	AttemptFailed    = "failed"
)

// Notification is a state-change message addressed to one recipient.
// DeliveredVia records the channel that finally succeeded.
type Notification struct {
	ID           string
	FamilyID     string
	RecipientID  string
	Category     string
	Payload      string
	Status       string
	DeliveredVia string
	Read         bool
	ReadAt       *time.Time
	CreatedAt    time.Time
}

// DeliveryAttempt records one channel try for a notification
type DeliveryAttempt struct {
	ID             int64
	NotificationID string
	Channel        string
	Outcome        string
	Error          string
	AttemptedAt    time.Time
}

// ChannelPreference holds a recipient's ordered channel choice
type ChannelPreference struct {
	RecipientID string
	Channels    []string
	UpdatedAt   time.Time
}
