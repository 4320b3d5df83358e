package domain

import (
	"time"

	"github.com/google/uuid"
)

// Email is a rendered reminder ready for the notifier.
type Email struct {
	To      string
	Subject string
	HTML    string

	// IdempotencyKey lets the provider drop repeated sends of the same reminder.
	IdempotencyKey string
}

// SendResult describes a single accepted send.
type SendResult struct {
	MessageID  string // provider's id, may be empty
	StatusCode int
	Duration   time.Duration
}

// DeliveryAttempt is one entry in the append-only delivery log.
type DeliveryAttempt struct {
	ID      uuid.UUID
	BlockID uuid.UUID

	Recipient string
	MessageID string
	Succeeded bool
	Error     string

	StartedAt  time.Time
	FinishedAt time.Time
}
