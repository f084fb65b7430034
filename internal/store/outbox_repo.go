package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed" // retries exhausted
)

// OutboxMessage is a durable assistant reply waiting to be delivered on a messaging channel.
type OutboxMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Recipient      string       `json:"recipient"`
	Body           string       `json:"body"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at"`
	DedupeKey      string       `json:"dedupe_key"`
	LockedAt       *time.Time   `json:"locked_at"`
	LastError      string       `json:"last_error"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OutboxRepo persists outgoing channel replies so they survive restarts and transient send failures.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new reply. If dedupeKey is non-empty and a
	// pending reply with that key exists, returns the existing ID.
	EnqueueOutboxMessage(conversationID, recipient, body, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued replies whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage records a final send failure; the reply is not retried.
	AbandonOutboxMessage(id string, errMsg string) error

	// RequeueStaleSendingMessages resets replies stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
