package store

import (
	"time"
)

// DedupRecord represents an inbound channel message that has been seen.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo records inbound channel message ids so redelivered webhooks and
// reconnect replays are answered only once.
type DedupRepo interface {
	// IsDuplicate reports whether the message id was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(messageID, conversationID string) (bool, error)

	// MarkProcessed stamps processed_at once the reply has been queued.
	MarkProcessed(messageID string) error
}
