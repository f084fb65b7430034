// Package models defines the persisted dialogue state for RoutinePipe conversations.
package models

import "time"

// DialogueRecord is the storage shape of one conversation's dialogue state.
//
// CollectedFields values are strings for every field kind except booleans,
// which are stored as bool. The map is empty whenever ActiveIntent is empty.
type DialogueRecord struct {
	ConversationID  string         `json:"conversation_id"`
	UserID          string         `json:"user_id"`
	ActiveIntent    string         `json:"active_intent,omitempty"`
	CollectedFields map[string]any `json:"collected_fields,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate the field map freely.
func (r DialogueRecord) Clone() DialogueRecord {
	out := r
	if r.CollectedFields != nil {
		out.CollectedFields = make(map[string]any, len(r.CollectedFields))
		for k, v := range r.CollectedFields {
			out.CollectedFields[k] = v
		}
	}
	return out
}
