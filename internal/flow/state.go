package flow

import (
	"maps"
)

// DialogueState is the in-memory view of a conversation's dialogue record.
// Collected is non-empty only while ActiveIntent is set.
type DialogueState struct {
	ConversationID string
	UserID         string
	ActiveIntent   Intent
	Collected      map[FieldName]FieldValue
}

// IsIdle reports whether no collection is in progress.
func (s DialogueState) IsIdle() bool {
	return s.ActiveIntent == IntentNone
}

// Idle returns s with the intent and every collected field cleared.
func (s DialogueState) Idle() DialogueState {
	s.ActiveIntent = IntentNone
	s.Collected = map[FieldName]FieldValue{}
	return s
}

// Begin returns s collecting intent from scratch.
func (s DialogueState) Begin(intent Intent) DialogueState {
	s.ActiveIntent = intent
	s.Collected = map[FieldName]FieldValue{}
	return s
}

// With returns a copy of s with f set to v. s itself is not modified.
func (s DialogueState) With(f FieldName, v FieldValue) DialogueState {
	collected := make(map[FieldName]FieldValue, len(s.Collected)+1)
	maps.Copy(collected, s.Collected)
	collected[f] = v
	s.Collected = collected
	return s
}

// Missing returns the fields still to be collected for the active intent.
func (s DialogueState) Missing() []FieldName {
	return MissingFields(s.ActiveIntent, s.Collected)
}
