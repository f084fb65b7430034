package models

import (
	"errors"
	"strings"
)

// Request validation errors
var (
	ErrEmptyMessage   = errors.New("message is required")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	UserID string `json:"user_id"`
}

// Validate checks the request.
func (r *CreateConversationRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// CreateConversationResponse is returned when a conversation is opened.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PostMessageRequest is the body of POST /conversations/{id}/messages.
type PostMessageRequest struct {
	Message string `json:"message"`
}

// Validate checks the request.
func (r *PostMessageRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// PostMessageResponse carries the assistant's reply.
type PostMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}
