// Package models defines the core data structures for RoutinePipe.
//
// It includes the task and hobby records collected by the assistant, the message log,
// inbound chat messages and the JSON envelope shared by all API responses.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority is the scheduling priority of a task.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// IsValid reports whether p is one of the supported priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Validation constants for record input
const (
	// MaxNameLength is the maximum length of task names, hobby names and categories
	MaxNameLength = 255
	// MaxMessageLength is the maximum accepted length of a single chat message
	MaxMessageLength = 4096
)

// ErrValidation is wrapped by every record validation failure so callers can
// tell rejected input apart from storage faults.
var ErrValidation = errors.New("validation failed")

// Error variables for record validation
var (
	ErrEmptyTaskName       = fmt.Errorf("%w: task name cannot be empty", ErrValidation)
	ErrNameTooLong         = fmt.Errorf("%w: name exceeds maximum length", ErrValidation)
	ErrNonPositiveDuration = fmt.Errorf("%w: time required must be positive", ErrValidation)
	ErrNoDays              = fmt.Errorf("%w: at least one day is required", ErrValidation)
	ErrInvalidDay          = fmt.Errorf("%w: invalid day name", ErrValidation)
	ErrInvalidPriority     = fmt.Errorf("%w: priority must be High, Medium, or Low", ErrValidation)
	ErrMissingTimeSlot     = fmt.Errorf("%w: fixed-time tasks need a time slot", ErrValidation)
	ErrUnexpectedTimeSlot  = fmt.Errorf("%w: time slot given for a flexible task", ErrValidation)
	ErrEmptyHobbyName      = fmt.Errorf("%w: hobby name cannot be empty", ErrValidation)
	ErrEmptyCategory       = fmt.Errorf("%w: hobby category cannot be empty", ErrValidation)
	ErrEmptyUserID         = fmt.Errorf("%w: user id cannot be empty", ErrValidation)
)

// Weekdays lists the accepted day names in calendar order.
var Weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// IsWeekday reports whether s is exactly one of the English weekday names.
func IsWeekday(s string) bool {
	for _, d := range Weekdays {
		if s == d {
			return true
		}
	}
	return false
}

// Task is a recurring activity owned by a user.
type Task struct {
	ID             int64         `json:"id"`
	UserID         string        `json:"user_id"`
	TaskName       string        `json:"task_name"`
	TimeRequired   time.Duration `json:"time_required"`
	DaysAssociated []string      `json:"days_associated"`
	Priority       Priority      `json:"priority"`
	IsFixedTime    bool          `json:"is_fixed_time"`
	FixedTimeSlot  string        `json:"fixed_time_slot,omitempty"` // HH:MM:SS, empty for flexible tasks
	CreatedAt      time.Time     `json:"created_at"`
}

// Validate checks the task before it is persisted.
func (t *Task) Validate() error {
	if t.UserID == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(t.TaskName) == "" {
		return ErrEmptyTaskName
	}
	if len(t.TaskName) > MaxNameLength {
		return ErrNameTooLong
	}
	if t.TimeRequired <= 0 {
		return ErrNonPositiveDuration
	}
	if len(t.DaysAssociated) == 0 {
		return ErrNoDays
	}
	for _, d := range t.DaysAssociated {
		if !IsWeekday(d) {
			return fmt.Errorf("%w: %q", ErrInvalidDay, d)
		}
	}
	if !t.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if t.IsFixedTime && t.FixedTimeSlot == "" {
		return ErrMissingTimeSlot
	}
	if !t.IsFixedTime && t.FixedTimeSlot != "" {
		return ErrUnexpectedTimeSlot
	}
	return nil
}

// Hobby is a shared hobby definition, unique by (name, category).
type Hobby struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Validate checks the hobby before it is persisted.
func (h *Hobby) Validate() error {
	if strings.TrimSpace(h.Name) == "" {
		return ErrEmptyHobbyName
	}
	if strings.TrimSpace(h.Category) == "" {
		return ErrEmptyCategory
	}
	if len(h.Name) > MaxNameLength || len(h.Category) > MaxNameLength {
		return ErrNameTooLong
	}
	return nil
}

// HobbyLink is the result of attaching a hobby to a user.
type HobbyLink struct {
	Hobby        Hobby     `json:"hobby"`
	UserID       string    `json:"user_id"`
	AddedOn      time.Time `json:"added_on"`
	AlreadyOwned bool      `json:"already_owned"` // the user had this hobby before the call
}

// Message is one entry of a conversation's message log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	IsUser         bool      `json:"is_user"`
	CreatedAt      time.Time `json:"created_at"`
}

// Response represents an incoming chat message from a user on a messaging channel.
type Response struct {
	ID   string `json:"id,omitempty"` // channel message id, used for de-duplication
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
