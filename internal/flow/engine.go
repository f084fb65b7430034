// Package flow implements RoutinePipe's slot-filling dialogue engine.
//
// A conversation is either idle or collecting the fields of one intent. Each inbound
// message either starts an intent, answers the next missing field, or is routed to a
// listing or to the general responder. Completed intents are committed to the record store.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// RecordStore is the persistence the engine commits finished intents to. store.Store satisfies it.
type RecordStore interface {
	CreateTask(userID string, task models.Task) (models.Task, error)
	CreateHobby(userID, name, category string) (models.HobbyLink, error)
	ListTasks(userID string) ([]models.Task, error)
	ListHobbies(userID string) ([]models.Hobby, error)
}

// Engine is the per-conversation dialogue state machine. It holds no locks:
// callers must not process two messages of one conversation concurrently (see Dispatcher).
type Engine struct {
	states     StateManager
	records    RecordStore
	classifier IntentClassifier
	responder  GeneralResponder
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClassifier replaces the default phrase classifier.
func WithClassifier(c IntentClassifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithResponder sets the general chat responder. Without one, general chat gets the capability message.
func WithResponder(r GeneralResponder) EngineOption {
	return func(e *Engine) { e.responder = r }
}

// NewEngine creates an engine over the given state manager and record store.
func NewEngine(states StateManager, records RecordStore, opts ...EngineOption) *Engine {
	e := &Engine{states: states, records: records, classifier: NewPhraseClassifier()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessMessage handles one inbound message and returns the reply. It never fails:
// any error or panic resets the conversation and yields MsgStartOver.
func (e *Engine) ProcessMessage(ctx context.Context, conversationID, text string) (reply string) {
	defer func() {
		if r := recover(); r != nil {
			reply = e.recoverConversation(ctx, conversationID, fmt.Errorf("panic: %v", r))
		}
	}()

	reply, err := e.process(ctx, conversationID, text)
	if err != nil {
		return e.recoverConversation(ctx, conversationID, err)
	}
	return reply
}

// recoverConversation is the single adapter from unhandled errors to the reset-and-apologize reply.
func (e *Engine) recoverConversation(ctx context.Context, conversationID string, cause error) string {
	slog.Error("Engine ProcessMessage failed, resetting conversation", "error", cause, "conversationID", conversationID)
	if err := e.states.Reset(ctx, conversationID); err != nil {
		slog.Error("Engine recoverConversation reset failed", "error", err, "conversationID", conversationID)
	}
	return MsgStartOver
}

func (e *Engine) process(ctx context.Context, conversationID, text string) (string, error) {
	state, err := e.states.Load(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if state.IsIdle() {
		return e.routeIdle(ctx, state, text)
	}
	return e.collect(ctx, state, text)
}

func (e *Engine) routeIdle(ctx context.Context, state DialogueState, text string) (string, error) {
	route, err := e.classifier.Classify(ctx, text)
	if err != nil {
		slog.Warn("Engine classifier failed, degrading", "error", err, "conversationID", state.ConversationID)
		return MsgCapabilities, nil
	}
	slog.Debug("Engine routeIdle", "conversationID", state.ConversationID, "route", route)

	switch route {
	case RouteStartTask:
		return e.begin(ctx, state, IntentCreateTask)
	case RouteStartHobby:
		return e.begin(ctx, state, IntentCreateHobby)
	case RouteListTasks:
		tasks, err := e.records.ListTasks(state.UserID)
		if err != nil {
			slog.Warn("Engine ListTasks failed, degrading", "error", err, "userID", state.UserID)
			return MsgCapabilities, nil
		}
		return formatTaskList(tasks), nil
	case RouteListHobbies:
		hobbies, err := e.records.ListHobbies(state.UserID)
		if err != nil {
			slog.Warn("Engine ListHobbies failed, degrading", "error", err, "userID", state.UserID)
			return MsgCapabilities, nil
		}
		return formatHobbyList(hobbies), nil
	default:
		return e.chat(ctx, state, text), nil
	}
}

func (e *Engine) begin(ctx context.Context, state DialogueState, intent Intent) (string, error) {
	if err := e.states.Save(ctx, state.Begin(intent)); err != nil {
		return "", err
	}
	slog.Info("Engine started intent", "conversationID", state.ConversationID, "intent", intent)
	return StartPrompt(intent), nil
}

func (e *Engine) chat(ctx context.Context, state DialogueState, text string) string {
	if e.responder == nil {
		return MsgCapabilities
	}
	reply, err := e.responder.Respond(ctx, state.ConversationID, text)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Warn("Engine general responder failed, degrading", "error", err, "conversationID", state.ConversationID)
		return MsgCapabilities
	}
	lower := strings.ToLower(reply)
	for _, kw := range suggestionKeywords {
		if strings.Contains(lower, kw) {
			return reply
		}
	}
	return reply + MsgSuggestionsFooter
}

func (e *Engine) collect(ctx context.Context, state DialogueState, text string) (string, error) {
	if isAbandon(text) {
		if err := e.states.Reset(ctx, state.ConversationID); err != nil {
			return "", err
		}
		slog.Info("Engine intent abandoned", "conversationID", state.ConversationID, "intent", state.ActiveIntent)
		return cancelPrompts[state.ActiveIntent], nil
	}

	missing := state.Missing()
	if len(missing) == 0 {
		return e.finalize(ctx, state)
	}

	field := missing[0]
	value, ok := ParseField(field, text)
	if !ok {
		slog.Debug("Engine rejected field input", "conversationID", state.ConversationID, "field", field)
		return InvalidPrompt(field), nil
	}

	next := state.With(field, value)
	if err := e.states.Save(ctx, next); err != nil {
		return "", err
	}
	slog.Debug("Engine accepted field", "conversationID", state.ConversationID, "field", field, "value", value.String())

	if missing = next.Missing(); len(missing) > 0 {
		return NextPrompt(missing[0]), nil
	}
	return e.finalize(ctx, next)
}

// finalize commits the collected record and resets the conversation whatever the outcome.
// It is never retried.
func (e *Engine) finalize(ctx context.Context, state DialogueState) (string, error) {
	reply, commitErr := e.commit(state)
	if err := e.states.Reset(ctx, state.ConversationID); err != nil {
		return "", err
	}
	if commitErr != nil {
		slog.Warn("Engine finalize failed", "error", commitErr, "conversationID", state.ConversationID, "intent", state.ActiveIntent)
		if errors.Is(commitErr, models.ErrValidation) {
			return fmt.Sprintf("Error saving to database: %v", commitErr), nil
		}
		return fmt.Sprintf("Unexpected error: %v", commitErr), nil
	}
	slog.Info("Engine finalize succeeded", "conversationID", state.ConversationID, "intent", state.ActiveIntent)
	return reply, nil
}

func (e *Engine) commit(state DialogueState) (string, error) {
	switch state.ActiveIntent {
	case IntentCreateTask:
		task, err := e.records.CreateTask(state.UserID, TaskFromFields(state.Collected))
		if err != nil {
			return "", err
		}
		return taskCreatedMessage(task), nil
	case IntentCreateHobby:
		link, err := e.records.CreateHobby(state.UserID,
			state.Collected[FieldHobbyName].Text(), state.Collected[FieldCategory].Text())
		if err != nil {
			return "", err
		}
		return hobbyAddedMessage(link), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIntent, state.ActiveIntent)
	}
}

// TaskFromFields assembles a task from a complete create_task field map.
func TaskFromFields(collected map[FieldName]FieldValue) models.Task {
	task := models.Task{
		TaskName:       collected[FieldTaskName].Text(),
		TimeRequired:   collected[FieldTimeRequired].Duration(),
		DaysAssociated: collected[FieldDaysAssociated].Days(),
		Priority:       collected[FieldPriority].Priority(),
		IsFixedTime:    collected[FieldIsFixedTime].Bool(),
	}
	if task.IsFixedTime {
		task.FixedTimeSlot = collected[FieldFixedTimeSlot].ClockTime()
	}
	return task
}
