package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// StateStore is the persistence the state manager needs. store.Store satisfies it.
type StateStore interface {
	SaveDialogueState(rec models.DialogueRecord) error
	GetDialogueState(conversationID string) (*models.DialogueRecord, error)
}

// StateManager loads and saves per-conversation dialogue state.
type StateManager interface {
	// Load returns the conversation's state, creating an idle one on first use.
	Load(ctx context.Context, conversationID string) (DialogueState, error)
	Save(ctx context.Context, state DialogueState) error
	// Reset clears the active intent and collected fields, keeping the owner.
	Reset(ctx context.Context, conversationID string) error
	// Open binds a conversation to a user, creating it idle if needed.
	Open(ctx context.Context, conversationID, userID string) error
}

// StoreBasedStateManager implements StateManager using a StateStore backend.
type StoreBasedStateManager struct {
	store StateStore
}

// NewStoreBasedStateManager creates a new StateManager backed by a store.
func NewStoreBasedStateManager(st StateStore) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

func (sm *StoreBasedStateManager) Load(ctx context.Context, conversationID string) (DialogueState, error) {
	rec, err := sm.store.GetDialogueState(conversationID)
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "conversationID", conversationID)
		return DialogueState{}, fmt.Errorf("load dialogue state: %w", err)
	}
	if rec == nil {
		state := DialogueState{ConversationID: conversationID, UserID: conversationID}.Idle()
		if err := sm.Save(ctx, state); err != nil {
			return DialogueState{}, err
		}
		slog.Debug("StateManager Load created idle state", "conversationID", conversationID)
		return state, nil
	}
	state, err := fromRecord(*rec)
	if err != nil {
		slog.Error("StateManager Load decode error", "error", err, "conversationID", conversationID)
		return DialogueState{}, err
	}
	return state, nil
}

func (sm *StoreBasedStateManager) Save(ctx context.Context, state DialogueState) error {
	rec, err := sm.existingOrNew(state.ConversationID, state.UserID)
	if err != nil {
		return err
	}
	rec.UserID = state.UserID
	rec.ActiveIntent = string(state.ActiveIntent)
	rec.CollectedFields = make(map[string]any, len(state.Collected))
	if !state.IsIdle() {
		for f, v := range state.Collected {
			rec.CollectedFields[string(f)] = v.Persisted()
		}
	}
	rec.UpdatedAt = time.Now()
	if err := sm.store.SaveDialogueState(rec); err != nil {
		slog.Error("StateManager Save error", "error", err, "conversationID", state.ConversationID, "intent", state.ActiveIntent)
		return fmt.Errorf("save dialogue state: %w", err)
	}
	slog.Debug("StateManager Save succeeded", "conversationID", state.ConversationID, "intent", state.ActiveIntent, "fields", len(state.Collected))
	return nil
}

func (sm *StoreBasedStateManager) Reset(ctx context.Context, conversationID string) error {
	userID := conversationID
	if rec, err := sm.store.GetDialogueState(conversationID); err != nil {
		slog.Warn("StateManager Reset could not read owner, keeping conversation id", "error", err, "conversationID", conversationID)
	} else if rec != nil && rec.UserID != "" {
		userID = rec.UserID
	}
	state := DialogueState{ConversationID: conversationID, UserID: userID}.Idle()
	if err := sm.Save(ctx, state); err != nil {
		return err
	}
	slog.Debug("StateManager Reset succeeded", "conversationID", conversationID)
	return nil
}

func (sm *StoreBasedStateManager) Open(ctx context.Context, conversationID, userID string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	rec, err := sm.store.GetDialogueState(conversationID)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if rec != nil && rec.UserID == userID {
		return nil
	}
	if rec == nil {
		rec = &models.DialogueRecord{ConversationID: conversationID, CreatedAt: time.Now(), CollectedFields: map[string]any{}}
	}
	rec.UserID = userID
	rec.UpdatedAt = time.Now()
	if err := sm.store.SaveDialogueState(*rec); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	slog.Info("StateManager Open bound conversation", "conversationID", conversationID, "userID", userID)
	return nil
}

func (sm *StoreBasedStateManager) existingOrNew(conversationID, userID string) (models.DialogueRecord, error) {
	rec, err := sm.store.GetDialogueState(conversationID)
	if err != nil {
		return models.DialogueRecord{}, fmt.Errorf("save dialogue state: %w", err)
	}
	if rec == nil {
		return models.DialogueRecord{ConversationID: conversationID, UserID: userID, CreatedAt: time.Now()}, nil
	}
	return *rec, nil
}

// fromRecord rebuilds a DialogueState, re-validating every stored field.
func fromRecord(rec models.DialogueRecord) (DialogueState, error) {
	intent, err := ParseIntent(rec.ActiveIntent)
	if err != nil {
		return DialogueState{}, err
	}
	state := DialogueState{ConversationID: rec.ConversationID, UserID: rec.UserID}.Begin(intent)
	if rec.UserID == "" {
		state.UserID = rec.ConversationID
	}
	if intent == IntentNone {
		if len(rec.CollectedFields) > 0 {
			return DialogueState{}, fmt.Errorf("idle conversation %s has %d collected fields", rec.ConversationID, len(rec.CollectedFields))
		}
		return state, nil
	}
	for key, raw := range rec.CollectedFields {
		f := FieldName(key)
		if !isSchemaField(intent, f) {
			return DialogueState{}, fmt.Errorf("field %q does not belong to %s", key, intent)
		}
		v, ok := FromPersisted(f, raw)
		if !ok {
			return DialogueState{}, fmt.Errorf("stored value for %q is not valid", key)
		}
		state.Collected[f] = v
	}
	return state, nil
}
