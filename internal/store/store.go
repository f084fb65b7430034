// Package store provides storage backends for RoutinePipe.
//
// It persists per-conversation dialogue state, the task and hobby records the
// assistant creates, the conversation message log, inbound message de-duplication
// records and the outgoing reply outbox. In-memory, SQLite and PostgreSQL
// implementations share the Store interface.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract used by the dialogue engine, the API and the transports.
type Store interface {
	// SaveDialogueState inserts or replaces the dialogue state of a conversation.
	SaveDialogueState(rec models.DialogueRecord) error
	// GetDialogueState returns nil, nil when the conversation has no state yet.
	GetDialogueState(conversationID string) (*models.DialogueRecord, error)

	// CreateTask validates and inserts a task for the user.
	CreateTask(userID string, task models.Task) (models.Task, error)
	// CreateHobby reuses the hobby with the same (name, category) if it exists and links it
	// to the user. Linking an already owned hobby reports AlreadyOwned and adds nothing.
	CreateHobby(userID, name, category string) (models.HobbyLink, error)
	ListTasks(userID string) ([]models.Task, error)
	ListHobbies(userID string) ([]models.Hobby, error)

	// AddMessage appends to a conversation's message log.
	AddMessage(msg models.Message) error
	// GetMessages returns the most recent limit messages, oldest first. limit <= 0 returns all.
	GetMessages(conversationID string, limit int) ([]models.Message, error)

	DedupRepo
	OutboxRepo

	Close() error
}

// Opts holds configuration options for SQL-backed stores.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore is a mutex-guarded Store kept entirely in process memory.
// It is used by tests and when no database DSN is configured.
type InMemoryStore struct {
	mu         sync.RWMutex
	states     map[string]models.DialogueRecord
	tasks      []models.Task
	hobbies    []models.Hobby
	userHobby  map[string]map[int64]time.Time // userID -> hobbyID -> added on
	messages   map[string][]models.Message
	dedup      map[string]*DedupRecord
	outbox     []*OutboxMessage
	nextTaskID int64
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:    make(map[string]models.DialogueRecord),
		userHobby: make(map[string]map[int64]time.Time),
		messages:  make(map[string][]models.Message),
		dedup:     make(map[string]*DedupRecord),
	}
}

func (s *InMemoryStore) SaveDialogueState(rec models.DialogueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[rec.ConversationID] = rec.Clone()
	return nil
}

func (s *InMemoryStore) GetDialogueState(conversationID string) (*models.DialogueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.states[conversationID]
	if !ok {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (s *InMemoryStore) CreateTask(userID string, task models.Task) (models.Task, error) {
	task.UserID = userID
	if err := task.Validate(); err != nil {
		return models.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTaskID++
	task.ID = s.nextTaskID
	task.CreatedAt = time.Now()
	task.DaysAssociated = append([]string(nil), task.DaysAssociated...)
	s.tasks = append(s.tasks, task)
	return task, nil
}

func (s *InMemoryStore) CreateHobby(userID, name, category string) (models.HobbyLink, error) {
	if userID == "" {
		return models.HobbyLink{}, models.ErrEmptyUserID
	}
	h := models.Hobby{Name: name, Category: category}
	if err := h.Validate(); err != nil {
		return models.HobbyLink{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, existing := range s.hobbies {
		if existing.Name == name && existing.Category == category {
			h = existing
			found = true
			break
		}
	}
	if !found {
		h.ID = int64(len(s.hobbies) + 1)
		s.hobbies = append(s.hobbies, h)
	}

	links, ok := s.userHobby[userID]
	if !ok {
		links = make(map[int64]time.Time)
		s.userHobby[userID] = links
	}
	if addedOn, owned := links[h.ID]; owned {
		return models.HobbyLink{Hobby: h, UserID: userID, AddedOn: addedOn, AlreadyOwned: true}, nil
	}
	now := time.Now()
	links[h.ID] = now
	return models.HobbyLink{Hobby: h, UserID: userID, AddedOn: now}, nil
}

func (s *InMemoryStore) ListTasks(userID string) ([]models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Task
	for _, t := range s.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListHobbies(userID string) ([]models.Hobby, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := s.userHobby[userID]
	type owned struct {
		hobby   models.Hobby
		addedOn time.Time
	}
	var list []owned
	for _, h := range s.hobbies {
		if addedOn, ok := links[h.ID]; ok {
			list = append(list, owned{hobby: h, addedOn: addedOn})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].addedOn.Before(list[j].addedOn) })
	out := make([]models.Hobby, 0, len(list))
	for _, o := range list {
		out = append(out, o.hobby)
	}
	return out, nil
}

func (s *InMemoryStore) AddMessage(msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *InMemoryStore) GetMessages(conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]models.Message(nil), all...), nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ConversationID: conversationID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	rec.ProcessedAt = &now
	return nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(conversationID, recipient, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusFailed {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Recipient:      recipient,
		Body:           body,
		Status:         OutboxStatusQueued,
		DedupeKey:      dedupeKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.outbox = append(s.outbox, m)
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if len(out) >= limit {
			break
		}
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &nextAttemptAt
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) AbandonOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of every outbox entry (for tests).
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	return out
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outbox {
		if m.ID == id {
			fn(m)
			m.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) Close() error {
	return nil
}
