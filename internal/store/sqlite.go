package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY between concurrent conversations.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveDialogueState stores or replaces the dialogue state of a conversation.
func (s *SQLiteStore) SaveDialogueState(rec models.DialogueRecord) error {
	fields, err := encodeFields(rec.CollectedFields)
	if err != nil {
		slog.Error("SQLiteStore SaveDialogueState JSON marshal failed", "error", err, "conversationID", rec.ConversationID)
		return err
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO dialogue_states (conversation_id, user_id, active_intent, collected_fields, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.UserID, rec.ActiveIntent, string(fields), rec.CreatedAt, now,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveDialogueState failed", "error", err, "conversationID", rec.ConversationID)
		return err
	}
	slog.Debug("SQLiteStore SaveDialogueState succeeded", "conversationID", rec.ConversationID, "intent", rec.ActiveIntent)
	return nil
}

// GetDialogueState retrieves the dialogue state of a conversation.
func (s *SQLiteStore) GetDialogueState(conversationID string) (*models.DialogueRecord, error) {
	var rec models.DialogueRecord
	var fields []byte
	err := s.db.QueryRow(
		`SELECT conversation_id, user_id, active_intent, collected_fields, created_at, updated_at
		 FROM dialogue_states WHERE conversation_id = ?`, conversationID,
	).Scan(&rec.ConversationID, &rec.UserID, &rec.ActiveIntent, &fields, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDialogueState failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	if rec.CollectedFields, err = decodeFields(fields); err != nil {
		return nil, fmt.Errorf("decode collected fields for %s: %w", conversationID, err)
	}
	return &rec, nil
}

// CreateTask validates and inserts a task.
func (s *SQLiteStore) CreateTask(userID string, task models.Task) (models.Task, error) {
	task.UserID = userID
	if err := task.Validate(); err != nil {
		return models.Task{}, err
	}
	days, err := json.Marshal(task.DaysAssociated)
	if err != nil {
		return models.Task{}, err
	}
	task.CreatedAt = time.Now()
	result, err := s.db.Exec(
		`INSERT INTO tasks (user_id, task_name, time_required_seconds, days_associated, priority, is_fixed_time, fixed_time_slot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, task.TaskName, int64(task.TimeRequired/time.Second), string(days), string(task.Priority),
		task.IsFixedTime, nilIfEmpty(task.FixedTimeSlot), task.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateTask failed", "error", err, "userID", userID)
		return models.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	if task.ID, err = result.LastInsertId(); err != nil {
		return models.Task{}, err
	}
	slog.Debug("SQLiteStore CreateTask succeeded", "userID", userID, "taskID", task.ID)
	return task, nil
}

// CreateHobby gets or creates the (name, category) hobby and links it to the user.
func (s *SQLiteStore) CreateHobby(userID, name, category string) (models.HobbyLink, error) {
	if userID == "" {
		return models.HobbyLink{}, models.ErrEmptyUserID
	}
	h := models.Hobby{Name: name, Category: category}
	if err := h.Validate(); err != nil {
		return models.HobbyLink{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return models.HobbyLink{}, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO hobbies (name, category) VALUES (?, ?)`, name, category); err != nil {
		return models.HobbyLink{}, fmt.Errorf("failed to insert hobby: %w", err)
	}
	if err := tx.QueryRow(`SELECT id FROM hobbies WHERE name = ? AND category = ?`, name, category).Scan(&h.ID); err != nil {
		return models.HobbyLink{}, fmt.Errorf("failed to look up hobby: %w", err)
	}

	link := models.HobbyLink{Hobby: h, UserID: userID, AddedOn: time.Now()}
	result, err := tx.Exec(
		`INSERT OR IGNORE INTO user_hobbies (user_id, hobby_id, added_on) VALUES (?, ?, ?)`,
		userID, h.ID, link.AddedOn,
	)
	if err != nil {
		return models.HobbyLink{}, fmt.Errorf("failed to link hobby: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		link.AlreadyOwned = true
		if err := tx.QueryRow(`SELECT added_on FROM user_hobbies WHERE user_id = ? AND hobby_id = ?`, userID, h.ID).Scan(&link.AddedOn); err != nil {
			return models.HobbyLink{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.HobbyLink{}, err
	}
	slog.Debug("SQLiteStore CreateHobby succeeded", "userID", userID, "hobbyID", h.ID, "alreadyOwned", link.AlreadyOwned)
	return link, nil
}

func (s *SQLiteStore) ListTasks(userID string) ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListTasks query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) ListHobbies(userID string) ([]models.Hobby, error) {
	rows, err := s.db.Query(
		`SELECT h.id, h.name, h.category FROM hobbies h
		 JOIN user_hobbies uh ON uh.hobby_id = h.id
		 WHERE uh.user_id = ? ORDER BY uh.added_on ASC, h.id ASC`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListHobbies query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query hobbies: %w", err)
	}
	defer rows.Close()

	var hobbies []models.Hobby
	for rows.Next() {
		var h models.Hobby
		if err := rows.Scan(&h.ID, &h.Name, &h.Category); err != nil {
			return nil, fmt.Errorf("failed to scan hobby row: %w", err)
		}
		hobbies = append(hobbies, h)
	}
	return hobbies, rows.Err()
}

func (s *SQLiteStore) AddMessage(msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, content, is_user, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Content, msg.IsUser, msg.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversationID", msg.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := s.db.Query(
		`SELECT id, conversation_id, content, is_user, created_at FROM (
		   SELECT seq, id, conversation_id, content, is_user, created_at FROM messages
		   WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.IsUser, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
