package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveDialogueState stores or updates the dialogue state of a conversation.
func (s *PostgresStore) SaveDialogueState(rec models.DialogueRecord) error {
	fields, err := encodeFields(rec.CollectedFields)
	if err != nil {
		slog.Error("PostgresStore SaveDialogueState JSON marshal failed", "error", err, "conversationID", rec.ConversationID)
		return err
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT INTO dialogue_states (conversation_id, user_id, active_intent, collected_fields, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id)
		 DO UPDATE SET
			user_id = EXCLUDED.user_id,
			active_intent = EXCLUDED.active_intent,
			collected_fields = EXCLUDED.collected_fields,
			updated_at = EXCLUDED.updated_at`,
		rec.ConversationID, rec.UserID, rec.ActiveIntent, string(fields), rec.CreatedAt, now,
	)
	if err != nil {
		slog.Error("PostgresStore SaveDialogueState failed", "error", err, "conversationID", rec.ConversationID)
		return err
	}
	slog.Debug("PostgresStore SaveDialogueState succeeded", "conversationID", rec.ConversationID, "intent", rec.ActiveIntent)
	return nil
}

// GetDialogueState retrieves the dialogue state of a conversation.
func (s *PostgresStore) GetDialogueState(conversationID string) (*models.DialogueRecord, error) {
	var rec models.DialogueRecord
	var fields []byte
	err := s.db.QueryRow(
		`SELECT conversation_id, user_id, active_intent, collected_fields, created_at, updated_at
		 FROM dialogue_states WHERE conversation_id = $1`, conversationID,
	).Scan(&rec.ConversationID, &rec.UserID, &rec.ActiveIntent, &fields, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDialogueState failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	if rec.CollectedFields, err = decodeFields(fields); err != nil {
		return nil, fmt.Errorf("decode collected fields for %s: %w", conversationID, err)
	}
	return &rec, nil
}

// CreateTask validates and inserts a task.
func (s *PostgresStore) CreateTask(userID string, task models.Task) (models.Task, error) {
	task.UserID = userID
	if err := task.Validate(); err != nil {
		return models.Task{}, err
	}
	days, err := json.Marshal(task.DaysAssociated)
	if err != nil {
		return models.Task{}, err
	}
	task.CreatedAt = time.Now()
	err = s.db.QueryRow(
		`INSERT INTO tasks (user_id, task_name, time_required_seconds, days_associated, priority, is_fixed_time, fixed_time_slot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		userID, task.TaskName, int64(task.TimeRequired/time.Second), string(days), string(task.Priority),
		task.IsFixedTime, nilIfEmpty(task.FixedTimeSlot), task.CreatedAt,
	).Scan(&task.ID)
	if err != nil {
		slog.Error("PostgresStore CreateTask failed", "error", err, "userID", userID)
		return models.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	slog.Debug("PostgresStore CreateTask succeeded", "userID", userID, "taskID", task.ID)
	return task, nil
}

// CreateHobby gets or creates the (name, category) hobby and links it to the user.
func (s *PostgresStore) CreateHobby(userID, name, category string) (models.HobbyLink, error) {
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

	// The no-op update makes RETURNING yield the id of an existing row too.
	err = tx.QueryRow(
		`INSERT INTO hobbies (name, category) VALUES ($1, $2)
		 ON CONFLICT (name, category) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`, name, category,
	).Scan(&h.ID)
	if err != nil {
		return models.HobbyLink{}, fmt.Errorf("failed to upsert hobby: %w", err)
	}

	link := models.HobbyLink{Hobby: h, UserID: userID, AddedOn: time.Now()}
	result, err := tx.Exec(
		`INSERT INTO user_hobbies (user_id, hobby_id, added_on) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, hobby_id) DO NOTHING`,
		userID, h.ID, link.AddedOn,
	)
	if err != nil {
		return models.HobbyLink{}, fmt.Errorf("failed to link hobby: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		link.AlreadyOwned = true
		if err := tx.QueryRow(`SELECT added_on FROM user_hobbies WHERE user_id = $1 AND hobby_id = $2`, userID, h.ID).Scan(&link.AddedOn); err != nil {
			return models.HobbyLink{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return models.HobbyLink{}, err
	}
	slog.Debug("PostgresStore CreateHobby succeeded", "userID", userID, "hobbyID", h.ID, "alreadyOwned", link.AlreadyOwned)
	return link, nil
}

func (s *PostgresStore) ListTasks(userID string) ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE user_id = $1 ORDER BY id ASC`, userID)
	if err != nil {
		slog.Error("PostgresStore ListTasks query failed", "error", err, "userID", userID)
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

func (s *PostgresStore) ListHobbies(userID string) ([]models.Hobby, error) {
	rows, err := s.db.Query(
		`SELECT h.id, h.name, h.category FROM hobbies h
		 JOIN user_hobbies uh ON uh.hobby_id = h.id
		 WHERE uh.user_id = $1 ORDER BY uh.added_on ASC, h.id ASC`, userID)
	if err != nil {
		slog.Error("PostgresStore ListHobbies query failed", "error", err, "userID", userID)
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

func (s *PostgresStore) AddMessage(msg models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, conversation_id, content, is_user, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.Content, msg.IsUser, msg.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversationID", msg.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(conversationID string, limit int) ([]models.Message, error) {
	var limitArg interface{} // NULL means LIMIT ALL
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Query(
		`SELECT id, conversation_id, content, is_user, created_at FROM (
		   SELECT seq, id, conversation_id, content, is_user, created_at FROM messages
		   WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		 ) recent ORDER BY seq ASC`, conversationID, limitArg)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "conversationID", conversationID)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
