package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Recipient, &m.Body, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanTask reads the columns selected by taskColumns.
func scanTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var seconds int64
	var daysJSON string
	var priority string
	var slot sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.TaskName, &seconds, &daysJSON, &priority, &t.IsFixedTime, &slot, &t.CreatedAt)
	if err != nil {
		return t, fmt.Errorf("scan task failed: %w", err)
	}
	t.TimeRequired = time.Duration(seconds) * time.Second
	t.Priority = models.Priority(priority)
	t.FixedTimeSlot = slot.String
	if err := json.Unmarshal([]byte(daysJSON), &t.DaysAssociated); err != nil {
		return t, fmt.Errorf("decode days for task %d: %w", t.ID, err)
	}
	return t, nil
}

const taskColumns = `id, user_id, task_name, time_required_seconds, days_associated, priority, is_fixed_time, fixed_time_slot, created_at`

const outboxColumns = `id, conversation_id, recipient, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// encodeFields serializes collected dialogue fields for storage.
func encodeFields(fields map[string]any) ([]byte, error) {
	if len(fields) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(fields)
}

// decodeFields is the inverse of encodeFields. An empty payload yields an empty map.
func decodeFields(data []byte) (map[string]any, error) {
	fields := make(map[string]any)
	if len(data) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}
