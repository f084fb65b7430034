package flow

import (
	"errors"
	"fmt"
)

// Intent is the structured record a conversation is currently collecting.
type Intent string

const (
	IntentNone        Intent = ""
	IntentCreateTask  Intent = "create_task"
	IntentCreateHobby Intent = "create_hobby"
)

// ErrUnknownIntent is returned for intents outside the schema.
var ErrUnknownIntent = errors.New("unknown intent")

// baseFields lists each intent's unconditional fields in prompting order.
var baseFields = map[Intent][]FieldName{
	IntentCreateTask:  {FieldTaskName, FieldTimeRequired, FieldDaysAssociated, FieldPriority, FieldIsFixedTime},
	IntentCreateHobby: {FieldHobbyName, FieldCategory},
}

// ParseIntent validates a stored intent name.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(s); i {
	case IntentNone, IntentCreateTask, IntentCreateHobby:
		return i, nil
	default:
		return IntentNone, fmt.Errorf("%w: %q", ErrUnknownIntent, s)
	}
}

// RequiredFields returns the intent's required fields in order given what has been collected.
// fixed_time_slot is required only once is_fixed_time has been collected as true.
func RequiredFields(intent Intent, collected map[FieldName]FieldValue) []FieldName {
	fields := append([]FieldName(nil), baseFields[intent]...)
	if intent == IntentCreateTask {
		if v, ok := collected[FieldIsFixedTime]; ok && v.Bool() {
			fields = append(fields, FieldFixedTimeSlot)
		}
	}
	return fields
}

// MissingFields returns the required fields not yet collected, in schema order.
func MissingFields(intent Intent, collected map[FieldName]FieldValue) []FieldName {
	var missing []FieldName
	for _, f := range RequiredFields(intent, collected) {
		if _, ok := collected[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// isSchemaField reports whether f can ever be required by intent.
func isSchemaField(intent Intent, f FieldName) bool {
	if intent == IntentCreateTask && f == FieldFixedTimeSlot {
		return true
	}
	for _, base := range baseFields[intent] {
		if base == f {
			return true
		}
	}
	return false
}
