package flow

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// FieldKind is the semantic type of one collected field.
type FieldKind int

const (
	KindText FieldKind = iota + 1
	KindDuration
	KindWeekdays
	KindPriority
	KindBoolean
	KindClockTime
)

func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindDuration:
		return "duration"
	case KindWeekdays:
		return "weekdays"
	case KindPriority:
		return "priority"
	case KindBoolean:
		return "boolean"
	case KindClockTime:
		return "clock_time"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// FieldName identifies a field of an intent.
type FieldName string

const (
	FieldTaskName       FieldName = "task_name"
	FieldTimeRequired   FieldName = "time_required"
	FieldDaysAssociated FieldName = "days_associated"
	FieldPriority       FieldName = "priority"
	FieldIsFixedTime    FieldName = "is_fixed_time"
	FieldFixedTimeSlot  FieldName = "fixed_time_slot"
	FieldHobbyName      FieldName = "name"
	FieldCategory       FieldName = "category"
)

// Kind returns the field's kind. ok is false for names no intent declares.
func (f FieldName) Kind() (kind FieldKind, ok bool) {
	switch f {
	case FieldTaskName, FieldHobbyName, FieldCategory:
		return KindText, true
	case FieldTimeRequired:
		return KindDuration, true
	case FieldDaysAssociated:
		return KindWeekdays, true
	case FieldPriority:
		return KindPriority, true
	case FieldIsFixedTime:
		return KindBoolean, true
	case FieldFixedTimeSlot:
		return KindClockTime, true
	default:
		return 0, false
	}
}

// FieldValue is a parsed, validated field. Only the member matching kind is meaningful.
type FieldValue struct {
	kind    FieldKind
	text    string // KindText, canonical "HH:MM:SS" for KindClockTime, capitalized KindPriority
	seconds int64  // KindDuration
	days    []string
	flag    bool
}

func TextValue(s string) FieldValue { return FieldValue{kind: KindText, text: s} }

func BoolValue(b bool) FieldValue { return FieldValue{kind: KindBoolean, flag: b} }

func PriorityValue(p models.Priority) FieldValue {
	return FieldValue{kind: KindPriority, text: string(p)}
}

func (v FieldValue) Kind() FieldKind { return v.kind }

// Text returns the trimmed text of a KindText value.
func (v FieldValue) Text() string { return v.text }

// Duration returns the span of a KindDuration value.
func (v FieldValue) Duration() time.Duration { return time.Duration(v.seconds) * time.Second }

// Days returns a copy of the weekday list of a KindWeekdays value.
func (v FieldValue) Days() []string { return append([]string(nil), v.days...) }

func (v FieldValue) Priority() models.Priority { return models.Priority(v.text) }

func (v FieldValue) Bool() bool { return v.flag }

// ClockTime returns the "HH:MM:SS" form of a KindClockTime value.
func (v FieldValue) ClockTime() string { return v.text }

// String returns the canonical text form, which Parse accepts back unchanged.
func (v FieldValue) String() string {
	switch v.kind {
	case KindText, KindPriority, KindClockTime:
		return v.text
	case KindDuration:
		return formatHMS(v.seconds)
	case KindWeekdays:
		return strings.Join(v.days, ", ")
	case KindBoolean:
		if v.flag {
			return "yes"
		}
		return "no"
	default:
		return ""
	}
}

// Persisted returns the stored representation: bool for booleans, the canonical string otherwise.
func (v FieldValue) Persisted() any {
	if v.kind == KindBoolean {
		return v.flag
	}
	return v.String()
}

// Equal reports whether two values have the same kind and canonical form.
func (v FieldValue) Equal(o FieldValue) bool {
	return v.kind == o.kind && v.String() == o.String()
}

// ParseField parses raw user text for the named field.
func ParseField(name FieldName, raw string) (FieldValue, bool) {
	kind, ok := name.Kind()
	if !ok {
		return FieldValue{}, false
	}
	return Parse(kind, raw)
}

// Parse converts free text into a value of the given kind. Malformed input yields false.
func Parse(kind FieldKind, raw string) (FieldValue, bool) {
	s := strings.TrimSpace(raw)
	switch kind {
	case KindText:
		if s == "" || len(s) > models.MaxNameLength {
			return FieldValue{}, false
		}
		return TextValue(s), true
	case KindDuration:
		secs, ok := parseDurationSeconds(s)
		if !ok {
			return FieldValue{}, false
		}
		return FieldValue{kind: KindDuration, seconds: secs}, true
	case KindWeekdays:
		days, ok := parseWeekdays(s)
		if !ok {
			return FieldValue{}, false
		}
		return FieldValue{kind: KindWeekdays, days: days}, true
	case KindPriority:
		p := models.Priority(capitalize(s))
		if !p.IsValid() {
			return FieldValue{}, false
		}
		return PriorityValue(p), true
	case KindBoolean:
		switch strings.ToLower(s) {
		case "yes", "y", "true":
			return BoolValue(true), true
		case "no", "n", "false":
			return BoolValue(false), true
		}
		return FieldValue{}, false
	case KindClockTime:
		slot, ok := parseClockTime(s)
		if !ok {
			return FieldValue{}, false
		}
		return FieldValue{kind: KindClockTime, text: slot}, true
	default:
		return FieldValue{}, false
	}
}

// FromPersisted rebuilds a value from its stored representation.
func FromPersisted(name FieldName, stored any) (FieldValue, bool) {
	kind, ok := name.Kind()
	if !ok {
		return FieldValue{}, false
	}
	switch v := stored.(type) {
	case bool:
		if kind != KindBoolean {
			return FieldValue{}, false
		}
		return BoolValue(v), true
	case string:
		return Parse(kind, v)
	default:
		return FieldValue{}, false
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

var daySeparator = regexp.MustCompile(`[,\s]+`)

// parseWeekdays requires every token to be an exact weekday name. Duplicates are dropped.
func parseWeekdays(s string) ([]string, bool) {
	if s == "" {
		return nil, false
	}
	var days []string
	seen := make(map[string]bool, len(models.Weekdays))
	for _, tok := range daySeparator.Split(s, -1) {
		if !models.IsWeekday(tok) {
			return nil, false
		}
		if !seen[tok] {
			seen[tok] = true
			days = append(days, tok)
		}
	}
	return days, true
}

// maxDurationSeconds keeps every accepted duration representable as a time.Duration.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

var (
	// [D day[s][,]] [[H:]M:]S[.ffffff]
	clockDurationRe = regexp.MustCompile(`^(?:(\d+)\s+days?,?\s*)?(?:(?:(\d+):)?(\d+):)?(\d+)(?:[.,](\d{1,6}))?$`)
	daysOnlyRe      = regexp.MustCompile(`^(\d+)\s+days?$`)
	isoDurationRe   = regexp.MustCompile(`^[Pp](?:(\d+)[Dd])?(?:[Tt](?:(\d+)[Hh])?(?:(\d+)[Mm])?(?:(\d+)[Ss])?)?$`)
)

// parseDurationSeconds accepts clock-style, ISO-8601 and Go unit durations.
// The result must be a strictly positive whole number of seconds.
func parseDurationSeconds(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var total int64
	var ok bool
	switch {
	case clockDurationRe.MatchString(s):
		total, ok = clockDuration(clockDurationRe.FindStringSubmatch(s))
	case daysOnlyRe.MatchString(s):
		total, ok = sumUnits([]string{daysOnlyRe.FindStringSubmatch(s)[1]}, []int64{86400})
	case isoDurationRe.MatchString(s) && len(s) > 1 && !strings.HasSuffix(strings.ToUpper(s), "T"):
		m := isoDurationRe.FindStringSubmatch(s)
		total, ok = sumUnits(m[1:5], []int64{86400, 3600, 60, 1})
	default:
		total, ok = goDuration(s)
	}
	if !ok || total <= 0 {
		return 0, false
	}
	return total, true
}

func clockDuration(m []string) (int64, bool) {
	// m: full, days, hours, minutes, seconds, fraction
	if m[5] != "" && strings.Trim(m[5], "0") != "" {
		return 0, false
	}
	multiPart := m[3] != ""
	if multiPart {
		if !below60(m[4]) || (m[2] != "" && !below60(m[3])) {
			return 0, false
		}
	}
	return sumUnits([]string{m[1], m[2], m[3], m[4]}, []int64{86400, 3600, 60, 1})
}

func below60(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n < 60
}

// sumUnits adds each numeric component times its unit, rejecting overflow. Empty components count as zero.
func sumUnits(parts []string, units []int64) (int64, bool) {
	var total int64
	for i, p := range parts {
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n > (maxDurationSeconds-total)/units[i] {
			return 0, false
		}
		total += n * units[i]
	}
	return total, true
}

func goDuration(s string) (int64, bool) {
	if !strings.ContainsAny(s, "hms") {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d%time.Second != 0 {
		return 0, false
	}
	return int64(d / time.Second), true
}

func formatHMS(total int64) string {
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// H:MM[:SS[.ffffff]]
var clockTimeRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2})(?:[.,]\d{1,6})?)?$`)

// parseClockTime normalizes a time of day to "HH:MM:SS"; fractional seconds are truncated.
func parseClockTime(s string) (string, bool) {
	m := clockTimeRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	sec := 0
	if m[3] != "" {
		sec, _ = strconv.Atoi(m[3])
	}
	if h > 23 || mins > 59 || sec > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, mins, sec), true
}
