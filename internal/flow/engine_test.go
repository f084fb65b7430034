package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// faultyRecords wraps an in-memory store with injectable record failures.
type faultyRecords struct {
	*store.InMemoryStore
	createErr  error
	listErr    error
	panicOnAdd bool
}

func (f *faultyRecords) CreateTask(userID string, task models.Task) (models.Task, error) {
	if f.panicOnAdd {
		panic("driver exploded")
	}
	if f.createErr != nil {
		return models.Task{}, f.createErr
	}
	return f.InMemoryStore.CreateTask(userID, task)
}

func (f *faultyRecords) CreateHobby(userID, name, category string) (models.HobbyLink, error) {
	if f.createErr != nil {
		return models.HobbyLink{}, f.createErr
	}
	return f.InMemoryStore.CreateHobby(userID, name, category)
}

func (f *faultyRecords) ListTasks(userID string) ([]models.Task, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.InMemoryStore.ListTasks(userID)
}

// stubResponder returns a canned reply or error and records calls.
type stubResponder struct {
	reply string
	err   error
	calls int
}

func (s *stubResponder) Respond(ctx context.Context, conversationID, text string) (string, error) {
	s.calls++
	return s.reply, s.err
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (Route, error) {
	return RouteChat, errors.New("classifier offline")
}

type engineFixture struct {
	store   *store.InMemoryStore
	records *faultyRecords
	states  *StoreBasedStateManager
	engine  *Engine
}

func newEngineFixture(opts ...EngineOption) *engineFixture {
	st := store.NewInMemoryStore()
	records := &faultyRecords{InMemoryStore: st}
	states := NewStoreBasedStateManager(st)
	return &engineFixture{store: st, records: records, states: states, engine: NewEngine(states, records, opts...)}
}

func (f *engineFixture) send(t *testing.T, conv, text string) string {
	t.Helper()
	return f.engine.ProcessMessage(context.Background(), conv, text)
}

func (f *engineFixture) record(t *testing.T, conv string) models.DialogueRecord {
	t.Helper()
	rec, err := f.store.GetDialogueState(conv)
	if err != nil || rec == nil {
		t.Fatalf("GetDialogueState(%s) = %v, %v", conv, rec, err)
	}
	return *rec
}

func (f *engineFixture) assertIdle(t *testing.T, conv string) {
	t.Helper()
	rec := f.record(t, conv)
	if rec.ActiveIntent != "" || len(rec.CollectedFields) != 0 {
		t.Errorf("conversation %s not idle: intent=%q fields=%v", conv, rec.ActiveIntent, rec.CollectedFields)
	}
}

// Scenario A: a flexible task is collected one field per turn and committed.
func TestEngineCreatesFlexibleTask(t *testing.T) {
	f := newEngineFixture()
	steps := []struct {
		in, want string
	}{
		{"add task", "Let's create a new task! What's the name of the task?"},
		{"Write report", "How much time is needed (HH:MM:SS)?"},
		{"02:30:00", "Which days (comma-separated)?"},
		{"Monday, Wednesday", "What priority (High/Medium/Low)?"},
		{"High", "Is this a fixed-time task (yes/no)?"},
		{"no", "Task 'Write report' created successfully!"},
	}
	for i, s := range steps {
		if got := f.send(t, "c1", s.in); got != s.want {
			t.Fatalf("step %d (%q): reply = %q, want %q", i, s.in, got, s.want)
		}
		if i == 0 {
			if rec := f.record(t, "c1"); rec.ActiveIntent != string(IntentCreateTask) {
				t.Fatalf("intent after start = %q", rec.ActiveIntent)
			}
		}
		if i > 0 && i < len(steps)-1 {
			if n := len(f.record(t, "c1").CollectedFields); n != i {
				t.Fatalf("step %d: %d fields collected, want %d", i, n, i)
			}
		}
	}
	f.assertIdle(t, "c1")

	tasks, _ := f.store.ListTasks("c1")
	want := []models.Task{{
		UserID:         "c1",
		TaskName:       "Write report",
		TimeRequired:   2*time.Hour + 30*time.Minute,
		DaysAssociated: []string{"Monday", "Wednesday"},
		Priority:       models.PriorityHigh,
	}}
	if diff := cmp.Diff(want, tasks, cmpopts.IgnoreFields(models.Task{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("stored tasks (-want +got):\n%s", diff)
	}
}

// Scenario B: with is_fixed_time collected as true the time slot becomes required.
func TestEngineRequiresSlotForFixedTask(t *testing.T) {
	f := newEngineFixture()
	ctx := context.Background()
	state := DialogueState{ConversationID: "c1", UserID: "alice"}.Begin(IntentCreateTask)
	for field, raw := range map[FieldName]string{
		FieldTaskName: "Standup", FieldTimeRequired: "00:15:00", FieldDaysAssociated: "Monday Friday",
		FieldPriority: "medium", FieldIsFixedTime: "yes",
	} {
		v, ok := ParseField(field, raw)
		if !ok {
			t.Fatalf("ParseField(%s, %q) rejected", field, raw)
		}
		state = state.With(field, v)
	}
	if err := f.states.Save(ctx, state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before := f.record(t, "c1")

	if got := f.send(t, "c1", "9am"); got != InvalidPrompt(FieldFixedTimeSlot) {
		t.Fatalf("reply to 9am = %q", got)
	}
	if diff := cmp.Diff(before, f.record(t, "c1"), ignoreTimestamps); diff != "" {
		t.Fatalf("state changed after rejected slot (-before +after):\n%s", diff)
	}

	if got := f.send(t, "c1", "09:00:00"); got != "Task 'Standup' created successfully!" {
		t.Fatalf("reply to 09:00:00 = %q", got)
	}
	f.assertIdle(t, "c1")
	tasks, _ := f.store.ListTasks("alice")
	if len(tasks) != 1 || !tasks[0].IsFixedTime || tasks[0].FixedTimeSlot != "09:00:00" {
		t.Errorf("stored tasks = %+v", tasks)
	}
}

// Scenario C: a failed commit resets the conversation and is not retried.
func TestEngineFinalizeFailureResets(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		prefix string
	}{
		{"validation", models.ErrNameTooLong, "Error saving to database: "},
		{"other", errors.New("disk I/O error"), "Unexpected error: disk I/O error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			f.records.createErr = tt.err
			f.send(t, "c1", "add hobby")
			f.send(t, "c1", "Chess")
			got := f.send(t, "c1", "Games")
			if !strings.HasPrefix(got, tt.prefix) {
				t.Fatalf("reply = %q, want prefix %q", got, tt.prefix)
			}
			f.assertIdle(t, "c1")

			f.records.createErr = nil
			if got := f.send(t, "c1", "Board games"); strings.HasPrefix(got, "Hobby") {
				t.Errorf("failed commit was replayed: %q", got)
			}
			f.assertIdle(t, "c1")
			if hobbies, _ := f.store.ListHobbies("c1"); len(hobbies) != 0 {
				t.Errorf("hobbies stored after failure: %+v", hobbies)
			}
		})
	}
}

// Invalid input never moves the conversation: same prompt, same state, every time.
func TestEngineRepromptsInvalidInput(t *testing.T) {
	f := newEngineFixture()
	f.send(t, "c1", "new task")
	f.send(t, "c1", "Gym")
	before := f.record(t, "c1")
	for _, bad := range []string{"soon", "0", "Monday", "", "-5m"} {
		if got := f.send(t, "c1", bad); got != InvalidPrompt(FieldTimeRequired) {
			t.Fatalf("reply to %q = %q", bad, got)
		}
		if diff := cmp.Diff(before, f.record(t, "c1"), ignoreTimestamps); diff != "" {
			t.Fatalf("state changed after %q (-before +after):\n%s", bad, diff)
		}
	}
	if got := f.send(t, "c1", "1:00:00"); got != NextPrompt(FieldDaysAssociated) {
		t.Errorf("valid duration reply = %q", got)
	}
	for _, bad := range []string{"Monday, Funday", "monday"} {
		if got := f.send(t, "c1", bad); got != InvalidPrompt(FieldDaysAssociated) {
			t.Errorf("reply to %q = %q", bad, got)
		}
	}
	if _, ok := f.record(t, "c1").CollectedFields["days_associated"]; ok {
		t.Error("partial day list stored")
	}
}

func TestEngineCreatesHobbyIdempotently(t *testing.T) {
	f := newEngineFixture()
	for _, want := range []string{"Hobby 'Chess' added to your profile!", "You already have 'Chess' in your hobbies!"} {
		if got := f.send(t, "c1", "Add Hobby please"); got != StartPrompt(IntentCreateHobby) {
			t.Fatalf("start reply = %q", got)
		}
		if got := f.send(t, "c1", "Chess"); got != NextPrompt(FieldCategory) {
			t.Fatalf("name reply = %q", got)
		}
		if got := f.send(t, "c1", "Games"); got != want {
			t.Fatalf("category reply = %q, want %q", got, want)
		}
	}
	if got := f.send(t, "c1", "show hobbies"); got != "- Chess (Games)" {
		t.Errorf("listing = %q", got)
	}
}

func TestEngineAbandon(t *testing.T) {
	f := newEngineFixture()
	f.send(t, "c1", "create task")
	f.send(t, "c1", "Gym")
	if got := f.send(t, "c1", "  Never Mind "); got != cancelPrompts[IntentCreateTask] {
		t.Fatalf("cancel reply = %q", got)
	}
	f.assertIdle(t, "c1")
	// Idle "cancel" is ordinary chat.
	if got := f.send(t, "c1", "cancel"); got != MsgCapabilities {
		t.Errorf("idle cancel reply = %q", got)
	}
}

func TestEngineListings(t *testing.T) {
	f := newEngineFixture()
	if got := f.send(t, "c1", "show tasks"); got != MsgNoTasks {
		t.Errorf("empty task list = %q", got)
	}
	if got := f.send(t, "c1", "what are my hobbies?"); got != MsgNoHobbies {
		t.Errorf("empty hobby list = %q", got)
	}
	task := models.Task{TaskName: "Gym", TimeRequired: time.Hour, DaysAssociated: []string{"Monday"}, Priority: models.PriorityLow}
	if _, err := f.store.CreateTask("c1", task); err != nil {
		t.Fatal(err)
	}
	task.TaskName = "Read"
	task.Priority = models.PriorityHigh
	if _, err := f.store.CreateTask("c1", task); err != nil {
		t.Fatal(err)
	}
	if got := f.send(t, "c1", "List Tasks"); got != "- Gym (Priority: Low)\n- Read (Priority: High)" {
		t.Errorf("task list = %q", got)
	}

	f.records.listErr = errors.New("db down")
	if got := f.send(t, "c1", "my tasks"); got != MsgCapabilities {
		t.Errorf("list failure reply = %q", got)
	}
	f.assertIdle(t, "c1")
}

func TestEngineGeneralChat(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
		want  string
	}{
		{"on topic", "Sure, let's plan your schedule.", nil, "Sure, let's plan your schedule."},
		{"off topic", "The sky is blue.", nil, "The sky is blue." + MsgSuggestionsFooter},
		{"keyword case", "Any TASK you like.", nil, "Any TASK you like."},
		{"failure", "", errors.New("503"), MsgCapabilities},
		{"empty", "  ", nil, MsgCapabilities},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &stubResponder{reply: tt.reply, err: tt.err}
			f := newEngineFixture(WithResponder(r))
			if got := f.send(t, "c1", "hello there"); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
			if r.calls != 1 {
				t.Errorf("responder called %d times", r.calls)
			}
			f.assertIdle(t, "c1")
		})
	}
}

func TestEngineResponderNotUsedWhileCollecting(t *testing.T) {
	r := &stubResponder{reply: "chatty"}
	f := newEngineFixture(WithResponder(r))
	f.send(t, "c1", "add hobby")
	f.send(t, "c1", "hello there")
	if r.calls != 0 {
		t.Errorf("responder called %d times during collection", r.calls)
	}
}

func TestEngineClassifierFailureDegrades(t *testing.T) {
	f := newEngineFixture(WithClassifier(failingClassifier{}))
	if got := f.send(t, "c1", "add task"); got != MsgCapabilities {
		t.Errorf("reply = %q", got)
	}
	f.assertIdle(t, "c1")
}

func TestEngineRecoversFromPanic(t *testing.T) {
	f := newEngineFixture()
	f.records.panicOnAdd = true
	for _, in := range []string{"add task", "Gym", "1:00:00", "Monday", "low"} {
		f.send(t, "c1", in)
	}
	if got := f.send(t, "c1", "no"); got != MsgStartOver {
		t.Fatalf("reply = %q, want start over", got)
	}
	f.assertIdle(t, "c1")

	f.records.panicOnAdd = false
	if got := f.send(t, "c1", "add task"); got != StartPrompt(IntentCreateTask) {
		t.Errorf("conversation not restartable: %q", got)
	}
}

func TestEngineRecoversFromCorruptState(t *testing.T) {
	f := newEngineFixture()
	bad := models.DialogueRecord{ConversationID: "c1", UserID: "alice", ActiveIntent: "create_task", CollectedFields: map[string]any{"priority": "urgent"}}
	if err := f.store.SaveDialogueState(bad); err != nil {
		t.Fatal(err)
	}
	if got := f.send(t, "c1", "High"); got != MsgStartOver {
		t.Fatalf("reply = %q", got)
	}
	rec := f.record(t, "c1")
	if rec.ActiveIntent != "" || len(rec.CollectedFields) != 0 || rec.UserID != "alice" {
		t.Errorf("record after recovery = %+v", rec)
	}
}

// failingStates fails every load, as an unreachable database would.
type failingStates struct {
	StateManager
	resets int
}

func (f *failingStates) Load(context.Context, string) (DialogueState, error) {
	return DialogueState{}, errors.New("connection refused")
}

func (f *failingStates) Reset(context.Context, string) error {
	f.resets++
	return errors.New("connection refused")
}

func TestEngineStoreOutage(t *testing.T) {
	states := &failingStates{}
	e := NewEngine(states, store.NewInMemoryStore())
	if got := e.ProcessMessage(context.Background(), "c1", "add task"); got != MsgStartOver {
		t.Errorf("reply = %q", got)
	}
	if states.resets != 1 {
		t.Errorf("resets = %d, want 1", states.resets)
	}
}

func TestEngineSaveFailureLeavesStateUntouched(t *testing.T) {
	st := &flakyStateStore{InMemoryStore: store.NewInMemoryStore()}
	states := NewStoreBasedStateManager(st)
	e := NewEngine(states, st)
	ctx := context.Background()
	e.ProcessMessage(ctx, "c1", "add hobby")

	st.failSaves = 1
	if got := e.ProcessMessage(ctx, "c1", "Chess"); got != MsgStartOver {
		t.Fatalf("reply = %q", got)
	}
	rec, _ := st.GetDialogueState("c1")
	if rec.ActiveIntent != "" || len(rec.CollectedFields) != 0 {
		t.Errorf("record after failed save = %+v", rec)
	}
}

type flakyStateStore struct {
	*store.InMemoryStore
	failSaves int
}

func (f *flakyStateStore) SaveDialogueState(rec models.DialogueRecord) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("database is locked")
	}
	return f.InMemoryStore.SaveDialogueState(rec)
}

func TestConversationsAreIsolated(t *testing.T) {
	f := newEngineFixture()
	f.send(t, "c1", "add task")
	if got := f.send(t, "c2", "Chess"); got != MsgCapabilities {
		t.Errorf("c2 reply = %q", got)
	}
	if got := f.send(t, "c1", "Chess club"); got != NextPrompt(FieldTimeRequired) {
		t.Errorf("c1 reply = %q", got)
	}
	f.assertIdle(t, "c2")
}
