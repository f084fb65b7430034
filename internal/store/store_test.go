package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// storeFactories returns every backend available in this environment.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewInMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "routinepipe.db")))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
		"cached": func(t *testing.T) Store {
			c, err := NewCachedStore(NewInMemoryStore(), 4)
			if err != nil {
				t.Fatalf("NewCachedStore: %v", err)
			}
			return c
		},
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(WithPostgresDSN(dsn))
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			for _, table := range []string{"dialogue_states", "tasks", "user_hobbies", "hobbies", "messages", "inbound_dedup", "outbox_messages"} {
				if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
					t.Fatalf("clean %s: %v", table, err)
				}
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func validTask() models.Task {
	return models.Task{
		TaskName:       "Gym",
		TimeRequired:   time.Hour,
		DaysAssociated: []string{"Monday", "Wednesday"},
		Priority:       models.PriorityHigh,
	}
}

func TestDialogueStateRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		got, err := s.GetDialogueState("c1")
		if err != nil || got != nil {
			t.Fatalf("GetDialogueState on empty store = %v, %v; want nil, nil", got, err)
		}

		want := models.DialogueRecord{
			ConversationID: "c1",
			UserID:         "u1",
			ActiveIntent:   "create_task",
			CollectedFields: map[string]any{
				"task_name":     "Gym",
				"is_fixed_time": true,
			},
		}
		if err := s.SaveDialogueState(want); err != nil {
			t.Fatalf("SaveDialogueState: %v", err)
		}
		got, err = s.GetDialogueState("c1")
		if err != nil || got == nil {
			t.Fatalf("GetDialogueState = %v, %v", got, err)
		}
		opts := cmpopts.IgnoreFields(models.DialogueRecord{}, "CreatedAt", "UpdatedAt")
		if diff := cmp.Diff(want, *got, opts); diff != "" {
			t.Errorf("dialogue state mismatch (-want +got):\n%s", diff)
		}

		// Reset to idle.
		want.ActiveIntent = ""
		want.CollectedFields = map[string]any{}
		if err := s.SaveDialogueState(want); err != nil {
			t.Fatalf("SaveDialogueState reset: %v", err)
		}
		got, _ = s.GetDialogueState("c1")
		if got.ActiveIntent != "" || len(got.CollectedFields) != 0 {
			t.Errorf("state after reset = %+v, want idle", got)
		}
	})
}

func TestDialogueStateIsolatedFromCaller(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		rec := models.DialogueRecord{ConversationID: "c1", UserID: "u1", ActiveIntent: "add_hobby", CollectedFields: map[string]any{"name": "Chess"}}
		if err := s.SaveDialogueState(rec); err != nil {
			t.Fatalf("SaveDialogueState: %v", err)
		}
		rec.CollectedFields["name"] = "mutated"

		got, _ := s.GetDialogueState("c1")
		got.CollectedFields["category"] = "mutated"

		again, _ := s.GetDialogueState("c1")
		if again.CollectedFields["name"] != "Chess" {
			t.Errorf("name = %v, want Chess", again.CollectedFields["name"])
		}
		if _, ok := again.CollectedFields["category"]; ok {
			t.Error("caller mutation leaked into stored state")
		}
	})
}

func TestCreateAndListTasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		fixed := validTask()
		fixed.TaskName = "Standup"
		fixed.DaysAssociated = []string{"Friday"}
		fixed.Priority = models.PriorityLow
		fixed.IsFixedTime = true
		fixed.FixedTimeSlot = "09:00:00"

		for _, task := range []models.Task{validTask(), fixed} {
			created, err := s.CreateTask("u1", task)
			if err != nil {
				t.Fatalf("CreateTask(%s): %v", task.TaskName, err)
			}
			if created.ID == 0 || created.UserID != "u1" {
				t.Errorf("created task = %+v, want id and owner set", created)
			}
		}
		if _, err := s.CreateTask("u2", validTask()); err != nil {
			t.Fatalf("CreateTask u2: %v", err)
		}

		tasks, err := s.ListTasks("u1")
		if err != nil {
			t.Fatalf("ListTasks: %v", err)
		}
		want := []models.Task{validTask(), fixed}
		for i := range want {
			want[i].UserID = "u1"
		}
		opts := cmpopts.IgnoreFields(models.Task{}, "ID", "CreatedAt")
		if diff := cmp.Diff(want, tasks, opts); diff != "" {
			t.Errorf("ListTasks mismatch (-want +got):\n%s", diff)
		}

		none, err := s.ListTasks("nobody")
		if err != nil || len(none) != 0 {
			t.Errorf("ListTasks(nobody) = %v, %v; want empty", none, err)
		}
	})
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		bad := validTask()
		bad.TimeRequired = 0
		if _, err := s.CreateTask("u1", bad); !errors.Is(err, models.ErrValidation) {
			t.Errorf("CreateTask zero duration err = %v, want ErrValidation", err)
		}
		slotless := validTask()
		slotless.IsFixedTime = true
		if _, err := s.CreateTask("u1", slotless); !errors.Is(err, models.ErrMissingTimeSlot) {
			t.Errorf("CreateTask fixed without slot err = %v, want ErrMissingTimeSlot", err)
		}
		tasks, _ := s.ListTasks("u1")
		if len(tasks) != 0 {
			t.Errorf("invalid tasks were persisted: %+v", tasks)
		}
	})
}

func TestCreateHobbyIsIdempotentPerUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		first, err := s.CreateHobby("u1", "Chess", "Games")
		if err != nil {
			t.Fatalf("CreateHobby: %v", err)
		}
		if first.AlreadyOwned {
			t.Error("first CreateHobby reported AlreadyOwned")
		}

		second, err := s.CreateHobby("u1", "Chess", "Games")
		if err != nil {
			t.Fatalf("CreateHobby again: %v", err)
		}
		if !second.AlreadyOwned {
			t.Error("second CreateHobby did not report AlreadyOwned")
		}
		if second.Hobby.ID != first.Hobby.ID {
			t.Errorf("hobby id changed: %d vs %d", second.Hobby.ID, first.Hobby.ID)
		}

		other, err := s.CreateHobby("u2", "Chess", "Games")
		if err != nil {
			t.Fatalf("CreateHobby u2: %v", err)
		}
		if other.AlreadyOwned || other.Hobby.ID != first.Hobby.ID {
			t.Errorf("u2 link = %+v, want shared hobby newly linked", other)
		}

		if _, err := s.CreateHobby("u1", "Chess", "Strategy"); err != nil {
			t.Fatalf("CreateHobby different category: %v", err)
		}

		hobbies, err := s.ListHobbies("u1")
		if err != nil {
			t.Fatalf("ListHobbies: %v", err)
		}
		want := []models.Hobby{{Name: "Chess", Category: "Games"}, {Name: "Chess", Category: "Strategy"}}
		if diff := cmp.Diff(want, hobbies, cmpopts.IgnoreFields(models.Hobby{}, "ID")); diff != "" {
			t.Errorf("ListHobbies mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCreateHobbyRejectsEmptyCategory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if _, err := s.CreateHobby("u1", "Chess", "  "); !errors.Is(err, models.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestMessagesKeepOrderAndLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		contents := []string{"one", "two", "three", "four"}
		for i, c := range contents {
			if err := s.AddMessage(models.Message{ConversationID: "c1", Content: c, IsUser: i%2 == 0}); err != nil {
				t.Fatalf("AddMessage: %v", err)
			}
		}
		if err := s.AddMessage(models.Message{ConversationID: "c2", Content: "other"}); err != nil {
			t.Fatalf("AddMessage c2: %v", err)
		}

		all, err := s.GetMessages("c1", 0)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if got := messageContents(all); !cmp.Equal(got, contents) {
			t.Errorf("all messages = %v, want %v", got, contents)
		}

		recent, err := s.GetMessages("c1", 2)
		if err != nil {
			t.Fatalf("GetMessages limit: %v", err)
		}
		if got := messageContents(recent); !cmp.Equal(got, []string{"three", "four"}) {
			t.Errorf("recent messages = %v, want [three four]", got)
		}
		if !recent[0].IsUser || recent[1].IsUser {
			t.Errorf("sender flags not preserved: %+v", recent)
		}
	})
}

func messageContents(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"postgresql://localhost/db":     "postgres",
		"host=localhost dbname=routine": "postgres",
		"/var/lib/routinepipe/state.db": "sqlite3",
		"file:test.db?cache=shared":     "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error for empty DSN")
	}
}

func TestSQLiteStatePersistsAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rec := models.DialogueRecord{ConversationID: "c1", UserID: "u1", ActiveIntent: "create_task", CollectedFields: map[string]any{"task_name": "Read"}}
	if err := s.SaveDialogueState(rec); err != nil {
		t.Fatalf("SaveDialogueState: %v", err)
	}
	s.Close()

	reopened, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetDialogueState("c1")
	if err != nil || got == nil {
		t.Fatalf("GetDialogueState after reopen = %v, %v", got, err)
	}
	if got.CollectedFields["task_name"] != "Read" {
		t.Errorf("task_name = %v, want Read", got.CollectedFields["task_name"])
	}
}
