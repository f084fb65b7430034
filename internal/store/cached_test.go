package store

import (
	"errors"
	"testing"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

type failingStateStore struct {
	*InMemoryStore
	failSave bool
	gets     int
}

func (f *failingStateStore) SaveDialogueState(rec models.DialogueRecord) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.InMemoryStore.SaveDialogueState(rec)
}

func (f *failingStateStore) GetDialogueState(id string) (*models.DialogueRecord, error) {
	f.gets++
	return f.InMemoryStore.GetDialogueState(id)
}

func TestCachedStoreServesReadsFromCache(t *testing.T) {
	inner := &failingStateStore{InMemoryStore: NewInMemoryStore()}
	c, err := NewCachedStore(inner, 8)
	if err != nil {
		t.Fatalf("NewCachedStore: %v", err)
	}
	rec := models.DialogueRecord{ConversationID: "c1", UserID: "u1", ActiveIntent: "create_task", CollectedFields: map[string]any{}}
	if err := c.SaveDialogueState(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 0; i < 3; i++ {
		if got, err := c.GetDialogueState("c1"); err != nil || got.ActiveIntent != "create_task" {
			t.Fatalf("Get = %+v, %v", got, err)
		}
	}
	if inner.gets != 0 {
		t.Errorf("inner store read %d times, want 0", inner.gets)
	}
}

func TestCachedStoreDropsEntryOnFailedWrite(t *testing.T) {
	inner := &failingStateStore{InMemoryStore: NewInMemoryStore()}
	c, _ := NewCachedStore(inner, 8)
	idle := models.DialogueRecord{ConversationID: "c1", UserID: "u1", CollectedFields: map[string]any{}}
	if err := c.SaveDialogueState(idle); err != nil {
		t.Fatalf("Save: %v", err)
	}

	inner.failSave = true
	collecting := idle
	collecting.ActiveIntent = "add_hobby"
	if err := c.SaveDialogueState(collecting); err == nil {
		t.Fatal("expected save error")
	}

	got, err := c.GetDialogueState("c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ActiveIntent != "" {
		t.Errorf("cache returned unsaved state %q", got.ActiveIntent)
	}
	if inner.gets != 1 {
		t.Errorf("inner store read %d times, want 1 after eviction", inner.gets)
	}
}
