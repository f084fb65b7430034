package store

import (
	"log/slog"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultStateCacheSize is the number of conversations whose dialogue state is kept in memory.
const DefaultStateCacheSize = 1024

// CachedStore fronts a Store with a write-through LRU of dialogue states.
// Every other operation goes straight to the wrapped store.
type CachedStore struct {
	Store
	states *lru.Cache[string, models.DialogueRecord]
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps inner with a dialogue-state cache of the given size.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultStateCacheSize
	}
	cache, err := lru.New[string, models.DialogueRecord](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{Store: inner, states: cache}, nil
}

// SaveDialogueState writes through to the wrapped store and only then updates the cache,
// so a failed write never leaves a cached state the database does not have.
func (c *CachedStore) SaveDialogueState(rec models.DialogueRecord) error {
	if err := c.Store.SaveDialogueState(rec); err != nil {
		c.states.Remove(rec.ConversationID)
		return err
	}
	c.states.Add(rec.ConversationID, rec.Clone())
	return nil
}

func (c *CachedStore) GetDialogueState(conversationID string) (*models.DialogueRecord, error) {
	if rec, ok := c.states.Get(conversationID); ok {
		out := rec.Clone()
		return &out, nil
	}
	rec, err := c.Store.GetDialogueState(conversationID)
	if err != nil || rec == nil {
		return rec, err
	}
	c.states.Add(conversationID, rec.Clone())
	slog.Debug("CachedStore.GetDialogueState: cache filled", "conversationID", conversationID)
	return rec, nil
}
