package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

// MessageProcessor is the engine entry point the dispatcher drives.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, conversationID, text string) string
}

// MessageLog records a conversation's messages. store.Store satisfies it.
type MessageLog interface {
	AddMessage(msg models.Message) error
}

// Dispatcher serializes messages per conversation and records them in the message log.
// Different conversations are processed in parallel.
type Dispatcher struct {
	engine MessageProcessor
	states StateManager
	log    MessageLog
	locks  *keyedMutex
}

// NewDispatcher creates a dispatcher. log may be nil to skip message logging.
func NewDispatcher(engine MessageProcessor, states StateManager, log MessageLog) *Dispatcher {
	return &Dispatcher{engine: engine, states: states, log: log, locks: newKeyedMutex()}
}

// Process runs one message through the engine while holding the conversation's lock.
// It returns ctx.Err() only if the context ends before the lock is acquired.
func (d *Dispatcher) Process(ctx context.Context, conversationID, text string) (string, error) {
	unlock, err := d.locks.Lock(ctx, conversationID)
	if err != nil {
		slog.Warn("Dispatcher Process gave up waiting for conversation", "error", err, "conversationID", conversationID)
		return "", err
	}
	defer unlock()

	received := time.Now()
	reply := d.engine.ProcessMessage(ctx, conversationID, text)
	d.record(models.Message{ConversationID: conversationID, Content: text, IsUser: true, CreatedAt: received})
	d.record(models.Message{ConversationID: conversationID, Content: reply, IsUser: false, CreatedAt: time.Now()})
	return reply, nil
}

// Open binds conversationID to userID under the conversation's lock.
func (d *Dispatcher) Open(ctx context.Context, conversationID, userID string) error {
	unlock, err := d.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	return d.states.Open(ctx, conversationID, userID)
}

// Abandon resets the conversation to idle, discarding any partially collected record.
func (d *Dispatcher) Abandon(ctx context.Context, conversationID string) error {
	unlock, err := d.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()
	slog.Info("Dispatcher Abandon", "conversationID", conversationID)
	return d.states.Reset(ctx, conversationID)
}

// record appends to the message log. Failures are logged and do not affect the reply.
func (d *Dispatcher) record(msg models.Message) {
	if d.log == nil {
		return
	}
	if err := d.log.AddMessage(msg); err != nil {
		slog.Error("Dispatcher failed to log message", "error", err, "conversationID", msg.ConversationID, "isUser", msg.IsUser)
	}
}

// keyedMutex hands out one lock per key and forgets keys nobody holds or waits for.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	ch   chan struct{} // capacity 1; a token in the channel means held
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *refLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports how many keys are tracked.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
