package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
)

// gateEngine blocks inside ProcessMessage until released and tracks overlap per conversation.
type gateEngine struct {
	entered chan string
	release chan struct{}

	mu      sync.Mutex
	active  map[string]int
	overlap bool
	peak    atomic.Int32
	running atomic.Int32
}

func newGateEngine() *gateEngine {
	return &gateEngine{entered: make(chan string, 16), release: make(chan struct{}), active: map[string]int{}}
}

func (g *gateEngine) ProcessMessage(ctx context.Context, conversationID, text string) string {
	g.mu.Lock()
	g.active[conversationID]++
	if g.active[conversationID] > 1 {
		g.overlap = true
	}
	g.mu.Unlock()
	n := g.running.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	g.entered <- conversationID
	<-g.release

	g.running.Add(-1)
	g.mu.Lock()
	g.active[conversationID]--
	g.mu.Unlock()
	return "echo: " + text
}

func TestDispatcherSerializesConversation(t *testing.T) {
	g := newGateEngine()
	st := store.NewInMemoryStore()
	d := NewDispatcher(g, NewStoreBasedStateManager(st), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, text := range []string{"one", "two"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Process(ctx, "c1", text); err != nil {
				t.Errorf("Process: %v", err)
			}
		}()
	}

	<-g.entered
	select {
	case <-g.entered:
		t.Fatal("second message of the same conversation entered the engine concurrently")
	case <-time.After(50 * time.Millisecond):
	}
	g.release <- struct{}{}
	<-g.entered
	g.release <- struct{}{}
	wg.Wait()

	if g.overlap {
		t.Error("overlapping processing detected")
	}
	if n := d.locks.size(); n != 0 {
		t.Errorf("keyed mutex tracks %d keys after completion", n)
	}
}

func TestDispatcherParallelAcrossConversations(t *testing.T) {
	g := newGateEngine()
	d := NewDispatcher(g, NewStoreBasedStateManager(store.NewInMemoryStore()), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, conv := range []string{"c1", "c2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Process(ctx, conv, "hi")
		}()
	}
	for range 2 {
		select {
		case <-g.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("conversations were not processed in parallel")
		}
	}
	close(g.release)
	wg.Wait()

	if p := g.peak.Load(); p != 2 {
		t.Errorf("peak concurrency = %d, want 2", p)
	}
}

func TestDispatcherHonoursContextWhileWaiting(t *testing.T) {
	g := newGateEngine()
	d := NewDispatcher(g, NewStoreBasedStateManager(store.NewInMemoryStore()), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Process(context.Background(), "c1", "first")
	}()
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Process(ctx, "c1", "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Process error = %v, want deadline exceeded", err)
	}

	close(g.release)
	<-done
	if n := d.locks.size(); n != 0 {
		t.Errorf("keyed mutex tracks %d keys", n)
	}
}

func TestDispatcherLogsMessagesAfterProcessing(t *testing.T) {
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	d := NewDispatcher(NewEngine(states, st), states, st)
	ctx := context.Background()

	reply, err := d.Process(ctx, "c1", "add hobby")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply != StartPrompt(IntentCreateHobby) {
		t.Fatalf("reply = %q", reply)
	}

	msgs, err := st.GetMessages("c1", 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("logged %d messages, want 2", len(msgs))
	}
	if !msgs[0].IsUser || msgs[0].Content != "add hobby" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].IsUser || msgs[1].Content != reply {
		t.Errorf("second message = %+v", msgs[1])
	}
}

// failingLog rejects every append.
type failingLog struct{ calls int }

func (f *failingLog) AddMessage(models.Message) error {
	f.calls++
	return errors.New("disk full")
}

func TestDispatcherLogFailureDoesNotAffectReply(t *testing.T) {
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	log := &failingLog{}
	d := NewDispatcher(NewEngine(states, st), states, log)

	reply, err := d.Process(context.Background(), "c1", "show tasks")
	if err != nil || reply != MsgNoTasks {
		t.Errorf("Process = %q, %v", reply, err)
	}
	if log.calls != 2 {
		t.Errorf("AddMessage called %d times, want 2", log.calls)
	}
}

func TestDispatcherOpenAndAbandon(t *testing.T) {
	st := store.NewInMemoryStore()
	states := NewStoreBasedStateManager(st)
	d := NewDispatcher(NewEngine(states, st), states, nil)
	ctx := context.Background()

	if err := d.Open(ctx, "whatsapp:+15550001", "user-42"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	d.Process(ctx, "whatsapp:+15550001", "add hobby")
	d.Process(ctx, "whatsapp:+15550001", "Chess")
	if err := d.Abandon(ctx, "whatsapp:+15550001"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}

	rec, err := st.GetDialogueState("whatsapp:+15550001")
	if err != nil || rec == nil {
		t.Fatalf("GetDialogueState = %v, %v", rec, err)
	}
	if rec.UserID != "user-42" || rec.ActiveIntent != "" || len(rec.CollectedFields) != 0 {
		t.Errorf("record after abandon = %+v", rec)
	}

	if err := d.Open(ctx, "c2", ""); !errors.Is(err, models.ErrEmptyUserID) {
		t.Errorf("Open with empty user = %v", err)
	}
}

func TestKeyedMutexUnlockIsIdempotent(t *testing.T) {
	k := newKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()
	if n := k.size(); n != 0 {
		t.Fatalf("size = %d after unlock", n)
	}
	again, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	again()
}
