package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/openai/openai-go"
)

type recordingChat struct {
	messages []openai.ChatCompletionMessageParamUnion
	reply    string
	err      error
}

func (r *recordingChat) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	r.messages = messages
	return r.reply, r.err
}

type stubHistory struct {
	msgs  []models.Message
	err   error
	limit int
}

func (s *stubHistory) GetMessages(conversationID string, limit int) ([]models.Message, error) {
	s.limit = limit
	return s.msgs, s.err
}

type sentMessage struct {
	role, content string
}

func flatten(t *testing.T, msgs []openai.ChatCompletionMessageParamUnion) []sentMessage {
	t.Helper()
	out := make([]sentMessage, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.OfSystem != nil:
			out = append(out, sentMessage{"system", m.OfSystem.Content.OfString.Value})
		case m.OfUser != nil:
			out = append(out, sentMessage{"user", m.OfUser.Content.OfString.Value})
		case m.OfAssistant != nil:
			out = append(out, sentMessage{"assistant", m.OfAssistant.Content.OfString.Value})
		default:
			t.Fatalf("unexpected message %+v", m)
		}
	}
	return out
}

func TestGenAIResponderSendsHistoryInOrder(t *testing.T) {
	chat := &recordingChat{reply: "Your schedule looks fine."}
	history := &stubHistory{msgs: []models.Message{
		{Content: "hi", IsUser: true},
		{Content: "Hello! How can I help?", IsUser: false},
	}}
	r := NewGenAIResponder(chat, history)

	got, err := r.Respond(context.Background(), "c1", "what should I do today?")
	if err != nil || got != "Your schedule looks fine." {
		t.Fatalf("Respond = %q, %v", got, err)
	}
	if history.limit != DefaultHistoryLimit {
		t.Errorf("history limit = %d", history.limit)
	}
	want := []sentMessage{
		{"system", GeneralChatSystemPrompt},
		{"user", "hi"},
		{"assistant", "Hello! How can I help?"},
		{"user", "what should I do today?"},
	}
	sent := flatten(t, chat.messages)
	if len(sent) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(sent), len(want))
	}
	for i := range want {
		if sent[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, sent[i], want[i])
		}
	}
}

func TestGenAIResponderToleratesHistoryFailure(t *testing.T) {
	chat := &recordingChat{reply: "ok"}
	r := NewGenAIResponder(chat, &stubHistory{err: errors.New("db down")})
	if _, err := r.Respond(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if n := len(chat.messages); n != 2 {
		t.Errorf("sent %d messages, want system prompt and user text", n)
	}
}

func TestGenAIResponderWithoutHistory(t *testing.T) {
	chat := &recordingChat{err: errors.New("rate limited")}
	r := NewGenAIResponder(chat, nil)
	if _, err := r.Respond(context.Background(), "c1", "hello"); err == nil {
		t.Fatal("expected client error to propagate")
	}
	if n := len(chat.messages); n != 2 {
		t.Errorf("sent %d messages", n)
	}
}
