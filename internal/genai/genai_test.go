package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func replyWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGeneratePrompt_Success(t *testing.T) {
	mock := &mockChatService{resp: replyWith("Hello World")}
	client := &Client{chat: mock, model: DefaultModel, temperature: DefaultTemperature}
	out, err := client.GeneratePrompt("system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.params) != 1 || len(mock.params[0].Messages) != 2 {
		t.Fatalf("expected one call with two messages, got %+v", mock.params)
	}
	if got := string(mock.params[0].Model); got != DefaultModel {
		t.Errorf("model = %s, want %s", got, DefaultModel)
	}
}

func TestGenerateWithMessages_PassesHistory(t *testing.T) {
	mock := &mockChatService{resp: replyWith("ok")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxTokens: 64}
	history := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("sys"),
		openai.UserMessage("hi"),
		openai.AssistantMessage("hello"),
		openai.UserMessage("what can you do?"),
	}
	if _, err := client.GenerateWithMessages(context.Background(), history); err != nil {
		t.Fatalf("GenerateWithMessages: %v", err)
	}
	p := mock.params[0]
	if len(p.Messages) != 4 {
		t.Errorf("messages sent = %d, want 4", len(p.Messages))
	}
	if v := p.Temperature.Value; v != 0.2 {
		t.Errorf("temperature = %v, want 0.2", v)
	}
	if v := p.MaxCompletionTokens.Value; v != 64 {
		t.Errorf("max tokens = %v, want 64", v)
	}
}

func TestGeneratePrompt_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GeneratePrompt("sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePrompt_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GeneratePrompt("sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.1), WithMaxTokens(10))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-test" || cli.temperature != 0.1 || cli.maxTokens != 10 {
		t.Errorf("options not applied: %+v", cli)
	}
}

func TestNewClient_KeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cli, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if cli.model != DefaultModel {
		t.Errorf("model = %s, want default", cli.model)
	}
}
