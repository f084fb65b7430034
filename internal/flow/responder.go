package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/openai/openai-go"
)

// GeneralResponder answers free-form messages that match no intent.
type GeneralResponder interface {
	Respond(ctx context.Context, conversationID, text string) (string, error)
}

// ChatClient is the completion capability GenAIResponder needs; *genai.Client implements it.
type ChatClient interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// HistoryReader returns a conversation's recent messages, oldest first.
type HistoryReader interface {
	GetMessages(conversationID string, limit int) ([]models.Message, error)
}

// DefaultHistoryLimit is how many logged messages accompany a general chat request.
const DefaultHistoryLimit = 10

// GenAIResponder replies through a chat completion model using the conversation log as context.
type GenAIResponder struct {
	client       ChatClient
	history      HistoryReader
	historyLimit int
}

// NewGenAIResponder creates a responder. history may be nil to send only the new message.
func NewGenAIResponder(client ChatClient, history HistoryReader) *GenAIResponder {
	return &GenAIResponder{client: client, history: history, historyLimit: DefaultHistoryLimit}
}

func (r *GenAIResponder) Respond(ctx context.Context, conversationID, text string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(GeneralChatSystemPrompt)}
	if r.history != nil {
		past, err := r.history.GetMessages(conversationID, r.historyLimit)
		if err != nil {
			// History is context only; answer without it.
			slog.Warn("GenAIResponder Respond history unavailable", "error", err, "conversationID", conversationID)
		}
		for _, m := range past {
			if m.IsUser {
				messages = append(messages, openai.UserMessage(m.Content))
			} else {
				messages = append(messages, openai.AssistantMessage(m.Content))
			}
		}
	}
	messages = append(messages, openai.UserMessage(text))
	slog.Debug("GenAIResponder Respond", "conversationID", conversationID, "messages", len(messages))
	return r.client.GenerateWithMessages(ctx, messages)
}
