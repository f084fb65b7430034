// Package messaging connects chat channels (Twilio, WhatsApp) to the dialogue engine.
//
// A Service delivers inbound messages; the ResponseHandler runs each through the
// dispatcher and queues the reply in the store's outbox, from which an OutboxSender
// delivers it back through the same Service.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/google/uuid"
)

// DefaultProcessTimeout bounds the handling of one inbound message.
const DefaultProcessTimeout = 60 * time.Second

// Dispatcher is the conversation entry point the handler drives. *flow.Dispatcher implements it.
type Dispatcher interface {
	Open(ctx context.Context, conversationID, userID string) error
	Process(ctx context.Context, conversationID, text string) (string, error)
}

// ReplyStore is the persistence the handler needs. store.Store implements it.
type ReplyStore interface {
	store.DedupRepo
	store.OutboxRepo
}

// ResponseHandler consumes a Service's inbound messages one at a time.
type ResponseHandler struct {
	msgService Service
	dispatcher Dispatcher
	repo       ReplyStore
	channel    string
	timeout    time.Duration
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithChannel sets the prefix of conversation ids ("<channel>:<phone>"). Default "whatsapp".
func WithChannel(name string) HandlerOption {
	return func(rh *ResponseHandler) { rh.channel = name }
}

// WithProcessTimeout overrides DefaultProcessTimeout.
func WithProcessTimeout(d time.Duration) HandlerOption {
	return func(rh *ResponseHandler) {
		if d > 0 {
			rh.timeout = d
		}
	}
}

// NewResponseHandler creates a new ResponseHandler.
func NewResponseHandler(msgService Service, dispatcher Dispatcher, repo ReplyStore, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		msgService: msgService,
		dispatcher: dispatcher,
		repo:       repo,
		channel:    "whatsapp",
		timeout:    DefaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// ConversationID returns the conversation a canonical phone number talks in.
func (rh *ResponseHandler) ConversationID(phone string) string {
	return rh.channel + ":" + phone
}

// ProcessResponse runs one inbound message through the dispatcher and queues the reply.
// A message whose id was already recorded is ignored.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}
	conversationID := rh.ConversationID(from)

	messageID := response.ID
	if messageID == "" {
		messageID = uuid.NewString()
		slog.Debug("ResponseHandler inbound message without id, skipping de-duplication", "from", from, "generatedID", messageID)
	}
	first, err := rh.repo.RecordInbound(messageID, conversationID)
	if err != nil {
		return fmt.Errorf("record inbound message: %w", err)
	}
	if !first {
		slog.Info("ResponseHandler ignoring duplicate message", "messageID", messageID, "conversationID", conversationID)
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, rh.timeout)
	defer cancel()

	if err := rh.dispatcher.Open(pctx, conversationID, from); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	reply, err := rh.dispatcher.Process(pctx, conversationID, response.Body)
	if err != nil {
		return fmt.Errorf("process message: %w", err)
	}

	outboxID, err := rh.repo.EnqueueOutboxMessage(conversationID, from, reply, "reply:"+messageID)
	if err != nil {
		return fmt.Errorf("queue reply: %w", err)
	}
	if err := rh.repo.MarkProcessed(messageID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("ResponseHandler MarkProcessed failed", "error", err, "messageID", messageID)
	}
	slog.Debug("ResponseHandler reply queued", "conversationID", conversationID, "messageID", messageID, "outboxID", outboxID)
	return nil
}

// Run consumes Responses until the channel closes or ctx is done.
func (rh *ResponseHandler) Run(ctx context.Context) error {
	slog.Info("ResponseHandler starting response processing", "channel", rh.channel)
	defer slog.Info("ResponseHandler stopped response processing", "channel", rh.channel)

	for {
		select {
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				slog.Debug("ResponseHandler responses channel closed")
				return nil
			}
			if err := rh.ProcessResponse(ctx, response); err != nil {
				slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// NewReplySender creates the outbox sender that delivers queued replies through msgService.
func NewReplySender(msgService Service, repo store.OutboxRepo, pollInterval time.Duration, opts ...store.OutboxSenderOption) *store.OutboxSender {
	send := func(ctx context.Context, msg store.OutboxMessage) error {
		return msgService.SendMessage(ctx, msg.Recipient, msg.Body)
	}
	return store.NewOutboxSender(repo, send, pollInterval, opts...)
}
