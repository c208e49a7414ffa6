// ABOUTME: Conversation-engine collaborator interface and its OpenAI-backed implementation.
// ABOUTME: Consumed by the connection dispatcher through the narrow ProcessIncomingMessage call.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/weavelink/weave-gateway/internal/engine"
)

// ErrEmptyReply indicates the AI backend returned no usable content.
var ErrEmptyReply = errors.New("no response from AI backend")

// maxHistory bounds the per-chat context window sent to the backend.
const maxHistory = 10

// SessionContext is the conversational context built from a connection's bot
// profile at initialization time. The lifecycle subsystem treats it as an
// opaque payload and hands it back on every inbound message.
type SessionContext struct {
	BotProfileID string
	OwnerID      string
	SystemPrompt string
	Model        string
}

// Processor handles inbound messages for a connection. This is the only
// surface the lifecycle subsystem uses; everything else about the AI
// conversation engine is out of its scope.
type Processor interface {
	ProcessIncomingMessage(ctx context.Context, msg *engine.Message, connectionName string, sessCtx *SessionContext) (string, error)
}

// historyEntry is one prior turn kept for context.
type historyEntry struct {
	role    string
	content string
}

// OpenAIProcessor implements Processor against an OpenAI-compatible chat
// completion API, keeping a bounded in-memory history per chat.
type OpenAIProcessor struct {
	client       *openai.Client
	defaultModel string
	timeout      time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	history map[string][]historyEntry // keyed by connectionName:chatID
}

// Options configures an OpenAIProcessor.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOpenAIProcessor creates a processor for an OpenAI-compatible backend.
// BaseURL may point at any compatible server (e.g. a local inference host).
func NewOpenAIProcessor(opts Options, logger *slog.Logger) *OpenAIProcessor {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}

	return &OpenAIProcessor{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: model,
		timeout:      timeout,
		logger:       logger.With("component", "conversation"),
		history:      make(map[string][]historyEntry),
	}
}

// ProcessIncomingMessage sends the message (plus bounded chat history and the
// profile's system prompt) to the chat backend and returns the reply text.
func (p *OpenAIProcessor) ProcessIncomingMessage(ctx context.Context, msg *engine.Message, connectionName string, sessCtx *SessionContext) (string, error) {
	if !msg.HasContent() {
		return "", fmt.Errorf("message has no text content")
	}

	model := p.defaultModel
	systemPrompt := ""
	if sessCtx != nil {
		if sessCtx.Model != "" {
			model = sessCtx.Model
		}
		systemPrompt = sessCtx.SystemPrompt
	}

	key := connectionName + ":" + msg.ChatID
	messages := p.buildMessages(key, systemPrompt, msg.Text)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyReply
	}

	reply := resp.Choices[0].Message.Content
	p.recordTurn(key, msg.Text, reply)

	p.logger.Debug("processed inbound message",
		"connection", connectionName,
		"chat", msg.ChatID,
		"model", model,
	)
	return reply, nil
}

// buildMessages assembles the system prompt, prior turns, and the new user
// message into a single request payload.
func (p *OpenAIProcessor) buildMessages(key, systemPrompt, text string) []openai.ChatCompletionMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var messages []openai.ChatCompletionMessage
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, h := range p.history[key] {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    h.role,
			Content: h.content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	return messages
}

// recordTurn appends the exchange to history, trimming to maxHistory turns.
func (p *OpenAIProcessor) recordTurn(key, userText, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := append(p.history[key],
		historyEntry{role: openai.ChatMessageRoleUser, content: userText},
		historyEntry{role: openai.ChatMessageRoleAssistant, content: reply},
	)
	if len(h) > maxHistory*2 {
		h = h[len(h)-maxHistory*2:]
	}
	p.history[key] = h
}

// ForgetConnection drops all cached history for a connection. Called when a
// connection is closed so a later re-pairing starts clean.
func (p *OpenAIProcessor) ForgetConnection(connectionName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prefix := connectionName + ":"
	for key := range p.history {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(p.history, key)
		}
	}
}
