// Package assistant streams generated replies from an OpenAI-compatible
// chat completion endpoint.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"loom/internal/models"
	"loom/internal/observability"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultModel = "gpt-4o-mini"

// Config selects the endpoint and model used for replies.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	// MaxRetries overrides the client's retry count when set.
	MaxRetries *int
}

// OpenAISource generates reply chunks with streamed chat completions.
type OpenAISource struct {
	client openai.Client
	model  string
	system string
}

// NewOpenAISource returns a source, or nil when no API key is configured.
func NewOpenAISource(cfg Config) *OpenAISource {
	if cfg.APIKey == "" {
		return nil
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries != nil {
		opts = append(opts, option.WithMaxRetries(*cfg.MaxRetries))
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &OpenAISource{
		client: openai.NewClient(opts...),
		model:  model,
		system: strings.TrimSpace(cfg.SystemPrompt),
	}
}

// Model returns the model replies are generated with.
func (s *OpenAISource) Model() string {
	return s.model
}

// Generate streams a completion for thread and hands each content delta to emit.
func (s *OpenAISource) Generate(ctx context.Context, thread []*models.Message, emit func(string) error) (err error) {
	if len(thread) == 0 {
		return errors.New("assistant: empty thread")
	}
	ctx, span := observability.StartSpan(ctx, "assistant.generate", thread[0].ConversationID)
	defer func() { observability.EndSpan(span, err) }()

	stream := s.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: s.prompt(thread),
	})
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := emit(delta); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	return nil
}

// prompt maps thread onto chat messages. Tool output is passed as user
// content since the thread carries no tool call ids.
func (s *OpenAISource) prompt(thread []*models.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(thread)+1)
	if s.system != "" {
		out = append(out, openai.SystemMessage(s.system))
	}
	for _, msg := range thread {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.Role {
		case models.MessageRoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case models.MessageRoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
