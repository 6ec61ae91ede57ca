// Package agent talks to the generative language backend. Every role
// (intent, extraction, synthesis, ...) keeps its own Session so that each one
// accumulates an independent conversational memory.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrBackend marks a failed call to the language backend.
var ErrBackend = errors.New("language backend call failed")

// EmptyExtraction is returned in place of model output when a call fails, so
// extraction-shaped callers can keep going as if nothing was said.
const EmptyExtraction = `{"symptoms": [], "age": null, "gender": null, "previous_conditions": []}`

// Config describes the backend. Values come from the environment.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxHistory int
}

// Client sends prompts on behalf of sessions.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	now     func() time.Time
}

// NewClient constructs an OpenAI-compatible client. BaseURL lets the same
// client target any compatible endpoint.
func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		now:     time.Now,
	}
}

// Invoke sends prompt within the session's memory and returns the cleaned
// reply. On failure it returns EmptyExtraction together with an error
// wrapping ErrBackend; the session's memory is left unchanged.
func (c *Client) Invoke(ctx context.Context, s *Session, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(c.now())

	messages := make([]openai.ChatCompletionMessage, 0, len(s.history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s.Key.Instruction})
	messages = append(messages, s.history...)
	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt}
	messages = append(messages, user)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.2,
	})
	if err != nil {
		log.Printf("language backend error (session %s): %v", s.ID, err)
		return EmptyExtraction, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if len(resp.Choices) == 0 {
		log.Printf("language backend returned no choices (session %s)", s.ID)
		return EmptyExtraction, fmt.Errorf("%w: no choices", ErrBackend)
	}
	text := clean(resp.Choices[0].Message.Content)
	if text == "" {
		log.Printf("language backend returned an empty reply (session %s)", s.ID)
		return EmptyExtraction, fmt.Errorf("%w: empty response", ErrBackend)
	}

	s.history = append(s.history, user, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		// drop whole exchanges so user/assistant pairs stay aligned
		drop := len(s.history) - s.maxHistory
		drop += drop % 2
		s.history = append([]openai.ChatCompletionMessage(nil), s.history[drop:]...)
	}
	return text, nil
}

func clean(text string) string {
	text = strings.TrimSpace(text)
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}
