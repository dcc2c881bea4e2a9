// Package genai provides AI-backed operations for FlowBot.
//
// This file implements the chat completion client over the OpenAI-compatible
// API, including streaming delivery through a bounded channel.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultStreamBuffer is the chunk buffer between the upstream fetch
// goroutine and the consumer; a full buffer applies backpressure upstream.
const DefaultStreamBuffer = 32

// ChatMessage is one turn of an ai_chat conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	BaseURL string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL sets the API base URL (e.g. an OpenRouter endpoint).
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// Client wraps the OpenAI-compatible chat completion API.
type Client struct {
	api openai.Client
}

// NewClient initializes a GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: openai.NewClient(reqOpts...)}, nil
}

// Complete generates a single response for a system and user prompt.
func (c *Client) Complete(ctx context.Context, modelID, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))
	return c.complete(ctx, modelID, messages)
}

// CompleteChat generates a response given a prior conversation history plus
// the latest user message.
func (c *Client) CompleteChat(ctx context.Context, modelID, systemPrompt string, history []ChatMessage, userMessage string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))
	return c.complete(ctx, modelID, messages)
}

func (c *Client) complete(ctx context.Context, modelID string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	slog.Debug("GenAI Complete invoked", "model", modelID, "messages", len(messages))
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamCompletion starts a streaming completion. Chunks are delivered on
// the returned Stream; an upstream error closes the stream with that error.
func (c *Client) StreamCompletion(ctx context.Context, modelID, systemPrompt, userPrompt string) (*Stream, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	upstream := c.api.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: messages,
	})

	out := NewStream(DefaultStreamBuffer)
	go func() {
		defer upstream.Close()
		for upstream.Next() {
			chunk := upstream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if err := out.Send(ctx, delta); err != nil {
				return
			}
		}
		if err := upstream.Err(); err != nil {
			out.Fail(err)
			return
		}
		out.Close()
	}()
	return out, nil
}

// Stream delivers completion chunks from a producer goroutine to a consumer
// with bounded buffering. The channel returned by Chunks is closed on
// completion or error; Err reports the terminal error afterward.
type Stream struct {
	ch chan string

	mu     sync.Mutex
	err    error
	closed bool
}

// NewStream creates a stream with the given chunk buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{ch: make(chan string, buffer)}
}

// Chunks returns the consumer channel. It is closed when the stream ends.
func (s *Stream) Chunks() <-chan string { return s.ch }

// Err returns the terminal error, if any. Only meaningful after Chunks is
// closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send delivers one chunk, blocking when the buffer is full. It fails when
// the context is cancelled or the stream was already closed.
func (s *Stream) Send(ctx context.Context, chunk string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("stream closed")
	}
	s.mu.Unlock()
	select {
	case s.ch <- chunk:
		return nil
	case <-ctx.Done():
		s.Fail(ctx.Err())
		return ctx.Err()
	}
}

// Close ends the stream successfully.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Fail ends the stream with an error.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}
