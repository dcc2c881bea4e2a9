package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/FlowBotIO/flowbot/internal/genai"
)

// DefaultAIRetries bounds model fallback attempts when the node does not
// configure its own count.
const DefaultAIRetries = 3

// DefaultChatExitCommand leaves an ai_chat conversation.
const DefaultChatExitCommand = "/exit"

// executeAISingle runs one completion and sends the result. A node-pinned
// model is used directly; otherwise the selector's fallback chain decides.
// Exhausted fallback halts the branch.
func (i *Interpreter) executeAISingle(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if i.ai == nil {
		recordConfigError(ec, "ai backend not configured")
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	system := interpolate(d.SystemPrompt, ec)
	user := interpolate(d.UserPrompt, ec)
	if user == "" && ec.Event != nil {
		user = ec.Event.Text
	}
	retries := d.MaxRetries
	if retries <= 0 {
		retries = DefaultAIRetries
	}

	var result, modelID string
	var err error
	switch {
	case d.Streaming:
		result, modelID, err = i.streamCompletion(ctx, d.Model, system, user, retries)
	case d.Model != "":
		modelID = d.Model
		result, err = i.ai.Complete(ctx, d.Model, system, user)
	case i.selector != nil:
		result, modelID, err = i.selector.ExecuteWithFallback(ctx, func(ctx context.Context, m string) (string, error) {
			return i.ai.Complete(ctx, m, system, user)
		}, retries)
	default:
		recordConfigError(ec, "ai_single node has no model and no selector is configured")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if err != nil {
		return fmt.Errorf("ai completion failed: %w", err)
	}
	slog.Debug("Handler: ai completion done", "nodeID", ec.Node.ID, "model", modelID, "chars", len(result))

	if d.ResultVariable != "" {
		ec.Session.SetVariable(d.ResultVariable, result)
	}
	if result != "" {
		if err := i.messenger.SendMessage(ctx, ec.Session.ChatID, result); err != nil {
			return fmt.Errorf("failed to send ai response: %w", err)
		}
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

// streamCompletion consumes a streamed completion into one string. Fallback
// happens inside the selector and only before the first chunk; a stream that
// fails mid-flight returns its partial output alongside a logged error so
// already-emitted text is never re-sent.
func (i *Interpreter) streamCompletion(ctx context.Context, pinnedModel, system, user string, retries int) (string, string, error) {
	var stream *genai.Stream
	var modelID string
	var err error
	if pinnedModel != "" || i.selector == nil {
		modelID = pinnedModel
		stream, err = i.ai.StreamCompletion(ctx, pinnedModel, system, user)
	} else {
		stream, modelID, err = i.selector.ExecuteStreamingWithFallback(ctx, func(ctx context.Context, m string) (*genai.Stream, error) {
			return i.ai.StreamCompletion(ctx, m, system, user)
		}, retries)
	}
	if err != nil {
		return "", modelID, err
	}

	var sb strings.Builder
	for chunk := range stream.Chunks() {
		sb.WriteString(chunk)
	}
	if streamErr := stream.Err(); streamErr != nil {
		if sb.Len() == 0 {
			return "", modelID, streamErr
		}
		slog.Warn("Handler: stream failed after partial output, keeping partial", "model", modelID, "chars", sb.Len(), "error", streamErr)
	}
	return sb.String(), modelID, nil
}

// executeAIChat holds a multi-turn conversation at this node. Every inbound
// text becomes a model turn until the exit command advances the branch.
func (i *Interpreter) executeAIChat(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if i.ai == nil {
		recordConfigError(ec, "ai backend not configured")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	historyVar := d.HistoryVar
	if historyVar == "" {
		historyVar = "_chat_" + ec.Node.ID
	}
	exitCmd := d.Value
	if exitCmd == "" {
		exitCmd = DefaultChatExitCommand
	}

	if ec.Event == nil || ec.EventConsumed {
		// First arrival: greet and park.
		if intro := interpolate(d.Text, ec); intro != "" {
			if err := i.messenger.SendMessage(ctx, ec.Session.ChatID, intro); err != nil {
				return fmt.Errorf("failed to send chat intro: %w", err)
			}
		}
		return nil
	}

	text := strings.TrimSpace(ec.Event.Text)
	ec.EventConsumed = true
	if strings.EqualFold(text, exitCmd) {
		delete(ec.Session.Variables, historyVar)
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	history := chatHistoryFromVar(ec.Session.Variables[historyVar])
	system := interpolate(d.SystemPrompt, ec)
	retries := d.MaxRetries
	if retries <= 0 {
		retries = DefaultAIRetries
	}

	var reply string
	var err error
	if d.Model != "" || i.selector == nil {
		reply, err = i.ai.CompleteChat(ctx, d.Model, system, history, text)
	} else {
		reply, _, err = i.selector.ExecuteWithFallback(ctx, func(ctx context.Context, m string) (string, error) {
			return i.ai.CompleteChat(ctx, m, system, history, text)
		}, retries)
	}
	if err != nil {
		return fmt.Errorf("ai chat turn failed: %w", err)
	}

	if err := i.messenger.SendMessage(ctx, ec.Session.ChatID, reply); err != nil {
		return fmt.Errorf("failed to send chat reply: %w", err)
	}
	history = append(history,
		genai.ChatMessage{Role: "user", Content: text},
		genai.ChatMessage{Role: "assistant", Content: reply},
	)
	ec.Session.SetVariable(historyVar, chatHistoryToVar(history))
	// Stay parked for the next turn.
	return nil
}

// chatHistoryFromVar decodes a history stored in session variables. Values
// round-trip through JSON, so entries arrive as map[string]any.
func chatHistoryFromVar(v any) []genai.ChatMessage {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	history := make([]genai.ChatMessage, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			continue
		}
		history = append(history, genai.ChatMessage{Role: role, Content: content})
	}
	return history
}

func chatHistoryToVar(history []genai.ChatMessage) []any {
	out := make([]any, len(history))
	for i, m := range history {
		out[i] = map[string]any{"role": m.Role, "content": m.Content}
	}
	return out
}
