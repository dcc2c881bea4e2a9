package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// ConsoleMessenger logs outbound messages instead of sending them. It is the
// default channel for local development when no Twilio credentials are set.
type ConsoleMessenger struct{}

// NewConsoleMessenger creates a log-only messenger.
func NewConsoleMessenger() *ConsoleMessenger { return &ConsoleMessenger{} }

// ValidateAndCanonicalizeRecipient accepts any non-empty recipient as-is.
func (c *ConsoleMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

// SendMessage logs the message.
func (c *ConsoleMessenger) SendMessage(ctx context.Context, chatID, text string) error {
	slog.Info("ConsoleMessenger: message", "chatID", chatID, "text", text)
	return nil
}

// SendKeyboard logs the message and its buttons.
func (c *ConsoleMessenger) SendKeyboard(ctx context.Context, chatID, text string, buttons []models.Button) error {
	labels := make([]string, len(buttons))
	for i, b := range buttons {
		labels[i] = b.Label
	}
	slog.Info("ConsoleMessenger: keyboard", "chatID", chatID, "text", text, "buttons", strings.Join(labels, ", "))
	return nil
}

// SendFile logs the file URL.
func (c *ConsoleMessenger) SendFile(ctx context.Context, chatID, fileURL, caption string) error {
	slog.Info("ConsoleMessenger: file", "chatID", chatID, "url", fileURL, "caption", caption)
	return nil
}

// RequestLocation logs the prompt.
func (c *ConsoleMessenger) RequestLocation(ctx context.Context, chatID, prompt string) error {
	slog.Info("ConsoleMessenger: location request", "chatID", chatID, "prompt", prompt)
	return nil
}
