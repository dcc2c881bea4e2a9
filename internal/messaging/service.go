// Package messaging defines the outbound channel abstraction used by the
// flow engine. The engine never initiates channel connections; node handlers
// only call the injected Messenger.
package messaging

import (
	"context"
	"errors"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Messenger is the send-side capability injected into node handlers.
type Messenger interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each implementation applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a plain text message to a chat.
	SendMessage(ctx context.Context, chatID string, text string) error

	// SendKeyboard sends a text message together with reply buttons.
	SendKeyboard(ctx context.Context, chatID string, text string, buttons []models.Button) error

	// SendFile sends a file by URL with an optional caption.
	SendFile(ctx context.Context, chatID string, fileURL, caption string) error

	// RequestLocation prompts the user to share their location.
	RequestLocation(ctx context.Context, chatID string, prompt string) error
}
