// Package messaging provides channel adapters for FlowBot.
//
// This file implements a recording Messenger used by tests across packages.
package messaging

import (
	"context"
	"sync"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// SentMessage records one outbound send observed by the MockMessenger.
type SentMessage struct {
	ChatID   string
	Text     string
	Buttons  []models.Button
	FileURL  string
	Caption  string
	Location bool
}

// MockMessenger is a thread-safe recording Messenger for tests. If FailFor
// contains a chat id, sends to it return ErrSendFailed.
type MockMessenger struct {
	mu      sync.Mutex
	sent    []SentMessage
	FailFor map[string]bool
}

// ErrSendFailed is returned by MockMessenger for chat ids listed in FailFor.
var ErrSendFailed = errServiceFailure{}

type errServiceFailure struct{}

func (errServiceFailure) Error() string { return "send failed" }

// NewMockMessenger creates an empty recording messenger.
func NewMockMessenger() *MockMessenger {
	return &MockMessenger{FailFor: make(map[string]bool)}
}

// ValidateAndCanonicalizeRecipient accepts any non-empty recipient unchanged.
func (m *MockMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrSendFailed
	}
	return recipient, nil
}

// SendMessage records a text send.
func (m *MockMessenger) SendMessage(ctx context.Context, chatID string, text string) error {
	return m.record(SentMessage{ChatID: chatID, Text: text})
}

// SendKeyboard records a keyboard send.
func (m *MockMessenger) SendKeyboard(ctx context.Context, chatID string, text string, buttons []models.Button) error {
	return m.record(SentMessage{ChatID: chatID, Text: text, Buttons: buttons})
}

// SendFile records a file send.
func (m *MockMessenger) SendFile(ctx context.Context, chatID string, fileURL, caption string) error {
	return m.record(SentMessage{ChatID: chatID, FileURL: fileURL, Caption: caption})
}

// RequestLocation records a location prompt.
func (m *MockMessenger) RequestLocation(ctx context.Context, chatID string, prompt string) error {
	return m.record(SentMessage{ChatID: chatID, Text: prompt, Location: true})
}

func (m *MockMessenger) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailFor[msg.ChatID] {
		return ErrSendFailed
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a snapshot of everything recorded so far.
func (m *MockMessenger) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns the sends recorded for one chat id.
func (m *MockMessenger) SentTo(chatID string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}
