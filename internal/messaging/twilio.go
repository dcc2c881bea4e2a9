// Package messaging provides channel adapters for FlowBot.
//
// This file implements the Twilio WhatsApp adapter, the reference Messenger
// implementation.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// phoneNumberRegex strips every non-digit character during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// TwilioOpts holds configuration options for the Twilio adapter.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption configures the Twilio adapter.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the WhatsApp sender number ("whatsapp:+1234567890").
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// messageCreator is the minimal Twilio API surface used by the adapter.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioMessenger implements Messenger over the Twilio WhatsApp API.
type TwilioMessenger struct {
	api  messageCreator
	from string

	mu      sync.RWMutex
	stopped bool
}

// NewTwilioMessenger creates a Twilio-backed Messenger. Options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER.
func NewTwilioMessenger(opts ...TwilioOption) (*TwilioMessenger, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio messenger config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioMessenger{api: client.Api, from: cfg.FromNumber}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number. It removes all non-numeric characters and requires at least
// 6 digits.
func (m *TwilioMessenger) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("TwilioMessenger canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// SendMessage sends a plain text message via Twilio.
func (m *TwilioMessenger) SendMessage(ctx context.Context, chatID string, text string) error {
	return m.send(ctx, chatID, text, "")
}

// SendKeyboard sends a message with buttons rendered as a numbered reply
// list; the WhatsApp channel has no inline keyboards.
func (m *TwilioMessenger) SendKeyboard(ctx context.Context, chatID string, text string, buttons []models.Button) error {
	var b strings.Builder
	b.WriteString(text)
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Label)
	}
	return m.send(ctx, chatID, b.String(), "")
}

// SendFile sends a media message by URL with an optional caption.
func (m *TwilioMessenger) SendFile(ctx context.Context, chatID string, fileURL, caption string) error {
	return m.send(ctx, chatID, caption, fileURL)
}

// RequestLocation sends a location prompt as plain text.
func (m *TwilioMessenger) RequestLocation(ctx context.Context, chatID string, prompt string) error {
	if prompt == "" {
		prompt = "Please share your location."
	}
	return m.send(ctx, chatID, prompt, "")
}

// Stop marks the messenger stopped; subsequent sends fail fast.
func (m *TwilioMessenger) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *TwilioMessenger) send(ctx context.Context, chatID, body, mediaURL string) error {
	m.mu.RLock()
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	to, err := m.ValidateAndCanonicalizeRecipient(chatID)
	if err != nil {
		slog.Error("TwilioMessenger send validation error", "error", err, "to", chatID)
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(m.from)
	if body != "" {
		params.SetBody(body)
	}
	if mediaURL != "" {
		params.SetMediaUrl([]string{mediaURL})
	}

	msg, err := m.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioMessenger send failed", "error", err, "to", to)
		return err
	}
	if msg.Sid != nil {
		slog.Debug("TwilioMessenger sent message", "to", to, "sid", *msg.Sid)
	}
	return nil
}
