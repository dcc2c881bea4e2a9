package models

import (
	"strconv"
	"time"
)

// Bot identifies one automation and its entry policy.
type Bot struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	StartCommand string `json:"startCommand,omitempty"`
}

// DefaultStartCommand is used when a bot does not configure its own.
const DefaultStartCommand = "/start"

// StartCmd returns the bot's start command, falling back to the default.
func (b Bot) StartCmd() string {
	if b.StartCommand != "" {
		return b.StartCommand
	}
	return DefaultStartCommand
}

// Content types of inbound channel events.
const (
	ContentTypeText     = "text"
	ContentTypePhoto    = "photo"
	ContentTypeVideo    = "video"
	ContentTypeAudio    = "audio"
	ContentTypeDocument = "document"
	ContentTypeLocation = "location"
	ContentTypeContact  = "contact"
	ContentTypeAny      = "any"
)

// InboundEvent is one end-user event delivered by the messaging channel.
type InboundEvent struct {
	BotID       string    `json:"botId"`
	UserID      string    `json:"userId"`
	ChatID      string    `json:"chatId"`
	Text        string    `json:"text,omitempty"`
	ContentType string    `json:"contentType"`
	ReceivedAt  time.Time `json:"receivedAt,omitempty"`
}

// LocationRequest records a pending location prompt for a session.
type LocationRequest struct {
	NodeID   string    `json:"nodeId"`
	Deadline time.Time `json:"deadline"`
}

// GroupMembership records a session's participation in a group session.
type GroupMembership struct {
	GroupID string `json:"groupId"`
	Role    string `json:"role,omitempty"`
}

// Session is the per-(bot,user) execution state: the node the branch is
// parked at plus a flat, string-keyed variable namespace.
type Session struct {
	BotID           string           `json:"botId"`
	UserID          string           `json:"userId"`
	ChatID          string           `json:"chatId,omitempty"`
	CurrentNodeID   string           `json:"currentNodeId,omitempty"`
	Variables       map[string]any   `json:"variables"`
	LastActivity    time.Time        `json:"lastActivity"`
	Synthetic       bool             `json:"synthetic,omitempty"`
	LocationRequest *LocationRequest `json:"locationRequest,omitempty"`
	GroupMembership *GroupMembership `json:"groupMembership,omitempty"`
}

// NewSession creates an empty session for (botID, userID).
func NewSession(botID, userID, chatID string) *Session {
	return &Session{
		BotID:        botID,
		UserID:       userID,
		ChatID:       chatID,
		Variables:    make(map[string]any),
		LastActivity: time.Now(),
	}
}

// SetVariable binds a value in the session's variable namespace.
func (s *Session) SetVariable(key string, value any) {
	if s.Variables == nil {
		s.Variables = make(map[string]any)
	}
	s.Variables[key] = value
}

// Variable returns the bound value and whether it exists.
func (s *Session) Variable(key string) (any, bool) {
	v, ok := s.Variables[key]
	return v, ok
}

// StringVariable returns the bound value rendered as a string. Missing
// variables render as the empty string.
func (s *Session) StringVariable(key string) string {
	v, ok := s.Variables[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}

// GroupSession binds multiple individual sessions for synchronized flows.
// Participant order is join order; collect results are aligned to it.
type GroupSession struct {
	ID              string         `json:"id"`
	BotID           string         `json:"botId"`
	ParticipantIDs  []string       `json:"participantIds"`
	SharedVariables map[string]any `json:"sharedVariables"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// HasParticipant reports whether userID is a member of the group.
func (g *GroupSession) HasParticipant(userID string) bool {
	for _, id := range g.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// EndpointRecord is the last externally-POSTed payload for (bot, node).
// Each receive overwrites the payload and increments the request counter.
type EndpointRecord struct {
	BotID        string         `json:"botId"`
	NodeID       string         `json:"nodeId"`
	Payload      map[string]any `json:"payload"`
	ReceivedAt   time.Time      `json:"receivedAt"`
	RequestCount int64          `json:"requestCount"`
}

// TaskStatus is the lifecycle state of a periodic task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusStopped   TaskStatus = "stopped"
	TaskStatusCompleted TaskStatus = "completed"
)

// PeriodicTask is a recurring, schedule-driven re-execution of a graph
// sub-branch, decoupled from user input. The schedule is either an interval
// with a unit or a cron expression.
type PeriodicTask struct {
	ID             string     `json:"id"`
	BotID          string     `json:"botId"`
	FlowID         string     `json:"flowId"`
	NodeID         string     `json:"nodeId"`
	UserID         string     `json:"userId"`
	ChatID         string     `json:"chatId"`
	Interval       int        `json:"interval,omitempty"`
	IntervalUnit   string     `json:"intervalUnit,omitempty"`
	CronExpr       string     `json:"cronExpr,omitempty"`
	MaxExecutions  int        `json:"maxExecutions,omitempty"`
	ExecutionCount int        `json:"executionCount"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// RemainingBudget returns how many executions are left, or -1 when the task
// is unlimited.
func (t *PeriodicTask) RemainingBudget() int {
	if t.MaxExecutions <= 0 {
		return -1
	}
	rem := t.MaxExecutions - t.ExecutionCount
	if rem < 0 {
		return 0
	}
	return rem
}

// APIResponse is the uniform JSON envelope for HTTP responses.
type APIResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Success builds a success envelope carrying an optional result.
func Success(result any) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// Error builds an error envelope with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Error: message}
}
