// Package endpoint implements the endpoint correlator: a global store of
// externally-POSTed payloads keyed by (bot, node), matched against sessions
// parked at endpoint nodes.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/store"
)

// DefaultRetention is how long endpoint records are kept before the sweep
// purges them.
const DefaultRetention = 7 * 24 * time.Hour

// BranchResumer advances a user's branch past an endpoint node. The
// implementation owns the per-session exclusive section: it reloads the
// session under the session lock, merges vars there, and only then
// dispatches, so the correlator never acts on a stale session copy.
type BranchResumer interface {
	// ResumeFrom resumes unconditionally, synthesizing a session anchored at
	// nodeID (delivering to chatID) when the user has none.
	ResumeFrom(ctx context.Context, botID, userID, chatID, nodeID string, vars map[string]any) error
	// ResumeIfWaiting resumes only when the session is still parked at nodeID
	// when reloaded under the lock.
	ResumeIfWaiting(ctx context.Context, botID, userID, nodeID string, vars map[string]any) error
}

// Correlator stores external payloads and resumes waiting sessions.
type Correlator struct {
	store     store.Store
	resumer   BranchResumer
	retention time.Duration
}

// NewCorrelator creates a correlator with the default retention window.
func NewCorrelator(st store.Store, resumer BranchResumer) *Correlator {
	return &Correlator{store: st, resumer: resumer, retention: DefaultRetention}
}

// SetRetention overrides the record retention window.
func (c *Correlator) SetRetention(d time.Duration) {
	if d > 0 {
		c.retention = d
	}
}

// Receive overwrite-stores the payload under (botID, nodeID) with an
// incremented request counter and fresh timestamp, then resumes any matching
// sessions. Storage happens unconditionally, even when nothing is waiting,
// so a late-arriving session can still pick up the most recent payload.
func (c *Correlator) Receive(ctx context.Context, botID, nodeID string, payload map[string]any) error {
	existing, err := c.store.GetEndpointRecord(ctx, botID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to load endpoint record: %w", err)
	}
	record := &models.EndpointRecord{
		BotID:        botID,
		NodeID:       nodeID,
		Payload:      payload,
		ReceivedAt:   time.Now(),
		RequestCount: 1,
	}
	if existing != nil {
		record.RequestCount = existing.RequestCount + 1
	}
	if err := c.store.SaveEndpointRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to save endpoint record: %w", err)
	}
	slog.Debug("Correlator.Receive stored payload", "botID", botID, "nodeID", nodeID, "requestCount", record.RequestCount)

	return c.continueSessions(ctx, botID, nodeID, payload)
}

// ResolveWaitingSessions returns every session of the bot whose current node
// is nodeID.
func (c *Correlator) ResolveWaitingSessions(ctx context.Context, botID, nodeID string) ([]*models.Session, error) {
	return c.store.ListSessionsAtNode(ctx, botID, nodeID)
}

// continueSessions picks the continuation mode based on the payload: a
// user-targeted resume when a userId is present, otherwise a resume of every
// waiting session, falling back to a one-shot disposable session.
func (c *Correlator) continueSessions(ctx context.Context, botID, nodeID string, payload map[string]any) error {
	if userID, ok := payloadUserID(payload); ok {
		return c.continueForUser(ctx, botID, nodeID, userID, payload)
	}

	waiting, err := c.ResolveWaitingSessions(ctx, botID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to resolve waiting sessions: %w", err)
	}
	if len(waiting) == 0 {
		return c.runDisposable(ctx, botID, nodeID, payload)
	}
	for _, sess := range waiting {
		// The resumer re-checks under the session lock that the session is
		// still parked at the node, so a session a concurrent event already
		// advanced is skipped instead of resumed from a stale copy.
		if err := c.resumer.ResumeIfWaiting(ctx, botID, sess.UserID, nodeID, payload); err != nil {
			slog.Error("Correlator: resume failed for waiting session", "botID", botID, "nodeID", nodeID, "userID", sess.UserID, "error", err)
		}
	}
	return nil
}

// continueForUser resumes the targeted user's branch; the resumer merges the
// payload into the session under its lock, synthesizing a session anchored at
// the endpoint node when none exists.
func (c *Correlator) continueForUser(ctx context.Context, botID, nodeID, userID string, payload map[string]any) error {
	return c.resumer.ResumeFrom(ctx, botID, userID, payloadChatID(payload, userID), nodeID, payload)
}

// runDisposable executes the branch once under a throwaway session that is
// deleted immediately after, so side effects fire exactly once per call.
func (c *Correlator) runDisposable(ctx context.Context, botID, nodeID string, payload map[string]any) error {
	userID := "endpoint-" + uuid.NewString()
	slog.Debug("Correlator: executing branch under disposable session", "botID", botID, "nodeID", nodeID)

	err := c.resumer.ResumeFrom(ctx, botID, userID, "", nodeID, payload)
	if delErr := c.store.DeleteSession(ctx, botID, userID); delErr != nil {
		slog.Error("Correlator: failed to delete disposable session", "botID", botID, "userID", userID, "error", delErr)
	}
	return err
}

// Sweep purges endpoint records older than the retention window.
func (c *Correlator) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.SweepEndpointRecords(ctx, c.retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Correlator.Sweep purged endpoint records", "count", n)
	}
	return n, nil
}

// StartSweeper runs Sweep on the given interval until the context ends.
func (c *Correlator) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Sweep(ctx); err != nil {
					slog.Error("Correlator.Sweep failed", "error", err)
				}
			}
		}
	}()
}

func payloadUserID(payload map[string]any) (string, bool) {
	for _, key := range []string{"userId", "user_id"} {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func payloadChatID(payload map[string]any, fallback string) string {
	for _, key := range []string{"chatId", "chat_id"} {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return fallback
}
