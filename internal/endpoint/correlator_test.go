package endpoint

import (
	"context"
	"testing"
	"time"

	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/store"
)

// recordingResumer captures resume calls, mimicking the real interpreter's
// contract: the session is loaded and mutated inside the resume call, and
// ResumeIfWaiting only fires for sessions still parked at the node.
type recordingResumer struct {
	st      store.Store
	resumed []resumeCall
}

type resumeCall struct {
	userID string
	chatID string
	nodeID string
	vars   map[string]any
}

func (r *recordingResumer) ResumeFrom(ctx context.Context, botID, userID, chatID, nodeID string, vars map[string]any) error {
	r.resumed = append(r.resumed, resumeCall{userID: userID, chatID: chatID, nodeID: nodeID, vars: vars})
	if r.st == nil {
		return nil
	}
	sess, err := r.st.GetSession(ctx, botID, userID)
	if err != nil {
		return err
	}
	if sess == nil {
		sess = models.NewSession(botID, userID, chatID)
		sess.CurrentNodeID = nodeID
	}
	for k, v := range vars {
		sess.SetVariable(k, v)
	}
	return r.st.SaveSession(ctx, sess)
}

func (r *recordingResumer) ResumeIfWaiting(ctx context.Context, botID, userID, nodeID string, vars map[string]any) error {
	if r.st != nil {
		sess, err := r.st.GetSession(ctx, botID, userID)
		if err != nil {
			return err
		}
		if sess == nil || sess.CurrentNodeID != nodeID {
			return nil
		}
	}
	r.resumed = append(r.resumed, resumeCall{userID: userID, nodeID: nodeID, vars: vars})
	return nil
}

func TestReceiveOverwritesAndCounts(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	c := NewCorrelator(st, &recordingResumer{})

	if err := c.Receive(ctx, "bot", "ep", map[string]any{"v": "first"}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := c.Receive(ctx, "bot", "ep", map[string]any{"v": "second"}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	rec, err := st.GetEndpointRecord(ctx, "bot", "ep")
	if err != nil || rec == nil {
		t.Fatalf("record not stored: %v", err)
	}
	if rec.RequestCount != 2 {
		t.Errorf("expected request count 2, got %d", rec.RequestCount)
	}
	if rec.Payload["v"] != "second" {
		t.Errorf("expected latest payload, got %v", rec.Payload)
	}
}

func TestReceiveUserTargetedMerge(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	r := &recordingResumer{st: st}
	c := NewCorrelator(st, r)

	sess := models.NewSession("bot", "42", "chat42")
	sess.CurrentNodeID = "ep"
	sess.SetVariable("existing", "kept")
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := c.Receive(ctx, "bot", "ep", map[string]any{"userId": "42", "orderId": "9"}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(r.resumed) != 1 {
		t.Fatalf("expected 1 resume, got %d", len(r.resumed))
	}
	call := r.resumed[0]
	if call.userID != "42" || call.nodeID != "ep" {
		t.Errorf("unexpected resume target: %+v", call)
	}
	if call.vars["orderId"] != "9" {
		t.Errorf("payload not handed to the resumer: %v", call.vars)
	}
	// The merge happens inside the resume, against the stored session.
	sess, _ = st.GetSession(ctx, "bot", "42")
	if sess == nil {
		t.Fatal("session vanished")
	}
	if sess.Variables["existing"] != "kept" || sess.Variables["orderId"] != "9" {
		t.Errorf("payload not merged into stored session: %v", sess.Variables)
	}
}

func TestReceiveUserTargetedSynthesizesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	r := &recordingResumer{st: st}
	c := NewCorrelator(st, r)

	if err := c.Receive(ctx, "bot", "ep", map[string]any{"userId": "77", "chatId": "c77"}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(r.resumed) != 1 {
		t.Fatalf("expected 1 resume, got %d", len(r.resumed))
	}
	if r.resumed[0].userID != "77" {
		t.Errorf("expected synthesized session for user 77, got %q", r.resumed[0].userID)
	}
	sess, _ := st.GetSession(ctx, "bot", "77")
	if sess == nil {
		t.Fatal("synthesized session was not persisted")
	}
	if sess.ChatID != "c77" {
		t.Errorf("expected chat id from payload, got %q", sess.ChatID)
	}
}

func TestReceiveBroadcastsToWaitingSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	r := &recordingResumer{st: st}
	c := NewCorrelator(st, r)

	for _, u := range []string{"a", "b"} {
		s := models.NewSession("bot", u, u)
		s.CurrentNodeID = "ep"
		if err := st.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}
	elsewhere := models.NewSession("bot", "c", "c")
	elsewhere.CurrentNodeID = "other"
	if err := st.SaveSession(ctx, elsewhere); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := c.Receive(ctx, "bot", "ep", map[string]any{"data": 1.0}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(r.resumed) != 2 {
		t.Fatalf("expected both waiting sessions resumed, got %d", len(r.resumed))
	}
	for _, call := range r.resumed {
		if call.userID == "c" {
			t.Error("session parked elsewhere must not be resumed")
		}
	}
}

// racingStore advances every listed session to another node right after the
// waiting-session snapshot is taken, simulating an inbound event landing
// between the snapshot and the resume.
type racingStore struct {
	store.Store
	moveTo string
}

func (s *racingStore) ListSessionsAtNode(ctx context.Context, botID, nodeID string) ([]*models.Session, error) {
	waiting, err := s.Store.ListSessionsAtNode(ctx, botID, nodeID)
	if err != nil {
		return nil, err
	}
	for _, w := range waiting {
		live, err := s.Store.GetSession(ctx, botID, w.UserID)
		if err != nil || live == nil {
			continue
		}
		live.CurrentNodeID = s.moveTo
		if err := s.Store.SaveSession(ctx, live); err != nil {
			return nil, err
		}
	}
	return waiting, nil
}

func TestReceiveSkipsSessionMovedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	inner := store.NewInMemoryStore()
	st := &racingStore{Store: inner, moveTo: "m2"}
	r := &recordingResumer{st: inner}
	c := NewCorrelator(st, r)

	sess := models.NewSession("bot", "u1", "c1")
	sess.CurrentNodeID = "ep"
	if err := inner.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := c.Receive(ctx, "bot", "ep", map[string]any{"data": 1.0}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	// The session advanced past the endpoint node before the resume could
	// land, so the node's children must not run a second time for it.
	if len(r.resumed) != 0 {
		t.Fatalf("expected no resume for a session that moved on, got %d", len(r.resumed))
	}
	live, _ := inner.GetSession(ctx, "bot", "u1")
	if live == nil || live.CurrentNodeID != "m2" {
		t.Errorf("session position clobbered by stale resume: %+v", live)
	}
}

func TestReceiveDisposableSessionDeleted(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	r := &recordingResumer{st: st}
	c := NewCorrelator(st, r)

	if err := c.Receive(ctx, "bot", "ep", map[string]any{"ping": true}); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	// Side effects fire exactly once, under a synthetic session.
	if len(r.resumed) != 1 {
		t.Fatalf("expected 1 disposable resume, got %d", len(r.resumed))
	}
	// The disposable session does not survive the call.
	sessions, err := st.ListActiveSessions(ctx, "bot")
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("disposable session leaked: %+v", sessions)
	}
}

func TestSweepHonorsRetention(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	c := NewCorrelator(st, &recordingResumer{})
	c.SetRetention(time.Hour)

	old := &models.EndpointRecord{BotID: "bot", NodeID: "stale", ReceivedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &models.EndpointRecord{BotID: "bot", NodeID: "fresh", ReceivedAt: time.Now()}
	for _, rec := range []*models.EndpointRecord{old, fresh} {
		if err := st.SaveEndpointRecord(ctx, rec); err != nil {
			t.Fatalf("SaveEndpointRecord failed: %v", err)
		}
	}

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged record, got %d", n)
	}
	if rec, _ := st.GetEndpointRecord(ctx, "bot", "fresh"); rec == nil {
		t.Error("fresh record must survive the sweep")
	}
}
