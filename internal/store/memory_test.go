package store

import (
	"context"
	"testing"
	"time"

	"github.com/FlowBotIO/flowbot/internal/models"
)

func TestInMemoryStoreSessions(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	got, err := st.GetSession(ctx, "bot", "user")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing session")
	}

	sess := models.NewSession("bot", "user", "chat")
	sess.CurrentNodeID = "n1"
	sess.SetVariable("name", "Ada")
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err = st.GetSession(ctx, "bot", "user")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil || got.CurrentNodeID != "n1" || got.StringVariable("name") != "Ada" {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Returned sessions are copies; mutating one must not leak back.
	got.SetVariable("name", "Bob")
	again, _ := st.GetSession(ctx, "bot", "user")
	if again.StringVariable("name") != "Ada" {
		t.Error("store leaked a mutable reference to its session")
	}

	if err := st.DeleteSession(ctx, "bot", "user"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	got, _ = st.GetSession(ctx, "bot", "user")
	if got != nil {
		t.Error("expected session deleted")
	}
}

func TestInMemoryStoreListSessionsAtNode(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	for _, u := range []struct{ user, node string }{
		{"u1", "wait"}, {"u2", "wait"}, {"u3", "other"},
	} {
		s := models.NewSession("bot", u.user, u.user)
		s.CurrentNodeID = u.node
		if err := st.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}
	other := models.NewSession("bot2", "u1", "u1")
	other.CurrentNodeID = "wait"
	if err := st.SaveSession(ctx, other); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	waiting, err := st.ListSessionsAtNode(ctx, "bot", "wait")
	if err != nil {
		t.Fatalf("ListSessionsAtNode failed: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected 2 waiting sessions, got %d", len(waiting))
	}

	all, err := st.ListActiveSessions(ctx, "bot")
	if err != nil {
		t.Fatalf("ListActiveSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions for bot, got %d", len(all))
	}
}

func TestInMemoryStoreSweepExpiredSessions(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	stale := models.NewSession("bot", "old", "old")
	stale.LastActivity = time.Now().Add(-2 * time.Hour)
	fresh := models.NewSession("bot", "new", "new")
	if err := st.SaveSession(ctx, stale); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := st.SaveSession(ctx, fresh); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	n, err := st.SweepExpiredSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepExpiredSessions failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept session, got %d", n)
	}
	if s, _ := st.GetSession(ctx, "bot", "old"); s != nil {
		t.Error("stale session should be gone")
	}
	if s, _ := st.GetSession(ctx, "bot", "new"); s == nil {
		t.Error("fresh session should survive")
	}
}

func TestInMemoryStoreEndpointRecords(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	rec := &models.EndpointRecord{
		BotID:        "bot",
		NodeID:       "ep",
		Payload:      map[string]any{"orderId": "42"},
		ReceivedAt:   time.Now(),
		RequestCount: 1,
	}
	if err := st.SaveEndpointRecord(ctx, rec); err != nil {
		t.Fatalf("SaveEndpointRecord failed: %v", err)
	}
	got, err := st.GetEndpointRecord(ctx, "bot", "ep")
	if err != nil {
		t.Fatalf("GetEndpointRecord failed: %v", err)
	}
	if got == nil || got.RequestCount != 1 || got.Payload["orderId"] != "42" {
		t.Fatalf("unexpected record: %+v", got)
	}

	// Overwrite with a fresh payload.
	rec2 := &models.EndpointRecord{
		BotID:        "bot",
		NodeID:       "ep",
		Payload:      map[string]any{"orderId": "43"},
		ReceivedAt:   time.Now(),
		RequestCount: 2,
	}
	if err := st.SaveEndpointRecord(ctx, rec2); err != nil {
		t.Fatalf("SaveEndpointRecord failed: %v", err)
	}
	got, _ = st.GetEndpointRecord(ctx, "bot", "ep")
	if got.RequestCount != 2 || got.Payload["orderId"] != "43" {
		t.Fatalf("expected overwritten record, got %+v", got)
	}

	// Old records are swept.
	old := &models.EndpointRecord{BotID: "bot", NodeID: "stale", ReceivedAt: time.Now().Add(-8 * 24 * time.Hour)}
	if err := st.SaveEndpointRecord(ctx, old); err != nil {
		t.Fatalf("SaveEndpointRecord failed: %v", err)
	}
	n, err := st.SweepEndpointRecords(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("SweepEndpointRecords failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept record, got %d", n)
	}
}

func TestInMemoryStoreGroupSessions(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	g := &models.GroupSession{
		ID:              "g1",
		BotID:           "bot",
		ParticipantIDs:  []string{"u1", "u2"},
		SharedVariables: map[string]any{"topic": "quiz"},
		CreatedAt:       time.Now(),
	}
	if err := st.SaveGroupSession(ctx, g); err != nil {
		t.Fatalf("SaveGroupSession failed: %v", err)
	}
	got, err := st.GetGroupSession(ctx, "g1")
	if err != nil {
		t.Fatalf("GetGroupSession failed: %v", err)
	}
	if got == nil || len(got.ParticipantIDs) != 2 || got.SharedVariables["topic"] != "quiz" {
		t.Fatalf("unexpected group: %+v", got)
	}
	if err := st.DeleteGroupSession(ctx, "g1"); err != nil {
		t.Fatalf("DeleteGroupSession failed: %v", err)
	}
	if got, _ := st.GetGroupSession(ctx, "g1"); got != nil {
		t.Error("expected group deleted")
	}
}

func TestInMemoryStorePeriodicTasks(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	task := &models.PeriodicTask{
		ID:     "t1",
		BotID:  "bot",
		NodeID: "p1",
		UserID: "u1",
		Status: models.TaskStatusRunning,
	}
	if err := st.SavePeriodicTask(ctx, task); err != nil {
		t.Fatalf("SavePeriodicTask failed: %v", err)
	}
	got, err := st.GetPeriodicTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetPeriodicTask failed: %v", err)
	}
	if got == nil || got.Status != models.TaskStatusRunning {
		t.Fatalf("unexpected task: %+v", got)
	}

	list, err := st.ListPeriodicTasks(ctx)
	if err != nil {
		t.Fatalf("ListPeriodicTasks failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 task, got %d", len(list))
	}

	if err := st.DeletePeriodicTask(ctx, "t1"); err != nil {
		t.Fatalf("DeletePeriodicTask failed: %v", err)
	}
	if got, _ := st.GetPeriodicTask(ctx, "t1"); got != nil {
		t.Error("expected task deleted")
	}
}
