package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/FlowBotIO/flowbot/internal/endpoint"
	"github.com/FlowBotIO/flowbot/internal/flow"
	"github.com/FlowBotIO/flowbot/internal/group"
	"github.com/FlowBotIO/flowbot/internal/messaging"
	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/periodic"
	"github.com/FlowBotIO/flowbot/internal/store"
)

const testAccessKey = "topsecret"

func newTestServer(t *testing.T) (http.Handler, *store.InMemoryStore, *messaging.MockMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	graphs := store.NewInMemoryGraphRepo()
	mm := messaging.NewMockMessenger()

	graphs.SetBot(models.Bot{ID: "bot", Name: "test bot"})
	g, err := models.NewFlowGraph("g1", "bot",
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "ep", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: testAccessKey}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "order {{orderId}}"}},
		},
		[]models.Edge{
			{Source: "s", Target: "ep"},
			{Source: "ep", Target: "m"},
		})
	if err != nil {
		t.Fatalf("NewFlowGraph failed: %v", err)
	}
	graphs.SetActiveGraph("bot", g)

	interp := flow.NewInterpreter(st, graphs, mm, group.NewCoordinator(st, mm), nil, nil)
	scheduler := periodic.NewScheduler(st, interp)
	t.Cleanup(scheduler.Stop)
	interp.SetScheduler(scheduler)
	correlator := endpoint.NewCorrelator(st, interp)

	srv := NewServer(interp, correlator, scheduler, graphs)
	return srv.Handler(), st, mm
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode request body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func parkSessionAt(t *testing.T, st *store.InMemoryStore, nodeID string) *models.Session {
	t.Helper()
	sess := models.NewSession("bot", "u1", "c1")
	sess.CurrentNodeID = nodeID
	if err := st.SaveSession(context.Background(), sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	return sess
}

func TestEndpointWrongKeyLeavesNoTrace(t *testing.T) {
	h, st, mm := newTestServer(t)
	parkSessionAt(t, st, "ep")

	rec := postJSON(t, h, "/endpoint/bot/ep", map[string]any{
		"accessKey": "wrong",
		"payload":   map[string]any{"orderId": "42"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}

	record, err := st.GetEndpointRecord(context.Background(), "bot", "ep")
	if err != nil {
		t.Fatalf("GetEndpointRecord failed: %v", err)
	}
	if record != nil {
		t.Error("rejected request must not create an endpoint record")
	}
	sess, _ := st.GetSession(context.Background(), "bot", "u1")
	if sess.CurrentNodeID != "ep" {
		t.Errorf("rejected request must not move the session, got %q", sess.CurrentNodeID)
	}
	if _, ok := sess.Variable("orderId"); ok {
		t.Error("rejected request must not merge its payload")
	}
	if len(mm.Sent()) != 0 {
		t.Errorf("rejected request must not trigger sends, got %+v", mm.Sent())
	}
}

func TestEndpointCorrectKeyResumesWaitingSession(t *testing.T) {
	h, st, mm := newTestServer(t)
	parkSessionAt(t, st, "ep")

	rec := postJSON(t, h, "/endpoint/bot/ep", map[string]any{
		"accessKey": testAccessKey,
		"payload":   map[string]any{"orderId": "42"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeResponse(t, rec); resp.Status != "ok" {
		t.Errorf("unexpected envelope: %+v", resp)
	}

	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "order 42" {
		t.Fatalf("waiting session must resume with the payload, got %+v", sent)
	}
	sess, _ := st.GetSession(context.Background(), "bot", "u1")
	if sess.CurrentNodeID != "" {
		t.Errorf("branch should have ended after resume, got %q", sess.CurrentNodeID)
	}
	record, _ := st.GetEndpointRecord(context.Background(), "bot", "ep")
	if record == nil || record.RequestCount != 1 {
		t.Fatalf("expected a stored record with count 1, got %+v", record)
	}
}

func TestEndpointSynthesizesSessionForTargetedUser(t *testing.T) {
	h, st, mm := newTestServer(t)

	rec := postJSON(t, h, "/endpoint/bot/ep", map[string]any{
		"accessKey": testAccessKey,
		"payload":   map[string]any{"userId": "42", "orderId": "7"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sess, _ := st.GetSession(context.Background(), "bot", "42")
	if sess == nil {
		t.Fatal("a user-targeted payload with no session must synthesize one")
	}
	sent := mm.SentTo("42")
	if len(sent) != 1 || sent[0].Text != "order 7" {
		t.Fatalf("synthesized session must run the branch past the endpoint, got %+v", sent)
	}
}

func TestEndpointUnknownNodeNotFound(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := postJSON(t, h, "/endpoint/bot/nope", map[string]any{"accessKey": testAccessKey})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown node, got %d", rec.Code)
	}

	// A non-endpoint node id is equally invisible to callers.
	rec = postJSON(t, h, "/endpoint/bot/m", map[string]any{"accessKey": testAccessKey})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-endpoint node, got %d", rec.Code)
	}
}

func TestEventInjection(t *testing.T) {
	h, st, mm := newTestServer(t)

	rec := postJSON(t, h, "/events", models.InboundEvent{
		BotID:  "bot",
		UserID: "u1",
		Text:   "/start",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// ChatID defaults to the user id when omitted.
	sess, _ := st.GetSession(context.Background(), "bot", "u1")
	if sess == nil || sess.ChatID != "u1" {
		t.Fatalf("expected session with defaulted chat id, got %+v", sess)
	}
	if sess.CurrentNodeID != "ep" {
		t.Errorf("start branch should park at the endpoint node, got %q", sess.CurrentNodeID)
	}
	if len(mm.Sent()) != 0 {
		t.Errorf("no sends expected before the endpoint fires, got %+v", mm.Sent())
	}
}

func TestEventValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := postJSON(t, h, "/events", models.InboundEvent{UserID: "u1", Text: "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing bot id, got %d", rec.Code)
	}

	rec = postJSON(t, h, "/events", models.InboundEvent{BotID: "ghost", UserID: "u1", Text: "hi"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown bot, got %d", rec.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	h, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/periodic/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown task, got %d", rec.Code)
	}
}

func TestTaskActionValidation(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := postJSON(t, h, "/periodic/t1/explode", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown action, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "ok" {
		t.Errorf("unexpected health envelope: %+v", resp)
	}
}
