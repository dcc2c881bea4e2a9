package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/FlowBotIO/flowbot/internal/group"
	"github.com/FlowBotIO/flowbot/internal/messaging"
	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/periodic"
	"github.com/FlowBotIO/flowbot/internal/store"
)

func newTestInterpreter(t *testing.T) (*Interpreter, *store.InMemoryStore, *store.InMemoryGraphRepo, *messaging.MockMessenger) {
	t.Helper()
	st := store.NewInMemoryStore()
	graphs := store.NewInMemoryGraphRepo()
	mm := messaging.NewMockMessenger()
	groups := group.NewCoordinator(st, mm)
	interp := NewInterpreter(st, graphs, mm, groups, nil, nil)
	groups.SetResumer(interp)
	return interp, st, graphs, mm
}

func setGraph(t *testing.T, graphs *store.InMemoryGraphRepo, nodes []models.Node, edges []models.Edge) models.Bot {
	t.Helper()
	bot := models.Bot{ID: "bot", Name: "test bot"}
	graphs.SetBot(bot)
	g, err := models.NewFlowGraph("g1", bot.ID, nodes, edges)
	if err != nil {
		t.Fatalf("NewFlowGraph failed: %v", err)
	}
	graphs.SetActiveGraph(bot.ID, g)
	return bot
}

func textEvent(text string) *models.InboundEvent {
	return userEvent("u1", "c1", text)
}

func userEvent(userID, chatID, text string) *models.InboundEvent {
	return &models.InboundEvent{
		BotID:       "bot",
		UserID:      userID,
		ChatID:      chatID,
		Text:        text,
		ContentType: models.ContentTypeText,
	}
}

func TestStartCommandRunsBranchToEnd(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "welcome"}},
			{ID: "e", Type: models.NodeTypeEnd},
		},
		[]models.Edge{
			{Source: "s", Target: "m"},
			{Source: "m", Target: "e"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}

	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "welcome" {
		t.Fatalf("expected a single welcome message, got %+v", sent)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess == nil {
		t.Fatal("session should be persisted")
	}
	if sess.CurrentNodeID != "" {
		t.Errorf("end node must clear the current node, got %q", sess.CurrentNodeID)
	}
}

func TestNewMessageExactMatchBeatsCatchAll(t *testing.T) {
	ctx := context.Background()
	interp, _, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "any", Type: models.NodeTypeNewMessage, Data: models.NodeData{Variable: "input"}},
			{ID: "hi", Type: models.NodeTypeNewMessage, Data: models.NodeData{Text: "hi", Variable: "input"}},
			{ID: "mAny", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "fallback"}},
			{ID: "mHi", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "greeting"}},
		},
		[]models.Edge{
			{Source: "any", Target: "mAny"},
			{Source: "hi", Target: "mHi"},
		})

	// "HI" matches the exact matcher case-insensitively, beating the earlier
	// declared catch-all.
	if err := interp.HandleInboundEvent(ctx, bot, textEvent("HI")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "greeting" {
		t.Fatalf("expected exact match branch, got %+v", sent)
	}
}

func TestNewMessageCatchAllFallback(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "hi", Type: models.NodeTypeNewMessage, Data: models.NodeData{Text: "hi"}},
			{ID: "any", Type: models.NodeTypeNewMessage, Data: models.NodeData{Variable: "input"}},
			{ID: "mHi", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "greeting"}},
			{ID: "mAny", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "fallback"}},
		},
		[]models.Edge{
			{Source: "hi", Target: "mHi"},
			{Source: "any", Target: "mAny"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("what's up")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "fallback" {
		t.Fatalf("expected catch-all branch, got %+v", sent)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.StringVariable("input") != "what's up" {
		t.Errorf("new_message must bind the event text, got %q", sess.StringVariable("input"))
	}
}

func TestMidBranchNewMessageIsNotAnEntry(t *testing.T) {
	ctx := context.Background()
	interp, _, graphs, mm := newTestInterpreter(t)
	// "mid" has an incoming edge from a message node, so free text must not
	// trigger it.
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "step"}},
			{ID: "mid", Type: models.NodeTypeNewMessage, Data: models.NodeData{Text: "secret"}},
			{ID: "hidden", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "you found it"}},
		},
		[]models.Edge{
			{Source: "m", Target: "mid"},
			{Source: "mid", Target: "hidden"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("secret")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	if len(mm.Sent()) != 0 {
		t.Fatalf("mid-branch new_message must not be re-triggered by free text, got %+v", mm.Sent())
	}
}

func TestConditionSelectsLabeledEdge(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "entry", Type: models.NodeTypeNewMessage, Data: models.NodeData{Variable: "answer"}},
			{ID: "c", Type: models.NodeTypeCondition, Data: models.NodeData{Variable: "answer", Operator: "equals", Value: "yes"}},
			{ID: "mYes", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "confirmed"}},
			{ID: "mNo", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "declined"}},
		},
		[]models.Edge{
			{Source: "entry", Target: "c"},
			{Source: "c", Target: "mYes", SourceHandle: "true"},
			{Source: "c", Target: "mNo", SourceHandle: "false"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("yes")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "confirmed" {
		t.Fatalf("expected true branch, got %+v", sent)
	}

	if err := st.DeleteSession(ctx, "bot", "u1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if err := interp.HandleInboundEvent(ctx, bot, textEvent("no")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent = mm.SentTo("c1")
	if len(sent) != 2 || sent[1].Text != "declined" {
		t.Fatalf("expected false branch, got %+v", sent)
	}
}

func TestVariableInterpolation(t *testing.T) {
	ctx := context.Background()
	interp, _, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "entry", Type: models.NodeTypeNewMessage, Data: models.NodeData{Variable: "name"}},
			{ID: "v", Type: models.NodeTypeVariable, Data: models.NodeData{Variable: "greeting", Value: "Hello {{name}}"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "{{greeting}}, you said {{event.text}}"}},
		},
		[]models.Edge{
			{Source: "entry", Target: "v"},
			{Source: "v", Target: "m"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("Ada")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "Hello Ada, you said Ada" {
		t.Fatalf("unexpected interpolated message: %+v", sent)
	}
}

func TestKeyboardPausesAndResumesByButton(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "kb", Type: models.NodeTypeKeyboard, Data: models.NodeData{
				Text:    "continue?",
				Buttons: []models.Button{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}},
			}},
			{ID: "mYes", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "onward"}},
			{ID: "mNo", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "stopping"}},
		},
		[]models.Edge{
			{Source: "s", Target: "kb"},
			{Source: "kb", Target: "mYes", SourceHandle: "yes"},
			{Source: "kb", Target: "mNo", SourceHandle: "no"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.CurrentNodeID != "kb" {
		t.Fatalf("keyboard must pause at its node, got %q", sess.CurrentNodeID)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || len(sent[0].Buttons) != 2 {
		t.Fatalf("expected keyboard prompt with 2 buttons, got %+v", sent)
	}

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("Yes")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent = mm.SentTo("c1")
	if len(sent) != 2 || sent[1].Text != "onward" {
		t.Fatalf("button reply must follow the labeled edge, got %+v", sent)
	}
}

func TestFormCollectsFieldsSequentially(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "f", Type: models.NodeTypeForm, Data: models.NodeData{Fields: []models.FormField{
				{Name: "name", Prompt: "Your name?"},
				{Name: "age", Prompt: "Your age?"},
			}}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "thanks {{name}}"}},
		},
		[]models.Edge{
			{Source: "s", Target: "f"},
			{Source: "f", Target: "m"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	if err := interp.HandleInboundEvent(ctx, bot, textEvent("Ada")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	if err := interp.HandleInboundEvent(ctx, bot, textEvent("36")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}

	sent := mm.SentTo("c1")
	if len(sent) != 3 {
		t.Fatalf("expected 2 prompts + completion message, got %+v", sent)
	}
	if sent[0].Text != "Your name?" || sent[1].Text != "Your age?" || sent[2].Text != "thanks Ada" {
		t.Fatalf("unexpected form sequence: %q, %q, %q", sent[0].Text, sent[1].Text, sent[2].Text)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.StringVariable("name") != "Ada" || sess.StringVariable("age") != "36" {
		t.Errorf("form answers not bound: %v", sess.Variables)
	}
	if sess.CurrentNodeID != "" {
		t.Errorf("branch should have ended, got current node %q", sess.CurrentNodeID)
	}
}

func TestEndpointNodePausesWithoutRecord(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, _ := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "ep", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: "secret"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "got {{orderId}}"}},
		},
		[]models.Edge{
			{Source: "s", Target: "ep"},
			{Source: "ep", Target: "m"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.CurrentNodeID != "ep" {
		t.Fatalf("endpoint node must pause without a record, got %q", sess.CurrentNodeID)
	}
}

func TestEndpointNodeMergesStoredRecord(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "ep", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: "secret"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "got {{orderId}}"}},
		},
		[]models.Edge{
			{Source: "s", Target: "ep"},
			{Source: "ep", Target: "m"},
		})

	rec := &models.EndpointRecord{BotID: "bot", NodeID: "ep", Payload: map[string]any{"orderId": "42"}, RequestCount: 1}
	if err := st.SaveEndpointRecord(ctx, rec); err != nil {
		t.Fatalf("SaveEndpointRecord failed: %v", err)
	}

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "got 42" {
		t.Fatalf("endpoint node with a record must merge and advance, got %+v", sent)
	}
}

func TestEndpointNodeWithoutKeyRecordsErrorAndAdvances(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "ep", Type: models.NodeTypeEndpoint},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "after"}},
		},
		[]models.Edge{
			{Source: "s", Target: "ep"},
			{Source: "ep", Target: "m"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if _, ok := sess.Variable("_error_ep"); !ok {
		t.Error("misconfigured endpoint must record an error marker")
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "after" {
		t.Fatalf("misconfigured endpoint must still advance, got %+v", sent)
	}
}

func TestUnknownNodeTypeStallsBranch(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, _ := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "x", Type: models.NodeType("integration")},
		},
		[]models.Edge{{Source: "s", Target: "x"}})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("unknown node type must not be fatal: %v", err)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.CurrentNodeID != "x" {
		t.Errorf("branch must stall at the unknown node, got %q", sess.CurrentNodeID)
	}
}

func TestHandlerPanicHaltsBranchOnly(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, _ := newTestInterpreter(t)
	interp.Registry().Register(models.NodeType("boom"), HandlerFunc(func(ctx context.Context, ec *ExecContext) error {
		panic("kaboom")
	}))
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "b", Type: models.NodeType("boom")},
		},
		[]models.Edge{{Source: "s", Target: "b"}})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("panic must be recovered at the dispatch boundary: %v", err)
	}
	// The session survives and stays persisted at the failed node.
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess == nil {
		t.Fatal("session must survive a handler panic")
	}
}

func TestStaleCurrentNodeReResolvesEntry(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "hi", Type: models.NodeTypeNewMessage, Data: models.NodeData{Text: "hi"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "hello again"}},
		},
		[]models.Edge{{Source: "hi", Target: "m"}})

	sess := models.NewSession("bot", "u1", "c1")
	sess.CurrentNodeID = "removed-by-edit"
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("hi")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "hello again" {
		t.Fatalf("stale node must clear and re-resolve, got %+v", sent)
	}
}

func TestNoActiveGraphIsNoOp(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := models.Bot{ID: "bot"}
	graphs.SetBot(bot)

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("hello")); err != nil {
		t.Fatalf("missing graph must be a no-op, not an error: %v", err)
	}
	if len(mm.Sent()) != 0 {
		t.Error("nothing should be sent without a graph")
	}
	if sess, _ := st.GetSession(ctx, "bot", "u1"); sess != nil {
		t.Error("no session should be created without a graph")
	}
}

func TestTransformAndCalculator(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, _ := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "entry", Type: models.NodeTypeNewMessage, Data: models.NodeData{Variable: "raw"}},
			{ID: "tr", Type: models.NodeTypeTransform, Data: models.NodeData{Variable: "raw", Operation: "upper", ResultVariable: "shout"}},
			{ID: "calc", Type: models.NodeTypeCalculator, Data: models.NodeData{Operation: "multiply", Operands: []string{"6", "7"}, ResultVariable: "answer"}},
		},
		[]models.Edge{
			{Source: "entry", Target: "tr"},
			{Source: "tr", Target: "calc"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("quiet")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.StringVariable("shout") != "QUIET" {
		t.Errorf("transform upper failed: %v", sess.Variables["shout"])
	}
	if v, _ := sess.Variable("answer"); v != 42.0 {
		t.Errorf("calculator failed: %v", v)
	}
}

func TestRandomFollowsLabeledEdge(t *testing.T) {
	ctx := context.Background()
	interp, _, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "r", Type: models.NodeTypeRandom, Data: models.NodeData{Options: []models.RandomOption{{Label: "only", Weight: 1}}}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "rolled"}},
		},
		[]models.Edge{
			{Source: "s", Target: "r"},
			{Source: "r", Target: "m", Label: "only"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "rolled" {
		t.Fatalf("expected the single weighted option's edge, got %+v", sent)
	}
}

func TestResumeFromAdvancesPastNode(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	setGraph(t, graphs,
		[]models.Node{
			{ID: "ep", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: "k"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "resumed with {{orderId}}"}},
		},
		[]models.Edge{{Source: "ep", Target: "m"}})

	sess := models.NewSession("bot", "u1", "c1")
	sess.CurrentNodeID = "ep"
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := interp.ResumeFrom(ctx, "bot", "u1", "c1", "ep", map[string]any{"orderId": "7"}); err != nil {
		t.Fatalf("ResumeFrom failed: %v", err)
	}
	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "resumed with 7" {
		t.Fatalf("unexpected resume output: %+v", sent)
	}
	after, _ := st.GetSession(ctx, "bot", "u1")
	if after.CurrentNodeID != "" {
		t.Errorf("branch should have ended after resume, got %q", after.CurrentNodeID)
	}
	if after.StringVariable("orderId") != "7" {
		t.Errorf("payload must be merged into the stored session: %v", after.Variables)
	}
}

func TestResumeIfWaitingSkipsMovedSession(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	setGraph(t, graphs,
		[]models.Node{
			{ID: "ep", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: "k"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "resumed"}},
			{ID: "elsewhere", Type: models.NodeTypeKeyboard},
		},
		[]models.Edge{{Source: "ep", Target: "m"}})

	sess := models.NewSession("bot", "u1", "c1")
	sess.CurrentNodeID = "elsewhere"
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := interp.ResumeIfWaiting(ctx, "bot", "u1", "ep", map[string]any{"orderId": "7"}); err != nil {
		t.Fatalf("ResumeIfWaiting failed: %v", err)
	}
	if sent := mm.SentTo("c1"); len(sent) != 0 {
		t.Fatalf("session parked elsewhere must not be resumed, got %+v", sent)
	}
	after, _ := st.GetSession(ctx, "bot", "u1")
	if after.CurrentNodeID != "elsewhere" {
		t.Errorf("session position must be untouched, got %q", after.CurrentNodeID)
	}
	if _, ok := after.Variable("orderId"); ok {
		t.Error("skipped resume must not merge the payload")
	}
}

func TestEndpointChildrenRunOncePerCallback(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "s", Type: models.NodeTypeStart},
			{ID: "ep", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: "k"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "got {{orderId}}"}},
		},
		[]models.Edge{
			{Source: "s", Target: "ep"},
			{Source: "ep", Target: "m"},
		})

	if err := interp.HandleInboundEvent(ctx, bot, textEvent("/start")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}

	// An external callback stores its record, then an inbound event slips in
	// before the callback's resume lands: the event consumes the record and
	// advances the session.
	rec := &models.EndpointRecord{BotID: "bot", NodeID: "ep", Payload: map[string]any{"orderId": "42"}, RequestCount: 1}
	if err := st.SaveEndpointRecord(ctx, rec); err != nil {
		t.Fatalf("SaveEndpointRecord failed: %v", err)
	}
	if err := interp.HandleInboundEvent(ctx, bot, textEvent("ping")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	// The late resume reloads the session under the lock, sees it moved past
	// the endpoint node, and backs off.
	if err := interp.ResumeIfWaiting(ctx, "bot", "u1", "ep", rec.Payload); err != nil {
		t.Fatalf("ResumeIfWaiting failed: %v", err)
	}

	var got int
	for _, msg := range mm.SentTo("c1") {
		if msg.Text == "got 42" {
			got++
		}
	}
	if got != 1 {
		t.Fatalf("endpoint children must run exactly once per callback, ran %d times", got)
	}
}

func TestCollectBarrierAdvancesAllParticipants(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	bot := setGraph(t, graphs,
		[]models.Node{
			{ID: "nm", Type: models.NodeTypeNewMessage, Data: models.NodeData{Variable: "answer"}},
			{ID: "collect", Type: models.NodeTypeGroupAction, Data: models.NodeData{Operation: "collect", Variable: "answer", WaitForAll: true, AggregateAs: "answers"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "all in"}},
			{ID: "e", Type: models.NodeTypeEnd},
		},
		[]models.Edge{
			{Source: "nm", Target: "collect"},
			{Source: "collect", Target: "m"},
			{Source: "m", Target: "e"},
		})

	groupSess := &models.GroupSession{
		ID:              "g",
		BotID:           "bot",
		ParticipantIDs:  []string{"u1", "u2"},
		SharedVariables: map[string]any{},
	}
	if err := st.SaveGroupSession(ctx, groupSess); err != nil {
		t.Fatalf("SaveGroupSession failed: %v", err)
	}
	for _, u := range []string{"u1", "u2"} {
		s := models.NewSession("bot", u, "chat-"+u)
		s.GroupMembership = &models.GroupMembership{GroupID: "g", Role: "member"}
		if err := st.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	if err := interp.HandleInboundEvent(ctx, bot, userEvent("u1", "chat-u1", "red")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	sess, _ := st.GetSession(ctx, "bot", "u1")
	if sess.CurrentNodeID != "collect" {
		t.Fatalf("u1 must pause at the barrier, got %q", sess.CurrentNodeID)
	}

	if err := interp.HandleInboundEvent(ctx, bot, userEvent("u2", "chat-u2", "blue")); err != nil {
		t.Fatalf("HandleInboundEvent failed: %v", err)
	}
	if sent := mm.SentTo("chat-u2"); len(sent) != 1 || sent[0].Text != "all in" {
		t.Fatalf("completing participant must advance inline, got %+v", sent)
	}

	// The drain resumes u1's parked branch; nobody stays stranded at the
	// completed barrier.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, _ = st.GetSession(ctx, "bot", "u1")
		if len(mm.SentTo("chat-u1")) > 0 && sess.CurrentNodeID == "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sent := mm.SentTo("chat-u1"); len(sent) != 1 || sent[0].Text != "all in" {
		t.Fatalf("parked participant not released from drained barrier, got %+v", sent)
	}
	if sess.CurrentNodeID == "collect" {
		t.Error("parked participant still anchored at the drained barrier")
	}
}

func TestExecutePeriodicBranchPreservesLiveSessionPosition(t *testing.T) {
	ctx := context.Background()
	interp, st, graphs, mm := newTestInterpreter(t)
	setGraph(t, graphs,
		[]models.Node{
			{ID: "p", Type: models.NodeTypePeriodicExecution, Data: models.NodeData{Interval: 1, IntervalUnit: "hour"}},
			{ID: "v", Type: models.NodeTypeVariable, Data: models.NodeData{Variable: "tick", Value: "yes"}},
			{ID: "m", Type: models.NodeTypeMessage, Data: models.NodeData{Text: "reminder"}},
			{ID: "park", Type: models.NodeTypeEndpoint, Data: models.NodeData{AccessKey: "k"}},
		},
		[]models.Edge{
			{Source: "p", Target: "v"},
			{Source: "v", Target: "m"},
		})

	live := models.NewSession("bot", "u1", "c1")
	live.CurrentNodeID = "park"
	if err := st.SaveSession(ctx, live); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	task := &models.PeriodicTask{ID: "t1", BotID: "bot", NodeID: "p", UserID: "u1", ChatID: "c1", Status: models.TaskStatusRunning}
	if err := interp.ExecutePeriodicBranch(ctx, task); err != nil {
		t.Fatalf("ExecutePeriodicBranch failed: %v", err)
	}

	sent := mm.SentTo("c1")
	if len(sent) != 1 || sent[0].Text != "reminder" {
		t.Fatalf("expected reminder send, got %+v", sent)
	}
	after, _ := st.GetSession(ctx, "bot", "u1")
	if after.CurrentNodeID != "park" {
		t.Errorf("periodic firing must not move the live session, got %q", after.CurrentNodeID)
	}
	if after.StringVariable("tick") != "yes" {
		t.Errorf("branch variable writes must merge into the live session: %v", after.Variables)
	}
}

func TestExecutePeriodicBranchNodeGone(t *testing.T) {
	ctx := context.Background()
	interp, _, graphs, _ := newTestInterpreter(t)
	setGraph(t, graphs,
		[]models.Node{{ID: "s", Type: models.NodeTypeStart}},
		nil)

	task := &models.PeriodicTask{ID: "t1", BotID: "bot", NodeID: "vanished", UserID: "u1", Status: models.TaskStatusRunning}
	err := interp.ExecutePeriodicBranch(ctx, task)
	if !errors.Is(err, periodic.ErrNodeGone) {
		t.Fatalf("expected ErrNodeGone for a vanished node, got %v", err)
	}
}
