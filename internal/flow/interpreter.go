// Package flow implements the flow execution engine.
//
// This file contains the interpreter: entry-node resolution for inbound
// events, the dispatch loop, the shared advance primitive, and the branch
// entry points used by the endpoint correlator and the periodic scheduler.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/FlowBotIO/flowbot/internal/genai"
	"github.com/FlowBotIO/flowbot/internal/group"
	"github.com/FlowBotIO/flowbot/internal/messaging"
	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/periodic"
	"github.com/FlowBotIO/flowbot/internal/store"
)

// MaxDispatchDepth caps the execute → advance recursion so a malformed graph
// cycle stalls the branch instead of overflowing the stack.
const MaxDispatchDepth = 100

// ReservedCommandHandler dispatches inbound texts bound to external features
// (e.g. "open catalog") before graph resolution. Returning handled=true
// short-circuits the interpreter without touching the graph.
type ReservedCommandHandler interface {
	Handle(ctx context.Context, bot models.Bot, event *models.InboundEvent) (handled bool, err error)
}

// ExecContext carries everything a node handler may read or mutate during
// one dispatch chain.
type ExecContext struct {
	Bot     models.Bot
	Event   *models.InboundEvent // nil for endpoint/scheduler-triggered chains
	Session *models.Session
	Graph   *models.FlowGraph
	Node    models.Node // node currently executing
	Group   *models.GroupSession
	Interp  *Interpreter

	// EventConsumed marks that a waiting node already bound the inbound
	// event, so nodes further down the chain pause instead of re-consuming.
	EventConsumed bool

	depth      int
	dispatched bool
	persist    bool
}

// Interpreter resolves which node a session is in and drives execution along
// graph edges until the branch pauses or ends.
type Interpreter struct {
	store     store.Store
	graphs    store.GraphRepo
	registry  *Registry
	messenger messaging.Messenger
	groups    *group.Coordinator
	selector  *genai.Selector
	ai        AIClient
	scheduler *periodic.Scheduler
	reserved  ReservedCommandHandler
	timer     Timer
	locks     *sessionLocks
	webhooks  *http.Client
}

// AIClient is the chat completion surface consumed by AI node handlers.
type AIClient interface {
	Complete(ctx context.Context, modelID, systemPrompt, userPrompt string) (string, error)
	CompleteChat(ctx context.Context, modelID, systemPrompt string, history []genai.ChatMessage, userMessage string) (string, error)
	StreamCompletion(ctx context.Context, modelID, systemPrompt, userPrompt string) (*genai.Stream, error)
}

// NewInterpreter wires the interpreter and registers the built-in node
// handlers. The periodic scheduler is attached afterward via SetScheduler
// because it needs the interpreter as its branch executor.
func NewInterpreter(st store.Store, graphs store.GraphRepo, messenger messaging.Messenger, groups *group.Coordinator, selector *genai.Selector, ai AIClient) *Interpreter {
	i := &Interpreter{
		store:     st,
		graphs:    graphs,
		registry:  NewRegistry(),
		messenger: messenger,
		groups:    groups,
		selector:  selector,
		ai:        ai,
		timer:     NewSimpleTimer(),
		locks:     newSessionLocks(),
		webhooks:  &http.Client{Timeout: 30 * time.Second},
	}
	i.registerBuiltinHandlers()
	return i
}

// SetScheduler attaches the periodic scheduler used by periodic node handlers.
func (i *Interpreter) SetScheduler(s *periodic.Scheduler) { i.scheduler = s }

// SetReservedCommandHandler attaches the external reserved-command dispatcher.
func (i *Interpreter) SetReservedCommandHandler(h ReservedCommandHandler) { i.reserved = h }

// Registry exposes the handler registry so additional node types can be
// registered at startup.
func (i *Interpreter) Registry() *Registry { return i.registry }

func (i *Interpreter) registerBuiltinHandlers() {
	r := i.registry
	r.Register(models.NodeTypeStart, HandlerFunc(i.executeStart))
	r.Register(models.NodeTypeMessage, HandlerFunc(i.executeMessage))
	r.Register(models.NodeTypeKeyboard, HandlerFunc(i.executeKeyboard))
	r.Register(models.NodeTypeCondition, HandlerFunc(i.executeCondition))
	r.Register(models.NodeTypeEnd, HandlerFunc(i.executeEnd))
	r.Register(models.NodeTypeForm, HandlerFunc(i.executeForm))
	r.Register(models.NodeTypeDelay, HandlerFunc(i.executeDelay))
	r.Register(models.NodeTypeVariable, HandlerFunc(i.executeVariable))
	r.Register(models.NodeTypeFile, HandlerFunc(i.executeFile))
	r.Register(models.NodeTypeRandom, HandlerFunc(i.executeRandom))
	r.Register(models.NodeTypeWebhook, HandlerFunc(i.executeWebhook))
	r.Register(models.NodeTypeNewMessage, HandlerFunc(i.executeNewMessage))
	r.Register(models.NodeTypeEndpoint, HandlerFunc(i.executeEndpoint))
	r.Register(models.NodeTypeBroadcast, HandlerFunc(i.executeBroadcast))
	r.Register(models.NodeTypeLocation, HandlerFunc(i.executeLocation))
	r.Register(models.NodeTypeCalculator, HandlerFunc(i.executeCalculator))
	r.Register(models.NodeTypeTransform, HandlerFunc(i.executeTransform))
	r.Register(models.NodeTypeGroupCreate, HandlerFunc(i.executeGroupCreate))
	r.Register(models.NodeTypeGroupJoin, HandlerFunc(i.executeGroupJoin))
	r.Register(models.NodeTypeGroupAction, HandlerFunc(i.executeGroupAction))
	r.Register(models.NodeTypeGroupLeave, HandlerFunc(i.executeGroupLeave))
	r.Register(models.NodeTypeAISingle, HandlerFunc(i.executeAISingle))
	r.Register(models.NodeTypeAIChat, HandlerFunc(i.executeAIChat))
	r.Register(models.NodeTypePeriodicExecution, HandlerFunc(i.executePeriodicExecution))
	r.Register(models.NodeTypePeriodicControl, HandlerFunc(i.executePeriodicControl))
}

// HandleInboundEvent is the entry point for channel events. It loads or
// creates the session, resolves the node to execute, dispatches it, and
// persists the session — all under the per-(bot,user) exclusive section.
func (i *Interpreter) HandleInboundEvent(ctx context.Context, bot models.Bot, event *models.InboundEvent) error {
	unlock := i.locks.Lock(bot.ID, event.UserID)
	defer unlock()

	sess, err := i.store.GetSession(ctx, bot.ID, event.UserID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		sess = models.NewSession(bot.ID, event.UserID, event.ChatID)
		slog.Debug("Interpreter: created session", "botID", bot.ID, "userID", event.UserID)
	}
	if sess.ChatID == "" {
		sess.ChatID = event.ChatID
	}

	graph, err := i.graphs.ActiveGraph(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("failed to load active graph: %w", err)
	}
	if graph == nil {
		// A bot without an active graph is a no-op, not an error.
		slog.Info("Interpreter: bot has no active graph, ignoring event", "botID", bot.ID, "userID", event.UserID)
		return nil
	}

	// A currentNodeID pointing into an edited graph is cleared and entry
	// resolution re-runs instead of failing.
	if sess.CurrentNodeID != "" {
		if _, ok := graph.Node(sess.CurrentNodeID); !ok {
			slog.Warn("Interpreter: session node gone from graph, re-resolving entry", "botID", bot.ID, "userID", event.UserID, "nodeID", sess.CurrentNodeID)
			sess.CurrentNodeID = ""
		}
	}

	ec := &ExecContext{Bot: bot, Event: event, Session: sess, Graph: graph, Interp: i, persist: true}

	target := sess.CurrentNodeID
	if target == "" {
		nodeID, handled, err := i.resolveEntry(ctx, bot, graph, event)
		if err != nil {
			return err
		}
		if handled {
			sess.Touch()
			return i.store.SaveSession(ctx, sess)
		}
		if nodeID == "" {
			slog.Debug("Interpreter: no entry node matched event", "botID", bot.ID, "userID", event.UserID, "text", event.Text)
			sess.Touch()
			return i.store.SaveSession(ctx, sess)
		}
		target = nodeID
	}

	if err := i.dispatch(ctx, ec, target); err != nil {
		return err
	}
	if !ec.dispatched {
		sess.Touch()
		return i.store.SaveSession(ctx, sess)
	}
	return nil
}

// resolveEntry implements the entry-node policy: start command, reserved
// external command, then branch-start new_message matching. Returns the
// entry node id, or handled=true when a reserved command consumed the event.
func (i *Interpreter) resolveEntry(ctx context.Context, bot models.Bot, graph *models.FlowGraph, event *models.InboundEvent) (string, bool, error) {
	if strings.TrimSpace(event.Text) == bot.StartCmd() {
		starts := graph.NodesOfType(models.NodeTypeStart)
		if len(starts) == 0 {
			slog.Warn("Interpreter: start command but graph has no start node", "botID", bot.ID)
			return "", false, nil
		}
		return starts[0].ID, false, nil
	}

	if i.reserved != nil {
		handled, err := i.reserved.Handle(ctx, bot, event)
		if err != nil {
			return "", false, fmt.Errorf("reserved command handler failed: %w", err)
		}
		if handled {
			slog.Debug("Interpreter: event consumed by reserved command", "botID", bot.ID, "text", event.Text)
			return "", true, nil
		}
	}

	return i.matchNewMessageNode(graph, event), false, nil
}

// matchNewMessageNode searches branch-start new_message nodes for the event.
// Exact text matches beat catch-alls; among several exact matches the first
// in graph declaration order wins. Declaration order carries no product
// meaning, so a multi-match is logged as ambiguous.
func (i *Interpreter) matchNewMessageNode(graph *models.FlowGraph, event *models.InboundEvent) string {
	var exact, catchAll []models.Node
	for _, node := range graph.NodesOfType(models.NodeTypeNewMessage) {
		if !graph.IsBranchStart(node.ID) {
			continue
		}
		if !contentTypeMatches(node.Data.ContentType, event.ContentType) {
			continue
		}
		filter := node.Data.Text
		if filter == "" {
			catchAll = append(catchAll, node)
			continue
		}
		if textMatches(filter, event.Text, node.Data.CaseSensitive) {
			exact = append(exact, node)
		}
	}
	if len(exact) > 0 {
		if len(exact) > 1 {
			slog.Warn("Interpreter: multiple exact new_message matches, using first in declaration order", "text", event.Text, "matches", len(exact))
		}
		return exact[0].ID
	}
	if len(catchAll) > 0 {
		return catchAll[0].ID
	}
	return ""
}

func contentTypeMatches(filter, actual string) bool {
	if filter == "" || filter == models.ContentTypeAny {
		return true
	}
	if actual == "" {
		actual = models.ContentTypeText
	}
	return filter == actual
}

func textMatches(filter, text string, caseSensitive bool) bool {
	if caseSensitive {
		return filter == text
	}
	return strings.EqualFold(filter, text)
}

// dispatch executes a single node: it parks the session at the node, invokes
// the handler, and persists the session. Handler errors and panics are
// caught here; they halt this session's branch only.
func (i *Interpreter) dispatch(ctx context.Context, ec *ExecContext, nodeID string) error {
	if ec.depth >= MaxDispatchDepth {
		slog.Error("Interpreter: max dispatch depth reached, halting branch", "botID", ec.Bot.ID, "userID", ec.Session.UserID, "nodeID", nodeID)
		return nil
	}
	ec.depth++
	ec.dispatched = true

	node, ok := ec.Graph.Node(nodeID)
	if !ok {
		slog.Error("Interpreter: dispatch target not in graph", "botID", ec.Bot.ID, "nodeID", nodeID)
		return nil
	}
	handler, ok := i.registry.Get(node.Type)
	if !ok {
		// Unknown node types stall the branch; they never crash the session.
		slog.Warn("Interpreter: no handler registered for node type, branch stalled", "type", node.Type, "nodeID", node.ID)
		ec.Session.CurrentNodeID = node.ID
		i.persistSession(ctx, ec)
		return nil
	}

	ec.Node = node
	ec.Session.CurrentNodeID = node.ID

	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Interpreter: handler panicked, branch halted",
					"type", node.Type, "nodeID", node.ID, "botID", ec.Bot.ID, "userID", ec.Session.UserID, "panic", r)
			}
		}()
		if err := handler.Execute(ctx, ec); err != nil {
			slog.Error("Interpreter: handler failed, branch halted",
				"type", node.Type, "nodeID", node.ID, "botID", ec.Bot.ID, "userID", ec.Session.UserID, "error", err)
		}
	}()

	ec.Session.Touch()
	i.persistSession(ctx, ec)
	return nil
}

func (i *Interpreter) persistSession(ctx context.Context, ec *ExecContext) {
	if !ec.persist {
		return
	}
	if err := i.store.SaveSession(ctx, ec.Session); err != nil {
		slog.Error("Interpreter: failed to persist session", "botID", ec.Bot.ID, "userID", ec.Session.UserID, "error", err)
	}
}

// Advance follows the first outgoing edge from fromNodeID and dispatches the
// target. When no edge exists the branch ends and the session leaves the
// graph.
func (i *Interpreter) Advance(ctx context.Context, ec *ExecContext, fromNodeID string) error {
	return i.AdvanceLabel(ctx, ec, fromNodeID, "")
}

// AdvanceLabel follows the first outgoing edge from fromNodeID whose branch
// label matches (an empty label matches any edge) and dispatches the target.
func (i *Interpreter) AdvanceLabel(ctx context.Context, ec *ExecContext, fromNodeID, label string) error {
	for _, e := range ec.Graph.OutgoingEdges(fromNodeID) {
		if label != "" && e.BranchLabel() != label {
			continue
		}
		return i.dispatch(ctx, ec, e.Target)
	}
	slog.Debug("Interpreter: no outgoing edge, branch ends", "nodeID", fromNodeID, "label", label)
	ec.Session.CurrentNodeID = ""
	return nil
}

// ResumeFrom advances a user's branch past nodeID under the same per-session
// exclusive section as inbound events: the session is reloaded inside the
// lock and vars are merged there, so the resume never acts on a stale copy.
// A missing session is synthesized anchored at the node, with chatID as its
// delivery target.
func (i *Interpreter) ResumeFrom(ctx context.Context, botID, userID, chatID, nodeID string, vars map[string]any) error {
	return i.resumeBranch(ctx, botID, userID, chatID, nodeID, vars, false)
}

// ResumeIfWaiting is like ResumeFrom, but fires only when the reloaded
// session is still parked at nodeID. A session that a concurrent event moved
// past the node in the meantime is left alone, so the node's children run at
// most once per trigger.
func (i *Interpreter) ResumeIfWaiting(ctx context.Context, botID, userID, nodeID string, vars map[string]any) error {
	return i.resumeBranch(ctx, botID, userID, "", nodeID, vars, true)
}

func (i *Interpreter) resumeBranch(ctx context.Context, botID, userID, chatID, nodeID string, vars map[string]any, onlyIfWaiting bool) error {
	unlock := i.locks.Lock(botID, userID)
	defer unlock()

	bot, ok := i.graphs.Bot(ctx, botID)
	if !ok {
		bot = models.Bot{ID: botID}
	}
	graph, err := i.graphs.ActiveGraph(ctx, botID)
	if err != nil {
		return fmt.Errorf("failed to load active graph: %w", err)
	}
	if graph == nil {
		slog.Info("Interpreter: resume without active graph, skipping", "botID", botID, "nodeID", nodeID)
		return nil
	}

	sess, err := i.store.GetSession(ctx, botID, userID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if _, ok := graph.Node(nodeID); !ok {
		slog.Warn("Interpreter: resume node gone from graph", "botID", botID, "nodeID", nodeID)
		if sess == nil || sess.CurrentNodeID != nodeID {
			return nil
		}
		sess.CurrentNodeID = ""
		sess.Touch()
		return i.store.SaveSession(ctx, sess)
	}
	if sess == nil {
		if onlyIfWaiting {
			return nil
		}
		sess = models.NewSession(botID, userID, chatID)
		sess.CurrentNodeID = nodeID
		sess.Synthetic = true
	}
	if onlyIfWaiting && sess.CurrentNodeID != nodeID {
		slog.Debug("Interpreter: session moved past node, skipping resume", "botID", botID, "userID", userID, "nodeID", nodeID, "currentNodeID", sess.CurrentNodeID)
		return nil
	}
	for k, v := range vars {
		sess.SetVariable(k, v)
	}

	ec := &ExecContext{Bot: bot, Session: sess, Graph: graph, Interp: i, persist: true, EventConsumed: true}
	if err := i.Advance(ctx, ec, nodeID); err != nil {
		return err
	}
	if !ec.dispatched {
		sess.Touch()
		return i.store.SaveSession(ctx, sess)
	}
	return nil
}

// ExecutePeriodicBranch runs the child branches of a periodic task's node in
// edge order under a synthetic session seeded from the task's user session
// snapshot. The live session's position in the graph is left untouched; its
// variables absorb the branch's writes afterward.
func (i *Interpreter) ExecutePeriodicBranch(ctx context.Context, task *models.PeriodicTask) error {
	unlock := i.locks.Lock(task.BotID, task.UserID)
	defer unlock()

	bot, ok := i.graphs.Bot(ctx, task.BotID)
	if !ok {
		bot = models.Bot{ID: task.BotID}
	}
	graph, err := i.graphs.ActiveGraph(ctx, task.BotID)
	if err != nil {
		return fmt.Errorf("failed to load active graph: %w", err)
	}
	if graph == nil {
		return periodic.ErrNodeGone
	}
	if _, ok := graph.Node(task.NodeID); !ok {
		return periodic.ErrNodeGone
	}

	stored, err := i.store.GetSession(ctx, task.BotID, task.UserID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	exec := models.NewSession(task.BotID, task.UserID, task.ChatID)
	exec.Synthetic = stored == nil
	if stored != nil {
		if stored.ChatID != "" {
			exec.ChatID = stored.ChatID
		}
		for k, v := range stored.Variables {
			exec.SetVariable(k, v)
		}
	}

	ec := &ExecContext{Bot: bot, Session: exec, Graph: graph, Interp: i, persist: false, EventConsumed: true}
	for _, edge := range graph.OutgoingEdges(task.NodeID) {
		if err := i.dispatch(ctx, ec, edge.Target); err != nil {
			return err
		}
	}

	if stored != nil {
		for k, v := range exec.Variables {
			stored.SetVariable(k, v)
		}
		stored.Touch()
		return i.store.SaveSession(ctx, stored)
	}
	exec.CurrentNodeID = ""
	exec.Touch()
	return i.store.SaveSession(ctx, exec)
}

// resumeAfterDelay continues a branch paused at a delay node, provided the
// session is still parked there.
func (i *Interpreter) resumeAfterDelay(botID, userID, nodeID string) {
	ctx := context.Background()
	unlock := i.locks.Lock(botID, userID)
	defer unlock()

	sess, err := i.store.GetSession(ctx, botID, userID)
	if err != nil || sess == nil {
		slog.Warn("Interpreter.resumeAfterDelay: session not found", "botID", botID, "userID", userID, "error", err)
		return
	}
	if sess.CurrentNodeID != nodeID {
		slog.Debug("Interpreter.resumeAfterDelay: session moved on, skipping", "botID", botID, "userID", userID, "nodeID", nodeID, "current", sess.CurrentNodeID)
		return
	}
	bot, ok := i.graphs.Bot(ctx, botID)
	if !ok {
		bot = models.Bot{ID: botID}
	}
	graph, err := i.graphs.ActiveGraph(ctx, botID)
	if err != nil || graph == nil {
		return
	}
	ec := &ExecContext{Bot: bot, Session: sess, Graph: graph, Interp: i, persist: true, EventConsumed: true}
	if err := i.Advance(ctx, ec, nodeID); err != nil {
		slog.Error("Interpreter.resumeAfterDelay: advance failed", "botID", botID, "userID", userID, "error", err)
	}
	if !ec.dispatched {
		sess.Touch()
		if err := i.store.SaveSession(ctx, sess); err != nil {
			slog.Error("Interpreter.resumeAfterDelay: failed to persist session", "error", err)
		}
	}
}

// StartSessionSweeper periodically expires sessions idle longer than maxAge.
func (i *Interpreter) StartSessionSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := i.store.SweepExpiredSessions(ctx, maxAge)
				if err != nil {
					slog.Error("Interpreter: session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("Interpreter: swept expired sessions", "count", n, "maxAge", maxAge)
				}
			}
		}
	}()
}
