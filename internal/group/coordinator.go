// Package group implements the group coordinator: shared variable space,
// broadcast fan-out, the collect barrier, aggregation, and group-scoped
// conditions over a named session of multiple individual sessions.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FlowBotIO/flowbot/internal/messaging"
	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/store"
)

// BroadcastBatchSize bounds how many sends run concurrently per batch so a
// large group does not block the calling handler or flood the channel.
const BroadcastBatchSize = 100

// BranchResumer advances a participant's branch past a node where it paused,
// but only if the session is still parked there. Implemented by the flow
// interpreter; wired after construction to break the package cycle.
type BranchResumer interface {
	ResumeIfWaiting(ctx context.Context, botID, userID, nodeID string, vars map[string]any) error
}

// Coordinator synchronizes group sessions. Shared variables are mutated only
// through its update path so all participants observe consistent state.
type Coordinator struct {
	store     store.Store
	messenger messaging.Messenger
	resumer   BranchResumer

	// CountLateAsOnTime controls whether a participant completing a collect
	// barrier after its timeout but before the drain counts as on-time.
	CountLateAsOnTime bool

	mu         sync.Mutex
	collectors map[string]*collector // key: groupID:nodeID
}

// collector accumulates per-participant values for one collect barrier. After
// the drain it stays registered, with pending holding the participants still
// parked at the node, until every one of them has been let through.
type collector struct {
	values    map[string]any
	completed map[string]bool
	pending   map[string]bool
	late      []string
	deadline  time.Time
	timer     *time.Timer
	finalized bool
}

// NewCoordinator creates a group coordinator.
func NewCoordinator(st store.Store, messenger messaging.Messenger) *Coordinator {
	return &Coordinator{
		store:      st,
		messenger:  messenger,
		collectors: make(map[string]*collector),
	}
}

// SetResumer wires the branch resumer that releases participants parked at a
// drained barrier. Must be called before the coordinator serves collects.
func (c *Coordinator) SetResumer(r BranchResumer) {
	c.resumer = r
}

// Create allocates a new group session with the owner as first participant
// and records the membership on the owner's session.
func (c *Coordinator) Create(ctx context.Context, owner *models.Session) (string, error) {
	groupID := uuid.NewString()
	group := &models.GroupSession{
		ID:              groupID,
		BotID:           owner.BotID,
		ParticipantIDs:  []string{owner.UserID},
		SharedVariables: make(map[string]any),
		CreatedAt:       time.Now(),
	}
	if err := c.store.SaveGroupSession(ctx, group); err != nil {
		return "", fmt.Errorf("failed to save group session: %w", err)
	}
	owner.GroupMembership = &models.GroupMembership{GroupID: groupID, Role: "owner"}
	slog.Info("Coordinator.Create: group created", "groupID", groupID, "botID", owner.BotID, "owner", owner.UserID)
	return groupID, nil
}

// Join adds the session's user to the group. Idempotent.
func (c *Coordinator) Join(ctx context.Context, groupID string, session *models.Session) error {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !group.HasParticipant(session.UserID) {
		group.ParticipantIDs = append(group.ParticipantIDs, session.UserID)
		if err := c.store.SaveGroupSession(ctx, group); err != nil {
			return fmt.Errorf("failed to save group session: %w", err)
		}
	}
	session.GroupMembership = &models.GroupMembership{GroupID: groupID, Role: "member"}
	slog.Debug("Coordinator.Join", "groupID", groupID, "userID", session.UserID, "participants", len(group.ParticipantIDs))
	return nil
}

// Leave removes the session's user from the group. An emptied group is
// deleted immediately; retention of empty groups is a policy choice, not an
// engine guarantee.
func (c *Coordinator) Leave(ctx context.Context, groupID string, session *models.Session) error {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	remaining := group.ParticipantIDs[:0]
	for _, id := range group.ParticipantIDs {
		if id != session.UserID {
			remaining = append(remaining, id)
		}
	}
	group.ParticipantIDs = remaining
	session.GroupMembership = nil

	if len(group.ParticipantIDs) == 0 {
		slog.Info("Coordinator.Leave: group emptied, deleting", "groupID", groupID)
		return c.store.DeleteGroupSession(ctx, groupID)
	}
	if err := c.store.SaveGroupSession(ctx, group); err != nil {
		return fmt.Errorf("failed to save group session: %w", err)
	}
	slog.Debug("Coordinator.Leave", "groupID", groupID, "userID", session.UserID, "participants", len(group.ParticipantIDs))
	return nil
}

// Broadcast enqueues one send per participant, in batches, excluding the
// initiator when requested. One recipient's failure never aborts the batch.
func (c *Coordinator) Broadcast(ctx context.Context, groupID, message string, excludeUserID string) error {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}

	var recipients []string
	for _, userID := range group.ParticipantIDs {
		if userID == excludeUserID {
			continue
		}
		recipients = append(recipients, userID)
	}
	slog.Debug("Coordinator.Broadcast", "groupID", groupID, "recipients", len(recipients))

	for start := 0; start < len(recipients); start += BroadcastBatchSize {
		end := start + BroadcastBatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		var wg sync.WaitGroup
		for _, userID := range recipients[start:end] {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				c.sendToParticipant(ctx, group.BotID, groupID, userID, message)
			}(userID)
		}
		wg.Wait()
	}
	return nil
}

func (c *Coordinator) sendToParticipant(ctx context.Context, botID, groupID, userID, message string) {
	sess, err := c.store.GetSession(ctx, botID, userID)
	if err != nil || sess == nil {
		slog.Warn("Coordinator.Broadcast: no session for participant, skipping", "groupID", groupID, "userID", userID, "error", err)
		return
	}
	chatID := sess.ChatID
	if chatID == "" {
		chatID = userID
	}
	if err := c.messenger.SendMessage(ctx, chatID, message); err != nil {
		slog.Error("Coordinator.Broadcast: send failed for participant", "groupID", groupID, "userID", userID, "error", err)
	}
}

// CollectOptions configures one collect barrier invocation.
type CollectOptions struct {
	// WaitForAll pauses the caller's branch until every current participant
	// has recorded a value (or the timeout fires).
	WaitForAll bool
	// Timeout forcibly finalizes the barrier; zero means no timeout.
	Timeout time.Duration
	// AggregateAs is the shared variable the drained value list is written to.
	AggregateAs string
}

// Collect records the participant's value for (groupID, nodeID) and checks
// barrier completeness atomically. It returns true when the barrier
// finalized (the caller may advance) and false when the branch must pause.
func (c *Coordinator) Collect(ctx context.Context, groupID, nodeID, userID string, value any, opts CollectOptions) (bool, error) {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return false, err
	}
	key := groupID + ":" + nodeID

	c.mu.Lock()
	col, ok := c.collectors[key]
	if !ok {
		col = &collector{
			values:    make(map[string]any),
			completed: make(map[string]bool),
		}
		c.collectors[key] = col
		if opts.WaitForAll && opts.Timeout > 0 {
			col.deadline = time.Now().Add(opts.Timeout)
			col.timer = time.AfterFunc(opts.Timeout, func() {
				c.finalizeOnTimeout(groupID, nodeID, opts.AggregateAs)
			})
		}
	}
	if col.finalized {
		// Barrier already drained; let the parked participant through. The
		// collector is dropped once every pending participant has passed, so
		// a later invocation at the same node opens a fresh barrier.
		delete(col.pending, userID)
		if len(col.pending) == 0 {
			delete(c.collectors, key)
		}
		c.mu.Unlock()
		return true, nil
	}

	lateArrival := !col.deadline.IsZero() && time.Now().After(col.deadline) && !c.CountLateAsOnTime
	if lateArrival {
		col.late = append(col.late, userID)
	} else if !col.completed[userID] {
		col.values[userID] = value
		col.completed[userID] = true
	}

	if opts.WaitForAll {
		for _, pid := range group.ParticipantIDs {
			if !col.completed[pid] {
				c.mu.Unlock()
				slog.Debug("Coordinator.Collect: barrier waiting", "groupID", groupID, "nodeID", nodeID, "completed", len(col.completed), "participants", len(group.ParticipantIDs))
				return false, nil
			}
		}
	}

	parked, err := c.drainLocked(ctx, group, key, col, opts.AggregateAs, userID)
	c.mu.Unlock()
	c.resumeParked(group.BotID, groupID, nodeID, parked)
	return true, err
}

// finalizeOnTimeout drains whatever was collected when the barrier timeout
// fires. Participants that never completed are recorded as late.
func (c *Coordinator) finalizeOnTimeout(groupID, nodeID, aggregateAs string) {
	ctx := context.Background()
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		slog.Error("Coordinator.finalizeOnTimeout: group load failed", "groupID", groupID, "error", err)
		return
	}
	key := groupID + ":" + nodeID

	c.mu.Lock()
	col, ok := c.collectors[key]
	if !ok || col.finalized {
		c.mu.Unlock()
		return
	}
	for _, pid := range group.ParticipantIDs {
		if !col.completed[pid] {
			col.late = append(col.late, pid)
		}
	}
	slog.Info("Coordinator.Collect: barrier timeout, draining", "groupID", groupID, "nodeID", nodeID, "collected", len(col.values), "late", len(col.late))
	parked, err := c.drainLocked(ctx, group, key, col, aggregateAs, "")
	c.mu.Unlock()
	if err != nil {
		slog.Error("Coordinator.finalizeOnTimeout: drain failed", "groupID", groupID, "nodeID", nodeID, "error", err)
	}
	c.resumeParked(group.BotID, groupID, nodeID, parked)
}

// drainLocked writes the accumulator into shared variables and marks the
// collector finalized. Every participant that completed earlier and is still
// paused at the node (everyone but callerID) goes into the pending set and is
// returned so the caller can resume their branches; the collector is only
// dropped from the registry once that set empties. Caller holds c.mu.
func (c *Coordinator) drainLocked(ctx context.Context, group *models.GroupSession, key string, col *collector, aggregateAs, callerID string) ([]string, error) {
	if col.finalized {
		return nil, nil
	}
	col.finalized = true
	if col.timer != nil {
		col.timer.Stop()
	}

	// Values are aligned to participant order.
	var values []any
	var parked []string
	col.pending = make(map[string]bool)
	for _, pid := range group.ParticipantIDs {
		if col.completed[pid] {
			values = append(values, col.values[pid])
			if pid != callerID {
				col.pending[pid] = true
				parked = append(parked, pid)
			}
		}
	}
	if aggregateAs == "" {
		aggregateAs = "collected"
	}
	group.SharedVariables[aggregateAs] = values
	group.SharedVariables[aggregateAs+"_late"] = append([]string(nil), col.late...)
	if len(col.pending) == 0 {
		delete(c.collectors, key)
	}

	if err := c.store.SaveGroupSession(ctx, group); err != nil {
		return parked, fmt.Errorf("failed to save group session after drain: %w", err)
	}
	slog.Debug("Coordinator.Collect: barrier drained", "groupID", group.ID, "variable", aggregateAs, "values", len(values), "late", len(col.late), "parked", len(parked))
	return parked, nil
}

// resumeParked releases participants paused at a drained barrier by resuming
// their branches off the caller's goroutine; the resumer re-checks under the
// session lock that each one is still parked at the node. Participants whose
// resume never lands are still let through by their next Collect call.
func (c *Coordinator) resumeParked(botID, groupID, nodeID string, userIDs []string) {
	if c.resumer == nil || len(userIDs) == 0 {
		return
	}
	key := groupID + ":" + nodeID
	for _, uid := range userIDs {
		go func(uid string) {
			if err := c.resumer.ResumeIfWaiting(context.Background(), botID, uid, nodeID, nil); err != nil {
				slog.Error("Coordinator.Collect: failed to resume parked participant", "groupID", groupID, "nodeID", nodeID, "userID", uid, "error", err)
			}
			c.release(key, uid)
		}(uid)
	}
}

// release drops one participant from a drained collector's pending set and
// retires the collector when the set empties.
func (c *Coordinator) release(key, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collectors[key]
	if !ok || !col.finalized {
		return
	}
	delete(col.pending, userID)
	if len(col.pending) == 0 {
		delete(c.collectors, key)
	}
}

// UpdateSharedVariable mutates one shared variable through the coordinator,
// keeping all-participant observability consistent.
func (c *Coordinator) UpdateSharedVariable(ctx context.Context, groupID, key string, value any) error {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	group.SharedVariables[key] = value
	return c.store.SaveGroupSession(ctx, group)
}

// Aggregate scopes.
const (
	ScopeGroup      = "group"
	ScopeIndividual = "individual"
)

// Aggregate operations.
const (
	OpSum   = "sum"
	OpAvg   = "avg"
	OpMin   = "min"
	OpMax   = "max"
	OpCount = "count"
	OpList  = "list"
)

// Aggregate reduces either the group's shared array variable (scope "group")
// or the participants' individual variables (scope "individual"), writing
// the result to targetVariable in the chosen scope. Numeric operations
// coerce non-numeric values to 0.
func (c *Coordinator) Aggregate(ctx context.Context, groupID, operation, sourceVariable, targetVariable, scope string) error {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}

	var values []any
	switch scope {
	case "individual":
		for _, userID := range group.ParticipantIDs {
			sess, err := c.store.GetSession(ctx, group.BotID, userID)
			if err != nil || sess == nil {
				continue
			}
			if v, ok := sess.Variable(sourceVariable); ok {
				values = append(values, v)
			}
		}
	default: // group scope
		if raw, ok := group.SharedVariables[sourceVariable]; ok {
			if list, ok := raw.([]any); ok {
				values = list
			} else {
				values = []any{raw}
			}
		}
	}

	result, err := reduce(operation, values)
	if err != nil {
		return err
	}

	if scope == "individual" {
		for _, userID := range group.ParticipantIDs {
			sess, err := c.store.GetSession(ctx, group.BotID, userID)
			if err != nil || sess == nil {
				continue
			}
			sess.SetVariable(targetVariable, result)
			if err := c.store.SaveSession(ctx, sess); err != nil {
				slog.Error("Coordinator.Aggregate: failed to save participant session", "groupID", groupID, "userID", userID, "error", err)
			}
		}
		return nil
	}
	group.SharedVariables[targetVariable] = result
	return c.store.SaveGroupSession(ctx, group)
}

func reduce(operation string, values []any) (any, error) {
	switch operation {
	case OpCount:
		return len(values), nil
	case OpList:
		return values, nil
	case OpSum, OpAvg, OpMin, OpMax:
		if len(values) == 0 {
			return 0.0, nil
		}
		nums := make([]float64, len(values))
		for i, v := range values {
			nums[i] = toFloat(v)
		}
		switch operation {
		case OpSum, OpAvg:
			sum := 0.0
			for _, n := range nums {
				sum += n
			}
			if operation == OpAvg {
				return sum / float64(len(nums)), nil
			}
			return sum, nil
		case OpMin:
			min := nums[0]
			for _, n := range nums[1:] {
				if n < min {
					min = n
				}
			}
			return min, nil
		default:
			max := nums[0]
			for _, n := range nums[1:] {
				if n > max {
					max = n
				}
			}
			return max, nil
		}
	default:
		return nil, fmt.Errorf("unknown aggregate operation %q", operation)
	}
}

// toFloat coerces a value to float64; non-numeric values become 0.
func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// Condition operators.
const (
	OpEquals      = "equals"
	OpGreaterThan = "greaterThan"
	OpLessThan    = "lessThan"
	OpIsEmpty     = "isEmpty"
	OpIsNotEmpty  = "isNotEmpty"
)

// Condition evaluates a comparison against a group-level field: the special
// field "participant_count" or any shared variable name.
func (c *Coordinator) Condition(ctx context.Context, groupID, field, operator, value string) (bool, error) {
	group, err := c.loadGroup(ctx, groupID)
	if err != nil {
		return false, err
	}

	var fieldValue any
	if field == "participant_count" {
		fieldValue = len(group.ParticipantIDs)
	} else {
		fieldValue = group.SharedVariables[field]
	}

	switch operator {
	case OpEquals:
		return fmt.Sprintf("%v", fieldValue) == value, nil
	case OpGreaterThan:
		return toFloat(fieldValue) > toFloat(value), nil
	case OpLessThan:
		return toFloat(fieldValue) < toFloat(value), nil
	case OpIsEmpty:
		return isEmpty(fieldValue), nil
	case OpIsNotEmpty:
		return !isEmpty(fieldValue), nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", operator)
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case int:
		return t == 0
	case float64:
		return t == 0
	default:
		return false
	}
}

func (c *Coordinator) loadGroup(ctx context.Context, groupID string) (*models.GroupSession, error) {
	group, err := c.store.GetGroupSession(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load group session: %w", err)
	}
	if group == nil {
		return nil, fmt.Errorf("group session %q not found", groupID)
	}
	if group.SharedVariables == nil {
		group.SharedVariables = make(map[string]any)
	}
	return group, nil
}
