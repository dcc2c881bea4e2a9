package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FlowBotIO/flowbot/internal/group"
)

// sessionGroupID returns the group the session belongs to, preferring an
// explicit node override ({{var}} or literal) over the session's membership.
func sessionGroupID(ec *ExecContext) string {
	if ec.Node.Data.GroupVariable != "" {
		if id := ec.Session.StringVariable(ec.Node.Data.GroupVariable); id != "" {
			return id
		}
	}
	if ec.Session.GroupMembership != nil {
		return ec.Session.GroupMembership.GroupID
	}
	return ""
}

// loadGroupContext attaches the group session to the exec context so
// interpolation can resolve group.* placeholders.
func (i *Interpreter) loadGroupContext(ctx context.Context, ec *ExecContext, groupID string) error {
	g, err := i.store.GetGroupSession(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to load group session: %w", err)
	}
	if g == nil {
		return fmt.Errorf("group %q not found", groupID)
	}
	ec.Group = g
	return nil
}

func (i *Interpreter) executeGroupCreate(ctx context.Context, ec *ExecContext) error {
	groupID, err := i.groups.Create(ctx, ec.Session)
	if err != nil {
		return fmt.Errorf("group create failed: %w", err)
	}
	target := ec.Node.Data.GroupVariable
	if target == "" {
		target = "group_id"
	}
	ec.Session.SetVariable(target, groupID)
	return i.Advance(ctx, ec, ec.Node.ID)
}

func (i *Interpreter) executeGroupJoin(ctx context.Context, ec *ExecContext) error {
	groupID := interpolate(ec.Node.Data.Value, ec)
	if groupID == "" {
		groupID = sessionGroupID(ec)
	}
	if groupID == "" {
		recordConfigError(ec, "group_join node has no group id")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if err := i.groups.Join(ctx, groupID, ec.Session); err != nil {
		return fmt.Errorf("group join failed: %w", err)
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

func (i *Interpreter) executeGroupLeave(ctx context.Context, ec *ExecContext) error {
	groupID := sessionGroupID(ec)
	if groupID == "" {
		recordConfigError(ec, "group_leave outside a group")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if err := i.groups.Leave(ctx, groupID, ec.Session); err != nil {
		return fmt.Errorf("group leave failed: %w", err)
	}
	return i.Advance(ctx, ec, ec.Node.ID)
}

// executeGroupAction dispatches the group operation configured on the node.
// Errors here halt only the initiating session's branch; other participants
// are unaffected.
func (i *Interpreter) executeGroupAction(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	groupID := sessionGroupID(ec)
	if groupID == "" {
		recordConfigError(ec, "group_action outside a group")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if err := i.loadGroupContext(ctx, ec, groupID); err != nil {
		return err
	}

	switch d.Operation {
	case "broadcast":
		exclude := ""
		if d.ExcludeSelf {
			exclude = ec.Session.UserID
		}
		if err := i.groups.Broadcast(ctx, groupID, interpolate(d.Text, ec), exclude); err != nil {
			return fmt.Errorf("group broadcast failed: %w", err)
		}
		return i.Advance(ctx, ec, ec.Node.ID)

	case "collect":
		value, _ := ec.Session.Variable(d.Variable)
		done, err := i.groups.Collect(ctx, groupID, ec.Node.ID, ec.Session.UserID, value, group.CollectOptions{
			WaitForAll:  d.WaitForAll,
			Timeout:     time.Duration(d.TimeoutSeconds) * time.Second,
			AggregateAs: d.AggregateAs,
		})
		if err != nil {
			return fmt.Errorf("group collect failed: %w", err)
		}
		if !done {
			// Barrier incomplete; the branch re-evaluates when the next
			// participant reaches this node.
			return nil
		}
		return i.Advance(ctx, ec, ec.Node.ID)

	case "aggregate":
		scope := d.Scope
		if scope == "" {
			scope = group.ScopeGroup
		}
		if err := i.groups.Aggregate(ctx, groupID, d.Value, d.Variable, d.ResultVariable, scope); err != nil {
			return fmt.Errorf("group aggregate failed: %w", err)
		}
		return i.Advance(ctx, ec, ec.Node.ID)

	case "condition":
		result, err := i.groups.Condition(ctx, groupID, d.Variable, d.Operator, interpolate(d.Value, ec))
		if err != nil {
			return fmt.Errorf("group condition failed: %w", err)
		}
		if result {
			return i.AdvanceLabel(ctx, ec, ec.Node.ID, "true")
		}
		return i.AdvanceLabel(ctx, ec, ec.Node.ID, "false")

	case "update":
		if err := i.groups.UpdateSharedVariable(ctx, groupID, d.Variable, interpolate(d.Value, ec)); err != nil {
			return fmt.Errorf("group update failed: %w", err)
		}
		return i.Advance(ctx, ec, ec.Node.ID)

	default:
		recordConfigError(ec, fmt.Sprintf("unknown group operation %q", d.Operation))
		return i.Advance(ctx, ec, ec.Node.ID)
	}
}

// executeBroadcast sends a message to the session's group, or to every
// active session of the bot when the session is not in a group.
func (i *Interpreter) executeBroadcast(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	message := interpolate(d.Text, ec)
	if message == "" {
		recordConfigError(ec, "broadcast node has no message")
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	if groupID := sessionGroupID(ec); groupID != "" {
		exclude := ""
		if d.ExcludeSelf {
			exclude = ec.Session.UserID
		}
		if err := i.groups.Broadcast(ctx, groupID, message, exclude); err != nil {
			return fmt.Errorf("broadcast failed: %w", err)
		}
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	sessions, err := i.store.ListActiveSessions(ctx, ec.Bot.ID)
	if err != nil {
		return fmt.Errorf("failed to list sessions for broadcast: %w", err)
	}
	sent := 0
	for _, s := range sessions {
		if d.ExcludeSelf && s.UserID == ec.Session.UserID {
			continue
		}
		if s.ChatID == "" {
			continue
		}
		if err := i.messenger.SendMessage(ctx, s.ChatID, message); err != nil {
			slog.Warn("Handler: broadcast send failed for recipient", "nodeID", ec.Node.ID, "userID", s.UserID, "error", err)
			continue
		}
		sent++
	}
	slog.Info("Handler: broadcast complete", "nodeID", ec.Node.ID, "botID", ec.Bot.ID, "sent", sent)
	return i.Advance(ctx, ec, ec.Node.ID)
}
