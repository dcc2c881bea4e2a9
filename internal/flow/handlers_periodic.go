package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/FlowBotIO/flowbot/internal/models"
)

// executePeriodicExecution registers (or finds) the recurring task for this
// node and user. The node is terminal for the interactive branch: its
// children run on schedule, not inline.
func (i *Interpreter) executePeriodicExecution(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if i.scheduler == nil {
		recordConfigError(ec, "periodic scheduler not configured")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if d.CronExpr == "" && d.Interval <= 0 {
		recordConfigError(ec, "periodic_execution node has no schedule")
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	taskVar := d.Variable
	if taskVar == "" {
		taskVar = "_task_" + ec.Node.ID
	}

	existing, err := i.scheduler.FindTaskByNode(ctx, ec.Bot.ID, ec.Node.ID, ec.Session.UserID)
	if err != nil {
		return fmt.Errorf("failed to look up periodic task: %w", err)
	}
	if existing != nil {
		slog.Debug("Handler: periodic task already registered", "nodeID", ec.Node.ID, "taskID", existing.ID, "status", existing.Status)
		ec.Session.SetVariable(taskVar, existing.ID)
		ec.Session.CurrentNodeID = ""
		return nil
	}

	task := &models.PeriodicTask{
		BotID:         ec.Bot.ID,
		FlowID:        ec.Graph.ID,
		NodeID:        ec.Node.ID,
		UserID:        ec.Session.UserID,
		ChatID:        ec.Session.ChatID,
		Interval:      d.Interval,
		IntervalUnit:  d.IntervalUnit,
		CronExpr:      d.CronExpr,
		MaxExecutions: d.MaxExecutions,
	}
	taskID, err := i.scheduler.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to create periodic task: %w", err)
	}
	slog.Info("Handler: periodic task created", "nodeID", ec.Node.ID, "taskID", taskID, "userID", ec.Session.UserID)
	ec.Session.SetVariable(taskVar, taskID)
	ec.Session.CurrentNodeID = ""
	return nil
}

// executePeriodicControl pauses, resumes, stops, or restarts the task that
// the target periodic_execution node created for this session's user.
func (i *Interpreter) executePeriodicControl(ctx context.Context, ec *ExecContext) error {
	d := ec.Node.Data
	if i.scheduler == nil {
		recordConfigError(ec, "periodic scheduler not configured")
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if d.TargetNodeID == "" || d.ControlAction == "" {
		recordConfigError(ec, "periodic_control node needs a target node and an action")
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	task, err := i.scheduler.FindTaskByNode(ctx, ec.Bot.ID, d.TargetNodeID, ec.Session.UserID)
	if err != nil {
		return fmt.Errorf("failed to look up periodic task: %w", err)
	}
	if task == nil {
		recordConfigError(ec, fmt.Sprintf("no periodic task for node %q and this user", d.TargetNodeID))
		return i.Advance(ctx, ec, ec.Node.ID)
	}

	switch d.ControlAction {
	case "pause":
		err = i.scheduler.PauseTask(ctx, task.ID)
	case "resume":
		err = i.scheduler.ResumeTask(ctx, task.ID)
	case "stop":
		err = i.scheduler.StopTask(ctx, task.ID)
	case "restart":
		err = i.scheduler.RestartTask(ctx, task.ID)
	default:
		recordConfigError(ec, fmt.Sprintf("unknown periodic control action %q", d.ControlAction))
		return i.Advance(ctx, ec, ec.Node.ID)
	}
	if err != nil {
		return fmt.Errorf("periodic %s failed: %w", d.ControlAction, err)
	}
	slog.Info("Handler: periodic task controlled", "taskID", task.ID, "action", d.ControlAction, "userID", ec.Session.UserID)
	return i.Advance(ctx, ec, ec.Node.ID)
}
