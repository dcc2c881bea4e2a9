// Package periodic implements the periodic scheduler: recurring
// (interval or cron) executions of a graph sub-branch, decoupled from user
// input. Task metadata is persisted in the Store; the in-process cron
// registration is derived state rebuilt from it at startup.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/FlowBotIO/flowbot/internal/models"
	"github.com/FlowBotIO/flowbot/internal/store"
)

// ErrNodeGone is returned by the branch executor when the task's node no
// longer exists in the bot's active graph. The scheduler reacts by stopping
// the task instead of retrying forever.
var ErrNodeGone = errors.New("periodic task node no longer exists in graph")

// BranchExecutor runs the child branches of a periodic task's node under a
// synthetic session. Implemented by the flow interpreter.
type BranchExecutor interface {
	ExecutePeriodicBranch(ctx context.Context, task *models.PeriodicTask) error
}

// Scheduler owns periodic tasks: creation, pause/resume/stop/restart, and
// the recurring-timer registrations backing them. A task's registration and
// its logical status never diverge: pause and stop deregister before
// returning, resume re-registers against the remaining execution budget.
type Scheduler struct {
	store    store.Store
	executor BranchExecutor
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // task id -> registration
}

// NewScheduler creates and starts a scheduler. The cron backend uses the
// standard 5-field syntax plus @every descriptors, with panic recovery.
func NewScheduler(st store.Store, executor BranchExecutor) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{
		store:    st,
		executor: executor,
		cron:     c,
		entries:  make(map[string]cron.EntryID),
	}
}

// CreateTask persists the task as running and registers its recurring timer.
// The task id is assigned when empty.
func (s *Scheduler) CreateTask(ctx context.Context, task *models.PeriodicTask) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.NodeID == "" || task.BotID == "" {
		return "", fmt.Errorf("periodic task requires bot and node ids")
	}
	if task.CronExpr == "" && task.Interval <= 0 {
		return "", fmt.Errorf("periodic task requires a cron expression or a positive interval")
	}
	task.Status = models.TaskStatusRunning
	task.CreatedAt = time.Now()
	if err := s.store.SavePeriodicTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to persist periodic task: %w", err)
	}
	if err := s.register(task); err != nil {
		// Keep store and registration consistent: a task we could not
		// register is stopped, not left dangling as running.
		task.Status = models.TaskStatusStopped
		_ = s.store.SavePeriodicTask(ctx, task)
		return "", err
	}
	slog.Info("Scheduler.CreateTask registered task", "taskID", task.ID, "botID", task.BotID, "nodeID", task.NodeID, "cron", task.CronExpr, "interval", task.Interval, "unit", task.IntervalUnit)
	return task.ID, nil
}

// register adds the recurring timer for the task, tagged with the task's own
// id so it can be found and removed later.
func (s *Scheduler) register(task *models.PeriodicTask) error {
	spec := task.CronExpr
	if spec == "" {
		d, err := intervalDuration(task.Interval, task.IntervalUnit)
		if err != nil {
			return err
		}
		spec = "@every " + d.String()
	}
	taskID := task.ID
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(taskID) })
	if err != nil {
		return fmt.Errorf("failed to register schedule %q: %w", spec, err)
	}
	s.mu.Lock()
	s.entries[taskID] = entryID
	s.mu.Unlock()
	return nil
}

// deregister removes the task's recurring timer, if registered.
func (s *Scheduler) deregister(taskID string) {
	s.mu.Lock()
	entryID, ok := s.entries[taskID]
	if ok {
		delete(s.entries, taskID)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
}

// fire is the execution callback invoked by the cron backend. The firing
// payload is only the task id; everything else is reloaded from the store so
// firings survive a process restart of in-memory state.
func (s *Scheduler) fire(taskID string) {
	ctx := context.Background()
	task, err := s.store.GetPeriodicTask(ctx, taskID)
	if err != nil {
		slog.Error("Scheduler.fire: failed to load task", "taskID", taskID, "error", err)
		return
	}
	if task == nil {
		// Orphaned registration that cannot be reconstructed: remove it
		// rather than firing forever.
		slog.Warn("Scheduler.fire: no metadata for task, deregistering orphan", "taskID", taskID)
		s.deregister(taskID)
		return
	}
	// A task flipped to paused/stopped between registration and firing is a
	// no-op, not an error.
	if task.Status != models.TaskStatusRunning {
		slog.Debug("Scheduler.fire: task not running, skipping", "taskID", taskID, "status", task.Status)
		return
	}

	if err := s.executor.ExecutePeriodicBranch(ctx, task); err != nil {
		if errors.Is(err, ErrNodeGone) {
			slog.Warn("Scheduler.fire: node gone from graph, stopping task", "taskID", taskID, "nodeID", task.NodeID)
			if stopErr := s.StopTask(ctx, taskID); stopErr != nil {
				slog.Error("Scheduler.fire: failed to stop task", "taskID", taskID, "error", stopErr)
			}
			return
		}
		slog.Error("Scheduler.fire: branch execution failed", "taskID", taskID, "error", err)
		return
	}

	task.ExecutionCount++
	if task.MaxExecutions > 0 && task.ExecutionCount >= task.MaxExecutions {
		s.deregister(taskID)
		task.Status = models.TaskStatusCompleted
		slog.Info("Scheduler.fire: task reached execution budget", "taskID", taskID, "executions", task.ExecutionCount)
	}
	if err := s.store.SavePeriodicTask(ctx, task); err != nil {
		slog.Error("Scheduler.fire: failed to persist task", "taskID", taskID, "error", err)
	}
}

// PauseTask deregisters the task's timer and marks it paused. The timer is
// removed before the status write returns.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) error {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusRunning {
		return fmt.Errorf("task %s is %s, not running", taskID, task.Status)
	}
	s.deregister(taskID)
	task.Status = models.TaskStatusPaused
	return s.store.SavePeriodicTask(ctx, task)
}

// ResumeTask re-registers a paused task with its remaining execution budget.
// Resuming a task whose budget is already consumed is a no-op that marks it
// completed.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) error {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPaused {
		return fmt.Errorf("task %s is %s, not paused", taskID, task.Status)
	}
	if task.RemainingBudget() == 0 {
		task.Status = models.TaskStatusCompleted
		slog.Info("Scheduler.ResumeTask: budget already consumed, marking completed", "taskID", taskID)
		return s.store.SavePeriodicTask(ctx, task)
	}
	// The persisted execution count carries the consumed budget, so the
	// firing callback continues counting toward the original maximum.
	task.Status = models.TaskStatusRunning
	if err := s.store.SavePeriodicTask(ctx, task); err != nil {
		return err
	}
	return s.register(task)
}

// StopTask deregisters the task's timer and marks it stopped. A firing
// already in flight finishes its current branch invocation.
func (s *Scheduler) StopTask(ctx context.Context, taskID string) error {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.deregister(taskID)
	task.Status = models.TaskStatusStopped
	return s.store.SavePeriodicTask(ctx, task)
}

// RestartTask stops any live registration, resets the execution count, and
// starts the task over with its original budget.
func (s *Scheduler) RestartTask(ctx context.Context, taskID string) error {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.deregister(taskID)
	task.ExecutionCount = 0
	task.Status = models.TaskStatusRunning
	if err := s.store.SavePeriodicTask(ctx, task); err != nil {
		return err
	}
	return s.register(task)
}

// GetStatus returns the task's persisted status.
func (s *Scheduler) GetStatus(ctx context.Context, taskID string) (models.TaskStatus, error) {
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// GetTask returns the persisted task, or nil when no such task exists.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*models.PeriodicTask, error) {
	return s.store.GetPeriodicTask(ctx, taskID)
}

// FindTaskByNode returns the task created by the given periodic_execution
// node for the given user, or nil when none exists. This is how
// periodic_control nodes address tasks at flow-design time.
func (s *Scheduler) FindTaskByNode(ctx context.Context, botID, nodeID, userID string) (*models.PeriodicTask, error) {
	tasks, err := s.store.ListPeriodicTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.BotID == botID && t.NodeID == nodeID && t.UserID == userID {
			return t, nil
		}
	}
	return nil, nil
}

// RecoverTasks rebuilds timer registrations from persisted metadata after a
// process restart. Tasks with a legacy/unreconstructable shape are deleted
// rather than retried forever.
func (s *Scheduler) RecoverTasks(ctx context.Context) error {
	tasks, err := s.store.ListPeriodicTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list periodic tasks: %w", err)
	}
	recovered, dropped := 0, 0
	for _, task := range tasks {
		if task.BotID == "" || task.NodeID == "" || (task.CronExpr == "" && task.Interval <= 0) {
			slog.Warn("Scheduler.RecoverTasks: deleting unreconstructable task", "taskID", task.ID)
			_ = s.store.DeletePeriodicTask(ctx, task.ID)
			dropped++
			continue
		}
		if task.Status != models.TaskStatusRunning {
			continue
		}
		if err := s.register(task); err != nil {
			slog.Error("Scheduler.RecoverTasks: failed to re-register task", "taskID", task.ID, "error", err)
			continue
		}
		recovered++
	}
	slog.Info("Scheduler.RecoverTasks done", "recovered", recovered, "dropped", dropped)
	return nil
}

// Stop stops the cron backend and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) loadTask(ctx context.Context, taskID string) (*models.PeriodicTask, error) {
	task, err := s.store.GetPeriodicTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("periodic task %q not found", taskID)
	}
	return task, nil
}

// intervalDuration converts an interval with unit into a duration.
func intervalDuration(interval int, unit string) (time.Duration, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive")
	}
	switch unit {
	case "second", "seconds", "s":
		return time.Duration(interval) * time.Second, nil
	case "", "minute", "minutes", "m":
		return time.Duration(interval) * time.Minute, nil
	case "hour", "hours", "h":
		return time.Duration(interval) * time.Hour, nil
	case "day", "days", "d":
		return time.Duration(interval) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown interval unit %q", unit)
	}
}
