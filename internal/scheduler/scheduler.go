// Package scheduler runs the persistent task loop: cron, interval, and
// one-shot tasks fired through the shared agent lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler fires due tasks on a fixed tick.
type Scheduler struct {
	store  *store.Store
	cfg    config.SchedulerConfig
	tz     *time.Location
	lock   *agent.Lock
	runner agent.Runner
	logger *slog.Logger

	// Send delivers a completed task's result to its chat. Optional.
	Send func(chatJID, content string)

	now func() time.Time
}

// New builds a scheduler. tz governs cron evaluation; nil means local time.
func New(st *store.Store, cfg config.SchedulerConfig, tz *time.Location, lock *agent.Lock, runner agent.Runner, logger *slog.Logger) *Scheduler {
	if tz == nil {
		tz = time.Local
	}
	return &Scheduler{store: st, cfg: cfg, tz: tz, lock: lock, runner: runner, logger: logger, now: time.Now}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Scheduler started", "tick", interval, "tz", s.tz.String())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due task once. Exported so tests and the CLI drive ticks
// manually instead of waiting on timers.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueTasks(now)
	if err != nil {
		s.logger.Error("failed to load due tasks", "error", err)
		return
	}

	for i := range due {
		task := &due[i]
		if !s.lock.TryAcquire() {
			// Agent busy: the whole batch defers to the next tick.
			s.logger.Debug("agent lock held, deferring due tasks", "task", task.TaskID)
			return
		}
		s.fire(ctx, task, now)
		s.lock.Release()
	}
}

func (s *Scheduler) fire(ctx context.Context, task *store.Task, now time.Time) {
	prompt, err := s.buildPrompt(task)
	if err != nil {
		s.fail(task, err)
		return
	}

	result, runErr := s.invoke(ctx, task, prompt)
	if runErr != nil {
		s.fail(task, runErr)
		return
	}

	nextRun, status, err := s.nextAfter(task, now)
	if err != nil {
		s.fail(task, err)
		return
	}
	if err := s.store.CompleteTaskRun(task.TaskID, now, nextRun, status); err != nil {
		s.logger.Error("failed to record task run", "task", task.TaskID, "error", err)
		return
	}
	s.logger.Info("task fired", "task", task.TaskID, "status", status, "next_run", nextRun)

	if result != "" && s.Send != nil {
		s.Send(task.ChatJID, result)
	}
}

// invoke runs the agent and collects the final result.
func (s *Scheduler) invoke(ctx context.Context, task *store.Task, prompt string) (string, error) {
	sessionID := ""
	if task.ContextMode == store.ContextModeChat {
		sessionID, _ = s.store.GetSession(task.ChatJID)
	}

	events, err := s.runner.Run(ctx, agent.Invocation{
		Prompt:      prompt,
		SessionID:   sessionID,
		ChatJID:     task.ChatJID,
		GroupFolder: task.GroupFolder,
		Scheduled:   true,
	})
	if err != nil {
		return "", err
	}

	var result string
	for ev := range events {
		if ev.SessionID != "" && task.ContextMode == store.ContextModeChat {
			if err := s.store.SetSession(task.ChatJID, ev.SessionID); err != nil {
				s.logger.Warn("failed to store session", "chat", task.ChatJID, "error", err)
			}
		}
		switch ev.Status {
		case agent.StatusError:
			return "", errors.New(ev.Err)
		case agent.StatusDone:
			result = ev.Result
		}
	}
	return result, nil
}

// buildPrompt labels the prompt as non-user-originated and, in chat context,
// prefixes the chat's trailing history.
func (s *Scheduler) buildPrompt(task *store.Task) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Scheduled task %s] %s", task.TaskID, task.Prompt)

	if task.ContextMode == store.ContextModeChat {
		history, err := s.store.RecentMessages(task.ChatJID, 50)
		if err != nil {
			return "", fmt.Errorf("load chat context: %w", err)
		}
		if len(history) > 0 {
			sb.WriteString("\n\nRecent conversation:\n")
			for _, m := range history {
				fmt.Fprintf(&sb, "%s %s: %s\n", m.Timestamp, m.SenderName, m.Content)
			}
		}
	}
	return sb.String(), nil
}

// nextAfter computes the task's next fire time. A cron task advances one
// schedule step from its stored next_run, never from now: after downtime the
// task fires once per tick until next_run catches up with the clock.
func (s *Scheduler) nextAfter(task *store.Task, now time.Time) (*time.Time, string, error) {
	switch task.ScheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(task.ScheduleValue)
		if err != nil {
			return nil, "", fmt.Errorf("parse cron %q: %w", task.ScheduleValue, err)
		}
		from := now
		if task.NextRun != nil {
			from = *task.NextRun
		}
		next := sched.Next(from.In(s.tz))
		return &next, store.TaskActive, nil

	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, "", fmt.Errorf("invalid interval %q", task.ScheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, store.TaskActive, nil

	case store.ScheduleOnce:
		return nil, store.TaskCompleted, nil
	}
	return nil, "", fmt.Errorf("unknown schedule type %q", task.ScheduleType)
}

// fail bumps the bounded retry counter, leaving next_run so the next tick
// retries, and moves the task to failed after max attempts.
func (s *Scheduler) fail(task *store.Task, cause error) {
	attempts, err := s.store.BumpTaskAttempts(task.TaskID)
	if err != nil {
		s.logger.Error("failed to bump attempts", "task", task.TaskID, "error", err)
		return
	}
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if attempts >= maxAttempts {
		if err := s.store.SetTaskStatus(task.TaskID, store.TaskFailed); err != nil {
			s.logger.Error("failed to mark task failed", "task", task.TaskID, "error", err)
		}
		s.logger.Error("task failed permanently", "task", task.TaskID, "attempts", attempts, "error", cause)
		return
	}
	s.logger.Warn("task run failed, will retry", "task", task.TaskID, "attempts", attempts, "error", cause)
}

// FirstRun computes the initial next_run for a newly created task. Once-tasks
// carry their absolute fire time in schedule_value (RFC3339).
func (s *Scheduler) FirstRun(scheduleType, scheduleValue string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", scheduleValue, err)
		}
		next := sched.Next(now.In(s.tz))
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", scheduleValue)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("invalid once time %q: %w", scheduleValue, err)
		}
		return &at, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
}
