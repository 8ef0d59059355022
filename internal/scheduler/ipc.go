package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// RegisterIPC installs the schedule_task, pause_task, resume_task,
// cancel_task, and list_tasks handlers on the broker.
func RegisterIPC(b *ipc.Broker, s *Scheduler) {
	b.Register("schedule_task", ipc.Handler{
		Validate: func(req *ipc.Request) error {
			var prompt, scheduleType, scheduleValue string
			if !req.Field("prompt", &prompt) || prompt == "" {
				return errors.New("prompt is required")
			}
			req.Field("scheduleType", &scheduleType)
			switch scheduleType {
			case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
			default:
				return fmt.Errorf("scheduleType must be cron, interval, or once")
			}
			if !req.Field("scheduleValue", &scheduleValue) || scheduleValue == "" {
				return errors.New("scheduleValue is required")
			}
			return nil
		},
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			task := &store.Task{
				TaskID:      uuid.NewString(),
				GroupFolder: req.Group,
				Status:      store.TaskActive,
			}
			req.Field("chatJid", &task.ChatJID)
			req.Field("prompt", &task.Prompt)
			req.Field("scheduleType", &task.ScheduleType)
			req.Field("scheduleValue", &task.ScheduleValue)
			req.Field("contextMode", &task.ContextMode)

			next, err := s.FirstRun(task.ScheduleType, task.ScheduleValue, s.now())
			if err != nil {
				return nil, err
			}
			task.NextRun = next

			if err := s.store.CreateTask(task); err != nil {
				return nil, err
			}
			s.logger.Info("task scheduled", "task", task.TaskID, "group", req.Group, "type", task.ScheduleType)
			return map[string]any{"taskId": task.TaskID, "nextRun": task.NextRun}, nil
		},
	})

	b.Register("pause_task", ipc.Handler{
		Validate: requireTaskID,
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			task, err := ownedTask(s, req)
			if err != nil {
				return nil, err
			}
			if task.Status != store.TaskActive {
				return nil, fmt.Errorf("task %s is %s, not active", task.TaskID, task.Status)
			}
			if err := s.store.SetTaskStatus(task.TaskID, store.TaskPaused); err != nil {
				return nil, err
			}
			s.logger.Info("task paused", "task", task.TaskID, "group", req.Group)
			return map[string]any{"taskId": task.TaskID, "status": store.TaskPaused}, nil
		},
	})

	b.Register("resume_task", ipc.Handler{
		Validate: requireTaskID,
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			task, err := ownedTask(s, req)
			if err != nil {
				return nil, err
			}
			if task.Status != store.TaskPaused {
				return nil, fmt.Errorf("task %s is %s, not paused", task.TaskID, task.Status)
			}
			// Recompute from now so a long pause does not replay missed runs.
			next, err := s.FirstRun(task.ScheduleType, task.ScheduleValue, s.now())
			if err != nil {
				return nil, err
			}
			if err := s.store.SetTaskStatus(task.TaskID, store.TaskActive); err != nil {
				return nil, err
			}
			if err := s.store.SetTaskNextRun(task.TaskID, next); err != nil {
				return nil, err
			}
			s.logger.Info("task resumed", "task", task.TaskID, "group", req.Group)
			return map[string]any{"taskId": task.TaskID, "status": store.TaskActive, "nextRun": next}, nil
		},
	})

	b.Register("cancel_task", ipc.Handler{
		Validate: requireTaskID,
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			task, err := ownedTask(s, req)
			if err != nil {
				return nil, err
			}
			if err := s.store.DeleteTask(task.TaskID); err != nil {
				return nil, err
			}
			s.logger.Info("task cancelled", "task", task.TaskID, "group", req.Group)
			return map[string]any{"taskId": task.TaskID, "cancelled": true}, nil
		},
	})

	b.Register("list_tasks", ipc.Handler{
		Execute: func(ctx context.Context, req *ipc.Request) (any, error) {
			tasks, err := s.store.ListTasks()
			if err != nil {
				return nil, err
			}
			if !req.IsMain {
				visible := tasks[:0]
				for _, t := range tasks {
					if t.GroupFolder == req.Group {
						visible = append(visible, t)
					}
				}
				tasks = visible
			}
			return map[string]any{"tasks": tasks}, nil
		},
	})
}

func requireTaskID(req *ipc.Request) error {
	var id string
	if !req.Field("taskId", &id) || id == "" {
		return errors.New("taskId is required")
	}
	return nil
}

// ownedTask loads the request's task and enforces ownership: a group touches
// only its own tasks, the main group touches any.
func ownedTask(s *Scheduler, req *ipc.Request) (*store.Task, error) {
	var id string
	req.Field("taskId", &id)

	task, err := s.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("no such task: %s", id)
	}
	if !req.IsMain && task.GroupFolder != req.Group {
		return nil, fmt.Errorf("task %s belongs to another group", id)
	}
	return task, nil
}
