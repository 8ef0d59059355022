package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateTask inserts a scheduled task row.
func (s *Store) CreateTask(t *Task) error {
	if t.ContextMode == "group" { // legacy alias, canonicalize on write
		t.ContextMode = ContextModeChat
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextModeChat
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (task_id, chat_jid, group_folder, prompt, schedule_type, schedule_value, context_mode, next_run, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskID, t.ChatJID, t.GroupFolder, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, nullableTime(t.NextRun), t.Status)
	return err
}

// GetTask loads one task by id.
func (s *Store) GetTask(taskID string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE task_id = ?`, taskID)
	return scanTask(row)
}

// DueTasks returns active tasks whose next_run is at or before now, ascending
// by next_run.
func (s *Store) DueTasks(now time.Time) ([]Task, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run ASC
	`, TaskActive, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]Task, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CompleteTaskRun atomically records a successful run: last_run, the new
// next_run (nil for finished once-tasks), status, and an attempts reset.
func (s *Store) CompleteTaskRun(taskID string, lastRun time.Time, nextRun *time.Time, status string) error {
	res, err := s.db.Exec(`
		UPDATE scheduled_tasks
		SET last_run = ?, next_run = ?, status = ?, attempts = 0
		WHERE task_id = ?
	`, lastRun.UTC(), nullableTime(nextRun), status, taskID)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

// BumpTaskAttempts increments the bounded retry counter after a failed run and
// returns the new value. next_run is left untouched so the next tick retries.
func (s *Store) BumpTaskAttempts(taskID string) (int, error) {
	if _, err := s.db.Exec(`UPDATE scheduled_tasks SET attempts = attempts + 1 WHERE task_id = ?`, taskID); err != nil {
		return 0, err
	}
	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM scheduled_tasks WHERE task_id = ?`, taskID).Scan(&attempts)
	return attempts, err
}

// SetTaskStatus moves a task between active/paused/completed/failed. Pausing
// clears nothing; resuming recomputes next_run at the scheduler layer.
func (s *Store) SetTaskStatus(taskID, status string) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE task_id = ?`, status, taskID)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

// SetTaskNextRun rewrites only next_run (used when resuming a paused task).
func (s *Store) SetTaskNextRun(taskID string, nextRun *time.Time) error {
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE task_id = ?`, nullableTime(nextRun), taskID)
	if err != nil {
		return err
	}
	return requireRow(res, taskID)
}

// DeleteTask removes a task row.
func (s *Store) DeleteTask(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE task_id = ?`, taskID)
	return err
}

const taskSelect = `
	SELECT id, task_id, chat_jid, group_folder, prompt, schedule_type, schedule_value, context_mode, next_run, last_run, status, attempts, created_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row *sql.Row) (*Task, error) {
	t, err := scanTaskRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func scanTaskRows(row rowScanner) (*Task, error) {
	var t Task
	var nextRun, lastRun sql.NullTime
	err := row.Scan(&t.ID, &t.TaskID, &t.ChatJID, &t.GroupFolder, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &nextRun, &lastRun, &t.Status, &t.Attempts, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRun = &v
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRun = &v
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no such task: %s", id)
	}
	return nil
}
