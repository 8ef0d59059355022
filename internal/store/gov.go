package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when a compare-and-swap write loses the race.
// The caller reloads the row and retries on its next tick.
var ErrVersionConflict = errors.New("VERSION_CONFLICT")

// CreateGovTask inserts a governed task, or updates descriptive fields when
// the id already exists. An upsert never touches version: re-posting the same
// task is idempotent with respect to optimistic concurrency.
func (s *Store) CreateGovTask(t *GovTask) error {
	if t.State == "" {
		t.State = StateInbox
	}
	if t.Scope == "" {
		t.Scope = ScopeCompany
	}
	if t.Gate == "" {
		t.Gate = GateNone
	}
	if t.Metadata == "" {
		t.Metadata = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO gov_tasks (task_id, title, description, task_type, state, priority, product_id, scope, assigned_group, gate, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			task_type = excluded.task_type,
			priority = excluded.priority,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Title, t.Description, t.TaskType, t.State, t.Priority, t.ProductID, t.Scope, t.AssignedGroup, t.Gate, t.Metadata)
	return err
}

// GetGovTask loads one governed task, nil when absent.
func (s *Store) GetGovTask(id string) (*GovTask, error) {
	row := s.db.QueryRow(govTaskSelect+` WHERE task_id = ?`, id)
	t, err := scanGovTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// GovTaskFilter narrows ListGovTasks.
type GovTaskFilter struct {
	State     string
	TaskType  string
	ProductID string
	Limit     int
}

// ListGovTasks returns governed tasks matching the filter, newest first.
func (s *Store) ListGovTasks(f GovTaskFilter) ([]GovTask, error) {
	query := govTaskSelect + ` WHERE 1=1`
	args := []any{}
	if f.State != "" {
		query += " AND state = ?"
		args = append(args, f.State)
	}
	if f.TaskType != "" {
		query += " AND task_type = ?"
		args = append(args, f.TaskType)
	}
	if f.ProductID != "" {
		query += " AND product_id = ?"
		args = append(args, f.ProductID)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovTask
	for rows.Next() {
		t, err := scanGovTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateGovTask writes the task's mutable fields with compare-and-swap on
// version. expectedVersion must match the stored row or ErrVersionConflict is
// returned; on success version is incremented.
func (s *Store) UpdateGovTask(t *GovTask, expectedVersion int64) error {
	res, err := s.db.Exec(`
		UPDATE gov_tasks
		SET title = ?, description = ?, task_type = ?, state = ?, priority = ?,
			product_id = ?, scope = ?, assigned_group = ?, gate = ?, metadata = ?,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE task_id = ? AND version = ?
	`, t.Title, t.Description, t.TaskType, t.State, t.Priority,
		t.ProductID, t.Scope, t.AssignedGroup, t.Gate, t.Metadata,
		t.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

// AppendActivity writes an audit entry for a governed task.
func (s *Store) AppendActivity(a *GovActivity) error {
	_, err := s.db.Exec(`
		INSERT INTO gov_activities (task_id, action, from_state, to_state, actor, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.TaskID, a.Action, a.FromState, a.ToState, a.Actor, a.Reason)
	return err
}

// ListActivities returns the task's trailing activity window, newest first.
func (s *Store) ListActivities(taskID string, limit int) ([]GovActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, action, from_state, to_state, actor, reason, created_at
		FROM gov_activities WHERE task_id = ?
		ORDER BY id DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovActivity
	for rows.Next() {
		var a GovActivity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &a.FromState, &a.ToState, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActivitiesByAction returns the task's activities with the given action,
// newest first.
func (s *Store) ActivitiesByAction(taskID, action string, limit int) ([]GovActivity, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, task_id, action, from_state, to_state, actor, reason, created_at
		FROM gov_activities WHERE task_id = ? AND action = ?
		ORDER BY id DESC LIMIT ?
	`, taskID, action, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovActivity
	for rows.Next() {
		var a GovActivity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Action, &a.FromState, &a.ToState, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertApproval records a gate approval. The (task, gate) pair is unique;
// the bool reports whether this call recorded it (false = already approved).
func (s *Store) InsertApproval(a *GovApproval) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO gov_approvals (task_id, gate_type, approved_by, notes)
		VALUES (?, ?, ?, ?)
	`, a.TaskID, a.GateType, a.ApprovedBy, a.Notes)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetApproval returns the approval for (task, gate), nil when absent.
func (s *Store) GetApproval(taskID, gateType string) (*GovApproval, error) {
	var a GovApproval
	err := s.db.QueryRow(`
		SELECT task_id, gate_type, approved_by, approved_at, notes
		FROM gov_approvals WHERE task_id = ? AND gate_type = ?
	`, taskID, gateType).Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &a.ApprovedAt, &a.Notes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListApprovals returns approvals, optionally filtered by task.
func (s *Store) ListApprovals(taskID string) ([]GovApproval, error) {
	query := `SELECT task_id, gate_type, approved_by, approved_at, notes FROM gov_approvals`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY approved_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovApproval
	for rows.Next() {
		var a GovApproval
		if err := rows.Scan(&a.TaskID, &a.GateType, &a.ApprovedBy, &a.ApprovedAt, &a.Notes); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DispatchKey builds the deterministic key claiming one transition of one
// task version.
func DispatchKey(taskID, from, to string, version int64) string {
	return fmt.Sprintf("%s:%s->%s:v%d", taskID, from, to, version)
}

// ClaimDispatch attempts the unique insert that makes dispatch at-most-once
// per (task, transition, version). True = this caller owns the dispatch;
// false = another tick already claimed it.
func (s *Store) ClaimDispatch(d *GovDispatch) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO gov_dispatches (dispatch_key, task_id, from_state, to_state, group_target, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.DispatchKey, d.TaskID, d.FromState, d.ToState, d.GroupTarget, DispatchEnqueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetDispatchStatus advances a dispatch record; workerID may be empty.
func (s *Store) SetDispatchStatus(dispatchKey, status, workerID string) error {
	_, err := s.db.Exec(`
		UPDATE gov_dispatches
		SET status = ?, worker_id = CASE WHEN ? != '' THEN ? ELSE worker_id END, updated_at = CURRENT_TIMESTAMP
		WHERE dispatch_key = ?
	`, status, workerID, workerID, dispatchKey)
	return err
}

// GetDispatch loads a dispatch row by key, nil when absent.
func (s *Store) GetDispatch(dispatchKey string) (*GovDispatch, error) {
	row := s.db.QueryRow(dispatchSelect+` WHERE dispatch_key = ?`, dispatchKey)
	d, err := scanDispatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDispatches returns dispatch rows for a task or worker ("" = no filter),
// newest first.
func (s *Store) ListDispatches(taskID, workerID string) ([]GovDispatch, error) {
	query := dispatchSelect + ` WHERE 1=1`
	args := []any{}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	if workerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GovDispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// CountDoingByGroup returns the number of governed tasks a group currently has
// in DOING, for WIP limiting.
func (s *Store) CountDoingByGroup(group string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM gov_tasks WHERE state = ? AND assigned_group = ?
	`, StateDoing, group).Scan(&n)
	return n, err
}

// UpsertProduct creates or renames a product.
func (s *Store) UpsertProduct(p *Product) error {
	if p.Status == "" {
		p.Status = "active"
	}
	_, err := s.db.Exec(`
		INSERT INTO products (product_id, name, status) VALUES (?, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET name = excluded.name, updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.Name, p.Status)
	return err
}

// GetProduct loads a product, nil when absent.
func (s *Store) GetProduct(id string) (*Product, error) {
	var p Product
	err := s.db.QueryRow(`
		SELECT product_id, name, status, created_at, updated_at FROM products WHERE product_id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns all products.
func (s *Store) ListProducts() ([]Product, error) {
	rows, err := s.db.Query(`SELECT product_id, name, status, created_at, updated_at FROM products ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProductStatus pauses or resumes a product.
func (s *Store) SetProductStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE products SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE product_id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no such product: %s", id)
	}
	return nil
}

const govTaskSelect = `
	SELECT task_id, title, description, task_type, state, priority, product_id, scope, assigned_group, gate, version, metadata, created_at, updated_at
	FROM gov_tasks`

const dispatchSelect = `
	SELECT id, dispatch_key, task_id, from_state, to_state, group_target, worker_id, status, created_at, updated_at
	FROM gov_dispatches`

func scanGovTask(row rowScanner) (*GovTask, error) {
	var t GovTask
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.TaskType, &t.State, &t.Priority,
		&t.ProductID, &t.Scope, &t.AssignedGroup, &t.Gate, &t.Version, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanDispatch(row rowScanner) (*GovDispatch, error) {
	var d GovDispatch
	err := row.Scan(&d.ID, &d.DispatchKey, &d.TaskID, &d.FromState, &d.ToState, &d.GroupTarget, &d.WorkerID, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
