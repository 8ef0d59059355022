package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// IncrementRateCounter atomically increments the (op, scope, window) counter
// and returns the new count. The increment and the read happen in one
// statement against the single write connection, so concurrent callers never
// lose increments.
func (s *Store) IncrementRateCounter(op, scopeKey, windowKey string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		INSERT INTO rate_counters (op, scope_key, window_key, count) VALUES (?, ?, ?, 1)
		ON CONFLICT(op, scope_key, window_key) DO UPDATE SET count = count + 1
		RETURNING count
	`, op, scopeKey, windowKey).Scan(&count)
	return count, err
}

// PurgeRateCountersBefore opportunistically drops windows older than the
// cutoff minute key.
func (s *Store) PurgeRateCountersBefore(windowKey string) error {
	_, err := s.db.Exec(`DELETE FROM rate_counters WHERE window_key < ?`, windowKey)
	return err
}

// IncrementQuota atomically increments the daily quota row, seeding the
// configured limits on first use, and returns the new used value together
// with the row's limits.
func (s *Store) IncrementQuota(op, scopeKey, dayKey string, softLimit, hardLimit int) (used, soft, hard int, err error) {
	err = s.db.QueryRow(`
		INSERT INTO quota_daily (op, scope_key, day_key, used, soft_limit, hard_limit) VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(op, scope_key, day_key) DO UPDATE SET used = used + 1
		RETURNING used, soft_limit, hard_limit
	`, op, scopeKey, dayKey, softLimit, hardLimit).Scan(&used, &soft, &hard)
	return used, soft, hard, err
}

// GetBreaker loads the provider's breaker row, nil when the provider has
// never tripped or been probed.
func (s *Store) GetBreaker(provider string) (*Breaker, error) {
	var b Breaker
	var lastFail, opened, lastProbe sql.NullTime
	err := s.db.QueryRow(`
		SELECT provider, state, fail_count, last_fail_at, opened_at, last_probe_at, version
		FROM breakers WHERE provider = ?
	`, provider).Scan(&b.Provider, &b.State, &b.FailCount, &lastFail, &opened, &lastProbe, &b.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastFail.Valid {
		v := lastFail.Time
		b.LastFailAt = &v
	}
	if opened.Valid {
		v := opened.Time
		b.OpenedAt = &v
	}
	if lastProbe.Valid {
		v := lastProbe.Time
		b.LastProbeAt = &v
	}
	return &b, nil
}

// PutBreaker writes the breaker row with compare-and-swap on version. A zero
// expectedVersion inserts a fresh row; otherwise the stored version must
// match or ErrVersionConflict is returned. Transitions are therefore observed
// monotonically per provider.
func (s *Store) PutBreaker(b *Breaker, expectedVersion int64) error {
	if expectedVersion == 0 {
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO breakers (provider, state, fail_count, last_fail_at, opened_at, last_probe_at, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)
		`, b.Provider, b.State, b.FailCount, nullableTime(b.LastFailAt), nullableTime(b.OpenedAt), nullableTime(b.LastProbeAt))
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
		b.Version = 1
		return nil
	}

	res, err := s.db.Exec(`
		UPDATE breakers
		SET state = ?, fail_count = ?, last_fail_at = ?, opened_at = ?, last_probe_at = ?, version = version + 1
		WHERE provider = ? AND version = ?
	`, b.State, b.FailCount, nullableTime(b.LastFailAt), nullableTime(b.OpenedAt), nullableTime(b.LastProbeAt),
		b.Provider, expectedVersion)
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
	b.Version = expectedVersion + 1
	return nil
}

// InsertDenial appends to the limit denial log.
func (s *Store) InsertDenial(op, scopeKey, code string) error {
	_, err := s.db.Exec(`INSERT INTO limit_denials (op, scope_key, code) VALUES (?, ?, ?)`, op, scopeKey, code)
	return err
}

// DenialsSince counts denial rows newer than the cutoff.
func (s *Store) DenialsSince(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM limit_denials WHERE created_at >= ?`, cutoff.UTC()).Scan(&n)
	return n, err
}

// ListDenials returns recent denial rows, newest first.
func (s *Store) ListDenials(limit int) ([]LimitDenial, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, op, scope_key, code, created_at FROM limit_denials ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LimitDenial
	for rows.Next() {
		var d LimitDenial
		if err := rows.Scan(&d.ID, &d.Op, &d.ScopeKey, &d.Code, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertNonce claims a request id for replay protection. False means the id
// was already seen.
func (s *Store) InsertNonce(requestID string, receivedAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO nonces (request_id, received_at) VALUES (?, ?)
	`, requestID, receivedAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// NonceSeen reports whether the request id is in the replay table.
func (s *Store) NonceSeen(requestID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM nonces WHERE request_id = ?`, requestID).Scan(&n)
	return n > 0, err
}

// PurgeNonces deletes nonces older than the cutoff and, when the table still
// exceeds cap, the oldest overflow rows.
func (s *Store) PurgeNonces(cutoff time.Time, cap int) error {
	if _, err := s.db.Exec(`DELETE FROM nonces WHERE received_at < ?`, cutoff.UTC()); err != nil {
		return err
	}
	if cap <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM nonces WHERE request_id IN (
			SELECT request_id FROM nonces ORDER BY received_at DESC LIMIT -1 OFFSET ?
		)
	`, cap)
	return err
}

// UpsertWorker registers or updates a worker node.
func (s *Store) UpsertWorker(w *Worker) error {
	groups, err := json.Marshal(w.GroupsServed)
	if err != nil {
		return fmt.Errorf("marshal groups_served: %w", err)
	}
	if w.Status == "" {
		w.Status = WorkerOffline
	}
	_, err = s.db.Exec(`
		INSERT INTO workers (worker_id, host, user, ssh_port, local_port, remote_port, status, max_wip, current_wip, shared_secret, groups_served)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			host = excluded.host, user = excluded.user, ssh_port = excluded.ssh_port,
			local_port = excluded.local_port, remote_port = excluded.remote_port,
			max_wip = excluded.max_wip, shared_secret = excluded.shared_secret,
			groups_served = excluded.groups_served, updated_at = CURRENT_TIMESTAMP
	`, w.ID, w.Host, w.User, w.SSHPort, w.LocalPort, w.RemotePort, w.Status, w.MaxWIP, w.CurrentWIP, w.SharedSecret, string(groups))
	return err
}

// GetWorker loads a worker, nil when absent.
func (s *Store) GetWorker(id string) (*Worker, error) {
	row := s.db.QueryRow(workerSelect+` WHERE worker_id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ListWorkers returns all workers ordered by id (stable round-robin base).
func (s *Store) ListWorkers() ([]Worker, error) {
	rows, err := s.db.Query(workerSelect + ` ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// SetWorkerStatus marks a worker online/offline.
func (s *Store) SetWorkerStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE workers SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE worker_id = ?`, status, id)
	return err
}

// IncrementWorkerWIP adds one in-flight item if the worker still has
// capacity. False = no capacity (the conditional update matched no row).
func (s *Store) IncrementWorkerWIP(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workers SET current_wip = current_wip + 1, updated_at = CURRENT_TIMESTAMP
		WHERE worker_id = ? AND current_wip < max_wip
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DecrementWorkerWIP releases one in-flight item, never going below zero.
func (s *Store) DecrementWorkerWIP(id string) error {
	_, err := s.db.Exec(`
		UPDATE workers SET current_wip = MAX(current_wip - 1, 0), updated_at = CURRENT_TIMESTAMP
		WHERE worker_id = ?
	`, id)
	return err
}

const workerSelect = `
	SELECT worker_id, host, user, ssh_port, local_port, remote_port, status, max_wip, current_wip, shared_secret, groups_served, updated_at
	FROM workers`

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var groups string
	err := row.Scan(&w.ID, &w.Host, &w.User, &w.SSHPort, &w.LocalPort, &w.RemotePort, &w.Status,
		&w.MaxWIP, &w.CurrentWIP, &w.SharedSecret, &groups, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if groups != "" {
		_ = json.Unmarshal([]byte(groups), &w.GroupsServed)
	}
	return &w, nil
}
