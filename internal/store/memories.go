package store

import (
	"database/sql"
)

// InsertMemory writes a fresh memory row at version 1.
func (s *Store) InsertMemory(m *Memory) error {
	m.Version = 1
	_, err := s.db.Exec(`
		INSERT INTO memories (memory_id, content, content_hash, level, scope, product_id, group_folder, tags, pii_detected, injection_detected, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, m.ID, m.Content, m.ContentHash, m.Level, m.Scope, m.ProductID, m.GroupFolder, m.Tags, m.PIIDetected, m.InjectionDetected)
	return err
}

// UpdateMemory rewrites a memory with compare-and-swap on version.
func (s *Store) UpdateMemory(m *Memory, expectedVersion int64) error {
	res, err := s.db.Exec(`
		UPDATE memories
		SET content = ?, content_hash = ?, level = ?, scope = ?, product_id = ?, tags = ?,
			pii_detected = ?, injection_detected = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE memory_id = ? AND version = ?
	`, m.Content, m.ContentHash, m.Level, m.Scope, m.ProductID, m.Tags,
		m.PIIDetected, m.InjectionDetected, m.ID, expectedVersion)
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
	m.Version = expectedVersion + 1
	return nil
}

// GetMemory loads one memory, nil when absent.
func (s *Store) GetMemory(id string) (*Memory, error) {
	row := s.db.QueryRow(memorySelect+` WHERE memory_id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// FindMemoryByHash returns the group's memory with the given content hash,
// nil when absent. Content hashing makes repeated stores idempotent.
func (s *Store) FindMemoryByHash(groupFolder, hash string) (*Memory, error) {
	row := s.db.QueryRow(memorySelect+` WHERE group_folder = ? AND content_hash = ?`, groupFolder, hash)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// SearchMemories returns candidates whose content or tags match the query
// substring, most recently updated first. Visibility filtering happens in the
// memory broker, which also writes the access log.
func (s *Store) SearchMemories(query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(memorySelect+`
		WHERE content LIKE '%' || ? || '%' OR tags LIKE '%' || ? || '%'
		ORDER BY updated_at DESC LIMIT ?
	`, query, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// ListMemories returns recent memories, newest first.
func (s *Store) ListMemories(limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(memorySelect+` ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMemoryRows(rows)
}

// AppendMemoryAccess logs one recall decision (returned or denied) for audit.
func (s *Store) AppendMemoryAccess(memoryID, callerGroup, query, decision string) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_access_log (memory_id, caller_group, query, decision)
		VALUES (?, ?, ?, ?)
	`, memoryID, callerGroup, query, decision)
	return err
}

const memorySelect = `
	SELECT memory_id, content, content_hash, level, scope, product_id, group_folder, tags, pii_detected, injection_detected, created_at, updated_at, version
	FROM memories`

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	err := row.Scan(&m.ID, &m.Content, &m.ContentHash, &m.Level, &m.Scope, &m.ProductID, &m.GroupFolder,
		&m.Tags, &m.PIIDetected, &m.InjectionDetected, &m.CreatedAt, &m.UpdatedAt, &m.Version)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
