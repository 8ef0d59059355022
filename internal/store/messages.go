package store

import (
	"database/sql"
)

// InsertMessage records an inbound or outbound chat entry. Duplicate
// deliveries (same message_id) are dropped; the bool reports whether the row
// was actually inserted.
func (s *Store) InsertMessage(m *Message) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (message_id, chat_jid, sender, sender_name, content, timestamp, from_self)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.MessageID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp, m.FromSelf)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MessagesAfter returns the chat's messages strictly after the given cursor
// timestamp, ascending. An empty cursor returns everything.
func (s *Store) MessagesAfter(chatJID, after string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, message_id, chat_jid, sender, sender_name, content, timestamp, from_self
		FROM messages
		WHERE chat_jid = ? AND timestamp > ?
		ORDER BY timestamp ASC, message_id ASC
	`, chatJID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ChatsWithPendingMessages returns the distinct chats holding inbound
// messages newer than their own cursor. A chat whose cursor was rolled back
// keeps showing up here until its batch completes.
func (s *Store) ChatsWithPendingMessages() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT m.chat_jid FROM messages m
		LEFT JOIN router_cursors c ON c.chat_jid = m.chat_jid
		WHERE m.from_self = 0 AND m.timestamp > COALESCE(c.last_agent_timestamp, '')
		ORDER BY m.chat_jid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, err
		}
		chats = append(chats, jid)
	}
	return chats, rows.Err()
}

// RecentMessages returns the chat's trailing history, ascending, at most limit
// rows. Used to build chat-context prompts.
func (s *Store) RecentMessages(chatJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, message_id, chat_jid, sender, sender_name, content, timestamp, from_self
		FROM (
			SELECT * FROM messages WHERE chat_jid = ?
			ORDER BY timestamp DESC, message_id DESC LIMIT ?
		) ORDER BY timestamp ASC, message_id ASC
	`, chatJID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &m.FromSelf); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSession returns the session id mapped to a chat, or "" when none exists.
func (s *Store) GetSession(chatJID string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE chat_jid = ?`, chatJID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SetSession replaces the chat's session mapping.
func (s *Store) SetSession(chatJID, sessionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (chat_jid, session_id, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_jid) DO UPDATE SET session_id = excluded.session_id, updated_at = CURRENT_TIMESTAMP
	`, chatJID, sessionID)
	return err
}

// DeleteSession removes the chat's session mapping.
func (s *Store) DeleteSession(chatJID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE chat_jid = ?`, chatJID)
	return err
}

// Router cursor state. The process-wide last-observed timestamp lives in the
// settings table; per-chat cursors have their own table.

const routerLastTimestampKey = "router_last_timestamp"

// RouterLastTimestamp returns the process-wide last message timestamp the
// router has observed.
func (s *Store) RouterLastTimestamp() (string, error) {
	return s.GetSetting(routerLastTimestampKey)
}

// SetRouterLastTimestamp persists the process-wide router cursor.
func (s *Store) SetRouterLastTimestamp(ts string) error {
	return s.SetSetting(routerLastTimestampKey, ts)
}

// ChatCursor returns the chat's last-processed message timestamp, "" if the
// chat has never been processed.
func (s *Store) ChatCursor(chatJID string) (string, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_agent_timestamp FROM router_cursors WHERE chat_jid = ?`, chatJID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

// SetChatCursor persists the chat's cursor. Both advance and rollback go
// through here; the caller decides the value.
func (s *Store) SetChatCursor(chatJID, ts string) error {
	_, err := s.db.Exec(`
		INSERT INTO router_cursors (chat_jid, last_agent_timestamp) VALUES (?, ?)
		ON CONFLICT(chat_jid) DO UPDATE SET last_agent_timestamp = excluded.last_agent_timestamp
	`, chatJID, ts)
	return err
}
