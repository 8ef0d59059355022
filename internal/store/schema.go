package store

import (
	"time"
)

// TimeLayout is the canonical timestamp format persisted for message and
// cursor ordering. Millisecond precision, always UTC, lexicographically
// sortable.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical store layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical store timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Message is a single inbound or outbound chat entry.
type Message struct {
	ID         int64  `json:"id"`
	MessageID  string `json:"message_id"`
	ChatJID    string `json:"chat_jid"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"` // TimeLayout, orders messages within a chat
	FromSelf   bool   `json:"from_self"`
}

// Session maps a chat to a resumable agent conversation.
type Session struct {
	ChatJID   string    `json:"chat_jid"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is a scheduled unit of agent work.
type Task struct {
	ID           int64      `json:"id"`
	TaskID       string     `json:"task_id"`
	ChatJID      string     `json:"chat_jid"`
	GroupFolder  string     `json:"group_folder"`
	Prompt       string     `json:"prompt"`
	ScheduleType string     `json:"schedule_type"` // cron, interval, once
	ScheduleValue string    `json:"schedule_value"`
	ContextMode  string     `json:"context_mode"` // chat, isolated
	NextRun      *time.Time `json:"next_run,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	Status       string     `json:"status"` // active, paused, completed, failed
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
}

const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"

	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskFailed    = "failed"

	ContextModeChat     = "chat"
	ContextModeIsolated = "isolated"
)

// GovTask is a governed work item moving through the pipeline states.
type GovTask struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	TaskType      string    `json:"task_type"`
	State         string    `json:"state"`
	Priority      int       `json:"priority"`
	ProductID     string    `json:"product_id,omitempty"`
	Scope         string    `json:"scope"` // COMPANY, PRODUCT
	AssignedGroup string    `json:"assigned_group,omitempty"`
	Gate          string    `json:"gate"` // None, Security, ...
	Version       int64     `json:"version"`
	Metadata      string    `json:"metadata,omitempty"` // JSON blob
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	StateInbox    = "INBOX"
	StateReady    = "READY"
	StateDoing    = "DOING"
	StateReview   = "REVIEW"
	StateApproval = "APPROVAL"
	StateDone     = "DONE"

	ScopeCompany = "COMPANY"
	ScopeProduct = "PRODUCT"

	GateNone = "None"
)

// GovActivity is an append-only audit entry for a GovTask.
type GovActivity struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GovApproval records a gate approval, unique per (task, gate).
type GovApproval struct {
	TaskID     string    `json:"task_id"`
	GateType   string    `json:"gate_type"`
	ApprovedBy string    `json:"approved_by"`
	ApprovedAt time.Time `json:"approved_at"`
	Notes      string    `json:"notes,omitempty"`
}

// GovDispatch is the idempotency record for a dispatch attempt.
type GovDispatch struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	DispatchKey string    `json:"dispatch_key"`
	GroupTarget string    `json:"group_target"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Status      string    `json:"status"` // ENQUEUED, SENT, COMPLETED, FAILED
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	DispatchEnqueued  = "ENQUEUED"
	DispatchSent      = "SENT"
	DispatchCompleted = "COMPLETED"
	DispatchFailed    = "FAILED"
)

// Product gates PRODUCT-scoped dispatch while not active.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // active, paused
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Worker is a remote execution node reached through a loopback tunnel.
type Worker struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	User         string    `json:"user"`
	SSHPort      int       `json:"ssh_port"`
	LocalPort    int       `json:"local_port"`
	RemotePort   int       `json:"remote_port"`
	Status       string    `json:"status"` // online, offline
	MaxWIP       int       `json:"max_wip"`
	CurrentWIP   int       `json:"current_wip"`
	SharedSecret string    `json:"-"`
	GroupsServed []string  `json:"groups_served"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	WorkerOnline  = "online"
	WorkerOffline = "offline"
)

// Breaker is the per-provider circuit breaker row.
type Breaker struct {
	Provider    string     `json:"provider"`
	State       string     `json:"state"` // CLOSED, OPEN, HALF_OPEN
	FailCount   int        `json:"fail_count"`
	LastFailAt  *time.Time `json:"last_fail_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	LastProbeAt *time.Time `json:"last_probe_at,omitempty"`
	Version     int64      `json:"version"`
}

const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// LimitDenial is an append-only denial log row.
type LimitDenial struct {
	ID        int64     `json:"id"`
	Op        string    `json:"op"`
	ScopeKey  string    `json:"scope_key"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is a stored memory item with sensitivity level and scope.
type Memory struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	ContentHash       string    `json:"content_hash"`
	Level             string    `json:"level"` // L1, L2, L3
	Scope             string    `json:"scope"` // COMPANY, PRODUCT
	ProductID         string    `json:"product_id,omitempty"`
	GroupFolder       string    `json:"group_folder"`
	Tags              string    `json:"tags,omitempty"` // JSON array
	PIIDetected       bool      `json:"pii_detected"`
	InjectionDetected bool      `json:"injection_detected"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Version           int64     `json:"version"`
}

const (
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
)

// Schema is the baseline DDL. Later columns arrive via best-effort additive
// migrations in NewStore.
const Schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE NOT NULL,
	chat_jid TEXT NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	sender_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	from_self BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_jid, timestamp);

CREATE TABLE IF NOT EXISTS sessions (
	chat_jid TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS router_cursors (
	chat_jid TEXT PRIMARY KEY,
	last_agent_timestamp TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT UNIQUE NOT NULL,
	chat_jid TEXT NOT NULL,
	group_folder TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode TEXT NOT NULL DEFAULT 'chat',
	next_run DATETIME,
	last_run DATETIME,
	status TEXT NOT NULL DEFAULT 'active',
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);

CREATE TABLE IF NOT EXISTS gov_tasks (
	task_id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'INBOX',
	priority INTEGER NOT NULL DEFAULT 0,
	product_id TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT 'COMPANY',
	assigned_group TEXT NOT NULL DEFAULT '',
	gate TEXT NOT NULL DEFAULT 'None',
	version INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_gov_tasks_state ON gov_tasks(state);
CREATE INDEX IF NOT EXISTS idx_gov_tasks_product ON gov_tasks(product_id);

CREATE TABLE IF NOT EXISTS gov_activities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	action TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_gov_activities_task ON gov_activities(task_id);

CREATE TABLE IF NOT EXISTS gov_approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	gate_type TEXT NOT NULL,
	approved_by TEXT NOT NULL,
	approved_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	notes TEXT NOT NULL DEFAULT '',
	UNIQUE(task_id, gate_type)
);

CREATE TABLE IF NOT EXISTS gov_dispatches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	dispatch_key TEXT UNIQUE NOT NULL,
	task_id TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	group_target TEXT NOT NULL DEFAULT '',
	worker_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'ENQUEUED',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_gov_dispatches_task ON gov_dispatches(task_id);

CREATE TABLE IF NOT EXISTS products (
	product_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workers (
	worker_id TEXT PRIMARY KEY,
	host TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	ssh_port INTEGER NOT NULL DEFAULT 22,
	local_port INTEGER NOT NULL DEFAULT 0,
	remote_port INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'offline',
	max_wip INTEGER NOT NULL DEFAULT 1,
	current_wip INTEGER NOT NULL DEFAULT 0,
	shared_secret TEXT NOT NULL DEFAULT '',
	groups_served TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS nonces (
	request_id TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS rate_counters (
	op TEXT NOT NULL,
	scope_key TEXT NOT NULL DEFAULT '',
	window_key TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (op, scope_key, window_key)
);

CREATE TABLE IF NOT EXISTS quota_daily (
	op TEXT NOT NULL,
	scope_key TEXT NOT NULL DEFAULT '',
	day_key TEXT NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	soft_limit INTEGER NOT NULL DEFAULT 0,
	hard_limit INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (op, scope_key, day_key)
);

CREATE TABLE IF NOT EXISTS breakers (
	provider TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'CLOSED',
	fail_count INTEGER NOT NULL DEFAULT 0,
	last_fail_at DATETIME,
	opened_at DATETIME,
	last_probe_at DATETIME,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS limit_denials (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	op TEXT NOT NULL,
	scope_key TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_limit_denials_created ON limit_denials(created_at);

CREATE TABLE IF NOT EXISTS memories (
	memory_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'L1',
	scope TEXT NOT NULL DEFAULT 'COMPANY',
	product_id TEXT NOT NULL DEFAULT '',
	group_folder TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	pii_detected BOOLEAN NOT NULL DEFAULT 0,
	injection_detected BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(content_hash);
CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_folder);

CREATE TABLE IF NOT EXISTS memory_access_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id TEXT NOT NULL,
	caller_group TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL DEFAULT '',
	decision TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);
`
