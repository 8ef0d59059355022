// Package config provides configuration types and loading for nanoclaw.
package config

import (
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Data, Assistant, Router, Scheduler, IPC, Agent, Worker,
// Governance, Limits, Ops, Events.
type Config struct {
	Data       DataConfig       `json:"data"`
	Assistant  AssistantConfig  `json:"assistant"`
	Router     RouterConfig     `json:"router"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	IPC        IPCConfig        `json:"ipc"`
	Agent      AgentConfig      `json:"agent"`
	Worker     WorkerConfig     `json:"worker"`
	Governance GovernanceConfig `json:"governance"`
	Limits     LimitsConfig     `json:"limits"`
	Ops        OpsConfig        `json:"ops"`
	Events     EventsConfig     `json:"events"`
}

// DataConfig groups filesystem locations.
type DataConfig struct {
	Dir      string `json:"dir" envconfig:"DATA_DIR"`
	Timezone string `json:"timezone" envconfig:"TZ"`
}

// DBPath returns the location of the sqlite database inside the data dir.
func (d DataConfig) DBPath() string {
	return filepath.Join(d.Dir, "nanoclaw.db")
}

// IPCRoot returns the root of the per-group IPC subtrees.
func (d DataConfig) IPCRoot() string {
	return filepath.Join(d.Dir, "ipc")
}

// AssistantConfig names the assistant and its trigger token.
type AssistantConfig struct {
	Name      string `json:"name" envconfig:"ASSISTANT_NAME"`
	MainGroup string `json:"mainGroup" envconfig:"MAIN_GROUP"`
}

// RouterConfig contains the inbound router settings.
type RouterConfig struct {
	PollIntervalMs int `json:"pollIntervalMs" envconfig:"POLL_INTERVAL"`
}

// PollInterval returns the router tick as a duration.
func (r RouterConfig) PollInterval() time.Duration {
	return msOrDefault(r.PollIntervalMs, 2*time.Second)
}

// SchedulerConfig contains settings for the task scheduler.
type SchedulerConfig struct {
	PollIntervalMs int    `json:"pollIntervalMs" envconfig:"SCHEDULER_POLL_INTERVAL"`
	MaxAttempts    int    `json:"maxAttempts" envconfig:"SCHEDULER_MAX_ATTEMPTS"`
	LockPath       string `json:"lockPath" envconfig:"SCHEDULER_LOCK_PATH"`
}

// PollInterval returns the scheduler tick as a duration.
func (s SchedulerConfig) PollInterval() time.Duration {
	return msOrDefault(s.PollIntervalMs, 60*time.Second)
}

// IPCConfig contains file-broker settings.
type IPCConfig struct {
	PollIntervalMs    int `json:"pollIntervalMs" envconfig:"IPC_POLL_INTERVAL"`
	ResponseTimeoutMs int `json:"responseTimeoutMs" envconfig:"IPC_RESPONSE_TIMEOUT"`
}

// PollInterval returns the broker poll interval as a duration.
func (i IPCConfig) PollInterval() time.Duration {
	return msOrDefault(i.PollIntervalMs, time.Second)
}

// ResponseTimeout bounds the agent-side wait for a correlated response.
func (i IPCConfig) ResponseTimeout() time.Duration {
	return msOrDefault(i.ResponseTimeoutMs, 30*time.Second)
}

// AgentConfig bounds agent container execution.
type AgentConfig struct {
	ContainerTimeoutMs      int `json:"containerTimeoutMs" envconfig:"CONTAINER_TIMEOUT"`
	IdleTimeoutMs           int `json:"idleTimeoutMs" envconfig:"IDLE_TIMEOUT"`
	MaxConcurrentContainers int `json:"maxConcurrentContainers" envconfig:"MAX_CONCURRENT_CONTAINERS"`
}

// ContainerTimeout returns the bounded drain allowed to a running agent.
func (a AgentConfig) ContainerTimeout() time.Duration {
	return msOrDefault(a.ContainerTimeoutMs, 30*time.Minute)
}

// IdleTimeout returns the idle session timeout.
func (a AgentConfig) IdleTimeout() time.Duration {
	return msOrDefault(a.IdleTimeoutMs, 5*time.Minute)
}

// WorkerConfig contains the worker fleet settings.
type WorkerConfig struct {
	Port                  int    `json:"port" envconfig:"WORKER_PORT"`
	SharedSecret          string `json:"sharedSecret" envconfig:"WORKER_SHARED_SECRET"`
	NonceTTLMs            int    `json:"nonceTtlMs" envconfig:"NONCE_TTL_MS"`
	NonceCap              int    `json:"nonceCap" envconfig:"NONCE_CAP"`
	NonceCleanupMs        int    `json:"nonceCleanupMs" envconfig:"NONCE_CLEANUP_INTERVAL_MS"`
	HealthIntervalMs      int    `json:"healthIntervalMs" envconfig:"WORKER_HEALTH_INTERVAL"`
	TunnelAutoRestart     bool   `json:"tunnelAutoRestart" envconfig:"TUNNEL_AUTO_RESTART"`
	DispatchQueueCapacity int    `json:"dispatchQueueCapacity" envconfig:"DISPATCH_QUEUE_CAPACITY"`
}

// NonceTTL returns the HMAC timestamp/replay window.
func (w WorkerConfig) NonceTTL() time.Duration {
	return msOrDefault(w.NonceTTLMs, 60*time.Second)
}

// NonceCleanupInterval returns the nonce janitor interval.
func (w WorkerConfig) NonceCleanupInterval() time.Duration {
	return msOrDefault(w.NonceCleanupMs, 5*time.Minute)
}

// HealthInterval returns the tunnel health probe interval.
func (w WorkerConfig) HealthInterval() time.Duration {
	return msOrDefault(w.HealthIntervalMs, 30*time.Second)
}

// GovernanceConfig contains settings for the governance loop.
type GovernanceConfig struct {
	TickIntervalMs int `json:"tickIntervalMs" envconfig:"GOV_TICK_INTERVAL"`
	GroupWIPLimit  int `json:"groupWipLimit" envconfig:"GOV_GROUP_WIP_LIMIT"`
	ActivityWindow int `json:"activityWindow" envconfig:"GOV_ACTIVITY_WINDOW"`
}

// TickInterval returns the governance tick, defaulting to the scheduler tick.
func (g GovernanceConfig) TickInterval() time.Duration {
	return msOrDefault(g.TickIntervalMs, 60*time.Second)
}

// LimitsConfig contains the limits engine settings. The per-operation rate and
// quota values come from the RL_*/QUOTA_* environment families and are loaded
// by scanning the process environment (see loader.go).
type LimitsConfig struct {
	Enabled           bool `json:"enabled" envconfig:"LIMITS_ENABLED"`
	ExtCallsEnabled   bool `json:"extCallsEnabled" envconfig:"EXT_CALLS_ENABLED"`
	EmbeddingsEnabled bool `json:"embeddingsEnabled" envconfig:"EMBEDDINGS_ENABLED"`

	RatePerMin map[string]int `json:"ratePerMin"`
	QuotaSoft  map[string]int `json:"quotaSoft"`
	QuotaHard  map[string]int `json:"quotaHard"`

	BreakOpenAfterFails int `json:"breakOpenAfterFails" envconfig:"BREAK_OPEN_AFTER_FAILS"`
	BreakFailWindowSec  int `json:"breakFailWindowSec" envconfig:"BREAK_FAIL_WINDOW_SEC"`
	BreakCooldownSec    int `json:"breakCooldownSec" envconfig:"BREAK_COOLDOWN_SEC"`
}

// OpsConfig contains the ops HTTP API settings.
type OpsConfig struct {
	Host                string `json:"host" envconfig:"OPS_HOST"`
	Port                int    `json:"port" envconfig:"OPS_PORT"`
	HTTPSecret          string `json:"httpSecret" envconfig:"OS_HTTP_SECRET"`
	WriteSecretCurrent  string `json:"writeSecretCurrent" envconfig:"COCKPIT_WRITE_SECRET_CURRENT"`
	WriteSecretPrevious string `json:"writeSecretPrevious" envconfig:"COCKPIT_WRITE_SECRET_PREVIOUS"`
}

// EventsConfig contains settings for the event hub and its Kafka mirror.
type EventsConfig struct {
	KafkaBrokers string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `json:"kafkaTopic" envconfig:"KAFKA_EVENTS_TOPIC"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir: "~/.nanoclaw",
		},
		Assistant: AssistantConfig{
			Name:      "Andy",
			MainGroup: "main",
		},
		Router: RouterConfig{
			PollIntervalMs: 2000,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs: 60000,
			MaxAttempts:    3,
		},
		IPC: IPCConfig{
			PollIntervalMs:    1000,
			ResponseTimeoutMs: 30000,
		},
		Agent: AgentConfig{
			ContainerTimeoutMs:      int((30 * time.Minute).Milliseconds()),
			IdleTimeoutMs:           int((5 * time.Minute).Milliseconds()),
			MaxConcurrentContainers: 5,
		},
		Worker: WorkerConfig{
			Port:                  18900,
			NonceTTLMs:            60000,
			NonceCap:              10000,
			NonceCleanupMs:        int((5 * time.Minute).Milliseconds()),
			HealthIntervalMs:      30000,
			TunnelAutoRestart:     true,
			DispatchQueueCapacity: 50,
		},
		Governance: GovernanceConfig{
			TickIntervalMs: 60000,
			GroupWIPLimit:  3,
			ActivityWindow: 20,
		},
		Limits: LimitsConfig{
			Enabled:             true,
			ExtCallsEnabled:     true,
			EmbeddingsEnabled:   false,
			RatePerMin:          map[string]int{},
			QuotaSoft:           map[string]int{},
			QuotaHard:           map[string]int{},
			BreakOpenAfterFails: 3,
			BreakFailWindowSec:  120,
			BreakCooldownSec:    60,
		},
		Ops: OpsConfig{
			Host: "127.0.0.1",
			Port: 18791,
		},
		Events: EventsConfig{
			KafkaTopic: "nanoclaw.events",
		},
	}
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
