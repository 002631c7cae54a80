// Package config loads and validates the buildhive.yaml configuration.
// YAML values may reference environment variables with {{.VAR}} syntax;
// they are expanded before parsing.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configPath string

	Server     *ServerConfig     `yaml:"server"`
	Workflow   *WorkflowConfig   `yaml:"workflow"`
	Agents     *AgentsConfig     `yaml:"agents"`
	Session    *SessionConfig    `yaml:"session"`
	Classifier *ClassifierConfig `yaml:"classifier"`
	Notify     *NotifyConfig     `yaml:"notify"`
	Retry      *RetryConfig      `yaml:"retry"`
	Queue      *QueueConfig      `yaml:"queue"`
	LLM        *LLMConfig        `yaml:"llm"`
	Slack      *SlackConfig      `yaml:"slack"`
	Tools      *ToolsConfig      `yaml:"tools"`
	Cleanup    *CleanupConfig    `yaml:"cleanup"`
}

// ConfigPath returns the path the configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// WorkflowConfig bounds the workflow engine's loops.
type WorkflowConfig struct {
	// MaxReviewIterations caps the implementation/review quality loop.
	MaxReviewIterations int `yaml:"max_review_iterations"`

	// MinQualityScore is the review score (1-10) that exits the quality
	// loop early.
	MinQualityScore int `yaml:"min_quality_score"`

	// MaxBuildRetries caps deployment fix-and-retry attempts.
	MaxBuildRetries int `yaml:"max_build_retries"`

	// ProgressGrowthDelta is added to steps_total whenever completed
	// steps would otherwise reach it while work remains.
	ProgressGrowthDelta int `yaml:"progress_growth_delta"`

	// AgentTaskTimeout bounds a single agent task round trip.
	AgentTaskTimeout time.Duration `yaml:"agent_task_timeout"`
}

// AgentsConfig controls agent instance lifecycle and context budgets.
type AgentsConfig struct {
	// AgentCaching keeps terminated-workflow instances warm for reuse.
	AgentCaching bool `yaml:"agent_caching"`

	// ContextLimit is the per-instance token budget.
	ContextLimit int64 `yaml:"context_limit"`

	// WarnFraction and CriticalFraction are usage_fraction thresholds.
	WarnFraction     float64 `yaml:"warn_fraction"`
	CriticalFraction float64 `yaml:"critical_fraction"`

	// EagerHandoffFraction triggers a phase-boundary handoff when an
	// instance is already past this fraction. Zero disables it.
	EagerHandoffFraction float64 `yaml:"eager_handoff_fraction"`
}

// SessionConfig controls the conversation session store.
type SessionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	HistoryLimit int           `yaml:"history_limit"`
}

// ClassifierConfig controls the classification result cache.
type ClassifierConfig struct {
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	CacheSize int           `yaml:"cache_size"`
}

// NotifyConfig controls outbound message chunking and pacing.
type NotifyConfig struct {
	// MaxMessageChars is the per-message character ceiling enforced by
	// the chunker.
	MaxMessageChars int `yaml:"max_message_chars"`

	// ChunkDelay is the pause between consecutive chunks of one message.
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// RetryConfig controls outbound call retries and the circuit breaker.
type RetryConfig struct {
	MaxAttempts             int           `yaml:"max_attempts"`
	InitialBackoff          time.Duration `yaml:"initial_backoff"`
	MaxBackoff              time.Duration `yaml:"max_backoff"`
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout"`
}

// QueueConfig contains worker pool configuration. These values control
// how pending workflows are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentWorkflows is the global limit of workflows being
	// processed across all replicas. Enforced by database COUNT(*) check.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows"`

	// PollInterval is the base interval for checking pending workflows.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is random jitter added to PollInterval.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// WorkflowTimeout is the maximum time one workflow may run.
	WorkflowTimeout time.Duration `yaml:"workflow_timeout"`

	// HeartbeatInterval is how often a running workflow refreshes its
	// liveness timestamp.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanThreshold is how long a workflow can go without a heartbeat
	// before it is considered orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// OrphanScanInterval is how often to scan for orphaned workflows.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// GracefulShutdownTimeout is the max time to wait for active
	// workflows during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// LLMConfig selects and parameterizes the language model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int64   `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// BaseURL overrides the provider endpoint, mainly for tests.
	BaseURL string `yaml:"base_url,omitempty"`
}

// SlackConfig holds Slack notification transport settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
	// APIURL overrides the Slack endpoint for tests.
	APIURL string `yaml:"api_url,omitempty"`
}

// ToolServerConfig describes one MCP tool server.
type ToolServerConfig struct {
	// Transport is "stdio", "http", or "sse".
	Transport string `yaml:"transport"`

	// Command and Args apply to stdio transport.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`

	// URL applies to http and sse transports.
	URL string `yaml:"url,omitempty"`
}

// ToolsConfig maps tool server IDs to their connection settings.
type ToolsConfig struct {
	Servers map[string]ToolServerConfig `yaml:"servers"`
	// CallTimeout bounds a single tool invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// CleanupConfig controls background retention sweeps.
type CleanupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StateRetain   time.Duration `yaml:"state_retain"`
	AuditRetain   time.Duration `yaml:"audit_retain"`
	HandoffRetain time.Duration `yaml:"handoff_retain"`
	EventRetain   time.Duration `yaml:"event_retain"`
}
