package config

import "time"

// Built-in defaults. YAML values override these field by field.

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}
}

func DefaultWorkflowConfig() *WorkflowConfig {
	return &WorkflowConfig{
		MaxReviewIterations: 10,
		MinQualityScore:     9,
		MaxBuildRetries:     10,
		ProgressGrowthDelta: 5,
		AgentTaskTimeout:    5 * time.Minute,
	}
}

func DefaultAgentsConfig() *AgentsConfig {
	return &AgentsConfig{
		AgentCaching:         false,
		ContextLimit:         200_000,
		WarnFraction:         0.75,
		CriticalFraction:     0.90,
		EagerHandoffFraction: 0.6,
	}
}

func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		TTL:          60 * time.Minute,
		HistoryLimit: 10,
	}
}

func DefaultClassifierConfig() *ClassifierConfig {
	return &ClassifierConfig{
		CacheTTL:  60 * time.Minute,
		CacheSize: 512,
	}
}

func DefaultNotifyConfig() *NotifyConfig {
	return &NotifyConfig{
		MaxMessageChars: 4096,
		ChunkDelay:      500 * time.Millisecond,
	}
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:             3,
		InitialBackoff:          1 * time.Second,
		MaxBackoff:              30 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerTimeout:          60 * time.Second,
	}
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		MaxConcurrentWorkflows:  8,
		PollInterval:            2 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		WorkflowTimeout:         45 * time.Minute,
		HeartbeatInterval:       15 * time.Second,
		OrphanThreshold:         90 * time.Second,
		OrphanScanInterval:      60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:    "anthropic",
		Model:       "claude-sonnet-4-5",
		APIKeyEnv:   "ANTHROPIC_API_KEY",
		MaxTokens:   8192,
		Temperature: 0.2,
	}
}

func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

func DefaultToolsConfig() *ToolsConfig {
	return &ToolsConfig{
		Servers:     map[string]ToolServerConfig{},
		CallTimeout: 2 * time.Minute,
	}
}

func DefaultCleanupConfig() *CleanupConfig {
	return &CleanupConfig{
		Enabled:       true,
		Interval:      1 * time.Hour,
		StateRetain:   14 * 24 * time.Hour,
		AuditRetain:   30 * 24 * time.Hour,
		HandoffRetain: 7 * 24 * time.Hour,
		EventRetain:   3 * 24 * time.Hour,
	}
}
