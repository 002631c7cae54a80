package config

import "fmt"

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return newValidationError("server", "port", fmt.Sprintf("out of range: %d", cfg.Server.Port))
	}

	wf := cfg.Workflow
	if wf.MaxReviewIterations < 1 {
		return newValidationError("workflow", "max_review_iterations", "must be at least 1")
	}
	if wf.MinQualityScore < 1 || wf.MinQualityScore > 10 {
		return newValidationError("workflow", "min_quality_score", "must be in [1, 10]")
	}
	if wf.MaxBuildRetries < 1 {
		return newValidationError("workflow", "max_build_retries", "must be at least 1")
	}
	if wf.ProgressGrowthDelta < 1 {
		return newValidationError("workflow", "progress_growth_delta", "must be at least 1")
	}

	ag := cfg.Agents
	if ag.ContextLimit <= 0 {
		return newValidationError("agents", "context_limit", "must be positive")
	}
	if ag.WarnFraction <= 0 || ag.WarnFraction >= 1 {
		return newValidationError("agents", "warn_fraction", "must be in (0, 1)")
	}
	if ag.CriticalFraction <= ag.WarnFraction || ag.CriticalFraction >= 1 {
		return newValidationError("agents", "critical_fraction", "must be in (warn_fraction, 1)")
	}
	if ag.EagerHandoffFraction < 0 || ag.EagerHandoffFraction >= 1 {
		return newValidationError("agents", "eager_handoff_fraction", "must be in [0, 1)")
	}

	if cfg.Session.HistoryLimit < 1 {
		return newValidationError("session", "history_limit", "must be at least 1")
	}
	if cfg.Session.TTL <= 0 {
		return newValidationError("session", "ttl", "must be positive")
	}

	if cfg.Classifier.CacheSize < 1 {
		return newValidationError("classifier", "cache_size", "must be at least 1")
	}

	if cfg.Notify.MaxMessageChars < 2 {
		return newValidationError("notify", "max_message_chars", "must be at least 2")
	}

	if cfg.Retry.MaxAttempts < 1 {
		return newValidationError("retry", "max_attempts", "must be at least 1")
	}
	if cfg.Retry.BreakerFailureThreshold < 1 {
		return newValidationError("retry", "breaker_failure_threshold", "must be at least 1")
	}

	q := cfg.Queue
	if q.WorkerCount < 1 {
		return newValidationError("queue", "worker_count", "must be at least 1")
	}
	if q.MaxConcurrentWorkflows < 1 {
		return newValidationError("queue", "max_concurrent_workflows", "must be at least 1")
	}
	if q.HeartbeatInterval >= q.OrphanThreshold {
		return newValidationError("queue", "heartbeat_interval", "must be shorter than orphan_threshold")
	}

	switch cfg.LLM.Provider {
	case "anthropic", "openai":
	default:
		return newValidationError("llm", "provider", fmt.Sprintf("unknown provider %q", cfg.LLM.Provider))
	}
	if cfg.LLM.Model == "" {
		return newValidationError("llm", "model", "must not be empty")
	}

	if cfg.Slack.Enabled && cfg.Slack.Channel == "" {
		return newValidationError("slack", "channel", "required when slack is enabled")
	}

	for id, srv := range cfg.Tools.Servers {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return newValidationError("tools", id, "stdio transport requires command")
			}
		case "http", "sse":
			if srv.URL == "" {
				return newValidationError("tools", id, fmt.Sprintf("%s transport requires url", srv.Transport))
			}
		default:
			return newValidationError("tools", id, fmt.Sprintf("unknown transport %q", srv.Transport))
		}
	}

	return nil
}
