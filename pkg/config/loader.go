package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, validates, and returns ready-to-use
// configuration.
//
// Steps performed:
//  1. Read buildhive.yaml from configPath (a missing file yields pure defaults)
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into the Config struct
//  4. Merge built-in defaults underneath YAML values
//  5. Validate the result
func Initialize(_ context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("Initializing configuration")

	cfg, err := load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"workers", cfg.Queue.WorkerCount,
		"llm_provider", cfg.LLM.Provider,
		"tool_servers", len(cfg.Tools.Servers),
		"slack_enabled", cfg.Slack.Enabled)

	return cfg, nil
}

func load(configPath string) (*Config, error) {
	cfg := &Config{configPath: configPath}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("Configuration file not found, using defaults", "path", configPath)
			} else {
				return nil, fmt.Errorf("reading %s: %w", configPath, err)
			}
		} else {
			expanded := ExpandEnv(data)
			if err := yaml.Unmarshal(expanded, cfg); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidYAML, err)
			}
		}
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills any section or field the YAML left unset.
func applyDefaults(cfg *Config) error {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Workflow == nil {
		cfg.Workflow = &WorkflowConfig{}
	}
	if cfg.Agents == nil {
		cfg.Agents = &AgentsConfig{}
	}
	if cfg.Session == nil {
		cfg.Session = &SessionConfig{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = &ClassifierConfig{}
	}
	if cfg.Notify == nil {
		cfg.Notify = &NotifyConfig{}
	}
	if cfg.Retry == nil {
		cfg.Retry = &RetryConfig{}
	}
	if cfg.Queue == nil {
		cfg.Queue = &QueueConfig{}
	}
	if cfg.LLM == nil {
		cfg.LLM = &LLMConfig{}
	}
	if cfg.Slack == nil {
		cfg.Slack = &SlackConfig{}
	}
	if cfg.Tools == nil {
		cfg.Tools = &ToolsConfig{}
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = &CleanupConfig{}
	}

	merges := []struct {
		dst any
		src any
	}{
		{cfg.Server, DefaultServerConfig()},
		{cfg.Workflow, DefaultWorkflowConfig()},
		{cfg.Agents, DefaultAgentsConfig()},
		{cfg.Session, DefaultSessionConfig()},
		{cfg.Classifier, DefaultClassifierConfig()},
		{cfg.Notify, DefaultNotifyConfig()},
		{cfg.Retry, DefaultRetryConfig()},
		{cfg.Queue, DefaultQueueConfig()},
		{cfg.LLM, DefaultLLMConfig()},
		{cfg.Slack, DefaultSlackConfig()},
		{cfg.Tools, DefaultToolsConfig()},
		{cfg.Cleanup, DefaultCleanupConfig()},
	}
	for _, m := range merges {
		if err := mergo.Merge(m.dst, m.src); err != nil {
			return err
		}
	}
	return nil
}
