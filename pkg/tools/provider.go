package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/buildhive-ai/buildhive/pkg/models"
)

// Server IDs as configured under tools.servers.
const (
	ServerVCS      = "vcs"
	ServerDeploy   = "deploy"
	ServerDatabase = "database"
	ServerBrowser  = "browser"
)

// RepoInfo is the result of creating a repository.
type RepoInfo struct {
	RepoURL       string `json:"repo_url"`
	DefaultBranch string `json:"default_branch"`
}

// CommitInfo identifies a commit pushed through the VCS server.
type CommitInfo struct {
	SHA    string `json:"sha"`
	Branch string `json:"branch"`
}

// BuildError is one structured error extracted from a failed build.
type BuildError struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// DeployResult is the outcome of a deploy or redeploy attempt.
type DeployResult struct {
	Succeeded   bool         `json:"succeeded"`
	URL         string       `json:"url,omitempty"`
	BuildLog    string       `json:"build_log,omitempty"`
	BuildErrors []BuildError `json:"build_errors,omitempty"`
}

// ScenarioResult is the outcome of a browser test run.
type ScenarioResult struct {
	Pass     bool     `json:"pass"`
	Failures []string `json:"failures,omitempty"`
}

// Provider is the typed façade agents and the workflow engine use to
// reach external capabilities. Each operation passes a project-scoped
// key so servers can deduplicate repeated calls after a crash resume.
type Provider struct {
	caller Caller
}

// NewProvider wraps a Caller (normally *Client).
func NewProvider(caller Caller) *Provider {
	return &Provider{caller: caller}
}

// CreateRepo creates (or returns) the repository for a project.
func (p *Provider) CreateRepo(ctx context.Context, projectKey, name string) (*RepoInfo, error) {
	raw, err := p.caller.CallTool(ctx, ServerVCS, "create_repo", map[string]any{
		"project_key": projectKey,
		"name":        name,
	})
	if err != nil {
		return nil, fmt.Errorf("create_repo failed: %w", err)
	}
	var info RepoInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("create_repo returned malformed result: %w", err)
	}
	return &info, nil
}

// Commit pushes a set of files to the project repository.
func (p *Provider) Commit(ctx context.Context, projectKey, message string, files map[string]string) (*CommitInfo, error) {
	raw, err := p.caller.CallTool(ctx, ServerVCS, "commit", map[string]any{
		"project_key": projectKey,
		"message":     message,
		"files":       files,
	})
	if err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	var info CommitInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("commit returned malformed result: %w", err)
	}
	return &info, nil
}

// ReadFile reads one file from the project repository.
func (p *Provider) ReadFile(ctx context.Context, projectKey, path string) (string, error) {
	raw, err := p.caller.CallTool(ctx, ServerVCS, "read_file", map[string]any{
		"project_key": projectKey,
		"path":        path,
	})
	if err != nil {
		return "", fmt.Errorf("read_file failed: %w", err)
	}
	var result struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("read_file returned malformed result: %w", err)
	}
	return result.Content, nil
}

// Deploy deploys an artifact bundle. A failed build is not an error at
// this level; callers inspect DeployResult.Succeeded and BuildErrors.
func (p *Provider) Deploy(ctx context.Context, projectKey string, artifactBundle json.RawMessage) (*DeployResult, error) {
	raw, err := p.caller.CallTool(ctx, ServerDeploy, "deploy", map[string]any{
		"project_key":     projectKey,
		"artifact_bundle": artifactBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy failed: %w", err)
	}
	return decodeDeployResult(raw)
}

// Redeploy re-runs the last deployment for a project.
func (p *Provider) Redeploy(ctx context.Context, projectID string) (*DeployResult, error) {
	raw, err := p.caller.CallTool(ctx, ServerDeploy, "redeploy", map[string]any{
		"project_id": projectID,
	})
	if err != nil {
		return nil, fmt.Errorf("redeploy failed: %w", err)
	}
	return decodeDeployResult(raw)
}

// CreateDatabaseProject provisions a database for the project. Callers
// must persist the returned metadata before using the connection URLs.
func (p *Provider) CreateDatabaseProject(ctx context.Context, projectKey string) (*models.ProjectMetadata, error) {
	raw, err := p.caller.CallTool(ctx, ServerDatabase, "create_database_project", map[string]any{
		"project_key": projectKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create_database_project failed: %w", err)
	}
	var meta models.ProjectMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("create_database_project returned malformed result: %w", err)
	}
	if meta.ProjectID == "" {
		return nil, fmt.Errorf("create_database_project returned no project_id")
	}
	return &meta, nil
}

// RunScenario drives a browser test against a deployed URL.
func (p *Provider) RunScenario(ctx context.Context, url string, steps []string) (*ScenarioResult, error) {
	raw, err := p.caller.CallTool(ctx, ServerBrowser, "run_scenario", map[string]any{
		"url":   url,
		"steps": steps,
	})
	if err != nil {
		return nil, fmt.Errorf("run_scenario failed: %w", err)
	}
	var result ScenarioResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("run_scenario returned malformed result: %w", err)
	}
	return &result, nil
}

func decodeDeployResult(raw json.RawMessage) (*DeployResult, error) {
	var result DeployResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("deploy returned malformed result: %w", err)
	}
	return &result, nil
}
