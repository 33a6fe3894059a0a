package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jonathan/agent-runner/internal/schemas"
	"github.com/jonathan/agent-runner/internal/types"
)

// JobsFile is the on-disk shape of the job definitions file.
type JobsFile struct {
	Jobs []types.JobDefinition `json:"jobs"`
}

// LoadJobs reads and validates the job definitions at path, then resolves each job's
// required settings and defaults against cfg.
func LoadJobs(path string, cfg *Config) ([]types.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file %s: %w", path, err)
	}
	return ParseJobs(data, cfg)
}

// ParseJobs validates a jobs document against the embedded schema and decodes it.
func ParseJobs(data []byte, cfg *Config) ([]types.JobDefinition, error) {
	if err := schemas.ValidateJobs(data); err != nil {
		return nil, err
	}

	var file JobsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs JSON: %w", err)
	}

	seen := make(map[string]bool, len(file.Jobs))
	for i := range file.Jobs {
		job := &file.Jobs[i]
		if seen[job.Name] {
			return nil, fmt.Errorf("config error: duplicate job %s", job.Name)
		}
		seen[job.Name] = true

		if cfg != nil {
			resolve(job, cfg)
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}
	return file.Jobs, nil
}

// resolve fills settings, the timezone and webhook sinks the job leaves unset. A value
// from the environment or options file wins over one written in the jobs file.
func resolve(job *types.JobDefinition, cfg *Config) {
	if job.Settings == nil {
		job.Settings = make(map[string]string, len(job.Requires))
	}
	for _, key := range job.Requires {
		if v := cfg.Setting(key); v != "" {
			job.Settings[key] = v
		}
	}

	if job.Schedule.Timezone == "" {
		job.Schedule.Timezone = cfg.Timezone
	}
	if job.Webhooks.Status == "" {
		job.Webhooks.Status = cfg.WebhookStatusURL
	}
	if job.Webhooks.Final == "" {
		job.Webhooks.Final = cfg.WebhookFinalURL
	}
}
