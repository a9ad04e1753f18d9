// internal/workers/matching/score-candidates/config.go
package scorecandidates

import (
	"fmt"
	"time"

	"matchmaking-workers/internal/common/config"
)

type Config struct {
	Enabled       bool
	MaxJobsActive int
	Timeout       time.Duration
	// DefaultLimit applies when the job does not set limit.
	DefaultLimit int
	// MaxCandidates caps how many profiles one job may score.
	MaxCandidates int
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxJobsActive: 5,
		Timeout:       60 * time.Second,
		DefaultLimit:  20,
		MaxCandidates: 500,
	}
}

func LoadConfig(appCfg *config.Config) *Config {
	cfg := DefaultConfig()
	if appCfg == nil {
		return cfg
	}
	w := config.GetWorkerConfig(appCfg, TaskType)
	cfg.Enabled = w.Enabled
	if w.MaxJobsActive > 0 {
		cfg.MaxJobsActive = w.MaxJobsActive
	}
	if w.Timeout > 0 {
		cfg.Timeout = config.GetDuration(w.Timeout)
	}
	if appCfg.Matching.DefaultLimit > 0 {
		cfg.DefaultLimit = appCfg.Matching.DefaultLimit
	}
	if appCfg.Matching.MaxCandidates > 0 {
		cfg.MaxCandidates = appCfg.Matching.MaxCandidates
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive")
	}
	if c.DefaultLimit <= 0 || c.DefaultLimit > c.MaxCandidates {
		return fmt.Errorf("default_limit must be between 1 and max_candidates")
	}
	return nil
}
