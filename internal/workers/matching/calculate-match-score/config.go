// internal/workers/matching/calculate-match-score/config.go
package calculatematchscore

import (
	"fmt"
	"time"

	"matchmaking-workers/internal/common/config"
)

type Config struct {
	Enabled       bool
	MaxJobsActive int
	Timeout       time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		MaxJobsActive: 20,
		Timeout:       10 * time.Second,
	}
}

// LoadConfig reads the worker's entry under workers: in the application config.
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
	return cfg
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	return nil
}
