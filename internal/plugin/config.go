package plugin

import (
	"fmt"
	"time"
)

// RestartPolicy governs what follows a crash.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// ParseRestartPolicy resolves a policy name.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case RestartNever, RestartOnFailure, RestartAlways:
		return RestartPolicy(s), nil
	case "":
		return RestartOnFailure, nil
	}
	return "", fmt.Errorf("%w: restart policy %q", ErrManifestInvalid, s)
}

// RestartConfig bounds automatic restarts after crashes.
type RestartConfig struct {
	Policy         RestartPolicy `yaml:"policy"`
	MaxRestarts    int           `yaml:"max_restarts"`
	Window         time.Duration `yaml:"window"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// ResourceLimits configures the per-process monitor. A limit of zero
// disables that check.
type ResourceLimits struct {
	MaxCPUPercent  float64       `yaml:"max_cpu_percent"`
	MaxRSSMB       int64         `yaml:"max_rss_mb"`
	MaxOpenFiles   int           `yaml:"max_open_files"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	BreachSamples  int           `yaml:"breach_samples"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// Config carries everything one supervisor needs beyond the manifest.
type Config struct {
	BusURL           string         `yaml:"bus_url"`
	ReadinessTimeout time.Duration  `yaml:"readiness_timeout"`
	GracefulTimeout  time.Duration  `yaml:"graceful_timeout"`
	Restart          RestartConfig  `yaml:"restart"`
	Resources        ResourceLimits `yaml:"resources"`
}

// DefaultConfig returns the supervisor defaults applied when the daemon
// config and the manifest are both silent.
func DefaultConfig() Config {
	return Config{
		BusURL:           "nats://127.0.0.1:4222",
		ReadinessTimeout: 10 * time.Second,
		GracefulTimeout:  5 * time.Second,
		Restart: RestartConfig{
			Policy:         RestartOnFailure,
			MaxRestarts:    3,
			Window:         time.Minute,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
		Resources: ResourceLimits{
			SampleInterval: 5 * time.Second,
			BreachSamples:  3,
			Cooldown:       5 * time.Minute,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BusURL == "" {
		c.BusURL = def.BusURL
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = def.ReadinessTimeout
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = def.GracefulTimeout
	}
	if c.Restart.Policy == "" {
		c.Restart.Policy = def.Restart.Policy
	}
	if c.Restart.MaxRestarts <= 0 {
		c.Restart.MaxRestarts = def.Restart.MaxRestarts
	}
	if c.Restart.Window <= 0 {
		c.Restart.Window = def.Restart.Window
	}
	if c.Restart.InitialBackoff <= 0 {
		c.Restart.InitialBackoff = def.Restart.InitialBackoff
	}
	if c.Restart.MaxBackoff <= 0 {
		c.Restart.MaxBackoff = def.Restart.MaxBackoff
	}
	if c.Restart.Multiplier <= 0 {
		c.Restart.Multiplier = def.Restart.Multiplier
	}
	if c.Resources.SampleInterval <= 0 {
		c.Resources.SampleInterval = def.Resources.SampleInterval
	}
	if c.Resources.BreachSamples <= 0 {
		c.Resources.BreachSamples = def.Resources.BreachSamples
	}
	if c.Resources.Cooldown <= 0 {
		c.Resources.Cooldown = def.Resources.Cooldown
	}
	return c
}

// backoffFor returns the wait before restart attempt n (1-based):
// min(initial * multiplier^(n-1), max).
func (r RestartConfig) backoffFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	wait := float64(r.InitialBackoff)
	for i := 1; i < n; i++ {
		wait *= r.Multiplier
		if wait >= float64(r.MaxBackoff) {
			return r.MaxBackoff
		}
	}
	if wait > float64(r.MaxBackoff) {
		return r.MaxBackoff
	}
	return time.Duration(wait)
}
