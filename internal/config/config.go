// Package config loads and validates the daemon configuration. One YAML
// file configures the bus connection, the memory backend, rate limits,
// routing rules, plugin defaults, the ops API, the event journal, cron
// schedules, and logging. Durations are spelled in seconds, matching the
// plugin manifests.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/roseybot/roseycore/internal/bus"
	"github.com/roseybot/roseycore/internal/memory"
	"github.com/roseybot/roseycore/internal/plugin"
	"github.com/roseybot/roseycore/internal/ratelimit"
	"github.com/roseybot/roseycore/internal/router"
)

// Memory backends.
const (
	BackendKV    = "kv"    // bus-backed JetStream bucket
	BackendRedis = "redis" // external redis instance
	BackendBolt  = "bolt"  // local bolt file, single-node dev mode
)

// Config is the root of the daemon configuration file.
type Config struct {
	Bus        BusConfig          `yaml:"bus"`
	Streams    []bus.StreamConfig `yaml:"streams"`
	Memory     MemoryConfig       `yaml:"memory"`
	RateLimits ratelimit.Limits   `yaml:"rate_limits"`
	Router     RouterConfig       `yaml:"router"`
	Plugins    PluginsConfig      `yaml:"plugins"`
	Ops        OpsConfig          `yaml:"ops"`
	Journal    JournalConfig      `yaml:"journal"`
	Schedules  []Schedule         `yaml:"schedules"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// BusConfig mirrors bus.Config with second-valued timings.
type BusConfig struct {
	URL            string  `yaml:"url"`
	Name           string  `yaml:"name"`
	MaxReconnects  int     `yaml:"max_reconnects"`
	ReconnectWait  float64 `yaml:"reconnect_wait"`
	ConnectTimeout float64 `yaml:"connect_timeout"`
	RequestTimeout float64 `yaml:"request_timeout"`
	PingInterval   float64 `yaml:"ping_interval"`
	MaxPingsOut    int     `yaml:"max_pings_out"`
}

// ToBus converts to the bus package's config. Zero fields stay zero and pick
// up the bus defaults at Dial.
func (b BusConfig) ToBus() bus.Config {
	return bus.Config{
		URL:            b.URL,
		Name:           b.Name,
		MaxReconnects:  b.MaxReconnects,
		ReconnectWait:  secs(b.ReconnectWait),
		ConnectTimeout: secs(b.ConnectTimeout),
		RequestTimeout: secs(b.RequestTimeout),
		PingInterval:   secs(b.PingInterval),
		MaxPingsOut:    b.MaxPingsOut,
	}
}

// MemoryConfig selects and configures the conversational memory backend.
type MemoryConfig struct {
	Backend     string             `yaml:"backend"`
	Bucket      string             `yaml:"bucket"`
	ContextSize int                `yaml:"context_size"`
	Redis       memory.RedisConfig `yaml:"redis"`
	BoltPath    string             `yaml:"bolt_path"`
}

// RouterConfig carries the command sigil and the static rule table.
type RouterConfig struct {
	Sigil string      `yaml:"sigil"`
	Rules []RouteRule `yaml:"rules"`
}

// RouteRule is the YAML spelling of a router rule. Enabled defaults to true
// when omitted, so a rule in the file is live unless it says otherwise.
type RouteRule struct {
	ID          string `yaml:"id"`
	Priority    int    `yaml:"priority"`
	Pattern     string `yaml:"pattern"`
	Type        string `yaml:"type"`
	Destination string `yaml:"destination"`
	Enabled     *bool  `yaml:"enabled"`
}

// ToRule converts to the router's rule type.
func (r RouteRule) ToRule() router.Rule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return router.Rule{
		ID:          r.ID,
		Priority:    r.Priority,
		Pattern:     r.Pattern,
		Type:        router.MatchType(strings.ToLower(r.Type)),
		Destination: r.Destination,
		Enabled:     enabled,
	}
}

// PluginsConfig locates manifests and sets the lifecycle defaults a manifest
// may override.
type PluginsConfig struct {
	Dir      string         `yaml:"dir"`
	Watch    bool           `yaml:"watch"`
	Defaults PluginDefaults `yaml:"defaults"`
}

// PluginDefaults reuses the manifest's second-valued restart and resource
// blocks so the daemon file and the manifests read the same way.
type PluginDefaults struct {
	ReadinessTimeout float64                   `yaml:"readiness_timeout"`
	GracefulTimeout  float64                   `yaml:"graceful_timeout"`
	Restart          *plugin.ManifestRestart   `yaml:"restart"`
	Resources        *plugin.ManifestResources `yaml:"resources"`
}

// OpsConfig exposes the local HTTP API. An empty addr disables the server;
// an empty token disables auth (bind to loopback if you do that).
type OpsConfig struct {
	Addr      string  `yaml:"addr"`
	Token     string  `yaml:"token"`
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// Enabled reports whether the ops server should run.
func (o OpsConfig) Enabled() bool { return o.Addr != "" }

// JournalConfig enables the Postgres event sink.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Schedule publishes one envelope on a cron cadence.
type Schedule struct {
	Name      string         `yaml:"name"`
	Cron      string         `yaml:"cron"`
	Subject   string         `yaml:"subject"`
	EventType string         `yaml:"event_type"`
	Data      map[string]any `yaml:"data"`
}

// LoggingConfig selects the zerolog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when the file omits a key: local
// broker, bus-backed memory, stock limits, loopback ops API, no journal.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			URL:  "nats://127.0.0.1:4222",
			Name: "roseycore",
		},
		Memory: MemoryConfig{
			Backend:     BackendKV,
			Bucket:      "rosey_memory",
			ContextSize: 25,
		},
		RateLimits: ratelimit.DefaultLimits(),
		Router: RouterConfig{
			Sigil: router.DefaultSigil,
		},
		Plugins: PluginsConfig{
			Dir: "plugins.d",
		},
		Ops: OpsConfig{
			Addr:      "127.0.0.1:8420",
			RateRPS:   10,
			RateBurst: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads, decodes, and validates a config file. Keys absent from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.Bus.URL == "":
		return fmt.Errorf("bus.url is required")
	case !strings.HasPrefix(c.Bus.URL, "nats://") &&
		!strings.HasPrefix(c.Bus.URL, "tls://") &&
		!strings.HasPrefix(c.Bus.URL, "mem://"):
		return fmt.Errorf("bus.url %q: unsupported scheme", c.Bus.URL)
	}

	for i, sc := range c.Streams {
		if sc.Name == "" {
			return fmt.Errorf("streams[%d]: name is required", i)
		}
		if len(sc.Subjects) == 0 {
			return fmt.Errorf("streams[%d] %q: at least one subject is required", i, sc.Name)
		}
		for _, subj := range sc.Subjects {
			if !bus.Validate(subj) {
				return fmt.Errorf("streams[%d] %q: invalid subject %q", i, sc.Name, subj)
			}
		}
		switch sc.Retention {
		case "", bus.RetentionLimits, bus.RetentionInterest, bus.RetentionWorkQueue:
		default:
			return fmt.Errorf("streams[%d] %q: retention %q: must be limits, interest, or workqueue", i, sc.Name, sc.Retention)
		}
		if sc.MaxMsgs < 0 || sc.MaxBytes < 0 {
			return fmt.Errorf("streams[%d] %q: size limits must not be negative", i, sc.Name)
		}
	}

	switch c.Memory.Backend {
	case BackendKV:
		if c.Memory.Bucket == "" {
			return fmt.Errorf("memory.bucket is required for the kv backend")
		}
	case BackendRedis:
		if c.Memory.Redis.Addr == "" {
			return fmt.Errorf("memory.redis.addr is required for the redis backend")
		}
	case BackendBolt:
		if c.Memory.BoltPath == "" {
			return fmt.Errorf("memory.bolt_path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("memory.backend %q: must be kv, redis, or bolt", c.Memory.Backend)
	}
	if c.Memory.ContextSize < 0 {
		return fmt.Errorf("memory.context_size must not be negative")
	}

	for _, v := range []struct {
		name  string
		value int64
	}{
		{"rate_limits.requests_per_minute", c.RateLimits.RequestsPerMinute},
		{"rate_limits.requests_per_hour", c.RateLimits.RequestsPerHour},
		{"rate_limits.requests_per_day", c.RateLimits.RequestsPerDay},
		{"rate_limits.tokens_per_day", c.RateLimits.TokensPerDay},
	} {
		if v.value < 0 {
			return fmt.Errorf("%s must not be negative", v.name)
		}
	}

	// Install the rules into a throwaway router: same validation the daemon
	// runs at startup.
	probe := router.New(nil, nil)
	for i, rr := range c.Router.Rules {
		if err := probe.AddRule(rr.ToRule()); err != nil {
			return fmt.Errorf("router.rules[%d]: %w", i, err)
		}
	}

	d := c.Plugins.Defaults
	if d.ReadinessTimeout < 0 || d.GracefulTimeout < 0 {
		return fmt.Errorf("plugins.defaults timeouts must not be negative")
	}
	if r := d.Restart; r != nil && r.Policy != "" {
		if _, err := plugin.ParseRestartPolicy(r.Policy); err != nil {
			return fmt.Errorf("plugins.defaults.restart: %w", err)
		}
	}

	if c.Ops.RateRPS < 0 || c.Ops.RateBurst < 0 {
		return fmt.Errorf("ops rate limits must not be negative")
	}

	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required when the journal is enabled")
	}

	for i, s := range c.Schedules {
		if s.Cron == "" {
			return fmt.Errorf("schedules[%d]: cron expression is required", i)
		}
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("schedules[%d]: cron %q: %v", i, s.Cron, err)
		}
		if _, err := bus.Parse(s.Subject); err != nil {
			return fmt.Errorf("schedules[%d]: %w", i, err)
		}
		if s.EventType == "" {
			return fmt.Errorf("schedules[%d]: event_type is required", i)
		}
	}

	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
			return fmt.Errorf("logging.level %q: %v", c.Logging.Level, err)
		}
	}
	switch c.Logging.Format {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("logging.format %q: must be auto, json, or console", c.Logging.Format)
	}
	return nil
}

// SupervisorDefaults builds the plugin lifecycle defaults: built-in values,
// overlaid with the config file's defaults block, pointed at the configured
// bus. Manifests overlay their own overrides on top of this.
func (c *Config) SupervisorDefaults() plugin.Config {
	m := plugin.Manifest{
		ReadinessTimeout: c.Plugins.Defaults.ReadinessTimeout,
		GracefulTimeout:  c.Plugins.Defaults.GracefulTimeout,
		Restart:          c.Plugins.Defaults.Restart,
		Resources:        c.Plugins.Defaults.Resources,
	}
	cfg := m.ToConfig(plugin.DefaultConfig())
	cfg.BusURL = c.Bus.URL
	return cfg
}

// RouterRules converts the configured rule table.
func (c *Config) RouterRules() []router.Rule {
	out := make([]router.Rule, 0, len(c.Router.Rules))
	for _, rr := range c.Router.Rules {
		out = append(out, rr.ToRule())
	}
	return out
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
