package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/roseybot/roseycore/internal/perm"
)

// manifestSchema is the contract a manifest must satisfy before decoding.
// Validation errors name the offending field, which beats yaml decode
// errors by a wide margin when operators edit plugins.d by hand.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "version", "exec"],
  "additionalProperties": false,
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "exec": {
      "type": "object",
      "required": ["command"],
      "additionalProperties": false,
      "properties": {
        "command": {"type": "string", "minLength": 1},
        "args": {"type": "array", "items": {"type": "string"}},
        "workdir": {"type": "string"},
        "env": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "commands": {
      "type": "array",
      "items": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_.-]*$"}
    },
    "permissions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "profile": {"type": "string", "enum": ["minimal", "standard", "extended", "admin"]},
        "extra": {"type": "array", "items": {"type": "string"}},
        "deny": {"type": "array", "items": {"type": "string"}},
        "files": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "allow": {"type": "array", "items": {"type": "string"}},
            "deny": {"type": "array", "items": {"type": "string"}}
          }
        },
        "hosts": {"type": "array", "items": {"type": "string"}},
        "exec": {"type": "array", "items": {"type": "string"}}
      }
    },
    "readiness_timeout": {"type": "number", "exclusiveMinimum": 0},
    "graceful_timeout": {"type": "number", "exclusiveMinimum": 0},
    "restart": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "policy": {"type": "string", "enum": ["never", "on_failure", "always"]},
        "max_restarts": {"type": "integer", "minimum": 1},
        "window": {"type": "number", "exclusiveMinimum": 0},
        "initial_backoff": {"type": "number", "exclusiveMinimum": 0},
        "max_backoff": {"type": "number", "exclusiveMinimum": 0},
        "multiplier": {"type": "number", "exclusiveMinimum": 0}
      }
    },
    "resources": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_cpu_percent": {"type": "number", "minimum": 0},
        "max_rss_mb": {"type": "integer", "minimum": 0},
        "max_open_files": {"type": "integer", "minimum": 0},
        "sample_interval": {"type": "number", "exclusiveMinimum": 0},
        "breach_samples": {"type": "integer", "minimum": 1},
        "cooldown": {"type": "number", "minimum": 0}
      }
    }
  }
}`

var manifestSchemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ExecSpec describes how to spawn the plugin binary. The supervisor appends
// --plugin-id and --bus-url to Args.
type ExecSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	WorkDir string            `yaml:"workdir"`
	Env     map[string]string `yaml:"env"`
}

// FileRoots lists path roots for the plugin's file policy.
type FileRoots struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ManifestPermissions is the manifest's permission block. Exec lists the
// command names the plugin may run under cmd.execute.
type ManifestPermissions struct {
	Profile string    `yaml:"profile"`
	Extra   []string  `yaml:"extra"`
	Deny    []string  `yaml:"deny"`
	Files   FileRoots `yaml:"files"`
	Hosts   []string  `yaml:"hosts"`
	Exec    []string  `yaml:"exec"`
}

// ManifestRestart mirrors RestartConfig with durations in seconds, the way
// manifests spell them.
type ManifestRestart struct {
	Policy         string  `yaml:"policy"`
	MaxRestarts    int     `yaml:"max_restarts"`
	Window         float64 `yaml:"window"`
	InitialBackoff float64 `yaml:"initial_backoff"`
	MaxBackoff     float64 `yaml:"max_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
}

// ManifestResources mirrors ResourceLimits with durations in seconds.
type ManifestResources struct {
	MaxCPUPercent  float64 `yaml:"max_cpu_percent"`
	MaxRSSMB       int64   `yaml:"max_rss_mb"`
	MaxOpenFiles   int     `yaml:"max_open_files"`
	SampleInterval float64 `yaml:"sample_interval"`
	BreachSamples  int     `yaml:"breach_samples"`
	Cooldown       float64 `yaml:"cooldown"`
}

// Manifest declares one plugin: identity, binary, command prefixes, grants,
// and lifecycle overrides. Timeout fields are seconds; zero means "use the
// daemon default".
type Manifest struct {
	ID          string              `yaml:"id"`
	Version     string              `yaml:"version"`
	Description string              `yaml:"description"`
	Exec        ExecSpec            `yaml:"exec"`
	Commands    []string            `yaml:"commands"`
	Permissions ManifestPermissions `yaml:"permissions"`

	ReadinessTimeout float64            `yaml:"readiness_timeout"`
	GracefulTimeout  float64            `yaml:"graceful_timeout"`
	Restart          *ManifestRestart   `yaml:"restart"`
	Resources        *ManifestResources `yaml:"resources"`

	Path string `yaml:"-"`
}

// ParseManifest validates raw YAML against the schema and decodes it.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	result, err := gojsonschema.Validate(manifestSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrManifestInvalid, strings.Join(msgs, "; "))
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if _, err := ParseRestartPolicy(m.restartPolicy()); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses one manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestInvalid, path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	m.Path = path
	return m, nil
}

// LoadDir parses every *.yaml / *.yml manifest in dir, sorted by filename.
// A missing directory yields an empty slice.
func LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Manifest, 0, len(names))
	for _, name := range names {
		m, err := LoadManifest(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (m *Manifest) restartPolicy() string {
	if m.Restart == nil {
		return ""
	}
	return m.Restart.Policy
}

// ToConfig overlays the manifest's lifecycle overrides on the daemon
// defaults.
func (m *Manifest) ToConfig(defaults Config) Config {
	cfg := defaults
	if m.ReadinessTimeout > 0 {
		cfg.ReadinessTimeout = secs(m.ReadinessTimeout)
	}
	if m.GracefulTimeout > 0 {
		cfg.GracefulTimeout = secs(m.GracefulTimeout)
	}
	if r := m.Restart; r != nil {
		if r.Policy != "" {
			cfg.Restart.Policy = RestartPolicy(r.Policy)
		}
		if r.MaxRestarts > 0 {
			cfg.Restart.MaxRestarts = r.MaxRestarts
		}
		if r.Window > 0 {
			cfg.Restart.Window = secs(r.Window)
		}
		if r.InitialBackoff > 0 {
			cfg.Restart.InitialBackoff = secs(r.InitialBackoff)
		}
		if r.MaxBackoff > 0 {
			cfg.Restart.MaxBackoff = secs(r.MaxBackoff)
		}
		if r.Multiplier > 0 {
			cfg.Restart.Multiplier = r.Multiplier
		}
	}
	if res := m.Resources; res != nil {
		if res.MaxCPUPercent > 0 {
			cfg.Resources.MaxCPUPercent = res.MaxCPUPercent
		}
		if res.MaxRSSMB > 0 {
			cfg.Resources.MaxRSSMB = res.MaxRSSMB
		}
		if res.MaxOpenFiles > 0 {
			cfg.Resources.MaxOpenFiles = res.MaxOpenFiles
		}
		if res.SampleInterval > 0 {
			cfg.Resources.SampleInterval = secs(res.SampleInterval)
		}
		if res.BreachSamples > 0 {
			cfg.Resources.BreachSamples = res.BreachSamples
		}
		if res.Cooldown > 0 {
			cfg.Resources.Cooldown = secs(res.Cooldown)
		}
	}
	return cfg.withDefaults()
}

// EffectiveProfile is the declared permission profile, defaulting to
// minimal when the manifest omits one.
func (m *Manifest) EffectiveProfile() string {
	if m.Permissions.Profile == "" {
		return string(perm.ProfileMinimal)
	}
	return m.Permissions.Profile
}

// ToPermissions builds the plugin's grant context from the manifest block.
// An empty profile means minimal.
func (m *Manifest) ToPermissions() (*perm.PluginPermissions, error) {
	profile, err := perm.ParseProfile(m.EffectiveProfile())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	extra, err := parseCaps(m.Permissions.Extra)
	if err != nil {
		return nil, err
	}
	deny, err := parseCaps(m.Permissions.Deny)
	if err != nil {
		return nil, err
	}
	set, err := perm.RestrictedSet(profile, extra, deny)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}

	p := perm.New(m.ID, set)
	if len(m.Permissions.Files.Allow) > 0 || len(m.Permissions.Files.Deny) > 0 {
		fp, err := perm.NewFilePolicy(m.Permissions.Files.Allow, m.Permissions.Files.Deny)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
		p.WithFilePolicy(fp)
	}
	if len(m.Permissions.Hosts) > 0 {
		p.WithHosts(m.Permissions.Hosts...)
	}
	if len(m.Permissions.Exec) > 0 {
		p.WithCommands(m.Permissions.Exec...)
	}
	return p, nil
}

func parseCaps(names []string) ([]perm.Capability, error) {
	out := make([]perm.Capability, 0, len(names))
	for _, n := range names {
		c, err := perm.ParseCapability(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
