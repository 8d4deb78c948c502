package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roseybot/roseycore/internal/bus"
)

// Info is a manager-level view of a plugin: supervisor status plus manifest
// metadata.
type Info struct {
	Status
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	Path        string   `json:"path,omitempty"`
}

// Manager owns the registry and the supervisors behind it. Load and Unload
// are serialized; per-plugin lifecycle calls go straight to the supervisor.
type Manager struct {
	bus      bus.Bus
	defaults Config
	reg      *Registry
	log      zerolog.Logger

	mu     sync.Mutex
	onLoad []func(*Entry)
}

func NewManager(b bus.Bus, defaults Config) *Manager {
	return &Manager{
		bus:      b,
		defaults: defaults.withDefaults(),
		reg:      NewRegistry(),
		log:      log.With().Str("component", "plugin_manager").Logger(),
	}
}

// Registry exposes the command index and entry lookups, primarily for the
// router.
func (m *Manager) Registry() *Registry { return m.reg }

// OnLoad registers a callback invoked for every entry Load admits, hot
// loads included. Callbacks run under the manager lock and must not call
// back into it; attaching supervisor observers is the intended use.
func (m *Manager) OnLoad(fn func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLoad = append(m.onLoad, fn)
}

// Load registers a parsed manifest and builds its supervisor. The plugin
// ends up loaded but not running.
func (m *Manager) Load(mf *Manifest) (*Entry, error) {
	if mf == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrManifestInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	perms, err := mf.ToPermissions()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", mf.ID, err)
	}
	sup := NewSupervisor(mf.ID, mf.Exec, mf.ToConfig(m.defaults), m.bus)
	entry := &Entry{
		Manifest:    mf,
		Supervisor:  sup,
		Permissions: perms,
		LoadedAt:    time.Now(),
	}
	if err := m.reg.Register(entry); err != nil {
		return nil, err
	}
	if err := sup.markLoaded(); err != nil {
		if _, derr := m.reg.Deregister(mf.ID); derr != nil {
			m.log.Error().Err(derr).Str("plugin", mf.ID).Msg("rollback deregister failed")
		}
		return nil, err
	}
	for _, fn := range m.onLoad {
		fn(entry)
	}
	m.log.Info().Str("plugin", mf.ID).Str("version", mf.Version).
		Strs("commands", mf.Commands).Msg("plugin loaded")
	return entry, nil
}

// LoadFile parses and loads a single manifest file.
func (m *Manager) LoadFile(path string) (*Entry, error) {
	mf, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return m.Load(mf)
}

// LoadDir loads every manifest in dir. Individual failures are logged and
// collected; the plugins that did load stay loaded.
func (m *Manager) LoadDir(dir string) ([]*Entry, error) {
	manifests, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	var (
		loaded []*Entry
		errs   []error
	)
	for _, mf := range manifests {
		e, lerr := m.Load(mf)
		if lerr != nil {
			m.log.Error().Err(lerr).Str("path", mf.Path).Msg("manifest load failed")
			errs = append(errs, fmt.Errorf("%s: %w", mf.ID, lerr))
			continue
		}
		loaded = append(loaded, e)
	}
	return loaded, errors.Join(errs...)
}

// Unload removes a plugin that is not live. The supervisor's background
// resources are released and its command prefixes freed.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginUnknown, id)
	}
	if st := e.Supervisor.State(); st.Live() {
		return fmt.Errorf("%w: %s is %s", ErrPluginBusy, id, st)
	}
	e.Supervisor.close()
	if err := e.Supervisor.markUnloaded(); err != nil {
		return err
	}
	if _, err := m.reg.Deregister(id); err != nil {
		return err
	}
	m.log.Info().Str("plugin", id).Msg("plugin unloaded")
	return nil
}

func (m *Manager) Start(ctx context.Context, id string) error {
	e, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginUnknown, id)
	}
	return e.Supervisor.Start(ctx)
}

func (m *Manager) Stop(ctx context.Context, id string) (bool, error) {
	e, ok := m.reg.Get(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrPluginUnknown, id)
	}
	return e.Supervisor.Stop(ctx)
}

func (m *Manager) Restart(ctx context.Context, id string) error {
	e, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginUnknown, id)
	}
	return e.Supervisor.Restart(ctx)
}

// StartAll starts every loaded plugin sequentially in id order. Failures are
// collected so one broken plugin does not block the rest.
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, e := range m.reg.List() {
		st := e.Supervisor.State()
		if st != StateLoaded && st != StateStopped {
			continue
		}
		if err := e.Supervisor.Start(ctx); err != nil {
			m.log.Error().Err(err).Str("plugin", e.Manifest.ID).Msg("start failed")
			errs = append(errs, fmt.Errorf("%s: %w", e.Manifest.ID, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every live plugin in parallel and waits for all of them.
func (m *Manager) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range m.reg.List() {
		st := e.Supervisor.State()
		if st != StateRunning && st != StateCrashed {
			continue
		}
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			if _, err := sup.Stop(ctx); err != nil {
				m.log.Warn().Err(err).Str("plugin", sup.ID()).Msg("stop failed")
			}
		}(e.Supervisor)
	}
	wg.Wait()
}

// List reports every known plugin sorted by id.
func (m *Manager) List() []Info {
	entries := m.reg.List()
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, infoFor(e))
	}
	return out
}

func (m *Manager) Get(id string) (Info, error) {
	e, ok := m.reg.Get(id)
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrPluginUnknown, id)
	}
	return infoFor(e), nil
}

// ForCommand resolves a command prefix to the plugin id that registered it.
func (m *Manager) ForCommand(prefix string) (string, bool) {
	return m.reg.ForCommand(prefix)
}

func infoFor(e *Entry) Info {
	return Info{
		Status:      e.Supervisor.Status(),
		Version:     e.Manifest.Version,
		Description: e.Manifest.Description,
		Commands:    append([]string(nil), e.Manifest.Commands...),
		Profile:     e.Manifest.EffectiveProfile(),
		Path:        e.Manifest.Path,
	}
}
