package plugin

import "errors"

var (
	ErrInvalidTransition = errors.New("plugin: invalid state transition")
	ErrAlreadyRunning    = errors.New("plugin: already running")
	ErrNotRunning        = errors.New("plugin: not running")
	ErrSpawnFailed       = errors.New("plugin: spawn failed")
	ErrReadinessTimeout  = errors.New("plugin: readiness timeout")
	ErrCircuitOpen       = errors.New("plugin: restart circuit open")
	ErrDuplicatePlugin   = errors.New("plugin: duplicate plugin id")
	ErrCommandConflict   = errors.New("plugin: command prefix already registered")
	ErrPluginUnknown     = errors.New("plugin: unknown plugin")
	ErrPluginBusy        = errors.New("plugin: plugin is running")
	ErrManifestInvalid   = errors.New("plugin: invalid manifest")
)
