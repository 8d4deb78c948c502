package perm

import (
	"strings"
)

// PluginPermissions is the full grant context one plugin runs under: its
// capability set, an optional file policy consulted for file.* checks, and
// optional host and command allowlists consulted for net.* and cmd.execute
// checks. A nil policy or allowlist leaves that dimension unrestricted
// beyond the capability bit itself.
type PluginPermissions struct {
	PluginID string

	granted  Set
	files    *FilePolicy
	hosts    map[string]struct{}
	commands map[string]struct{}
}

// New builds the permission context for one plugin.
func New(pluginID string, granted Set) *PluginPermissions {
	return &PluginPermissions{PluginID: pluginID, granted: granted}
}

// FromProfile builds the permission context from a named profile.
func FromProfile(pluginID string, profile Profile) (*PluginPermissions, error) {
	s, err := profile.Grants()
	if err != nil {
		return nil, err
	}
	return New(pluginID, s), nil
}

// WithFilePolicy attaches the file policy consulted by file.* checks.
func (p *PluginPermissions) WithFilePolicy(fp *FilePolicy) *PluginPermissions {
	p.files = fp
	return p
}

// WithHosts restricts net.http and net.socket to the given hosts.
func (p *PluginPermissions) WithHosts(hosts ...string) *PluginPermissions {
	p.hosts = make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		p.hosts[strings.ToLower(h)] = struct{}{}
	}
	return p
}

// WithCommands restricts cmd.execute to the given command names.
func (p *PluginPermissions) WithCommands(cmds ...string) *PluginPermissions {
	p.commands = make(map[string]struct{}, len(cmds))
	for _, c := range cmds {
		p.commands[c] = struct{}{}
	}
	return p
}

// Has reports whether the capability bit is granted, without consulting
// policies or allowlists.
func (p *PluginPermissions) Has(c Capability) bool {
	return p.granted.Has(c)
}

// Granted returns the capability set.
func (p *PluginPermissions) Granted() Set { return p.granted }

// Check verifies the capability and, when context is non-empty, the
// dimension it names: a path for file.*, a host for net.*, a command name
// for cmd.execute. It returns nil on success and a *PermissionError on
// denial.
func (p *PluginPermissions) Check(c Capability, context string) error {
	if !p.granted.Has(c) {
		return denied(p.PluginID, c, context, "capability not granted")
	}
	if context == "" {
		return nil
	}
	switch c {
	case CapFileRead, CapFileWrite:
		if p.files != nil && !p.files.Allowed(context) {
			return pathDenied(p.PluginID, c, context, "path outside allowed roots")
		}
	case CapNetHTTP, CapNetSocket:
		if p.hosts != nil {
			if _, ok := p.hosts[strings.ToLower(context)]; !ok {
				return denied(p.PluginID, c, context, "host not in allowlist")
			}
		}
	case CapCmdExecute:
		if p.commands != nil {
			if _, ok := p.commands[context]; !ok {
				return denied(p.PluginID, c, context, "command not in allowlist")
			}
		}
	}
	return nil
}

// Summary lists the granted capability names, sorted, for logs and the ops
// surface.
func (p *PluginPermissions) Summary() []string {
	return p.granted.Names()
}
