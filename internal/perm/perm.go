// Package perm implements the capability model plugins run under: a closed
// set of capability flags, named profiles that bundle them, per-plugin grant
// sets, and path-level file access policies.
package perm

import (
	"fmt"
	"sort"
	"strings"
)

// Capability is a single permission bit. The set is closed: plugins cannot
// invent capabilities, only be granted from this list.
type Capability uint16

const (
	CapFileRead Capability = 1 << iota
	CapFileWrite
	CapNetHTTP
	CapNetSocket
	CapDBRead
	CapDBWrite
	CapCmdExecute
	CapPluginSpawn
	CapConfigRead
	CapConfigWrite
)

var capNames = map[Capability]string{
	CapFileRead:    "file.read",
	CapFileWrite:   "file.write",
	CapNetHTTP:     "net.http",
	CapNetSocket:   "net.socket",
	CapDBRead:      "db.read",
	CapDBWrite:     "db.write",
	CapCmdExecute:  "cmd.execute",
	CapPluginSpawn: "plugin.spawn",
	CapConfigRead:  "config.read",
	CapConfigWrite: "config.write",
}

var capByName = func() map[string]Capability {
	m := make(map[string]Capability, len(capNames))
	for c, n := range capNames {
		m[n] = c
	}
	return m
}()

func (c Capability) String() string {
	if n, ok := capNames[c]; ok {
		return n
	}
	return fmt.Sprintf("capability(0x%x)", uint16(c))
}

// ParseCapability resolves a dotted capability name.
func ParseCapability(name string) (Capability, error) {
	c, ok := capByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return c, nil
}

// Set is a union of capability bits.
type Set uint16

// NewSet combines capabilities into a set.
func NewSet(caps ...Capability) Set {
	var s Set
	for _, c := range caps {
		s |= Set(c)
	}
	return s
}

// ParseSet resolves a list of dotted names into a set.
func ParseSet(names []string) (Set, error) {
	var s Set
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return 0, err
		}
		s |= Set(c)
	}
	return s, nil
}

// Has reports whether every bit of c is in the set.
func (s Set) Has(c Capability) bool {
	return s&Set(c) == Set(c)
}

// With returns a copy of the set with caps added.
func (s Set) With(caps ...Capability) Set {
	for _, c := range caps {
		s |= Set(c)
	}
	return s
}

// Without returns a copy of the set with caps removed.
func (s Set) Without(caps ...Capability) Set {
	for _, c := range caps {
		s &^= Set(c)
	}
	return s
}

// Count returns the number of granted capabilities.
func (s Set) Count() int {
	n := 0
	for c := range capNames {
		if s.Has(c) {
			n++
		}
	}
	return n
}

// Names lists the granted capabilities in sorted order.
func (s Set) Names() []string {
	out := make([]string, 0, len(capNames))
	for c, n := range capNames {
		if s.Has(c) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return strings.Join(s.Names(), ",")
}
