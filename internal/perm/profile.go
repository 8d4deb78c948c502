package perm

import (
	"fmt"
	"strings"
)

// Profile names a predefined grant bundle. Profiles are constants; deriving a
// plugin's set from one never mutates the profile itself.
type Profile string

const (
	ProfileMinimal  Profile = "minimal"
	ProfileStandard Profile = "standard"
	ProfileExtended Profile = "extended"
	ProfileAdmin    Profile = "admin"
)

var profileSets = map[Profile]Set{
	ProfileMinimal:  NewSet(CapCmdExecute),
	ProfileStandard: NewSet(CapCmdExecute, CapFileRead, CapNetHTTP),
	ProfileExtended: NewSet(CapCmdExecute, CapFileRead, CapNetHTTP, CapFileWrite, CapDBRead),
	ProfileAdmin: NewSet(
		CapFileRead, CapFileWrite, CapNetHTTP, CapNetSocket,
		CapDBRead, CapDBWrite, CapCmdExecute, CapPluginSpawn,
		CapConfigRead, CapConfigWrite,
	),
}

// ParseProfile resolves a profile by name.
func ParseProfile(name string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := profileSets[p]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Grants returns the profile's capability set.
func (p Profile) Grants() (Set, error) {
	s, ok := profileSets[p]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProfile, p)
	}
	return s, nil
}

// RestrictedSet composes a grant set from a profile plus explicit additions
// and removals. Removals are applied last so a denied capability stays denied
// even when the profile or the extras carry it.
func RestrictedSet(profile Profile, extra, deny []Capability) (Set, error) {
	base, err := profile.Grants()
	if err != nil {
		return 0, err
	}
	return base.With(extra...).Without(deny...), nil
}
