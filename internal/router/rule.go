package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roseybot/roseycore/internal/bus"
)

// MatchType selects how a rule's pattern is evaluated against an incoming
// command.
type MatchType string

const (
	// MatchExact compares the pattern with the normalized command prefix.
	MatchExact MatchType = "exact"
	// MatchPrefix matches when the pattern is a prefix of the normalized
	// command prefix.
	MatchPrefix MatchType = "prefix"
	// MatchRegex applies a compiled pattern to the raw command text and may
	// substitute captures into the destination template.
	MatchRegex MatchType = "regex"
	// MatchWildcard matches the envelope's subject against a subject
	// pattern.
	MatchWildcard MatchType = "wildcard"
)

// ParseMatchType resolves a match type name.
func ParseMatchType(s string) (MatchType, error) {
	switch MatchType(strings.ToLower(s)) {
	case MatchExact, MatchPrefix, MatchRegex, MatchWildcard:
		return MatchType(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("%w: match type %q", ErrRouteRuleInvalid, s)
}

// Rule routes matching commands to a destination subject. Higher priority
// wins; equal priorities keep insertion order. A disabled rule stays in the
// table but never matches.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Priority    int       `yaml:"priority" json:"priority"`
	Pattern     string    `yaml:"pattern" json:"pattern"`
	Type        MatchType `yaml:"type" json:"type"`
	Destination string    `yaml:"destination" json:"destination"`
	Enabled     bool      `yaml:"enabled" json:"enabled"`
}

type compiledRule struct {
	Rule
	re  *regexp.Regexp
	seq int
}

// compile validates a rule and prepares it for matching.
func compile(r Rule, seq int) (*compiledRule, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrRouteRuleInvalid)
	}
	if _, err := ParseMatchType(string(r.Type)); err != nil {
		return nil, err
	}
	if r.Pattern == "" {
		return nil, fmt.Errorf("%w: rule %s has no pattern", ErrRouteRuleInvalid, r.ID)
	}
	if r.Destination == "" {
		return nil, fmt.Errorf("%w: rule %s has no destination", ErrRouteRuleInvalid, r.ID)
	}

	cr := &compiledRule{Rule: r, seq: seq}
	switch r.Type {
	case MatchWildcard:
		if !bus.Validate(r.Pattern) {
			return nil, fmt.Errorf("%w: rule %s pattern %q is not a subject pattern", ErrRouteRuleInvalid, r.ID, r.Pattern)
		}
	case MatchRegex:
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrRouteRuleInvalid, r.ID, err)
		}
		cr.re = re
	}
	// Regex destinations are templates resolved per match; everything else
	// must be publishable as written.
	if r.Type != MatchRegex {
		if _, err := normalizeDestination(r.Destination); err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrRouteRuleInvalid, r.ID, err)
		}
	}
	return cr, nil
}

// normalizeDestination validates a destination subject and appends the
// default action when the destination names a plugin without one.
func normalizeDestination(dst string) (string, error) {
	tokens := strings.Split(dst, bus.TokenSep)
	if len(tokens) == 3 && tokens[1] == bus.CategoryCommands {
		dst += bus.TokenSep + "execute"
		tokens = append(tokens, "execute")
	}
	if !bus.Validate(dst) {
		return "", fmt.Errorf("destination %q is not a valid subject", dst)
	}
	for _, tok := range tokens {
		if tok == bus.TokenAny || tok == bus.TokenTail {
			return "", fmt.Errorf("destination %q contains wildcards", dst)
		}
	}
	return dst, nil
}
