package bus

import (
	"fmt"
	"strings"
)

// Subject grammar constants. Every subject on the wire is a dot-separated
// sequence of non-empty tokens rooted at Root. TokenAny matches exactly one
// token in a pattern; TokenTail matches one or more remaining tokens and is
// only legal as the final token.
const (
	Root      = "rosey"
	TokenSep  = "."
	TokenAny  = "*"
	TokenTail = ">"
)

// Subject categories produced by Parse.
const (
	CategoryPlatform   = "platform"
	CategoryEvents     = "events"
	CategoryCommands   = "commands"
	CategoryPlugins    = "plugins"
	CategoryMonitoring = "monitoring"
	CategorySecurity   = "security"
	CategoryDB         = "db"
	CategoryInbox      = "inbox"
)

// Subject is the parsed form of a hierarchical subject. Only the fields that
// apply to the category are populated; Tokens always carries the full split.
type Subject struct {
	Base     string
	Category string
	Platform string
	Event    string
	Plugin   string
	Action   string
	Metric   string
	Service  string
	Token    string
	Tokens   []string
}

// String reassembles the original subject.
func (s Subject) String() string {
	return strings.Join(s.Tokens, TokenSep)
}

// Build joins tokens into a subject, prepending the root token when the
// caller omitted it, and validates the result. Wildcards are permitted so
// Build can also assemble subscription patterns.
func Build(tokens ...string) (string, error) {
	if len(tokens) == 0 {
		return "", fmt.Errorf("%w: no tokens", ErrInvalidSubject)
	}
	if tokens[0] != Root {
		tokens = append([]string{Root}, tokens...)
	}
	s := strings.Join(tokens, TokenSep)
	if !Validate(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubject, s)
	}
	return s, nil
}

// Validate reports whether s conforms to the subject grammar: non-empty
// dot-separated tokens, first token is the literal root, and ">" appears only
// as the final token.
func Validate(s string) bool {
	if s == "" {
		return false
	}
	tokens := strings.Split(s, TokenSep)
	if tokens[0] != Root {
		return false
	}
	for i, tok := range tokens {
		switch {
		case tok == "":
			return false
		case tok == TokenTail && i != len(tokens)-1:
			return false
		case strings.ContainsAny(tok, " \t\r\n"):
			return false
		}
	}
	return true
}

// Matches reports whether subject matches pattern under NATS semantics:
// "*" consumes exactly one token, ">" (final token only) consumes one or
// more remaining tokens, and a pattern without ">" matches only subjects of
// equal token count. Invalid subjects or patterns never match.
func Matches(subject, pattern string) bool {
	if !Validate(subject) || !Validate(pattern) {
		return false
	}
	st := strings.Split(subject, TokenSep)
	pt := strings.Split(pattern, TokenSep)

	for i, p := range pt {
		if p == TokenTail {
			// ">" at pattern index i needs at least one subject token left.
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != TokenAny && p != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}

// Parse splits a concrete subject into its tagged form. Wildcard tokens are
// rejected: Parse is for subjects, not patterns.
func Parse(s string) (Subject, error) {
	if !Validate(s) || strings.Contains(s, TokenAny) || strings.Contains(s, TokenTail) {
		return Subject{}, fmt.Errorf("%w: %q", ErrInvalidSubject, s)
	}
	tokens := strings.Split(s, TokenSep)
	sub := Subject{Base: tokens[0], Tokens: tokens}
	if len(tokens) == 1 {
		return sub, nil
	}
	sub.Category = tokens[1]
	rest := tokens[2:]

	join := func(t []string) string { return strings.Join(t, TokenSep) }

	switch sub.Category {
	case CategoryPlatform:
		if len(rest) < 2 {
			return Subject{}, fmt.Errorf("%w: platform subject needs platform and event: %q", ErrInvalidSubject, s)
		}
		sub.Platform = rest[0]
		sub.Event = join(rest[1:])
	case CategoryEvents, CategorySecurity:
		if len(rest) < 1 {
			return Subject{}, fmt.Errorf("%w: %s subject needs an event: %q", ErrInvalidSubject, sub.Category, s)
		}
		sub.Event = join(rest)
	case CategoryCommands:
		if len(rest) < 2 {
			return Subject{}, fmt.Errorf("%w: command subject needs plugin and action: %q", ErrInvalidSubject, s)
		}
		sub.Plugin = rest[0]
		sub.Action = join(rest[1:])
	case CategoryPlugins:
		if len(rest) < 2 {
			return Subject{}, fmt.Errorf("%w: plugin subject needs plugin and event: %q", ErrInvalidSubject, s)
		}
		sub.Plugin = rest[0]
		sub.Event = join(rest[1:])
	case CategoryMonitoring:
		if len(rest) < 1 {
			return Subject{}, fmt.Errorf("%w: monitoring subject needs a metric: %q", ErrInvalidSubject, s)
		}
		sub.Metric = join(rest)
	case CategoryDB:
		// rosey.db.<service>.<plugin>.<op...>
		if len(rest) < 3 {
			return Subject{}, fmt.Errorf("%w: db subject needs service, plugin and operation: %q", ErrInvalidSubject, s)
		}
		sub.Service = rest[0]
		sub.Plugin = rest[1]
		sub.Action = join(rest[2:])
	case CategoryInbox:
		if len(rest) < 1 {
			return Subject{}, fmt.Errorf("%w: inbox subject needs a token: %q", ErrInvalidSubject, s)
		}
		sub.Token = join(rest)
	}
	return sub, nil
}

// Builders for the wire-level hierarchy. Callers supply bare tokens; the
// results are valid subjects as long as the inputs contain no separators.

func PlatformSubject(platform, event string) string {
	return Root + ".platform." + platform + TokenSep + event
}

func EventSubject(event string) string {
	return Root + ".events." + event
}

func CommandSubject(plugin, action string) string {
	if action == "" {
		action = "execute"
	}
	return Root + ".commands." + plugin + TokenSep + action
}

func PluginSubject(plugin, event string) string {
	return Root + ".plugins." + plugin + TokenSep + event
}

func MonitoringSubject(metric string) string {
	return Root + ".monitoring." + metric
}

func SecuritySubject(event string) string {
	return Root + ".security." + event
}

func DBRowSubject(plugin, op string) string {
	return Root + ".db.row." + plugin + TokenSep + op
}

func DBKVSubject(plugin, op string) string {
	return Root + ".db.kv." + plugin + TokenSep + op
}

func DBMigrateSubject(plugin, op string) string {
	return Root + ".db.migrate." + plugin + TokenSep + op
}

// InboxSubject builds a reply-inbox subject from an opaque token. Inboxes
// live under the root hierarchy so subject validation applies to them like
// any other produced subject.
func InboxSubject(token string) string {
	return Root + ".inbox." + token
}
