package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roseybot/roseycore/internal/bus"
	"github.com/roseybot/roseycore/internal/ratelimit"
)

const (
	sourceRouter = "core.router"
	queueGroup   = "router"

	// DefaultSigil marks command text in plain chat messages.
	DefaultSigil = "!"
)

// CommandIndex resolves a command prefix to the owning plugin id. The plugin
// manager implements it.
type CommandIndex interface {
	ForCommand(prefix string) (string, bool)
}

// Gate admits or denies a command on behalf of a principal.
// *ratelimit.Limiter satisfies it.
type Gate interface {
	Allow(name string, tokens int64) ratelimit.Decision
}

// command is the normalized view of one platform envelope.
type command struct {
	Prefix   string
	Args     string
	Channel  string
	User     string
	Platform string
	Text     string

	// Command marks text that is addressed to the bot: it carried the
	// sigil, or it arrived on a *.command subject. Plain chat still flows
	// through the rules (keyword triggers), but only commands fall back to
	// the index or produce an unhandled event.
	Command bool
}

// Router turns platform messages into command dispatches. Explicit rules are
// consulted first in priority order, then the registry's command index; a
// command matching neither produces exactly one unhandled event.
type Router struct {
	bus   bus.Bus
	index CommandIndex
	gate  Gate
	sigil string
	log   zerolog.Logger

	mu    sync.RWMutex
	rules []*compiledRule
	seq   int
	subs  []string
	bound bool

	dispatched atomic.Uint64
	unhandled  atomic.Uint64
	denied     atomic.Uint64
	failures   atomic.Uint64
}

// Option adjusts router construction.
type Option func(*Router)

// WithSigil overrides the command sigil.
func WithSigil(s string) Option {
	return func(r *Router) {
		if s != "" {
			r.sigil = s
		}
	}
}

// WithGate installs a per-user rate limit ahead of dispatch.
func WithGate(g Gate) Option {
	return func(r *Router) { r.gate = g }
}

func New(b bus.Bus, index CommandIndex, opts ...Option) *Router {
	r := &Router{
		bus:   b,
		index: index,
		sigil: DefaultSigil,
		log:   log.With().Str("component", "router").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind joins the router queue group on the platform subjects. Multiple core
// instances binding the same bus share the command load.
func (r *Router) Bind(ctx context.Context) error {
	r.mu.Lock()
	if r.bound {
		r.mu.Unlock()
		return ErrAlreadyBound
	}
	r.bound = true
	r.mu.Unlock()

	for _, subject := range []string{
		bus.PlatformSubject(bus.TokenAny, "message"),
		bus.PlatformSubject(bus.TokenAny, "command"),
	} {
		id, err := r.bus.QueueSubscribe(ctx, subject, queueGroup, r.handle)
		if err != nil {
			r.Close()
			return fmt.Errorf("router: binding %s: %w", subject, err)
		}
		r.mu.Lock()
		r.subs = append(r.subs, id)
		r.mu.Unlock()
	}
	return nil
}

// Close cancels the platform subscriptions.
func (r *Router) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.bound = false
	r.mu.Unlock()

	var first error
	for _, id := range subs {
		if err := r.bus.Unsubscribe(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AddRule validates and installs a rule.
func (r *Router) AddRule(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cr := range r.rules {
		if cr.ID == rule.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
		}
	}
	// Prefix and exact patterns compare against the lowercased command
	// prefix.
	if rule.Type == MatchExact || rule.Type == MatchPrefix {
		rule.Pattern = strings.ToLower(rule.Pattern)
	}
	cr, err := compile(rule, r.seq)
	if err != nil {
		return err
	}
	r.seq++

	next := append(append([]*compiledRule(nil), r.rules...), cr)
	sortRules(next)
	r.rules = next
	r.log.Info().Str("rule", rule.ID).Str("type", string(rule.Type)).Int("priority", rule.Priority).Msg("route rule added")
	return nil
}

// RemoveRule deletes a rule by id.
func (r *Router) RemoveRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*compiledRule, 0, len(r.rules))
	found := false
	for _, cr := range r.rules {
		if cr.ID == id {
			found = true
			continue
		}
		next = append(next, cr)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRuleUnknown, id)
	}
	r.rules = next
	return nil
}

// SetEnabled flips a rule without removing it.
func (r *Router) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*compiledRule, 0, len(r.rules))
	found := false
	for _, cr := range r.rules {
		if cr.ID == id {
			found = true
			clone := *cr
			clone.Enabled = enabled
			next = append(next, &clone)
			continue
		}
		next = append(next, cr)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrRuleUnknown, id)
	}
	r.rules = next
	return nil
}

// Rules returns the rule table in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, cr := range r.rules {
		out = append(out, cr.Rule)
	}
	return out
}

// Stats is a point-in-time snapshot of routing counters.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Unhandled  uint64 `json:"unhandled"`
	Denied     uint64 `json:"denied"`
	Errors     uint64 `json:"errors"`
	Rules      int    `json:"rules"`
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	n := len(r.rules)
	r.mu.RUnlock()
	return Stats{
		Dispatched: r.dispatched.Load(),
		Unhandled:  r.unhandled.Load(),
		Denied:     r.denied.Load(),
		Errors:     r.failures.Load(),
		Rules:      n,
	}
}

// handle routes one platform envelope end to end.
func (r *Router) handle(ctx context.Context, env *bus.Envelope) error {
	defer func() {
		if p := recover(); p != nil {
			r.failures.Add(1)
			r.log.Error().Interface("panic", p).Str("subject", env.Subject).Msg("routing panicked")
			r.errorEvent(ctx, env, fmt.Sprintf("internal error: %v", p), true)
		}
	}()

	cmd, ok := r.normalize(env)
	if !ok {
		return nil
	}

	if cmd.Command && r.gate != nil && cmd.User != "" {
		principal := cmd.Platform + ":" + cmd.User
		if d := r.gate.Allow(principal, 0); !d.Allowed {
			r.denied.Add(1)
			r.log.Info().Str("principal", principal).Str("window", d.Window).Msg("command rate limited")
			r.denialEvent(ctx, env, d.Reason)
			return nil
		}
	}

	dst, rule, err := r.matchRules(env, cmd)
	if err != nil {
		r.failures.Add(1)
		r.log.Error().Err(err).Str("rule", rule.ID).Msg("destination expansion failed")
		r.errorEvent(ctx, env, "routing misconfigured for this command", true)
		return nil
	}
	if dst != "" {
		return r.dispatch(ctx, env, cmd, dst, rule.ID)
	}

	if !cmd.Command {
		return nil
	}
	if plugin, ok := r.index.ForCommand(cmd.Prefix); ok {
		return r.dispatch(ctx, env, cmd, bus.CommandSubject(plugin, cmd.Prefix), "")
	}

	r.unhandled.Add(1)
	r.log.Debug().Str("command", cmd.Prefix).Str("platform", cmd.Platform).Msg("command unhandled")
	out := bus.New(bus.EventSubject("command.unhandled"), "command.unhandled", sourceRouter, cmd.payload()).
		WithPriority(env.Priority).
		WithCorrelationID(env.CorrelationID)
	if perr := r.bus.Publish(ctx, out); perr != nil {
		r.log.Warn().Err(perr).Msg("unhandled event publish failed")
	}
	return nil
}

// normalize parses the subject and payload into a command tuple. It reports
// false when the envelope carries nothing routable.
func (r *Router) normalize(env *bus.Envelope) (command, bool) {
	sub, err := bus.Parse(env.Subject)
	if err != nil || sub.Category != bus.CategoryPlatform {
		return command{}, false
	}
	raw, ok := extractText(env.Data)
	if !ok {
		return command{}, false
	}

	cmd := command{Platform: sub.Platform, Text: raw}
	cmd.Channel, _ = env.Data["channel"].(string)
	cmd.User, _ = env.Data["user"].(string)

	trimmed := strings.TrimSpace(raw)
	first := trimmed
	if cut := strings.IndexFunc(trimmed, unicode.IsSpace); cut >= 0 {
		first = trimmed[:cut]
		cmd.Args = strings.TrimSpace(trimmed[cut:])
	}
	sigiled := strings.HasPrefix(first, r.sigil) && len(first) > len(r.sigil)
	if sigiled {
		first = first[len(r.sigil):]
	}
	cmd.Prefix = strings.ToLower(first)
	cmd.Command = sigiled || sub.Event == "command"
	return cmd, true
}

func extractText(data map[string]any) (string, bool) {
	for _, key := range []string{"message", "command", "text"} {
		if v, ok := data[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// matchRules finds the first enabled matching rule and resolves its
// destination. A non-nil error means a rule matched but its destination
// template expanded to garbage.
func (r *Router) matchRules(env *bus.Envelope, cmd command) (string, *compiledRule, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	for _, cr := range rules {
		if !cr.Enabled {
			continue
		}
		switch cr.Type {
		case MatchWildcard:
			if !bus.Matches(env.Subject, cr.Pattern) {
				continue
			}
		case MatchPrefix:
			if !strings.HasPrefix(cmd.Prefix, cr.Pattern) {
				continue
			}
		case MatchExact:
			if cmd.Prefix != cr.Pattern {
				continue
			}
		case MatchRegex:
			idx := cr.re.FindStringSubmatchIndex(cmd.Text)
			if idx == nil {
				continue
			}
			dst, err := normalizeDestination(string(cr.re.ExpandString(nil, cr.Destination, cmd.Text, idx)))
			if err != nil {
				return "", cr, err
			}
			return dst, cr, nil
		}
		dst, err := normalizeDestination(cr.Destination)
		if err != nil {
			return "", cr, err
		}
		return dst, cr, nil
	}
	return "", nil, nil
}

// dispatch publishes exactly one envelope to the destination, propagating
// correlation id, priority, and the reply inbox.
func (r *Router) dispatch(ctx context.Context, env *bus.Envelope, cmd command, dst, ruleID string) error {
	out := bus.New(dst, "command.dispatch", sourceRouter, cmd.payload()).
		WithPriority(env.Priority).
		WithCorrelationID(env.CorrelationID)
	if rt := env.ReplyTo(); rt != "" {
		out.WithMetadata(bus.MetaReplyTo, rt)
	}
	if err := r.bus.Publish(ctx, out); err != nil {
		r.failures.Add(1)
		return fmt.Errorf("router: dispatch to %s: %w", dst, err)
	}
	r.dispatched.Add(1)
	r.log.Debug().Str("command", cmd.Prefix).Str("destination", dst).Str("rule", ruleID).Msg("command dispatched")
	return nil
}

func (c command) payload() map[string]any {
	return map[string]any{
		"command":  c.Prefix,
		"args":     c.Args,
		"channel":  c.Channel,
		"user":     c.User,
		"platform": c.Platform,
		"text":     c.Text,
	}
}

// denialEvent reports a rate-limit denial: a structured reply when the
// sender asked for one, the error event otherwise.
func (r *Router) denialEvent(ctx context.Context, env *bus.Envelope, reason string) {
	if reply, err := bus.ReplyEnvelope(env, sourceRouter, map[string]any{"success": false, "error": reason}); err == nil {
		if perr := r.bus.Publish(ctx, reply); perr != nil {
			r.log.Warn().Err(perr).Msg("denial reply publish failed")
		}
		return
	}
	r.errorEvent(ctx, env, reason, false)
}

// errorEvent publishes the command error event and, when wanted and
// possible, a structured reply to the sender.
func (r *Router) errorEvent(ctx context.Context, env *bus.Envelope, msg string, replyToo bool) {
	out := bus.New(bus.EventSubject("command.error"), "command.error", sourceRouter, map[string]any{
		"error":   msg,
		"subject": env.Subject,
	}).WithPriority(env.Priority).WithCorrelationID(env.CorrelationID)
	if perr := r.bus.Publish(ctx, out); perr != nil {
		r.log.Warn().Err(perr).Msg("error event publish failed")
	}
	if !replyToo {
		return
	}
	if reply, err := bus.ReplyEnvelope(env, sourceRouter, map[string]any{"success": false, "error": msg}); err == nil {
		if perr := r.bus.Publish(ctx, reply); perr != nil {
			r.log.Warn().Err(perr).Msg("error reply publish failed")
		}
	}
}

func sortRules(rules []*compiledRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
}
