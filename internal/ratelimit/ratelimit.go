// Package ratelimit enforces per-principal request and token budgets over
// fixed windows. Windows reset lazily: the first access at or past resets_at
// zeroes the counter and starts the next period.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Limits configures the enforced budgets. A limit of zero or below disables
// enforcement for that window.
type Limits struct {
	RequestsPerMinute int64 `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int64 `yaml:"requests_per_hour" json:"requests_per_hour"`
	RequestsPerDay    int64 `yaml:"requests_per_day" json:"requests_per_day"`
	TokensPerDay      int64 `yaml:"tokens_per_day" json:"tokens_per_day"`
}

// DefaultLimits returns the budgets applied when the config omits them.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 20,
		RequestsPerHour:   300,
		RequestsPerDay:    2000,
		TokensPerDay:      250000,
	}
}

// Window names used in decisions, errors, and threshold events.
const (
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
	WindowTokens = "tokens"
)

// Decision is the outcome of a limit check. When denied, Window names the
// first exhausted window in evaluation order and Reason is suitable for
// sending back to the user verbatim.
type Decision struct {
	Allowed    bool
	Window     string
	Reason     string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
}

// Err converts a denial into a typed error; an allowed decision returns nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	kind := ErrRateLimited
	if d.Window == WindowTokens {
		kind = ErrTokenLimited
	}
	return &RateLimitError{
		Window:     d.Window,
		Limit:      d.Limit,
		Current:    d.Current,
		RetryAfter: d.RetryAfter,
		Reason:     d.Reason,
		err:        kind,
	}
}

// Usage is a snapshot of one principal's current window counters.
type Usage struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
	Tokens int64 `json:"tokens"`
}

// Threshold reports a window whose usage ratio crossed a warning level.
type Threshold struct {
	Window string  `json:"window"`
	Usage  int64   `json:"usage"`
	Limit  int64   `json:"limit"`
	Ratio  float64 `json:"ratio"`
}

// Stats aggregates limiter activity across all principals.
type Stats struct {
	Principals int   `json:"principals"`
	Requests   int64 `json:"requests"`
	Tokens     int64 `json:"tokens"`
	Denied     int64 `json:"denied"`
}

// ThresholdFunc receives warning crossings. Invoked at most once per window
// period, outside the limiter's locks.
type ThresholdFunc func(principal string, t Threshold)

type window struct {
	count    int64
	resetsAt time.Time
	warned   bool
}

// tick applies the lazy reset. Callers hold the principal lock.
func (w *window) tick(now time.Time, span time.Duration) {
	if now.Before(w.resetsAt) {
		return
	}
	w.count = 0
	w.resetsAt = now.Add(span)
	w.warned = false
}

type principal struct {
	mu     sync.Mutex
	minute window
	hour   window
	day    window
	tokens window
}

// Limiter tracks budgets for any number of principals. All methods are safe
// for concurrent use; Allow holds the principal's lock across check and
// record so concurrent callers cannot over-admit.
type Limiter struct {
	limits Limits
	now    func() time.Time

	warnRatio float64
	onWarn    ThresholdFunc

	mu         sync.RWMutex
	principals map[string]*principal

	requests atomic.Int64
	tokens   atomic.Int64
	denied   atomic.Int64
}

// Option adjusts limiter construction.
type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithThresholdFunc installs a warning callback fired when any window's
// usage reaches ratio of its limit.
func WithThresholdFunc(ratio float64, fn ThresholdFunc) Option {
	return func(l *Limiter) {
		l.warnRatio = ratio
		l.onWarn = fn
	}
}

// New builds a limiter.
func New(limits Limits, opts ...Option) *Limiter {
	l := &Limiter{
		limits:     limits,
		now:        time.Now,
		warnRatio:  0.8,
		principals: map[string]*principal{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limits returns the configured budgets.
func (l *Limiter) Limits() Limits { return l.limits }

func (l *Limiter) principalFor(name string) *principal {
	l.mu.RLock()
	p, ok := l.principals[name]
	l.mu.RUnlock()
	if ok {
		return p
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok = l.principals[name]; ok {
		return p
	}
	p = &principal{}
	l.principals[name] = p
	return p
}

// Check evaluates the windows in order minute, hour, day, tokens and returns
// the first denial, without recording anything.
func (l *Limiter) Check(name string) Decision {
	p := l.principalFor(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	d := l.checkLocked(p)
	if !d.Allowed {
		l.denied.Add(1)
	}
	return d
}

// Record adds one request to the minute, hour, and day windows and tokens to
// the token window.
func (l *Limiter) Record(name string, tokens int64) {
	p := l.principalFor(name)
	p.mu.Lock()
	warns := l.recordLocked(p, tokens)
	p.mu.Unlock()
	l.fireWarns(name, warns)
}

// Allow performs check and record as one atomic step. The request is only
// recorded when every window admits it.
func (l *Limiter) Allow(name string, tokens int64) Decision {
	p := l.principalFor(name)
	p.mu.Lock()
	d := l.checkLocked(p)
	var warns []Threshold
	if d.Allowed {
		warns = l.recordLocked(p, tokens)
	}
	p.mu.Unlock()

	if !d.Allowed {
		l.denied.Add(1)
	}
	l.fireWarns(name, warns)
	return d
}

// Usage returns the principal's current counters after lazy resets.
func (l *Limiter) Usage(name string) Usage {
	p := l.principalFor(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	l.tickAll(p)
	return Usage{
		Minute: p.minute.count,
		Hour:   p.hour.count,
		Day:    p.day.count,
		Tokens: p.tokens.count,
	}
}

// Remaining returns how much budget each window still admits. Disabled
// windows report -1.
func (l *Limiter) Remaining(name string) Usage {
	p := l.principalFor(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	l.tickAll(p)
	rem := func(limit, count int64) int64 {
		if limit <= 0 {
			return -1
		}
		if count >= limit {
			return 0
		}
		return limit - count
	}
	return Usage{
		Minute: rem(l.limits.RequestsPerMinute, p.minute.count),
		Hour:   rem(l.limits.RequestsPerHour, p.hour.count),
		Day:    rem(l.limits.RequestsPerDay, p.day.count),
		Tokens: rem(l.limits.TokensPerDay, p.tokens.count),
	}
}

// Reset clears every window for the principal.
func (l *Limiter) Reset(name string) {
	p := l.principalFor(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minute = window{}
	p.hour = window{}
	p.day = window{}
	p.tokens = window{}
}

// CheckThreshold reports the first window, in evaluation order, whose usage
// has reached ratio of its limit.
func (l *Limiter) CheckThreshold(name string, ratio float64) (Threshold, bool) {
	p := l.principalFor(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	l.tickAll(p)
	for _, w := range l.windows(p) {
		if w.limit <= 0 {
			continue
		}
		if float64(w.win.count) >= ratio*float64(w.limit) {
			return Threshold{
				Window: w.name,
				Usage:  w.win.count,
				Limit:  w.limit,
				Ratio:  float64(w.win.count) / float64(w.limit),
			}, true
		}
	}
	return Threshold{}, false
}

// GlobalStats aggregates lifetime limiter activity.
func (l *Limiter) GlobalStats() Stats {
	l.mu.RLock()
	n := len(l.principals)
	l.mu.RUnlock()
	return Stats{
		Principals: n,
		Requests:   l.requests.Load(),
		Tokens:     l.tokens.Load(),
		Denied:     l.denied.Load(),
	}
}

type windowRef struct {
	name  string
	win   *window
	span  time.Duration
	limit int64
}

func (l *Limiter) windows(p *principal) []windowRef {
	return []windowRef{
		{WindowMinute, &p.minute, time.Minute, l.limits.RequestsPerMinute},
		{WindowHour, &p.hour, time.Hour, l.limits.RequestsPerHour},
		{WindowDay, &p.day, 24 * time.Hour, l.limits.RequestsPerDay},
		{WindowTokens, &p.tokens, 24 * time.Hour, l.limits.TokensPerDay},
	}
}

func (l *Limiter) tickAll(p *principal) {
	now := l.now()
	for _, w := range l.windows(p) {
		w.win.tick(now, w.span)
	}
}

func (l *Limiter) checkLocked(p *principal) Decision {
	now := l.now()
	for _, w := range l.windows(p) {
		w.win.tick(now, w.span)
		if w.limit <= 0 || w.win.count < w.limit {
			continue
		}
		retry := w.win.resetsAt.Sub(now)
		return Decision{
			Allowed:    false,
			Window:     w.name,
			Limit:      w.limit,
			Current:    w.win.count,
			RetryAfter: retry,
			Reason:     denialReason(w.name, w.win.count, w.limit, retry),
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) recordLocked(p *principal, tokens int64) []Threshold {
	now := l.now()
	var warns []Threshold
	for _, w := range l.windows(p) {
		w.win.tick(now, w.span)
		if w.name == WindowTokens {
			w.win.count += tokens
		} else {
			w.win.count++
		}
		if l.onWarn != nil && !w.win.warned && w.limit > 0 &&
			float64(w.win.count) >= l.warnRatio*float64(w.limit) {
			w.win.warned = true
			warns = append(warns, Threshold{
				Window: w.name,
				Usage:  w.win.count,
				Limit:  w.limit,
				Ratio:  float64(w.win.count) / float64(w.limit),
			})
		}
	}
	l.requests.Add(1)
	l.tokens.Add(tokens)
	return warns
}

func (l *Limiter) fireWarns(name string, warns []Threshold) {
	if l.onWarn == nil {
		return
	}
	for _, t := range warns {
		l.onWarn(name, t)
	}
}

func denialReason(name string, count, limit int64, retry time.Duration) string {
	secs := int64(retry / time.Second)
	if retry%time.Second > 0 {
		secs++
	}
	noun := "requests"
	if name == WindowTokens {
		noun = "tokens"
	}
	return fmt.Sprintf("%s limit reached (%d/%d %s), resets in %ds", name, count, limit, noun, secs)
}
