package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// Metric names reported in breach events.
const (
	MetricCPUPercent = "cpu_percent"
	MetricRSSMB      = "rss_mb"
	MetricOpenFiles  = "open_files"
)

const ewmaAlpha = 0.3

// Sample is one observation of a child process.
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
	OpenFiles  int
	At         time.Time
}

// ProcSampler observes one process. Implementations may keep per-process
// state (CPU accounting needs the previous tick).
type ProcSampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SamplerFactory builds a sampler for a pid. Tests inject their own.
type SamplerFactory func(pid int) (ProcSampler, error)

type gopsSampler struct {
	proc *process.Process
}

// GopsutilSampler samples a live process via procfs.
func GopsutilSampler(pid int) (ProcSampler, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	return &gopsSampler{proc: p}, nil
}

func (g *gopsSampler) Sample(ctx context.Context) (Sample, error) {
	cpu, err := g.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return Sample{}, err
	}
	mi, err := g.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, err
	}
	s := Sample{CPUPercent: cpu, RSSBytes: mi.RSS, At: time.Now()}
	// FD counting is unsupported on some platforms; zero is fine there.
	if fds, err := g.proc.NumFDsWithContext(ctx); err == nil {
		s.OpenFiles = int(fds)
	}
	return s, nil
}

// Breach reports one limit violation episode.
type Breach struct {
	PluginID string
	Metric   string
	Observed float64
	Limit    float64
	Duration time.Duration
}

// BreachFunc receives breach episodes. Called outside the monitor's lock.
type BreachFunc func(Breach)

// Monitor samples one child process on a fixed interval and reports limit
// breaches. A metric must stay over its limit for BreachSamples consecutive
// samples before an episode fires, and fires once per episode: the metric
// has to dip under the limit before it can breach again.
type Monitor struct {
	pluginID string
	limits   ResourceLimits
	factory  SamplerFactory
	onBreach BreachFunc
	log      zerolog.Logger

	mu        sync.Mutex
	last      Sample
	sampled   bool
	ewma      float64
	hasEwma   bool
	paused    bool
	streak    map[string]int
	inEpisode map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds a monitor. A nil factory means live procfs sampling.
func NewMonitor(pluginID string, limits ResourceLimits, factory SamplerFactory, onBreach BreachFunc) *Monitor {
	if factory == nil {
		factory = GopsutilSampler
	}
	return &Monitor{
		pluginID:  pluginID,
		limits:    limits,
		factory:   factory,
		onBreach:  onBreach,
		log:       log.With().Str("plugin", pluginID).Logger(),
		streak:    map[string]int{},
		inEpisode: map[string]bool{},
	}
}

// Start begins sampling the pid. Stop before starting again.
func (m *Monitor) Start(pid int) error {
	sampler, err := m.factory(pid)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.paused = false
	m.streak = map[string]int{}
	m.inEpisode = map[string]bool{}
	m.sampled = false
	m.hasEwma = false
	done := m.done
	m.mu.Unlock()

	go m.loop(ctx, sampler, done)
	return nil
}

// Stop halts sampling and waits for the loop to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Pause suspends breach evaluation, used during graceful shutdown so a
// winding-down child does not trip limits.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume re-enables evaluation.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// LastSample returns the most recent observation, if any.
func (m *Monitor) LastSample() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.sampled
}

// RollingCPUAvg returns the exponentially weighted CPU average.
func (m *Monitor) RollingCPUAvg() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ewma
}

func (m *Monitor) loop(ctx context.Context, sampler ProcSampler, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.limits.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx, sampler)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context, sampler ProcSampler) {
	s, err := sampler.Sample(ctx)
	if err != nil {
		// The process is usually gone; the supervisor notices separately.
		m.log.Debug().Err(err).Msg("resource sample failed")
		return
	}

	m.mu.Lock()
	m.last = s
	m.sampled = true
	if m.hasEwma {
		m.ewma = ewmaAlpha*s.CPUPercent + (1-ewmaAlpha)*m.ewma
	} else {
		m.ewma = s.CPUPercent
		m.hasEwma = true
	}
	if m.paused {
		m.mu.Unlock()
		return
	}
	breaches := m.evaluateLocked(s)
	m.mu.Unlock()

	for _, b := range breaches {
		m.log.Warn().
			Str("metric", b.Metric).
			Float64("observed", b.Observed).
			Float64("limit", b.Limit).
			Dur("duration", b.Duration).
			Msg("resource limit breached")
		if m.onBreach != nil {
			m.onBreach(b)
		}
	}
}

func (m *Monitor) evaluateLocked(s Sample) []Breach {
	checks := []struct {
		metric   string
		observed float64
		limit    float64
	}{
		{MetricCPUPercent, m.ewma, m.limits.MaxCPUPercent},
		{MetricRSSMB, float64(s.RSSBytes) / (1 << 20), float64(m.limits.MaxRSSMB)},
		{MetricOpenFiles, float64(s.OpenFiles), float64(m.limits.MaxOpenFiles)},
	}

	var breaches []Breach
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if c.observed <= c.limit {
			m.streak[c.metric] = 0
			m.inEpisode[c.metric] = false
			continue
		}
		m.streak[c.metric]++
		if m.streak[c.metric] < m.limits.BreachSamples || m.inEpisode[c.metric] {
			continue
		}
		m.inEpisode[c.metric] = true
		breaches = append(breaches, Breach{
			PluginID: m.pluginID,
			Metric:   c.metric,
			Observed: c.observed,
			Limit:    c.limit,
			Duration: time.Duration(m.streak[c.metric]) * m.limits.SampleInterval,
		})
	}
	return breaches
}
