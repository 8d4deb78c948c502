package plugin

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptedSampler plays back a fixed sample sequence, holding the final
// sample once exhausted.
type scriptedSampler struct {
	mu      sync.Mutex
	samples []Sample
	idx     int
}

func (s *scriptedSampler) Sample(context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.samples) {
		return s.samples[len(s.samples)-1], nil
	}
	out := s.samples[s.idx]
	s.idx++
	return out, nil
}

func mb(n uint64) uint64 { return n << 20 }

type breachLog struct {
	mu  sync.Mutex
	got []Breach
}

func (l *breachLog) add(b Breach) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, b)
}

func (l *breachLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

func (l *breachLog) last() Breach {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.got[len(l.got)-1]
}

func startMonitor(t *testing.T, limits ResourceLimits, samples []Sample, log *breachLog) *Monitor {
	t.Helper()
	sampler := &scriptedSampler{samples: samples}
	mon := NewMonitor("probe", limits, func(int) (ProcSampler, error) { return sampler, nil }, log.add)
	if err := mon.Start(4242); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(mon.Stop)
	return mon
}

func TestMonitorBreachNeedsConsecutiveSamples(t *testing.T) {
	limits := ResourceLimits{
		MaxRSSMB:       10,
		SampleInterval: 10 * time.Millisecond,
		BreachSamples:  3,
		Cooldown:       time.Minute,
	}
	// Two over-limit samples interrupted by recovery never fire; three in a
	// row do, exactly once for the episode.
	samples := []Sample{
		{RSSBytes: mb(20)},
		{RSSBytes: mb(20)},
		{RSSBytes: mb(5)},
		{RSSBytes: mb(20)},
		{RSSBytes: mb(20)},
		{RSSBytes: mb(20)},
		{RSSBytes: mb(20)},
	}
	var log breachLog
	startMonitor(t, limits, samples, &log)

	waitFor(t, 2*time.Second, "breach episode", func() bool {
		return log.count() == 1
	})
	time.Sleep(100 * time.Millisecond)
	if got := log.count(); got != 1 {
		t.Fatalf("breaches = %d, want 1 per episode", got)
	}
	b := log.last()
	if b.Metric != MetricRSSMB || b.PluginID != "probe" {
		t.Fatalf("breach = %+v", b)
	}
	if b.Observed != 20 || b.Limit != 10 {
		t.Fatalf("breach observed/limit = %v/%v", b.Observed, b.Limit)
	}
}

func TestMonitorRefiresAfterRecovery(t *testing.T) {
	limits := ResourceLimits{
		MaxOpenFiles:   100,
		SampleInterval: 10 * time.Millisecond,
		BreachSamples:  2,
		Cooldown:       time.Minute,
	}
	samples := []Sample{
		{OpenFiles: 200},
		{OpenFiles: 200},
		{OpenFiles: 10},
		{OpenFiles: 200},
		{OpenFiles: 200},
		{OpenFiles: 10},
	}
	var log breachLog
	startMonitor(t, limits, samples, &log)

	waitFor(t, 2*time.Second, "two breach episodes", func() bool {
		return log.count() == 2
	})
}

func TestMonitorPauseSuppressesEvaluation(t *testing.T) {
	limits := ResourceLimits{
		MaxRSSMB:       10,
		SampleInterval: 10 * time.Millisecond,
		BreachSamples:  2,
		Cooldown:       time.Minute,
	}
	samples := []Sample{{RSSBytes: mb(50)}}
	var log breachLog
	mon := startMonitor(t, limits, samples, &log)
	mon.Pause()

	waitFor(t, time.Second, "samples under pause", func() bool {
		_, ok := mon.LastSample()
		return ok
	})
	time.Sleep(100 * time.Millisecond)
	if got := log.count(); got != 0 {
		t.Fatalf("breaches while paused = %d, want 0", got)
	}

	mon.Resume()
	waitFor(t, 2*time.Second, "breach after resume", func() bool {
		return log.count() == 1
	})
}

func TestMonitorDisabledLimits(t *testing.T) {
	limits := ResourceLimits{
		SampleInterval: 10 * time.Millisecond,
		BreachSamples:  1,
		Cooldown:       time.Minute,
	}
	samples := []Sample{{CPUPercent: 900, RSSBytes: mb(4096), OpenFiles: 100000}}
	var log breachLog
	mon := startMonitor(t, limits, samples, &log)

	waitFor(t, time.Second, "a sample", func() bool {
		_, ok := mon.LastSample()
		return ok
	})
	time.Sleep(100 * time.Millisecond)
	if got := log.count(); got != 0 {
		t.Fatalf("breaches with zero limits = %d, want 0", got)
	}
}

func TestMonitorRollingCPU(t *testing.T) {
	limits := ResourceLimits{
		SampleInterval: 10 * time.Millisecond,
		BreachSamples:  3,
		Cooldown:       time.Minute,
	}
	samples := []Sample{
		{CPUPercent: 10},
		{CPUPercent: 20},
	}
	var log breachLog
	mon := startMonitor(t, limits, samples, &log)

	waitFor(t, 2*time.Second, "smoothed average to move", func() bool {
		avg := mon.RollingCPUAvg()
		return avg > 10 && avg <= 20
	})
	last, ok := mon.LastSample()
	if !ok || last.CPUPercent != 20 {
		t.Fatalf("last sample = %+v, ok=%v", last, ok)
	}
}

func TestMonitorStopIdempotent(t *testing.T) {
	limits := ResourceLimits{SampleInterval: 10 * time.Millisecond, BreachSamples: 1, Cooldown: time.Minute}
	var log breachLog
	mon := startMonitor(t, limits, []Sample{{}}, &log)
	mon.Stop()
	mon.Stop()

	fresh := NewMonitor("idle", limits, func(int) (ProcSampler, error) {
		return &scriptedSampler{samples: []Sample{{}}}, nil
	}, nil)
	fresh.Stop()
}
