// Package sched publishes configured envelopes on cron schedules: heartbeat
// events, digest triggers, nightly maintenance commands for plugins. Jobs
// are plain publishes; whatever subscribes to the subject does the work.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roseybot/roseycore/internal/bus"
)

const (
	sourceScheduler = "core.scheduler"

	// publishTimeout bounds one firing so a wedged bus cannot pile up cron
	// goroutines.
	publishTimeout = 5 * time.Second
)

// Job publishes one envelope per firing. Spec is standard 5-field cron.
type Job struct {
	Name      string
	Spec      string
	Subject   string
	EventType string
	Data      map[string]any
}

func (j Job) label() string {
	if j.Name != "" {
		return j.Name
	}
	return j.Subject
}

// Scheduler owns the cron runner and the bus it publishes on.
type Scheduler struct {
	bus  bus.Bus
	cron *cron.Cron
	log  zerolog.Logger
}

func New(b bus.Bus) *Scheduler {
	return &Scheduler{
		bus:  b,
		cron: cron.New(),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Add validates and registers a job. The subject must be concrete: cron
// firings are publishes, and publishes never carry wildcards.
func (s *Scheduler) Add(job Job) error {
	if _, err := bus.Parse(job.Subject); err != nil {
		return fmt.Errorf("sched: job %s: %w", job.label(), err)
	}
	if job.EventType == "" {
		return fmt.Errorf("sched: job %s: event type is required", job.label())
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) }); err != nil {
		return fmt.Errorf("sched: job %s: cron %q: %v", job.label(), job.Spec, err)
	}
	s.log.Info().Str("job", job.label()).Str("cron", job.Spec).Str("subject", job.Subject).Msg("schedule registered")
	return nil
}

// Jobs reports how many schedules are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start launches the cron runner.
func (s *Scheduler) Start() {
	s.cron.Start()
	if n := s.Jobs(); n > 0 {
		s.log.Info().Int("jobs", n).Msg("scheduler started")
	}
}

// Stop halts new firings and waits for in-flight ones, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fire publishes one fresh envelope: new correlation id, new timestamp, a
// copy of the configured data so handlers cannot mutate the template.
func (s *Scheduler) fire(job Job) {
	data := make(map[string]any, len(job.Data))
	for k, v := range job.Data {
		data[k] = v
	}
	env := bus.New(job.Subject, job.EventType, sourceScheduler, data)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.Error().Err(err).Str("job", job.label()).Msg("scheduled publish failed")
		return
	}
	s.log.Debug().Str("job", job.label()).Str("subject", job.Subject).Msg("scheduled envelope published")
}
