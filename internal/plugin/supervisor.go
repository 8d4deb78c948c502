package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roseybot/roseycore/internal/bus"
)

const sourceSupervisor = "core.supervisor"

// Observer callbacks run on the supervisor's own goroutines and must not
// block.
type (
	StateChangeFunc func(id string, from, to State)
	StartedFunc     func(id string, pid int)
	StoppedFunc     func(id string, graceful bool)
	CrashedFunc     func(id string, exitCode int)
)

type exitResult struct {
	code int
	err  error
}

// Status is a point-in-time snapshot of a supervised plugin process.
type Status struct {
	ID        string     `json:"id"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Restarts  int        `json:"restarts"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// Supervisor owns the full process lifecycle of a single plugin: spawn,
// readiness handshake, crash detection, restart backoff with a circuit
// limit, resource monitoring, and graceful shutdown. All state transitions
// are validated against the lifecycle table and announced on the bus.
type Supervisor struct {
	id   string
	spec ExecSpec
	cfg  Config
	bus  bus.Bus
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	cmd         *exec.Cmd
	pid         int
	startedAt   time.Time
	lastExit    exitResult
	hasExit     bool
	stopReq     bool
	restarts    int
	lastRestart time.Time
	lastBreach  time.Time
	exitDone    chan struct{}
	runCancel   context.CancelFunc
	breaker     *restartBreaker
	monitor     *Monitor

	onState   []StateChangeFunc
	onStarted []StartedFunc
	onStopped []StoppedFunc
	onCrashed []CrashedFunc
}

// NewSupervisor builds a supervisor for a single plugin process. The
// supervisor starts in the unloaded state; the caller drives it through
// Start and Stop.
func NewSupervisor(id string, spec ExecSpec, cfg Config, b bus.Bus) *Supervisor {
	s := &Supervisor{
		id:    id,
		spec:  spec,
		cfg:   cfg.withDefaults(),
		bus:   b,
		state: StateUnloaded,
		log:   log.With().Str("plugin", id).Logger(),
	}
	s.monitor = NewMonitor(id, s.cfg.Resources, nil, s.handleBreach)
	return s
}

func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{ID: s.id, State: s.state, Restarts: s.restarts}
	if s.state.Live() {
		st.PID = s.pid
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if s.hasExit {
		code := s.lastExit.code
		st.ExitCode = &code
	}
	return st
}

// Monitor exposes the resource monitor, mainly for stats reporting.
func (s *Supervisor) Monitor() *Monitor { return s.monitor }

func (s *Supervisor) OnStateChange(fn StateChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *Supervisor) OnStarted(fn StartedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStarted = append(s.onStarted, fn)
}

func (s *Supervisor) OnStopped(fn StoppedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStopped = append(s.onStopped, fn)
}

func (s *Supervisor) OnCrashed(fn CrashedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCrashed = append(s.onCrashed, fn)
}

// markLoaded records that the plugin's definition has been registered
// without spawning a process.
func (s *Supervisor) markLoaded() error {
	return s.transition(StateLoaded)
}

// markUnloaded releases a plugin that is not running.
func (s *Supervisor) markUnloaded() error {
	return s.transition(StateUnloaded)
}

// Start spawns the plugin process and waits for its readiness announcement.
// The readiness subscription is established before the process is spawned so
// a fast child cannot race past it. A failed or timed-out start leaves the
// plugin in the failed state with the child terminated.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRunning:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.id)
	case StateStopping:
		s.mu.Unlock()
		return invalidTransition(s.id, StateStopping, StateStarting)
	}
	// A manual start resets crash bookkeeping and arms a fresh circuit.
	s.restarts = 0
	s.lastRestart = time.Time{}
	s.stopReq = false
	s.breaker = newRestartBreaker(s.id, s.cfg.Restart.MaxRestarts, s.cfg.Restart.Window)
	if s.runCancel != nil {
		s.runCancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.mu.Unlock()

	return s.spawn(ctx, runCtx)
}

// spawn performs a single spawn attempt including the readiness wait. It is
// shared by Start and the crash-restart path.
func (s *Supervisor) spawn(ctx context.Context, runCtx context.Context) error {
	if err := s.transition(StateStarting); err != nil {
		return err
	}

	readyC := make(chan struct{}, 1)
	var readyOnce sync.Once
	subID, err := s.bus.Subscribe(ctx, bus.PluginSubject(s.id, "ready"), func(context.Context, *bus.Envelope) error {
		readyOnce.Do(func() { readyC <- struct{}{} })
		return nil
	})
	if err != nil {
		s.failStartup()
		return fmt.Errorf("%w: readiness subscription: %v", ErrSpawnFailed, err)
	}
	defer func() {
		if uerr := s.bus.Unsubscribe(subID); uerr != nil {
			s.log.Debug().Err(uerr).Msg("readiness unsubscribe failed")
		}
	}()

	args := append([]string(nil), s.spec.Args...)
	args = append(args, "--plugin-id", s.id, "--bus-url", s.cfg.BusURL)
	cmd := exec.Command(s.spec.Command, args...)
	cmd.Dir = s.spec.WorkDir
	cmd.Env = append(os.Environ(), envList(s.spec.Env)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failStartup()
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.failStartup()
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		s.failStartup()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	exitDone := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.exitDone = exitDone
	s.hasExit = false
	pid := s.pid
	s.mu.Unlock()

	go s.pipeLines("stdout", stdout)
	go s.pipeLines("stderr", stderr)
	go s.waitChild(cmd, exitDone, runCtx)

	if err := s.monitor.Start(pid); err != nil {
		s.log.Warn().Err(err).Msg("resource monitor unavailable")
	}

	timer := time.NewTimer(s.cfg.ReadinessTimeout)
	defer timer.Stop()
	select {
	case <-readyC:
		if err := s.transition(StateRunning); err != nil {
			return err
		}
		s.publishEvent("started", "plugin.started", map[string]any{"pid": pid})
		s.fireStarted(pid)
		s.log.Info().Int("pid", pid).Msg("plugin running")
		return nil
	case <-exitDone:
		s.monitor.Stop()
		s.mu.Lock()
		code := s.lastExit.code
		s.pid = 0
		s.mu.Unlock()
		s.failStartup()
		return fmt.Errorf("%w: exited during startup with code %d", ErrSpawnFailed, code)
	case <-timer.C:
		s.terminateStartup(cmd, exitDone)
		s.failStartup()
		return fmt.Errorf("%w: %s not ready after %s", ErrReadinessTimeout, s.id, s.cfg.ReadinessTimeout)
	case <-ctx.Done():
		s.terminateStartup(cmd, exitDone)
		s.failStartup()
		return ctx.Err()
	}
}

func (s *Supervisor) failStartup() {
	if err := s.transition(StateFailed); err != nil {
		s.log.Error().Err(err).Msg("startup failure transition rejected")
	}
}

// terminateStartup tears down a child that never became ready: a polite
// shutdown request and SIGTERM first, a kill after the graceful window.
func (s *Supervisor) terminateStartup(cmd *exec.Cmd, exitDone chan struct{}) {
	s.mu.Lock()
	s.stopReq = true
	s.mu.Unlock()
	s.monitor.Stop()

	s.publishEvent("shutdown", "plugin.shutdown", map[string]any{"reason": "startup_timeout"})
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Debug().Err(err).Msg("sigterm failed")
		}
	}
	select {
	case <-exitDone:
	case <-time.After(s.cfg.GracefulTimeout):
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				s.log.Debug().Err(err).Msg("kill failed")
			}
		}
		<-exitDone
	}
	s.mu.Lock()
	s.pid = 0
	s.cmd = nil
	s.mu.Unlock()
}

// Stop shuts the plugin down: a shutdown envelope on the bus, SIGTERM, and a
// kill if the process outlives the graceful window. The returned bool
// reports whether the exit was graceful. Stopping a crashed plugin cancels
// any pending restart and settles it to stopped.
func (s *Supervisor) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case StateCrashed:
		s.stopReq = true
		if s.runCancel != nil {
			s.runCancel()
		}
		s.mu.Unlock()
		if err := s.transition(StateStopped); err != nil {
			return false, err
		}
		s.publishEvent("stopped", "plugin.stopped", map[string]any{"graceful": false})
		s.fireStopped(false)
		return false, nil
	case StateRunning:
	default:
		st := s.state
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s is %s", ErrNotRunning, s.id, st)
	}
	s.stopReq = true
	cmd := s.cmd
	exitDone := s.exitDone
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()

	if err := s.transition(StateStopping); err != nil {
		// The child may have crashed between the state check and here.
		if s.State() == StateCrashed {
			if terr := s.transition(StateStopped); terr != nil {
				return false, terr
			}
			s.publishEvent("stopped", "plugin.stopped", map[string]any{"graceful": false})
			s.fireStopped(false)
			return false, nil
		}
		return false, err
	}
	s.monitor.Pause()

	s.publishEvent("shutdown", "plugin.shutdown", map[string]any{"reason": "stop"})
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Debug().Err(err).Msg("sigterm failed")
		}
	}

	graceful := true
	timer := time.NewTimer(s.cfg.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-exitDone:
	case <-timer.C:
		graceful = false
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				s.log.Debug().Err(err).Msg("kill failed")
			}
		}
		s.publishEvent("error", "plugin.force_killed", map[string]any{
			"graceful_timeout": s.cfg.GracefulTimeout.String(),
		})
		s.log.Warn().Msg("plugin did not exit in time, killed")
		select {
		case <-exitDone:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}

	s.monitor.Stop()
	s.mu.Lock()
	code := s.lastExit.code
	s.pid = 0
	s.cmd = nil
	s.mu.Unlock()

	if err := s.transition(StateStopped); err != nil {
		return graceful, err
	}
	s.publishEvent("stopped", "plugin.stopped", map[string]any{"graceful": graceful, "exit_code": code})
	s.fireStopped(graceful)
	return graceful, nil
}

// Restart stops the plugin if it is running, then starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if s.State() == StateRunning {
		if _, err := s.Stop(ctx); err != nil {
			return err
		}
	}
	return s.Start(ctx)
}

// close releases background resources without touching process state. Used
// when the owning manager unloads the plugin.
func (s *Supervisor) close() {
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.mu.Unlock()
	s.monitor.Stop()
}

// waitChild reaps the process and, when the exit was not requested, drives
// the crash path.
func (s *Supervisor) waitChild(cmd *exec.Cmd, exitDone chan struct{}, runCtx context.Context) {
	err := cmd.Wait()
	code := exitCode(err, cmd)
	s.mu.Lock()
	s.lastExit = exitResult{code: code, err: err}
	s.hasExit = true
	s.mu.Unlock()
	close(exitDone)

	s.handleExit(runCtx, code)
}

// handleExit owns unsolicited exits. Requested exits (stop, startup
// teardown) are handled by the goroutine that requested them.
func (s *Supervisor) handleExit(runCtx context.Context, code int) {
	s.mu.Lock()
	if s.stopReq || s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.pid = 0
	s.cmd = nil
	s.mu.Unlock()

	s.monitor.Stop()
	if err := s.transition(StateCrashed); err != nil {
		s.log.Error().Err(err).Msg("crash transition rejected")
		return
	}
	s.log.Warn().Int("exit_code", code).Msg("plugin crashed")
	s.publishEvent("crashed", "plugin.crashed", map[string]any{"exit_code": code})
	s.fireCrashed(code)

	switch s.cfg.Restart.Policy {
	case RestartNever:
		if err := s.transition(StateFailed); err != nil {
			s.log.Error().Err(err).Msg("failed transition rejected")
		}
		return
	case RestartOnFailure:
		if code == 0 {
			if err := s.transition(StateStopped); err != nil {
				s.log.Error().Err(err).Msg("stopped transition rejected")
				return
			}
			s.publishEvent("stopped", "plugin.stopped", map[string]any{"graceful": true, "exit_code": 0})
			s.fireStopped(true)
			return
		}
	}
	s.attemptRestart(runCtx)
}

// attemptRestart runs the backoff-then-respawn sequence for one crash. The
// circuit is consulted first so a crash loop settles to failed instead of
// burning restarts forever.
func (s *Supervisor) attemptRestart(runCtx context.Context) {
	s.mu.Lock()
	breaker := s.breaker
	s.mu.Unlock()
	if breaker != nil && breaker.recordCrash() {
		s.mu.Lock()
		n := s.restarts
		s.mu.Unlock()
		if err := s.transition(StateFailed); err != nil {
			s.log.Error().Err(err).Msg("circuit-open transition rejected")
			return
		}
		s.log.Error().Err(ErrCircuitOpen).Int("restarts", n).Dur("window", s.cfg.Restart.Window).Msg("giving up on plugin")
		s.publishEvent("circuit_open", "plugin.circuit_open", map[string]any{
			"restarts": n,
			"window":   s.cfg.Restart.Window.String(),
		})
		return
	}

	s.mu.Lock()
	now := time.Now()
	if !s.lastRestart.IsZero() && now.Sub(s.lastRestart) > s.cfg.Restart.Window {
		s.restarts = 0
	}
	s.restarts++
	attempt := s.restarts
	s.lastRestart = now
	s.mu.Unlock()

	wait := s.cfg.Restart.backoffFor(attempt)
	s.log.Info().Int("attempt", attempt).Dur("backoff", wait).Msg("restarting plugin after crash")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-runCtx.Done():
		// Stop settled the state while we were waiting.
		return
	case <-timer.C:
	}

	if err := s.spawn(runCtx, runCtx); err != nil {
		s.log.Error().Err(err).Msg("restart failed")
	}
}

// handleBreach publishes every resource breach and recycles the plugin when
// breaches recur within the cooldown.
func (s *Supervisor) handleBreach(b Breach) {
	s.publishEvent("resource.exceeded", "plugin.resource.exceeded", map[string]any{
		"metric":   b.Metric,
		"observed": b.Observed,
		"limit":    b.Limit,
		"duration": b.Duration.String(),
	})

	s.mu.Lock()
	prev := s.lastBreach
	s.lastBreach = time.Now()
	cooldown := s.cfg.Resources.Cooldown
	s.mu.Unlock()

	if prev.IsZero() || time.Since(prev) > cooldown {
		return
	}
	s.log.Warn().Str("metric", b.Metric).Msg("repeated resource breaches, recycling plugin")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			s.cfg.GracefulTimeout+s.cfg.ReadinessTimeout+5*time.Second)
		defer cancel()
		if err := s.Restart(ctx); err != nil {
			s.log.Error().Err(err).Msg("resource recycle failed")
		}
	}()
}

// transition validates and applies a state change, then announces it on the
// bus and to observers. Callbacks run outside the lock.
func (s *Supervisor) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !from.CanTransition(to) {
		s.mu.Unlock()
		return invalidTransition(s.id, from, to)
	}
	s.state = to
	cbs := append([]StateChangeFunc(nil), s.onState...)
	s.mu.Unlock()

	s.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state change")
	env := bus.New(bus.EventSubject("plugin.state_change"), "plugin.state_change", sourceSupervisor, map[string]any{
		"plugin": s.id,
		"from":   string(from),
		"to":     string(to),
	})
	if err := s.bus.Publish(context.Background(), env); err != nil {
		s.log.Debug().Err(err).Msg("state change publish failed")
	}
	for _, fn := range cbs {
		fn(s.id, from, to)
	}
	return nil
}

func (s *Supervisor) publishEvent(event, eventType string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["plugin"] = s.id
	env := bus.New(bus.PluginSubject(s.id, event), eventType, sourceSupervisor, data)
	if err := s.bus.Publish(context.Background(), env); err != nil {
		s.log.Debug().Err(err).Str("event", event).Msg("event publish failed")
	}
}

func (s *Supervisor) fireStarted(pid int) {
	s.mu.Lock()
	cbs := append([]StartedFunc(nil), s.onStarted...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(s.id, pid)
	}
}

func (s *Supervisor) fireStopped(graceful bool) {
	s.mu.Lock()
	cbs := append([]StoppedFunc(nil), s.onStopped...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(s.id, graceful)
	}
}

func (s *Supervisor) fireCrashed(code int) {
	s.mu.Lock()
	cbs := append([]CrashedFunc(nil), s.onCrashed...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(s.id, code)
	}
}

// pipeLines forwards one output stream of the child into the log.
func (s *Supervisor) pipeLines(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if stream == "stderr" {
			s.log.Warn().Str("stream", stream).Msg(line)
		} else {
			s.log.Info().Str("stream", stream).Msg(line)
		}
	}
}

func exitCode(err error, cmd *exec.Cmd) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
