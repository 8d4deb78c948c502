package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartStopGraceful(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "echoer")
	defer stop()

	var startedPID atomic.Int64
	var stoppedGraceful atomic.Bool
	sup := NewSupervisor("echoer", shellSpec("exec sleep 60"), testConfig(), b)
	sup.OnStarted(func(_ string, pid int) { startedPID.Store(int64(pid)) })
	sup.OnStopped(func(_ string, graceful bool) { stoppedGraceful.Store(graceful) })

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := sup.State(); got != StateRunning {
		t.Fatalf("state = %s, want %s", got, StateRunning)
	}
	st := sup.Status()
	if st.PID <= 0 {
		t.Fatalf("expected live pid, got %d", st.PID)
	}
	if int(startedPID.Load()) != st.PID {
		t.Fatalf("OnStarted pid = %d, status pid = %d", startedPID.Load(), st.PID)
	}
	waitFor(t, 2*time.Second, "started event", func() bool {
		return events.countType("plugin.started") == 1
	})

	if err := sup.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	graceful, err := sup.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !graceful {
		t.Fatal("expected graceful stop")
	}
	if got := sup.State(); got != StateStopped {
		t.Fatalf("state = %s, want %s", got, StateStopped)
	}
	if !stoppedGraceful.Load() {
		t.Fatal("OnStopped reported non-graceful")
	}
	waitFor(t, 2*time.Second, "stopped event", func() bool {
		return events.countType("plugin.stopped") == 1
	})
	if events.countType("plugin.crashed") != 0 {
		t.Fatal("graceful stop must not report a crash")
	}
	if sup.Status().PID != 0 {
		t.Fatal("pid must clear after stop")
	}
}

func TestStopNotRunning(t *testing.T) {
	b := newMemBus(t)
	sup := NewSupervisor("idle", shellSpec("exec sleep 60"), testConfig(), b)
	if _, err := sup.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop error = %v, want ErrNotRunning", err)
	}
}

func TestReadinessTimeoutFailsAndKillsChild(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)

	cfg := testConfig()
	cfg.ReadinessTimeout = 200 * time.Millisecond
	cfg.GracefulTimeout = 200 * time.Millisecond
	sup := NewSupervisor("mute", shellSpec("exec sleep 60"), cfg, b)

	begin := time.Now()
	err := sup.Start(context.Background())
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("Start error = %v, want ErrReadinessTimeout", err)
	}
	if elapsed := time.Since(begin); elapsed < 200*time.Millisecond {
		t.Fatalf("Start returned after %s, before the readiness window", elapsed)
	}
	if got := sup.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	st := sup.Status()
	if st.PID != 0 {
		t.Fatalf("pid = %d, want 0 after teardown", st.PID)
	}
	if st.ExitCode == nil {
		t.Fatal("child was not reaped")
	}
	if events.countType("plugin.started") != 0 {
		t.Fatal("no started event may fire without readiness")
	}
}

func TestSpawnFailure(t *testing.T) {
	b := newMemBus(t)
	sup := NewSupervisor("ghost", ExecSpec{Command: "/nonexistent/plugin-binary"}, testConfig(), b)
	err := sup.Start(context.Background())
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Start error = %v, want ErrSpawnFailed", err)
	}
	if got := sup.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
}

func TestCrashAlwaysRestartsUntilCircuitOpens(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "flappy")
	defer stop()

	cfg := testConfig()
	cfg.Restart.Policy = RestartAlways
	cfg.Restart.MaxRestarts = 3
	cfg.Restart.Window = 10 * time.Second
	sup := NewSupervisor("flappy", shellSpec("sleep 0.15; exit 7"), cfg, b)

	var crashes atomic.Int64
	sup.OnCrashed(func(_ string, code int) {
		if code != 7 {
			t.Errorf("crash exit code = %d, want 7", code)
		}
		crashes.Add(1)
	})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 10*time.Second, "circuit to open", func() bool {
		return sup.State() == StateFailed
	})
	// Initial run plus three restarts, all crashing.
	if got := crashes.Load(); got != 4 {
		t.Fatalf("crashes = %d, want 4", got)
	}
	if got := events.countType("plugin.circuit_open"); got != 1 {
		t.Fatalf("circuit_open events = %d, want 1", got)
	}
	if got := events.countType("plugin.started"); got != 4 {
		t.Fatalf("started events = %d, want 4", got)
	}
	if got := sup.Status().Restarts; got != 3 {
		t.Fatalf("restart count = %d, want 3", got)
	}
}

func TestOnFailureCleanExitSettlesStopped(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "oneshot")
	defer stop()

	cfg := testConfig()
	cfg.Restart.Policy = RestartOnFailure
	sup := NewSupervisor("oneshot", shellSpec("sleep 0.1; exit 0"), cfg, b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, "clean exit to settle", func() bool {
		return sup.State() == StateStopped
	})
	if got := events.countType("plugin.started"); got != 1 {
		t.Fatalf("started events = %d, want 1 (no restart on clean exit)", got)
	}
	waitFor(t, 2*time.Second, "stopped event", func() bool {
		return events.countType("plugin.stopped") == 1
	})
	stopped := events.byType("plugin.stopped")
	if got := stopped[0].Data["graceful"]; got != true {
		t.Fatalf("stopped graceful = %v, want true", got)
	}
}

func TestOnFailureNonZeroExitRestarts(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "retry")
	defer stop()

	cfg := testConfig()
	cfg.Restart.Policy = RestartOnFailure
	cfg.Restart.MaxRestarts = 1
	sup := NewSupervisor("retry", shellSpec("sleep 0.1; exit 1"), cfg, b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 10*time.Second, "restart budget to exhaust", func() bool {
		return sup.State() == StateFailed
	})
	// Initial run plus the single allowed restart.
	if got := events.countType("plugin.started"); got != 2 {
		t.Fatalf("started events = %d, want 2", got)
	}
}

func TestNeverPolicyFailsOnCrash(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "fragile")
	defer stop()

	cfg := testConfig()
	cfg.Restart.Policy = RestartNever
	sup := NewSupervisor("fragile", shellSpec("sleep 0.1; exit 3"), cfg, b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, "crash to fail", func() bool {
		return sup.State() == StateFailed
	})
	if got := events.countType("plugin.started"); got != 1 {
		t.Fatalf("started events = %d, want 1", got)
	}
	if got := events.countType("plugin.crashed"); got != 1 {
		t.Fatalf("crashed events = %d, want 1", got)
	}
	st := sup.Status()
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Fatalf("exit code = %v, want 3", st.ExitCode)
	}
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "pending")
	defer stop()

	cfg := testConfig()
	cfg.Restart.Policy = RestartAlways
	cfg.Restart.InitialBackoff = 5 * time.Second
	cfg.Restart.MaxBackoff = 5 * time.Second
	sup := NewSupervisor("pending", shellSpec("sleep 0.1; exit 1"), cfg, b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 5*time.Second, "crash", func() bool {
		return sup.State() == StateCrashed
	})

	graceful, err := sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if graceful {
		t.Fatal("stop after crash cannot be graceful")
	}
	if got := sup.State(); got != StateStopped {
		t.Fatalf("state = %s, want %s", got, StateStopped)
	}
	// Give a would-be restart room to betray itself.
	time.Sleep(300 * time.Millisecond)
	if got := events.countType("plugin.started"); got != 1 {
		t.Fatalf("started events = %d, want 1 (restart must be cancelled)", got)
	}
	if got := sup.State(); got != StateStopped {
		t.Fatalf("state drifted to %s after stop", got)
	}
}

func TestStopForceKillsStubbornChild(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "stubborn")
	defer stop()

	cfg := testConfig()
	cfg.GracefulTimeout = 300 * time.Millisecond
	sup := NewSupervisor("stubborn", shellSpec(`trap "" TERM; while :; do sleep 0.05; done`), cfg, b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	graceful, err := sup.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if graceful {
		t.Fatal("TERM-immune child cannot stop gracefully")
	}
	if got := sup.State(); got != StateStopped {
		t.Fatalf("state = %s, want %s", got, StateStopped)
	}
	killed := events.byType("plugin.force_killed")
	if len(killed) != 1 {
		t.Fatalf("force_killed events = %d, want 1", len(killed))
	}
	if got := killed[0].Subject; got != "rosey.plugins.stubborn.error" {
		t.Fatalf("force_killed subject = %q", got)
	}
}

func TestRestartCycle(t *testing.T) {
	b := newMemBus(t)
	stop := spamReady(b, "cycle")
	defer stop()

	sup := NewSupervisor("cycle", shellSpec("exec sleep 60"), testConfig(), b)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	firstPID := sup.Status().PID

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Restart(ctx); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if got := sup.State(); got != StateRunning {
		t.Fatalf("state = %s, want %s", got, StateRunning)
	}
	if pid := sup.Status().PID; pid == 0 || pid == firstPID {
		t.Fatalf("restart kept pid %d (was %d)", pid, firstPID)
	}
	if _, err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestManualStartAfterFailedResetsCircuit(t *testing.T) {
	b := newMemBus(t)
	stop := spamReady(b, "phoenix")
	defer stop()

	cfg := testConfig()
	cfg.Restart.Policy = RestartAlways
	cfg.Restart.MaxRestarts = 1
	sup := NewSupervisor("phoenix", shellSpec("sleep 0.3; exit 1"), cfg, b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, 10*time.Second, "circuit to open", func() bool {
		return sup.State() == StateFailed
	})

	// Operator intervention clears the slate.
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if got := sup.State(); got != StateRunning {
		t.Fatalf("state = %s, want %s", got, StateRunning)
	}
	if got := sup.Status().Restarts; got != 0 {
		t.Fatalf("restart count = %d, want 0 after manual start", got)
	}
	waitFor(t, 10*time.Second, "second circuit trip", func() bool {
		return sup.State() == StateFailed
	})
}

func TestStateChangeObserversAndEvents(t *testing.T) {
	b := newMemBus(t)
	events := collectEvents(t, b)
	stop := spamReady(b, "watched")
	defer stop()

	type hop struct{ from, to State }
	var mu sync.Mutex
	var hops []hop
	sup := NewSupervisor("watched", shellSpec("exec sleep 60"), testConfig(), b)
	sup.OnStateChange(func(_ string, from, to State) {
		mu.Lock()
		hops = append(hops, hop{from, to})
		mu.Unlock()
	})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	got := append([]hop(nil), hops...)
	mu.Unlock()
	want := []hop{
		{StateUnloaded, StateStarting},
		{StateStarting, StateRunning},
		{StateRunning, StateStopping},
		{StateStopping, StateStopped},
	}
	if len(got) != len(want) {
		t.Fatalf("observed %d transitions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}

	waitFor(t, 2*time.Second, "state change events", func() bool {
		return events.countType("plugin.state_change") >= 4
	})
	for _, e := range events.byType("plugin.state_change") {
		if e.Subject != "rosey.events.plugin.state_change" {
			t.Fatalf("state change on %q", e.Subject)
		}
		if e.Data["plugin"] != "watched" {
			t.Fatalf("state change data = %#v", e.Data)
		}
	}
}
