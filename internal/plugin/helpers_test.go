package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roseybot/roseycore/internal/bus"
)

func newMemBus(t *testing.T) bus.Bus {
	t.Helper()
	b, err := bus.Dial(bus.Config{URL: "mem://"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() {
		if b.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			b.Disconnect(ctx)
		}
	})
	return b
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// eventCollector records every envelope under the root subject so tests can
// assert on lifecycle events.
type eventCollector struct {
	mu   sync.Mutex
	envs []*bus.Envelope
}

func collectEvents(t *testing.T, b bus.Bus) *eventCollector {
	t.Helper()
	c := &eventCollector{}
	_, err := b.Subscribe(context.Background(), "rosey.>", func(_ context.Context, env *bus.Envelope) error {
		c.mu.Lock()
		c.envs = append(c.envs, env)
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return c
}

func (c *eventCollector) byType(eventType string) []*bus.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*bus.Envelope
	for _, e := range c.envs {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (c *eventCollector) countType(eventType string) int {
	return len(c.byType(eventType))
}

// spamReady announces readiness for the plugin id every few milliseconds
// until the returned stop func is called, standing in for a child that
// publishes its own ready event over the bus.
func spamReady(b bus.Bus, id string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				env := bus.New(bus.PluginSubject(id, "ready"), "plugin.ready", id, map[string]any{})
				b.Publish(context.Background(), env)
			}
		}
	}()
	return cancel
}

// testConfig keeps lifecycle timeouts short and the resource monitor idle.
func testConfig() Config {
	return Config{
		BusURL:           "mem://",
		ReadinessTimeout: 2 * time.Second,
		GracefulTimeout:  2 * time.Second,
		Restart: RestartConfig{
			Policy:         RestartNever,
			MaxRestarts:    3,
			Window:         10 * time.Second,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
			Multiplier:     2.0,
		},
		Resources: ResourceLimits{
			SampleInterval: time.Minute,
			BreachSamples:  3,
			Cooldown:       5 * time.Minute,
		},
	}
}

func shellSpec(script string) ExecSpec {
	return ExecSpec{Command: "/bin/sh", Args: []string{"-c", script}}
}
