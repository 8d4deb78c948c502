package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/roseybot/roseycore/internal/bus"
	"github.com/roseybot/roseycore/internal/memory"
	"github.com/roseybot/roseycore/internal/ratelimit"
	"github.com/roseybot/roseycore/internal/router"
)

func TestBusHooksCount(t *testing.T) {
	m := New()
	h := m.BusHooks()

	h.OnPublish("rosey.platform.discord.message", false)
	h.OnPublish("rosey.platform.discord.message", false)
	h.OnPublish("rosey.events.audit.log", true)
	h.OnDeliver("rosey.commands.dice.roll")
	h.OnHandlerError("rosey.commands.dice.roll", context.Canceled)

	if got := testutil.ToFloat64(m.BusPublishes.WithLabelValues("core")); got != 2 {
		t.Fatalf("core publishes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BusPublishes.WithLabelValues("durable")); got != 1 {
		t.Fatalf("durable publishes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BusDeliveries.WithLabelValues("commands")); got != 1 {
		t.Fatalf("command deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BusHandlerErrors.WithLabelValues("commands")); got != 1 {
		t.Fatalf("handler errors = %v, want 1", got)
	}
}

func TestGateCountsDenialsByWindow(t *testing.T) {
	m := New()
	limiter := ratelimit.New(ratelimit.Limits{RequestsPerMinute: 1})
	gate := m.Gate(limiter)

	if d := gate.Allow("discord:alice", 0); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	if d := gate.Allow("discord:alice", 0); d.Allowed {
		t.Fatalf("second request allowed past the limit")
	}

	if got := testutil.ToFloat64(m.LimitDenials.WithLabelValues("minute")); got != 1 {
		t.Fatalf("minute denials = %v, want 1", got)
	}
}

func TestObserveRouterRegisters(t *testing.T) {
	m := New()
	m.ObserveRouter(router.New(nil, nil))

	families, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	want := map[string]bool{
		"rosey_router_dispatches_total": false,
		"rosey_router_unhandled_total":  false,
		"rosey_router_errors_total":     false,
		"rosey_router_rules":            false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("family %s missing from snapshot", name)
		}
	}
}

func TestWatchBreaches(t *testing.T) {
	m := New()
	b, err := bus.Dial(bus.Config{URL: "mem://"})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer b.Disconnect(context.Background())

	if err := m.WatchBreaches(context.Background(), b); err != nil {
		t.Fatalf("WatchBreaches failed: %v", err)
	}

	env := bus.New(bus.PluginSubject("dice", "resource.exceeded"), "plugin.resource.exceeded", "core.supervisor", map[string]any{
		"metric":   "rss_mb",
		"observed": 512.0,
		"limit":    256.0,
	})
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.PluginBreaches.WithLabelValues("dice", "rss_mb")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("breach never counted")
}

// fakeKV is a map-backed backend for decorator tests.
type fakeKV struct {
	data map[string][]byte
}

func (f *fakeKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := f.data[key]
	if !ok {
		return nil, memory.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) error {
	f.data[key] = value
	return nil
}

func (f *fakeKV) Delete(_ context.Context, key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeKV) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeKV) Close() error { return nil }

type fakeRevKV struct {
	fakeKV
}

func (f *fakeRevKV) GetRev(ctx context.Context, key string) ([]byte, uint64, error) {
	v, err := f.Get(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return v, 1, nil
}

func (f *fakeRevKV) PutRev(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	if _, ok := f.data[key]; ok && rev == 0 {
		return 0, memory.ErrConflict
	}
	f.data[key] = value
	return rev + 1, nil
}

func TestKVDecoratorCounts(t *testing.T) {
	m := New()
	kv := m.KV(&fakeKV{data: map[string][]byte{}})

	ctx := context.Background()
	if _, err := kv.Get(ctx, "absent"); err == nil {
		t.Fatalf("Get of absent key succeeded")
	}
	if err := kv.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got := testutil.ToFloat64(m.MemoryOps.WithLabelValues("get", "miss")); got != 1 {
		t.Fatalf("get misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MemoryOps.WithLabelValues("get", "ok")); got != 1 {
		t.Fatalf("get ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MemoryOps.WithLabelValues("put", "ok")); got != 1 {
		t.Fatalf("put ok = %v, want 1", got)
	}
}

func TestKVDecoratorKeepsRevisions(t *testing.T) {
	m := New()
	wrapped := m.KV(&fakeRevKV{fakeKV{data: map[string][]byte{"k": []byte("v")}}})

	rev, ok := wrapped.(memory.RevKV)
	if !ok {
		t.Fatalf("decorated RevKV lost its revision interface")
	}
	if _, err := rev.PutRev(context.Background(), "k", []byte("v2"), 0); err == nil {
		t.Fatalf("PutRev create over existing key succeeded")
	}
	if got := testutil.ToFloat64(m.MemoryOps.WithLabelValues("put", "conflict")); got != 1 {
		t.Fatalf("put conflicts = %v, want 1", got)
	}
}

func TestSubjectCategory(t *testing.T) {
	cases := map[string]string{
		"rosey.platform.discord.message": "platform",
		"rosey.commands.dice.roll":       "commands",
		"rosey":                          "unknown",
	}
	for subject, want := range cases {
		if got := subjectCategory(subject); got != want {
			t.Errorf("subjectCategory(%q) = %q, want %q", subject, got, want)
		}
	}
}
