package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/roseybot/roseycore/internal/journal"
	"github.com/roseybot/roseycore/internal/plugin"
)

type stubAdmin struct {
	mu       sync.Mutex
	infos    map[string]plugin.Info
	graceful map[string]bool
	fail     map[string]error
	calls    []string
}

func newStubAdmin(ids ...string) *stubAdmin {
	a := &stubAdmin{
		infos:    map[string]plugin.Info{},
		graceful: map[string]bool{},
		fail:     map[string]error{},
	}
	for _, id := range ids {
		a.infos[id] = plugin.Info{
			Status:  plugin.Status{ID: id, State: plugin.StateRunning},
			Version: "1.0.0",
		}
		a.graceful[id] = true
	}
	return a
}

func (a *stubAdmin) List() []plugin.Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]plugin.Info, 0, len(a.infos))
	for _, info := range a.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *stubAdmin) Get(id string) (plugin.Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.infos[id]
	if !ok {
		return plugin.Info{}, fmt.Errorf("%w: %s", plugin.ErrPluginUnknown, id)
	}
	return info, nil
}

func (a *stubAdmin) lifecycle(op, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, op+" "+id)
	if err, ok := a.fail[op+" "+id]; ok {
		return err
	}
	if _, ok := a.infos[id]; !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginUnknown, id)
	}
	return nil
}

func (a *stubAdmin) Start(_ context.Context, id string) error { return a.lifecycle("start", id) }

func (a *stubAdmin) Stop(_ context.Context, id string) (bool, error) {
	if err := a.lifecycle("stop", id); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.graceful[id], nil
}

func (a *stubAdmin) Restart(_ context.Context, id string) error { return a.lifecycle("restart", id) }

type stubEvents struct {
	mu     sync.Mutex
	limit  int
	events []journal.Event
	err    error
}

func (s *stubEvents) Recent(_ context.Context, limit int) ([]journal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = limit
	return s.events, s.err
}

func (s *stubEvents) lastLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func newTestServer(t *testing.T, cfg Config, deps Deps) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, deps)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.tapCancel)
	return s, ts
}

func doRequest(t *testing.T, method, url, token string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s %s response: %v", method, url, err)
	}
	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decoding %s %s response %q: %v", method, url, raw, err)
	}
	return resp.StatusCode, body
}

func TestHealthzSkipsAuth(t *testing.T) {
	_, ts := newTestServer(t, Config{Token: "secret"}, Deps{Plugins: newStubAdmin()})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	if status != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Fatal("healthz response missing uptime_seconds")
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	_, ts := newTestServer(t, Config{Token: "secret"}, Deps{Plugins: newStubAdmin("dice")})

	if status, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/plugins", ""); status != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", status)
	}
	if status, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/plugins", "wrong"); status != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", status)
	}
	if status, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/plugins", "secret"); status != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", status)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Deps{Plugins: newStubAdmin("dice")})

	if status, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/plugins", ""); status != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", status)
	}
}

func TestPluginListAndGet(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Deps{Plugins: newStubAdmin("dice", "weather")})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/v1/plugins", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d, want 200", status)
	}
	plugins, ok := body["plugins"].([]any)
	if !ok || len(plugins) != 2 {
		t.Fatalf("plugins = %v, want two entries", body["plugins"])
	}

	status, body = doRequest(t, http.MethodGet, ts.URL+"/v1/plugins/dice", "")
	if status != http.StatusOK {
		t.Fatalf("get status = %d, want 200", status)
	}
	if body["id"] != "dice" || body["state"] != string(plugin.StateRunning) {
		t.Fatalf("get body = %v", body)
	}

	status, body = doRequest(t, http.MethodGet, ts.URL+"/v1/plugins/ghost", "")
	if status != http.StatusNotFound {
		t.Fatalf("unknown plugin status = %d, want 404", status)
	}
	if body["error"] == "" {
		t.Fatalf("unknown plugin body = %v, want error message", body)
	}
}

func TestPluginLifecycleEndpoints(t *testing.T) {
	admin := newStubAdmin("dice")
	_, ts := newTestServer(t, Config{}, Deps{Plugins: admin})

	status, body := doRequest(t, http.MethodPost, ts.URL+"/v1/plugins/dice/start", "")
	if status != http.StatusOK {
		t.Fatalf("start status = %d, want 200", status)
	}
	if body["id"] != "dice" || body["state"] != string(plugin.StateRunning) {
		t.Fatalf("start body = %v", body)
	}

	status, body = doRequest(t, http.MethodPost, ts.URL+"/v1/plugins/dice/stop", "")
	if status != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", status)
	}
	if body["graceful"] != true {
		t.Fatalf("stop body = %v, want graceful true", body)
	}

	if status, _ = doRequest(t, http.MethodPost, ts.URL+"/v1/plugins/dice/restart", ""); status != http.StatusOK {
		t.Fatalf("restart status = %d, want 200", status)
	}

	admin.mu.Lock()
	calls := append([]string(nil), admin.calls...)
	admin.mu.Unlock()
	want := []string{"start dice", "stop dice", "restart dice"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestLifecycleErrorMapping(t *testing.T) {
	admin := newStubAdmin("dice")
	admin.fail["start dice"] = fmt.Errorf("supervisor: %w", plugin.ErrAlreadyRunning)
	admin.fail["stop dice"] = fmt.Errorf("supervisor: %w", plugin.ErrNotRunning)
	admin.fail["restart dice"] = fmt.Errorf("supervisor: %w", plugin.ErrCircuitOpen)
	_, ts := newTestServer(t, Config{}, Deps{Plugins: admin})

	cases := []struct {
		path string
		want int
	}{
		{"/v1/plugins/dice/start", http.StatusConflict},
		{"/v1/plugins/dice/stop", http.StatusConflict},
		{"/v1/plugins/dice/restart", http.StatusConflict},
		{"/v1/plugins/ghost/start", http.StatusNotFound},
	}
	for _, tc := range cases {
		if status, _ := doRequest(t, http.MethodPost, ts.URL+tc.path, ""); status != tc.want {
			t.Fatalf("POST %s status = %d, want %d", tc.path, status, tc.want)
		}
	}
}

func TestStatsReportsPluginCounts(t *testing.T) {
	admin := newStubAdmin("dice", "weather")
	admin.infos["weather"] = plugin.Info{Status: plugin.Status{ID: "weather", State: plugin.StateStopped}}
	_, ts := newTestServer(t, Config{}, Deps{Plugins: admin})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/v1/stats", "")
	if status != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", status)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Fatal("stats missing uptime_seconds")
	}
	counts, ok := body["plugins"].(map[string]any)
	if !ok {
		t.Fatalf("stats plugins = %v", body["plugins"])
	}
	if counts["total"] != float64(2) || counts["running"] != float64(1) || counts["stopped"] != float64(1) {
		t.Fatalf("plugin counts = %v", counts)
	}
}

func TestEventsRecent(t *testing.T) {
	events := &stubEvents{events: []journal.Event{
		{ID: 2, Subject: "rosey.events.command.unhandled", EventType: "command.unhandled", Data: json.RawMessage(`{}`)},
		{ID: 1, Subject: "rosey.plugins.dice.started", EventType: "started", Data: json.RawMessage(`{}`)},
	}}
	_, ts := newTestServer(t, Config{}, Deps{Plugins: newStubAdmin(), Events: events})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/v1/events/recent?limit=5", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if got := events.lastLimit(); got != 5 {
		t.Fatalf("limit passed through = %d, want 5", got)
	}
	list, ok := body["events"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("events = %v, want two entries", body["events"])
	}

	if status, _ := doRequest(t, http.MethodGet, ts.URL+"/v1/events/recent?limit=nope", ""); status != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", status)
	}
}

func TestEventsRecentWithoutJournal(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Deps{Plugins: newStubAdmin()})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/v1/events/recent", "")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if body["error"] != "journal disabled" {
		t.Fatalf("body = %v", body)
	}
}

func TestThrottleReturns429(t *testing.T) {
	_, ts := newTestServer(t, Config{RateRPS: 1, RateBurst: 1}, Deps{Plugins: newStubAdmin()})

	if status, _ := doRequest(t, http.MethodGet, ts.URL+"/healthz", ""); status != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", status)
	}
	status, body := doRequest(t, http.MethodGet, ts.URL+"/healthz", "")
	if status != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", status)
	}
	if body["error"] != "rate limit exceeded" {
		t.Fatalf("body = %v", body)
	}
}

func TestUnknownEndpointIs404(t *testing.T) {
	_, ts := newTestServer(t, Config{}, Deps{Plugins: newStubAdmin()})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/v1/nope", "")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if body["error"] != "no such endpoint" {
		t.Fatalf("body = %v", body)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RateRPS: 2.5}.withDefaults()
	if cfg.ReadTimeout != 10*time.Second || cfg.WriteTimeout != 10*time.Second {
		t.Fatalf("timeouts = %v/%v", cfg.ReadTimeout, cfg.WriteTimeout)
	}
	if cfg.RateBurst != 2 {
		t.Fatalf("RateBurst = %d, want 2", cfg.RateBurst)
	}
	if got := (Config{RateRPS: 0.5}).withDefaults().RateBurst; got != 1 {
		t.Fatalf("fractional RPS burst = %d, want 1", got)
	}
}
