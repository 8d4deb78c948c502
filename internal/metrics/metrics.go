// Package metrics instruments the daemon with Prometheus collectors on a
// private registry. Wiring is pull-based where a component already counts
// for itself (router) and push-based everywhere else: bus hooks, supervisor
// observers, a rate-limit gate decorator, and a KV decorator.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/roseybot/roseycore/internal/bus"
	"github.com/roseybot/roseycore/internal/plugin"
	"github.com/roseybot/roseycore/internal/ratelimit"
	"github.com/roseybot/roseycore/internal/router"
)

// Metrics holds every collector the daemon exports.
type Metrics struct {
	registry *prometheus.Registry

	BusPublishes     *prometheus.CounterVec
	BusDeliveries    *prometheus.CounterVec
	BusHandlerErrors *prometheus.CounterVec

	PluginState    *prometheus.GaugeVec
	PluginRestarts *prometheus.CounterVec
	PluginCrashes  *prometheus.CounterVec
	PluginBreaches *prometheus.CounterVec

	LimitDenials *prometheus.CounterVec

	MemoryOps *prometheus.CounterVec
}

// New builds the registry and registers all collectors, including the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BusPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_bus_publishes_total",
				Help: "Envelopes published, by delivery mode",
			},
			[]string{"mode"},
		),
		BusDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_bus_deliveries_total",
				Help: "Envelopes delivered to handlers, by subject category",
			},
			[]string{"category"},
		),
		BusHandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_bus_handler_errors_total",
				Help: "Handler invocations that returned an error, by subject category",
			},
			[]string{"category"},
		),

		PluginState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rosey_plugin_state",
				Help: "Lifecycle state per plugin (0=unloaded 1=loaded 2=starting 3=running 4=stopping 5=stopped 6=crashed 7=failed)",
			},
			[]string{"plugin"},
		),
		PluginRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_plugin_restarts_total",
				Help: "Automatic restarts after a crash, per plugin",
			},
			[]string{"plugin"},
		),
		PluginCrashes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_plugin_crashes_total",
				Help: "Unexpected child exits, per plugin",
			},
			[]string{"plugin"},
		),
		PluginBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_plugin_resource_breaches_total",
				Help: "Resource limit breach episodes, per plugin and metric",
			},
			[]string{"plugin", "metric"},
		),

		LimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_ratelimit_denials_total",
				Help: "Commands denied by the rate limiter, by exhausted window",
			},
			[]string{"window"},
		),

		MemoryOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rosey_memory_ops_total",
				Help: "Key/value operations issued by the memory store, by op and result",
			},
			[]string{"op", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BusPublishes,
		m.BusDeliveries,
		m.BusHandlerErrors,
		m.PluginState,
		m.PluginRestarts,
		m.PluginCrashes,
		m.PluginBreaches,
		m.LimitDenials,
		m.MemoryOps,
	)
	return m
}

// Registry exposes the private registry for custom registration.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers every metric family, for JSON-shaped stats endpoints.
func (m *Metrics) Snapshot() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// BusHooks returns the instrumentation callbacks for a bus client.
func (m *Metrics) BusHooks() *bus.Hooks {
	return &bus.Hooks{
		OnPublish: func(subject string, durable bool) {
			mode := "core"
			if durable {
				mode = "durable"
			}
			m.BusPublishes.WithLabelValues(mode).Inc()
		},
		OnDeliver: func(subject string) {
			m.BusDeliveries.WithLabelValues(subjectCategory(subject)).Inc()
		},
		OnHandlerError: func(subject string, _ error) {
			m.BusHandlerErrors.WithLabelValues(subjectCategory(subject)).Inc()
		},
	}
}

// ObserveManager attaches lifecycle observers to every plugin the manager
// loads from now on.
func (m *Metrics) ObserveManager(mgr *plugin.Manager) {
	mgr.OnLoad(func(e *plugin.Entry) {
		m.observeSupervisor(e.Supervisor)
	})
}

func (m *Metrics) observeSupervisor(s *plugin.Supervisor) {
	id := s.ID()
	m.PluginState.WithLabelValues(id).Set(stateValue(s.State()))
	s.OnStateChange(func(id string, from, to plugin.State) {
		m.PluginState.WithLabelValues(id).Set(stateValue(to))
		// The crash-restart path re-enters starting from crashed; manual
		// starts come from loaded or stopped.
		if from == plugin.StateCrashed && to == plugin.StateStarting {
			m.PluginRestarts.WithLabelValues(id).Inc()
		}
	})
	s.OnCrashed(func(id string, _ int) {
		m.PluginCrashes.WithLabelValues(id).Inc()
	})
}

// ObserveRouter registers pull-through counters over the router's own
// counters.
func (m *Metrics) ObserveRouter(r *router.Router) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rosey_router_dispatches_total",
			Help: "Commands dispatched to a destination subject",
		}, func() float64 { return float64(r.Stats().Dispatched) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rosey_router_unhandled_total",
			Help: "Commands that matched no rule and no command prefix",
		}, func() float64 { return float64(r.Stats().Unhandled) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "rosey_router_errors_total",
			Help: "Routing failures: bad expansions, publish errors, panics",
		}, func() float64 { return float64(r.Stats().Errors) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rosey_router_rules",
			Help: "Rules currently installed",
		}, func() float64 { return float64(r.Stats().Rules) }),
	)
}

// Gate decorates a rate-limit gate, counting denials by window.
func (m *Metrics) Gate(g router.Gate) router.Gate {
	return gateFunc(func(name string, tokens int64) ratelimit.Decision {
		d := g.Allow(name, tokens)
		if !d.Allowed {
			m.LimitDenials.WithLabelValues(d.Window).Inc()
		}
		return d
	})
}

type gateFunc func(name string, tokens int64) ratelimit.Decision

func (f gateFunc) Allow(name string, tokens int64) ratelimit.Decision {
	return f(name, tokens)
}

// WatchBreaches counts resource breach events off the bus. The monitor
// publishes them per plugin; subscribing beats threading another callback
// through the supervisor.
func (m *Metrics) WatchBreaches(ctx context.Context, b bus.Bus) error {
	_, err := b.Subscribe(ctx, bus.PluginSubject(bus.TokenAny, "resource.exceeded"),
		func(_ context.Context, env *bus.Envelope) error {
			sub, perr := bus.Parse(env.Subject)
			if perr != nil {
				return nil
			}
			metric, _ := env.Data["metric"].(string)
			if metric == "" {
				metric = "unknown"
			}
			m.PluginBreaches.WithLabelValues(sub.Plugin, metric).Inc()
			return nil
		})
	return err
}

func stateValue(s plugin.State) float64 {
	switch s {
	case plugin.StateUnloaded:
		return 0
	case plugin.StateLoaded:
		return 1
	case plugin.StateStarting:
		return 2
	case plugin.StateRunning:
		return 3
	case plugin.StateStopping:
		return 4
	case plugin.StateStopped:
		return 5
	case plugin.StateCrashed:
		return 6
	case plugin.StateFailed:
		return 7
	}
	return -1
}

// subjectCategory keeps delivery labels bounded: one label per top-level
// subject category, never per subject.
func subjectCategory(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 2 {
		return "unknown"
	}
	return parts[1]
}
