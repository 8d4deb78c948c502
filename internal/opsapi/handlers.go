package opsapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	dto "github.com/prometheus/client_model/go"

	"github.com/roseybot/roseycore/internal/plugin"
	"github.com/roseybot/roseycore/internal/ratelimit"
	"github.com/roseybot/roseycore/internal/router"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handlePluginList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plugins": s.deps.Plugins.List()})
}

func (s *Server) handlePluginGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, err := s.deps.Plugins.Get(id)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePluginStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Plugins.Start(r.Context(), id); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writePluginState(w, id, nil)
}

func (s *Server) handlePluginStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	graceful, err := s.deps.Plugins.Stop(r.Context(), id)
	if err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writePluginState(w, id, &graceful)
}

func (s *Server) handlePluginRestart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Plugins.Restart(r.Context(), id); err != nil {
		s.writeLifecycleError(w, err)
		return
	}
	s.writePluginState(w, id, nil)
}

func (s *Server) writePluginState(w http.ResponseWriter, id string, graceful *bool) {
	resp := map[string]any{"id": id}
	if info, err := s.deps.Plugins.Get(id); err == nil {
		resp["state"] = info.State
	}
	if graceful != nil {
		resp["graceful"] = *graceful
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeLifecycleError maps plugin errors onto HTTP statuses: unknown ids are
// 404, lifecycle refusals are 409, everything else is a 500.
func (s *Server) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plugin.ErrPluginUnknown):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, plugin.ErrInvalidTransition),
		errors.Is(err, plugin.ErrAlreadyRunning),
		errors.Is(err, plugin.ErrNotRunning),
		errors.Is(err, plugin.ErrPluginBusy),
		errors.Is(err, plugin.ErrCircuitOpen):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type statsResponse struct {
	UptimeSeconds float64            `json:"uptime_seconds"`
	Router        router.Stats       `json:"router"`
	RateLimit     ratelimit.Stats    `json:"ratelimit"`
	Plugins       map[string]int     `json:"plugins"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		UptimeSeconds: time.Since(s.started).Seconds(),
		Plugins:       map[string]int{},
	}
	if s.deps.Router != nil {
		resp.Router = s.deps.Router.Stats()
	}
	if s.deps.Limiter != nil {
		resp.RateLimit = s.deps.Limiter.GlobalStats()
	}
	if s.deps.Plugins != nil {
		for _, info := range s.deps.Plugins.List() {
			resp.Plugins["total"]++
			resp.Plugins[string(info.State)]++
		}
	}
	if s.deps.Metrics != nil {
		families, err := s.deps.Metrics.Snapshot()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "metrics gather failed")
			return
		}
		resp.Metrics = flattenFamilies(families)
	}
	writeJSON(w, http.StatusOK, resp)
}

// flattenFamilies sums counters and gauges across their label sets; the full
// labeled form stays on /metrics.
func flattenFamilies(families []*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64, len(families))
	for _, f := range families {
		switch f.GetType() {
		case dto.MetricType_COUNTER:
			for _, m := range f.GetMetric() {
				out[f.GetName()] += m.GetCounter().GetValue()
			}
		case dto.MetricType_GAUGE:
			for _, m := range f.GetMetric() {
				out[f.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func (s *Server) handleEventsRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	events, err := s.deps.Events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
