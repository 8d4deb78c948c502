// Package opsapi is the daemon's local HTTP surface: health, metrics,
// plugin lifecycle control, stats, the journal tail, and a websocket tap on
// the bus. It is an operator tool, not a public API: bind it to loopback
// and give it a token.
package opsapi

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/roseybot/roseycore/internal/bus"
	"github.com/roseybot/roseycore/internal/journal"
	"github.com/roseybot/roseycore/internal/metrics"
	"github.com/roseybot/roseycore/internal/plugin"
	"github.com/roseybot/roseycore/internal/ratelimit"
	"github.com/roseybot/roseycore/internal/router"
)

// Config sizes the server. An empty Token disables auth; RateRPS <= 0
// disables throttling.
type Config struct {
	Addr         string
	Token        string
	RateRPS      float64
	RateBurst    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 10 * time.Second
	}
	if out.WriteTimeout == 0 {
		// The websocket tap hijacks its connection, so a write timeout here
		// only bounds the JSON endpoints.
		out.WriteTimeout = 10 * time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 60 * time.Second
	}
	if out.RateRPS > 0 && out.RateBurst <= 0 {
		out.RateBurst = int(out.RateRPS)
		if out.RateBurst < 1 {
			out.RateBurst = 1
		}
	}
	return out
}

// PluginAdmin is the slice of the plugin manager the handlers use.
type PluginAdmin interface {
	List() []plugin.Info
	Get(id string) (plugin.Info, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) (bool, error)
	Restart(ctx context.Context, id string) error
}

// EventSource serves the journal tail. Nil when the journal is disabled.
type EventSource interface {
	Recent(ctx context.Context, limit int) ([]journal.Event, error)
}

// Deps collects the daemon components the API exposes.
type Deps struct {
	Bus     bus.Bus
	Plugins PluginAdmin
	Router  *router.Router
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Events  EventSource
}

// Server is the ops HTTP server.
type Server struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	http *http.Server

	tapCtx    context.Context
	tapCancel context.CancelFunc

	rateMu sync.Mutex
	rates  map[string]*rate.Limiter

	started time.Time
}

func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	tapCtx, tapCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		log:       log.With().Str("component", "opsapi").Logger(),
		rates:     map[string]*rate.Limiter{},
		tapCtx:    tapCtx,
		tapCancel: tapCancel,
		started:   time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.throttleMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/plugins", s.handlePluginList).Methods(http.MethodGet)
	v1.HandleFunc("/plugins/{id}", s.handlePluginGet).Methods(http.MethodGet)
	v1.HandleFunc("/plugins/{id}/start", s.handlePluginStart).Methods(http.MethodPost)
	v1.HandleFunc("/plugins/{id}/stop", s.handlePluginStop).Methods(http.MethodPost)
	v1.HandleFunc("/plugins/{id}/restart", s.handlePluginRestart).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/events/recent", s.handleEventsRecent).Methods(http.MethodGet)
	v1.HandleFunc("/events/ws", s.handleEventsWS).Methods(http.MethodGet)

	r.NotFoundHandler = s.withCommonMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	}))

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routed handler, primarily for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until Shutdown. A closed-server error is not an error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Bool("auth", s.cfg.Token != "").Msg("ops api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the JSON endpoints gracefully and tears down websocket
// taps, which graceful shutdown cannot wait for.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.tapCancel()
	return err
}

// withCommonMiddleware applies the mux.Use chain by hand, for handlers that
// sit outside the router (the 404 handler).
func (s *Server) withCommonMiddleware(h http.Handler) http.Handler {
	return s.loggingMiddleware(s.throttleMiddleware(s.authMiddleware(h)))
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade still works under the
// logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("opsapi: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// throttleMiddleware applies a per-remote-host token bucket.
func (s *Server) throttleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RateRPS > 0 && !s.limiterFor(remoteHost(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(host string) *rate.Limiter {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	l, ok := s.rates[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateRPS), s.cfg.RateBurst)
		s.rates[host] = l
	}
	return l
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authMiddleware enforces the bearer token everywhere except the health
// probe. Comparison is constant-time over digests so token length leaks
// nothing.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		want := sha256.Sum256([]byte(s.cfg.Token))
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("ops response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
