package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/roseybot/roseycore/internal/bus"
	"github.com/roseybot/roseycore/internal/config"
	"github.com/roseybot/roseycore/internal/journal"
	"github.com/roseybot/roseycore/internal/memory"
	"github.com/roseybot/roseycore/internal/metrics"
	"github.com/roseybot/roseycore/internal/opsapi"
	"github.com/roseybot/roseycore/internal/plugin"
	"github.com/roseybot/roseycore/internal/ratelimit"
	"github.com/roseybot/roseycore/internal/router"
	"github.com/roseybot/roseycore/internal/sched"
)

const (
	sourceDaemon = "core.daemon"

	// thresholdWarnRatio is the window usage fraction that triggers a
	// rate-limit warning event.
	thresholdWarnRatio = 0.8
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		log.Info().Msg("no config file given, using built-in defaults")
	}

	// Flags win over the config file for logging.
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-format") {
		setupLogging(cfg.Logging.Level, cfg.Logging.Format)
	}

	log.Info().Str("version", version).Str("bus", cfg.Bus.URL).Msg("roseycore starting")

	prom := metrics.New()

	b, err := bus.Dial(cfg.Bus.ToBus())
	if err != nil {
		return fmt.Errorf("bus setup: %w", err)
	}
	if hs, ok := b.(bus.HookSetter); ok {
		hs.SetHooks(prom.BusHooks())
	}
	b.OnConnect(func() { log.Info().Msg("bus connected") })
	b.OnDisconnect(func(err error) { log.Warn().Err(err).Msg("bus disconnected") })
	b.OnError(func(err error) { log.Error().Err(err).Msg("bus error") })

	connectTimeout := cfg.Bus.ToBus().ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = bus.DefaultConfig().ConnectTimeout
	}
	runCtx := context.Background()
	connectCtx, cancel := context.WithTimeout(runCtx, connectTimeout)
	err = b.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}

	for _, sc := range cfg.Streams {
		if err := b.CreateStream(runCtx, sc); err != nil {
			return fmt.Errorf("stream %q: %w", sc.Name, err)
		}
		log.Info().Str("stream", sc.Name).Strs("subjects", sc.Subjects).Msg("durable stream ready")
	}

	store, err := openMemory(runCtx, cfg, b, prom)
	if err != nil {
		return fmt.Errorf("memory setup: %w", err)
	}
	log.Info().Str("backend", cfg.Memory.Backend).Int("context_size", store.ContextSize()).Msg("memory store ready")

	limiter := ratelimit.New(cfg.RateLimits, ratelimit.WithThresholdFunc(thresholdWarnRatio,
		func(principal string, t ratelimit.Threshold) {
			env := bus.New(bus.EventSubject("ratelimit.threshold"), "ratelimit.threshold", sourceDaemon, map[string]any{
				"principal": principal,
				"window":    t.Window,
				"usage":     t.Usage,
				"limit":     t.Limit,
				"ratio":     t.Ratio,
			})
			pctx, pcancel := context.WithTimeout(runCtx, 2*time.Second)
			defer pcancel()
			if perr := b.Publish(pctx, env); perr != nil {
				log.Warn().Err(perr).Msg("threshold event publish failed")
			}
		}))

	mgr := plugin.NewManager(b, cfg.SupervisorDefaults())
	prom.ObserveManager(mgr)
	if cfg.Plugins.Dir != "" {
		if _, err := os.Stat(cfg.Plugins.Dir); err != nil {
			log.Warn().Str("dir", cfg.Plugins.Dir).Msg("plugin directory missing, starting without plugins")
		} else if _, err := mgr.LoadDir(cfg.Plugins.Dir); err != nil {
			// Partial loads are fine; the good plugins stay loaded.
			log.Error().Err(err).Msg("some plugin manifests failed to load")
		}
	}
	if err := mgr.StartAll(runCtx); err != nil {
		log.Error().Err(err).Msg("some plugins failed to start")
	}

	rtr := router.New(b, mgr,
		router.WithSigil(cfg.Router.Sigil),
		router.WithGate(prom.Gate(limiter)),
	)
	for _, rule := range cfg.RouterRules() {
		if err := rtr.AddRule(rule); err != nil {
			return fmt.Errorf("route rule %q: %w", rule.ID, err)
		}
	}
	if err := rtr.Bind(runCtx); err != nil {
		return fmt.Errorf("router bind: %w", err)
	}
	prom.ObserveRouter(rtr)

	if err := prom.WatchBreaches(runCtx, b); err != nil {
		return fmt.Errorf("breach watch: %w", err)
	}

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(runCtx, cfg.Journal.DSN, b)
		if err != nil {
			return fmt.Errorf("journal setup: %w", err)
		}
		if err := jrnl.Attach(runCtx); err != nil {
			return fmt.Errorf("journal attach: %w", err)
		}
	}

	crontab := sched.New(b)
	for _, s := range cfg.Schedules {
		job := sched.Job{Name: s.Name, Spec: s.Cron, Subject: s.Subject, EventType: s.EventType, Data: s.Data}
		if err := crontab.Add(job); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	}
	crontab.Start()

	var watcher *plugin.Watcher
	if cfg.Plugins.Watch && cfg.Plugins.Dir != "" {
		watcher, err = plugin.NewWatcher(mgr, cfg.Plugins.Dir)
		if err != nil {
			log.Error().Err(err).Msg("manifest watcher setup failed, hot loading disabled")
		} else {
			watcher.Start(runCtx)
		}
	}

	var ops *opsapi.Server
	opsErr := make(chan error, 1)
	if cfg.Ops.Enabled() {
		var events opsapi.EventSource
		if jrnl != nil {
			events = jrnl
		}
		ops = opsapi.New(opsapi.Config{
			Addr:      cfg.Ops.Addr,
			Token:     cfg.Ops.Token,
			RateRPS:   cfg.Ops.RateRPS,
			RateBurst: cfg.Ops.RateBurst,
		}, opsapi.Deps{
			Bus:     b,
			Plugins: mgr,
			Router:  rtr,
			Limiter: limiter,
			Metrics: prom,
			Events:  events,
		})
		go func() {
			if serr := ops.Start(); serr != nil {
				opsErr <- serr
			}
		}()
	}

	log.Info().Int("plugins", len(mgr.List())).Int("rules", len(cfg.Router.Rules)).Int("schedules", crontab.Jobs()).Msg("roseycore up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-opsErr:
		log.Error().Err(err).Msg("ops api failed, shutting down")
	}

	shutdownCtx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer scancel()

	if err := crontab.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler jobs still running at shutdown")
	}
	if watcher != nil {
		watcher.Close()
	}
	if err := rtr.Close(); err != nil {
		log.Warn().Err(err).Msg("router close failed")
	}
	mgr.StopAll(shutdownCtx)
	if jrnl != nil {
		if err := jrnl.Close(); err != nil {
			log.Warn().Err(err).Msg("journal close failed")
		}
	}
	if ops != nil {
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("ops api shutdown failed")
		}
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("memory close failed")
	}
	if err := b.Disconnect(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("bus disconnect failed")
	}

	log.Info().Msg("roseycore stopped")
	return nil
}

// openMemory picks the configured KV backend and wraps it with the shared
// memory store. The kv backend rides the existing NATS connection; redis and
// bolt open their own handles.
func openMemory(ctx context.Context, cfg *config.Config, b bus.Bus, prom *metrics.Metrics) (*memory.Store, error) {
	var kv memory.KV
	switch cfg.Memory.Backend {
	case config.BackendKV:
		nb, ok := b.(*bus.NATSBus)
		if !ok {
			return nil, fmt.Errorf("memory backend %q needs a NATS bus connection", cfg.Memory.Backend)
		}
		bucket, err := nb.KeyValue(cfg.Memory.Bucket)
		if err != nil {
			return nil, fmt.Errorf("opening kv bucket %q: %w", cfg.Memory.Bucket, err)
		}
		kv = memory.NewNATSKV(bucket)
	case config.BackendRedis:
		rkv, err := memory.OpenRedis(ctx, cfg.Memory.Redis)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		kv = rkv
	case config.BackendBolt:
		bkv, err := memory.OpenBolt(cfg.Memory.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store %q: %w", cfg.Memory.BoltPath, err)
		}
		kv = bkv
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
	return memory.NewStore(prom.KV(kv), memory.WithContextSize(cfg.Memory.ContextSize)), nil
}
