package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"crosspost/internal/catalog"
	"crosspost/internal/config"
	"crosspost/internal/eventbus"
	"crosspost/internal/httpapi"
	"crosspost/internal/observability/pprof"
	"crosspost/internal/platform"
	"crosspost/internal/publish"
	"crosspost/internal/runtime/supervisor"
	"crosspost/internal/session"
	"crosspost/internal/storage"
	"crosspost/internal/stream"
	logx "crosspost/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor
	runs *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	catalog   *catalog.Dir
	platforms *publish.Platforms
	broker    *stream.Broker
	coord     *publish.Coordinator
	api       *httpapi.Server
	pprof     *pprof.Service
	maint     *maintenance

	server serverSettings
	pub    publishSettings
	strm   streamSettings

	mu   sync.Mutex
	http *http.Server
	addr string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	srv, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	pub, err := mapPublishConfig(cfg)
	if err != nil {
		return nil, err
	}
	strm, err := mapStreamConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofCfg, err := pprof.FromConfig(cfg.Pprof)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	platforms := publish.NewPlatforms()
	if err := platform.Register(platforms, cfg.Platforms, log.With(logx.String("comp", "platform"))); err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	cat := catalog.NewDir(cfg.Catalog.Dir)
	sessions := session.New(store, log.With(logx.String("comp", "session")))
	broker := stream.New(strm.opts, log.With(logx.String("comp", "stream")))

	// Platform runs get their own supervisor so cancelling the app context
	// does not cut short sessions that are still draining.
	runs := supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "publish.runs"))))
	coord := publish.New(pub.opts, publish.Deps{
		Catalog:    cat,
		Platforms:  platforms,
		Sessions:   sessions,
		Store:      store,
		Stream:     broker,
		Bus:        bus,
		Supervisor: runs,
		Log:        log.With(logx.String("comp", "publish")),
	})

	api := httpapi.New(httpapi.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Heartbeat:      strm.heartbeat,
	}, httpapi.Deps{
		Coordinator: coord,
		Platforms:   platforms,
		Sessions:    sessions,
		Broker:      broker,
		Store:       store,
		Log:         log.With(logx.String("comp", "http")),
	})

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		runs:      runs,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		catalog:   cat,
		platforms: platforms,
		broker:    broker,
		coord:     coord,
		api:       api,
		pprof:     pprof.New(pprofCfg, log.With(logx.String("comp", "pprof"))),
		maint:     newMaintenance(store, pub.pruneSchedule, pub.retention, log.With(logx.String("comp", "maintenance"))),
		server:    srv,
		pub:       pub,
		strm:      strm,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the address the HTTP API listens on once started.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

func (a *App) Handler() http.Handler { return a.api.Handler() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.api.SetWorkers(a.sup.Snapshot)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapPublishConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStreamConfig(cfg); err != nil {
			return err
		}
		if _, err := mapServerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := pprof.FromConfig(cfg.Pprof); err != nil {
			return err
		}
		_, err := platform.Build(cfg.Platforms, logx.Nop())
		return err
	})

	ln, err := net.Listen("tcp", a.server.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.server.addr, err)
	}
	// Request contexts end when shutdown begins so open progress streams
	// return instead of holding Shutdown until its deadline.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	hs := &http.Server{
		Handler:           a.api.Handler(),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadTimeout:       a.server.read,
		ReadHeaderTimeout: a.server.read,
		WriteTimeout:      a.server.write,
		IdleTimeout:       a.server.idle,
	}
	hs.RegisterOnShutdown(cancelBase)
	a.mu.Lock()
	a.http = hs
	a.addr = ln.Addr().String()
	a.mu.Unlock()

	a.sup.Go("http.serve", func(context.Context) error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	a.sup.GoRestart("stream.sweep", func(c context.Context) error {
		return a.broker.Run(c, a.strm.sweep)
	}, supervisor.WithRestartBackoff(100*time.Millisecond, 10*time.Second))

	if a.pprof != nil {
		if err := a.pprof.Start(a.sup.Context()); err != nil {
			a.log.Warn("pprof not started", logx.Err(err))
		}
	}

	if err := a.maint.Start(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		consumeEvents(c, events, a.store, a.log.With(logx.String("comp", "audit")))
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	// A watcher that keeps panicking fails the app after five restarts.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, supervisor.WithRestartBackoff(time.Second, time.Minute), supervisor.WithMaxRestarts(5))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started", logx.String("addr", a.Addr()), logx.Strs("platforms", a.platforms.IDs()))
	return nil
}

// applyConfig pushes a validated config into the running components.
// Server and storage sections only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, platformsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "server") {
		a.log.Warn("server config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogging(newCfg))

	if pub, err := mapPublishConfig(newCfg); err != nil {
		a.log.Warn("invalid publish config; keeping previous", logx.Err(err))
	} else {
		a.coord.Apply(pub.opts)
		if err := a.maint.Apply(pub.pruneSchedule, pub.retention); err != nil {
			a.log.Warn("maintenance reschedule failed", logx.Err(err))
		}
		a.mu.Lock()
		a.pub = pub
		a.mu.Unlock()
	}

	if strm, err := mapStreamConfig(newCfg); err != nil {
		a.log.Warn("invalid stream config; keeping previous", logx.Err(err))
	} else {
		a.broker.Apply(strm.opts)
		a.api.SetHeartbeat(strm.heartbeat)
	}

	if len(platformsChanged) > 0 {
		if err := platform.Register(a.platforms, newCfg.Platforms, a.log.With(logx.String("comp", "platform"))); err != nil {
			a.log.Warn("invalid platform config; keeping previous", logx.Err(err))
		} else {
			a.log.Info("platforms updated", logx.Strs("changed", platformsChanged), logx.Strs("active", a.platforms.IDs()))
		}
	}

	a.catalog.SetRoot(newCfg.Catalog.Dir)

	if ppc, err := pprof.FromConfig(newCfg.Pprof); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else if err := a.pprof.Reconfigure(ctx, ppc); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it eventually returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop intake first.
	step("http", a.server.shutdown, func(c context.Context) error {
		a.mu.Lock()
		hs := a.http
		a.mu.Unlock()
		if hs == nil {
			return nil
		}
		return hs.Shutdown(c)
	})

	a.mu.Lock()
	drain := a.pub.drain
	a.mu.Unlock()
	step("publish.drain", drain+time.Second, func(c context.Context) error {
		dctx, cancel := context.WithTimeout(c, drain)
		defer cancel()
		if err := a.coord.Drain(dctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	step("publish.runs", 2*time.Second, func(c context.Context) error { return a.runs.Stop(c) })

	a.sup.Cancel()

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	// Wait for supervised goroutines (audit consumer included) before the store goes away.
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
