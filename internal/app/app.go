package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"notibridge/internal/bridge"
	"notibridge/internal/config"
	"notibridge/internal/consumer"
	"notibridge/internal/consumer/natsch"
	tgconsumer "notibridge/internal/consumer/telegram"
	"notibridge/internal/consumer/ws"
	"notibridge/internal/eventbus"
	"notibridge/internal/httpapi"
	"notibridge/internal/icon"
	"notibridge/internal/metrics"
	"notibridge/internal/mirror"
	rtsup "notibridge/internal/runtime/supervisor"
	"notibridge/internal/source"
	dbussrc "notibridge/internal/source/dbus"
	"notibridge/internal/source/loopback"
	"notibridge/internal/storage"
	"notibridge/internal/sweep"
	kit "notibridge/internal/transport"
	tgadapter "notibridge/internal/transport/telegram/adapter"
	logx "notibridge/pkg/logx"
)

const (
	permissionGrace = 3 * time.Second
	permissionHint  = "the session bus must allow BecomeMonitor for this user; run notibridge inside the desktop session"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	m     *metrics.Collector

	src    source.Source
	bridge *bridge.Bridge
	hub    *consumer.Hub
	disp   *consumer.Dispatcher

	ws     *ws.Server
	http   *httpapi.Server
	mirror *mirror.Service
	tg     *tgconsumer.Channel
	sweep  *sweep.Service

	sup        *rtsup.Supervisor
	permWarned atomic.Bool
}

// New loads the config file and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tc := cfg.Consumer.Telegram
	var (
		ad     *tgadapter.Adapter
		sender kit.Adapter
	)
	if tc.Enabled {
		bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
		ad, err = tgadapter.New(tgadapter.Config{
			Token:       tc.Token,
			PollTimeout: config.DurationOr(tc.PollTimeout, 10*time.Second),
		}, bootLog)
		if err != nil {
			return nil, fmt.Errorf("telegram adapter: %w", err)
		}
		sender = ad
	}

	logSvc, root := logx.New(mapLogging(cfg.Logging), sender)
	if tc.Enabled {
		logSvc.SetTelegramTarget(telegramTarget(tc))
	}
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorage(cfg.Storage), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	bus := eventbus.New()

	var src source.Source
	switch cfg.Source.Driver {
	case "loopback":
		src = loopback.New()
	default:
		src = dbussrc.New(dbussrc.Options{
			Address:   cfg.Source.DBus.Address,
			ThemeDirs: cfg.Icon.ThemeDirs,
			Log:       root,
		})
	}

	hub := consumer.NewHub(m, root)
	b := bridge.New(bridge.Options{
		Consumer:        hub,
		Icons:           icon.NewRenderer(cfg.Icon.MaxSize, root.With(logx.String("comp", "icon"))),
		Policy:          mapPolicy(cfg.Bridge),
		QueueSize:       cfg.Bridge.QueueSize,
		TestTitlePrefix: cfg.Bridge.TestTitlePrefix,
		Log:             root.With(logx.String("comp", "bridge")),
		Bus:             bus,
		Metrics:         m,
	})
	disp := consumer.NewDispatcher(b, consumer.DispatcherOptions{Log: root, Bus: bus, Metrics: m})

	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		m:      m,
		src:    src,
		bridge: b,
		hub:    hub,
		disp:   disp,
		sweep:  sweep.New(mapSweep(cfg.Sweep), b, root),
	}

	var wsHandler http.Handler
	if cfg.Consumer.WS.Enabled {
		opts := mapWS(cfg.Consumer.WS, cfg.HTTP.AllowedOrigins)
		opts.Log = root
		opts.Metrics = m
		a.ws = ws.New(disp, hub, opts)
		wsHandler = a.ws
	}

	if ad != nil {
		a.mirror = mirror.New(mapMirror(cfg.Mirror), ad, mirror.Deps{Log: root, Bus: bus, Store: store, Metrics: m})
		a.tg = tgconsumer.New(ad, a.mirror, disp, tgconsumer.Options{
			Target:  telegramTarget(tc),
			Owners:  tc.OwnerUserIDs,
			State:   b,
			Log:     root,
			Metrics: m,
		})
	}

	deps := httpapi.Deps{
		Dispatcher:     disp,
		State:          b,
		Store:          store,
		WS:             wsHandler,
		WSPath:         cfg.Consumer.WS.Path,
		Metrics:        m,
		Pprof:          cfg.HTTP.Pprof,
		JWTSecret:      cfg.Consumer.WS.JWTSecret,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Log:            root.With(logx.String("comp", "http")),
	}
	if cfg.HTTP.Metrics {
		deps.Gatherer = reg
	}
	a.http = httpapi.NewServer(httpapi.ServerConfig{
		Addr:     cfg.HTTP.Addr,
		Insecure: cfg.Consumer.WS.JWTSecret == "",
	}, httpapi.NewRouter(deps), root)

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// HTTPAddr waits for the HTTP listener and returns its address.
func (a *App) HTTPAddr(ctx context.Context) (string, error) { return a.http.Addr(ctx) }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.watch", func(c context.Context) {
		defer unsub()
		watchEvents(c, events, a.store, a.log)
	})

	a.sup.Go("bridge.run", a.bridge.Run)
	a.sup.GoRestart("source.run", a.runSource, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("source.permission_check", a.checkPermission)

	if a.mirror != nil {
		a.mirror.Start(sctx)
	}
	if a.tg != nil {
		a.sup.GoRestart("telegram.channel", func(c context.Context) error {
			return a.tg.Run(c, a.hub)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	if nc := a.cfg.Consumer.NATS; nc.Enabled {
		a.sup.GoRestart("nats.channel", func(c context.Context) error {
			return a.runNATS(c, nc)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	if err := a.sweep.Start(sctx); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("sweep: %w", err)
	}
	a.http.Start(sctx)

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("source", a.cfg.Source.Driver),
		logx.Bool("ws", a.ws != nil),
		logx.Bool("nats", a.cfg.Consumer.NATS.Enabled),
		logx.Bool("telegram", a.tg != nil),
	)
	return nil
}

// runSource attaches the source and feeds the bridge until the source
// exits. An exit while the app is running is reported and retried.
func (a *App) runSource(ctx context.Context) error {
	a.bridge.Attach(a.src)
	err := a.src.Run(ctx, a.bridge)
	a.bridge.Detach()
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, source.ErrPermissionDenied) && a.permWarned.CompareAndSwap(false, true) {
		a.log.Warn("notification access denied", logx.String("hint", permissionHint), logx.Err(err))
	}
	if err == nil {
		err = errors.New("event source exited")
	}
	a.log.Warn("event source stopped unexpectedly", logx.Err(err))
	return err
}

func (a *App) checkPermission(ctx context.Context) {
	t := time.NewTimer(permissionGrace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if !a.src.PermissionGranted() && a.permWarned.CompareAndSwap(false, true) {
		a.log.Warn("notification access not granted; nothing will be mirrored", logx.String("hint", permissionHint))
	}
}

func (a *App) runNATS(ctx context.Context, nc config.NATSConfig) error {
	ch, err := natsch.Connect(a.disp, a.hub, natsch.Options{
		URL:           nc.URL,
		SubjectPrefix: nc.SubjectPrefix,
		Name:          nc.Name,
		Log:           a.log,
		Metrics:       a.m,
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return ch.Close()
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest revision.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes the live sections of next into the running
// components. Restart-only sections are reported and left alone.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Changed("logging") {
		a.logs.Apply(mapLogging(next.Logging))
	}
	if ch.Changed("mirror") && a.mirror != nil {
		a.mirror.Apply(mapMirror(next.Mirror))
	}
	if ch.Changed("sweep") {
		if err := a.sweep.Apply(mapSweep(next.Sweep)); err != nil {
			a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the
	// whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 3*time.Second, a.http.Stop)
	step("ws", time.Second, func(context.Context) error {
		if a.ws != nil {
			a.ws.Close()
		}
		return nil
	})
	step("sweep", 2*time.Second, func(c context.Context) error { a.sweep.Stop(c); return nil })
	step("mirror", 3*time.Second, func(c context.Context) error {
		if a.mirror != nil {
			a.mirror.Stop(c)
		}
		return nil
	})
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
