// Package app wires storage, the delivery gateway, the scheduler, the
// notifier and the HTTP API into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"promosched/internal/auth"
	"promosched/internal/config"
	"promosched/internal/eventbus"
	"promosched/internal/gateway"
	"promosched/internal/gateway/telegram"
	"promosched/internal/gateway/whatsapp"
	"promosched/internal/httpapi"
	"promosched/internal/message"
	"promosched/internal/notifier"
	"promosched/internal/notifier/relay"
	rtsup "promosched/internal/runtime/supervisor"
	"promosched/internal/scheduler"
	"promosched/internal/storage"
	logx "promosched/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  *storage.Store
	notif  *notifier.Service
	gw     gateway.Gateway
	tg     *telegram.Adapter
	engine *scheduler.Engine
	auth   *auth.Service
	http   *httpapi.Server

	watchCancel  context.CancelFunc
	relayEnabled bool
	started      bool
}

// New loads the configuration and sets up logging. Nothing touches the
// network or disk (besides the config file) until Start.
func New(cfgPath string, opts ...config.ManagerOption) (*App, error) {
	cfgm := config.NewManager(cfgPath, opts...)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgm.Path(), err)
	}
	if err := checkMappings(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg), nil)
	root := log
	log = log.With(logx.String("comp", "app"))

	authCfg, _ := mapAuth(cfg)
	if strings.TrimSpace(authCfg.Username) == "" || authCfg.Password == "" {
		log.Warn("auth credentials not configured; login is disabled")
	}

	return &App{
		cfgm: cfgm,
		log:  log,
		logs: logs,
		bus:  eventbus.New(),
		auth: auth.New(authCfg, root),
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

func (a *App) root() logx.Logger { return a.logs.Logger() }

// Start brings components up in dependency order: storage, notifier,
// gateway, scheduler reconcile, auth janitor, HTTP, config watch.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(run, sc, a.root())
	if err != nil {
		return err
	}
	a.store = store

	ncfg, _ := mapNotifier(cfg)
	var sinks []notifier.Sink
	if ncfg.Enabled {
		sinks = relay.Open(mapRelay(cfg), a.root())
	}
	a.notif = notifier.New(ncfg, a.bus, a.root(), sinks...)
	a.relayEnabled = ncfg.Enabled
	a.notif.Start(run)

	// The bridge subscribes before the gateway can publish its first status.
	a.startBridge()

	if err := a.openTelegram(cfg); err != nil {
		return err
	}
	inner, err := a.openGateway(cfg)
	if err != nil {
		return err
	}
	a.gw = gateway.Limited(inner, gateway.NewLimiter(cfg.Delivery.RatePerMin))
	if lc, ok := inner.(gateway.Lifecycle); ok {
		if err := lc.Start(run); err != nil {
			return fmt.Errorf("start %s gateway: %w", inner.Name(), err)
		}
	}
	if a.tg != nil && any(a.tg) != any(inner) {
		if err := a.tg.Start(run); err != nil {
			a.log.Warn("telegram alert bot failed to start", logx.Err(err))
		}
	}

	a.engine = scheduler.New(a.store, a.gw, a.notif, a.root())
	armed, expired := a.engine.RescheduleAllPending(run)
	a.log.Info("schedule reconciled", logx.Int("armed", armed), logx.Int("expired", expired))

	if err := a.auth.Start(); err != nil {
		return fmt.Errorf("auth janitor: %w", err)
	}

	hcfg, _ := mapHTTP(cfg)
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Store:     a.store,
		Scheduler: a.engine,
		Gateway:   a.gw,
		Auth:      a.auth,
		Notifier:  a.notif,
	}, a.root())
	if err := a.http.Start(run); err != nil {
		return err
	}

	a.startConfigWatch(run)
	a.startEventLog()

	a.started = true
	a.log.Info("app started",
		logx.String("delivery", inner.Name()),
		logx.String("http", a.http.Addr()),
		logx.Int("messages", a.store.Len()),
	)
	notifyReady(a.log, fmt.Sprintf("serving on %s; %d timers armed", a.http.Addr(), armed))
	return nil
}

// openTelegram creates the bot when a token is set. It serves as the alert
// sender and, with delivery.driver telegram, as the gateway.
func (a *App) openTelegram(cfg *config.Config) error {
	tc, _ := mapTelegram(cfg)
	if tc.Token == "" {
		return nil
	}
	var bus eventbus.Bus
	if deliveryDriver(cfg) == driverTelegram {
		bus = a.bus
	}
	tg, err := telegram.New(tc, bus, a.root())
	if err != nil {
		if deliveryDriver(cfg) == driverTelegram {
			return fmt.Errorf("telegram: %w", err)
		}
		a.log.Warn("telegram alerts disabled", logx.Err(err))
		return nil
	}
	a.tg = tg
	a.logs.SetAlertSender(tg)
	return nil
}

func (a *App) openGateway(cfg *config.Config) (gateway.Gateway, error) {
	if deliveryDriver(cfg) == driverTelegram {
		if a.tg == nil {
			return nil, errors.New("delivery.driver telegram requires telegram.token")
		}
		return a.tg, nil
	}
	wc, _ := mapWhatsApp(cfg)
	return whatsapp.New(wc, a.bus, a.root()), nil
}

// startBridge turns gateway status changes into observer events.
func (a *App) startBridge() {
	events, unsubscribe := a.bus.Subscribe(32, gateway.EventStatus)
	a.sup.Go0("gateway.bridge", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if st, ok := ev.Data.(gateway.StatusInfo); ok {
					bridgeStatus(a.notif, st)
				}
			}
		}
	})
}

type broadcaster interface {
	Broadcast(event string, payload any)
}

func bridgeStatus(b broadcaster, st gateway.StatusInfo) {
	b.Broadcast(message.EventConnectionStatus, st)
	if st.Status == gateway.StatusScanning && st.QRCode != "" {
		b.Broadcast(message.EventQRCode, message.QREvent{QRCode: st.QRCode})
	}
}

// startEventLog traces relay outcomes at debug level.
func (a *App) startEventLog() {
	events, unsubscribe := a.bus.Subscribe(128, notifier.EventRelaySent, notifier.EventRelayFailed, notifier.EventRelayDropped)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) startConfigWatch(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-wctx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(wctx, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(context.Context) error {
		return a.cfgm.Watch(wctx)
	})
}

// applyConfig pushes the hot-reloadable parts of next into the running
// components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sum := config.SummarizeConfigChange(prev, next)
	if sum.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(sum.Restart) > 0 {
		a.log.Warn("config changes require a restart", logx.String("keys", strings.Join(sum.Restart, ",")))
	}

	a.logs.Apply(mapLogging(next))
	if ac, err := mapAuth(next); err == nil {
		a.auth.Apply(ac)
	}
	if rs, ok := a.gw.(gateway.RateSetter); ok {
		rs.SetRate(next.Delivery.RatePerMin)
	}
	if nc, err := mapNotifier(next); err == nil {
		// Enabling or disabling the relay needs a restart; Apply only
		// adjusts rate and retry.
		nc.Enabled = a.relayEnabled
		a.notif.Apply(nc)
	}
	if hc, err := mapHTTP(next); err == nil {
		if err := a.http.Reconfigure(ctx, hc); err != nil {
			a.log.Error("http reconfigure failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sum.Sections, ","))}, sum.Attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in reverse dependency order. Every step is
// bounded so one stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	if a.watchCancel != nil {
		a.watchCancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := boundedContext(ctx, max)
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
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	step("scheduler", 5*time.Second, func(c context.Context) error {
		if a.engine == nil {
			return nil
		}
		return a.engine.Stop(c)
	})
	step("auth", time.Second, func(context.Context) error { a.auth.Stop(); return nil })
	step("gateway", 3*time.Second, func(context.Context) error {
		var err error
		if lc, ok := gateway.Unwrap(a.gw).(gateway.Lifecycle); ok {
			err = lc.Close()
		}
		if a.tg != nil && any(a.tg) != any(gateway.Unwrap(a.gw)) {
			err = errors.Join(err, a.tg.Close())
		}
		return err
	})
	step("notifier", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Stop(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	a.logs.SetAlertSender(nil)
	return a.logs.Close()
}

// boundedContext derives a context that ends after max, never extending
// the parent deadline.
func boundedContext(parent context.Context, max time.Duration) (context.Context, context.CancelFunc) {
	if max <= 0 {
		return context.WithCancel(parent)
	}
	if dl, ok := parent.Deadline(); ok && time.Until(dl) < max {
		return context.WithDeadline(parent, dl)
	}
	return context.WithTimeout(parent, max)
}
