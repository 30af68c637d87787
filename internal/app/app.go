package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"subwatch/internal/checker"
	"subwatch/internal/config"
	"subwatch/internal/diff"
	"subwatch/internal/eventbus"
	"subwatch/internal/hashcache"
	"subwatch/internal/notifier"
	"subwatch/internal/observability/debug"
	"subwatch/internal/recipients"
	"subwatch/internal/registration"
	rtsup "subwatch/internal/runtime/supervisor"
	"subwatch/internal/storage"
	"subwatch/internal/task/scheduler"
	"subwatch/internal/transport"
	"subwatch/internal/transport/telegram"
	logx "subwatch/pkg/logx"
)

const (
	checkerJob         = "checker"
	defaultEventBuffer = 64

	dbHashes     = "hashes"
	dbRecipients = "recipients"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	backend storage.Backend
	cache   *hashcache.Cache
	reg     *recipients.Registry
	differ  *diff.Engine
	bus     *eventbus.Bus[hashcache.ChangedSubject]

	messenger *telegram.Messenger
	provider  *telegram.Provider
	notif     *notifier.Dispatcher
	check     *checker.Checker
	sched     *scheduler.Service
	bot       *registration.Bot
	debug     *debug.Server

	updates  chan transport.Message
	unsubBus func()
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	messenger, err := telegram.NewMessenger(tcfg, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), messenger)
	log = log.With(logx.String("comp", "app"))

	backend, cache, reg, err := openStores(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	fail := func(err error) (*App, error) {
		_ = backend.Close()
		_ = logSvc.Close()
		return nil, err
	}

	differ := diff.New(mapDiffConfig(cfg), log.With(logx.String("comp", "diff")))
	bus := eventbus.New[hashcache.ChangedSubject]()

	provider, err := telegram.NewProvider(tcfg, log.With(logx.String("comp", "provider")))
	if err != nil {
		return fail(err)
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return fail(err)
	}
	notif := notifier.New(ncfg, provider, reg, differ, log.With(logx.String("comp", "notifier")))

	check, err := newChecker(cfg, cache, bus, log)
	if err != nil {
		return fail(err)
	}

	scfg, timeout, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(scfg, log.With(logx.String("comp", "scheduler")))
	if err := sched.AddSchedule(checkerJob, cfg.Checker.Schedule, timeout, check.Run); err != nil {
		return fail(fmt.Errorf("checker.schedule: %w", err))
	}

	var bot *registration.Bot
	if cfg.Registration.Enabled {
		rcfg, err := mapRegistrationConfig(cfg)
		if err != nil {
			return fail(err)
		}
		bot = registration.New(rcfg, reg, messenger, log.With(logx.String("comp", "registration")))
		if err := bot.Validate(); err != nil {
			return fail(err)
		}
	}

	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		backend:   backend,
		cache:     cache,
		reg:       reg,
		differ:    differ,
		bus:       bus,
		messenger: messenger,
		provider:  provider,
		notif:     notif,
		check:     check,
		sched:     sched,
		bot:       bot,
		updates:   make(chan transport.Message, 256),
	}
	a.debug = debug.New(mapDebugConfig(cfg), a.Status, log.With(logx.String("comp", "debug")))
	return a, nil
}

// openStores opens the configured backend and the two document stores on it.
func openStores(cfg *config.Config, log logx.Logger) (storage.Backend, *hashcache.Cache, *recipients.Registry, error) {
	sc, policy, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	slog := log.With(logx.String("comp", "storage"))
	backend, err := storage.Open(sc, slog)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("storage opened", logx.String("driver", backend.Name()))

	hashes := storage.New(backend, dbHashes, policy, slog)
	recips := storage.New(backend, dbRecipients, policy, slog)
	cache := hashcache.New(hashes, log.With(logx.String("comp", "hashcache")))
	reg := recipients.New(recips, log.With(logx.String("comp", "recipients")))
	return backend, cache, reg, nil
}

func newChecker(cfg *config.Config, cache checker.CrossChecker, pub checker.Publisher, log logx.Logger) (*checker.Checker, error) {
	_, timeout, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	loader := checker.NewHTTPLoader(strings.TrimSpace(cfg.Checker.SourceURL), cfg.Checker.UserAgent, timeout)
	return checker.New(mapCheckerConfig(cfg), loader, checker.JSONParser{}, cache, pub, log.With(logx.String("comp", "checker"))), nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	buffer := cfg.Checker.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	events, unsub := a.bus.Subscribe(buffer)
	a.unsubBus = unsub
	a.notif.Start(a.sup.Context(), events)

	if a.bot != nil {
		if err := a.messenger.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("registration", func(c context.Context) error {
			return a.bot.Run(c, a.updates)
		})
	}

	a.sched.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

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
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.String("schedule", cfg.Checker.Schedule),
		logx.Bool("registration", a.bot != nil),
	)
	return nil
}

// applyConfig pushes a reloaded config into every component that supports
// live changes. Sections read only at startup are reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sum := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sum.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := logx.String("changed", strings.Join(sum.Sections, ","))
	a.log.Debug("config change summary", append([]logx.Field{changed}, sum.Fields...)...)

	if len(sum.NeedsRestart) > 0 {
		a.log.Warn("config sections changed that need a restart",
			logx.String("sections", strings.Join(sum.NeedsRestart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.differ.Apply(mapDiffConfig(newCfg))
	a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(newCfg))

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if scfg, timeout, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid checker timing; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(scfg)
		if oldCfg == nil || oldCfg.Checker.Schedule != newCfg.Checker.Schedule || oldCfg.Checker.Timeout != newCfg.Checker.Timeout {
			if err := a.sched.AddSchedule(checkerJob, newCfg.Checker.Schedule, timeout, a.check.Run); err != nil {
				a.log.Warn("invalid checker.schedule; keeping previous", logx.Err(err))
			}
		}
	}

	a.log.Info("config reloaded", append([]logx.Field{changed}, sum.Fields...)...)
}

// Status is the report served by the debug endpoint.
type Status struct {
	Scheduler     scheduler.Snapshot     `json:"scheduler"`
	Notifications []notifier.HistoryItem `json:"notifications"`
	EventsDropped uint64                 `json:"events_dropped"`
	Subscribers   map[string]int         `json:"subscribers"`
	Restarts      map[string]uint64      `json:"restarts,omitempty"`
}

func (a *App) Status() any {
	st := Status{
		Scheduler:     a.sched.Snapshot(),
		EventsDropped: a.bus.Dropped(),
	}
	hist := a.notif.History()
	if len(hist) > 20 {
		hist = hist[len(hist)-20:]
	}
	st.Notifications = hist

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	subs, err := subscriberCounts(ctx, a.reg)
	if err != nil {
		a.log.Warn("status: list recipients failed", logx.Err(err))
	}
	st.Subscribers = subs
	if a.sup != nil {
		st.Restarts = a.sup.Counters().Restarts
	}
	return st
}

// subscriberCounts returns the number of recipients per subject.
func subscriberCounts(ctx context.Context, reg *recipients.Registry) (map[string]int, error) {
	recs, err := reg.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, r := range recs {
		out[r.Subject]++
	}
	return out, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	a.sup.Cancel()

	// step runs one shutdown step bounded by max so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			if err != nil && !errors.Is(err, context.Canceled) {
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

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error { return a.messenger.Stop(c) })
	step("notifier", 5*time.Second, func(c context.Context) error {
		if a.unsubBus != nil {
			a.unsubBus()
		}
		return a.notif.Stop(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.backend.Close() })

	if n := a.bus.Dropped(); n > 0 {
		a.log.Warn("change events dropped during run", logx.Uint64("dropped", n))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// Checker is the offline form used by the check command: it shares the
// stores of the service but publishes nothing.
type Checker struct {
	*checker.Checker
	backend storage.Backend
}

func (c *Checker) Close() error { return c.backend.Close() }

// NewOfflineChecker loads cfgPath and builds a checker without telegram.
// DiffRules returns the diff rules configured at cfgPath. A missing file
// yields the built-in rules; the rest of the config is not validated.
func DiffRules(cfgPath string) (diff.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if errors.Is(err, fs.ErrNotExist) {
		return diff.DefaultConfig(), nil
	}
	if err != nil {
		return diff.Config{}, fmt.Errorf("%s: %w", cfgPath, err)
	}
	return mapDiffConfig(cfg), nil
}

func NewOfflineChecker(cfgPath string, log logx.Logger) (*Checker, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	backend, cache, _, err := openStores(cfg, log)
	if err != nil {
		return nil, err
	}
	chk, err := newChecker(cfg, cache, nil, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &Checker{Checker: chk, backend: backend}, nil
}
