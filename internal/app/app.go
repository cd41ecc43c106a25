package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lobbybot/internal/config"
	"lobbybot/internal/eventbus"
	"lobbybot/internal/platform"
	"lobbybot/internal/reminder"
	rtsup "lobbybot/internal/runtime/supervisor"
	"lobbybot/internal/session"
	"lobbybot/internal/sticky"
	"lobbybot/internal/storage"
	logx "lobbybot/pkg/logx"
)

// App wires the core together: config, storage, the three schedulers and
// the ingress dispatch loop. The platform adapter is a collaborator; it
// feeds normalized events through Submit and implements Actuator.
type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	act      platform.Actuator
	sessions *session.Manager
	sticky   *sticky.Service
	reminder *reminder.Service

	mu     sync.RWMutex
	selfID string

	sweep  *cron.Cron
	events chan platform.Event
}

// Options carries the collaborators the embedding process provides. Nil
// fields fall back to the dry-run implementations.
type Options struct {
	Actuator   platform.Actuator
	Capability platform.CapabilityChecker
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logCfg, err := cfg.Logx()
	if err != nil {
		return nil, err
	}
	logSvc, log := logx.New(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storeCfg.Driver))

	act := opts.Actuator
	caps := opts.Capability
	if act == nil || cfg.Platform.DryRun {
		act = platform.NewDryRun(log.With(logx.String("comp", "actuator")))
	}
	if caps == nil {
		caps = platform.AllowAll{}
	}

	sessCfg, err := cfg.SessionConfig()
	if err != nil {
		return nil, err
	}
	sessions := session.New(sessCfg, store, act, bus, log.With(logx.String("comp", "sessions")))

	stickyCfg, err := cfg.StickyServiceConfig()
	if err != nil {
		return nil, err
	}
	stickySvc := sticky.New(stickyCfg, store, act, bus, log.With(logx.String("comp", "sticky")))

	remCfg, err := cfg.ReminderServiceConfig()
	if err != nil {
		return nil, err
	}
	remSvc := reminder.New(remCfg, store, act, caps, bus, log.With(logx.String("comp", "reminder")))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		act:      act,
		sessions: sessions,
		sticky:   stickySvc,
		reminder: remSvc,
		selfID:   cfg.Platform.SelfID,
		events:   make(chan platform.Event, 256),
	}, nil
}

// Submit hands a normalized platform event to the dispatch loop. It drops
// the event if the app is shutting down.
func (a *App) Submit(ev platform.Event) {
	if a.sup == nil {
		return
	}
	select {
	case a.events <- ev:
	case <-a.sup.Context().Done():
	}
}

// Sessions exposes the lifecycle manager for control-action commands.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Sticky exposes the scheduler for configuration commands.
func (a *App) Sticky() *sticky.Service { return a.sticky }

// Reminders exposes the dispatcher for configuration commands.
func (a *App) Reminders() *reminder.Service { return a.reminder }

// Done is closed when the app supervisor context is canceled.
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	if err := a.sessions.Start(runCtx); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if err := a.sticky.Start(runCtx); err != nil {
		return fmt.Errorf("sticky: %w", err)
	}
	if err := a.reminder.Start(runCtx); err != nil {
		return fmt.Errorf("reminder: %w", err)
	}

	// Seed lobbies declared in the config file.
	cfg := a.cfgm.Get()
	for _, l := range cfg.Lobbies() {
		if err := a.sessions.RegisterLobby(runCtx, l); err != nil {
			return fmt.Errorf("register lobby %s: %w", l.ChannelID, err)
		}
	}

	// Startup sweep picks up whatever a crash left behind; the daily one
	// keeps long-running processes honest.
	if err := a.sessions.Reconcile(runCtx); err != nil {
		a.log.Warn("startup reconcile failed", logx.Err(err))
	}
	a.sweep = cron.New()
	if _, err := a.sweep.AddFunc("@daily", func() {
		sctx, cancel := context.WithTimeout(runCtx, 5*time.Minute)
		defer cancel()
		if err := a.sessions.Reconcile(sctx); err != nil {
			a.log.Warn("daily reconcile failed", logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	a.sweep.Start()

	a.sup.Go("ingress.dispatch", func(c context.Context) error {
		return a.dispatchLoop(c)
	})

	// Audit facts at debug level; collaborators subscribe themselves.
	facts, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case f, ok := <-facts:
				if !ok {
					return
				}
				a.log.Debug("fact", logx.String("kind", f.Kind), logx.Time("time", f.Time))
			}
		}
	})

	// Config watch + hot reload of the sections that support it.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
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
				a.applyReload(newCfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyReload applies the hot-reloadable sections. Storage, sessions,
// sticky and reminder settings need a restart; the validator already
// guaranteed the new values parse.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	logCfg, err := cfg.Logx()
	if err != nil {
		a.log.Warn("reload: bad logging section", logx.Err(err))
		return
	}
	a.logs.Apply(logCfg)
	a.mu.Lock()
	a.selfID = cfg.Platform.SelfID
	a.mu.Unlock()
	a.log.Info("config applied")
}

// dispatchLoop routes normalized events to the owning component.
// Membership and channel events go through the session mailboxes; message
// events hit the sticky trigger and the reminder detection path inline.
func (a *App) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			a.dispatch(ctx, ev)
		}
	}
}

func (a *App) dispatch(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.EventMemberJoinedLobby,
		platform.EventMemberJoinedSession,
		platform.EventMemberLeftSession,
		platform.EventGuildRemoved:
		a.sessions.HandleEvent(ctx, ev)

	case platform.EventChannelDeleted:
		a.sessions.HandleEvent(ctx, ev)
		if err := a.sticky.Remove(ctx, ev.Channel.ChannelID); err != nil {
			a.log.Warn("sticky cleanup on channel delete failed",
				logx.String("channel", ev.Channel.ChannelID), logx.Err(err))
		}

	case platform.EventMessagePosted:
		msg := *ev.Message
		a.mu.RLock()
		self := a.selfID
		a.mu.RUnlock()
		// The bot's own posts (the sticky itself) must not re-arm the
		// debounce window.
		if msg.AuthorID != self {
			if err := a.sticky.OnTrigger(ctx, msg.ChannelID); err != nil {
				a.log.Warn("sticky trigger failed", logx.String("channel", msg.ChannelID), logx.Err(err))
			}
		}
		if err := a.reminder.Observe(ctx, msg); err != nil {
			a.log.Warn("reminder observe failed", logx.String("channel", msg.ChannelID), logx.Err(err))
		}

	case platform.EventMessageEdited:
		// Some service bots edit a placeholder into the success message.
		// Edits feed detection only; they are not fresh channel activity
		// for the sticky scheduler.
		if err := a.reminder.Observe(ctx, *ev.Message); err != nil {
			a.log.Warn("reminder observe failed", logx.String("channel", ev.Message.ChannelID), logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bound each step so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	if a.sweep != nil {
		step("reconcile.sweep", 2*time.Second, func(c context.Context) error {
			select {
			case <-a.sweep.Stop().Done():
			case <-c.Done():
			}
			return nil
		})
	}
	step("reminder", 2*time.Second, a.reminder.Stop)
	step("sticky", 2*time.Second, a.sticky.Stop)
	step("sessions", 3*time.Second, a.sessions.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
