package sticky

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lobbybot/internal/eventbus"
	"lobbybot/internal/platform"
	"lobbybot/internal/storage"
	logx "lobbybot/pkg/logx"
)

// Config tunes the scheduler. Zero values pick defaults.
type Config struct {
	// DefaultDebounce is used when a channel config carries none.
	DefaultDebounce time.Duration
	// FireTimeout bounds one repost (delete + post + persist).
	FireTimeout time.Duration
}

func (c *Config) normalize() {
	if c.DefaultDebounce <= 0 {
		c.DefaultDebounce = 5 * time.Second
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
}

// Service keeps one pinned message at the bottom of each configured
// channel. Bursts of triggers collapse into a single repost, fired one
// debounce window after the last trigger.
//
// Scheduling state (timer handles, versions, fire locks) is process-local;
// the store alone is authoritative, so a restart simply begins with zero
// pending timers.
type Service struct {
	cfg   Config
	store storage.Store
	act   platform.Actuator
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	tmu     sync.Mutex
	timers  map[string]*time.Timer
	ver     map[string]uint64
	locks   map[string]*sync.Mutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, store storage.Store, act platform.Actuator, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		act:    act,
		bus:    bus,
		log:    log,
		now:    time.Now,
		timers: map[string]*time.Timer{},
		ver:    map[string]uint64{},
		locks:  map[string]*sync.Mutex{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.tmu.Lock()
	s.stopped = false
	s.tmu.Unlock()
	return nil
}

// Stop abandons all pending timers. Nothing is flushed: the pinned
// artifact only needs to reflect eventual latest state.
func (s *Service) Stop(context.Context) error {
	s.tmu.Lock()
	s.stopped = true
	for key, t := range s.timers {
		_ = t.Stop()
		delete(s.timers, key)
	}
	s.tmu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// OnTrigger notes activity in a channel. With a registered config it
// (re)arms that channel's debounce window; otherwise it is a no-op.
// Re-arming cancels the pending timer, so N triggers inside one window
// produce exactly one repost, one window after the last trigger.
func (s *Service) OnTrigger(ctx context.Context, channelID string) error {
	cfg, err := s.store.GetSticky(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sticky config: %w", err)
	}
	s.arm(channelID, s.debounceOf(cfg))
	return nil
}

func (s *Service) debounceOf(cfg storage.StickyConfig) time.Duration {
	if cfg.Debounce > 0 {
		return cfg.Debounce
	}
	return s.cfg.DefaultDebounce
}

// arm upserts the channel's single pending timer. The version bump makes
// callbacks from replaced timers no-ops even if they already fired into
// the runtime queue.
func (s *Service) arm(channelID string, delay time.Duration) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if s.stopped {
		return
	}
	if t, ok := s.timers[channelID]; ok {
		_ = t.Stop()
		delete(s.timers, channelID)
	}
	ver := s.ver[channelID] + 1
	s.ver[channelID] = ver

	key := channelID
	localVer := ver
	s.timers[key] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.stopped || s.ver[key] != localVer {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, key)
		lock := s.lockFor(key)
		s.tmu.Unlock()

		// One fire at a time per key. A trigger landing during the fire
		// arms a fresh window; it never joins this run.
		lock.Lock()
		defer lock.Unlock()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FireTimeout)
		defer cancel()
		if err := s.fire(ctx, key); err != nil {
			s.log.Warn("sticky repost failed", logx.String("channel", key), logx.Err(err))
		}
	})
}

// lockFor must be called with tmu held.
func (s *Service) lockFor(key string) *sync.Mutex {
	lk := s.locks[key]
	if lk == nil {
		lk = &sync.Mutex{}
		s.locks[key] = lk
	}
	return lk
}

// fire re-reads the config (it may have changed or vanished since the
// timer was armed), replaces the previous artifact and persists the new
// one.
func (s *Service) fire(ctx context.Context, channelID string) error {
	cfg, err := s.store.GetSticky(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sticky config: %w", err)
	}

	if cfg.LastMessageID != "" {
		if err := platform.IgnoreNotFound(s.act.DeleteMessage(ctx, channelID, cfg.LastMessageID)); err != nil {
			return fmt.Errorf("delete previous: %w", err)
		}
	}
	msgID, err := s.act.PostMessage(ctx, channelID, cfg.Content)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	if err := s.store.SetStickyPosted(ctx, channelID, msgID, s.now()); err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	s.bus.Publish(eventbus.Fact{Kind: eventbus.KindStickyPosted, Data: eventbus.StickyPosted{
		ChannelID: channelID,
		MessageID: msgID,
	}})
	s.log.Debug("sticky posted", logx.String("channel", channelID), logx.String("message", msgID))
	return nil
}

// Upsert registers or updates a channel config and reposts right away.
// Configuration commands live outside the core and call this.
func (s *Service) Upsert(ctx context.Context, cfg storage.StickyConfig) error {
	if strings.TrimSpace(cfg.Content) == "" {
		return errors.New("sticky: content required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = s.cfg.DefaultDebounce
	}
	if err := s.store.UpsertSticky(ctx, cfg); err != nil {
		return err
	}

	s.tmu.Lock()
	if t, ok := s.timers[cfg.ChannelID]; ok {
		_ = t.Stop()
		delete(s.timers, cfg.ChannelID)
	}
	s.ver[cfg.ChannelID]++
	lock := s.lockFor(cfg.ChannelID)
	s.tmu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return s.fire(ctx, cfg.ChannelID)
}

// Remove drops a channel config, cancels its pending timer and deletes
// the posted artifact best-effort.
func (s *Service) Remove(ctx context.Context, channelID string) error {
	s.tmu.Lock()
	if t, ok := s.timers[channelID]; ok {
		_ = t.Stop()
		delete(s.timers, channelID)
	}
	s.ver[channelID]++
	lock := s.lockFor(channelID)
	s.tmu.Unlock()

	// Drain any in-flight fire before cleaning up, so its post cannot
	// land after the delete below. The locks entry is kept; the map is
	// bounded by the set of channels that ever had a config.
	lock.Lock()
	defer lock.Unlock()

	cfg, err := s.store.GetSticky(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cfg.LastMessageID != "" {
		if err := platform.IgnoreNotFound(s.act.DeleteMessage(ctx, channelID, cfg.LastMessageID)); err != nil {
			s.log.Warn("sticky cleanup failed", logx.String("channel", channelID), logx.Err(err))
		}
	}
	return s.store.DeleteSticky(ctx, channelID)
}

// Pending reports whether a timer is armed for the channel.
func (s *Service) Pending(channelID string) bool {
	s.tmu.Lock()
	_, ok := s.timers[channelID]
	s.tmu.Unlock()
	return ok
}
