package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"lobbybot/internal/eventbus"
	"lobbybot/internal/platform"
	"lobbybot/internal/storage"
	logx "lobbybot/pkg/logx"
)

// Rule describes one automated external service whose success messages
// arm a reminder.
type Rule struct {
	// Service names the reminder row, e.g. "disboard".
	Service string
	// AccountID is the service's automated account on the platform.
	AccountID string
	// Keyword must appear in the service's message for it to count as a
	// successful action.
	Keyword string
	// Window is how long after a success the reminder comes due.
	Window time.Duration
	// Message is the notification text delivered when due.
	Message string
}

// Config tunes the detection path and the dispatcher.
type Config struct {
	Rules []Rule
	// Tick is the dispatcher poll interval.
	Tick time.Duration
	// Capability is the marker the acting member must hold for a success
	// to arm a reminder.
	Capability string
	// DefaultRoleID is mentioned when a reminder row has no custom role.
	DefaultRoleID string
	// DuplicateGuard ignores a second arming within this span of an
	// existing one (concurrent instances observing the same success).
	DuplicateGuard time.Duration
	// RatePerSec bounds outbound notifications.
	RatePerSec float64
}

func (c *Config) normalize() {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Capability == "" {
		c.Capability = "server-bumper"
	}
	if c.DuplicateGuard <= 0 {
		c.DuplicateGuard = time.Minute
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	for i := range c.Rules {
		if c.Rules[i].Window <= 0 {
			c.Rules[i].Window = 2 * time.Hour
		}
		if c.Rules[i].Message == "" {
			c.Rules[i].Message = "Time for the next " + c.Rules[i].Service + " action!"
		}
	}
}

// Service arms reminders from observed platform messages and delivers
// them when due. Delivery is at-least-once: a failed send leaves the due
// time set so the next tick retries, and the due time is cleared only
// after a send went out.
type Service struct {
	cfg     Config
	store   storage.Store
	act     platform.Actuator
	caps    platform.CapabilityChecker
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu sync.Mutex
	c  *cron.Cron
}

func New(cfg Config, store storage.Store, act platform.Actuator, caps platform.CapabilityChecker, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		act:     act,
		caps:    caps,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		now:     time.Now,
	}
}

// Start launches the singleton dispatch loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	// Singleton loop: a tick that outlives the interval is skipped, never
	// overlapped.
	s.c = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Tick), func() {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.Tick)
		defer cancel()
		if err := s.RunOnce(tctx); err != nil {
			s.log.Warn("dispatch tick failed", logx.Err(err))
		}
	})
	if err != nil {
		s.c = nil
		return fmt.Errorf("schedule dispatcher: %w", err)
	}
	s.c.Start()
	s.log.Info("dispatcher started", logx.Duration("tick", s.cfg.Tick), logx.Int("rules", len(s.cfg.Rules)))
	return nil
}

// Stop halts the loop at a tick boundary.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	return nil
}

// Observe feeds one posted message through the detection path. A success
// message from a configured service account arms (or re-arms) the
// reminder, provided the acting member holds the capability marker and
// the guild has a reminder channel configured for that service.
func (s *Service) Observe(ctx context.Context, ev platform.MessageEvent) error {
	if !ev.IsServiceAccount {
		return nil
	}
	rule := s.matchRule(ev)
	if rule == nil {
		return nil
	}

	r, err := s.store.GetReminder(ctx, ev.GuildID, rule.Service)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // guild not configured for this service
	}
	if err != nil {
		return fmt.Errorf("reminder state: %w", err)
	}
	if !r.Enabled || r.ChannelID == "" {
		return nil
	}

	if ev.ActorID == "" {
		return nil
	}
	ok, err := s.caps.HasCapability(ctx, ev.GuildID, ev.ActorID, s.cfg.Capability)
	if err != nil {
		return fmt.Errorf("capability check: %w", err)
	}
	if !ok {
		s.log.Debug("reminder not armed, actor lacks capability",
			logx.String("guild", ev.GuildID), logx.String("actor", ev.ActorID))
		return nil
	}

	now := s.now()
	// Two instances observing the same success arm within seconds of each
	// other; the second arming is noise.
	if r.DueAt != nil {
		armedAt := r.DueAt.Add(-rule.Window)
		if now.Sub(armedAt) >= 0 && now.Sub(armedAt) < s.cfg.DuplicateGuard {
			return nil
		}
	}

	if err := s.store.ArmReminder(ctx, ev.GuildID, rule.Service, r.ChannelID, now.Add(rule.Window)); err != nil {
		return fmt.Errorf("arm reminder: %w", err)
	}
	s.log.Info("reminder armed",
		logx.String("guild", ev.GuildID),
		logx.String("service", rule.Service),
		logx.Time("due", now.Add(rule.Window)))
	return nil
}

func (s *Service) matchRule(ev platform.MessageEvent) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.AccountID == ev.AuthorID && strings.Contains(ev.Content, r.Keyword) {
			return r
		}
	}
	return nil
}

// RunOnce performs one dispatch tick: scan due rows, deliver each, then
// clear its due time. A failed send leaves the due time set so the next
// tick retries; a failed clear after a sent notification is retriable
// too, at the cost of a possible duplicate ping.
func (s *Service) RunOnce(ctx context.Context) error {
	due, err := s.store.ScanDueReminders(ctx, s.now())
	if err != nil {
		return fmt.Errorf("scan due: %w", err)
	}
	for _, r := range due {
		if err := s.deliver(ctx, r); err != nil {
			s.log.Warn("reminder delivery failed",
				logx.String("guild", r.GuildID),
				logx.String("service", r.Service),
				logx.Err(err))
		}
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, r storage.Reminder) error {
	rule := s.ruleFor(r.Service)
	roleID := r.RoleID
	if roleID == "" {
		roleID = s.cfg.DefaultRoleID
	}
	text := "Reminder: " + r.Service
	if rule != nil {
		text = rule.Message
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	err := s.act.SendNotification(ctx, platform.Notification{
		ChannelID: r.ChannelID,
		RoleID:    roleID,
		Text:      text,
	})
	if err != nil {
		// Due time stays set; the next tick retries.
		return fmt.Errorf("send: %w", err)
	}

	cleared, err := s.store.ClearReminderDue(ctx, r.GuildID, r.Service)
	if err != nil {
		return fmt.Errorf("clear due: %w", err)
	}
	if !cleared {
		// A concurrent toggle or re-arm already touched the row; the
		// notification still went out.
		s.log.Debug("due already cleared", logx.String("guild", r.GuildID), logx.String("service", r.Service))
	}

	s.bus.Publish(eventbus.Fact{Kind: eventbus.KindReminderFired, Data: eventbus.ReminderFired{
		GuildID: r.GuildID,
		Service: r.Service,
	}})
	s.log.Info("reminder fired", logx.String("guild", r.GuildID), logx.String("service", r.Service))
	return nil
}

func (s *Service) ruleFor(service string) *Rule {
	for i := range s.cfg.Rules {
		if s.cfg.Rules[i].Service == service {
			return &s.cfg.Rules[i]
		}
	}
	return nil
}

// Configure points a guild's reminders for a service at a channel,
// creating the row if needed. Configuration commands live outside the
// core and call this.
func (s *Service) Configure(ctx context.Context, guildID, service, channelID string) error {
	if s.ruleFor(service) == nil {
		return fmt.Errorf("reminder: unknown service %q", service)
	}
	return s.store.SetReminderChannel(ctx, guildID, service, channelID)
}

// Toggle flips the enabled flag and returns the new value.
func (s *Service) Toggle(ctx context.Context, guildID, service string) (bool, error) {
	r, err := s.store.GetReminder(ctx, guildID, service)
	if err != nil {
		return false, err
	}
	if err := s.store.SetReminderEnabled(ctx, guildID, service, !r.Enabled); err != nil {
		return false, err
	}
	return !r.Enabled, nil
}

// SetRole overrides the mentioned role for a guild's reminders. An empty
// roleID reverts to the default.
func (s *Service) SetRole(ctx context.Context, guildID, service, roleID string) error {
	return s.store.SetReminderRole(ctx, guildID, service, roleID)
}
