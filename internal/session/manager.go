package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"lobbybot/internal/eventbus"
	"lobbybot/internal/platform"
	rtsup "lobbybot/internal/runtime/supervisor"
	"lobbybot/internal/storage"
	logx "lobbybot/pkg/logx"
)

// Manager owns the ephemeral session state machine: creation on lobby
// joins, membership bookkeeping, ownership succession, destruction when
// the last member leaves, and owner control actions.
//
// All mutations for a given session are serialized on a single-writer
// mailbox; sessions hashed to different shards proceed in parallel.
type Manager struct {
	cfg   Config
	store storage.Store
	act   platform.Actuator
	bus   eventbus.Bus
	log   logx.Logger

	now   nowFunc
	newID func() string

	shards []chan task
	sup    *rtsup.Supervisor
}

type task struct {
	fn   func(ctx context.Context) error
	done chan error // nil for fire-and-forget
}

func New(cfg Config, store storage.Store, act platform.Actuator, bus eventbus.Bus, log logx.Logger) *Manager {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:   cfg,
		store: store,
		act:   act,
		bus:   bus,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
	m.shards = make([]chan task, cfg.Shards)
	for i := range m.shards {
		m.shards[i] = make(chan task, cfg.MailboxSize)
	}
	return m
}

// Start launches the shard workers. The manager accepts work until the
// supervisor context is canceled.
func (m *Manager) Start(ctx context.Context) error {
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
	for i := range m.shards {
		ch := m.shards[i]
		m.sup.Go0(fmt.Sprintf("session.shard-%d", i), func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-ch:
					err := t.fn(ctx)
					if t.done != nil {
						t.done <- err
					} else if err != nil {
						m.log.Warn("session operation failed", logx.Err(err))
					}
				}
			}
		})
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if m.sup == nil {
		return nil
	}
	return m.sup.Stop(ctx)
}

func (m *Manager) shardFor(key string) chan task {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum64()%uint64(len(m.shards))]
}

// post enqueues fire-and-forget work for key, blocking only if the shard
// mailbox is full.
func (m *Manager) post(ctx context.Context, key string, fn func(ctx context.Context) error) {
	if m.sup != nil {
		select {
		case <-m.sup.Context().Done():
			return
		default:
		}
	}
	select {
	case m.shardFor(key) <- task{fn: fn}:
	case <-ctx.Done():
	}
}

// do enqueues work for key and waits for its result.
func (m *Manager) do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if m.sup != nil {
		select {
		case <-m.sup.Context().Done():
			return ErrStopped
		default:
		}
	}
	done := make(chan error, 1)
	select {
	case m.shardFor(key) <- task{fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent routes a normalized platform event onto the right mailbox.
// It returns quickly; the actual work runs on the owning shard.
func (m *Manager) HandleEvent(ctx context.Context, ev platform.Event) {
	switch ev.Kind {
	case platform.EventMemberJoinedLobby:
		e := *ev.Membership
		m.post(ctx, "lobby:"+e.ChannelID, func(ctx context.Context) error {
			return m.memberJoinedLobby(ctx, e)
		})
	case platform.EventMemberJoinedSession:
		e := *ev.Membership
		m.post(ctx, "session:"+e.ChannelID, func(ctx context.Context) error {
			return m.memberJoinedSession(ctx, e)
		})
	case platform.EventMemberLeftSession:
		e := *ev.Membership
		m.post(ctx, "session:"+e.ChannelID, func(ctx context.Context) error {
			return m.memberLeftSession(ctx, e)
		})
	case platform.EventChannelDeleted:
		e := *ev.Channel
		m.post(ctx, "session:"+e.ChannelID, func(ctx context.Context) error {
			return m.channelDeleted(ctx, e)
		})
	case platform.EventGuildRemoved:
		e := *ev.Guild
		m.post(ctx, "guild:"+e.GuildID, func(ctx context.Context) error {
			return m.store.PurgeGuild(ctx, e.GuildID)
		})
	}
}

// memberJoinedLobby spawns a session channel for the joining member.
// Creation failures surface to the mailbox (logged); a failed move tears
// the half-built session down again.
func (m *Manager) memberJoinedLobby(ctx context.Context, ev platform.MembershipEvent) error {
	lobby, err := m.store.GetLobby(ctx, ev.ChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup lobby: %w", err)
	}

	name := renderName(lobby.NamePattern, ev.MemberName, ev.MemberID, m.cfg.DefaultName)
	channelID, err := m.act.CreateChannel(ctx, platform.ChannelSpec{
		GuildID:        lobby.GuildID,
		ParentID:       lobby.ChannelID,
		Name:           name,
		UserLimit:      lobby.UserLimit,
		CopyOverwrites: lobby.ChannelID,
	})
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	now := m.now()
	sess := storage.Session{
		ID:        m.newID(),
		GuildID:   lobby.GuildID,
		LobbyID:   lobby.ChannelID,
		ChannelID: channelID,
		OwnerID:   ev.MemberID,
		Name:      name,
		UserLimit: lobby.UserLimit,
		CreatedAt: now,
	}
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		_ = platform.IgnoreNotFound(m.act.DeleteChannel(ctx, channelID))
		return fmt.Errorf("persist session: %w", err)
	}
	if err := m.store.UpsertMember(ctx, storage.SessionMember{SessionID: sess.ID, MemberID: ev.MemberID, JoinedAt: now}); err != nil {
		_ = platform.IgnoreNotFound(m.act.DeleteChannel(ctx, channelID))
		_ = m.store.DeleteSession(ctx, sess.ID)
		return fmt.Errorf("persist membership: %w", err)
	}

	if err := m.act.MoveMember(ctx, ev.MemberID, channelID); err != nil {
		// The member never arrived; an orphaned empty channel is worse
		// than no channel.
		_ = platform.IgnoreNotFound(m.act.DeleteChannel(ctx, channelID))
		_ = m.store.DeleteSession(ctx, sess.ID)
		return fmt.Errorf("move member: %w", err)
	}

	m.log.Info("session created",
		logx.String("session", sess.ID),
		logx.String("channel", channelID),
		logx.String("owner", ev.MemberID))
	return nil
}

func (m *Manager) memberJoinedSession(ctx context.Context, ev platform.MembershipEvent) error {
	sess, err := m.store.GetSessionByChannel(ctx, ev.ChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	// Idempotent; a rejoin keeps the original joinedAt.
	return m.store.UpsertMember(ctx, storage.SessionMember{
		SessionID: sess.ID,
		MemberID:  ev.MemberID,
		JoinedAt:  m.now(),
	})
}

func (m *Manager) memberLeftSession(ctx context.Context, ev platform.MembershipEvent) error {
	sess, err := m.store.GetSessionByChannel(ctx, ev.ChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if err := m.store.DeleteMember(ctx, sess.ID, ev.MemberID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}

	remaining, err := m.store.ListMembers(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("list membership: %w", err)
	}
	if len(remaining) == 0 {
		return m.destroy(ctx, sess)
	}
	if ev.MemberID != sess.OwnerID {
		return nil
	}

	// Succession: earliest surviving join wins.
	successor := remaining[0].MemberID
	sess.OwnerID = successor
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		return fmt.Errorf("persist new owner: %w", err)
	}
	m.bus.Publish(eventbus.Fact{Kind: eventbus.KindSessionOwnerChanged, Data: eventbus.SessionOwnerChanged{
		SessionID:  sess.ID,
		ChannelID:  sess.ChannelID,
		NewOwnerID: successor,
	}})
	m.log.Info("session owner changed",
		logx.String("session", sess.ID),
		logx.String("owner", successor))
	return nil
}

// destroy removes the external channel (absence is fine) and the rows,
// then announces the terminal transition.
func (m *Manager) destroy(ctx context.Context, sess storage.Session) error {
	if err := platform.IgnoreNotFound(m.act.DeleteChannel(ctx, sess.ChannelID)); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if err := m.store.DeleteSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.bus.Publish(eventbus.Fact{Kind: eventbus.KindSessionDestroyed, Data: eventbus.SessionDestroyed{
		SessionID: sess.ID,
		ChannelID: sess.ChannelID,
	}})
	m.log.Info("session destroyed", logx.String("session", sess.ID), logx.String("channel", sess.ChannelID))
	return nil
}

func (m *Manager) channelDeleted(ctx context.Context, ev platform.ChannelEvent) error {
	if _, err := m.store.GetLobby(ctx, ev.ChannelID); err == nil {
		return m.store.DeleteLobby(ctx, ev.ChannelID)
	}
	sess, err := m.store.GetSessionByChannel(ctx, ev.ChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// The channel is already gone; only the rows need cleanup.
	return m.destroy(ctx, sess)
}

// Apply runs one owner control action against a session. It blocks until
// the owning shard has executed the mutation and returns its result.
func (m *Manager) Apply(ctx context.Context, sessionID, requesterID string, action Action) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownSession
	}
	if err != nil {
		return err
	}
	return m.do(ctx, "session:"+sess.ChannelID, func(ctx context.Context) error {
		return m.applyLocked(ctx, sessionID, requesterID, action)
	})
}

// applyLocked runs on the owning shard. The session is re-read there so
// the decision sees every prior mutation for this key.
func (m *Manager) applyLocked(ctx context.Context, sessionID, requesterID string, action Action) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownSession
	}
	if err != nil {
		return err
	}
	if requesterID != sess.OwnerID {
		return ErrNotOwner
	}

	var patch platform.ChannelPatch
	switch action.Kind {
	case ActionRename:
		name := strings.TrimSpace(action.Name)
		if !validName(name) {
			return ErrInvalidName
		}
		sess.Name = name
		patch.Name = &name
	case ActionSetLimit:
		if !validLimit(action.UserLimit) {
			return ErrInvalidLimit
		}
		sess.UserLimit = action.UserLimit
		patch.UserLimit = &action.UserLimit
	case ActionLock, ActionUnlock:
		locked := action.Kind == ActionLock
		sess.Locked = locked
		patch.Locked = &locked
	case ActionHide, ActionReveal:
		hidden := action.Kind == ActionHide
		sess.Hidden = hidden
		patch.Hidden = &hidden
	case ActionTransfer:
		members, err := m.store.ListMembers(ctx, sess.ID)
		if err != nil {
			return err
		}
		found := false
		for _, mem := range members {
			if mem.MemberID == action.TargetID {
				found = true
				break
			}
		}
		if !found {
			return ErrNotMember
		}
		sess.OwnerID = action.TargetID
	default:
		return fmt.Errorf("session: unknown action %q", action.Kind)
	}

	// External resource first; it is authoritative for platform-visible
	// attributes. A store failure after a successful patch is repaired by
	// the next reconcile.
	if action.Kind != ActionTransfer {
		if err := m.act.UpdateChannel(ctx, sess.ChannelID, patch); err != nil {
			return fmt.Errorf("update channel: %w", err)
		}
	}
	if err := m.store.UpsertSession(ctx, sess); err != nil {
		m.log.Warn("session row behind channel state",
			logx.String("session", sess.ID), logx.Err(err))
		return fmt.Errorf("persist session: %w", err)
	}
	if action.Kind == ActionTransfer {
		m.bus.Publish(eventbus.Fact{Kind: eventbus.KindSessionOwnerChanged, Data: eventbus.SessionOwnerChanged{
			SessionID:  sess.ID,
			ChannelID:  sess.ChannelID,
			NewOwnerID: sess.OwnerID,
		}})
	}
	return nil
}

// Reconcile destroys sessions whose membership log is empty. It repairs
// whatever a crash between an external mutation and its store write left
// behind. Runs at startup and on a daily sweep.
func (m *Manager) Reconcile(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	var swept int
	for _, sess := range sessions {
		sess := sess
		err := m.do(ctx, "session:"+sess.ChannelID, func(ctx context.Context) error {
			members, err := m.store.ListMembers(ctx, sess.ID)
			if err != nil {
				return err
			}
			if len(members) > 0 {
				return nil
			}
			return m.destroy(ctx, sess)
		})
		if err != nil {
			m.log.Warn("reconcile sweep failed", logx.String("session", sess.ID), logx.Err(err))
			continue
		}
		swept++
	}
	m.log.Debug("reconcile done", logx.Int("sessions", len(sessions)), logx.Int("checked", swept))
	return nil
}

// RegisterLobby makes a channel spawn sessions on join. Configuration
// commands live outside the core and call this.
func (m *Manager) RegisterLobby(ctx context.Context, l storage.Lobby) error {
	if l.ChannelID == "" || l.GuildID == "" {
		return errors.New("session: lobby needs guild and channel ids")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	return m.store.UpsertLobby(ctx, l)
}

// UnregisterLobby stops a channel from spawning sessions. Live sessions
// spawned from it are unaffected.
func (m *Manager) UnregisterLobby(ctx context.Context, channelID string) error {
	return m.store.DeleteLobby(ctx, channelID)
}

// renderName expands "%" in the lobby pattern to the creator's display
// name, falling back to the member id and then the configured default.
func renderName(pattern, memberName, memberID, fallback string) string {
	who := memberName
	if who == "" {
		who = memberID
	}
	name := strings.TrimSpace(strings.ReplaceAll(pattern, "%", who))
	if name == "" {
		name = fallback
	}
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	return name
}
