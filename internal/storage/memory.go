package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore backs tests and dry runs. Same semantics as the sqlite
// driver, nothing survives a restart.
type memoryStore struct {
	mu        sync.Mutex
	lobbies   map[string]Lobby   // channel id
	sessions  map[string]Session // session id
	byChannel map[string]string  // channel id -> session id
	members   map[string][]SessionMember
	sticky    map[string]StickyConfig
	reminders map[reminderKey]Reminder
}

type reminderKey struct {
	guildID string
	service string
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		lobbies:   make(map[string]Lobby),
		sessions:  make(map[string]Session),
		byChannel: make(map[string]string),
		members:   make(map[string][]SessionMember),
		sticky:    make(map[string]StickyConfig),
		reminders: make(map[reminderKey]Reminder),
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) UpsertLobby(_ context.Context, l Lobby) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.lobbies[l.ChannelID]; ok && l.CreatedAt.IsZero() {
		l.CreatedAt = prev.CreatedAt
	}
	m.lobbies[l.ChannelID] = l
	return nil
}

func (m *memoryStore) DeleteLobby(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lobbies, channelID)
	return nil
}

func (m *memoryStore) GetLobby(_ context.Context, channelID string) (Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lobbies[channelID]
	if !ok {
		return Lobby{}, ErrNotFound
	}
	return l, nil
}

func (m *memoryStore) ListLobbies(_ context.Context, guildID string) ([]Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Lobby
	for _, l := range m.lobbies {
		if l.GuildID == guildID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) UpsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[s.ID]; ok && s.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	}
	m.sessions[s.ID] = s
	m.byChannel[s.ChannelID] = s.ID
	return nil
}

func (m *memoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		delete(m.byChannel, s.ChannelID)
	}
	delete(m.sessions, id)
	delete(m.members, id)
	return nil
}

func (m *memoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) GetSessionByChannel(_ context.Context, channelID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byChannel[channelID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return m.sessions[id], nil
}

func (m *memoryStore) ListSessions(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) UpsertMember(_ context.Context, mem SessionMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.members[mem.SessionID] {
		if cur.MemberID == mem.MemberID {
			return nil
		}
	}
	m.members[mem.SessionID] = append(m.members[mem.SessionID], mem)
	return nil
}

func (m *memoryStore) DeleteMember(_ context.Context, sessionID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.members[sessionID]
	for i, cur := range rows {
		if cur.MemberID == memberID {
			m.members[sessionID] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memoryStore) ListMembers(_ context.Context, sessionID string) ([]SessionMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.members[sessionID]
	out := make([]SessionMember, len(rows))
	copy(out, rows)
	// Insertion order already breaks ties; a stable sort keeps it.
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *memoryStore) UpsertSticky(_ context.Context, c StickyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sticky[c.ChannelID]; ok {
		c.LastMessageID = prev.LastMessageID
		c.LastPostedAt = prev.LastPostedAt
	}
	m.sticky[c.ChannelID] = c
	return nil
}

func (m *memoryStore) DeleteSticky(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sticky, channelID)
	return nil
}

func (m *memoryStore) GetSticky(_ context.Context, channelID string) (StickyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sticky[channelID]
	if !ok {
		return StickyConfig{}, ErrNotFound
	}
	return c, nil
}

func (m *memoryStore) ListSticky(_ context.Context) ([]StickyConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StickyConfig, 0, len(m.sticky))
	for _, c := range m.sticky {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

func (m *memoryStore) SetStickyPosted(_ context.Context, channelID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sticky[channelID]
	if !ok {
		return nil
	}
	c.LastMessageID = messageID
	c.LastPostedAt = at
	m.sticky[channelID] = c
	return nil
}

func (m *memoryStore) GetReminder(_ context.Context, guildID, service string) (Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[reminderKey{guildID, service}]
	if !ok {
		return Reminder{}, ErrNotFound
	}
	return r, nil
}

func (m *memoryStore) SetReminderChannel(_ context.Context, guildID, service, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{guildID, service}
	r, ok := m.reminders[key]
	if !ok {
		r = Reminder{GuildID: guildID, Service: service, Enabled: true}
	}
	r.ChannelID = channelID
	m.reminders[key] = r
	return nil
}

func (m *memoryStore) ArmReminder(_ context.Context, guildID, service, channelID string, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{guildID, service}
	r, ok := m.reminders[key]
	if !ok {
		r = Reminder{GuildID: guildID, Service: service, Enabled: true}
	}
	r.ChannelID = channelID
	due := dueAt
	r.DueAt = &due
	m.reminders[key] = r
	return nil
}

func (m *memoryStore) ClearReminderDue(_ context.Context, guildID, service string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{guildID, service}
	r, ok := m.reminders[key]
	if !ok || r.DueAt == nil {
		return false, nil
	}
	r.DueAt = nil
	m.reminders[key] = r
	return true, nil
}

func (m *memoryStore) SetReminderEnabled(_ context.Context, guildID, service string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{guildID, service}
	r, ok := m.reminders[key]
	if !ok {
		r = Reminder{GuildID: guildID, Service: service}
	}
	r.Enabled = enabled
	m.reminders[key] = r
	return nil
}

func (m *memoryStore) SetReminderRole(_ context.Context, guildID, service, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reminderKey{guildID, service}
	r, ok := m.reminders[key]
	if !ok {
		r = Reminder{GuildID: guildID, Service: service, Enabled: true}
	}
	r.RoleID = roleID
	m.reminders[key] = r
	return nil
}

func (m *memoryStore) ScanDueReminders(_ context.Context, now time.Time) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reminder
	for _, r := range m.reminders {
		if r.Enabled && r.DueAt != nil && !r.DueAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GuildID != out[j].GuildID {
			return out[i].GuildID < out[j].GuildID
		}
		return out[i].Service < out[j].Service
	})
	return out, nil
}

func (m *memoryStore) PurgeGuild(_ context.Context, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.lobbies {
		if l.GuildID == guildID {
			delete(m.lobbies, id)
		}
	}
	for id, s := range m.sessions {
		if s.GuildID == guildID {
			delete(m.byChannel, s.ChannelID)
			delete(m.sessions, id)
			delete(m.members, id)
		}
	}
	for id, c := range m.sticky {
		if c.GuildID == guildID {
			delete(m.sticky, id)
		}
	}
	for key := range m.reminders {
		if key.guildID == guildID {
			delete(m.reminders, key)
		}
	}
	return nil
}
