package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that the requested row does not exist. Callers that
// tolerate absence should check with errors.Is rather than matching text.
var ErrNotFound = errors.New("storage: not found")

// Lobby is a join-to-create anchor channel. A member joining it spawns a
// session channel under the same parent.
type Lobby struct {
	GuildID     string
	ChannelID   string
	NamePattern string // "%" expands to the creator's display name
	UserLimit   int    // 0 means unlimited
	CreatedAt   time.Time
}

// Session is an ephemeral channel owned by a member. The row exists for
// exactly as long as the channel is considered alive by the core.
type Session struct {
	ID        string // uuid, stable across owner changes
	GuildID   string
	LobbyID   string // channel id of the spawning lobby
	ChannelID string
	OwnerID   string
	Name      string
	UserLimit int
	Locked    bool
	Hidden    bool
	CreatedAt time.Time
}

// SessionMember is one row of the membership log. Rows are returned in
// join order; the oldest surviving member is the succession candidate.
type SessionMember struct {
	SessionID string
	MemberID  string
	JoinedAt  time.Time
}

// StickyConfig pins a message to the bottom of a channel. One config per
// channel. LastMessageID/LastPostedAt track the most recent repost so the
// scheduler can delete it before posting again.
type StickyConfig struct {
	ChannelID     string
	GuildID       string
	Content       string
	Debounce      time.Duration
	LastMessageID string
	LastPostedAt  time.Time
}

// Reminder is the per (guild, service) reminder state. DueAt nil means
// nothing is armed. Enabled gates both arming and delivery.
type Reminder struct {
	GuildID   string
	Service   string
	ChannelID string
	RoleID    string
	DueAt     *time.Time
	Enabled   bool
}

// Store is implemented by every driver. All methods are safe for
// concurrent use. Write methods are upserts unless named otherwise.
type Store interface {
	// Lobbies.
	UpsertLobby(ctx context.Context, l Lobby) error
	DeleteLobby(ctx context.Context, channelID string) error
	GetLobby(ctx context.Context, channelID string) (Lobby, error)
	ListLobbies(ctx context.Context, guildID string) ([]Lobby, error)

	// Sessions.
	UpsertSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	GetSession(ctx context.Context, id string) (Session, error)
	GetSessionByChannel(ctx context.Context, channelID string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)

	// Membership log. ListMembers returns rows ordered by join time,
	// ties broken by insertion order.
	UpsertMember(ctx context.Context, m SessionMember) error
	DeleteMember(ctx context.Context, sessionID, memberID string) error
	ListMembers(ctx context.Context, sessionID string) ([]SessionMember, error)

	// Sticky configs.
	UpsertSticky(ctx context.Context, c StickyConfig) error
	DeleteSticky(ctx context.Context, channelID string) error
	GetSticky(ctx context.Context, channelID string) (StickyConfig, error)
	ListSticky(ctx context.Context) ([]StickyConfig, error)

	// SetStickyPosted records the artifact of the latest repost without
	// touching the rest of the config.
	SetStickyPosted(ctx context.Context, channelID, messageID string, at time.Time) error

	// Reminders. ArmReminder sets DueAt, creating the row if needed.
	// ClearReminderDue nulls DueAt and reports whether it was set, so a
	// concurrent clear is observable.
	GetReminder(ctx context.Context, guildID, service string) (Reminder, error)
	SetReminderChannel(ctx context.Context, guildID, service, channelID string) error
	ArmReminder(ctx context.Context, guildID, service, channelID string, dueAt time.Time) error
	ClearReminderDue(ctx context.Context, guildID, service string) (bool, error)
	SetReminderEnabled(ctx context.Context, guildID, service string, enabled bool) error
	SetReminderRole(ctx context.Context, guildID, service, roleID string) error
	ScanDueReminders(ctx context.Context, now time.Time) ([]Reminder, error)

	// PurgeGuild removes every row tied to the guild.
	PurgeGuild(ctx context.Context, guildID string) error

	Close() error
}
